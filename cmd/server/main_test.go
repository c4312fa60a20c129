package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/beacon/internal/audit"
	bc "github.com/linnemanlabs/beacon/internal/cfg"
	"github.com/linnemanlabs/beacon/internal/ratelimit"
	"github.com/linnemanlabs/beacon/internal/tenant"
)

func TestNotifySystemd_Errors(t *testing.T) {
	tests := []struct {
		name   string
		socket func(t *testing.T) string
		want   string
	}{
		{"no socket", func(*testing.T) string { return "" }, "NOTIFY_SOCKET not set"},
		{"missing path", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nonexistent.sock") }, "dial failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NOTIFY_SOCKET", tt.socket(t))

			err := notifySystemd()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestNotifySystemd_SendsReady(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)
	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 64)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}
	if got := string(buf[:n]); got != "READY=1" {
		t.Errorf("payload = %q, want READY=1", got)
	}
}

func TestNewLimiter_InProcess(t *testing.T) {
	t.Parallel()

	c := &bc.Config{RateLimit: 2, RateWindow: time.Minute}
	l, closeFn, err := newLimiter(context.Background(), c, log.Nop())
	if err != nil {
		t.Fatalf("newLimiter: %v", err)
	}
	defer func() { _ = closeFn() }()

	mem, ok := l.(*ratelimit.Memory)
	if !ok {
		t.Fatalf("limiter = %T, want *ratelimit.Memory", l)
	}
	if p := mem.Policy(); p.Limit != 2 || p.Window != time.Minute {
		t.Errorf("policy = %+v", p)
	}
	ctx := context.Background()
	if !l.Allow(ctx, "k") || !l.Allow(ctx, "k") || l.Allow(ctx, "k") {
		t.Error("limit of 2 not enforced")
	}
}

func TestNewLimiter_RedisUnreachable(t *testing.T) {
	t.Parallel()

	c := &bc.Config{RateLimit: 2, RateWindow: time.Minute, RedisAddr: "127.0.0.1:1"}
	if _, _, err := newLimiter(context.Background(), c, log.Nop()); err == nil {
		t.Fatal("expected an error for an unreachable redis")
	}
}

func TestNewAuditLog(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		brokers string
		want    string
	}{
		{"memory without brokers", "", "*audit.Memory"},
		{"blank broker list", " , ", "*audit.Memory"},
		{"kafka with brokers", "localhost:9092", "*audit.Kafka"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := &bc.Config{KafkaBrokers: tt.brokers, KafkaTopic: "beacon.audit"}
			l, closeFn := newAuditLog(context.Background(), c, log.Nop())
			defer func() { _ = closeFn() }()

			var got string
			switch l.(type) {
			case *audit.Memory:
				got = "*audit.Memory"
			case *audit.Kafka:
				got = "*audit.Kafka"
			}
			if got != tt.want {
				t.Errorf("audit log = %T, want %s", l, tt.want)
			}
		})
	}
}

func TestWriteTenantEntry_RoundTrips(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := writeTenantEntry(strings.NewReader("  s3cret-key \nignored\n"), &out, "org-a", "Acme"); err != nil {
		t.Fatalf("writeTenantEntry: %v", err)
	}
	if strings.Contains(out.String(), "s3cret-key") {
		t.Fatal("raw key written to the tenants entry")
	}

	path := filepath.Join(t.TempDir(), "tenants.yaml")
	if err := os.WriteFile(path, out.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	dir, err := tenant.LoadDirectory(path)
	if err != nil {
		t.Fatalf("LoadDirectory: %v\n%s", err, out.String())
	}
	got, err := dir.Resolve(context.Background(), "s3cret-key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != "org-a" || got.Name != "Acme" {
		t.Errorf("tenant = %+v", got)
	}
}

func TestWriteTenantEntry_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		id   string
	}{
		{"no tenant id", "key\n", ""},
		{"empty stdin", "", "org-a"},
		{"blank key", "   \n", "org-a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			if err := writeTenantEntry(strings.NewReader(tt.in), &out, tt.id, ""); err == nil {
				t.Error("expected error")
			}
			if out.Len() != 0 {
				t.Errorf("wrote %q on error", out.String())
			}
		})
	}
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/beacon/internal/audit"
	bc "github.com/linnemanlabs/beacon/internal/cfg"
	"github.com/linnemanlabs/beacon/internal/ratelimit"
	"github.com/linnemanlabs/beacon/internal/tenant"
)

// newLimiter returns the shared redis limiter when redis-addr is set, else the
// in-process one. The returned close func is never nil.
func newLimiter(ctx context.Context, c *bc.Config, L log.Logger) (ratelimit.Limiter, func() error, error) {
	policy := ratelimit.Policy{Limit: c.RateLimit, Window: c.RateWindow}
	if c.RedisAddr == "" {
		L.Info(ctx, "using in-process rate limiter", "global_rate_limit", c.GlobalRateLimit)
		return ratelimit.NewMemory(policy, ratelimit.WithGlobalRate(c.GlobalRateLimit, c.RateLimit)), func() error { return nil }, nil
	}
	rdb, err := ratelimit.DialRedis(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	L.Info(ctx, "using redis rate limiter", "addr", c.RedisAddr)
	return ratelimit.NewRedis(rdb, policy, L), rdb.Close, nil
}

// newAuditLog returns the kafka publisher when brokers are configured, else
// an in-memory ring. The returned close func is never nil.
func newAuditLog(ctx context.Context, c *bc.Config, L log.Logger) (audit.Log, func() error) {
	if brokers := c.KafkaBrokerList(); len(brokers) > 0 {
		k := audit.NewKafka(brokers, c.KafkaTopic, audit.WithLogger(L))
		L.Info(ctx, "audit log enabled", "type", "kafka", "topic", c.KafkaTopic, "brokers", len(brokers))
		return k, k.Close
	}
	L.Info(ctx, "audit log enabled", "type", "memory")
	return audit.NewMemory(audit.DefaultCapacity), func() error { return nil }
}

// writeTenantEntry reads a webhook key from the first line of in and writes
// the tenants-file entry for it to out. The key never appears in argv.
func writeTenantEntry(in io.Reader, out io.Writer, id, name string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("-tenant-id is required with -hash-key")
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read key: %w", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return errors.New("no key on stdin")
	}
	entry, err := tenant.EntryFor(tenant.Tenant{ID: strings.TrimSpace(id), Name: name}, key)
	if err != nil {
		return err
	}
	raw, err := tenant.MarshalEntries(entry)
	if err != nil {
		return fmt.Errorf("render entry: %w", err)
	}
	_, err = out.Write(raw)
	return err
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}

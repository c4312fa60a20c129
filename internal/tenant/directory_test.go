package tenant

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

func mustEntry(t *testing.T, tn Tenant, key string) DirectoryEntry {
	t.Helper()
	e, err := EntryFor(tn, key)
	if err != nil {
		t.Fatalf("EntryFor: %v", err)
	}
	return e
}

func mustHash(t *testing.T, key string) string {
	t.Helper()
	h, err := HashKey(key)
	if err != nil {
		t.Fatalf("HashKey: %v", err)
	}
	return h
}

func newDirectory(t *testing.T) *Directory {
	t.Helper()
	raw, err := MarshalEntries(
		mustEntry(t, Tenant{ID: "org-a", Name: "Acme"}, "key-a"),
		mustEntry(t, Tenant{ID: "org-b", Name: "Globex"}, strings.Repeat("b", 100)),
	)
	if err != nil {
		t.Fatalf("MarshalEntries: %v", err)
	}
	d, err := ParseDirectory(raw)
	if err != nil {
		t.Fatalf("ParseDirectory: %v", err)
	}
	return d
}

// countCompares wraps the bcrypt check of d.
func countCompares(d *Directory) *atomic.Int64 {
	var n atomic.Int64
	inner := d.compare
	d.compare = func(hash, key string) bool {
		n.Add(1)
		return inner(hash, key)
	}
	return &n
}

func TestDirectory_Resolve(t *testing.T) {
	t.Parallel()

	d := newDirectory(t)
	if d.Len() != 2 {
		t.Fatalf("Len = %d, want 2", d.Len())
	}

	got, err := d.Resolve(context.Background(), "key-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != "org-a" || got.Name != "Acme" {
		t.Errorf("tenant = %+v, want org-a/Acme", got)
	}

	// second lookup is served from the cache and must match
	again, err := d.Resolve(context.Background(), "key-a")
	if err != nil {
		t.Fatalf("Resolve cached: %v", err)
	}
	if again.ID != "org-a" {
		t.Errorf("cached ID = %q, want org-a", again.ID)
	}
}

func TestDirectory_ResolveLongKey(t *testing.T) {
	t.Parallel()

	d := newDirectory(t)
	got, err := d.Resolve(context.Background(), strings.Repeat("b", 100))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != "org-b" {
		t.Errorf("ID = %q, want org-b", got.ID)
	}
}

func TestDirectory_ResolveUnknown(t *testing.T) {
	t.Parallel()

	d := newDirectory(t)
	for _, key := range []string{"", "   ", "nope", "key-a-but-longer"} {
		if _, err := d.Resolve(context.Background(), key); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(%q) err = %v, want ErrNotFound", key, err)
		}
	}
}

func TestParseDirectory_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"bad yaml", "tenants: ["},
		{"missing id", "tenants:\n  - name: x\n    key_digest: " + KeyDigest("a") + "\n"},
		{"missing digest", "tenants:\n  - id: a\n    key_hash: h\n"},
		{"short digest", "tenants:\n  - id: a\n    key_digest: abc123\n"},
		{"non-hex digest", "tenants:\n  - id: a\n    key_digest: " + strings.Repeat("z", 64) + "\n"},
		{"duplicate id", "tenants:\n  - id: a\n    key_digest: " + KeyDigest("a") + "\n  - id: a\n    key_digest: " + KeyDigest("b") + "\n"},
		{"shared key", "tenants:\n  - id: a\n    key_digest: " + KeyDigest("k") + "\n  - id: b\n    key_digest: " + KeyDigest("k") + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseDirectory([]byte(tt.raw)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDirectory_UnknownKeysSkipBcrypt(t *testing.T) {
	t.Parallel()

	d := newDirectory(t)
	compares := countCompares(d)

	for _, key := range []string{"nope", "key-b", strings.Repeat("x", 200)} {
		if _, err := d.Resolve(context.Background(), key); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(%q) err = %v, want ErrNotFound", key, err)
		}
	}
	if got := compares.Load(); got != 0 {
		t.Errorf("bcrypt compares for unknown keys = %d, want 0", got)
	}

	for range 3 {
		if _, err := d.Resolve(context.Background(), "key-a"); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if got := compares.Load(); got != 1 {
		t.Errorf("bcrypt compares for a known key = %d, want 1", got)
	}
}

func TestDirectory_HashMismatchRejects(t *testing.T) {
	t.Parallel()

	raw := "tenants:\n  - id: org-a\n    key_digest: " + KeyDigest("key-a") +
		"\n    key_hash: '" + mustHash(t, "other") + "'\n"
	d, err := ParseDirectory([]byte(raw))
	if err != nil {
		t.Fatalf("ParseDirectory: %v", err)
	}
	if _, err := d.Resolve(context.Background(), "key-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDirectory_DigestOnly(t *testing.T) {
	t.Parallel()

	d, err := ParseDirectory([]byte("tenants:\n  - id: org-c\n    name: Initech\n    key_digest: " + strings.ToUpper(KeyDigest("key-c")) + "\n"))
	if err != nil {
		t.Fatalf("ParseDirectory: %v", err)
	}
	got, err := d.Resolve(context.Background(), " key-c ")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != "org-c" || got.Name != "Initech" {
		t.Errorf("tenant = %+v", got)
	}
}

func TestCompareKey(t *testing.T) {
	t.Parallel()

	h := mustHash(t, "secret")
	if !CompareKey(h, "secret") {
		t.Error("CompareKey(correct) = false")
	}
	if CompareKey(h, "Secret") {
		t.Error("CompareKey(wrong case) = true")
	}
	if CompareKey("", "secret") || CompareKey(h, "") {
		t.Error("CompareKey with empty input should be false")
	}
}

func TestContext(t *testing.T) {
	t.Parallel()

	if _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext on empty context returned ok")
	}
	ctx := WithContext(context.Background(), &Tenant{ID: "org-a"})
	got, ok := FromContext(ctx)
	if !ok || got.ID != "org-a" {
		t.Errorf("FromContext = %+v, %v", got, ok)
	}
}

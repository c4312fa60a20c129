package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

const (
	bcryptCost  = 10
	bcryptLimit = 72
)

// DirectoryEntry is one tenant in the directory file. KeyDigest is the
// lookup index; KeyHash, when present, is a bcrypt hash checked once per
// process after the digest matches. Both are produced by HashKey.
type DirectoryEntry struct {
	Tenant    `yaml:",inline"`
	KeyDigest string `yaml:"key_digest"`
	KeyHash   string `yaml:"key_hash,omitempty"`
}

type directoryFile struct {
	Tenants []DirectoryEntry `yaml:"tenants"`
}

// Directory is a Resolver backed by a static list of tenants indexed by key
// digest. Unknown keys never reach bcrypt.
type Directory struct {
	byDigest map[string]*DirectoryEntry
	compare  func(hash, key string) bool

	mu       sync.RWMutex
	verified map[string]struct{} // digests whose bcrypt check passed
}

// LoadDirectory reads a YAML tenant directory from path.
func LoadDirectory(path string) (*Directory, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	return ParseDirectory(raw)
}

// ParseDirectory parses a YAML tenant directory.
func ParseDirectory(raw []byte) (*Directory, error) {
	var f directoryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse tenants file: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Tenants))
	byDigest := make(map[string]*DirectoryEntry, len(f.Tenants))
	for i := range f.Tenants {
		e := &f.Tenants[i]
		if strings.TrimSpace(e.ID) == "" {
			return nil, fmt.Errorf("tenant %d: id is required", i)
		}
		e.KeyDigest = strings.ToLower(strings.TrimSpace(e.KeyDigest))
		if !validDigest(e.KeyDigest) {
			return nil, fmt.Errorf("tenant %q: key_digest must be 64 hex characters", e.ID)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("tenant %q: duplicate id", e.ID)
		}
		if _, dup := byDigest[e.KeyDigest]; dup {
			return nil, fmt.Errorf("tenant %q: key already assigned to another tenant", e.ID)
		}
		seen[e.ID] = struct{}{}
		byDigest[e.KeyDigest] = e
	}

	return &Directory{
		byDigest: byDigest,
		compare:  CompareKey,
		verified: make(map[string]struct{}),
	}, nil
}

func validDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Len returns the number of tenants in the directory.
func (d *Directory) Len() int {
	return len(d.byDigest)
}

// Resolve implements Resolver.
func (d *Directory) Resolve(_ context.Context, key string) (*Tenant, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrNotFound
	}

	digest := KeyDigest(key)
	e, ok := d.byDigest[digest]
	if !ok {
		return nil, ErrNotFound
	}

	if e.KeyHash != "" {
		d.mu.RLock()
		_, done := d.verified[digest]
		d.mu.RUnlock()
		if !done {
			if !d.compare(e.KeyHash, key) {
				return nil, ErrNotFound
			}
			d.mu.Lock()
			d.verified[digest] = struct{}{}
			d.mu.Unlock()
		}
	}

	t := e.Tenant
	return &t, nil
}

// HashKey returns the bcrypt hash to store in the directory for key.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key")
	}
	hash, err := bcrypt.GenerateFromPassword(bcryptInput(key), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash key: %w", err)
	}
	return string(hash), nil
}

// CompareKey reports whether key matches a hash produced by HashKey.
func CompareKey(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(key)) == nil
}

// bcrypt only reads 72 bytes; longer keys are pre-hashed.
func bcryptInput(key string) []byte {
	if len(key) > bcryptLimit {
		sum := sha256.Sum256([]byte(key))
		return sum[:]
	}
	return []byte(key)
}

// KeyDigest returns the hex SHA-256 of key, the form keys are indexed by at rest.
func KeyDigest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// EntryFor builds the directory entry for a tenant with key, ready to be
// written to the tenants file.
func EntryFor(t Tenant, key string) (DirectoryEntry, error) {
	key = strings.TrimSpace(key)
	hash, err := HashKey(key)
	if err != nil {
		return DirectoryEntry{}, err
	}
	return DirectoryEntry{Tenant: t, KeyDigest: KeyDigest(key), KeyHash: hash}, nil
}

// MarshalEntries renders entries in the tenants file format.
func MarshalEntries(entries ...DirectoryEntry) ([]byte, error) {
	return yaml.Marshal(directoryFile{Tenants: entries})
}

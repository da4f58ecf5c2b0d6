package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const keyLen = 32 // AES-256

// ErrKeyVersionNotFound is returned when a ciphertext references a master
// key version the registry does not hold.
var ErrKeyVersionNotFound = errors.New("master key version not found")

// ErrNoStagedKey is returned by ActivateStaged when no next key has been
// staged from configuration.
var ErrNoStagedKey = errors.New("no staged master key")

type keyVersion struct {
	material  []byte
	retiredAt *time.Time
}

// Registry holds the current and previous master encryption keys by version,
// plus an optional staged next key. All key material comes from
// configuration; the registry never invents keys, so every version it can
// encrypt under survives a process restart. Reads are concurrent;
// ActivateStaged is called only by the rotation coordinator, which
// serializes rotations itself.
type Registry struct {
	mu      sync.RWMutex
	keys    map[int]*keyVersion
	current int
	staged  int
}

// NewRegistry builds a registry from versioned key material. The highest
// version becomes current; every key must be 32 bytes. At least one key is
// required — a service that cannot decrypt its own data must not start.
func NewRegistry(keys map[int][]byte) (*Registry, error) {
	if len(keys) == 0 {
		return nil, errors.New("no master keys configured")
	}

	versions := make([]int, 0, len(keys))
	for v, material := range keys {
		if v <= 0 {
			return nil, fmt.Errorf("invalid master key version %d", v)
		}
		if len(material) != keyLen {
			return nil, fmt.Errorf("master key version %d: got %d bytes, want %d", v, len(material), keyLen)
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)

	r := &Registry{
		keys:    make(map[int]*keyVersion, len(keys)),
		current: versions[len(versions)-1],
	}
	now := time.Now().UTC()
	for v, material := range keys {
		kv := &keyVersion{material: material}
		if v != r.current {
			retired := now
			kv.retiredAt = &retired
		}
		r.keys[v] = kv
	}
	return r, nil
}

// Current returns the active key version and its material.
func (r *Registry) Current() (int, []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.keys[r.current].material
}

// CurrentVersion returns the active key version.
func (r *Registry) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Resolve returns the key material for a version, current or retained.
func (r *Registry) Resolve(version int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kv, ok := r.keys[version]
	if !ok {
		return nil, fmt.Errorf("%w: version %d", ErrKeyVersionNotFound, version)
	}
	return kv.material, nil
}

// Stage registers the configured next key version without making it current.
// The staged key is resolvable immediately, so records encrypted under it by
// a rotation run that was interrupted by a restart remain readable as long
// as the key stays in configuration.
func (r *Registry) Stage(version int, material []byte) error {
	if len(material) != keyLen {
		return fmt.Errorf("staged master key: got %d bytes, want %d", len(material), keyLen)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if version <= r.current {
		return fmt.Errorf("staged master key version %d must exceed current version %d", version, r.current)
	}
	if _, exists := r.keys[version]; exists {
		return fmt.Errorf("master key version %d already registered", version)
	}
	r.keys[version] = &keyVersion{material: material}
	r.staged = version
	return nil
}

// Staged returns the staged next key version, or 0 when none is configured.
func (r *Registry) Staged() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.staged
}

// ActivateStaged promotes the staged version to current and returns it. The
// previous version stays resolvable until explicitly retired and removed
// from configuration.
func (r *Registry) ActivateStaged() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.staged == 0 {
		return 0, ErrNoStagedKey
	}
	r.current = r.staged
	r.staged = 0
	return r.current, nil
}

// Retire stamps a version as retired. The key stays resolvable; retirement
// only records that no record should reference it anymore.
func (r *Registry) Retire(version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kv, ok := r.keys[version]
	if !ok {
		return fmt.Errorf("%w: version %d", ErrKeyVersionNotFound, version)
	}
	if version == r.current {
		return fmt.Errorf("cannot retire current master key version %d", version)
	}
	if kv.retiredAt == nil {
		now := time.Now().UTC()
		kv.retiredAt = &now
	}
	return nil
}

// GenerateKey returns 32 bytes of cryptographically random key material.
func GenerateKey() ([]byte, error) {
	material := make([]byte, keyLen)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	return material, nil
}

package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/counsel-dev/counsel/internal/lock"
)

// statePrefix namespaces incremental-state records apart from result records
// inside the same store.
const statePrefix = "state-"

// entry is the stored envelope around a cached value. Validity is
// boundary-exclusive: an entry is live iff now < CreatedAt + TTLHours.
type entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	TTLHours  float64         `json:"ttl_hours"`
}

func (e entry) expired(now time.Time) bool {
	if e.TTLHours <= 0 {
		return true
	}
	deadline := e.CreatedAt.Add(time.Duration(e.TTLHours * float64(time.Hour)))
	return !now.Before(deadline)
}

// stateRecord is the stored incremental state for one scope.
type stateRecord struct {
	ScopeKey   string            `json:"scope_key"`
	FileHashes map[string]string `json:"file_hashes"`
}

// Manager layers TTL semantics, deterministic key derivation, and incremental
// state on top of a Store. Expiry is lazy: Get treats an expired record as
// absent and removes it opportunistically; no background sweep is needed for
// correctness.
type Manager struct {
	store Store
	locks *lock.MutexMap
	now   func() time.Time
}

// NewManager wraps a store.
func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		locks: lock.NewMutexMap(),
		now:   time.Now,
	}
}

// Key derives the deterministic cache key for a request: two requests with
// identical operation, prompt, and context content always collide. Context
// files enter the digest by sorted path so map iteration order cannot perturb
// the key.
func Key(operation, prompt string, contextHashes map[string]string) string {
	h := sha256.New()
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	paths := make([]string, 0, len(contextHashes))
	for p := range contextHashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		h.Write([]byte{0})
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write([]byte(contextHashes[p]))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get returns the cached value for key, or ok=false on a miss. Expired or
// unreadable records are misses, never errors: the caller must always be able
// to fall back to a fresh computation.
func (m *Manager) Get(key string) (json.RawMessage, bool) {
	data, err := m.store.Get(key)
	if err != nil {
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		// Corrupt record: drop it and report a miss.
		_ = m.store.Delete(key)
		return nil, false
	}
	if e.expired(m.now()) {
		_ = m.store.Delete(key)
		return nil, false
	}
	return e.Value, true
}

// Set caches value under key with the given TTL. Writes to the same key are
// serialized per key so interleaved writers cannot race the store backend.
func (m *Manager) Set(key string, value any, ttlHours float64) error {
	if ttlHours <= 0 {
		return fmt.Errorf("ttl_hours must be > 0, got %v", ttlHours)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value for %s: %w", key, err)
	}
	data, err := json.Marshal(entry{
		Key:       key,
		Value:     raw,
		CreatedAt: m.now().UTC(),
		TTLHours:  ttlHours,
	})
	if err != nil {
		return fmt.Errorf("marshal cache entry for %s: %w", key, err)
	}

	m.locks.Lock(key)
	defer m.locks.Unlock(key)
	return m.store.Set(key, data)
}

// Delete removes one record.
func (m *Manager) Delete(key string) error {
	m.locks.Lock(key)
	defer m.locks.Unlock(key)
	return m.store.Delete(key)
}

// Clear removes every record, results and incremental state alike.
func (m *Manager) Clear() error {
	keys, err := m.store.Keys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := m.store.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Stats summarizes the store contents for maintenance commands.
type Stats struct {
	Entries int `json:"entries"`
	Expired int `json:"expired"`
	States  int `json:"states"`
}

// Stats counts live, expired, and incremental-state records.
func (m *Manager) Stats() (Stats, error) {
	keys, err := m.store.Keys()
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	now := m.now()
	for _, k := range keys {
		if strings.HasPrefix(k, statePrefix) {
			st.States++
			continue
		}
		st.Entries++
		data, err := m.store.Get(k)
		if err != nil {
			continue
		}
		var e entry
		if err := json.Unmarshal(data, &e); err != nil || e.expired(now) {
			st.Expired++
		}
	}
	return st, nil
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// stateKey maps an arbitrary scope key onto the store's key alphabet.
func stateKey(scopeKey string) string {
	return statePrefix + fmt.Sprintf("%x", sha256.Sum256([]byte(scopeKey)))
}

// SaveIncrementalState persists the path→hash map for a scope so the next run
// can diff against it.
func (m *Manager) SaveIncrementalState(scopeKey string, hashes map[string]string, ttlHours float64) error {
	rec := stateRecord{ScopeKey: scopeKey, FileHashes: hashes}
	return m.Set(stateKey(scopeKey), rec, ttlHours)
}

// IncrementalState loads the stored path→hash map for a scope. Missing,
// expired, or corrupt state reads as absent, which forces a full fresh run.
func (m *Manager) IncrementalState(scopeKey string) (map[string]string, bool) {
	raw, ok := m.Get(stateKey(scopeKey))
	if !ok {
		return nil, false
	}
	var rec stateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return rec.FileHashes, true
}

// HashContent returns the hex SHA-256 digest of content.
func HashContent(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

// HashFile returns the hex SHA-256 digest of a file's contents.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return HashContent(data), nil
}

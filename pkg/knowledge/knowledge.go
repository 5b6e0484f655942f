// Package knowledge is a small replicated key/value store whose content is
// summarized by a Merkle root.
//
// Values are kept in canonical JSON (object keys sorted, numbers as float64)
// so that two stores holding the same mapping always report the same root.
package knowledge

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"meshdeploy/pkg/merkle"
	"meshdeploy/pkg/metrics"
)

// ConflictPolicy selects which side wins when a key holds different values.
type ConflictPolicy int

const (
	KeepLocal ConflictPolicy = iota // the store Reconcile is called on wins
	KeepRemote
)

func (p ConflictPolicy) String() string {
	switch p {
	case KeepLocal:
		return "keep_local"
	case KeepRemote:
		return "keep_remote"
	}
	return fmt.Sprintf("ConflictPolicy(%d)", int(p))
}

// ParseConflictPolicy accepts "keep_local", "keep_remote" or "" (KeepLocal).
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "keep_local", "local":
		return KeepLocal, nil
	case "keep_remote", "remote":
		return KeepRemote, nil
	}
	return KeepLocal, fmt.Errorf("unknown conflict policy %q", s)
}

var storeSeq atomic.Uint64

// Store is an in-memory key/value map guarded by a Merkle index.
type Store struct {
	id uint64 // lock ordering between stores

	mu      sync.RWMutex
	entries map[string][]byte
	keys    []string
	index   *merkle.Index
	policy  ConflictPolicy

	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		id:      storeSeq.Add(1),
		entries: make(map[string][]byte),
		index:   merkle.Build(nil),
		logger:  logger,
	}
}

func (s *Store) SetPolicy(p ConflictPolicy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

func (s *Store) Policy() ConflictPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// SetMetrics attaches collectors updated on every mutation.
func (s *Store) SetMetrics(m *metrics.Metrics) {
	s.mu.Lock()
	s.metrics = m
	s.observeLocked()
	s.mu.Unlock()
}

// Canonicalize returns the canonical JSON encoding of value.
func Canonicalize(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return json.Marshal(generic)
}

func decode(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// Add stores value under key and rebuilds the index.
func (s *Store) Add(key string, value any) error {
	if key == "" {
		return fmt.Errorf("knowledge key cannot be empty")
	}
	canon, err := Canonicalize(value)
	if err != nil {
		return fmt.Errorf("add %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = canon
	s.rebuildLocked()
	s.logger.Debug("Knowledge entry added",
		zap.String("key", key),
		zap.String("root", s.index.RootHash()))
	return nil
}

// Get returns a freshly decoded copy of the value stored under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	raw, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return decode(raw), true
}

// GetInto decodes the value under key into dst.
func (s *Store) GetInto(key string, dst any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (s *Store) RootHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.RootHash()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// KeyDigest summarizes the key set: hex SHA-256 over the sorted keys, each
// prefixed with its length. Empty for an empty store.
func (s *Store) KeyDigest() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return digestKeys(s.keys)
}

// Digest returns the root and key digest read under one lock.
func (s *Store) Digest() (root, keys string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.RootHash(), digestKeys(s.keys)
}

func digestKeys(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	h := sha256.New()
	var n [4]byte
	for _, k := range keys {
		binary.BigEndian.PutUint32(n[:], uint32(len(k)))
		h.Write(n[:])
		h.Write([]byte(k))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Keys returns the stored keys in ascending order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.keys...)
}

// Snapshot returns every entry decoded.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.entries))
	for k, raw := range s.entries {
		out[k] = decode(raw)
	}
	return out
}

// Reconcile merges other into s and s into other. When the roots differ the
// keys present in both with different values are returned in ascending order
// and resolved by the policy of s. Both stores end with identical roots.
func (s *Store) Reconcile(other *Store) []string {
	if other == nil || other == s {
		return nil
	}

	first, second := s, other
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	// Leaves carry values only, so equal roots can hide differing key sets.
	if s.index.RootHash() == other.index.RootHash() && slices.Equal(s.keys, other.keys) {
		return nil
	}

	merged, conflicts := merge(s.entries, other.entries, s.policy)
	s.entries = merged
	other.entries = cloneEntries(merged)
	s.rebuildLocked()
	other.rebuildLocked()
	s.recordReconcileLocked(len(conflicts))

	s.logger.Info("Knowledge stores reconciled",
		zap.Int("entries", len(merged)),
		zap.Int("conflicts", len(conflicts)),
		zap.Stringer("policy", s.policy),
		zap.String("root", s.index.RootHash()))
	return conflicts
}

// Merge folds remote entries into s as the local side of a reconciliation and
// returns the conflicting keys. Used when the remote store lives in another
// process.
func (s *Store) Merge(remote map[string]any) ([]string, error) {
	incoming := make(map[string][]byte, len(remote))
	for k, v := range remote {
		if k == "" {
			return nil, fmt.Errorf("knowledge key cannot be empty")
		}
		canon, err := Canonicalize(v)
		if err != nil {
			return nil, fmt.Errorf("merge %q: %w", k, err)
		}
		incoming[k] = canon
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if merkle.Build(orderedValues(incoming)).RootHash() == s.index.RootHash() &&
		slices.Equal(sortedKeys(incoming), s.keys) {
		return nil, nil
	}
	merged, conflicts := merge(s.entries, incoming, s.policy)
	s.entries = merged
	s.rebuildLocked()
	s.recordReconcileLocked(len(conflicts))
	return conflicts, nil
}

// Replace discards the current contents in favour of entries.
func (s *Store) Replace(entries map[string]any) error {
	next := make(map[string][]byte, len(entries))
	for k, v := range entries {
		if k == "" {
			return fmt.Errorf("knowledge key cannot be empty")
		}
		canon, err := Canonicalize(v)
		if err != nil {
			return fmt.Errorf("replace %q: %w", k, err)
		}
		next[k] = canon
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = next
	s.rebuildLocked()
	return nil
}

// Proof returns the inclusion proof for key under the current root.
func (s *Store) Proof(key string) ([]merkle.ProofStep, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.SearchStrings(s.keys, key)
	if i == len(s.keys) || s.keys[i] != key {
		return nil, "", fmt.Errorf("knowledge key %q not found", key)
	}
	proof, err := s.index.Proof(i)
	if err != nil {
		return nil, "", err
	}
	return proof, s.index.RootHash(), nil
}

// Verify reports whether value is what the store holds under key, checked
// through the key's inclusion proof.
func (s *Store) Verify(key string, value any) bool {
	canon, err := Canonicalize(value)
	if err != nil {
		return false
	}
	proof, root, err := s.Proof(key)
	if err != nil {
		return false
	}
	return merkle.Verify(canon, proof, root)
}

func merge(local, remote map[string][]byte, policy ConflictPolicy) (map[string][]byte, []string) {
	merged := make(map[string][]byte, len(local)+len(remote))
	for k, v := range remote {
		merged[k] = v
	}
	var conflicts []string
	for k, lv := range local {
		rv, ok := remote[k]
		if ok && !bytes.Equal(lv, rv) {
			conflicts = append(conflicts, k)
			if policy == KeepRemote {
				continue
			}
		}
		merged[k] = lv
	}
	sort.Strings(conflicts)
	return merged, conflicts
}

func cloneEntries(in map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(entries map[string][]byte) []string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orderedValues(entries map[string][]byte) [][]byte {
	keys := sortedKeys(entries)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = entries[k]
	}
	return values
}

func (s *Store) rebuildLocked() {
	s.keys = sortedKeys(s.entries)
	values := make([][]byte, len(s.keys))
	for i, k := range s.keys {
		values[i] = s.entries[k]
	}
	s.index = merkle.Build(values)
	s.observeLocked()
}

func (s *Store) observeLocked() {
	if s.metrics != nil {
		s.metrics.KnowledgeEntries.Set(float64(len(s.entries)))
	}
}

func (s *Store) recordReconcileLocked(conflicts int) {
	if s.metrics == nil {
		return
	}
	s.metrics.Reconciles.Inc()
	s.metrics.ReconcileConflicts.Add(float64(conflicts))
}

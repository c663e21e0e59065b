package weave

import (
	"fmt"
	"sync"

	inspectwandb "github.com/zero-day-ai/inspect-wandb"
)

// SampleKey identifies one in-flight sample.
type SampleKey struct {
	EvalID   string
	SampleID string
}

func (k SampleKey) String() string {
	return fmt.Sprintf("%s/%s", k.EvalID, k.SampleID)
}

// SampleStore correlates per-sample state between SampleStart and SampleEnd.
// It is safe for concurrent use by different samples.
type SampleStore[V any] struct {
	mu      sync.Mutex
	entries map[SampleKey]V
}

// NewSampleStore creates an empty store.
func NewSampleStore[V any]() *SampleStore[V] {
	return &SampleStore[V]{entries: make(map[SampleKey]V)}
}

// Put stores v under key, replacing any previous value.
func (s *SampleStore[V]) Put(key SampleKey, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = v
}

// Get returns the value stored under key. A missing key means the harness
// delivered a SampleEnd without its SampleStart and is reported as a protocol
// violation.
func (s *SampleStore[V]) Get(key SampleKey) (V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.entries[key]
	if !ok {
		return v, inspectwandb.NewProtocolError("weave.SampleStore.Get",
			fmt.Errorf("no open sample %s: %w", key, inspectwandb.ErrProtocolViolation)).
			WithContext(map[string]any{"eval_id": key.EvalID, "sample_id": key.SampleID})
	}
	return v, nil
}

// Remove deletes key. Removing a missing key is a no-op.
func (s *SampleStore[V]) Remove(key SampleKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Len returns the number of open samples.
func (s *SampleStore[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Drain removes and returns every entry.
func (s *SampleStore[V]) Drain() map[SampleKey]V {
	s.mu.Lock()
	defer s.mu.Unlock()

	drained := s.entries
	s.entries = make(map[SampleKey]V)
	return drained
}

package registry

import (
	"context"
	"sync"
	"time"

	"github.com/restreamkit/restream-server/internal/domain/stream"
)

// MemoryRegistry is a map-backed Registry. Used in tests and as a single-node
// fallback when no Redis address is configured.
type MemoryRegistry struct {
	mu       sync.RWMutex
	nextID   int64
	configs  map[int64]stream.Config
	observed map[int64]stream.Observed
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		configs:  make(map[int64]stream.Config),
		observed: make(map[int64]stream.Observed),
	}
}

func (r *MemoryRegistry) GenerateID(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id int64) (*stream.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[id]
	if !ok {
		return nil, stream.ErrNotFound
	}
	out := cfg
	return &out, nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]*stream.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*stream.Config, 0, len(r.configs))
	for _, cfg := range r.configs {
		c := cfg
		out = append(out, &c)
	}
	return out, nil
}

func (r *MemoryRegistry) Put(ctx context.Context, cfg *stream.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.configs[cfg.ID] = *cfg
	// Observed state untouched: Put overwrites config only.
	return nil
}

func (r *MemoryRegistry) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.configs[id]; !ok {
		return stream.ErrNotFound
	}
	delete(r.configs, id)
	delete(r.observed, id)
	return nil
}

func (r *MemoryRegistry) Observed(ctx context.Context, id int64) (stream.Observed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	obs, ok := r.observed[id]
	if !ok {
		return stream.Observed{State: stream.StateStopped}, nil
	}
	return obs, nil
}

func (r *MemoryRegistry) SetObserved(ctx context.Context, id int64, obs stream.Observed) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.observed[id] = obs
	return nil
}

// MemoryLogStore keeps a bounded per-stream ring of entries. Sequence numbers
// are monotonic per stream for the life of the process.
type MemoryLogStore struct {
	mu    sync.Mutex
	cap   int
	rings map[int64]*entryRing
	seqs  map[int64]int64
	now   func() time.Time
}

func NewMemoryLogStore(capacity int) *MemoryLogStore {
	if capacity <= 0 {
		capacity = 500
	}
	return &MemoryLogStore{
		cap:   capacity,
		rings: make(map[int64]*entryRing),
		seqs:  make(map[int64]int64),
		now:   time.Now,
	}
}

func (s *MemoryLogStore) Append(ctx context.Context, id int64, sev stream.Severity, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring, ok := s.rings[id]
	if !ok {
		ring = newEntryRing(s.cap)
		s.rings[id] = ring
	}

	s.seqs[id]++
	ring.append(stream.LogEntry{
		StreamID:  id,
		Sequence:  s.seqs[id],
		Timestamp: s.now(),
		Severity:  sev,
		Message:   msg,
	})
	return nil
}

func (s *MemoryLogStore) Tail(ctx context.Context, id int64, limit int) ([]stream.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring, ok := s.rings[id]
	if !ok {
		return nil, nil
	}
	return ring.tail(limit), nil
}

func (s *MemoryLogStore) Drop(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rings, id)
	delete(s.seqs, id)
	return nil
}

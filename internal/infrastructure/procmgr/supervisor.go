//go:build linux

package procmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/restreamkit/restream-server/internal/domain/stream"
	"go.uber.org/zap"
)

// Supervisor owns the lifecycle of at most one transcoder process per stream
// ID. No component outside the Supervisor touches process state; callers get
// the narrow Start/Stop/IsAlive contract and Handle snapshots.
//
// The central invariant: for any stream ID, at most one live process exists
// at any instant, for all interleavings of Start/Stop calls.
type Supervisor struct {
	log   *zap.Logger
	grace time.Duration

	mu      sync.Mutex
	procs   map[int64]*process
	handles map[int64]stream.ProcessHandle
}

// NewSupervisor constructs a Supervisor. grace bounds the SIGTERM→SIGKILL
// escalation window on stop.
func NewSupervisor(log *zap.Logger, grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = 3 * time.Second
	}
	return &Supervisor{
		log:     log.Named("supervisor"),
		grace:   grace,
		procs:   make(map[int64]*process),
		handles: make(map[int64]stream.ProcessHandle),
	}
}

// Start launches the transcoder for id with the given argv. Refuses with
// stream.ErrAlreadyRunning if a live process exists for id. Spawn failures
// wrap stream.ErrSpawn. Every output line is delivered to sink.
func (s *Supervisor) Start(id int64, argv []string, sink func(line string)) (stream.ProcessHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.procs[id]; ok {
		if p.Alive() {
			return stream.ProcessHandle{}, stream.ErrAlreadyRunning
		}
		// Previous process exited but was never reaped by the caller;
		// replace the dead entry.
		delete(s.procs, id)
		delete(s.handles, id)
	}

	plog := s.log.With(zap.Int64("stream_id", id))

	p, err := newProcess(plog, sink, argv, s.grace)
	if err != nil {
		return stream.ProcessHandle{}, fmt.Errorf("%w: %v", stream.ErrSpawn, err)
	}
	if err := p.Start(); err != nil {
		return stream.ProcessHandle{}, fmt.Errorf("%w: %v", stream.ErrSpawn, err)
	}

	h := stream.ProcessHandle{
		PID:       p.PID(),
		StartedAt: time.Now(),
		Argv:      argv,
	}
	s.procs[id] = p
	s.handles[id] = h
	return h, nil
}

// Stop terminates the process for id: graceful termination request, bounded
// grace period, forced kill escalation. The process is always reaped (no
// zombies) before Stop returns, unless ctx expires first. Idempotent:
// stopping a stream with no live process returns stream.ErrNotRunning.
func (s *Supervisor) Stop(ctx context.Context, id int64) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	s.mu.Unlock()

	if !ok || !p.Alive() {
		if ok {
			s.forget(id, p)
		}
		return stream.ErrNotRunning
	}

	p.Close()

	select {
	case <-p.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.forget(id, p)
	return nil
}

// IsAlive is a cheap, side-effect-free liveness check.
func (s *Supervisor) IsAlive(id int64) bool {
	s.mu.Lock()
	p, ok := s.procs[id]
	s.mu.Unlock()

	return ok && p.Alive()
}

// Handle returns a snapshot of the live handle for id.
func (s *Supervisor) Handle(id int64) (stream.ProcessHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return stream.ProcessHandle{}, false
	}
	if p := s.procs[id]; p == nil || !p.Alive() {
		return stream.ProcessHandle{}, false
	}
	return h, true
}

// ReapExited collects exit metadata for a process that terminated on its own
// and clears its table entry. Returns ok=false while the process is still
// alive or when no entry exists. Used by the liveness sweep to classify
// unexpected exits.
func (s *Supervisor) ReapExited(id int64) (code int, signaled bool, ok bool) {
	s.mu.Lock()
	p, exists := s.procs[id]
	s.mu.Unlock()

	if !exists || p.Alive() {
		return 0, false, false
	}

	code, signaled = p.ExitCode()
	s.forget(id, p)
	return code, signaled, true
}

// forget drops the table entries for id, but only while they still belong to
// p. Stop and ReapExited release the mutex between snapshotting the entry and
// finishing their bookkeeping; a concurrent Start may replace a dead entry
// with a live process in that window, and the replacement must survive the
// stale cleanup.
func (s *Supervisor) forget(id int64, p *process) {
	s.mu.Lock()
	if s.procs[id] == p {
		delete(s.procs, id)
		delete(s.handles, id)
	}
	s.mu.Unlock()
}

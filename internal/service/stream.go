// Package service is the application facade over the registry, the
// reconciler, and the health monitor. Handlers call it; it owns request-level
// concurrency control and the delete precondition.
//
// Concurrency model
//   - Mutations for the SAME stream ID are serialized via a per-ID gate, so a
//     delete can never interleave with an update for that stream.
//   - Lifecycle intents (start/stop/restart) go through the reconciler, which
//     additionally serializes them against in-flight confirmation work.
package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/restreamkit/restream-server/internal/domain/stream"
	"github.com/restreamkit/restream-server/internal/monitor"
	"github.com/restreamkit/restream-server/internal/reconciler"
	"github.com/restreamkit/restream-server/internal/registry"
	"go.uber.org/zap"
)

// ProcessInfo is the supervisor view the service needs for status assembly.
type ProcessInfo interface {
	IsAlive(id int64) bool
	Handle(id int64) (stream.ProcessHandle, bool)
}

// StreamService coordinates CRUD and lifecycle operations for streams.
type StreamService struct {
	log  *zap.Logger
	reg  registry.Registry
	logs registry.LogStore
	rec  *reconciler.Reconciler
	mon  *monitor.Monitor
	proc ProcessInfo

	muxes sync.Map // map[int64]*gate
}

// gate is a tiny 1-token semaphore. Same ID maps to the same gate.
type gate struct{ ch chan struct{} }

func newGate() *gate {
	g := &gate{ch: make(chan struct{}, 1)}
	g.ch <- struct{}{}
	return g
}

func (g *gate) Lock()   { <-g.ch }
func (g *gate) Unlock() { g.ch <- struct{}{} }

// NewStreamService wires the facade.
func NewStreamService(log *zap.Logger, reg registry.Registry, logs registry.LogStore,
	rec *reconciler.Reconciler, mon *monitor.Monitor, proc ProcessInfo) *StreamService {

	return &StreamService{
		log:  log.Named("stream_service"),
		reg:  reg,
		logs: logs,
		rec:  rec,
		mon:  mon,
		proc: proc,
	}
}

// lock acquires the per-ID gate (blocking). Always returns a valid unlock.
func (s *StreamService) lock(id int64) func() {
	v, _ := s.muxes.LoadOrStore(id, newGate())
	g := v.(*gate)
	g.Lock()
	return g.Unlock
}

// Create validates and persists a new stream config with a fresh ID and a
// Stopped observed state. A desired-running stream gets a start intent kicked
// off in the background; creation does not wait for confirmation.
func (s *StreamService) Create(ctx context.Context, cfg *stream.Config) (*stream.Config, error) {
	if cfg.Desired == "" {
		cfg.Desired = stream.DesiredStopped
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id, err := s.reg.GenerateID(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	now := time.Now()
	cfg.ID = id
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	if err := s.reg.Put(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.reg.SetObserved(ctx, id, stream.StoppedObserved()); err != nil {
		return nil, err
	}

	s.log.Info("stream created", zap.Int64("stream_id", id), zap.String("name", cfg.Name))

	if cfg.Desired == stream.DesiredRunning {
		s.startAsync(id)
	}
	return cfg, nil
}

// Get returns one stream config.
func (s *StreamService) Get(ctx context.Context, id int64) (*stream.Config, error) {
	return s.reg.Get(ctx, id)
}

// List returns all stream configs.
func (s *StreamService) List(ctx context.Context) ([]*stream.Config, error) {
	return s.reg.List(ctx)
}

// Update replaces the config for id. ID and CreatedAt are immutable. A
// desired-state flip triggers the matching lifecycle intent in the
// background; the persisted config is the source of truth either way.
func (s *StreamService) Update(ctx context.Context, id int64, cfg *stream.Config) (*stream.Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	unlock := s.lock(id)
	defer unlock()

	prev, err := s.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	cfg.ID = id
	cfg.CreatedAt = prev.CreatedAt
	cfg.UpdatedAt = time.Now()
	if cfg.Desired == "" {
		cfg.Desired = prev.Desired
	}

	if err := s.reg.Put(ctx, cfg); err != nil {
		return nil, err
	}

	s.log.Info("stream updated", zap.Int64("stream_id", id))

	switch {
	case prev.Desired != stream.DesiredRunning && cfg.Desired == stream.DesiredRunning:
		s.startAsync(id)
	case prev.Desired == stream.DesiredRunning && cfg.Desired != stream.DesiredRunning:
		s.stopAsync(id)
	}
	return cfg, nil
}

// Delete removes a stream. Precondition: no live process and no transition in
// flight; anything else settles with stream.ErrPreconditionFailed and no
// mutation. Logs and leftover artifacts go with the config.
func (s *StreamService) Delete(ctx context.Context, id int64) error {
	unlock := s.lock(id)
	defer unlock()

	if _, err := s.reg.Get(ctx, id); err != nil {
		return err
	}

	obs, err := s.reg.Observed(ctx, id)
	if err != nil {
		return err
	}
	switch obs.State {
	case stream.StateStarting, stream.StateRunning, stream.StateStopping:
		return stream.ErrPreconditionFailed
	}
	if s.proc.IsAlive(id) {
		return stream.ErrPreconditionFailed
	}

	if err := s.reg.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.logs.Drop(ctx, id); err != nil {
		s.log.Warn("log drop failed", zap.Int64("stream_id", id), zap.Error(err))
	}
	s.mon.Cleanup(id)
	s.rec.Forget(id)
	s.muxes.Delete(id)

	s.log.Info("stream deleted", zap.Int64("stream_id", id))
	return nil
}

// Start requests the stream's transcoder to run and waits until the start
// settles (Running, or a failure).
func (s *StreamService) Start(ctx context.Context, id int64) error {
	if err := s.setDesired(ctx, id, stream.DesiredRunning); err != nil {
		return err
	}
	return s.rec.Start(ctx, id)
}

// Stop requests the stream's transcoder to stop and waits for teardown.
func (s *StreamService) Stop(ctx context.Context, id int64) error {
	if err := s.setDesired(ctx, id, stream.DesiredStopped); err != nil {
		return err
	}
	return s.rec.Stop(ctx, id)
}

// Restart stops then starts the transcoder as one intent.
func (s *StreamService) Restart(ctx context.Context, id int64) error {
	if err := s.setDesired(ctx, id, stream.DesiredRunning); err != nil {
		return err
	}
	return s.rec.Restart(ctx, id)
}

// StatusView is the assembled runtime view of one stream.
type StatusView struct {
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	Observed stream.Observed `json:"observed"`
	Process  *ProcessView    `json:"process,omitempty"`
	Output   OutputView      `json:"output"`
}

// ProcessView is the live-process slice of a status.
type ProcessView struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
}

// OutputView is the artifact slice of a status. HLSURL is the playback path
// the web server fronting the output root serves the playlist under.
type OutputView struct {
	PlaylistExists bool      `json:"playlist_exists"`
	PlaylistPath   string    `json:"playlist_path,omitempty"`
	HLSURL         string    `json:"hls_url,omitempty"`
	LastWrite      time.Time `json:"last_write,omitempty"`
	SegmentCount   int       `json:"segment_count"`
}

// Status assembles config, observed state, live-process info and a fresh
// artifact probe into one view.
func (s *StreamService) Status(ctx context.Context, id int64) (*StatusView, error) {
	cfg, err := s.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	obs, err := s.reg.Observed(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		ID:       id,
		Name:     cfg.Name,
		Observed: obs,
		Output:   outputView(s.mon.Probe(id)),
	}
	if h, ok := s.proc.Handle(id); ok {
		view.Process = &ProcessView{
			PID:       h.PID,
			StartedAt: h.StartedAt,
			Uptime:    time.Since(h.StartedAt).Round(time.Second).String(),
		}
	}
	return view, nil
}

// Logs returns the most recent limit entries for id in chronological order.
func (s *StreamService) Logs(ctx context.Context, id int64, limit int) ([]stream.LogEntry, error) {
	if _, err := s.reg.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.logs.Tail(ctx, id, limit)
}

func outputView(p monitor.ProbeResult) OutputView {
	v := OutputView{
		PlaylistExists: p.PlaylistExists,
		PlaylistPath:   p.PlaylistPath,
		LastWrite:      p.ModTime,
		SegmentCount:   p.SegmentCount,
	}
	if p.PlaylistExists {
		v.HLSURL = "/hls/" + filepath.Base(p.PlaylistPath)
	}
	return v
}

// setDesired persists the desired-state flip that a lifecycle endpoint
// implies, so a control-plane restart reconciles to what the caller asked
// for last.
func (s *StreamService) setDesired(ctx context.Context, id int64, d stream.DesiredState) error {
	unlock := s.lock(id)
	defer unlock()

	cfg, err := s.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	if cfg.Desired == d {
		return nil
	}
	cfg.Desired = d
	cfg.UpdatedAt = time.Now()
	return s.reg.Put(ctx, cfg)
}

func (s *StreamService) startAsync(id int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.rec.Start(ctx, id); err != nil && !errors.Is(err, stream.ErrAlreadyRunning) {
			s.log.Warn("background start failed", zap.Int64("stream_id", id), zap.Error(err))
		}
	}()
}

func (s *StreamService) stopAsync(id int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.rec.Stop(ctx, id); err != nil && !errors.Is(err, stream.ErrNotRunning) {
			s.log.Warn("background stop failed", zap.Int64("stream_id", id), zap.Error(err))
		}
	}()
}

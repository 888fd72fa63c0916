package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/restreamkit/restream-server/internal/domain/stream"
	"github.com/restreamkit/restream-server/internal/monitor"
	"github.com/restreamkit/restream-server/internal/registry"
	"go.uber.org/zap"
)

type SummaryOptions struct {
	// TTL controls how long the in-memory snapshot is served.
	// 150–400ms works well for dashboard polling; default 250ms.
	TTL time.Duration
	// RefreshTimeout bounds registry work for a single refresh; default 300ms.
	RefreshTimeout time.Duration
	// AllowStaleOnError serves the previous snapshot when a refresh fails.
	AllowStaleOnError bool
}

func (o *SummaryOptions) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = 250 * time.Millisecond
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = 300 * time.Millisecond
	}
}

// StreamSummary is one row of the dashboard view: config joined with runtime.
type StreamSummary struct {
	stream.Config
	State          stream.State       `json:"state"`
	LastError      stream.FailureKind `json:"last_error,omitempty"`
	PID            int                `json:"pid,omitempty"`
	PlaylistExists bool               `json:"playlist_exists"`
	SegmentCount   int                `json:"segment_count"`
}

// SummaryResult lets the handler set cache headers.
type SummaryResult struct {
	Data        []StreamSummary
	CacheHit    bool
	GeneratedAt time.Time
}

// SummaryService serves the dashboard's list view from a short-TTL snapshot.
// Concurrent refreshes are coalesced so a burst of pollers costs one registry
// sweep.
type SummaryService struct {
	log *zap.Logger
	reg registry.Registry
	mon *monitor.Monitor

	mu      sync.RWMutex
	cache   []StreamSummary
	expires time.Time
	genAt   time.Time

	opts SummaryOptions
	now  func() time.Time

	sg singleflight.Group
}

// NewSummaryService wires the registry, the monitor and cache policy. Reuse a
// single instance per process.
func NewSummaryService(log *zap.Logger, reg registry.Registry, mon *monitor.Monitor, opts SummaryOptions) *SummaryService {
	opts.setDefaults()

	return &SummaryService{
		log:  log.Named("summary_service"),
		reg:  reg,
		mon:  mon,
		opts: opts,
		now:  time.Now,
	}
}

// Get returns the cached snapshot or refreshes it when expired.
func (s *SummaryService) Get(ctx context.Context) (SummaryResult, error) {
	// Fast path: fresh cache
	s.mu.RLock()
	if s.cache != nil && s.now().Before(s.expires) {
		out := cloneSummaries(s.cache)
		genAt := s.genAt
		s.mu.RUnlock()
		return SummaryResult{Data: out, CacheHit: true, GeneratedAt: genAt}, nil
	}
	s.mu.RUnlock()

	// Slow path: singleflight refresh
	v, err, _ := s.sg.Do("summary-refresh", func() (any, error) {
		// Double-check freshness after winning the flight
		s.mu.RLock()
		if s.cache != nil && s.now().Before(s.expires) {
			out := cloneSummaries(s.cache)
			genAt := s.genAt
			s.mu.RUnlock()
			return SummaryResult{Data: out, CacheHit: true, GeneratedAt: genAt}, nil
		}
		s.mu.RUnlock()

		ctx, cancel := context.WithTimeout(ctx, s.opts.RefreshTimeout)
		defer cancel()

		start := s.now()
		data, err := s.refresh(ctx)
		if err != nil {
			if s.opts.AllowStaleOnError {
				s.mu.RLock()
				if s.cache != nil {
					out := cloneSummaries(s.cache)
					genAt := s.genAt
					s.mu.RUnlock()
					s.log.Warn("summary refresh failed; serving stale", zap.Error(err))
					return SummaryResult{Data: out, CacheHit: true, GeneratedAt: genAt}, nil
				}
				s.mu.RUnlock()
			}
			return nil, err
		}

		s.mu.Lock()
		s.cache = data
		s.expires = s.now().Add(s.opts.TTL)
		s.genAt = start
		s.mu.Unlock()

		return SummaryResult{Data: cloneSummaries(data), CacheHit: false, GeneratedAt: start}, nil
	})
	if err != nil {
		return SummaryResult{}, err
	}
	return v.(SummaryResult), nil
}

// Invalidate drops the snapshot; the next Get refreshes.
func (s *SummaryService) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.expires = time.Time{}
	s.genAt = time.Time{}
	s.mu.Unlock()
}

// refresh joins every config with its observed state and an artifact probe.
func (s *SummaryService) refresh(ctx context.Context) ([]StreamSummary, error) {
	cfgs, err := s.reg.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]StreamSummary, 0, len(cfgs))
	for _, cfg := range cfgs {
		sum := StreamSummary{Config: *cfg, State: stream.StateStopped}

		obs, err := s.reg.Observed(ctx, cfg.ID)
		if err != nil {
			// Non-fatal: row stays stopped-looking, the rest still renders.
			s.log.Warn("observed read failed", zap.Int64("stream_id", cfg.ID), zap.Error(err))
		} else {
			sum.State = obs.State
			sum.LastError = obs.LastError
			sum.PID = obs.PID
		}

		probe := s.mon.Probe(cfg.ID)
		sum.PlaylistExists = probe.PlaylistExists
		sum.SegmentCount = probe.SegmentCount

		out = append(out, sum)
	}
	return out, nil
}

func cloneSummaries(in []StreamSummary) []StreamSummary {
	if len(in) == 0 {
		return nil
	}
	out := make([]StreamSummary, len(in))
	copy(out, in)
	return out
}

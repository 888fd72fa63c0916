// Package monitor confirms that a started transcoder process is actually
// producing output. A process can be alive (valid PID) while never writing
// usable media — bad source, codec mismatch, permission failure — so the
// reconciler only trusts a stream once an HLS playlist artifact shows up at
// the shared output root within the deadline.
package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/restreamkit/restream-server/internal/domain/stream"
	"go.uber.org/zap"
)

// ProbeResult is one observation of a stream's artifacts. Ephemeral: consumed
// immediately by the reconciler or status handler, never persisted.
type ProbeResult struct {
	PlaylistPath   string    // first matching playlist, empty when absent
	PlaylistExists bool
	ModTime        time.Time // playlist modification time when present
	SegmentCount   int
}

// Monitor polls the shared output root written by the media server. It never
// writes segments itself, only observes them (and sweeps them on stop).
type Monitor struct {
	log      *zap.Logger
	root     string
	interval time.Duration
}

// New constructs a Monitor over the shared output root. interval is the poll
// cadence inside ConfirmRunning.
func New(log *zap.Logger, root string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Monitor{
		log:      log.Named("monitor"),
		root:     root,
		interval: interval,
	}
}

// playlistPaths returns the accepted playlist naming forms for id. The bare
// form is what the media server writes; the stream_ prefix is the legacy
// direct-output form. Both confirm a stream.
func (m *Monitor) playlistPaths(id int64) []string {
	s := strconv.FormatInt(id, 10)
	return []string{
		filepath.Join(m.root, s+".m3u8"),
		filepath.Join(m.root, "stream_"+s+".m3u8"),
	}
}

// segmentGlobs returns the segment naming patterns for id.
func (m *Monitor) segmentGlobs(id int64) []string {
	s := strconv.FormatInt(id, 10)
	return []string{
		filepath.Join(m.root, s+"_*.ts"),
		filepath.Join(m.root, "stream_"+s+"_*.ts"),
	}
}

// Preflight verifies the output root is writable. This is a deterministic
// precondition: when it fails there is no point waiting out the artifact
// deadline, the stream can never confirm.
func (m *Monitor) Preflight() error {
	probe := filepath.Join(m.root, ".writable-probe")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("%w: %v", stream.ErrPermissionDenied, err)
	}
	f.Close()
	os.Remove(probe)
	return nil
}

// Probe performs a single artifact check for id without waiting.
func (m *Monitor) Probe(id int64) ProbeResult {
	var res ProbeResult

	for _, p := range m.playlistPaths(id) {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		res.PlaylistPath = p
		res.PlaylistExists = true
		res.ModTime = info.ModTime()
		break
	}

	for _, g := range m.segmentGlobs(id) {
		matches, err := filepath.Glob(g)
		if err != nil {
			continue
		}
		res.SegmentCount += len(matches)
	}

	return res
}

// ConfirmRunning blocks until a playlist artifact for id appears, the
// deadline elapses, or ctx is cancelled. The poll loop is bounded: ticker at
// the configured interval, fsnotify wakeups between ticks so confirmation
// lands promptly once the media server writes the playlist. Cancellation is
// observed within one poll interval even without fs events.
//
// Returns the probe on confirmation, stream.ErrArtifactTimeout on deadline,
// or ctx.Err() on cancellation. Individual missed checks are not logged;
// only the final verdict is the reconciler's to record.
func (m *Monitor) ConfirmRunning(ctx context.Context, id int64, deadline time.Duration) (ProbeResult, error) {
	if res := m.Probe(id); res.PlaylistExists {
		return res, nil
	}

	// Watch the root for create/write events; degrade to pure polling when
	// the watcher can't be established.
	var events chan fsnotify.Event
	w, err := fsnotify.NewWatcher()
	if err == nil {
		if err := w.Add(m.root); err == nil {
			events = make(chan fsnotify.Event, 16)
			go func() {
				for {
					select {
					case ev, ok := <-w.Events:
						if !ok {
							return
						}
						select {
						case events <- ev:
						default:
						}
					case _, ok := <-w.Errors:
						if !ok {
							return
						}
					}
				}
			}()
		}
		defer w.Close()
	} else {
		m.log.Warn("fsnotify unavailable; polling only", zap.Error(err))
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ProbeResult{}, ctx.Err()

		case <-timer.C:
			return ProbeResult{}, stream.ErrArtifactTimeout

		case <-ticker.C:
			if res := m.Probe(id); res.PlaylistExists {
				return res, nil
			}

		case ev := <-events:
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if res := m.Probe(id); res.PlaylistExists {
				return res, nil
			}
		}
	}
}

// Cleanup removes leftover artifacts for id from the output root. Run after a
// stop so a stale playlist never confirms the next start attempt.
func (m *Monitor) Cleanup(id int64) {
	patterns := append(m.playlistPaths(id), m.segmentGlobs(id)...)
	for _, pat := range patterns {
		matches, err := filepath.Glob(pat)
		if err != nil {
			continue
		}
		for _, f := range matches {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				m.log.Warn("artifact removal failed", zap.String("path", f), zap.Error(err))
			}
		}
	}
}

// Package reconciler turns declarative "this stream should be running" intent
// into supervised transcoder processes. One worker goroutine per stream ID
// processes intents strictly in arrival order; a new intent is accepted only
// after the previous one has settled, except that a stop/restart arriving
// while a start is waiting on output confirmation cancels the poll instead of
// racing it to Running.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/restreamkit/restream-server/internal/domain/stream"
	"github.com/restreamkit/restream-server/internal/monitor"
	"github.com/restreamkit/restream-server/internal/registry"
	"go.uber.org/zap"
)

// ErrSuperseded is returned to a start caller whose confirmation wait was
// cancelled by a later stop intent for the same stream.
var ErrSuperseded = errors.New("start superseded by stop")

// Supervisor is the process-lifecycle contract the reconciler drives.
// Implemented by procmgr.Supervisor.
type Supervisor interface {
	Start(id int64, argv []string, sink func(line string)) (stream.ProcessHandle, error)
	Stop(ctx context.Context, id int64) error
	IsAlive(id int64) bool
	Handle(id int64) (stream.ProcessHandle, bool)
	ReapExited(id int64) (code int, signaled bool, ok bool)
}

// Prober is the artifact health contract. Implemented by monitor.Monitor.
type Prober interface {
	Preflight() error
	ConfirmRunning(ctx context.Context, id int64, deadline time.Duration) (monitor.ProbeResult, error)
	Cleanup(id int64)
}

// ArgvFunc builds the transcoder argument vector for a stream config.
type ArgvFunc func(cfg *stream.Config) []string

// Classifier assigns a severity to one line of raw transcoder output.
type Classifier func(line string) stream.Severity

// Options tune the reconciler's timing behavior.
type Options struct {
	// ConfirmDeadline bounds how long a started process has to produce a
	// confirming artifact. Default 30s.
	ConfirmDeadline time.Duration
	// SweepInterval is the cadence of the liveness sweep over Running
	// streams. Default 10s.
	SweepInterval time.Duration
	// StopTimeout bounds the wait for a process to be reaped on stop. Must
	// exceed the supervisor's kill-escalation grace. Default 10s.
	StopTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.ConfirmDeadline <= 0 {
		o.ConfirmDeadline = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 10 * time.Second
	}
}

type intentKind int

const (
	intentStart intentKind = iota
	intentStop
	intentRestart
	intentSweep
)

type intent struct {
	kind  intentKind
	reply chan error // nil for internal intents (sweep)
}

// worker serializes all reconciliation for one stream ID. quit is closed by
// Forget when the stream is deleted, releasing the goroutine.
type worker struct {
	id      int64
	intents chan intent
	quit    chan struct{}
}

// Reconciler owns observed-state writes. Callers submit intents through
// Start/Stop/Restart; status queries read the registry.
type Reconciler struct {
	log   *zap.Logger
	reg   registry.Registry
	logs  registry.LogStore
	sup   Supervisor
	probe Prober
	argv  ArgvFunc
	class Classifier
	opts  Options

	mu      sync.Mutex
	workers map[int64]*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Reconciler and starts its liveness sweep.
func New(log *zap.Logger, reg registry.Registry, logs registry.LogStore,
	sup Supervisor, probe Prober, argv ArgvFunc, class Classifier, opts Options) *Reconciler {

	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	r := &Reconciler{
		log:     log.Named("reconciler"),
		reg:     reg,
		logs:    logs,
		sup:     sup,
		probe:   probe,
		argv:    argv,
		class:   class,
		opts:    opts,
		workers: make(map[int64]*worker),
		ctx:     ctx,
		cancel:  cancel,
	}

	r.wg.Add(1)
	go r.sweepLoop()

	return r
}

// Close cancels all in-flight work and waits for workers to drain.
func (r *Reconciler) Close() {
	r.cancel()
	r.wg.Wait()
}

// Start submits a start intent for id and waits for it to settle.
func (r *Reconciler) Start(ctx context.Context, id int64) error {
	return r.submit(ctx, id, intentStart)
}

// Stop submits a stop intent for id and waits for it to settle.
func (r *Reconciler) Stop(ctx context.Context, id int64) error {
	return r.submit(ctx, id, intentStop)
}

// Restart submits a restart intent: stop-then-start, atomic at the worker
// level. A stream that was Running never publishes an intermediate Stopped.
func (r *Reconciler) Restart(ctx context.Context, id int64) error {
	return r.submit(ctx, id, intentRestart)
}

// Forget tears down the worker for a deleted stream, releasing its goroutine.
// The service layer calls this after a successful delete; the stopped-first
// precondition guarantees no process is live. Stream IDs are never reused, so
// an unreleased worker would linger for the process lifetime.
func (r *Reconciler) Forget(id int64) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if ok {
		delete(r.workers, id)
	}
	r.mu.Unlock()

	if ok {
		close(w.quit)
	}
}

// Bootstrap aligns runtime with desired state after a restart of the control
// plane: stale Running/Starting observations are reset (no process survives
// us), then every stream whose desired state is Running gets a start intent.
func (r *Reconciler) Bootstrap(ctx context.Context) error {
	cfgs, err := r.reg.List(ctx)
	if err != nil {
		return fmt.Errorf("list streams: %w", err)
	}

	for _, cfg := range cfgs {
		obs, err := r.reg.Observed(ctx, cfg.ID)
		if err != nil {
			return fmt.Errorf("observed %d: %w", cfg.ID, err)
		}

		switch obs.State {
		case stream.StateRunning, stream.StateStarting, stream.StateStopping:
			if !r.sup.IsAlive(cfg.ID) {
				r.setObserved(cfg.ID, stream.Observed{
					State:        stream.StateStopped,
					TransitionAt: time.Now(),
				})
			}
		}

		if cfg.Desired == stream.DesiredRunning {
			w := r.workerFor(cfg.ID)
			select {
			case w.intents <- intent{kind: intentStart}:
			default:
				r.log.Warn("bootstrap intent dropped; queue full", zap.Int64("stream_id", cfg.ID))
			}
		}
	}
	return nil
}

// submit routes an intent to id's worker and blocks until it settles.
func (r *Reconciler) submit(ctx context.Context, id int64, kind intentKind) error {
	w := r.workerFor(id)
	it := intent{kind: kind, reply: make(chan error, 1)}

	select {
	case w.intents <- it:
	case <-w.quit:
		return stream.ErrNotFound
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return r.ctx.Err()
	}

	select {
	case err := <-it.reply:
		return err
	case <-w.quit:
		return stream.ErrNotFound
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

// workerFor returns (or spawns) the worker goroutine for id.
func (r *Reconciler) workerFor(id int64) *worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[id]; ok {
		return w
	}
	w := &worker{id: id, intents: make(chan intent, 16), quit: make(chan struct{})}
	r.workers[id] = w

	r.wg.Add(1)
	go r.run(w)
	return w
}

// run is the per-stream worker loop. Intents settle one at a time.
func (r *Reconciler) run(w *worker) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-w.quit:
			return
		case it := <-w.intents:
			err := r.handle(w, it.kind)
			if it.reply != nil {
				it.reply <- err
			}
		}
	}
}

func (r *Reconciler) handle(w *worker, kind intentKind) error {
	switch kind {
	case intentStart:
		return r.handleStart(w)
	case intentStop:
		return r.handleStop(w, true)
	case intentRestart:
		return r.handleRestart(w)
	case intentSweep:
		return r.handleSweep(w)
	}
	return nil
}

// handleStart drives Stopped/Error → Starting → Running (or Error).
func (r *Reconciler) handleStart(w *worker) error {
	id := w.id

	if r.sup.IsAlive(id) {
		return stream.ErrAlreadyRunning
	}

	cfg, err := r.reg.Get(r.ctx, id)
	if err != nil {
		return err
	}

	// Deterministic precondition: an unwritable output root can never
	// confirm, so fail immediately instead of burning the artifact deadline.
	if err := r.probe.Preflight(); err != nil {
		r.fail(id, stream.FailurePermissionDenied, "output root not writable")
		return err
	}

	r.setObserved(id, stream.Observed{State: stream.StateStarting, TransitionAt: time.Now()})

	// Stale artifacts from a previous run must not confirm this attempt.
	r.probe.Cleanup(id)

	argv := r.argv(cfg)
	handle, err := r.sup.Start(id, argv, r.sink(id))
	if err != nil {
		if errors.Is(err, stream.ErrAlreadyRunning) {
			return err
		}
		r.fail(id, stream.FailureSpawn, err.Error())
		return err
	}

	r.appendLog(id, stream.SeverityInfo, fmt.Sprintf("transcoder started (pid %d)", handle.PID))
	r.setObserved(id, stream.Observed{
		State:        stream.StateStarting,
		TransitionAt: time.Now(),
		PID:          handle.PID,
	})

	return r.awaitConfirmation(w, handle)
}

// awaitConfirmation waits for the health monitor's verdict while keeping the
// intent channel under watch: a stop or restart arriving mid-poll cancels the
// confirmation instead of letting the stream race to Running.
func (r *Reconciler) awaitConfirmation(w *worker, handle stream.ProcessHandle) error {
	id := w.id

	cctx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	type verdict struct {
		res monitor.ProbeResult
		err error
	}
	done := make(chan verdict, 1)
	go func() {
		res, err := r.probe.ConfirmRunning(cctx, id, r.opts.ConfirmDeadline)
		done <- verdict{res, err}
	}()

	for {
		select {
		case v := <-done:
			switch {
			case v.err == nil:
				r.appendLog(id, stream.SeverityInfo, "output confirmed; stream is live")
				r.setObserved(id, stream.Observed{
					State:        stream.StateRunning,
					TransitionAt: time.Now(),
					PID:          handle.PID,
				})
				return nil

			case errors.Is(v.err, stream.ErrArtifactTimeout):
				// Alive is not serving. Tear the process down and record
				// the startup failure.
				r.stopProcess(id)
				r.fail(id, stream.FailureArtifactTimeout,
					fmt.Sprintf("no playlist artifact within %s", r.opts.ConfirmDeadline))
				return v.err

			default:
				// Cancelled from above (shutdown); leave teardown to whoever
				// cancelled us.
				return v.err
			}

		case it := <-w.intents:
			if it.kind == intentSweep {
				// Liveness suspicion raised against a state that is being
				// actively settled right here; nothing to do.
				continue
			}
			if it.kind == intentStart {
				// Duplicate start while starting: one live handle exists.
				if it.reply != nil {
					it.reply <- stream.ErrAlreadyRunning
				}
				continue
			}

			// stop/restart preempts the poll. Cancel, drain the verdict,
			// terminate the unconfirmed process.
			cancel()
			<-done
			r.stopProcess(id)
			r.appendLog(id, stream.SeverityInfo, "start cancelled by stop request")
			r.setObserved(id, stream.Observed{State: stream.StateStopped, TransitionAt: time.Now()})

			var preemptErr error
			if it.kind == intentRestart {
				preemptErr = r.handleStart(w)
			}
			if it.reply != nil {
				it.reply <- preemptErr
			}
			return ErrSuperseded
		}
	}
}

// handleStop drives Starting/Running → Stopping → Stopped. Idempotent: a
// stream with no live process settles with ErrNotRunning and unchanged state.
func (r *Reconciler) handleStop(w *worker, publishStopped bool) error {
	id := w.id

	obs, err := r.reg.Observed(r.ctx, id)
	if err != nil {
		return err
	}

	if !r.sup.IsAlive(id) {
		return stream.ErrNotRunning
	}

	if publishStopped {
		obs.State = stream.StateStopping
		obs.TransitionAt = time.Now()
		r.setObserved(id, obs)
	}

	r.stopProcess(id)
	r.probe.Cleanup(id)
	r.appendLog(id, stream.SeverityInfo, "stream stopped")

	if publishStopped {
		r.setObserved(id, stream.Observed{State: stream.StateStopped, TransitionAt: time.Now()})
	}
	return nil
}

// handleRestart is stop-then-start without an observable intermediate
// Stopped for streams that were Running.
func (r *Reconciler) handleRestart(w *worker) error {
	if r.sup.IsAlive(w.id) {
		if err := r.handleStop(w, false); err != nil && !errors.Is(err, stream.ErrNotRunning) {
			return err
		}
	}
	return r.handleStart(w)
}

// handleSweep settles an unexpected-exit suspicion raised by the sweep loop.
// Re-checks under the worker's ordering so a racing stop wins cleanly.
func (r *Reconciler) handleSweep(w *worker) error {
	id := w.id

	obs, err := r.reg.Observed(r.ctx, id)
	if err != nil {
		return err
	}
	if obs.State != stream.StateRunning || r.sup.IsAlive(id) {
		return nil
	}

	code, signaled, ok := r.sup.ReapExited(id)
	if !ok {
		return nil
	}

	detail := fmt.Sprintf("transcoder exited unexpectedly (exit code %d)", code)
	if signaled {
		detail = "transcoder killed by signal"
	}
	r.fail(id, stream.FailureUnexpectedExit, detail)
	return nil
}

// sweepLoop periodically checks every Running stream's process liveness.
func (r *Reconciler) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Reconciler) sweepOnce() {
	cfgs, err := r.reg.List(r.ctx)
	if err != nil {
		r.log.Warn("sweep list failed", zap.Error(err))
		return
	}

	for _, cfg := range cfgs {
		obs, err := r.reg.Observed(r.ctx, cfg.ID)
		if err != nil {
			continue
		}
		if obs.State != stream.StateRunning || r.sup.IsAlive(cfg.ID) {
			continue
		}

		w := r.workerFor(cfg.ID)
		select {
		case w.intents <- intent{kind: intentSweep}:
		default:
			// Queue full means the worker is busy settling intents that will
			// re-observe liveness anyway.
		}
	}
}

// stopProcess tears down id's process, bounded by StopTimeout. ErrNotRunning
// is fine here; anything else is logged and the state machine proceeds.
func (r *Reconciler) stopProcess(id int64) {
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.StopTimeout)
	defer cancel()

	if err := r.sup.Stop(ctx, id); err != nil && !errors.Is(err, stream.ErrNotRunning) {
		r.log.Error("process stop failed", zap.Int64("stream_id", id), zap.Error(err))
	}
}

// sink returns the per-line ingestion callback handed to the supervisor:
// classify, then append to the stream's log.
func (r *Reconciler) sink(id int64) func(line string) {
	return func(line string) {
		if line == "" {
			return
		}
		r.appendLog(id, r.class(line), line)
	}
}

// fail records a terminal failure in both the log store and the observed
// state, keeping status and log queries consistent.
func (r *Reconciler) fail(id int64, kind stream.FailureKind, detail string) {
	r.appendLog(id, stream.SeverityError, detail)
	r.setObserved(id, stream.Observed{
		State:        stream.StateError,
		TransitionAt: time.Now(),
		LastError:    kind,
		Detail:       detail,
	})
}

func (r *Reconciler) setObserved(id int64, obs stream.Observed) {
	if err := r.reg.SetObserved(r.ctx, id, obs); err != nil {
		r.log.Error("observed state write failed",
			zap.Int64("stream_id", id), zap.String("state", string(obs.State)), zap.Error(err))
	}
}

func (r *Reconciler) appendLog(id int64, sev stream.Severity, msg string) {
	if err := r.logs.Append(r.ctx, id, sev, msg); err != nil {
		r.log.Error("log append failed", zap.Int64("stream_id", id), zap.Error(err))
	}
}

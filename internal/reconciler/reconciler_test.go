package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/restreamkit/restream-server/internal/domain/stream"
	"github.com/restreamkit/restream-server/internal/monitor"
	"github.com/restreamkit/restream-server/internal/registry"
	"go.uber.org/zap"
)

// fakeSupervisor tracks liveness in memory; no processes are spawned.
type fakeSupervisor struct {
	mu       sync.Mutex
	alive    map[int64]bool
	handles  map[int64]stream.ProcessHandle
	exits    map[int64]int // id → exit code, consumed by ReapExited
	startErr error
	nextPID  int
	stops    []int64
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		alive:   make(map[int64]bool),
		handles: make(map[int64]stream.ProcessHandle),
		exits:   make(map[int64]int),
		nextPID: 1000,
	}
}

func (f *fakeSupervisor) Start(id int64, argv []string, sink func(line string)) (stream.ProcessHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.alive[id] {
		return stream.ProcessHandle{}, stream.ErrAlreadyRunning
	}
	if f.startErr != nil {
		return stream.ProcessHandle{}, fmt.Errorf("%w: %v", stream.ErrSpawn, f.startErr)
	}

	f.nextPID++
	h := stream.ProcessHandle{PID: f.nextPID, StartedAt: time.Now(), Argv: argv}
	f.alive[id] = true
	f.handles[id] = h
	return h, nil
}

func (f *fakeSupervisor) Stop(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.alive[id] {
		return stream.ErrNotRunning
	}
	f.alive[id] = false
	delete(f.handles, id)
	f.stops = append(f.stops, id)
	return nil
}

func (f *fakeSupervisor) IsAlive(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[id]
}

func (f *fakeSupervisor) Handle(id int64) (stream.ProcessHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[id]
	return h, ok && f.alive[id]
}

func (f *fakeSupervisor) ReapExited(id int64) (int, bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alive[id] {
		return 0, false, false
	}
	code, ok := f.exits[id]
	if !ok {
		return 0, false, false
	}
	delete(f.exits, id)
	return code, false, true
}

// kill simulates a process dying behind the supervisor's back.
func (f *fakeSupervisor) kill(id int64, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[id] = false
	delete(f.handles, id)
	f.exits[id] = code
}

func (f *fakeSupervisor) stopCount(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.stops {
		if s == id {
			n++
		}
	}
	return n
}

// fakeProber controls confirmation outcomes without touching the filesystem.
type fakeProber struct {
	mu           sync.Mutex
	preflightErr error
	block        bool // honor deadline/ctx instead of confirming instantly
	cleaned      []int64
}

func (f *fakeProber) Preflight() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.preflightErr
}

func (f *fakeProber) ConfirmRunning(ctx context.Context, id int64, deadline time.Duration) (monitor.ProbeResult, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()

	if !block {
		return monitor.ProbeResult{PlaylistExists: true}, nil
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return monitor.ProbeResult{}, ctx.Err()
	case <-timer.C:
		return monitor.ProbeResult{}, stream.ErrArtifactTimeout
	}
}

func (f *fakeProber) Cleanup(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, id)
}

// recordingRegistry captures every observed-state write for transition
// ordering assertions.
type recordingRegistry struct {
	*registry.MemoryRegistry
	mu     sync.Mutex
	states map[int64][]stream.State
}

func newRecordingRegistry() *recordingRegistry {
	return &recordingRegistry{
		MemoryRegistry: registry.NewMemoryRegistry(),
		states:         make(map[int64][]stream.State),
	}
}

func (r *recordingRegistry) SetObserved(ctx context.Context, id int64, obs stream.Observed) error {
	r.mu.Lock()
	r.states[id] = append(r.states[id], obs.State)
	r.mu.Unlock()
	return r.MemoryRegistry.SetObserved(ctx, id, obs)
}

func (r *recordingRegistry) transitions(id int64) []stream.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.State, len(r.states[id]))
	copy(out, r.states[id])
	return out
}

type harness struct {
	rec *Reconciler
	reg *recordingRegistry
	sup *fakeSupervisor
	prb *fakeProber
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	reg := newRecordingRegistry()
	sup := newFakeSupervisor()
	prb := &fakeProber{}
	logs := registry.NewMemoryLogStore(100)

	argv := func(c *stream.Config) []string { return []string{"ffmpeg", "-i", c.URL} }
	class := func(string) stream.Severity { return stream.SeverityInfo }

	rec := New(zap.NewNop(), reg, logs, sup, prb, argv, class, opts)
	t.Cleanup(rec.Close)

	return &harness{rec: rec, reg: reg, sup: sup, prb: prb}
}

func (h *harness) addStream(t *testing.T, id int64, desired stream.DesiredState) {
	t.Helper()
	cfg := &stream.Config{ID: id, Name: "ch", URL: "http://h/x.m3u8", Kind: stream.KindPlaylist, Desired: desired}
	if err := h.reg.Put(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if err := h.reg.SetObserved(context.Background(), id, stream.StoppedObserved()); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) observed(t *testing.T, id int64) stream.Observed {
	t.Helper()
	obs, err := h.reg.Observed(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return obs
}

func (h *harness) waitState(t *testing.T, id int64, want stream.State) stream.Observed {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		obs := h.observed(t, id)
		if obs.State == want {
			return obs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("stream %d never reached %q (last %q)", id, want, h.observed(t, id).State)
	return stream.Observed{}
}

func TestStartConfirmsRunning(t *testing.T) {
	h := newHarness(t, Options{})
	h.addStream(t, 1, stream.DesiredRunning)

	if err := h.rec.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}

	obs := h.observed(t, 1)
	if obs.State != stream.StateRunning {
		t.Fatalf("state = %q, want running", obs.State)
	}
	if obs.PID == 0 {
		t.Fatal("PID not recorded")
	}
	if !h.sup.IsAlive(1) {
		t.Fatal("supervisor has no live process")
	}

	// Starting must precede Running.
	tr := h.reg.transitions(1)
	sawStarting := false
	for _, s := range tr {
		if s == stream.StateStarting {
			sawStarting = true
		}
		if s == stream.StateRunning && !sawStarting {
			t.Fatalf("Running published before Starting: %v", tr)
		}
	}
}

func TestStartWhileRunning(t *testing.T) {
	h := newHarness(t, Options{})
	h.addStream(t, 1, stream.DesiredRunning)

	if err := h.rec.Start(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if err := h.rec.Start(context.Background(), 1); !errors.Is(err, stream.ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if h.observed(t, 1).State != stream.StateRunning {
		t.Fatal("duplicate start disturbed the running state")
	}
}

func TestStartUnknownStream(t *testing.T) {
	h := newHarness(t, Options{})

	if err := h.rec.Start(context.Background(), 42); !errors.Is(err, stream.ErrNotFound) {
		t.Fatalf("Start unknown = %v, want ErrNotFound", err)
	}
}

func TestStartSpawnFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.addStream(t, 1, stream.DesiredRunning)
	h.sup.startErr = errors.New("exec format error")

	if err := h.rec.Start(context.Background(), 1); !errors.Is(err, stream.ErrSpawn) {
		t.Fatalf("Start = %v, want ErrSpawn", err)
	}

	obs := h.observed(t, 1)
	if obs.State != stream.StateError || obs.LastError != stream.FailureSpawn {
		t.Fatalf("observed = %+v, want error/spawn_error", obs)
	}
}

func TestStartPreflightFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.addStream(t, 1, stream.DesiredRunning)
	h.prb.preflightErr = fmt.Errorf("%w: read-only fs", stream.ErrPermissionDenied)

	if err := h.rec.Start(context.Background(), 1); !errors.Is(err, stream.ErrPermissionDenied) {
		t.Fatalf("Start = %v, want ErrPermissionDenied", err)
	}

	obs := h.observed(t, 1)
	if obs.State != stream.StateError || obs.LastError != stream.FailurePermissionDenied {
		t.Fatalf("observed = %+v, want error/permission_denied", obs)
	}
	if h.sup.IsAlive(1) {
		t.Fatal("process spawned despite failed preflight")
	}
}

func TestStartArtifactTimeout(t *testing.T) {
	h := newHarness(t, Options{ConfirmDeadline: 50 * time.Millisecond})
	h.addStream(t, 1, stream.DesiredRunning)
	h.prb.block = true

	if err := h.rec.Start(context.Background(), 1); !errors.Is(err, stream.ErrArtifactTimeout) {
		t.Fatalf("Start = %v, want ErrArtifactTimeout", err)
	}

	obs := h.observed(t, 1)
	if obs.State != stream.StateError || obs.LastError != stream.FailureArtifactTimeout {
		t.Fatalf("observed = %+v, want error/artifact_timeout", obs)
	}
	// The alive-but-unconfirmed process was torn down.
	if h.sup.IsAlive(1) {
		t.Fatal("unconfirmed process left alive")
	}
	if h.sup.stopCount(1) != 1 {
		t.Fatalf("stop count = %d, want 1", h.sup.stopCount(1))
	}
}

func TestRetryFromError(t *testing.T) {
	h := newHarness(t, Options{})
	h.addStream(t, 1, stream.DesiredRunning)

	h.sup.startErr = errors.New("boom")
	if err := h.rec.Start(context.Background(), 1); err == nil {
		t.Fatal("expected spawn failure")
	}
	h.sup.startErr = nil

	if err := h.rec.Start(context.Background(), 1); err != nil {
		t.Fatalf("retry Start = %v", err)
	}
	obs := h.observed(t, 1)
	if obs.State != stream.StateRunning || obs.LastError != "" {
		t.Fatalf("observed after retry = %+v, want running with cleared error", obs)
	}
}

func TestStopRunning(t *testing.T) {
	h := newHarness(t, Options{})
	h.addStream(t, 1, stream.DesiredRunning)

	if err := h.rec.Start(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if err := h.rec.Stop(context.Background(), 1); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if h.observed(t, 1).State != stream.StateStopped {
		t.Fatal("state not stopped")
	}
	if h.sup.IsAlive(1) {
		t.Fatal("process still alive")
	}

	// Artifacts were swept after teardown.
	h.prb.mu.Lock()
	cleaned := len(h.prb.cleaned) > 0
	h.prb.mu.Unlock()
	if !cleaned {
		t.Fatal("artifacts not cleaned on stop")
	}
}

func TestStopIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.addStream(t, 1, stream.DesiredStopped)

	if err := h.rec.Stop(context.Background(), 1); !errors.Is(err, stream.ErrNotRunning) {
		t.Fatalf("Stop stopped stream = %v, want ErrNotRunning", err)
	}
	if h.observed(t, 1).State != stream.StateStopped {
		t.Fatal("idempotent stop mutated state")
	}
}

func TestStopPreservesErrorState(t *testing.T) {
	h := newHarness(t, Options{})
	h.addStream(t, 1, stream.DesiredRunning)
	h.sup.startErr = errors.New("boom")
	h.rec.Start(context.Background(), 1)

	if err := h.rec.Stop(context.Background(), 1); !errors.Is(err, stream.ErrNotRunning) {
		t.Fatalf("Stop errored stream = %v, want ErrNotRunning", err)
	}
	obs := h.observed(t, 1)
	if obs.State != stream.StateError || obs.LastError != stream.FailureSpawn {
		t.Fatalf("stop erased failure record: %+v", obs)
	}
}

func TestStopPreemptsStarting(t *testing.T) {
	h := newHarness(t, Options{ConfirmDeadline: 30 * time.Second})
	h.addStream(t, 1, stream.DesiredRunning)
	h.prb.block = true

	startErr := make(chan error, 1)
	go func() { startErr <- h.rec.Start(context.Background(), 1) }()

	h.waitState(t, 1, stream.StateStarting)

	if err := h.rec.Stop(context.Background(), 1); err != nil {
		t.Fatalf("Stop during Starting: %v", err)
	}

	select {
	case err := <-startErr:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("preempted Start = %v, want ErrSuperseded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("preempted Start never settled")
	}

	if h.observed(t, 1).State != stream.StateStopped {
		t.Fatal("state not stopped after preemption")
	}
	if h.sup.IsAlive(1) {
		t.Fatal("unconfirmed process left alive after preemption")
	}
}

func TestDuplicateStartWhileStarting(t *testing.T) {
	h := newHarness(t, Options{ConfirmDeadline: 30 * time.Second})
	h.addStream(t, 1, stream.DesiredRunning)
	h.prb.block = true

	first := make(chan error, 1)
	go func() { first <- h.rec.Start(context.Background(), 1) }()
	h.waitState(t, 1, stream.StateStarting)

	if err := h.rec.Start(context.Background(), 1); !errors.Is(err, stream.ErrAlreadyRunning) {
		t.Fatalf("start during Starting = %v, want ErrAlreadyRunning", err)
	}

	// Unblock the first attempt.
	h.rec.Stop(context.Background(), 1)
	<-first
}

func TestRestartNoIntermediateStopped(t *testing.T) {
	h := newHarness(t, Options{})
	h.addStream(t, 1, stream.DesiredRunning)

	if err := h.rec.Start(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	firstPID := h.observed(t, 1).PID

	before := len(h.reg.transitions(1))
	if err := h.rec.Restart(context.Background(), 1); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	obs := h.observed(t, 1)
	if obs.State != stream.StateRunning {
		t.Fatalf("state after restart = %q", obs.State)
	}
	if obs.PID == firstPID {
		t.Fatal("restart kept the same process")
	}

	for _, s := range h.reg.transitions(1)[before:] {
		if s == stream.StateStopped {
			t.Fatal("restart published an intermediate Stopped")
		}
	}
}

func TestRestartFromStopped(t *testing.T) {
	h := newHarness(t, Options{})
	h.addStream(t, 1, stream.DesiredStopped)

	if err := h.rec.Restart(context.Background(), 1); err != nil {
		t.Fatalf("Restart stopped stream = %v", err)
	}
	if h.observed(t, 1).State != stream.StateRunning {
		t.Fatal("restart from stopped did not start")
	}
}

func TestSweepDetectsUnexpectedExit(t *testing.T) {
	h := newHarness(t, Options{})
	h.addStream(t, 1, stream.DesiredRunning)

	if err := h.rec.Start(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	h.sup.kill(1, 1)
	h.rec.sweepOnce()

	obs := h.waitState(t, 1, stream.StateError)
	if obs.LastError != stream.FailureUnexpectedExit {
		t.Fatalf("LastError = %q, want unexpected_exit", obs.LastError)
	}
}

func TestSweepIgnoresHealthyStreams(t *testing.T) {
	h := newHarness(t, Options{})
	h.addStream(t, 1, stream.DesiredRunning)

	if err := h.rec.Start(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	h.rec.sweepOnce()
	time.Sleep(50 * time.Millisecond)

	if h.observed(t, 1).State != stream.StateRunning {
		t.Fatal("sweep disturbed a healthy stream")
	}
}

func TestForgetReleasesWorker(t *testing.T) {
	h := newHarness(t, Options{})
	h.addStream(t, 1, stream.DesiredStopped)

	w := h.rec.workerFor(1)
	h.rec.Forget(1)

	select {
	case <-w.quit:
	case <-time.After(5 * time.Second):
		t.Fatal("worker goroutine not released on Forget")
	}

	// Forget of an unknown id is a no-op.
	h.rec.Forget(42)

	// The id stays usable; a fresh worker is spawned on demand.
	if err := h.rec.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start after Forget: %v", err)
	}
	h.waitState(t, 1, stream.StateRunning)
}

func TestBootstrap(t *testing.T) {
	h := newHarness(t, Options{})

	// Desired running, observed stale Running from a previous control plane.
	h.addStream(t, 1, stream.DesiredRunning)
	h.reg.SetObserved(context.Background(), 1, stream.Observed{State: stream.StateRunning, PID: 999})

	// Desired stopped with stale Starting.
	h.addStream(t, 2, stream.DesiredStopped)
	h.reg.SetObserved(context.Background(), 2, stream.Observed{State: stream.StateStarting})

	if err := h.rec.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	// Stream 1 reconciles to an actual running process.
	obs := h.waitState(t, 1, stream.StateRunning)
	if obs.PID == 999 {
		t.Fatal("stale PID survived bootstrap")
	}
	if !h.sup.IsAlive(1) {
		t.Fatal("no live process after bootstrap")
	}

	// Stream 2's stale observation is reset, no process started.
	h.waitState(t, 2, stream.StateStopped)
	if h.sup.IsAlive(2) {
		t.Fatal("bootstrap started a desired-stopped stream")
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/restreamkit/restream-server/internal/domain/stream"
	"github.com/restreamkit/restream-server/internal/monitor"
	"github.com/restreamkit/restream-server/internal/reconciler"
	"github.com/restreamkit/restream-server/internal/registry"
	"go.uber.org/zap"
)

// fakeSupervisor stands in for the process layer. Starting a stream writes
// its playlist artifact to the output root so the real monitor confirms it;
// stopping removes liveness only (the reconciler sweeps artifacts).
type fakeSupervisor struct {
	mu      sync.Mutex
	root    string
	alive   map[int64]bool
	handles map[int64]stream.ProcessHandle
	nextPID int
}

func newFakeSupervisor(root string) *fakeSupervisor {
	return &fakeSupervisor{
		root:    root,
		alive:   make(map[int64]bool),
		handles: make(map[int64]stream.ProcessHandle),
		nextPID: 2000,
	}
}

func (f *fakeSupervisor) Start(id int64, argv []string, sink func(line string)) (stream.ProcessHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.alive[id] {
		return stream.ProcessHandle{}, stream.ErrAlreadyRunning
	}

	playlist := filepath.Join(f.root, fmt.Sprintf("%d.m3u8", id))
	if err := os.WriteFile(playlist, []byte("#EXTM3U\n"), 0o644); err != nil {
		return stream.ProcessHandle{}, fmt.Errorf("%w: %v", stream.ErrSpawn, err)
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
	return 0, false, false
}

type fixture struct {
	svc     *StreamService
	summary *SummaryService
	reg     registry.Registry
	sup     *fakeSupervisor
	root    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	log := zap.NewNop()
	reg := registry.NewMemoryRegistry()
	logs := registry.NewMemoryLogStore(100)
	sup := newFakeSupervisor(root)
	mon := monitor.New(log, root, 50*time.Millisecond)

	argv := func(c *stream.Config) []string { return []string{"ffmpeg", "-i", c.URL} }
	rec := reconciler.New(log, reg, logs, sup, mon, argv,
		func(string) stream.Severity { return stream.SeverityInfo },
		reconciler.Options{ConfirmDeadline: 5 * time.Second})
	t.Cleanup(rec.Close)

	svc := NewStreamService(log, reg, logs, rec, mon, sup)
	summary := NewSummaryService(log, reg, mon, SummaryOptions{TTL: time.Minute})

	return &fixture{svc: svc, summary: summary, reg: reg, sup: sup, root: root}
}

func (f *fixture) create(t *testing.T, desired stream.DesiredState) *stream.Config {
	t.Helper()
	cfg, err := f.svc.Create(context.Background(), &stream.Config{
		Name:    "news-24",
		URL:     "http://origin.example.com/live/news.m3u8",
		Kind:    stream.KindPlaylist,
		Desired: desired,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return cfg
}

func TestCreateAssignsIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := f.create(t, stream.DesiredStopped)
	if cfg.ID <= 0 {
		t.Fatalf("ID = %d", cfg.ID)
	}
	if cfg.CreatedAt.IsZero() || cfg.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set")
	}

	obs, err := f.reg.Observed(ctx, cfg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if obs.State != stream.StateStopped {
		t.Fatalf("new stream state = %q, want stopped", obs.State)
	}

	second := f.create(t, stream.DesiredStopped)
	if second.ID == cfg.ID {
		t.Fatal("duplicate ID assigned")
	}
}

func TestCreateValidates(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), &stream.Config{
		Name: "", URL: "http://h/x", Kind: stream.KindDirect,
	})
	if !errors.Is(err, stream.ErrValidation) {
		t.Fatalf("Create = %v, want ErrValidation", err)
	}
}

func TestCreateDesiredRunningStarts(t *testing.T) {
	f := newFixture(t)
	cfg := f.create(t, stream.DesiredRunning)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		obs, _ := f.reg.Observed(context.Background(), cfg.ID)
		if obs.State == stream.StateRunning {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("desired-running stream never started")
}

func TestLifecycleRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.create(t, stream.DesiredStopped)

	if err := f.svc.Start(ctx, cfg.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	view, err := f.svc.Status(ctx, cfg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Observed.State != stream.StateRunning {
		t.Fatalf("status state = %q, want running", view.Observed.State)
	}
	if view.Process == nil || view.Process.PID == 0 {
		t.Fatal("status has no process view for a running stream")
	}
	if !view.Output.PlaylistExists {
		t.Fatal("status reports no playlist for a confirmed stream")
	}

	// Lifecycle endpoints persist the implied desired state.
	got, _ := f.svc.Get(ctx, cfg.ID)
	if got.Desired != stream.DesiredRunning {
		t.Fatalf("desired after Start = %q", got.Desired)
	}

	if err := f.svc.Stop(ctx, cfg.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	view, _ = f.svc.Status(ctx, cfg.ID)
	if view.Observed.State != stream.StateStopped {
		t.Fatalf("status after stop = %q", view.Observed.State)
	}
	if view.Process != nil {
		t.Fatal("process view present after stop")
	}
	got, _ = f.svc.Get(ctx, cfg.ID)
	if got.Desired != stream.DesiredStopped {
		t.Fatalf("desired after Stop = %q", got.Desired)
	}
}

func TestRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.create(t, stream.DesiredStopped)

	if err := f.svc.Start(ctx, cfg.ID); err != nil {
		t.Fatal(err)
	}
	first, _ := f.svc.Status(ctx, cfg.ID)

	if err := f.svc.Restart(ctx, cfg.ID); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	second, _ := f.svc.Status(ctx, cfg.ID)
	if second.Observed.State != stream.StateRunning {
		t.Fatal("not running after restart")
	}
	if second.Process.PID == first.Process.PID {
		t.Fatal("restart kept the same process")
	}
}

func TestUpdatePreservesIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.create(t, stream.DesiredStopped)

	out, err := f.svc.Update(ctx, cfg.ID, &stream.Config{
		Name: "renamed",
		URL:  "http://other.example.com/live/x.m3u8",
		Kind: stream.KindTransportStream,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if out.ID != cfg.ID {
		t.Fatalf("ID changed: %d → %d", cfg.ID, out.ID)
	}
	if !out.CreatedAt.Equal(cfg.CreatedAt) {
		t.Fatal("CreatedAt changed on update")
	}
	if !out.UpdatedAt.After(cfg.UpdatedAt) && !out.UpdatedAt.Equal(cfg.UpdatedAt) {
		t.Fatal("UpdatedAt not refreshed")
	}

	if _, err := f.svc.Update(ctx, 9999, &stream.Config{
		Name: "x", URL: "http://h/x", Kind: stream.KindDirect,
	}); !errors.Is(err, stream.ErrNotFound) {
		t.Fatalf("Update unknown = %v, want ErrNotFound", err)
	}
}

func TestDeleteRequiresStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.create(t, stream.DesiredStopped)

	if err := f.svc.Start(ctx, cfg.ID); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Delete(ctx, cfg.ID); !errors.Is(err, stream.ErrPreconditionFailed) {
		t.Fatalf("Delete running = %v, want ErrPreconditionFailed", err)
	}
	// Refused delete mutates nothing.
	if _, err := f.svc.Get(ctx, cfg.ID); err != nil {
		t.Fatalf("stream gone after refused delete: %v", err)
	}

	if err := f.svc.Stop(ctx, cfg.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Delete(ctx, cfg.ID); err != nil {
		t.Fatalf("Delete stopped = %v", err)
	}
	if _, err := f.svc.Get(ctx, cfg.ID); !errors.Is(err, stream.ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := f.svc.Delete(ctx, cfg.ID); !errors.Is(err, stream.ErrNotFound) {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestLogsCaptureLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.create(t, stream.DesiredStopped)

	if err := f.svc.Start(ctx, cfg.ID); err != nil {
		t.Fatal(err)
	}

	entries, err := f.svc.Logs(ctx, cfg.ID, 100)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no log entries after start")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Sequence <= entries[i-1].Sequence {
			t.Fatal("log entries out of order")
		}
	}

	if _, err := f.svc.Logs(ctx, 9999, 10); !errors.Is(err, stream.ErrNotFound) {
		t.Fatalf("Logs unknown = %v, want ErrNotFound", err)
	}
}

func TestSummaryJoinsRuntime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	running := f.create(t, stream.DesiredStopped)
	stopped := f.create(t, stream.DesiredStopped)
	if err := f.svc.Start(ctx, running.ID); err != nil {
		t.Fatal(err)
	}

	res, err := f.summary.Get(ctx)
	if err != nil {
		t.Fatalf("summary Get: %v", err)
	}
	if len(res.Data) != 2 {
		t.Fatalf("summary rows = %d, want 2", len(res.Data))
	}
	if res.CacheHit {
		t.Fatal("first Get reported a cache hit")
	}

	byID := map[int64]StreamSummary{}
	for _, row := range res.Data {
		byID[row.ID] = row
	}
	if byID[running.ID].State != stream.StateRunning || !byID[running.ID].PlaylistExists {
		t.Fatalf("running row = %+v", byID[running.ID])
	}
	if byID[stopped.ID].State != stream.StateStopped {
		t.Fatalf("stopped row = %+v", byID[stopped.ID])
	}

	again, err := f.summary.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !again.CacheHit {
		t.Fatal("second Get within TTL missed the cache")
	}
	if !again.GeneratedAt.Equal(res.GeneratedAt) {
		t.Fatal("cached snapshot has a different generation time")
	}
}

//go:build linux

package procmgr

import (
	"bufio"
	"errors"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// LineSink receives every line the transcoder writes to stdout or stderr.
// Called from the pipe-drain goroutines; implementations must be fast or
// buffer internally.
type LineSink func(line string)

// process encapsulates one supervised transcoder command.
// Features:
//   - race-free pipe setup (stdout/stderr)
//   - continuous pipe draining into a LineSink
//   - deterministic teardown (SIGTERM → grace → SIGKILL)
//   - idempotent Start / Close lifecycle, single Wait() reap
//
// Canonical usage:
//
//	p → Start() → interact → <-Done() → ExitCode()
type process struct {
	log  *zap.Logger
	sink LineSink

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	grace time.Duration

	// Closed after the process is fully reaped.
	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once

	started atomic.Bool
	cmdPID  atomic.Int64

	// exit metadata, valid once done is closed
	exitCode int
	signaled bool

	// Protects mutable state during lifecycle transitions.
	mu sync.Mutex
}

// newProcess constructs a process wrapper around exec.Cmd.
//
// It performs early pipe allocation and applies Linux-specific attributes:
//   - Setpgid: isolates the child into its own process group
//   - Pdeathsig: ensures the child receives SIGKILL if the parent dies
func newProcess(log *zap.Logger, sink LineSink, argv []string, grace time.Duration) (*process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty argv")
	}
	if sink == nil {
		sink = func(string) {}
	}
	if grace <= 0 {
		grace = 3 * time.Second
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, stderr, err := pipes(cmd)
	if err != nil {
		return nil, err
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	return &process{
		log:    log,
		sink:   sink,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		grace:  grace,
		done:   make(chan struct{}),
	}, nil
}

// Start launches the command exactly once. On success, background goroutines
// begin draining stdout/stderr and Done() fires when the process is reaped.
func (p *process) Start() error {
	err := errors.New("process already started")

	p.startOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		if serr := p.cmd.Start(); serr != nil {
			err = serr
			return
		}
		err = nil

		pid := p.cmd.Process.Pid
		p.started.Store(true)
		p.cmdPID.Store(int64(pid))

		p.log.Info("process started", zap.Int("cmd_pid", pid))
		go p.supervise()
	})

	return err
}

// supervise drains both pipes, performs the single Wait() reap, records exit
// metadata, and fires Done().
func (p *process) supervise() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.drain(p.stdout, "stdout")
	}()
	go func() {
		defer wg.Done()
		p.drain(p.stderr, "stderr")
	}()
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.cmd.Wait(); err != nil {
		var eerr *exec.ExitError
		if errors.As(err, &eerr) {
			status := eerr.ProcessState.Sys().(syscall.WaitStatus)
			p.exitCode = status.ExitStatus()
			p.signaled = status.Signaled()
			p.log.Info("process exited with error status",
				zap.Int("exit_code", p.exitCode),
				zap.Bool("signaled", p.signaled))
		} else {
			p.exitCode = -1
			p.log.Error("failed to wait for process", zap.Error(err))
		}
	} else {
		p.log.Info("process exited cleanly")
	}

	close(p.done)
}

// drain streams one pipe line-by-line into the sink. Scanner I/O failures are
// logged; a closed pipe is the normal exit path.
func (p *process) drain(r io.Reader, name string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		p.sink(sc.Text())
	}

	if err := sc.Err(); err != nil {
		p.log.Error("pipe scanner failure", zap.String("pipe", name), zap.Error(err))
	}
}

func (p *process) Done() <-chan struct{} { return p.done }

// PID returns the OS process ID recorded at Start.
func (p *process) PID() int { return int(p.cmdPID.Load()) }

// Alive reports whether the process has not yet been reaped.
func (p *process) Alive() bool {
	if !p.started.Load() {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the recorded exit status. Valid only after Done() fires;
// signaled is true when the process was killed rather than exiting.
func (p *process) ExitCode() (code int, signaled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.signaled
}

// Close initiates deterministic shutdown:
//
//   - sends SIGTERM to the process group
//   - escalates to SIGKILL after the grace period if still alive
//
// Close is idempotent and concurrency-safe. It does not wait for the reap;
// callers block on Done() when they need completion.
func (p *process) Close() {
	p.closeOnce.Do(func() {
		go func() {
			if !p.started.Load() {
				return
			}

			select {
			case <-p.done:
				return
			default:
			}

			pid := int(p.cmdPID.Load())
			p.log.Info("sending SIGTERM", zap.Int("cmd_pid", pid))

			if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
				p.log.Warn("SIGTERM failed", zap.Error(err), zap.Int("cmd_pid", pid))
			}

			timer := time.NewTimer(p.grace)
			defer timer.Stop()

			select {
			case <-p.done:
				p.log.Info("process exited gracefully", zap.Int("cmd_pid", pid))

			case <-timer.C:
				p.log.Warn("grace timeout expired; sending SIGKILL", zap.Int("cmd_pid", pid))
				if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
					p.log.Error("SIGKILL failed", zap.Error(err), zap.Int("cmd_pid", pid))
				}
			}
		}()
	})
}

// pipes prepares stdout and stderr for exec.Cmd. If any pipe fails, all
// previously-created pipes are closed so no file descriptors leak. exec.Cmd
// owns the child ends once Start() succeeds.
func pipes(cmd *exec.Cmd) (io.ReadCloser, io.ReadCloser, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, nil, err
	}

	return stdout, stderr, nil
}

package server

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ProcessConfig describes an external worker executable. Args must already
// carry --port and any adapter flags.
type ProcessConfig struct {
	Command      string
	Args         []string
	Dir          string
	RestartDelay time.Duration
}

// Process keeps one external worker running, restarting it when it exits.
type Process struct {
	cfg ProcessConfig
	log *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool

	restarts atomic.Uint64
	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewProcess(cfg ProcessConfig, log *zap.Logger) *Process {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Process{
		cfg:  cfg,
		log:  log.With(zap.String("component", "process"), zap.String("command", cfg.Command)),
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the supervision loop. It returns once the first spawn
// has been attempted.
func (p *Process) Start(ctx context.Context) error {
	if p.cfg.Command == "" {
		return errors.New("process: empty command")
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("process: already started")
	}
	p.started = true
	p.mu.Unlock()

	first := make(chan error, 1)
	go p.run(ctx, first)
	return <-first
}

func (p *Process) run(ctx context.Context, first chan<- error) {
	defer close(p.done)

	out := zap.NewStdLog(p.log).Writer()
	for {
		cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
		cmd.Dir = p.cfg.Dir
		cmd.Stdout = out
		cmd.Stderr = out

		err := cmd.Start()
		if first != nil {
			first <- err
			first = nil
		}

		if err != nil {
			p.log.Error("failed to start worker process", zap.Error(err))
		} else {
			p.setCmd(cmd)
			if p.stopping() {
				_ = cmd.Process.Kill()
			}
			p.log.Info("worker process started", zap.Int("pid", cmd.Process.Pid))
			err = cmd.Wait()
			p.setCmd(nil)
			p.log.Info("worker process exited", zap.Error(err))
		}

		if p.stopping() || ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-p.kick:
		case <-time.After(p.cfg.RestartDelay):
		}
		p.restarts.Add(1)
	}
}

func (p *Process) setCmd(cmd *exec.Cmd) {
	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()
}

func (p *Process) kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *Process) stopping() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// Restart kills the running process; the loop respawns it immediately.
func (p *Process) Restart() error {
	if p.stopping() {
		return errors.New("process: stopped")
	}
	select {
	case p.kick <- struct{}{}:
	default:
	}
	p.kill()
	return nil
}

// Running reports whether a child process is alive right now.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil
}

func (p *Process) Restarts() uint64 {
	return p.restarts.Load()
}

// Stop kills the process and waits for the loop to finish.
func (p *Process) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.kill()

	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		<-p.done
	}
}

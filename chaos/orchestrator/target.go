package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/kaos-harness/kaos/chaos"
	"github.com/kaos-harness/kaos/chaos/probe"
)

// Target is the orchestrator's control channel to the service under test:
// plan installation on the write side, probing and counts on the read side.
// Implemented by *agent.Client (remote) and *simtarget.Target (in-process).
type Target interface {
	probe.Prober
	Install(ctx context.Context, plan chaos.RunPlan) error
	Deactivate(ctx context.Context) error
	Counts(ctx context.Context, gen chaos.Generation) (map[string]chaos.PointCounts, error)
	// Generation is the newest plan generation the target has seen. A
	// campaign numbers its plans after it.
	Generation(ctx context.Context) (chaos.Generation, error)
}

// Launcher starts and stops the target process around each run.
type Launcher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NopLauncher is used when the target is managed externally.
type NopLauncher struct{}

func (NopLauncher) Start(context.Context) error { return nil }
func (NopLauncher) Stop(context.Context) error  { return nil }

// CommandLauncher runs the target as a child process. A crashed process is
// restarted by the next Start.
type CommandLauncher struct {
	Command      []string
	Env          []string      // appended to the current environment
	Ready        probe.Prober  // optional; Start waits until it reports alive
	ReadyTimeout time.Duration // default 10s
	StopTimeout  time.Duration // grace period after SIGINT; default 5s

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan error
}

// NewCommandLauncher creates a launcher for command (argv form).
func NewCommandLauncher(command []string, ready probe.Prober) *CommandLauncher {
	return &CommandLauncher{
		Command:      command,
		Ready:        ready,
		ReadyTimeout: 10 * time.Second,
		StopTimeout:  5 * time.Second,
	}
}

// Start launches the process unless it is already running, then waits for
// readiness.
func (l *CommandLauncher) Start(ctx context.Context) error {
	if len(l.Command) == 0 {
		return errors.New("launcher: empty command")
	}
	l.mu.Lock()
	if l.cmd != nil {
		select {
		case err := <-l.done:
			logrus.Warnf("launcher: target exited (%v); restarting", err)
			l.cmd = nil
		default:
			l.mu.Unlock()
			return nil
		}
	}
	cmd := exec.Command(l.Command[0], l.Command[1:]...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("launcher: starting %q: %w", l.Command[0], err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	l.cmd, l.done = cmd, done
	l.mu.Unlock()
	logrus.Infof("launcher: started %v (pid %d)", l.Command, cmd.Process.Pid)

	if l.Ready == nil {
		return nil
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		select {
		case err := <-done:
			done <- err
			return struct{}{}, backoff.Permanent(fmt.Errorf("launcher: target exited before ready: %v", err))
		default:
		}
		return struct{}{}, l.Ready.Probe(ctx)
	}, backoff.WithMaxElapsedTime(l.ReadyTimeout))
	if err != nil {
		return fmt.Errorf("launcher: waiting for readiness: %w", err)
	}
	return nil
}

// Stop interrupts the process and kills it after StopTimeout.
func (l *CommandLauncher) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd == nil {
		return nil
	}
	cmd, done := l.cmd, l.done
	l.cmd, l.done = nil, nil

	_ = cmd.Process.Signal(os.Interrupt)
	timer := time.NewTimer(l.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	logrus.Warnf("launcher: target pid %d did not stop; killing", cmd.Process.Pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("launcher: killing target: %w", err)
	}
	<-done
	return nil
}

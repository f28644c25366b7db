// Package subprocess runs agent CLIs as managed child processes. Children
// get their own process group so a timeout kill takes the whole tree down,
// not just the direct child.
package subprocess

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// termGrace is how long a child gets between SIGTERM and SIGKILL.
const termGrace = 5 * time.Second

// Config describes one agent invocation.
type Config struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
	Stdin      string
	Timeout    time.Duration
}

// Process is a single running agent subprocess.
type Process struct {
	cfg    Config
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	done   chan struct{}
	waited error
	pgid   int
	mu     sync.Mutex
}

func New(cfg Config) *Process {
	return &Process{cfg: cfg}
}

// Start launches the child. The context cancels it; the configured timeout
// terminates it with a grace period.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return fmt.Errorf("subprocess already started")
	}

	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.WorkingDir
	if len(p.cfg.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range p.cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if p.cfg.Stdin != "" {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("stdin pipe: %w", err)
		}
		go func() {
			_, _ = io.WriteString(stdin, p.cfg.Stdin)
			_ = stdin.Close()
		}()
	}
	// Plain pipes instead of StdoutPipe: Wait closes the pipes StdoutPipe
	// hands out and can race a reader still draining them. The child holds
	// the only write ends after Start, so readers get EOF when it exits
	// and can drain buffered output afterwards.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return fmt.Errorf("start %s: %w", p.cfg.Command, err)
	}
	stdoutW.Close()
	stderrW.Close()

	p.cmd = cmd
	p.stdout = stdoutR
	p.stderr = stderrR
	p.done = make(chan struct{})
	if cmd.Process != nil {
		p.pgid, _ = syscall.Getpgid(cmd.Process.Pid)
	}

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waited = err
		close(p.done)
		p.mu.Unlock()
	}()

	if p.cfg.Timeout > 0 {
		go func() {
			timer := time.NewTimer(p.cfg.Timeout)
			defer timer.Stop()
			select {
			case <-timer.C:
				_ = p.Stop()
			case <-p.done:
			}
		}()
	}
	return nil
}

// Stdout is the child's stdout pipe. It stays readable after the child
// exits until drained; Wait closes it.
func (p *Process) Stdout() io.ReadCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout
}

// Stderr is the child's stderr pipe.
func (p *Process) Stderr() io.ReadCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr
}

// Wait blocks until the child exits, closes the output pipes, and returns
// the exit error. Drain stdout and stderr before calling it.
func (p *Process) Wait() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdout != nil {
		_ = p.stdout.Close()
		p.stdout = nil
	}
	if p.stderr != nil {
		_ = p.stderr.Close()
		p.stderr = nil
	}
	return p.waited
}

// Stop terminates the whole process group: SIGTERM first, SIGKILL after
// the grace period.
func (p *Process) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	done := p.done
	pgid := p.pgid
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if pgid == 0 {
		pgid = cmd.Process.Pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-done:
		return nil
	case <-time.After(termGrace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
		return nil
	}
}

// PID of the child, 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

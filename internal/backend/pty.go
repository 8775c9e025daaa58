//go:build !windows

package backend

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// PTYBackend runs the supervised program directly under a pseudo-terminal
// owned by the broker process. The program dies with the broker.
type PTYBackend struct {
	cmd  *exec.Cmd
	ptmx *os.File

	// waitDone closes once the read loop has reaped the process. Only the
	// read loop may call cmd.Wait or touch cmd.ProcessState.
	waitDone chan struct{}

	mu       sync.Mutex
	disposed bool
	exitOnce sync.Once
}

// StartPTY spawns the command under a new PTY with the given size. The
// read loop starts immediately; output reaches cfg.OnData in arrival order.
func StartPTY(cfg Config) (*PTYBackend, error) {
	shell := cfg.Command
	if shell == "" {
		shell = "/bin/bash"
	}

	cmd := exec.Command("/bin/sh", "-c", shell)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cfg.Cols),
		Rows: uint16(cfg.Rows),
	})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	b := &PTYBackend{cmd: cmd, ptmx: ptmx, waitDone: make(chan struct{})}
	go b.readLoop(cfg.OnData, cfg.OnExit)
	return b, nil
}

// readLoop pumps PTY output to the data callback until the PTY closes,
// then reaps the process and reports the exit code exactly once.
func (b *PTYBackend) readLoop(onData func([]byte), onExit func(int)) {
	buf := make([]byte, 4096)
	for {
		n, err := b.ptmx.Read(buf)
		if n > 0 && onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			break
		}
	}

	err := b.cmd.Wait()
	close(b.waitDone)
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	b.exitOnce.Do(func() {
		if onExit != nil {
			onExit(code)
		}
	})
}

// Write sends input to the program.
func (b *PTYBackend) Write(p []byte) error {
	b.mu.Lock()
	disposed := b.disposed
	b.mu.Unlock()
	if disposed {
		return io.ErrClosedPipe
	}
	if _, err := b.ptmx.Write(p); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// Resize changes the PTY window size.
func (b *PTYBackend) Resize(cols, rows int) error {
	if err := pty.Setsize(b.ptmx, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	}); err != nil {
		return fmt.Errorf("pty resize: %w", err)
	}
	return nil
}

// Pid returns the supervised process id.
func (b *PTYBackend) Pid() int {
	if b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

// Kind reports the backend variant.
func (b *PTYBackend) Kind() Kind { return KindPTY }

// Terminate signals the process group with SIGTERM and escalates to
// SIGKILL after the grace period if it has not exited.
func (b *PTYBackend) Terminate(grace time.Duration) error {
	pid := b.Pid()
	if pid == 0 {
		return nil
	}

	// pty.Start puts the child in its own session, so the negative pid
	// reaches the whole process group.
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-b.waitDone:
	case <-time.After(grace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		// SIGKILL cannot be ignored; the read loop reaps shortly after.
		<-b.waitDone
	}

	b.Dispose()
	return nil
}

// Dispose closes the PTY. Idempotent; the read loop ends on the closed
// descriptor and the exit callback fires at most once.
func (b *PTYBackend) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.disposed = true
	_ = b.ptmx.Close()
}

//go:build !windows

package backend

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
)

// SessionPrefix namespaces the external tmux sessions owned by the broker.
const SessionPrefix = "broker_"

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// TmuxBackend hosts the supervised program inside an externally persistent
// tmux session, bridged through a PTY running `tmux attach-session`. The
// inner program survives broker restarts because tmux persists on its own;
// a restarted broker reattaches instead of recreating.
type TmuxBackend struct {
	name   string
	bridge *os.File
	cmd    *exec.Cmd

	mu       sync.Mutex
	disposed bool
	exitOnce sync.Once
}

// TmuxSessionName derives the external tmux session name for a broker
// session id. Stable across recreation so reattach can find it.
func TmuxSessionName(sessionID string) string {
	return SessionPrefix + nameSanitizer.ReplaceAllString(sessionID, "-")
}

// TmuxAvailable reports whether the tmux binary is usable.
func TmuxAvailable() error {
	out, err := exec.Command("tmux", "-V").CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux not available: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// TmuxSessionExists reports whether the named external session is alive.
func TmuxSessionExists(name string) bool {
	return exec.Command("tmux", "has-session", "-t", name).Run() == nil
}

// StartTmux creates a fresh detached tmux session running the command, then
// attaches to it through a PTY bridge.
func StartTmux(name string, cfg Config) (*TmuxBackend, error) {
	workDir := cfg.WorkingDir
	if workDir == "" {
		workDir = os.Getenv("HOME")
	}

	args := []string{
		"new-session", "-d", "-s", name, "-c", workDir,
		"-x", strconv.Itoa(cfg.Cols), "-y", strconv.Itoa(cfg.Rows),
	}
	if cfg.Command != "" {
		args = append(args, cfg.Command)
	}
	out, err := exec.Command("tmux", args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("create tmux session: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}

	// Large scrollback so full-pane capture stays useful for long runs.
	_ = exec.Command("tmux", "set-option", "-t", name, "history-limit", "10000").Run()

	b, err := attachBridge(name, cfg)
	if err != nil {
		_ = exec.Command("tmux", "kill-session", "-t", name).Run()
		return nil, err
	}
	return b, nil
}

// AttachTmux bridges to an already-running external session. Used when the
// broker restarted but tmux kept the program alive.
func AttachTmux(name string, cfg Config) (*TmuxBackend, error) {
	if !TmuxSessionExists(name) {
		return nil, fmt.Errorf("tmux session %s does not exist", name)
	}
	return attachBridge(name, cfg)
}

func attachBridge(name string, cfg Config) (*TmuxBackend, error) {
	cmd := exec.Command("tmux", "attach-session", "-t", name)
	bridge, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cfg.Cols),
		Rows: uint16(cfg.Rows),
	})
	if err != nil {
		return nil, fmt.Errorf("attach tmux bridge: %w", err)
	}

	b := &TmuxBackend{name: name, bridge: bridge, cmd: cmd}
	go b.readLoop(cfg.OnData, cfg.OnExit)
	return b, nil
}

// readLoop pumps bridge output until the attach process ends. A bridge
// ending while the external session is still alive is a detach, not an
// exit, so the exit callback only fires when the session itself is gone.
func (b *TmuxBackend) readLoop(onData func([]byte), onExit func(int)) {
	buf := make([]byte, 4096)
	for {
		n, err := b.bridge.Read(buf)
		if n > 0 && onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			break
		}
	}
	_ = b.cmd.Wait()

	if TmuxSessionExists(b.name) {
		return // detached; the program keeps running inside tmux
	}
	b.exitOnce.Do(func() {
		if onExit != nil {
			onExit(0)
		}
	})
}

// Write sends input through the bridge PTY.
func (b *TmuxBackend) Write(p []byte) error {
	b.mu.Lock()
	disposed := b.disposed
	b.mu.Unlock()
	if disposed {
		return io.ErrClosedPipe
	}
	if _, err := b.bridge.Write(p); err != nil {
		return fmt.Errorf("tmux bridge write: %w", err)
	}
	return nil
}

// Resize adjusts both the bridge PTY and the tmux window.
func (b *TmuxBackend) Resize(cols, rows int) error {
	if err := pty.Setsize(b.bridge, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	}); err != nil {
		return fmt.Errorf("tmux bridge resize: %w", err)
	}
	_ = exec.Command("tmux", "resize-window", "-t", b.name,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows)).Run()
	return nil
}

// Pid returns the pane process id inside the tmux session.
func (b *TmuxBackend) Pid() int {
	out, err := exec.Command("tmux", "list-panes", "-t", b.name+":", "-F", "#{pane_pid}").Output()
	if err != nil {
		return 0
	}
	pidStr := strings.TrimSpace(string(out))
	if idx := strings.IndexByte(pidStr, '\n'); idx >= 0 {
		pidStr = pidStr[:idx]
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0
	}
	return pid
}

// Kind reports the backend variant.
func (b *TmuxBackend) Kind() Kind { return KindTmux }

// SessionName returns the external tmux session name.
func (b *TmuxBackend) SessionName() string { return b.name }

// CapturePane returns the full visible pane plus scrollback. This is the
// backend-specific buffer fallback; nothing outside getSessionBuffer should
// depend on it.
func (b *TmuxBackend) CapturePane() (string, error) {
	out, err := exec.Command("tmux", "capture-pane", "-t", b.name, "-p", "-J", "-S", "-2000").Output()
	if err != nil {
		return "", fmt.Errorf("capture pane: %w", err)
	}
	return string(out), nil
}

// Terminate kills the external tmux session. tmux delivers SIGHUP to the
// pane process; the grace period bounds how long we wait before reporting.
func (b *TmuxBackend) Terminate(grace time.Duration) error {
	if err := exec.Command("tmux", "kill-session", "-t", b.name).Run(); err != nil {
		if TmuxSessionExists(b.name) {
			return fmt.Errorf("kill tmux session %s: %w", b.name, err)
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) && TmuxSessionExists(b.name) {
		time.Sleep(50 * time.Millisecond)
	}

	b.Dispose()
	return nil
}

// Dispose closes the bridge PTY, detaching from the external session
// without killing it. Idempotent.
func (b *TmuxBackend) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.disposed = true
	_ = b.bridge.Close()
	if b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
}

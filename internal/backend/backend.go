// Package backend provides the adapter contract over the two ways a
// supervised terminal program can be hosted: a raw PTY owned by the broker
// process, or an externally persistent tmux session bridged through a PTY.
package backend

import "time"

// Kind identifies the backend variant.
type Kind string

const (
	KindPTY  Kind = "pty"
	KindTmux Kind = "tmux"
)

// Backend is the uniform adapter contract. Output and exit are delivered
// through the callbacks supplied at start time: OnData fires as raw bytes
// arrive with no batching delay, OnExit fires exactly once.
type Backend interface {
	// Write sends input bytes to the supervised program.
	Write(p []byte) error
	// Resize changes the terminal dimensions.
	Resize(cols, rows int) error
	// Pid returns the supervised process id, or 0 if unknown.
	Pid() int
	// Kind reports the backend variant.
	Kind() Kind
	// Terminate asks the supervised program to exit: SIGTERM to the
	// process group, escalating to SIGKILL after the grace period. For
	// tmux backends this kills the external tmux session.
	Terminate(grace time.Duration) error
	// Dispose releases adapter resources without waiting. Idempotent.
	// For tmux backends this detaches the bridge and leaves the external
	// session running.
	Dispose()
}

// Config holds the parameters shared by both backend variants.
type Config struct {
	WorkingDir string
	Command    string
	Cols       int
	Rows       int
	Env        []string

	// OnData receives raw output bytes in emission order.
	OnData func(p []byte)
	// OnExit receives the exit code once the supervised program ends.
	OnExit func(exitCode int)
}

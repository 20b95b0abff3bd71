// Package pty forks and execs a child process attached to a
// pseudo-terminal's master end. It is the lowest layer of the session
// core: it knows nothing about sentinels, buffers, or sanitisation,
// only how to get a PTY-backed process started and how to talk to its
// master fd.
//
// Grounded on the teacher's internal/pty/local.go (creack/pty
// StartWithSize/Setsize/Signal wrapper), generalized from a
// single-shell-only spawner into one that execs an arbitrary
// command+args+cwd, since spec.md §3 allows any PATH-resolvable
// executable, not just the user's login shell.
package pty

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Options configures a new PTY-backed child process.
type Options struct {
	// Command is an absolute or PATH-resolvable executable.
	Command string
	// Args are passed to Command, excluding Command itself.
	Args []string
	// Cwd, if non-empty, becomes the child's working directory.
	Cwd string
	// Env is appended to the inherited environment.
	Env []string
	// Term sets TERM for the child; defaults to xterm-256color.
	Term string
	// Rows and Cols set the initial window size; default 24x80.
	Rows, Cols uint16
}

// Process is the parent-side handle to a child running under a PTY.
type Process struct {
	mu  sync.Mutex
	cmd *exec.Cmd
	pty *os.File
}

// Start forks and execs opts.Command under a fresh PTY pair. On
// success the slave end has already been handed to the child as its
// controlling terminal and stdio; the returned Process owns the
// master end.
func Start(opts Options) (*Process, error) {
	if opts.Term == "" {
		opts.Term = "xterm-256color"
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	if opts.Cols == 0 {
		opts.Cols = 80
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = append(os.Environ(), fmt.Sprintf("TERM=%s", opts.Term))
	cmd.Env = append(cmd.Env, opts.Env...)

	winSize := &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols}
	master, err := pty.StartWithSize(cmd, winSize)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	// Move the master to a non-blocking descriptor served by Go's
	// poller, so read deadlines work and Close unblocks a pending Read.
	if fd, derr := syscall.Dup(int(master.Fd())); derr == nil {
		if serr := syscall.SetNonblock(fd, true); serr == nil {
			nb := os.NewFile(uintptr(fd), master.Name())
			_ = master.Close()
			master = nb
		} else {
			_ = syscall.Close(fd)
		}
	}

	return &Process{cmd: cmd, pty: master}, nil
}

// Read reads from the child's combined stdout/stderr via the PTY
// master.
func (p *Process) Read(b []byte) (int, error) { return p.pty.Read(b) }

// Write writes to the child's stdin via the PTY master.
func (p *Process) Write(b []byte) (int, error) { return p.pty.Write(b) }

// WriteString is a convenience wrapper around Write.
func (p *Process) WriteString(s string) (int, error) {
	return p.pty.Write([]byte(s))
}

// Pid returns the child's process ID, or 0 if it never started.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Signal sends sig to the child process.
func (p *Process) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("pty: process not started")
	}
	return p.cmd.Process.Signal(sig)
}

// Wait blocks until the child exits and releases its resources.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// Resize changes the PTY's reported window size.
func (p *Process) Resize(rows, cols uint16) error {
	return pty.Setsize(p.pty, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close closes the PTY master end. This unblocks any pending Read on
// the master and, once the slave's last reference is gone, delivers
// SIGHUP to the child's process group — it does not itself signal or
// wait for the child, which is the caller's responsibility during an
// orderly shutdown.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pty.Close()
}

// File returns the underlying master file, for callers that need to
// set read deadlines or inspect the PTY's device path directly.
func (p *Process) File() *os.File { return p.pty }

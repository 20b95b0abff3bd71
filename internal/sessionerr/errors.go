// Package sessionerr defines the closed set of sentinel errors that
// flow from the PTY session core up through the manager and tool
// façade. Every error a caller can observe is one of these, wrapped
// with context via fmt.Errorf("...: %w", ...) and checked with
// errors.Is.
package sessionerr

import "errors"

var (
	// ErrInvalidConfig is returned when a session configuration is
	// missing a required field or has a value of the wrong shape.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrCapacityExceeded is returned by start_session when the
	// registry already holds max_sessions running sessions.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrSpawnFailed is returned when fork/exec of the child process
	// under the PTY fails.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrUnknownSession is returned when a session ID does not name a
	// session in the registry.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSessionNotRunning is returned by any operation other than
	// get_buffer and stop when the session is not in the running
	// state, including after an idle-timeout shutdown.
	ErrSessionNotRunning = errors.New("session not running")

	// ErrInvalidSentinel is returned when a sentinel template does not
	// contain the literal substring "{sentinel}" exactly once.
	ErrInvalidSentinel = errors.New("invalid sentinel template")

	// ErrTimeout names the Timeout error kind. RunCommand does not
	// return it: when the sentinel token does not appear in sanitised
	// output before the deadline, RunCommand reports that through its
	// timedOut result alongside the partial output, and the session
	// remains running.
	ErrTimeout = errors.New("timeout")

	// ErrCancelled is returned by run_command when the session is
	// torn down (explicit stop, idle timeout, or child exit) while the
	// call is in flight.
	ErrCancelled = errors.New("cancelled")

	// ErrIOError is returned when a read or write against the PTY
	// master fails for a reason other than ordinary child exit.
	ErrIOError = errors.New("io error")

	// ErrCommandBlocked is returned when the optional command
	// allow/blocklist rejects text submitted to run_command or
	// send_keys. Not part of spec's original error taxonomy; this is
	// the supplemental command-filter hardening.
	ErrCommandBlocked = errors.New("command blocked")
)

// Package ptyproc implements the PTY session core spec.md §4.3
// describes: a single child process attached to a PTY master, a
// read pump that sanitises and buffers its output, and the
// run_command/send_keys/get_buffer/set_sentinel/stop operations that
// drive it.
//
// Grounded on the teacher's internal/session.Session, but restructured
// from the teacher's synchronous per-Exec polling read loop into a
// persistent read-pump goroutine plus a channel-based completion
// detector, since spec.md §4.3 requires the pump to run continuously
// (so get_buffer reflects output between commands) and requires
// run_command's wait to compose with both a timeout and cancellation.
package ptyproc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/acolita/ptymcp/internal/logging"
	"github.com/acolita/ptymcp/internal/logwriter"
	"github.com/acolita/ptymcp/internal/ports"
	"github.com/acolita/ptymcp/internal/pty"
	"github.com/acolita/ptymcp/internal/sanitize"
	"github.com/acolita/ptymcp/internal/scrollback"
	"github.com/acolita/ptymcp/internal/security"
	"github.com/acolita/ptymcp/internal/sessionerr"
	"github.com/acolita/ptymcp/internal/shellwords"
)

// Status is a session's position in the starting/running/stopping/stopped
// state machine spec.md §3 defines. Transitions are monotonic.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

const (
	sentinelPlaceholder = "{sentinel}"
	sentinelLength      = 32
	readChunkSize       = 64 * 1024
	graceTimeout        = 2 * time.Second
	watchdogCadence     = 1 * time.Second
)

// Config is a session's immutable-once-started configuration, matching
// spec.md §3's Session configuration.
type Config struct {
	Command          string
	Args             []string
	Cwd              string
	Env              []string
	IdleTimeout      time.Duration
	BufferLines      int
	SentinelTemplate string
}

// normalize applies spec.md §3's command/args tokenisation rule and the
// zero-value fallbacks that are always safe regardless of caller
// defaults.
func (c Config) normalize() (Config, error) {
	if len(c.Args) == 0 && strings.ContainsAny(c.Command, " \t") {
		tokens, err := shellwords.Split(c.Command)
		if err != nil {
			return c, fmt.Errorf("%w: tokenise command: %v", sessionerr.ErrInvalidConfig, err)
		}
		if len(tokens) == 0 {
			return c, fmt.Errorf("%w: empty command", sessionerr.ErrInvalidConfig)
		}
		c.Command = tokens[0]
		c.Args = tokens[1:]
	}
	if c.Command == "" {
		return c, fmt.Errorf("%w: command is required", sessionerr.ErrInvalidConfig)
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 86400 * time.Second
	}
	if c.BufferLines <= 0 {
		c.BufferLines = 1000
	}
	if c.SentinelTemplate == "" {
		c.SentinelTemplate = "echo " + sentinelPlaceholder
	}
	if err := ValidateSentinelTemplate(c.SentinelTemplate); err != nil {
		return c, err
	}
	return c, nil
}

// ValidateSentinelTemplate enforces spec.md §9's resolved Open Question:
// a template must contain the {sentinel} placeholder exactly once.
func ValidateSentinelTemplate(template string) error {
	if n := strings.Count(template, sentinelPlaceholder); n != 1 {
		return fmt.Errorf("%w: template must contain exactly one %s placeholder (found %d)",
			sessionerr.ErrInvalidSentinel, sentinelPlaceholder, n)
	}
	return nil
}

// Deps are the effectful collaborators a Session needs, injected so
// tests can run against fakeclock/fakerand instead of real time and
// crypto/rand.
type Deps struct {
	Clock  ports.Clock
	Random ports.Random
	Filter *security.CommandFilter
	LogDir string
}

// Session is one child process running under a PTY, plus the buffer,
// optional log mirror, and completion-detection machinery layered on
// top of it. The zero value is not usable; construct with Start.
type Session struct {
	id      string
	command string
	args    []string

	deps Deps

	mu               sync.Mutex
	status           Status
	sentinelTemplate string
	lastActivity     time.Time
	notifyCh         chan struct{}
	onStopped        func()

	cmdMu sync.Mutex

	proc *pty.Process
	buf  *scrollback.Buffer
	logw *logwriter.Writer

	pumpDone chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// Start forks and execs cfg.Command under a fresh PTY and launches the
// read pump and idle watchdog. On exec failure it returns
// sessionerr.ErrSpawnFailed and no Session; the caller never sees a
// Session that wasn't successfully started.
func Start(id string, cfg Config, deps Deps) (*Session, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	var logw *logwriter.Writer
	if deps.LogDir != "" {
		path := logwriter.Path(deps.LogDir, cfg.Command, id)
		logw, err = logwriter.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: open log file: %v", sessionerr.ErrSpawnFailed, err)
		}
	}

	proc, err := pty.Start(pty.Options{
		Command: cfg.Command,
		Args:    cfg.Args,
		Cwd:     cfg.Cwd,
		Env:     cfg.Env,
	})
	if err != nil {
		if logw != nil {
			_ = logw.Close()
		}
		return nil, fmt.Errorf("%w: %v", sessionerr.ErrSpawnFailed, err)
	}

	s := &Session{
		id:               id,
		command:          cfg.Command,
		args:             cfg.Args,
		deps:             deps,
		status:           StatusRunning,
		sentinelTemplate: cfg.SentinelTemplate,
		lastActivity:     deps.Clock.Now(),
		notifyCh:         make(chan struct{}),
		proc:             proc,
		buf:              scrollback.New(cfg.BufferLines),
		logw:             logw,
		pumpDone:         make(chan struct{}),
		stopped:          make(chan struct{}),
	}

	slog.Info("session started", "session_id", id, "command", cfg.Command, "pid", proc.Pid())

	go s.runPump()
	go s.runIdleWatchdog(cfg.IdleTimeout)

	return s, nil
}

// OnStopped registers a callback invoked exactly once, when the session
// reaches stopped, so the manager can reap its registry entry without
// polling. The caller must set this before the session is reachable by
// any other goroutine but its own background ones (Manager.Create does
// so before returning the session), otherwise a stop that races ahead
// of registration is simply missed — the manager's insert-time status
// check covers that case instead.
func (s *Session) OnStopped(fn func()) {
	s.mu.Lock()
	s.onStopped = fn
	s.mu.Unlock()
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// Command returns the executable this session was started with.
func (s *Session) Command() string { return s.command }

// Pid returns the child process's PID. It is not reset once the child
// has been reaped.
func (s *Session) Pid() int { return s.proc.Pid() }

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActivity returns the timestamp of the most recent read or write.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// BufferLineCount returns the number of completed lines currently held.
func (s *Session) BufferLineCount() int { return s.buf.LineCount() }

func (s *Session) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusRunning
}

func (s *Session) touchActivity() {
	s.mu.Lock()
	s.lastActivity = s.deps.Clock.Now()
	s.mu.Unlock()
}

// broadcast wakes every goroutine currently blocked in waitChan.
func (s *Session) broadcast() {
	s.mu.Lock()
	ch := s.notifyCh
	s.notifyCh = make(chan struct{})
	s.mu.Unlock()
	close(ch)
}

func (s *Session) waitChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyCh
}

// GetBuffer returns the buffer's tail snapshot. Valid regardless of
// session status, per spec.md §4.3's state machine exception list.
func (s *Session) GetBuffer(n int) string {
	return s.buf.Tail(n)
}

// SetSentinel atomically swaps the sentinel template, once validated.
func (s *Session) SetSentinel(template string) error {
	if !s.isRunning() {
		return sessionerr.ErrSessionNotRunning
	}
	if err := ValidateSentinelTemplate(template); err != nil {
		return err
	}
	s.mu.Lock()
	s.sentinelTemplate = template
	s.mu.Unlock()
	return nil
}

// SendKeys writes text verbatim to the PTY master. No echo filtering,
// no completion wait; the caller is responsible for control bytes like
// "\x03" or a trailing "\n".
func (s *Session) SendKeys(text string) error {
	if !s.isRunning() {
		return sessionerr.ErrSessionNotRunning
	}
	if err := s.deps.Filter.Check(text); err != nil {
		return err
	}
	if _, err := s.proc.WriteString(text); err != nil {
		return fmt.Errorf("%w: %v", sessionerr.ErrIOError, err)
	}
	s.touchActivity()
	return nil
}

// RunCommand submits text for execution, waits for the sentinel to
// appear in sanitised output (or timeout/cancellation), and returns the
// output produced since submission with command/sentinel echoes
// filtered out. A non-positive timeout returns immediately with
// timedOut=true and no wait, per spec.md §8 property 10.
//
// Concurrent calls on the same session queue behind whichever call
// holds cmdMu first, matching spec.md §5's at-most-one-active-command
// ordering guarantee.
func (s *Session) RunCommand(ctx context.Context, text string, timeout time.Duration) (output string, timedOut bool, err error) {
	if !s.isRunning() {
		return "", false, sessionerr.ErrSessionNotRunning
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if !s.isRunning() {
		return "", false, sessionerr.ErrSessionNotRunning
	}

	if err := s.deps.Filter.Check(text); err != nil {
		return "", false, err
	}

	token, err := randomToken(s.deps.Random, sentinelLength)
	if err != nil {
		return "", false, fmt.Errorf("%w: generate sentinel: %v", sessionerr.ErrIOError, err)
	}

	s.mu.Lock()
	sentinelCmd := strings.Replace(s.sentinelTemplate, sentinelPlaceholder, token, 1)
	s.mu.Unlock()

	snapshot := s.buf.Snapshot()

	if _, werr := s.proc.WriteString(text + "\n" + sentinelCmd + "\n"); werr != nil {
		return "", false, fmt.Errorf("%w: %v", sessionerr.ErrIOError, werr)
	}
	s.touchActivity()

	if timeout > 0 {
		timedOut, err = s.awaitSentinel(ctx, token, timeout, snapshot)
		if err != nil {
			return "", false, err
		}
	} else {
		timedOut = true
	}

	lines := s.buf.LinesSince(snapshot)
	if idx := indexOfBareToken(lines, token); idx >= 0 {
		lines = lines[:idx+1]
	}
	lines = filterEchoes(lines, text, sentinelCmd, token)

	if len(lines) == 0 {
		return "", timedOut, nil
	}
	// Trailing newline matches spec.md §8's scenario outputs (e.g. "RED\n"),
	// consistent with each line being a complete terminated line of output.
	return strings.Join(lines, "\n") + "\n", timedOut, nil
}

// awaitSentinel polls for the sentinel's own interpreter-produced output
// line, not merely the token appearing anywhere. A PTY in canonical mode
// echoes written input back through the master before the child even
// runs, so the literal line the caller wrote ("echo <token>") reaches
// the buffer well before the interpreter's actual output line (which is
// just "<token>", nothing else on it) does; treating any substring
// match as completion would fire on that echo and return before the
// real output has arrived. Requiring the token to be the whole
// (trimmed) line sidesteps that race, the same way the teacher's
// findMarkerOnOwnLine avoids matching its own echoed marker command.
func (s *Session) awaitSentinel(ctx context.Context, token string, timeout time.Duration, since int64) (timedOut bool, err error) {
	timeoutCh := s.deps.Clock.After(timeout)
	for {
		// ch must be captured before the predicate check: broadcast()
		// rotates notifyCh, so a sentinel line that lands (and is
		// broadcast) between the predicate check and reading waitChan()
		// would close a channel we're not yet selecting on, and we'd
		// miss the wakeup until the next broadcast or the timeout.
		// Capturing first means any broadcast from here on is either
		// already reflected in the predicate we're about to check, or
		// closes the very channel the select below is waiting on.
		ch := s.waitChan()
		if s.bareTokenObserved(token, since) {
			return false, nil
		}
		select {
		case <-ch:
			continue
		case <-timeoutCh:
			return true, nil
		case <-ctx.Done():
			return false, sessionerr.ErrCancelled
		case <-s.stopped:
			return false, sessionerr.ErrCancelled
		}
	}
}

// bareTokenObserved reports whether token has appeared as a standalone
// line (after trimming), among lines appended since since, or as the
// buffer's current partial tail.
func (s *Session) bareTokenObserved(token string, since int64) bool {
	if strings.TrimSpace(s.buf.Partial()) == token {
		return true
	}
	return indexOfBareToken(s.buf.LinesSince(since), token) >= 0
}

// indexOfBareToken returns the index of the first line that, once
// trimmed, equals token exactly, or -1 if none does.
func indexOfBareToken(lines []string, token string) int {
	for i, l := range lines {
		if strings.TrimSpace(l) == token {
			return i
		}
	}
	return -1
}

// filterEchoes drops lines equal, after trimming surrounding
// whitespace, to any physical line of the submitted text, to the
// formatted sentinel command, or to the bare sentinel token — exact
// match rather than substring, per spec.md §9's resolved Open Question
// (under-filter rather than over-filter on any divergence). Checking
// text line-by-line rather than as a whole means a multi-line
// submission is fully filtered without risking a false match against
// legitimate output that merely contains one of its lines as a
// substring.
func filterEchoes(lines []string, text, sentinelCmd, token string) []string {
	drop := map[string]bool{
		strings.TrimSpace(sentinelCmd): true,
		token:                          true,
	}
	for _, tl := range strings.Split(text, "\n") {
		drop[strings.TrimSpace(tl)] = true
	}

	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if drop[strings.TrimSpace(l)] {
			continue
		}
		out = append(out, l)
	}
	return out
}

const alnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// randomToken draws n bytes from r and maps each to an alphanumeric
// character, producing the 32-char sentinel spec.md §4.3 specifies.
func randomToken(r ports.Random, n int) (string, error) {
	raw := make([]byte, n)
	if _, err := r.Read(raw); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range raw {
		out[i] = alnum[int(b)%len(alnum)]
	}
	return string(out), nil
}

// runPump continuously reads from the PTY master, sanitises, and
// appends to the buffer and log writer until the master read fails,
// which it treats as the child having gone away.
func (s *Session) runPump() {
	defer close(s.pumpDone)

	var residue []byte
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			slog.Debug("pty read", "session_id", s.id, "bytes", n, "raw", logging.HexDump(buf[:n], 64))
			chunk := append(residue, buf[:n]...)
			clean, newResidue := sanitize.Sanitize(chunk)
			residue = newResidue
			if clean != "" {
				slog.Debug("pty sanitised", "session_id", s.id, "text", logging.TruncateForLog(clean, 200))
				s.buf.Append(clean)
				if s.logw != nil {
					s.logw.WriteLine(clean)
				}
				s.touchActivity()
				s.broadcast()
			}
		}
		if err != nil {
			slog.Debug("read pump exiting", "session_id", s.id, "cause", err)
			s.initiateStop("child exited")
			return
		}
	}
}

// runIdleWatchdog stops the session once idleTimeout has elapsed since
// the last read or write, checked at watchdogCadence (capped at 1s per
// spec.md §4.3).
func (s *Session) runIdleWatchdog(idleTimeout time.Duration) {
	cadence := watchdogCadence
	if idleTimeout < cadence {
		cadence = idleTimeout
	}

	for {
		select {
		case <-s.stopped:
			return
		case now := <-s.deps.Clock.After(cadence):
			s.mu.Lock()
			last := s.lastActivity
			s.mu.Unlock()
			if now.Sub(last) >= idleTimeout {
				slog.Info("session idle timeout", "session_id", s.id, "idle_timeout", idleTimeout)
				s.initiateStop("idle timeout")
				return
			}
		}
	}
}

// Stop transitions the session through stopping to stopped and blocks
// until that is complete. Calling Stop on an already-stopped session is
// a no-op success, per spec.md §8 property 8.
func (s *Session) Stop(reason string) error {
	s.initiateStop(reason)
	<-s.stopped
	return nil
}

// initiateStop launches the shutdown sequence at most once. It must
// never block on pumpDone itself, since the pump is one of its callers
// (on EOF/error) and waiting on its own completion would deadlock.
func (s *Session) initiateStop(reason string) {
	s.stopOnce.Do(func() {
		go s.runShutdown(reason)
	})
}

func (s *Session) runShutdown(reason string) {
	slog.Info("session stopping", "session_id", s.id, "reason", reason)

	s.mu.Lock()
	s.status = StatusStopping
	s.mu.Unlock()

	_ = s.proc.Signal(syscall.SIGTERM)

	exited := make(chan struct{})
	go func() {
		_ = s.proc.Wait()
		close(exited)
	}()

	select {
	case <-exited:
	case <-s.deps.Clock.After(graceTimeout):
		_ = s.proc.Signal(syscall.SIGKILL)
		<-exited
	}

	_ = s.proc.Close()
	<-s.pumpDone

	if s.logw != nil {
		_ = s.logw.Close()
	}

	s.mu.Lock()
	s.status = StatusStopped
	onStopped := s.onStopped
	s.mu.Unlock()

	slog.Info("session stopped", "session_id", s.id)

	if onStopped != nil {
		onStopped()
	}
	close(s.stopped)
}

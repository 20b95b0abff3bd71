package ptyproc

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/acolita/ptymcp/internal/adapters/realclock"
	"github.com/acolita/ptymcp/internal/adapters/realrand"
	"github.com/acolita/ptymcp/internal/security"
	"github.com/acolita/ptymcp/internal/sessionerr"
	"github.com/acolita/ptymcp/internal/testing/fakes/fakeclock"
	"github.com/acolita/ptymcp/internal/testing/fakes/fakerand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func realDeps() Deps {
	return Deps{Clock: realclock.New(), Random: realrand.New()}
}

func startShell(t *testing.T, deps Deps) *Session {
	t.Helper()
	s, err := Start("test-session", Config{Command: "/bin/sh"}, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop("test cleanup") })
	return s
}

func TestStart_SpawnsAndRuns(t *testing.T) {
	s := startShell(t, realDeps())
	assert.Equal(t, StatusRunning, s.Status())
	assert.Greater(t, s.Pid(), 0)
	assert.Equal(t, "/bin/sh", s.Command())
}

func TestStart_InvalidCommandReturnsSpawnFailed(t *testing.T) {
	_, err := Start("bad", Config{Command: "/no/such/binary-ptymcp-test"}, realDeps())
	require.Error(t, err)
	assert.True(t, errors.Is(err, sessionerr.ErrSpawnFailed))
}

func TestStart_TokenisesWhitespaceCommand(t *testing.T) {
	s, err := Start("tok", Config{Command: "/bin/sh -c exit"}, realDeps())
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", s.Command())
	_ = s.Stop("cleanup")
}

func TestRunCommand_EchoFilteredAndOutputReturned(t *testing.T) {
	s := startShell(t, realDeps())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, timedOut, err := s.RunCommand(ctx, "echo hello", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.Contains(t, out, "hello")
	assert.NotContains(t, out, "echo hello")
}

func TestRunCommand_SequentialCallsSeeOnlyTheirOwnOutput(t *testing.T) {
	s := startShell(t, realDeps())
	ctx := context.Background()

	out1, _, err := s.RunCommand(ctx, "echo one", 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, out1, "one")
	assert.NotContains(t, out1, "two")

	out2, _, err := s.RunCommand(ctx, "echo two", 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, out2, "two")
	assert.NotContains(t, out2, "one")
}

func TestRunCommand_ZeroTimeoutReturnsImmediately(t *testing.T) {
	s := startShell(t, realDeps())
	ctx := context.Background()

	start := time.Now()
	_, timedOut, err := s.RunCommand(ctx, "sleep 5", 0)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, timedOut)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, StatusRunning, s.Status())
}

func TestRunCommand_TimeoutThenInterruptRecovers(t *testing.T) {
	s := startShell(t, realDeps())
	ctx := context.Background()

	_, timedOut, err := s.RunCommand(ctx, "sleep 5", 300*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, timedOut)
	assert.Equal(t, StatusRunning, s.Status())

	require.NoError(t, s.SendKeys("\x03"))

	out, timedOut, err := s.RunCommand(ctx, "echo ok", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.Contains(t, out, "ok")
}

func TestRunCommand_NotRunningFails(t *testing.T) {
	s := startShell(t, realDeps())
	require.NoError(t, s.Stop("done"))

	_, _, err := s.RunCommand(context.Background(), "echo hi", time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sessionerr.ErrSessionNotRunning))
}

func TestRunCommand_BlockedByFilter(t *testing.T) {
	filter, err := security.NewCommandFilter([]string{`rm\s+-rf`}, nil)
	require.NoError(t, err)

	deps := realDeps()
	deps.Filter = filter
	s := startShell(t, deps)

	_, _, err = s.RunCommand(context.Background(), "rm -rf /tmp/x", time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sessionerr.ErrCommandBlocked))
}

func TestSendKeys_NotRunningFails(t *testing.T) {
	s := startShell(t, realDeps())
	require.NoError(t, s.Stop("done"))

	err := s.SendKeys("echo hi\n")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sessionerr.ErrSessionNotRunning))
}

func TestGetBuffer_WorksAfterStop(t *testing.T) {
	s := startShell(t, realDeps())
	_, _, err := s.RunCommand(context.Background(), "echo persisted", 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, s.Stop("done"))

	assert.Contains(t, s.GetBuffer(-1), "persisted")
}

func TestGetBuffer_ZeroReturnsEmpty(t *testing.T) {
	s := startShell(t, realDeps())
	assert.Equal(t, "", s.GetBuffer(0))
}

func TestSetSentinel_ValidAndInvalid(t *testing.T) {
	s := startShell(t, realDeps())

	require.NoError(t, s.SetSentinel("print('{sentinel}')"))
	require.NoError(t, s.SetSentinel("print('{sentinel}')"))

	err := s.SetSentinel("no placeholder here")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sessionerr.ErrInvalidSentinel))

	err = s.SetSentinel("{sentinel} and {sentinel} again")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sessionerr.ErrInvalidSentinel))
}

func TestSetSentinel_NotRunningFails(t *testing.T) {
	s := startShell(t, realDeps())
	require.NoError(t, s.Stop("done"))

	err := s.SetSentinel("echo {sentinel}")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sessionerr.ErrSessionNotRunning))
}

func TestRunCommand_REPLSwitch(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available in this environment")
	}

	s := startShell(t, realDeps())
	ctx := context.Background()

	require.NoError(t, s.SendKeys("python3\n"))
	require.NoError(t, s.SetSentinel("print('{sentinel}')"))

	out, timedOut, err := s.RunCommand(ctx, "print(2+2)", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.Contains(t, out, "4")
}

func TestStop_IsIdempotent(t *testing.T) {
	s := startShell(t, realDeps())
	require.NoError(t, s.Stop("first"))
	require.NoError(t, s.Stop("second"))
	assert.Equal(t, StatusStopped, s.Status())
}

func TestStop_ReapsChildAndClosesPTY(t *testing.T) {
	s := startShell(t, realDeps())
	pid := s.Pid()
	require.NoError(t, s.Stop("done"))

	assert.Equal(t, StatusStopped, s.Status())
	assert.Error(t, syscall.Kill(pid, 0), "child process %d should no longer exist", pid)
}

func TestChildExit_TransitionsSessionToStopped(t *testing.T) {
	s, err := Start("exits", Config{Command: "/bin/sh", Args: []string{"-c", "exit 0"}}, realDeps())
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status() == StatusStopped {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, StatusStopped, s.Status())
}

func TestIdleWatchdog_StopsSessionOnBreach(t *testing.T) {
	clock := fakeclock.New(time.Now())
	deps := Deps{Clock: clock, Random: realrand.New()}

	s, err := Start("idle", Config{Command: "/bin/cat", IdleTimeout: 50 * time.Millisecond}, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop("cleanup") })

	done := make(chan struct{})
	go func() {
		for s.Status() != StatusStopped {
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-done:
			return
		default:
		}
		clock.Advance(20 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	t.Fatal("session did not stop after idle timeout breach")
}

func TestRunCommand_FakeClockTimeout(t *testing.T) {
	clock := fakeclock.New(time.Now())
	deps := Deps{Clock: clock, Random: fakerand.NewSequential()}

	s, err := Start("faketimeout", Config{Command: "/bin/cat"}, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop("cleanup") })

	type result struct {
		timedOut bool
		err      error
	}
	resCh := make(chan result, 1)
	go func() {
		_, timedOut, err := s.RunCommand(context.Background(), "whatever", 5*time.Second)
		resCh <- result{timedOut, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case r := <-resCh:
			require.NoError(t, r.err)
			assert.True(t, r.timedOut)
			return
		default:
		}
		clock.Advance(time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run_command did not observe fake-clock timeout")
}

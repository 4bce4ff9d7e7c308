package session

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	s := New("sbt", sleepCommand())

	if s.ID() == "" {
		t.Error("expected non-empty session ID")
	}
	if s.Key() != "sbt" {
		t.Errorf("expected key 'sbt', got %s", s.Key())
	}
	if s.State() != StateNotStarted {
		t.Errorf("expected state not_started, got %s", s.State())
	}
	if s.IsAlive() {
		t.Error("expected new session not to be alive")
	}
	if info := s.Info(); info.ExitCode != -1 || info.PID != 0 {
		t.Errorf("unexpected info for new session: %+v", info)
	}
}

func TestProcessSession_StreamsBothChannels(t *testing.T) {
	s := New("sbt", shCommand("echo out; echo err 1>&2; exit 0"))
	sink := &recordingSink{}
	s.Router().Subscribe(sink)

	require.NoError(t, s.Start())
	waitDone(t, s)
	s.Router().Wait()

	assert.Equal(t, "out\n", sink.Text(ChannelStdout))
	assert.Equal(t, "err\n", sink.Text(ChannelStderr))
	assert.Equal(t, StateFinished, s.State())
	assert.Equal(t, 0, s.Info().ExitCode)
	assert.False(t, s.Info().Killed)

	finishes := sink.Finishes()
	require.Len(t, finishes, 1)
	assert.Equal(t, s.ID(), finishes[0].ID)
}

func TestProcessSession_ChunksCarrySessionIdentity(t *testing.T) {
	s := New("sbt", shCommand("echo a"))
	sink := &recordingSink{}
	s.Router().Subscribe(sink)

	require.NoError(t, s.Start())
	waitDone(t, s)
	s.Router().Wait()

	chunks := sink.Chunks()
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.Equal(t, s.ID(), c.SessionID)
		assert.Equal(t, "sbt", c.Key)
		assert.Equal(t, uint64(i+1), c.Seq)
	}
}

func TestProcessSession_StartWhileRunning(t *testing.T) {
	s := New("sbt", sleepCommand())
	killOnCleanup(t, s)

	require.NoError(t, s.Start())
	assert.True(t, s.IsAlive())
	assert.Greater(t, s.Info().PID, 0)

	err := s.Start()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, s.IsAlive())
}

func TestProcessSession_SpawnError(t *testing.T) {
	s := New("sbt", Command{Path: "/nonexistent/path/to/sbt"})

	err := s.Start()
	require.Error(t, err)

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr), "expected SpawnError, got %T", err)
	assert.Equal(t, "sbt", spawnErr.Key)
	assert.Equal(t, "/nonexistent/path/to/sbt", spawnErr.Path)
	assert.Equal(t, StateNotStarted, s.State())
}

func TestProcessSession_SpawnErrorBadWorkDir(t *testing.T) {
	cmd := sleepCommand()
	cmd.Dir = "/nonexistent/workdir"
	s := New("sbt", cmd)

	var spawnErr *SpawnError
	require.ErrorAs(t, s.Start(), &spawnErr)
	assert.False(t, s.IsAlive())
}

func TestProcessSession_KillIsIdempotent(t *testing.T) {
	s := New("sbt", sleepCommand())
	var hookCalls atomic.Int32
	s.OnFinished(func(Info) { hookCalls.Add(1) })

	require.NoError(t, s.Start())
	require.NoError(t, s.Kill())
	require.NoError(t, s.Kill())

	assert.Equal(t, StateFinished, s.State())
	assert.True(t, s.Info().Killed)
	waitDone(t, s)
	waitExited(t, s)

	require.NoError(t, s.Kill())
	assert.Equal(t, StateFinished, s.State())
	assert.Equal(t, int32(1), hookCalls.Load())
}

func TestProcessSession_KillNotStartedIsNoop(t *testing.T) {
	s := New("sbt", sleepCommand())

	require.NoError(t, s.Kill())
	assert.Equal(t, StateNotStarted, s.State())
}

func TestProcessSession_NotRestartable(t *testing.T) {
	s := New("sbt", shCommand("exit 0"))

	require.NoError(t, s.Start())
	waitDone(t, s)

	assert.ErrorIs(t, s.Start(), ErrSessionFinished)
	assert.Equal(t, StateFinished, s.State())
}

func TestProcessSession_TerminatedTwiceIsNoop(t *testing.T) {
	s := New("sbt", shCommand("exit 3"))
	sink := &recordingSink{}
	s.Router().Subscribe(sink)
	var hookCalls atomic.Int32
	s.OnFinished(func(Info) { hookCalls.Add(1) })

	require.NoError(t, s.Start())
	waitDone(t, s)
	waitExited(t, s)
	assert.Equal(t, 3, s.Info().ExitCode)

	s.terminated(7)

	assert.Equal(t, StateFinished, s.State())
	assert.Equal(t, 3, s.Info().ExitCode)
	assert.Equal(t, int32(1), hookCalls.Load())

	s.Router().Wait()
	assert.Len(t, sink.Finishes(), 1)
}

func TestProcessSession_KillRacesTermination(t *testing.T) {
	s := New("sbt", sleepCommand())
	var hookCalls atomic.Int32
	s.OnFinished(func(Info) { hookCalls.Add(1) })
	require.NoError(t, s.Start())
	proc := s.cmd.Process
	t.Cleanup(func() { _ = proc.Kill() })

	done := make(chan struct{})
	go func() {
		s.terminated(0)
		close(done)
	}()
	_ = s.Kill()
	<-done

	waitDone(t, s)
	assert.Equal(t, StateFinished, s.State())
	assert.Equal(t, int32(1), hookCalls.Load())
	_ = s.Kill()
}

func TestProcessSession_NoOutputAfterFinish(t *testing.T) {
	s := New("sbt", sleepCommand())
	require.NoError(t, s.Start())
	require.NoError(t, s.Kill())

	_, ok := s.Router().Publish(ChannelStdout, []byte("late"))
	assert.False(t, ok)
}

func TestProcessSession_OnFinishedAfterFinish(t *testing.T) {
	s := New("sbt", shCommand("exit 0"))
	require.NoError(t, s.Start())
	waitDone(t, s)

	called := make(chan Info, 1)
	s.OnFinished(func(info Info) { called <- info })

	select {
	case info := <-called:
		assert.Equal(t, StateFinished, info.State)
	default:
		t.Fatal("expected hook to run immediately on a finished session")
	}
}

func TestProcessSession_HookPanicIsContained(t *testing.T) {
	s := New("sbt", shCommand("exit 0"))
	var second atomic.Bool
	s.OnFinished(func(Info) { panic("boom") })
	s.OnFinished(func(Info) { second.Store(true) })

	require.NoError(t, s.Start())
	waitDone(t, s)
	assert.True(t, second.Load())
}

func TestProcessSession_Send(t *testing.T) {
	s := New("sbt", Command{Path: "/bin/cat"})
	killOnCleanup(t, s)
	sink := &recordingSink{}
	s.Router().Subscribe(sink)

	assert.ErrorIs(t, s.Send("compile"), ErrNotRunning)

	require.NoError(t, s.Start())
	require.NoError(t, s.Send("compile"))

	requireEventually(t, func() bool {
		return sink.Text(ChannelStdout) == "compile\n"
	}, "expected echoed input")

	require.NoError(t, s.Kill())
	assert.ErrorIs(t, s.Send("test"), ErrNotRunning)
}

func TestProcessSession_History(t *testing.T) {
	s := New("sbt", shCommand("echo one; echo two"), WithHistory(10))

	require.NoError(t, s.Start())
	waitDone(t, s)
	s.Router().Wait()

	var text string
	for _, c := range s.History() {
		text += c.Data
	}
	assert.Equal(t, "one\ntwo\n", text)
}

func TestProcessSession_HistoryDisabled(t *testing.T) {
	s := New("sbt", sleepCommand())
	assert.Nil(t, s.History())
}

func TestProcessSession_Env(t *testing.T) {
	cmd := shCommand(`printf "%s" "$CONSOLE_TEST_VALUE"`)
	cmd.Env = []string{"CONSOLE_TEST_VALUE=sbt-console"}
	s := New("sbt", cmd)
	sink := &recordingSink{}
	s.Router().Subscribe(sink)

	require.NoError(t, s.Start())
	waitDone(t, s)
	s.Router().Wait()

	assert.Equal(t, "sbt-console", sink.Text(ChannelStdout))
}

func TestProcessSession_InstanceLock(t *testing.T) {
	dir := t.TempDir()

	first := New("project/sbt", sleepCommand(), WithLockDir(dir))
	killOnCleanup(t, first)
	require.NoError(t, first.Start())

	second := New("project/sbt", sleepCommand(), WithLockDir(dir))
	killOnCleanup(t, second)
	err := second.Start()

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.ErrorIs(t, err, ErrInstanceLocked)
	assert.Equal(t, StateNotStarted, second.State())

	require.NoError(t, first.Kill())
	require.NoError(t, second.Start())
	assert.True(t, second.IsAlive())
}

func TestLockFileName(t *testing.T) {
	assert.Equal(t, "project_sbt.lock", lockFileName("project/sbt"))
	assert.Equal(t, "a-b_c.d.lock", lockFileName("a-b_c.d"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "not_started", StateNotStarted.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "finished", StateFinished.String())
	assert.Equal(t, "unknown(9)", State(9).String())
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, s := range []State{StateNotStarted, StateRunning, StateFinished} {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var got State
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}

	var s State
	assert.Error(t, s.UnmarshalText([]byte("paused")))
}

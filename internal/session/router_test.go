package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// blockingSink holds every Accept until released.
type blockingSink struct {
	entered chan OutputChunk
	release chan struct{}
	recordingSink
}

func newBlockingSink() *blockingSink {
	return &blockingSink{
		entered: make(chan OutputChunk, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingSink) Accept(chunk OutputChunk) error {
	b.entered <- chunk
	<-b.release
	return b.recordingSink.Accept(chunk)
}

func TestRouter_PreservesPerChannelOrder(t *testing.T) {
	r := NewOutputRouter("s1", "sbt")
	sink := &recordingSink{}
	r.Subscribe(sink)

	r.Publish(ChannelStdout, []byte("a"))
	r.Publish(ChannelStdout, []byte("b"))
	r.Publish(ChannelStderr, []byte("x"))
	r.Close(Info{ID: "s1"})
	r.Wait()

	assert.Equal(t, "ab", sink.Text(ChannelStdout))
	assert.Equal(t, "x", sink.Text(ChannelStderr))
}

func TestRouter_OrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 200).Draw(t, "n")
		r := NewOutputRouter("s", "k")
		sinks := []*recordingSink{{}, {}, {}}
		for _, s := range sinks {
			r.Subscribe(s)
		}

		var wantOut, wantErr []string
		for i := 0; i < n; i++ {
			data := rapid.StringN(1, 8, -1).Draw(t, "data")
			if rapid.Bool().Draw(t, "stderr") {
				r.Publish(ChannelStderr, []byte(data))
				wantErr = append(wantErr, data)
			} else {
				r.Publish(ChannelStdout, []byte(data))
				wantOut = append(wantOut, data)
			}
		}
		r.Close(Info{})
		r.Wait()

		for _, s := range sinks {
			var gotOut, gotErr []string
			var last uint64
			for _, c := range s.Chunks() {
				if c.Seq <= last {
					t.Fatalf("sequence not increasing: %d after %d", c.Seq, last)
				}
				last = c.Seq
				if c.Channel == ChannelStderr {
					gotErr = append(gotErr, c.Data)
				} else {
					gotOut = append(gotOut, c.Data)
				}
			}
			if len(gotOut) != len(wantOut) || len(gotErr) != len(wantErr) {
				t.Fatalf("lost chunks: stdout %d/%d stderr %d/%d", len(gotOut), len(wantOut), len(gotErr), len(wantErr))
			}
			for i := range wantOut {
				if gotOut[i] != wantOut[i] {
					t.Fatalf("stdout chunk %d: want %q, got %q", i, wantOut[i], gotOut[i])
				}
			}
			for i := range wantErr {
				if gotErr[i] != wantErr[i] {
					t.Fatalf("stderr chunk %d: want %q, got %q", i, wantErr[i], gotErr[i])
				}
			}
		}
	})
}

func TestRouter_FaultySinkDoesNotBlockOthers(t *testing.T) {
	var mu sync.Mutex
	var reported []*SinkError
	r := NewOutputRouter("s1", "sbt", WithErrorHandler(func(err *SinkError) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))

	failing := SinkFunc(func(OutputChunk) error { return errors.New("render failed") })
	panicking := SinkFunc(func(OutputChunk) error { panic("filter bug") })
	recording := &recordingSink{}

	r.Subscribe(failing)
	r.Subscribe(panicking)
	r.Subscribe(recording)

	r.Publish(ChannelStdout, []byte("C"))
	r.Publish(ChannelStdout, []byte("D"))
	r.Close(Info{ID: "s1"})
	r.Wait()

	assert.Equal(t, "CD", recording.Text(ChannelStdout))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 4)
	for _, err := range reported {
		assert.Equal(t, "s1", err.SessionID)
		assert.NotEmpty(t, err.SubscriptionID)
	}
}

func TestRouter_SlowSinkDoesNotStallOthers(t *testing.T) {
	r := NewOutputRouter("s1", "sbt")
	slow := newBlockingSink()
	fast := &recordingSink{}
	r.Subscribe(slow)
	r.Subscribe(fast)

	_, ok := r.Publish(ChannelStdout, []byte("a"))
	require.True(t, ok)

	requireEventually(t, func() bool {
		return fast.Text(ChannelStdout) == "a"
	}, "fast sink should receive while slow sink is blocked")

	close(slow.release)
	r.Close(Info{})
	r.Wait()
	assert.Equal(t, "a", slow.Text(ChannelStdout))
}

func TestRouter_OverflowDropsForThatSinkOnly(t *testing.T) {
	var mu sync.Mutex
	var reported []*SinkError
	r := NewOutputRouter("s1", "sbt",
		WithMailboxSize(1),
		WithErrorHandler(func(err *SinkError) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		}))

	slow := newBlockingSink()
	fast := &recordingSink{}
	r.Subscribe(slow)
	r.Subscribe(fast)

	r.Publish(ChannelStdout, []byte("1"))
	<-slow.entered // slow sink now holds chunk 1, its mailbox is empty
	requireEventually(t, func() bool { return fast.Text(ChannelStdout) == "1" }, "fast sink got 1")

	r.Publish(ChannelStdout, []byte("2")) // queued for slow
	requireEventually(t, func() bool { return fast.Text(ChannelStdout) == "12" }, "fast sink got 2")
	r.Publish(ChannelStdout, []byte("3")) // slow mailbox full

	close(slow.release)
	r.Close(Info{})
	r.Wait()

	assert.Equal(t, "12", slow.Text(ChannelStdout))
	assert.Equal(t, "123", fast.Text(ChannelStdout))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], ErrSinkOverflow)
	assert.Equal(t, uint64(3), reported[0].Seq)
}

func TestRouter_NoReplayForLateSubscribers(t *testing.T) {
	r := NewOutputRouter("s1", "sbt")
	early := &recordingSink{}
	r.Subscribe(early)

	r.Publish(ChannelStdout, []byte("before"))
	late := &recordingSink{}
	r.Subscribe(late)
	r.Publish(ChannelStdout, []byte("after"))
	r.Close(Info{})
	r.Wait()

	assert.Equal(t, "beforeafter", early.Text(ChannelStdout))
	assert.Equal(t, "after", late.Text(ChannelStdout))
}

func TestRouter_HistoryIsRecordedOnPublish(t *testing.T) {
	rb := NewRingBuffer(10)
	r := NewOutputRouter("s1", "sbt", WithRouterHistory(rb))

	r.Publish(ChannelStdout, []byte("a"))
	r.Publish(ChannelStderr, []byte("b"))
	// No mailbox in between: the history is current as soon as Publish returns.
	require.Equal(t, 2, rb.Len())

	sink := &recordingSink{}
	_, history := r.SubscribeWithHistory(sink)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(1), history[0].Seq)
	assert.Equal(t, uint64(2), history[1].Seq)

	r.Publish(ChannelStdout, []byte("c"))
	r.Close(Info{})
	r.Wait()

	chunks := sink.Chunks()
	require.Len(t, chunks, 1)
	assert.Equal(t, uint64(3), chunks[0].Seq)
}

func TestRouter_SubscribeWithHistoryHasNoGapsOrDuplicates(t *testing.T) {
	const total = 500
	r := NewOutputRouter("s1", "sbt", WithRouterHistory(NewRingBuffer(total)))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			r.Publish(ChannelStdout, []byte("x"))
		}
	}()

	// The subscription lands somewhere in the stream.
	sink := &recordingSink{}
	_, history := r.SubscribeWithHistory(sink)
	wg.Wait()
	r.Close(Info{})
	r.Wait()

	var seqs []uint64
	for _, c := range history {
		seqs = append(seqs, c.Seq)
	}
	for _, c := range sink.Chunks() {
		seqs = append(seqs, c.Seq)
	}
	require.Len(t, seqs, total)
	for i, seq := range seqs {
		require.Equal(t, uint64(i+1), seq)
	}
}

func TestRouter_SubscribeWithHistoryWithoutHistory(t *testing.T) {
	r := NewOutputRouter("s1", "sbt")
	r.Publish(ChannelStdout, []byte("a"))

	_, history := r.SubscribeWithHistory(&recordingSink{})
	assert.Empty(t, history)
}

func TestRouter_Unsubscribe(t *testing.T) {
	r := NewOutputRouter("s1", "sbt")
	sink := &recordingSink{}
	id := r.Subscribe(sink)
	assert.Equal(t, 1, r.Subscribers())

	r.Publish(ChannelStdout, []byte("a"))
	assert.True(t, r.Unsubscribe(id))
	assert.False(t, r.Unsubscribe(id))
	assert.Equal(t, 0, r.Subscribers())
	r.Publish(ChannelStdout, []byte("b"))
	r.Wait()

	assert.Equal(t, "a", sink.Text(ChannelStdout))
	assert.Empty(t, sink.Finishes(), "unsubscribed sinks are not told about the finish")
}

func TestRouter_UnsubscribeUnknown(t *testing.T) {
	r := NewOutputRouter("s1", "sbt")
	assert.False(t, r.Unsubscribe("nonexistent"))
}

func TestRouter_CloseNotifiesOnce(t *testing.T) {
	r := NewOutputRouter("s1", "sbt")
	sink := &recordingSink{}
	r.Subscribe(sink)

	assert.True(t, r.Close(Info{ID: "s1", ExitCode: 2}))
	assert.False(t, r.Close(Info{ID: "s1", ExitCode: 9}))
	assert.True(t, r.Closed())
	r.Wait()

	finishes := sink.Finishes()
	require.Len(t, finishes, 1)
	assert.Equal(t, 2, finishes[0].ExitCode)

	_, ok := r.Publish(ChannelStdout, []byte("late"))
	assert.False(t, ok)
	assert.Empty(t, sink.Chunks())
}

func TestRouter_SubscribeAfterClose(t *testing.T) {
	r := NewOutputRouter("s1", "sbt")
	r.Close(Info{ID: "s1", ExitCode: 1})

	sink := &recordingSink{}
	r.Subscribe(sink)
	r.Wait()

	require.Len(t, sink.Finishes(), 1)
	assert.Equal(t, 1, sink.Finishes()[0].ExitCode)
	assert.Equal(t, 0, r.Subscribers())
}

func TestRouter_ConcurrentSubscribeDuringPublish(t *testing.T) {
	r := NewOutputRouter("s1", "sbt")
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			r.Publish(ChannelStdout, []byte("x"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			id := r.Subscribe(&recordingSink{})
			if i%2 == 0 {
				r.Unsubscribe(id)
			}
		}
	}()
	wg.Wait()

	r.Close(Info{})
	r.Wait()
	assert.Equal(t, 0, r.Subscribers())
}

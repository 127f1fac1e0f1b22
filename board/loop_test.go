package board_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbbpad/wbbpad/board"
)

type recordingSink struct {
	mu       sync.Mutex
	events   []board.Event
	finished int
	panicOn  uint64
}

func (r *recordingSink) add(ev board.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Kind == board.EventFinished {
		r.finished++
	}
	r.events = append(r.events, ev)
}

func (r *recordingSink) Frame(f board.Frame) {
	if r.panicOn != 0 && f.Seq == r.panicOn {
		panic("sink exploded")
	}
	r.add(board.Event{Kind: board.EventFrame, Frame: f})
}

func (r *recordingSink) Status(text string)      { r.add(board.Event{Kind: board.EventStatus, Text: text}) }
func (r *recordingSink) Error(err error)         { r.add(board.Event{Kind: board.EventError, Err: err}) }
func (r *recordingSink) Tare(ev board.TareEvent) { r.add(board.Event{Kind: board.EventTare, Tare: ev}) }
func (r *recordingSink) Finished(err error)      { r.add(board.Event{Kind: board.EventFinished, Err: err}) }

func (r *recordingSink) snapshot() []board.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]board.Event(nil), r.events...)
}

func (r *recordingSink) frames() []board.Frame {
	var out []board.Frame
	for _, ev := range r.snapshot() {
		if ev.Kind == board.EventFrame {
			out = append(out, ev.Frame)
		}
	}
	return out
}

func (r *recordingSink) finishedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func testConfig() board.Config {
	cfg := board.DefaultConfig()
	cfg.PollingRate = 200
	cfg.TareDuration = 30 * time.Millisecond
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitDone(t *testing.T, l *board.Loop) {
	t.Helper()
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not finish")
	}
}

func TestLoopStopFinishesOnce(t *testing.T) {
	s := board.NewSynthetic(board.Constant(board.Reading{10, 10, 10, 10}))
	sink := &recordingSink{}
	l := board.NewLoop(s, testConfig(), sink, quietLogger(), nil)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return len(sink.frames()) >= 5 }, time.Second, time.Millisecond)

	l.Stop()
	l.Stop()
	waitDone(t, l)
	time.Sleep(20 * time.Millisecond)

	events := sink.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, board.EventFinished, events[len(events)-1].Kind, "nothing after finished")
	assert.NoError(t, events[len(events)-1].Err)
	assert.Equal(t, 1, sink.finishedCount())
	assert.Equal(t, board.StateStopped, l.State())
	assert.NoError(t, l.Err())
	assert.Zero(t, s.Overlaps())

	var prev uint64
	for _, f := range sink.frames() {
		assert.Greater(t, f.Seq, prev)
		prev = f.Seq
	}
}

func TestLoopTareOnStartZeroesBoard(t *testing.T) {
	s := board.NewSynthetic(board.Constant(board.Reading{5, 4, 3, 2}))
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.TareOnStart = true
	l := board.NewLoop(s, cfg, sink, quietLogger(), nil)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return len(sink.frames()) >= 5 }, time.Second, time.Millisecond)
	l.Stop()
	waitDone(t, l)

	offsets, ok := l.Offsets()
	require.True(t, ok)
	assert.Equal(t, board.Offsets{5, 4, 3, 2}, offsets)
	for _, f := range sink.frames() {
		assert.Equal(t, 0.0, f.Total)
		assert.Equal(t, board.Point{}, f.CoM)
		assert.False(t, math.IsNaN(f.CoM.X))
	}

	var phases []board.TarePhase
	for _, ev := range sink.snapshot() {
		if ev.Kind == board.EventTare {
			phases = append(phases, ev.Tare.Phase)
		}
	}
	assert.Equal(t, []board.TarePhase{board.TareStarted, board.TareSucceeded}, phases)
}

func TestLoopReadFailures(t *testing.T) {
	tests := []struct {
		name    string
		source  board.SourceFunc
		retries int
		wantErr error
	}{
		{
			name: "timeouts exhaust retries",
			source: func(n uint64) (board.Reading, error) {
				if n >= 3 {
					return board.Reading{}, board.ErrReadTimeout
				}
				return board.Reading{1, 1, 1, 1}, nil
			},
			retries: 2,
			wantErr: board.ErrReadTimeout,
		},
		{
			name: "disconnect is immediate",
			source: func(n uint64) (board.Reading, error) {
				if n >= 3 {
					return board.Reading{}, board.ErrDisconnected
				}
				return board.Reading{1, 1, 1, 1}, nil
			},
			retries: 100,
			wantErr: board.ErrDisconnected,
		},
		{
			name: "unknown errors count as retries",
			source: func(n uint64) (board.Reading, error) {
				if n >= 3 {
					return board.Reading{}, errors.New("checksum mismatch")
				}
				return board.Reading{1, 1, 1, 1}, nil
			},
			retries: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			cfg := testConfig()
			cfg.MaxReadRetries = tt.retries
			l := board.NewLoop(board.NewSynthetic(tt.source), cfg, sink, quietLogger(), nil)

			require.NoError(t, l.Start(context.Background()))
			waitDone(t, l)

			assert.Equal(t, board.StateError, l.State())
			require.Error(t, l.Err())
			if tt.wantErr != nil {
				assert.ErrorIs(t, l.Err(), tt.wantErr)
			}
			assert.Equal(t, 1, sink.finishedCount())
			events := sink.snapshot()
			assert.Equal(t, board.EventFinished, events[len(events)-1].Kind)
			assert.Error(t, events[len(events)-1].Err)
			assert.Len(t, sink.frames(), 3)

			_, err := l.Tare(context.Background(), true)
			assert.ErrorIs(t, err, board.ErrSessionFaulted)
		})
	}
}

func TestLoopTransientFailuresRecover(t *testing.T) {
	s := board.NewSynthetic(func(n uint64) (board.Reading, error) {
		if n%3 == 1 {
			return board.Reading{}, board.ErrReadTimeout
		}
		return board.Reading{2, 2, 2, 2}, nil
	})
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.MaxReadRetries = 1
	l := board.NewLoop(s, cfg, sink, quietLogger(), nil)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return len(sink.frames()) >= 10 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, board.StateStreaming, l.State())
	l.Stop()
	waitDone(t, l)
	assert.NoError(t, l.Err())
}

func TestLoopTareWhileStreaming(t *testing.T) {
	var loaded atomic.Bool
	loaded.Store(true)
	s := board.NewSynthetic(func(uint64) (board.Reading, error) {
		if loaded.Load() {
			return board.Reading{20, 20, 1, 1}, nil
		}
		return board.Reading{1, 1, 1, 1}, nil
	})
	sink := &recordingSink{}
	l := board.NewLoop(s, testConfig(), sink, quietLogger(), nil)
	require.NoError(t, l.Start(context.Background()))
	defer func() {
		l.Stop()
		waitDone(t, l)
	}()
	require.Eventually(t, func() bool { return len(sink.frames()) >= 3 }, time.Second, time.Millisecond)

	loaded.Store(false)
	res, err := l.Tare(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, board.Offsets{1, 1, 1, 1}, res.Offsets)
	assert.Equal(t, board.StateReady, l.State())

	paused := len(sink.frames())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, paused, len(sink.frames()), "no frames while paused after tare")

	loaded.Store(true)
	require.NoError(t, l.Resume(context.Background()))
	require.Eventually(t, func() bool { return len(sink.frames()) >= paused+5 }, time.Second, time.Millisecond)
	assert.Equal(t, board.StateStreaming, l.State())

	last := sink.frames()[len(sink.frames())-1]
	assert.InDelta(t, 19.0, last.Weight(board.TopLeft), 1e-9)
	assert.Equal(t, 0.0, last.Weight(board.BottomLeft))
	assert.Zero(t, s.Overlaps())
}

func TestLoopPauseResume(t *testing.T) {
	s := board.NewSynthetic(board.Constant(board.Reading{5, 5, 5, 5}))
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.TareOnStart = false
	l := board.NewLoop(s, cfg, sink, quietLogger(), nil)
	require.NoError(t, l.Start(context.Background()))
	defer func() {
		l.Stop()
		waitDone(t, l)
	}()
	require.Eventually(t, func() bool { return len(sink.frames()) >= 2 }, time.Second, time.Millisecond)

	require.NoError(t, l.Pause(context.Background()))
	require.NoError(t, l.Pause(context.Background()))
	paused := len(sink.frames())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, paused, len(sink.frames()))
	assert.Equal(t, board.StateConnected, l.State(), "never tared")

	require.NoError(t, l.Resume(context.Background()))
	require.NoError(t, l.Resume(context.Background()))
	require.Eventually(t, func() bool { return len(sink.frames()) > paused }, time.Second, time.Millisecond)
	assert.Equal(t, board.StateStreaming, l.State())

	var statuses []string
	for _, ev := range sink.snapshot() {
		if ev.Kind == board.EventStatus && (ev.Text == "Paused" || ev.Text == "Streaming") {
			statuses = append(statuses, ev.Text)
		}
	}
	assert.Equal(t, []string{"Streaming", "Paused", "Streaming"}, statuses, "repeated requests report once")
}

func TestLoopFailedTareKeepsOffsets(t *testing.T) {
	var noisy atomic.Bool
	s := board.NewSynthetic(func(n uint64) (board.Reading, error) {
		if noisy.Load() && n%2 == 0 {
			return board.Reading{30, 0, 0, 0}, nil
		}
		return board.Reading{2, 2, 2, 2}, nil
	})
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.TareOnStart = true
	l := board.NewLoop(s, cfg, sink, quietLogger(), nil)
	require.NoError(t, l.Start(context.Background()))
	defer func() {
		l.Stop()
		waitDone(t, l)
	}()
	require.Eventually(t, func() bool { return l.State() == board.StateStreaming }, time.Second, time.Millisecond)

	before, ok := l.Offsets()
	require.True(t, ok)

	noisy.Store(true)
	_, err := l.Tare(context.Background(), true)
	require.ErrorIs(t, err, board.ErrCalibrationFailed)

	after, ok := l.Offsets()
	assert.True(t, ok)
	assert.Equal(t, before, after)
	assert.Eventually(t, func() bool { return l.State() == board.StateStreaming }, time.Second, time.Millisecond)
}

func TestLoopRejectsConcurrentTare(t *testing.T) {
	cfg := testConfig()
	cfg.TareDuration = 200 * time.Millisecond
	l := board.NewLoop(board.NewSynthetic(board.Constant(board.Reading{})), cfg, nil, quietLogger(), nil)
	require.NoError(t, l.Start(context.Background()))
	defer func() {
		l.Stop()
		waitDone(t, l)
	}()

	first := make(chan error, 1)
	go func() {
		_, err := l.Tare(context.Background(), true)
		first <- err
	}()
	require.Eventually(t, func() bool { return l.State() == board.StateCalibrating }, time.Second, time.Millisecond)

	_, err := l.Tare(context.Background(), true)
	assert.ErrorIs(t, err, board.ErrTareInProgress)
	assert.NoError(t, <-first)
}

func TestLoopStartFailureAndRestart(t *testing.T) {
	s := board.NewSynthetic(board.Constant(board.Reading{}))
	s.FailConnect(errors.New("no such device"))
	l := board.NewLoop(s, testConfig(), nil, quietLogger(), nil)

	err := l.Start(context.Background())
	require.ErrorIs(t, err, board.ErrDeviceUnavailable)
	assert.Equal(t, board.StateError, l.State())

	_, err = l.Tare(context.Background(), true)
	assert.ErrorIs(t, err, board.ErrSessionFaulted)

	s.FailConnect(nil)
	require.NoError(t, l.Start(context.Background()))
	assert.ErrorIs(t, l.Start(context.Background()), board.ErrAlreadyStarted)
	l.Stop()
	waitDone(t, l)

	require.NoError(t, l.Start(context.Background()))
	l.Stop()
	waitDone(t, l)
	assert.Equal(t, uint64(2), s.Connects())
}

func TestLoopNotRunning(t *testing.T) {
	l := board.NewLoop(board.NewSynthetic(board.Constant(board.Reading{})), testConfig(), nil, quietLogger(), nil)
	_, err := l.Tare(context.Background(), true)
	assert.ErrorIs(t, err, board.ErrNotRunning)
	assert.ErrorIs(t, l.Pause(context.Background()), board.ErrNotRunning)
	l.Stop()
}

func TestLoopInvalidSettings(t *testing.T) {
	cfg := testConfig()
	cfg.PollingRate = 0
	l := board.NewLoop(board.NewSynthetic(board.Constant(board.Reading{})), cfg, nil, quietLogger(), nil)
	assert.ErrorIs(t, l.Start(context.Background()), board.ErrInvalidSettings)
}

func TestLoopSinkPanicHaltsRun(t *testing.T) {
	sink := &recordingSink{panicOn: 2}
	l := board.NewLoop(board.NewSynthetic(board.Constant(board.Reading{})), testConfig(), sink, quietLogger(), nil)
	require.NoError(t, l.Start(context.Background()))
	waitDone(t, l)

	assert.Equal(t, board.StateError, l.State())
	assert.ErrorContains(t, l.Err(), "sink exploded")
	assert.Equal(t, 1, sink.finishedCount())
}

func TestChanSinkNeverBlocks(t *testing.T) {
	c := board.NewChanSink(2)
	for i := 0; i < 5; i++ {
		c.Frame(board.Frame{Seq: uint64(i)})
	}
	assert.Equal(t, uint64(3), c.Dropped())

	c.Finished(nil)
	c.Finished(errors.New("second call ignored"))
	c.Frame(board.Frame{})

	final, ok := c.Final()
	require.True(t, ok)
	assert.Equal(t, board.EventFinished, final.Kind)
	assert.NoError(t, final.Err)

	var kinds []board.EventKind
	for ev := range c.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []board.EventKind{board.EventFrame, board.EventFrame}, kinds)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, board.CanTransition(board.StateStreaming, board.StateCalibrating))
	assert.True(t, board.CanTransition(board.StateError, board.StateConnecting))
	assert.False(t, board.CanTransition(board.StateError, board.StateStreaming))
	assert.False(t, board.CanTransition(board.StateDisconnected, board.StateStreaming))
	assert.Equal(t, "streaming", board.StateStreaming.String())
}

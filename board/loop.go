package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wbbpad/wbbpad/internal/log"
)

// Config holds the acquisition settings. They are fixed for the lifetime of
// a Loop.
type Config struct {
	PollingRate      int // Hz
	AveragingSamples int
	DeadZone         float64 // kg
	MaxReadRetries   int
	TareDuration     time.Duration
	TareNoiseBound   float64 // kg standard deviation
	TareOnStart      bool
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		PollingRate:      30,
		AveragingSamples: 5,
		DeadZone:         0.2,
		MaxReadRetries:   3,
		TareDuration:     3 * time.Second,
		TareNoiseBound:   0.5,
	}
}

// Interval is the tick period derived from PollingRate.
func (c Config) Interval() time.Duration {
	if c.PollingRate <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(c.PollingRate)
}

func (c Config) Validate() error {
	switch {
	case c.PollingRate <= 0 || c.PollingRate > 1000:
		return fmt.Errorf("%w: polling rate %d Hz out of range (1-1000)", ErrInvalidSettings, c.PollingRate)
	case c.AveragingSamples < 1:
		return fmt.Errorf("%w: averaging samples must be >= 1", ErrInvalidSettings)
	case c.DeadZone < 0:
		return fmt.Errorf("%w: dead zone must be >= 0", ErrInvalidSettings)
	case c.MaxReadRetries < 0:
		return fmt.Errorf("%w: max read retries must be >= 0", ErrInvalidSettings)
	case c.TareDuration <= 0:
		return fmt.Errorf("%w: tare duration must be > 0", ErrInvalidSettings)
	}
	return nil
}

type requestKind int

const (
	reqTare requestKind = iota
	reqPause
	reqResume
)

type request struct {
	kind   requestKind
	ctx    context.Context
	resume bool
	reply  chan reply
}

type reply struct {
	result TareResult
	err    error
}

// Loop is the acquisition loop. It is the only caller into its Session and
// the only producer of frames. Tare and streaming never run concurrently:
// both happen on the loop goroutine.
type Loop struct {
	session   Session
	cfg       Config
	sink      EventSink
	logger    *slog.Logger
	rawLogger log.RawLogger
	proc      *Processor

	mu         sync.Mutex
	state      State
	offsets    Offsets
	calibrated bool
	running    bool
	err        error
	done       chan struct{}
	stop       chan struct{}
	stopOnce   *sync.Once
	reqs       chan request

	taring atomic.Bool
}

// NewLoop wires a loop around s. A nil sink discards events; a nil rawLogger
// disables sample logging.
func NewLoop(s Session, cfg Config, sink EventSink, logger *slog.Logger, rawLogger log.RawLogger) *Loop {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rawLogger == nil {
		rawLogger = log.NewRaw(nil)
	}
	closed := make(chan struct{})
	close(closed)
	return &Loop{
		session:   s,
		cfg:       cfg,
		sink:      sink,
		logger:    logger,
		rawLogger: rawLogger,
		proc:      NewProcessor(cfg.AveragingSamples, cfg.DeadZone),
		done:      closed,
	}
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Offsets returns the calibration offsets in effect.
func (l *Loop) Offsets() (Offsets, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offsets, l.calibrated
}

// Err returns the error that halted the last run, if any.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Done is closed when the current run has finished.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *Loop) setStateLocked(to State) {
	from := l.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		l.logger.Warn("rejected board state transition", "from", from, "to", to)
		return
	}
	l.state = to
	l.logger.Debug("board state", "from", from, "to", to)
}

func (l *Loop) setState(to State) {
	l.mu.Lock()
	l.setStateLocked(to)
	l.mu.Unlock()
}

// Start connects the session and launches the loop goroutine. Starting a
// loop that stopped or faulted establishes a fresh session; offsets from an
// earlier successful tare stay in effect.
func (l *Loop) Start(ctx context.Context) error {
	if err := l.cfg.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.running = true
	l.err = nil
	l.setStateLocked(StateConnecting)
	l.mu.Unlock()

	l.sink.Status("Connecting to balance board...")
	if err := l.session.Connect(ctx); err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		l.mu.Lock()
		l.setStateLocked(StateError)
		l.err = err
		l.running = false
		l.mu.Unlock()
		l.sink.Error(err)
		return err
	}

	l.mu.Lock()
	if l.calibrated {
		l.setStateLocked(StateReady)
	} else {
		l.setStateLocked(StateConnected)
	}
	l.proc.Reset()
	l.done = make(chan struct{})
	l.stop = make(chan struct{})
	l.stopOnce = new(sync.Once)
	l.reqs = make(chan request)
	done, stop, reqs := l.done, l.stop, l.reqs
	l.mu.Unlock()

	l.logger.Info("Balance board connected", "rate_hz", l.cfg.PollingRate, "averaging", l.cfg.AveragingSamples)
	go l.run(ctx, stop, reqs, done)
	return nil
}

// Stop requests cooperative cancellation. The loop observes it at the next
// tick boundary; a read in progress is allowed to complete.
func (l *Loop) Stop() {
	l.mu.Lock()
	stop, once := l.stop, l.stopOnce
	l.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() { close(stop) })
}

// Tare pauses streaming, re-establishes the zero point and then resumes
// streaming if resume is set (otherwise the loop stays paused). A failed
// tare keeps the previous offsets.
func (l *Loop) Tare(ctx context.Context, resume bool) (TareResult, error) {
	if !l.taring.CompareAndSwap(false, true) {
		return TareResult{}, ErrTareInProgress
	}
	defer l.taring.Store(false)
	rep, err := l.submit(ctx, request{kind: reqTare, ctx: ctx, resume: resume})
	if err != nil {
		return TareResult{}, err
	}
	return rep.result, rep.err
}

// Pause stops frame emission without disconnecting.
func (l *Loop) Pause(ctx context.Context) error {
	_, err := l.submit(ctx, request{kind: reqPause, ctx: ctx})
	return err
}

// Resume restarts frame emission after Pause or a non-resuming Tare.
func (l *Loop) Resume(ctx context.Context) error {
	_, err := l.submit(ctx, request{kind: reqResume, ctx: ctx})
	return err
}

func (l *Loop) submit(ctx context.Context, req request) (reply, error) {
	l.mu.Lock()
	running, state, reqs, done := l.running, l.state, l.reqs, l.done
	l.mu.Unlock()
	if state == StateError {
		return reply{}, ErrSessionFaulted
	}
	if !running || reqs == nil {
		return reply{}, ErrNotRunning
	}
	req.reply = make(chan reply, 1)
	select {
	case reqs <- req:
	case <-done:
		return reply{}, ErrNotRunning
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep, nil
	case <-done:
		return reply{}, ErrNotRunning
	}
}

func (l *Loop) run(ctx context.Context, stop <-chan struct{}, reqs <-chan request, done chan struct{}) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("acquisition loop panic: %v", r)
			l.logger.Error("acquisition loop recovered from panic", "panic", r)
		}
		l.finish(runErr, done)
	}()

	streaming := true
	if l.cfg.TareOnStart {
		if _, err := l.tare(runCtx, runCtx); errors.Is(err, ErrDisconnected) {
			runErr = err
			return
		}
	}
	if runCtx.Err() != nil {
		return
	}
	l.setState(StateStreaming)
	l.sink.Status("Streaming")

	ticker := time.NewTicker(l.cfg.Interval())
	defer ticker.Stop()
	failures := 0

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case req := <-reqs:
			var rep reply
			switch req.kind {
			case reqTare:
				rep.result, rep.err = l.tare(runCtx, req.ctx)
				req.reply <- rep
				if errors.Is(rep.err, ErrDisconnected) {
					runErr = rep.err
					return
				}
				streaming = req.resume
			case reqPause:
				if streaming {
					l.sink.Status("Paused")
				}
				streaming = false
				req.reply <- rep
			case reqResume:
				if !streaming {
					l.sink.Status("Streaming")
				}
				streaming = true
				req.reply <- rep
			}
			l.syncStreamingState(streaming)
		case <-ticker.C:
			if !streaming {
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			frame, err := l.tick(runCtx)
			if err != nil {
				failures++
				if errors.Is(err, ErrDisconnected) || failures > l.cfg.MaxReadRetries {
					runErr = fmt.Errorf("read failed after %d attempt(s): %w", failures, err)
					return
				}
				l.logger.Warn("board read failed, retrying", "attempt", failures, "max", l.cfg.MaxReadRetries, "error", err)
				continue
			}
			failures = 0
			l.sink.Frame(frame)
		}
	}
}

func (l *Loop) syncStreamingState(streaming bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case streaming:
		l.setStateLocked(StateStreaming)
	case l.calibrated:
		l.setStateLocked(StateReady)
	default:
		l.setStateLocked(StateConnected)
	}
}

// tick performs one bounded read. Cancellation of the loop does not abort
// the read; only its one-interval deadline does.
func (l *Loop) tick(runCtx context.Context) (Frame, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), l.cfg.Interval())
	defer cancel()
	raw, err := l.session.Read(rctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrReadTimeout) {
			err = fmt.Errorf("%w: %w", ErrReadTimeout, err)
		}
		return Frame{}, err
	}
	l.mu.Lock()
	offsets := l.offsets
	l.mu.Unlock()
	frame := l.proc.Process(raw, offsets, time.Now())
	l.rawLogger.Log(frame.Seq, raw, offsets)
	return frame, nil
}

// tare runs the calibrator on the loop goroutine. reqCtx is the caller's
// context; runCtx ends when the loop is stopped.
func (l *Loop) tare(runCtx, reqCtx context.Context) (TareResult, error) {
	tctx, cancel := context.WithCancel(runCtx)
	defer cancel()
	stopAfter := context.AfterFunc(reqCtx, cancel)
	defer stopAfter()

	l.setState(StateCalibrating)
	l.sink.Tare(TareEvent{Phase: TareStarted})
	l.sink.Status("Taring... Please step OFF the board.")
	l.logger.Info("Tare started", "duration", l.cfg.TareDuration)

	cal := Calibrator{
		Duration:   l.cfg.TareDuration,
		Interval:   l.cfg.Interval(),
		NoiseBound: l.cfg.TareNoiseBound,
		MaxRetries: l.cfg.MaxReadRetries,
	}
	res, err := cal.Run(tctx, l.session)

	l.mu.Lock()
	if err == nil {
		l.offsets = res.Offsets
		l.calibrated = true
		l.proc.Reset()
		l.setStateLocked(StateReady)
	} else if l.calibrated {
		l.setStateLocked(StateReady)
	} else {
		l.setStateLocked(StateConnected)
	}
	l.mu.Unlock()

	if err != nil {
		l.logger.Warn("Tare failed", "error", err)
		l.sink.Tare(TareEvent{Phase: TareFailed, Err: err})
		l.sink.Status("Tare failed. Try again.")
		return TareResult{}, err
	}
	l.logger.Info("Tare complete", "offsets", res.Offsets, "samples", res.Samples)
	l.sink.Tare(TareEvent{Phase: TareSucceeded, Result: res})
	l.sink.Status("Ready! Please step ON the board.")
	return res, nil
}

func (l *Loop) finish(runErr error, done chan struct{}) {
	if err := l.session.Close(); err != nil {
		l.logger.Debug("session close", "error", err)
	}
	l.mu.Lock()
	if runErr != nil {
		l.setStateLocked(StateError)
		l.err = runErr
	} else {
		l.setStateLocked(StateStopped)
	}
	l.running = false
	l.mu.Unlock()

	if runErr != nil {
		l.logger.Error("Acquisition stopped", "error", runErr)
		l.sink.Error(runErr)
	} else {
		l.logger.Info("Acquisition stopped")
	}
	l.sink.Finished(runErr)
	close(done)
}

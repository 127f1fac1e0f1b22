// Package engine applies every board frame to the emulated controller.
package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/wbbpad/wbbpad/board"
	"github.com/wbbpad/wbbpad/controller"
	"github.com/wbbpad/wbbpad/internal/log"
	"github.com/wbbpad/wbbpad/mapping"
)

// Engine is the board.EventSink that maps frames to controller output. It
// runs on the acquisition goroutine, so one frame is applied at a time and
// each apply finishes before the next frame is produced.
type Engine struct {
	store    *mapping.Store
	driver   *controller.Driver
	logger   *slog.Logger
	interval time.Duration
	notify   func(error)
	snap     *mapping.Snapshot

	degraded  atomic.Bool
	applied   atomic.Uint64
	failed    atomic.Uint64
	lastCombo atomic.Uint32
}

// Option configures an Engine.
type Option func(*Engine)

// WithInterval bounds each apply to d.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithNotify registers fn to be told when output becomes unavailable (err
// set) and when it comes back (nil). Repeated failures are not reported.
func WithNotify(fn func(err error)) Option {
	return func(e *Engine) {
		if fn != nil {
			e.notify = fn
		}
	}
}

func New(store *mapping.Store, driver *controller.Driver, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:    store,
		driver:   driver,
		logger:   logger,
		interval: board.DefaultConfig().Interval(),
		notify:   func(error) {},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Frame classifies f, resolves combinations and applies the result. Output
// failures never propagate to the acquisition loop.
func (e *Engine) Frame(f board.Frame) {
	snap := e.store.Load()
	if e.snap != nil && snap != e.snap {
		if gone := e.driver.Held().Minus(snap.Reachable()); !gone.Empty() {
			e.logger.Info("Mapping changed; releasing buttons it no longer maps", "buttons", gone.String())
		}
	}
	e.snap = snap
	res := snap.Desired(f)
	e.traceCombos(f.Seq, res)

	e.apply(res.Desired)
}

// apply commits desired, tracking output availability.
func (e *Engine) apply(desired controller.Desired) {
	ctx, cancel := context.WithTimeout(context.Background(), e.interval)
	defer cancel()
	if err := e.driver.Apply(ctx, desired); err != nil {
		e.failed.Add(1)
		if e.degraded.CompareAndSwap(false, true) {
			e.logger.Warn("Controller output unavailable; frames keep flowing", "error", err)
			e.notify(err)
		}
		return
	}
	e.applied.Add(1)
	if e.degraded.CompareAndSwap(true, false) {
		e.logger.Info("Controller output restored")
		e.notify(nil)
	}
}

func (e *Engine) traceCombos(seq uint64, res mapping.Resolution) {
	var mask uint32
	for _, p := range res.Activated {
		mask |= 1 << p
	}
	if e.lastCombo.Swap(mask) == mask {
		return
	}
	e.logger.Log(context.Background(), log.LevelTrace, "combinations changed",
		"seq", seq, "active", res.Activated, "individual", res.Individual)
}

func (e *Engine) Status(string) {}
func (e *Engine) Error(error)   {}

// Tare releases the pad when a tare starts; no frames arrive until it ends.
func (e *Engine) Tare(ev board.TareEvent) {
	if ev.Phase == board.TareStarted {
		e.Release()
	}
}

// Release lets go of every button and centers the stick while frames are
// suspended. The next frame re-applies the mapping.
func (e *Engine) Release() {
	e.apply(controller.Desired{})
}

// Finished neutralizes the controller when acquisition ends so no button
// stays held while no frames arrive.
func (e *Engine) Finished(error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.interval)
	defer cancel()
	if err := e.driver.Shutdown(ctx); err != nil {
		e.logger.Debug("neutral state not delivered", "error", err)
	}
}

// Degraded reports whether the last apply failed.
func (e *Engine) Degraded() bool { return e.degraded.Load() }

// Counts returns the number of successful and failed applies.
func (e *Engine) Counts() (applied, failed uint64) {
	return e.applied.Load(), e.failed.Load()
}

// Close releases everything and commits the neutral state.
func (e *Engine) Close(ctx context.Context) error {
	return e.driver.Shutdown(ctx)
}

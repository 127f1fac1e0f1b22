// Package controller drives an emulated game controller from per-tick
// desired output, issuing only the press/release delta against what it
// already holds.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Stats counts the calls a Driver has issued against its Output.
type Stats struct {
	Presses  uint64
	Releases uint64
	Commits  uint64
	Failures uint64
}

// Driver owns the managed button set of one Output.
type Driver struct {
	mu     sync.Mutex
	out    Output
	held   ButtonSet
	resync bool
	stats  Stats
	logger *slog.Logger
}

func NewDriver(out Output, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{out: out, logger: logger}
}

// Held returns the buttons the driver believes are pressed.
func (d *Driver) Held() ButtonSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.held
}

func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Apply brings the output to the desired state. Buttons are diffed against
// the held set; stick and D-pad are set absolutely. Everything is published
// with a single Commit.
//
// A failed commit leaves the staged state unknown, so the next Apply resets
// the output and presses every desired button instead of diffing. Buttons
// held from an earlier mapping that desired no longer contains are released
// like any other stale button and then forgotten.
func (d *Driver) Apply(ctx context.Context, desired Desired) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var toPress, toRelease ButtonSet
	if d.resync {
		d.out.Reset()
		toPress = desired.Buttons
	} else {
		toPress = desired.Buttons.Minus(d.held)
		toRelease = d.held.Minus(desired.Buttons)
	}

	for _, b := range toRelease.Buttons() {
		d.out.Release(b)
		d.stats.Releases++
	}
	for _, b := range toPress.Buttons() {
		d.out.Press(b)
		d.stats.Presses++
	}
	d.out.SetStick(clampAxis(desired.Stick.X), clampAxis(desired.Stick.Y))
	d.out.SetDpad(desired.Dpad)

	if err := d.out.Commit(ctx); err != nil {
		d.stats.Failures++
		d.resync = true
		return fmt.Errorf("commit: %w", err)
	}
	d.stats.Commits++
	if !toPress.Empty() || !toRelease.Empty() {
		d.logger.Debug("buttons changed", "pressed", toPress.String(), "released", toRelease.String())
	}
	d.held = desired.Buttons
	d.resync = false
	return nil
}

// Shutdown forces every button and axis to neutral and commits. The held set
// is cleared even if the commit fails: the staged state is neutral either way.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, b := range d.held.Buttons() {
		d.out.Release(b)
		d.stats.Releases++
	}
	d.held = 0
	d.resync = false
	d.out.Reset()
	if err := d.out.Commit(ctx); err != nil {
		d.stats.Failures++
		return fmt.Errorf("commit neutral state: %w", err)
	}
	d.stats.Commits++
	return nil
}

func clampAxis(v int16) int16 {
	if v < -StickMax {
		return -StickMax
	}
	return v
}

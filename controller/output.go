package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrOutputUnavailable is returned when no emulated controller is attached.
var ErrOutputUnavailable = errors.New("output device unavailable")

// Output is the emulated controller capability. Press, Release, SetStick,
// SetDpad and Reset only stage changes; Commit publishes everything staged
// since the previous Commit as one update.
type Output interface {
	Press(b Button)
	Release(b Button)
	SetStick(x, y int16)
	SetDpad(d DpadSet)
	Commit(ctx context.Context) error
	Reset()
}

// Transmitter delivers a committed InputState to the emulated device.
type Transmitter interface {
	Transmit(ctx context.Context, st *InputState) error
}

// TransmitterFunc adapts a function to Transmitter.
type TransmitterFunc func(ctx context.Context, st *InputState) error

func (f TransmitterFunc) Transmit(ctx context.Context, st *InputState) error { return f(ctx, st) }

// Pad is an Output that stages changes in an InputState and hands a copy of
// the whole state to its Transmitter on Commit, so the device never sees a
// partial update.
type Pad struct {
	mu      sync.Mutex
	pending InputState
	tx      Transmitter
}

// NewPad returns a Pad. A nil Transmitter makes every Commit fail with
// ErrOutputUnavailable.
func NewPad(tx Transmitter) *Pad {
	return &Pad{tx: tx}
}

// SetTransmitter swaps the transmitter (thread-safe). Nil detaches the device.
func (p *Pad) SetTransmitter(tx Transmitter) {
	p.mu.Lock()
	p.tx = tx
	p.mu.Unlock()
}

func (p *Pad) Press(b Button) {
	p.mu.Lock()
	p.pending.Buttons |= uint32(b) &^ dpadMask
	p.mu.Unlock()
}

func (p *Pad) Release(b Button) {
	p.mu.Lock()
	p.pending.Buttons &^= uint32(b) &^ dpadMask
	p.mu.Unlock()
}

func (p *Pad) SetStick(x, y int16) {
	p.mu.Lock()
	p.pending.LX = x
	p.pending.LY = y
	p.mu.Unlock()
}

func (p *Pad) SetDpad(d DpadSet) {
	p.mu.Lock()
	p.pending.Buttons = (p.pending.Buttons &^ dpadMask) | d.bits()
	p.mu.Unlock()
}

func (p *Pad) Reset() {
	p.mu.Lock()
	p.pending = InputState{}
	p.mu.Unlock()
}

// State returns a copy of the staged state.
func (p *Pad) State() InputState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

func (p *Pad) Commit(ctx context.Context) error {
	p.mu.Lock()
	st := p.pending
	tx := p.tx
	p.mu.Unlock()
	if tx == nil {
		return ErrOutputUnavailable
	}
	return tx.Transmit(ctx, &st)
}

// LogTransmitter logs committed states instead of sending them anywhere.
type LogTransmitter struct {
	Logger *slog.Logger

	mu   sync.Mutex
	last InputState
	seen bool
}

func (l *LogTransmitter) Transmit(_ context.Context, st *InputState) error {
	l.mu.Lock()
	changed := !l.seen || *st != l.last
	l.last = *st
	l.seen = true
	l.mu.Unlock()
	if changed && l.Logger != nil {
		l.Logger.Debug("pad state",
			"buttons", st.ButtonSet().String(),
			"dpad", st.Dpad().String(),
			"lx", st.LX,
			"ly", st.LY)
	}
	return nil
}

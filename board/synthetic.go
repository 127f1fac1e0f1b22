package board

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// SourceFunc produces the n-th reading of a synthetic board (n starts at 0).
type SourceFunc func(n uint64) (Reading, error)

// Synthetic is an in-process Session fed by a SourceFunc. It stands in for
// real hardware in demos and tests.
type Synthetic struct {
	source SourceFunc

	mu         sync.Mutex
	connected  bool
	connectErr error
	n          uint64

	reads    atomic.Uint64
	inFlight atomic.Int32
	overlaps atomic.Uint64
	connects atomic.Uint64
}

func NewSynthetic(source SourceFunc) *Synthetic {
	return &Synthetic{source: source}
}

// FailConnect makes subsequent Connect calls fail with err (nil clears it).
func (s *Synthetic) FailConnect(err error) {
	s.mu.Lock()
	s.connectErr = err
	s.mu.Unlock()
}

func (s *Synthetic) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, s.connectErr)
	}
	s.connected = true
	s.connects.Add(1)
	return nil
}

func (s *Synthetic) Read(ctx context.Context) (Reading, error) {
	if s.inFlight.Add(1) > 1 {
		s.overlaps.Add(1)
	}
	defer s.inFlight.Add(-1)

	s.mu.Lock()
	connected := s.connected
	n := s.n
	s.n++
	s.mu.Unlock()
	if !connected {
		return Reading{}, ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return Reading{}, fmt.Errorf("%w: %w", ErrReadTimeout, err)
	}
	s.reads.Add(1)
	return s.source(n)
}

func (s *Synthetic) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

// Reads returns how many reads reached the source.
func (s *Synthetic) Reads() uint64 { return s.reads.Load() }

// Connects returns how many times Connect succeeded.
func (s *Synthetic) Connects() uint64 { return s.connects.Load() }

// Overlaps returns how many reads started while another was in progress.
func (s *Synthetic) Overlaps() uint64 { return s.overlaps.Load() }

// Constant always returns r.
func Constant(r Reading) SourceFunc {
	return func(uint64) (Reading, error) { return r, nil }
}

// Pattern returns a named demo source on top of a resting baseline:
//
//	idle   the unloaded board
//	stand  a 70 kg person standing centered
//	sway   a 70 kg person slowly circling their weight around the board
//	steps  alternating left and right foot presses, 2 s each at 30 Hz
func Pattern(name string, baseline Reading) (SourceFunc, error) {
	switch name {
	case "idle", "":
		return Constant(baseline), nil
	case "stand":
		return func(uint64) (Reading, error) {
			return addWeights(baseline, 17.5, 17.5, 17.5, 17.5), nil
		}, nil
	case "sway":
		return func(n uint64) (Reading, error) {
			phase := float64(n) * 2 * math.Pi / 150
			x, y := math.Cos(phase), math.Sin(phase)
			const total = 70.0
			tl := total / 4 * (1 - x) * (1 + y)
			tr := total / 4 * (1 + x) * (1 + y)
			bl := total / 4 * (1 - x) * (1 - y)
			br := total / 4 * (1 + x) * (1 - y)
			return addWeights(baseline, tl, tr, bl, br), nil
		}, nil
	case "steps":
		return func(n uint64) (Reading, error) {
			if (n/60)%2 == 0 {
				return addWeights(baseline, 30, 3, 30, 3), nil
			}
			return addWeights(baseline, 3, 30, 3, 30), nil
		}, nil
	}
	return nil, fmt.Errorf("unknown synthetic pattern %q", name)
}

func addWeights(r Reading, tl, tr, bl, br float64) Reading {
	r[TopLeft] += tl
	r[TopRight] += tr
	r[BottomLeft] += bl
	r[BottomRight] += br
	return r
}

package board

import "time"

// Epsilon is the total weight at or below which the center of mass is (0, 0).
const Epsilon = 1e-6

// Processor smooths calibrated readings and derives frames. It is not safe
// for concurrent use; the acquisition loop owns it.
type Processor struct {
	window   int
	deadZone float64

	// ring buffers of (raw - offset), one per sensor
	samples [NumQuadrants][]float64
	next    int
	filled  int
	seq     uint64
}

// NewProcessor returns a Processor averaging over the last averagingSamples
// readings and zeroing quadrant weights below deadZoneKg.
func NewProcessor(averagingSamples int, deadZoneKg float64) *Processor {
	if averagingSamples < 1 {
		averagingSamples = 1
	}
	if deadZoneKg < 0 {
		deadZoneKg = 0
	}
	p := &Processor{window: averagingSamples, deadZone: deadZoneKg}
	for i := range p.samples {
		p.samples[i] = make([]float64, averagingSamples)
	}
	return p
}

// Reset drops the smoothing history. Call it whenever the offsets change.
func (p *Processor) Reset() {
	for i := range p.samples {
		clear(p.samples[i])
	}
	p.next = 0
	p.filled = 0
}

// Process folds one raw reading into the window and returns the resulting frame.
func (p *Processor) Process(raw Reading, offsets Offsets, at time.Time) Frame {
	for i := range raw {
		p.samples[i][p.next] = raw[i] - offsets[i]
	}
	p.next = (p.next + 1) % p.window
	if p.filled < p.window {
		p.filled++
	}

	var f Frame
	for i := range f.Quadrants {
		var sum float64
		for j := 0; j < p.filled; j++ {
			sum += p.samples[i][j]
		}
		w := sum / float64(p.filled)
		if w < p.deadZone && w > -p.deadZone {
			w = 0
		}
		if w < 0 {
			w = 0
		}
		f.Quadrants[i] = w
	}

	p.seq++
	f.Seq = p.seq
	f.Time = at
	f.Total = f.Quadrants[TopLeft] + f.Quadrants[TopRight] + f.Quadrants[BottomLeft] + f.Quadrants[BottomRight]
	f.CoM = centerOfMass(f.Quadrants, f.Total)
	return f
}

func centerOfMass(q [NumQuadrants]float64, total float64) Point {
	if total <= Epsilon {
		return Point{}
	}
	right := q[TopRight] + q[BottomRight]
	left := q[TopLeft] + q[BottomLeft]
	top := q[TopLeft] + q[TopRight]
	bottom := q[BottomLeft] + q[BottomRight]
	return Point{
		X: clampUnit((right - left) / total),
		Y: clampUnit((top - bottom) / total),
	}
}

func clampUnit(v float64) float64 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	case v != v: // NaN
		return 0
	}
	return v
}

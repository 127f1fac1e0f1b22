// Package board turns raw readings of a four-sensor balance board into
// calibrated per-quadrant weights and a center of mass, driven by a
// fixed-rate acquisition loop.
package board

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Quadrant is one of the four fixed sensor zones. Values index Reading,
// Offsets and Frame.Quadrants.
type Quadrant int

const (
	TopLeft Quadrant = iota
	TopRight
	BottomLeft
	BottomRight
)

// NumQuadrants is the number of sensors on the board.
const NumQuadrants = 4

// Quadrants lists all quadrants in index order.
var Quadrants = [NumQuadrants]Quadrant{TopLeft, TopRight, BottomLeft, BottomRight}

var quadrantNames = [NumQuadrants]string{"top-left", "top-right", "bottom-left", "bottom-right"}
var quadrantShort = [NumQuadrants]string{"tl", "tr", "bl", "br"}

func (q Quadrant) String() string {
	if q < 0 || int(q) >= NumQuadrants {
		return fmt.Sprintf("quadrant(%d)", int(q))
	}
	return quadrantNames[q]
}

// Short returns the two-letter abbreviation ("tl", "tr", "bl", "br").
func (q Quadrant) Short() string {
	if q < 0 || int(q) >= NumQuadrants {
		return "?"
	}
	return quadrantShort[q]
}

// ParseQuadrant accepts the long ("top-left", "top_left") and short ("tl") forms.
func ParseQuadrant(s string) (Quadrant, error) {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for i := range Quadrants {
		if s == quadrantNames[i] || s == quadrantShort[i] {
			return Quadrant(i), nil
		}
	}
	return 0, fmt.Errorf("unknown quadrant %q", s)
}

// Reading is one raw sample, one value per sensor, in kilograms as reported
// by the device layer.
type Reading [NumQuadrants]float64

// Offsets are the calibration zero points subtracted from every Reading.
type Offsets [NumQuadrants]float64

// Point is a normalized center-of-mass position, both axes in [-1, 1].
// +X is right, +Y is top.
type Point struct {
	X, Y float64
}

// Frame is the immutable result of one acquisition tick.
type Frame struct {
	Seq       uint64
	Time      time.Time
	Quadrants [NumQuadrants]float64
	Total     float64
	CoM       Point
}

// Weight returns the weight on q in kilograms.
func (f Frame) Weight(q Quadrant) float64 {
	return f.Quadrants[q]
}

type frameJSON struct {
	Seq          uint64             `json:"seq"`
	TotalKg      float64            `json:"total_kg"`
	QuadrantsKg  map[string]float64 `json:"quadrants_kg"`
	CenterOfMass [2]float64         `json:"center_of_mass"`
}

// MarshalJSON renders the frame in the presentation format:
// {"total_kg":..,"quadrants_kg":{"top_left":..},"center_of_mass":[x,y]}.
func (f Frame) MarshalJSON() ([]byte, error) {
	q := make(map[string]float64, NumQuadrants)
	for _, qd := range Quadrants {
		q[strings.ReplaceAll(qd.String(), "-", "_")] = f.Quadrants[qd]
	}
	return json.Marshal(frameJSON{
		Seq:          f.Seq,
		TotalKg:      f.Total,
		QuadrantsKg:  q,
		CenterOfMass: [2]float64{f.CoM.X, f.CoM.Y},
	})
}

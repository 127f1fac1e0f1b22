package board

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Calibrator runs the tare procedure: it samples the unloaded board for a
// fixed duration and takes the per-sensor mean as the new zero point.
type Calibrator struct {
	Duration time.Duration
	// Interval between samples; also the deadline of each read.
	Interval time.Duration
	// NoiseBound is the largest per-sensor standard deviation (kg) accepted.
	// A noisier board was most likely not unloaded. Zero disables the check.
	NoiseBound float64
	// MaxRetries is the number of consecutive read timeouts tolerated.
	MaxRetries int
}

// TareResult describes a finished tare.
type TareResult struct {
	Offsets Offsets
	StdDev  [NumQuadrants]float64
	Samples int
}

// Run performs the tare against s. Any failure is returned wrapped in
// ErrCalibrationFailed; the caller keeps its previous offsets.
func (c Calibrator) Run(ctx context.Context, s Session) (TareResult, error) {
	interval := c.Interval
	if interval <= 0 {
		interval = time.Second / 30
	}
	var cols [NumQuadrants][]float64
	failures := 0

	deadline := time.Now().Add(c.Duration)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rctx, cancel := context.WithTimeout(ctx, interval)
		r, err := s.Read(rctx)
		cancel()
		switch {
		case err == nil:
			failures = 0
			for i, v := range r {
				cols[i] = append(cols[i], v)
			}
		case errors.Is(err, ErrReadTimeout) || errors.Is(err, context.DeadlineExceeded):
			failures++
			if failures > c.MaxRetries {
				return TareResult{}, fmt.Errorf("%w: %d consecutive read timeouts: %w", ErrCalibrationFailed, failures, err)
			}
		default:
			return TareResult{}, fmt.Errorf("%w: %w", ErrCalibrationFailed, err)
		}

		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return TareResult{}, fmt.Errorf("%w: %w", ErrCalibrationFailed, ctx.Err())
		case <-ticker.C:
		}
	}

	n := len(cols[0])
	if n == 0 {
		return TareResult{}, fmt.Errorf("%w: no samples received", ErrCalibrationFailed)
	}

	var res TareResult
	res.Samples = n
	for i := range cols {
		mean, variance := stat.MeanVariance(cols[i], nil)
		if n < 2 {
			variance = 0
		}
		sd := math.Sqrt(variance)
		if math.IsNaN(mean) || math.IsInf(mean, 0) {
			return TareResult{}, fmt.Errorf("%w: invalid readings on %s", ErrCalibrationFailed, Quadrant(i))
		}
		if c.NoiseBound > 0 && sd > c.NoiseBound {
			return TareResult{}, fmt.Errorf("%w: %s too noisy (stddev %.3f kg > %.3f kg); step off the board",
				ErrCalibrationFailed, Quadrant(i), sd, c.NoiseBound)
		}
		res.Offsets[i] = mean
		res.StdDev[i] = sd
	}
	return res, nil
}

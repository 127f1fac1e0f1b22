package board_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbbpad/wbbpad/board"
)

func connected(t *testing.T, src board.SourceFunc) *board.Synthetic {
	t.Helper()
	s := board.NewSynthetic(src)
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func TestCalibratorMean(t *testing.T) {
	s := connected(t, func(n uint64) (board.Reading, error) {
		if n%2 == 0 {
			return board.Reading{1, 2, 3, 4}, nil
		}
		return board.Reading{1.2, 2.2, 3.2, 4.2}, nil
	})
	cal := board.Calibrator{Duration: 40 * time.Millisecond, Interval: 2 * time.Millisecond, NoiseBound: 0.5, MaxRetries: 3}

	res, err := cal.Run(context.Background(), s)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Samples, 2)
	for i, want := range []float64{1.1, 2.1, 3.1, 4.1} {
		assert.InDelta(t, want, res.Offsets[i], 0.1)
		assert.LessOrEqual(t, res.StdDev[i], 0.5)
	}
}

func TestCalibratorFailures(t *testing.T) {
	tests := []struct {
		name    string
		source  board.SourceFunc
		retries int
		wantErr error
	}{
		{
			name: "noisy board",
			source: func(n uint64) (board.Reading, error) {
				if n%2 == 0 {
					return board.Reading{0, 0, 0, 0}, nil
				}
				return board.Reading{10, 0, 0, 0}, nil
			},
			retries: 3,
		},
		{
			name: "disconnect",
			source: func(n uint64) (board.Reading, error) {
				if n >= 2 {
					return board.Reading{}, board.ErrDisconnected
				}
				return board.Reading{}, nil
			},
			retries: 3,
			wantErr: board.ErrDisconnected,
		},
		{
			name: "too many timeouts",
			source: func(uint64) (board.Reading, error) {
				return board.Reading{}, board.ErrReadTimeout
			},
			retries: 2,
			wantErr: board.ErrReadTimeout,
		},
		{
			name: "no samples",
			source: func(uint64) (board.Reading, error) {
				return board.Reading{}, board.ErrReadTimeout
			},
			retries: 1 << 20,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := connected(t, tt.source)
			cal := board.Calibrator{Duration: 20 * time.Millisecond, Interval: time.Millisecond, NoiseBound: 0.5, MaxRetries: tt.retries}
			_, err := cal.Run(context.Background(), s)
			require.Error(t, err)
			assert.ErrorIs(t, err, board.ErrCalibrationFailed)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCalibratorCanceled(t *testing.T) {
	s := connected(t, board.Constant(board.Reading{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cal := board.Calibrator{Duration: time.Second, Interval: time.Millisecond}
	_, err := cal.Run(ctx, s)
	assert.ErrorIs(t, err, board.ErrCalibrationFailed)
}

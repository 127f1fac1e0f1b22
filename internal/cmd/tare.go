package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wbbpad/wbbpad/board"
	"github.com/wbbpad/wbbpad/internal/config"
)

// Tare connects to the board, runs one calibration and prints the result.
type Tare struct {
	Board  config.Board  `embed:"" prefix:"board."`
	Device config.Device `embed:""`

	out io.Writer `kong:"-"`
}

// Run is called by Kong when the tare command is executed.
func (t *Tare) Run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return t.Execute(ctx, logger)
}

func (t *Tare) Execute(ctx context.Context, logger *slog.Logger) error {
	out := t.out
	if out == nil {
		out = os.Stdout
	}
	session, err := t.Device.Open(logger)
	if err != nil {
		return err
	}
	if err := session.Connect(ctx); err != nil {
		return err
	}
	defer session.Close()

	cal := t.Board.Calibrator()
	logger.Info("Taring... Please step OFF the board.", "duration", cal.Duration)
	res, err := cal.Run(ctx, session)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%-13s %10s %10s\n", "sensor", "offset_kg", "stddev_kg")
	for _, q := range board.Quadrants {
		fmt.Fprintf(out, "%-13s %10.3f %10.3f\n", q, res.Offsets[q], res.StdDev[q])
	}
	fmt.Fprintf(out, "samples: %d\n", res.Samples)
	return nil
}

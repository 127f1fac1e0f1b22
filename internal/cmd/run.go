package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wbbpad/wbbpad/board"
	"github.com/wbbpad/wbbpad/controller"
	"github.com/wbbpad/wbbpad/engine"
	"github.com/wbbpad/wbbpad/internal/config"
	"github.com/wbbpad/wbbpad/internal/log"
	"github.com/wbbpad/wbbpad/internal/publish"
	"github.com/wbbpad/wbbpad/internal/viiperlink"
	"github.com/wbbpad/wbbpad/mapping"
)

const shutdownTimeout = 5 * time.Second

// Output selects where committed pad states go.
type Output struct {
	Kind   string            `name:"output" help:"Controller output backend" enum:"viiper,log,none" default:"viiper" env:"WBBPAD_OUTPUT"`
	Viiper viiperlink.Config `embed:"" prefix:"viiper."`
}

// open returns the transmitter for the selected backend. link is nil unless
// the backend is viiper.
func (o Output) open(logger *slog.Logger) (tx controller.Transmitter, link *viiperlink.Link, err error) {
	switch o.Kind {
	case "viiper", "":
		link = viiperlink.New(o.Viiper, logger)
		return link, link, nil
	case "log":
		return &controller.LogTransmitter{Logger: logger}, nil, nil
	case "none":
		return nil, nil, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown output %q", mapping.ErrConfigurationInvalid, o.Kind)
}

// Run streams the board into the virtual controller until interrupted.
type Run struct {
	Board   config.Board   `embed:"" prefix:"board."`
	Mapping config.Mapping `embed:""`
	Device  config.Device  `embed:""`
	Output  Output         `embed:""`
	Publish config.Publish `embed:"" prefix:"publish."`
}

// Run is called by Kong when the run command is executed.
func (r *Run) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return r.Start(ctx, logger, rawLogger)
}

// Start runs the pipeline until ctx ends or acquisition halts. A halted
// acquisition is returned as the error.
func (r *Run) Start(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	acq, err := r.Board.Acquisition()
	if err != nil {
		return err
	}
	snap, err := r.Mapping.Snapshot()
	if err != nil {
		return err
	}
	store := mapping.NewStore(snap)
	session, err := r.Device.Open(logger)
	if err != nil {
		return err
	}
	tx, link, err := r.Output.open(logger)
	if err != nil {
		return err
	}

	var hub *publish.Hub
	opts := []engine.Option{engine.WithInterval(acq.Interval())}
	if r.Publish.Listen != "" {
		hub = publish.NewHub(logger)
		opts = append(opts, engine.WithNotify(hub.Output))
	}
	driver := controller.NewDriver(controller.NewPad(tx), logger)
	eng := engine.New(store, driver, logger, opts...)

	sinks := board.MultiSink{eng}
	if hub != nil {
		sinks = append(sinks, hub)
	}
	loop := board.NewLoop(session, acq, sinks, logger, rawLogger)

	reload := func() {
		next, err := r.Mapping.Snapshot()
		if err != nil {
			logger.Error("Mapping reload rejected; keeping the current mapping", "error", err)
			if hub != nil {
				hub.Error(err)
			}
			return
		}
		store.Swap(next)
		logger.Info("Mapping reloaded", "file", r.Mapping.File)
	}

	g, gctx := errgroup.WithContext(ctx)
	auxCtx, stopAux := context.WithCancel(gctx)
	defer stopAux()

	if hub != nil {
		hub.OnReload = reload
		hub.OnTare = func(resume bool) {
			go func() {
				if _, err := loop.Tare(gctx, resume); err != nil {
					logger.Warn("Requested tare failed", "error", err)
				}
			}()
		}
		hub.OnPause = func() {
			go func() {
				if err := loop.Pause(gctx); err != nil {
					logger.Warn("Pause rejected", "error", err)
					hub.Error(err)
					return
				}
				eng.Release()
			}()
		}
		hub.OnResume = func() {
			go func() {
				if err := loop.Resume(gctx); err != nil {
					logger.Warn("Resume rejected", "error", err)
					hub.Error(err)
				}
			}()
		}
		srv := publish.NewServer(r.Publish.Listen, hub, logger)
		g.Go(func() error { return srv.Run(auxCtx) })
	}
	if link != nil {
		g.Go(func() error { return link.Run(auxCtx) })
	}
	g.Go(func() error {
		watchReload(auxCtx, reload)
		return nil
	})

	logger.Info("Starting wbbpad", "device", r.Device.Kind, "output", r.Output.Kind, "rate_hz", acq.PollingRate)
	startErr := loop.Start(gctx)
	if startErr == nil {
		g.Go(func() error {
			<-loop.Done()
			stopAux()
			return loop.Err()
		})
	} else {
		stopAux()
	}
	err = errors.Join(startErr, g.Wait())

	cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := eng.Close(cctx); cerr != nil {
		logger.Debug("Neutral pad state not delivered", "error", cerr)
	}
	if link != nil {
		if cerr := link.Close(cctx); cerr != nil {
			logger.Warn("VIIPER cleanup incomplete", "error", cerr)
		}
	}
	applied, failed := eng.Counts()
	logger.Info("wbbpad stopped", "frames_applied", applied, "frames_failed", failed)
	return err
}

// watchReload swaps in a fresh mapping whenever the process is asked to.
func watchReload(ctx context.Context, reload func()) {
	if len(reloadSignals) == 0 {
		<-ctx.Done()
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, reloadSignals...)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			reload()
		}
	}
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/wbbpad/wbbpad/controller"
)

const (
	keyCtrlC = 0x03
	keyEsc   = 0x1b
)

var padtestKeys = map[rune]controller.Button{
	'a': controller.ButtonA,
	'b': controller.ButtonB,
	'x': controller.ButtonX,
	'y': controller.ButtonY,
}

// Padtest drives the virtual pad from the keyboard without a board attached.
type Padtest struct {
	Output Output        `embed:""`
	Hold   time.Duration `help:"How long a key press holds its button" default:"1s"`
}

// Run is called by Kong when the padtest command is executed.
func (p *Padtest) Run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tx, link, err := p.Output.open(logger)
	if err != nil {
		return err
	}
	if link != nil {
		cctx, cancel := context.WithTimeout(ctx, p.Output.Viiper.ConnectTimeout)
		err := link.Connect(cctx)
		cancel()
		if err != nil {
			return fmt.Errorf("attach virtual pad: %w", err)
		}
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = link.Close(cctx)
		}()
	}

	keys, restore, err := rawKeys(os.Stdin)
	if err != nil {
		return err
	}
	defer restore()

	fmt.Fprint(os.Stdout, "Press a/b/x/y to hold that button, q to quit.\r\n")
	driver := controller.NewDriver(controller.NewPad(tx), logger)
	return runPadtest(ctx, driver, keys, p.Hold, logger)
}

// rawKeys switches f to raw mode when it is a terminal and emits every byte
// read as a key. The channel is closed when reading fails.
func rawKeys(f *os.File) (<-chan rune, func(), error) {
	restore := func() {}
	fd := int(f.Fd())
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return nil, nil, fmt.Errorf("raw terminal: %w", err)
		}
		restore = func() { _ = term.Restore(fd, old) }
	}
	return readKeys(f), restore, nil
}

func readKeys(r io.Reader) <-chan rune {
	ch := make(chan rune, 64)
	go func() {
		defer close(ch)
		var buf [1]byte
		for {
			if _, err := r.Read(buf[:]); err != nil {
				return
			}
			ch <- rune(buf[0])
		}
	}()
	return ch
}

// runPadtest holds the button of each mapped key for hold, releasing it
// afterwards. q, Esc, Ctrl-C, end of input or ctx end quit; the pad is
// neutralized on the way out.
func runPadtest(ctx context.Context, driver *controller.Driver, keys <-chan rune, hold time.Duration, logger *slog.Logger) error {
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := driver.Shutdown(sctx); err != nil {
			logger.Debug("neutral state not delivered", "error", err)
		}
	}()

	release := time.NewTimer(hold)
	release.Stop()
	apply := func(buttons controller.ButtonSet) {
		actx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := driver.Apply(actx, controller.Desired{Buttons: buttons}); err != nil {
			logger.Warn("Pad update failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-release.C:
			apply(0)
		case k, ok := <-keys:
			if !ok {
				return nil
			}
			switch k {
			case 'q', 'Q', keyEsc, keyCtrlC:
				return nil
			}
			b, mapped := padtestKeys[k]
			if !mapped {
				continue
			}
			logger.Info("Holding button", "button", b, "for", hold)
			apply(controller.NewButtonSet(b))
			release.Reset(hold)
		}
	}
}

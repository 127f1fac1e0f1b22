// Package serialboard implements board.Session over a serial line.
//
// The device speaks a line protocol: the host sends "R\n" and the board
// answers with one line of four whitespace separated weights in kilograms,
// ordered top-left, top-right, bottom-left, bottom-right.
package serialboard

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/wbbpad/wbbpad/board"
)

// Config selects and parameterizes the serial port.
type Config struct {
	Port        string        `help:"Serial port of the board (e.g. /dev/ttyUSB0, COM3)" env:"WBBPAD_SERIAL_PORT"`
	Baud        int           `help:"Baud rate" default:"115200" env:"WBBPAD_SERIAL_BAUD"`
	ReadTimeout time.Duration `help:"Driver level read timeout" default:"100ms"`
}

var requestSample = []byte("R\n")

// Opener opens the underlying byte stream.
type Opener func() (io.ReadWriteCloser, error)

type line struct {
	text string
	err  error
}

// Board is a serial balance board session.
type Board struct {
	open   Opener
	logger *slog.Logger
	// idleEOF treats empty reads ending in io.EOF as a driver read timeout,
	// which is how tarm/serial reports VTIME expiry.
	idleEOF bool

	mu    sync.Mutex
	port  io.ReadWriteCloser
	lines chan line
	quit  chan struct{}
}

// New returns a session that opens cfg.Port with tarm/serial on Connect.
func New(cfg Config, logger *slog.Logger) *Board {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	open := func() (io.ReadWriteCloser, error) {
		if cfg.Port == "" {
			return nil, errors.New("no serial port configured")
		}
		return serial.OpenPort(&serial.Config{
			Name:        cfg.Port,
			Baud:        cfg.Baud,
			Parity:      serial.ParityNone,
			Size:        8,
			StopBits:    serial.Stop1,
			ReadTimeout: cfg.ReadTimeout,
		})
	}
	b := NewWithOpener(open, logger)
	b.idleEOF = true
	return b
}

// NewWithOpener returns a session over an arbitrary stream.
func NewWithOpener(open Opener, logger *slog.Logger) *Board {
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{open: open, logger: logger}
}

func (b *Board) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", board.ErrDeviceUnavailable, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port != nil {
		return nil
	}
	port, err := b.open()
	if err != nil {
		return fmt.Errorf("%w: %w", board.ErrDeviceUnavailable, err)
	}
	b.port = port
	b.lines = make(chan line, 4)
	b.quit = make(chan struct{})
	go b.pump(port, b.lines, b.quit)
	b.logger.Debug("serial board opened")
	return nil
}

// pump owns all reads from the port and forwards complete lines.
func (b *Board) pump(r io.Reader, out chan<- line, quit <-chan struct{}) {
	defer close(out)
	var partial bytes.Buffer
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			partial.Write(buf[:n])
			for {
				i := bytes.IndexByte(partial.Bytes(), '\n')
				if i < 0 {
					break
				}
				text := strings.TrimSpace(string(partial.Next(i + 1)))
				if text == "" {
					continue
				}
				select {
				case out <- line{text: text}:
				case <-quit:
					return
				}
			}
		}
		if err != nil {
			if n == 0 && b.idleEOF && errors.Is(err, io.EOF) {
				select {
				case <-quit:
					return
				default:
					continue
				}
			}
			select {
			case out <- line{err: err}:
			case <-quit:
			}
			return
		}
	}
}

// Read requests one sample and waits for the answer until ctx expires.
func (b *Board) Read(ctx context.Context) (board.Reading, error) {
	b.mu.Lock()
	port, lines := b.port, b.lines
	b.mu.Unlock()
	if port == nil {
		return board.Reading{}, board.ErrDisconnected
	}

	// A late answer to a request that already timed out must not be taken
	// for this one.
	for drained := false; !drained; {
		select {
		case l, ok := <-lines:
			if !ok || l.err != nil {
				return board.Reading{}, disconnected(l.err)
			}
			b.logger.Debug("discarding stale sample", "line", l.text)
		default:
			drained = true
		}
	}

	if _, err := port.Write(requestSample); err != nil {
		return board.Reading{}, disconnected(err)
	}
	select {
	case l, ok := <-lines:
		if !ok || l.err != nil {
			return board.Reading{}, disconnected(l.err)
		}
		return ParseSample(l.text)
	case <-ctx.Done():
		return board.Reading{}, fmt.Errorf("%w: %w", board.ErrReadTimeout, ctx.Err())
	}
}

func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil
	}
	close(b.quit)
	err := b.port.Close()
	b.port = nil
	return err
}

func disconnected(err error) error {
	if err == nil {
		err = io.EOF
	}
	return fmt.Errorf("%w: %w", board.ErrDisconnected, err)
}

// ParseSample parses one "tl tr bl br" answer line.
func ParseSample(text string) (board.Reading, error) {
	var r board.Reading
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Split(bufio.ScanWords)
	i := 0
	for sc.Scan() {
		if i == board.NumQuadrants {
			return board.Reading{}, fmt.Errorf("malformed sample %q: too many fields", text)
		}
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return board.Reading{}, fmt.Errorf("malformed sample %q: %w", text, err)
		}
		r[i] = v
		i++
	}
	if i != board.NumQuadrants {
		return board.Reading{}, fmt.Errorf("malformed sample %q: want %d fields, got %d", text, board.NumQuadrants, i)
	}
	return r, nil
}

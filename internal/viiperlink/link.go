// Package viiperlink attaches an emulated Xbox 360 pad to a VIIPER USB-IP
// server and streams controller state to it.
package viiperlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/wbbpad/wbbpad/controller"
)

const deviceType = "xbox360"

// Config is the viiper section of the command line.
type Config struct {
	Addr           string        `help:"VIIPER API server address" default:"localhost:3242" env:"WBBPAD_VIIPER_ADDR"`
	Password       string        `help:"VIIPER API password (empty when the server runs without one)" env:"WBBPAD_VIIPER_PASSWORD"`
	Bus            uint32        `help:"Bus to attach the pad to; 0 reuses the first existing bus or creates one" default:"0" env:"WBBPAD_VIIPER_BUS"`
	ConnectTimeout time.Duration `help:"Timeout for attaching the pad" default:"10s"`
	RetryInterval  time.Duration `help:"Delay between reconnect attempts" default:"2s"`
}

// Link is a controller.Transmitter backed by a VIIPER device stream. It is
// kept connected by Run; while disconnected every Transmit reports
// controller.ErrOutputUnavailable.
type Link struct {
	cfg       Config
	transport *Transport
	client    *Client
	logger    *slog.Logger

	// OnRumble, when set, receives motor commands sent back by the host.
	OnRumble func(controller.RumbleState)

	mu         sync.Mutex
	stream     net.Conn
	broken     chan struct{}
	dev        *Device
	busID      uint32
	createdBus bool
}

func New(cfg Config, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	tcfg := defaultTransportConfig()
	tcfg.Password = cfg.Password
	t := NewTransport(cfg.Addr, &tcfg, logger)
	return &Link{cfg: cfg, transport: t, client: NewClient(t), logger: logger}
}

// Connected reports whether a device stream is open.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stream != nil
}

// Device returns the attached device, if any.
func (l *Link) Device() (Device, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dev == nil {
		return Device{}, false
	}
	return *l.dev, true
}

// Connect attaches a new pad and opens its stream. A pad left over from a
// lost stream is removed first.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.stream != nil {
		l.mu.Unlock()
		return nil
	}
	stale := l.dev
	l.dev = nil
	l.mu.Unlock()

	if stale != nil {
		if err := l.client.DeviceRemove(ctx, stale.BusID, stale.DevID); err != nil {
			l.logger.Debug("stale pad not removed", "bus", stale.BusID, "device", stale.DevID, "error", err)
		}
	}

	busID, created, err := l.ensureBus(ctx)
	if err != nil {
		return fmt.Errorf("ensure bus: %w", err)
	}
	l.mu.Lock()
	l.busID = busID
	l.createdBus = l.createdBus || created
	l.mu.Unlock()

	dev, err := l.client.DeviceAdd(ctx, busID, deviceType)
	if err != nil {
		return fmt.Errorf("add %s device: %w", deviceType, err)
	}
	conn, err := l.openStream(ctx, dev)
	if err != nil {
		if rerr := l.client.DeviceRemove(ctx, dev.BusID, dev.DevID); rerr != nil {
			l.logger.Debug("pad not removed after failed stream", "error", rerr)
		}
		return fmt.Errorf("open stream: %w", err)
	}

	l.mu.Lock()
	l.stream = conn
	l.dev = dev
	l.broken = make(chan struct{})
	l.mu.Unlock()

	go l.readFeedback(conn)
	l.logger.Info("Virtual Xbox 360 pad attached", "addr", l.cfg.Addr, "bus", dev.BusID, "device", dev.DevID)
	return nil
}

func (l *Link) ensureBus(ctx context.Context) (uint32, bool, error) {
	buses, err := l.client.BusList(ctx)
	if err != nil {
		return 0, false, err
	}
	want := l.cfg.Bus
	if want == 0 {
		l.mu.Lock()
		want = l.busID
		l.mu.Unlock()
	}
	if want != 0 && slices.Contains(buses, want) {
		return want, false, nil
	}
	if want == 0 && len(buses) > 0 {
		return buses[0], false, nil
	}
	id, err := l.client.BusCreate(ctx, want)
	if err != nil {
		return 0, false, err
	}
	l.logger.Info("Created VIIPER bus", "bus", id)
	return id, true, nil
}

func (l *Link) openStream(ctx context.Context, dev *Device) (net.Conn, error) {
	conn, err := l.transport.dial(ctx)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := fmt.Fprintf(conn, "bus/%d/%s\x00", dev.BusID, dev.DevID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write stream path: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// readFeedback consumes the 2-byte rumble messages of the stream. A read
// error marks the stream broken.
func (l *Link) readFeedback(conn net.Conn) {
	var buf [2]byte
	for {
		if _, err := io.ReadFull(conn, buf[:]); err != nil {
			l.drop(conn, err)
			return
		}
		var r controller.RumbleState
		if err := r.UnmarshalBinary(buf[:]); err != nil {
			continue
		}
		l.logger.Debug("rumble", "left", r.LeftMotor, "right", r.RightMotor)
		if l.OnRumble != nil {
			l.OnRumble(r)
		}
	}
}

// drop forgets conn if it is still the current stream.
func (l *Link) drop(conn net.Conn, cause error) {
	l.mu.Lock()
	if l.stream != conn {
		l.mu.Unlock()
		return
	}
	l.stream = nil
	close(l.broken)
	l.mu.Unlock()
	conn.Close()
	if !errors.Is(cause, net.ErrClosed) {
		l.logger.Warn("VIIPER stream lost", "error", cause)
	}
}

// Transmit writes one 20-byte input state. The write is bounded by the ctx
// deadline (100ms without one).
func (l *Link) Transmit(ctx context.Context, st *controller.InputState) error {
	l.mu.Lock()
	conn := l.stream
	l.mu.Unlock()
	if conn == nil {
		return controller.ErrOutputUnavailable
	}
	data, err := st.MarshalBinary()
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(100 * time.Millisecond)
	}
	_ = conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(data); err != nil {
		l.drop(conn, err)
		return fmt.Errorf("%w: %w", controller.ErrOutputUnavailable, err)
	}
	return nil
}

// Run keeps the pad attached until ctx ends, reconnecting after failures.
func (l *Link) Run(ctx context.Context) error {
	warned := false
	for {
		if !l.Connected() {
			cctx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
			err := l.Connect(cctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if !warned {
					l.logger.Warn("VIIPER server unavailable; frames keep flowing without output",
						"addr", l.cfg.Addr, "retry", l.cfg.RetryInterval, "error", err)
					warned = true
				} else {
					l.logger.Debug("VIIPER reconnect failed", "error", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(l.cfg.RetryInterval):
				}
				continue
			}
			warned = false
		}

		l.mu.Lock()
		broken := l.broken
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil
		case <-broken:
		}
	}
}

// Close detaches the pad and removes the bus if this link created it.
func (l *Link) Close(ctx context.Context) error {
	l.mu.Lock()
	conn := l.stream
	if conn != nil {
		l.stream = nil
		close(l.broken)
	}
	dev := l.dev
	l.dev = nil
	bus, created := l.busID, l.createdBus
	l.createdBus = false
	l.mu.Unlock()

	var errs []error
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	if dev != nil {
		if err := l.client.DeviceRemove(ctx, dev.BusID, dev.DevID); err != nil {
			errs = append(errs, fmt.Errorf("remove device %s: %w", dev.DevID, err))
		}
	}
	if created {
		if err := l.client.BusRemove(ctx, bus); err != nil {
			errs = append(errs, fmt.Errorf("remove bus %d: %w", bus, err))
		}
	}
	if dev != nil {
		l.logger.Info("Virtual pad detached", "bus", dev.BusID, "device", dev.DevID)
	}
	return errors.Join(errs...)
}

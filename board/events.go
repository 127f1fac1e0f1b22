package board

import (
	"sync"
	"sync/atomic"
)

// TarePhase is a step of the tare lifecycle.
type TarePhase int

const (
	TareStarted TarePhase = iota
	TareSucceeded
	TareFailed
)

func (p TarePhase) String() string {
	switch p {
	case TareStarted:
		return "started"
	case TareSucceeded:
		return "succeeded"
	case TareFailed:
		return "failed"
	}
	return "unknown"
}

// TareEvent reports tare progress. Result is set on success, Err on failure.
type TareEvent struct {
	Phase  TarePhase
	Result TareResult
	Err    error
}

// EventSink receives everything the acquisition loop produces. All methods
// are called from the loop goroutine and must not block it for longer than
// a polling interval.
type EventSink interface {
	Frame(f Frame)
	Status(text string)
	Error(err error)
	Tare(ev TareEvent)
	// Finished is called exactly once per run; no frame follows it.
	Finished(err error)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Frame(Frame)    {}
func (NopSink) Status(string)  {}
func (NopSink) Error(error)    {}
func (NopSink) Tare(TareEvent) {}
func (NopSink) Finished(error) {}

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Frame(f Frame) {
	for _, s := range m {
		s.Frame(f)
	}
}

func (m MultiSink) Status(text string) {
	for _, s := range m {
		s.Status(text)
	}
}

func (m MultiSink) Error(err error) {
	for _, s := range m {
		s.Error(err)
	}
}

func (m MultiSink) Tare(ev TareEvent) {
	for _, s := range m {
		s.Tare(ev)
	}
}

func (m MultiSink) Finished(err error) {
	for _, s := range m {
		s.Finished(err)
	}
}

// EventKind tags an Event delivered through a ChanSink.
type EventKind int

const (
	EventFrame EventKind = iota
	EventStatus
	EventError
	EventTare
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventStatus:
		return "status"
	case EventError:
		return "error"
	case EventTare:
		return "tare"
	case EventFinished:
		return "finished"
	}
	return "unknown"
}

// Event is the channel form of an EventSink call.
type Event struct {
	Kind  EventKind
	Frame Frame
	Text  string
	Err   error
	Tare  TareEvent
}

// ChanSink forwards events to a bounded channel without ever blocking the
// producer: an event that does not fit in the buffer is dropped and counted.
// Finished is delivered by sending a final EventFinished (when room allows)
// and closing the channel; Final reports it either way.
type ChanSink struct {
	ch      chan Event
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
	final   atomic.Pointer[Event]
}

func NewChanSink(size int) *ChanSink {
	if size < 1 {
		size = 1
	}
	return &ChanSink{ch: make(chan Event, size)}
}

// Events returns the receive side. It is closed after Finished.
func (c *ChanSink) Events() <-chan Event { return c.ch }

// Dropped returns how many events were discarded because the consumer lagged.
func (c *ChanSink) Dropped() uint64 { return c.dropped.Load() }

// Final returns the finished event once the sink is closed, even if it could
// not be queued.
func (c *ChanSink) Final() (Event, bool) {
	if ev := c.final.Load(); ev != nil {
		return *ev, true
	}
	return Event{}, false
}

func (c *ChanSink) send(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- ev:
	default:
		c.dropped.Add(1)
	}
}

func (c *ChanSink) Frame(f Frame)      { c.send(Event{Kind: EventFrame, Frame: f}) }
func (c *ChanSink) Status(text string) { c.send(Event{Kind: EventStatus, Text: text}) }
func (c *ChanSink) Error(err error)    { c.send(Event{Kind: EventError, Err: err}) }
func (c *ChanSink) Tare(ev TareEvent)  { c.send(Event{Kind: EventTare, Tare: ev}) }

func (c *ChanSink) Finished(err error) {
	c.once.Do(func() {
		ev := Event{Kind: EventFinished, Err: err}
		c.final.Store(&ev)
		c.send(ev)
		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
}

package board

import (
	"context"
	"errors"
)

var (
	// ErrDeviceUnavailable means a session could not be opened.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrReadTimeout is a transient read failure; the loop retries it.
	ErrReadTimeout = errors.New("read timeout")
	// ErrDisconnected means the device went away; never retried.
	ErrDisconnected = errors.New("device disconnected")
	// ErrCalibrationFailed is returned by a tare that could not establish
	// new offsets. Previous offsets stay in effect.
	ErrCalibrationFailed = errors.New("calibration failed")

	ErrNotRunning      = errors.New("acquisition loop not running")
	ErrSessionFaulted  = errors.New("session faulted; reconnect required")
	ErrTareInProgress  = errors.New("tare already in progress")
	ErrAlreadyStarted  = errors.New("acquisition loop already started")
	ErrInvalidSettings = errors.New("invalid board settings")
)

// Session is the raw connection to a physical board. Implementations are only
// ever called from one goroutine at a time.
type Session interface {
	// Connect opens the device. It returns an error wrapping
	// ErrDeviceUnavailable when the board cannot be reached.
	Connect(ctx context.Context) error
	// Read returns one raw sample. It must honor the ctx deadline, returning
	// an error wrapping ErrReadTimeout when it expires and ErrDisconnected
	// when the device is gone.
	Read(ctx context.Context) (Reading, error)
	Close() error
}

// State is the lifecycle state of a board session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected // connected, not calibrated
	StateCalibrating
	StateReady // calibrated, not streaming
	StateStreaming
	StateError
	StateStopped
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateCalibrating:  "calibrating",
	StateReady:        "ready",
	StateStreaming:    "streaming",
	StateError:        "error",
	StateStopped:      "stopped",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// transitions lists the legal moves of the session state machine.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateReady, StateError, StateStopped},
	StateConnected:    {StateCalibrating, StateStreaming, StateError, StateStopped},
	StateCalibrating:  {StateReady, StateConnected, StateStreaming, StateError, StateStopped},
	StateReady:        {StateCalibrating, StateStreaming, StateError, StateStopped},
	StateStreaming:    {StateCalibrating, StateReady, StateConnected, StateError, StateStopped},
	StateError:        {StateConnecting},
	StateStopped:      {StateConnecting},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

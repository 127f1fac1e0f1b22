// Package config holds the command line settings shared by the wbbpad
// commands and loads mapping files.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/wbbpad/wbbpad/board"
	"github.com/wbbpad/wbbpad/board/serialboard"
	"github.com/wbbpad/wbbpad/mapping"
)

// Board is the acquisition section.
type Board struct {
	TareDuration     time.Duration `help:"How long a tare samples the unloaded board" default:"3s" env:"WBBPAD_BOARD_TARE_DURATION"`
	PollingRate      int           `help:"Board polling rate in Hz" default:"30" env:"WBBPAD_BOARD_POLLING_RATE"`
	AveragingSamples int           `help:"Moving average window in samples" default:"5" env:"WBBPAD_BOARD_AVERAGING_SAMPLES"`
	DeadZone         float64       `help:"Per-quadrant weights below this many kg read as zero" default:"0.2" env:"WBBPAD_BOARD_DEAD_ZONE"`
	MaxReadRetries   int           `help:"Consecutive failed reads tolerated before the session faults" default:"3" env:"WBBPAD_BOARD_MAX_READ_RETRIES"`
	TareNoiseBound   float64       `help:"Largest per-sensor standard deviation in kg a tare accepts" default:"0.5" env:"WBBPAD_BOARD_TARE_NOISE_BOUND"`
	TareOnStart      bool          `help:"Tare before streaming" default:"true" negatable:"" env:"WBBPAD_BOARD_TARE_ON_START"`
}

// Acquisition converts the section into loop settings and validates them.
func (b Board) Acquisition() (board.Config, error) {
	cfg := board.Config{
		PollingRate:      b.PollingRate,
		AveragingSamples: b.AveragingSamples,
		DeadZone:         b.DeadZone,
		MaxReadRetries:   b.MaxReadRetries,
		TareDuration:     b.TareDuration,
		TareNoiseBound:   b.TareNoiseBound,
		TareOnStart:      b.TareOnStart,
	}
	if err := cfg.Validate(); err != nil {
		return board.Config{}, err
	}
	return cfg, nil
}

// Calibrator returns the tare settings of the section.
func (b Board) Calibrator() board.Calibrator {
	return board.Calibrator{
		Duration:   b.TareDuration,
		Interval:   board.Config{PollingRate: b.PollingRate}.Interval(),
		NoiseBound: b.TareNoiseBound,
		MaxRetries: b.MaxReadRetries,
	}
}

// Thresholds are the press thresholds in kg.
type Thresholds struct {
	TopLeft     float64 `help:"Press threshold for the top-left quadrant (kg)" default:"10"`
	TopRight    float64 `help:"Press threshold for the top-right quadrant (kg)" default:"10"`
	BottomLeft  float64 `help:"Press threshold for the bottom-left quadrant (kg)" default:"10"`
	BottomRight float64 `help:"Press threshold for the bottom-right quadrant (kg)" default:"10"`
}

// Buttons assigns a pad button to each quadrant.
type Buttons struct {
	TopLeft     string `help:"Button for the top-left quadrant" default:"a"`
	TopRight    string `help:"Button for the top-right quadrant" default:"b"`
	BottomLeft  string `help:"Button for the bottom-left quadrant" default:"x"`
	BottomRight string `help:"Button for the bottom-right quadrant" default:"y"`
}

// Combos assigns an action to each quadrant pair. Actions are a button name,
// stick-<direction>, dpad-<direction> or disabled.
type Combos struct {
	Top          string `help:"Action for top-left + top-right" default:"disabled"`
	Bottom       string `help:"Action for bottom-left + bottom-right" default:"disabled"`
	Left         string `help:"Action for top-left + bottom-left" default:"disabled"`
	Right        string `help:"Action for top-right + bottom-right" default:"disabled"`
	Diagonal     string `help:"Action for top-left + bottom-right" default:"disabled"`
	AntiDiagonal string `help:"Action for top-right + bottom-left" default:"disabled"`
}

// Mapping is everything that turns a frame into pad output.
type Mapping struct {
	Thresholds Thresholds `embed:"" prefix:"thresholds."`
	Buttons    Buttons    `embed:"" prefix:"buttons."`
	Combos     Combos     `embed:"" prefix:"combos."`
	File       string     `name:"mapping-file" help:"JSON, YAML or TOML mapping file layered over the flags; re-read on SIGHUP" type:"path" env:"WBBPAD_MAPPING_FILE"`
}

// Settings renders the flag values in mapping form.
func (m Mapping) Settings() mapping.Settings {
	return mapping.Settings{
		Thresholds: map[string]float64{
			board.TopLeft.String():     m.Thresholds.TopLeft,
			board.TopRight.String():    m.Thresholds.TopRight,
			board.BottomLeft.String():  m.Thresholds.BottomLeft,
			board.BottomRight.String(): m.Thresholds.BottomRight,
		},
		Buttons: map[string]string{
			board.TopLeft.String():     m.Buttons.TopLeft,
			board.TopRight.String():    m.Buttons.TopRight,
			board.BottomLeft.String():  m.Buttons.BottomLeft,
			board.BottomRight.String(): m.Buttons.BottomRight,
		},
		Combos: map[string]string{
			mapping.PairTop.String():          m.Combos.Top,
			mapping.PairBottom.String():       m.Combos.Bottom,
			mapping.PairLeft.String():         m.Combos.Left,
			mapping.PairRight.String():        m.Combos.Right,
			mapping.PairDiagonal.String():     m.Combos.Diagonal,
			mapping.PairAntiDiagonal.String(): m.Combos.AntiDiagonal,
		},
	}
}

// Snapshot compiles the flags and then the mapping file, if any. Either
// layer failing leaves nothing half applied.
func (m Mapping) Snapshot() (*mapping.Snapshot, error) {
	snap, err := m.Settings().Compile(mapping.Default())
	if err != nil {
		return nil, err
	}
	if m.File == "" {
		return snap, nil
	}
	fs, err := LoadMappingFile(m.File)
	if err != nil {
		return nil, err
	}
	snap, err = fs.Compile(snap)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.File, err)
	}
	return snap, nil
}

// Synthetic configures the in-process demo board.
type Synthetic struct {
	Pattern string `help:"Demo load pattern" enum:"idle,stand,sway,steps" default:"idle" env:"WBBPAD_SYNTHETIC_PATTERN"`
}

// restingBaseline is what an unloaded board typically reports before a tare.
var restingBaseline = board.Reading{2.1, 1.8, 2.4, 2.0}

// Device selects and configures the board session.
type Device struct {
	Kind      string             `name:"device" help:"Board source" enum:"serial,synthetic" default:"serial" env:"WBBPAD_DEVICE"`
	Serial    serialboard.Config `embed:"" prefix:"serial."`
	Synthetic Synthetic          `embed:"" prefix:"synthetic."`
}

// Open returns an unconnected session for the selected source.
func (d Device) Open(logger *slog.Logger) (board.Session, error) {
	switch d.Kind {
	case "synthetic":
		src, err := board.Pattern(d.Synthetic.Pattern, restingBaseline)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", mapping.ErrConfigurationInvalid, err)
		}
		return board.NewSynthetic(src), nil
	case "serial", "":
		return serialboard.New(d.Serial, logger), nil
	}
	return nil, fmt.Errorf("%w: unknown device %q", mapping.ErrConfigurationInvalid, d.Kind)
}

// Publish configures the websocket event feed.
type Publish struct {
	Listen string `help:"Serve board events over websocket on this address (empty disables)" env:"WBBPAD_PUBLISH_LISTEN"`
}

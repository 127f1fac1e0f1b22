package mapping

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/wbbpad/wbbpad/board"
	"github.com/wbbpad/wbbpad/controller"
)

// ErrConfigurationInvalid is returned for mapping settings that name
// unknown buttons, actions, quadrants or carry an unusable threshold.
// Disabled or missing entries are never invalid.
var ErrConfigurationInvalid = errors.New("invalid configuration")

// DefaultThreshold is the stock press threshold of every quadrant, in kg.
const DefaultThreshold = 10.0

// Snapshot is one immutable, complete mapping configuration.
type Snapshot struct {
	Thresholds Thresholds
	Buttons    ButtonMapping
	Combos     CombinationMapping
}

// Default returns 10 kg thresholds, TL→A, TR→B, BL→X, BR→Y and no
// combinations.
func Default() *Snapshot {
	return &Snapshot{
		Thresholds: Thresholds{DefaultThreshold, DefaultThreshold, DefaultThreshold, DefaultThreshold},
		Buttons:    ButtonMapping{controller.ButtonA, controller.ButtonB, controller.ButtonX, controller.ButtonY},
	}
}

// Reachable is the set of buttons this snapshot can ever produce.
func (s *Snapshot) Reachable() controller.ButtonSet {
	var set controller.ButtonSet
	for _, b := range s.Buttons {
		set = set.With(b)
	}
	for _, a := range s.Combos {
		if a.Kind == ActionButton {
			set = set.With(a.Button)
		}
	}
	return set
}

// Desired runs the classifier and resolver for f against this snapshot.
func (s *Snapshot) Desired(f board.Frame) Resolution {
	return ResolveDetailed(Classify(f, s.Thresholds), s.Buttons, s.Combos)
}

// Store publishes snapshots to the acquisition goroutine. Readers always see
// a whole snapshot, never a mix of two.
type Store struct {
	p atomic.Pointer[Snapshot]
}

// NewStore returns a store holding initial, or Default when nil.
func NewStore(initial *Snapshot) *Store {
	if initial == nil {
		initial = Default()
	}
	s := &Store{}
	s.p.Store(initial)
	return s
}

func (s *Store) Load() *Snapshot { return s.p.Load() }

// Swap installs next and returns the previous snapshot. The caller must not
// modify next afterwards.
func (s *Store) Swap(next *Snapshot) *Snapshot {
	if next == nil {
		return s.p.Load()
	}
	return s.p.Swap(next)
}

// Settings is the textual form of a Snapshot as found in flags and mapping
// files. Keys are quadrant names (top-left or tl) and pair names (top,
// bottom, left, right, diagonal, anti-diagonal or tl+tr). Missing keys keep
// the value of the base snapshot.
type Settings struct {
	Thresholds map[string]float64 `json:"thresholds,omitempty" yaml:"thresholds,omitempty" toml:"thresholds,omitempty"`
	Buttons    map[string]string  `json:"buttons,omitempty" yaml:"buttons,omitempty" toml:"buttons,omitempty"`
	Combos     map[string]string  `json:"combos,omitempty" yaml:"combos,omitempty" toml:"combos,omitempty"`
}

// Compile overlays s on base and returns a new snapshot. All problems are
// reported together.
func (s Settings) Compile(base *Snapshot) (*Snapshot, error) {
	if base == nil {
		base = Default()
	}
	out := *base
	var errs []error

	for _, k := range sortedKeys(s.Thresholds) {
		v := s.Thresholds[k]
		q, err := board.ParseQuadrant(k)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: thresholds: %w", ErrConfigurationInvalid, err))
			continue
		}
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Errorf("%w: threshold for %s must be a finite value >= 0, got %v", ErrConfigurationInvalid, q, v))
			continue
		}
		out.Thresholds[q] = v
	}
	for _, k := range sortedKeys(s.Buttons) {
		q, err := board.ParseQuadrant(k)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: buttons: %w", ErrConfigurationInvalid, err))
			continue
		}
		b, ok := controller.ParseButton(s.Buttons[k])
		if !ok {
			errs = append(errs, fmt.Errorf("%w: unknown button %q for %s (valid: %s)",
				ErrConfigurationInvalid, s.Buttons[k], q, strings.Join(controller.ButtonNames(), ", ")))
			continue
		}
		out.Buttons[q] = b
	}
	for _, k := range sortedKeys(s.Combos) {
		p, err := ParsePair(k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a, err := ParseAction(s.Combos[k])
		if err != nil {
			errs = append(errs, fmt.Errorf("combo %s: %w", p, err))
			continue
		}
		out.Combos[p] = a
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settings renders the snapshot in textual form.
func (s *Snapshot) Settings() Settings {
	out := Settings{
		Thresholds: make(map[string]float64, board.NumQuadrants),
		Buttons:    make(map[string]string, board.NumQuadrants),
		Combos:     make(map[string]string, NumPairs),
	}
	for _, q := range board.Quadrants {
		out.Thresholds[q.String()] = s.Thresholds[q]
		out.Buttons[q.String()] = s.Buttons[q].String()
	}
	for _, p := range Pairs {
		out.Combos[p.String()] = s.Combos[p].String()
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

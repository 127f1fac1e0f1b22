package mapping

import (
	"fmt"
	"strings"

	"github.com/wbbpad/wbbpad/board"
	"github.com/wbbpad/wbbpad/controller"
)

// Pair is one of the six canonical quadrant pairs. Its value is also the
// evaluation order of the resolver.
type Pair int

const (
	PairTop          Pair = iota // TL+TR
	PairBottom                   // BL+BR
	PairLeft                     // TL+BL
	PairRight                    // TR+BR
	PairDiagonal                 // TL+BR
	PairAntiDiagonal             // TR+BL
)

const NumPairs = 6

// Pairs lists the pairs in evaluation order.
var Pairs = [NumPairs]Pair{PairTop, PairBottom, PairLeft, PairRight, PairDiagonal, PairAntiDiagonal}

var pairQuadrants = [NumPairs][2]board.Quadrant{
	{board.TopLeft, board.TopRight},
	{board.BottomLeft, board.BottomRight},
	{board.TopLeft, board.BottomLeft},
	{board.TopRight, board.BottomRight},
	{board.TopLeft, board.BottomRight},
	{board.TopRight, board.BottomLeft},
}

var pairNames = [NumPairs]string{"top", "bottom", "left", "right", "diagonal", "anti-diagonal"}

// Quadrants returns the two quadrants of p.
func (p Pair) Quadrants() (board.Quadrant, board.Quadrant) {
	q := pairQuadrants[p]
	return q[0], q[1]
}

func (p Pair) String() string {
	if p < 0 || int(p) >= NumPairs {
		return fmt.Sprintf("pair(%d)", int(p))
	}
	return pairNames[p]
}

// ParsePair accepts the pair names ("top", "anti-diagonal") and quadrant
// notation in either order ("tl+tr", "br+tl").
func ParsePair(s string) (Pair, error) {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for i, n := range pairNames {
		if s == n {
			return Pair(i), nil
		}
	}
	if a, b, ok := strings.Cut(s, "+"); ok {
		qa, errA := board.ParseQuadrant(a)
		qb, errB := board.ParseQuadrant(b)
		if errA == nil && errB == nil {
			for i, q := range pairQuadrants {
				if (q[0] == qa && q[1] == qb) || (q[0] == qb && q[1] == qa) {
					return Pair(i), nil
				}
			}
		}
	}
	return 0, fmt.Errorf("%w: unknown quadrant pair %q", ErrConfigurationInvalid, s)
}

// ActionKind tags what a combination produces.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionButton
	ActionStick
	ActionDpad
)

// Action is the output bound to a combination.
type Action struct {
	Kind   ActionKind
	Button controller.Button
	// StickX and StickY are the unit direction of a stick action (-1, 0, 1).
	StickX, StickY int8
	Dpad           controller.Direction
}

// Disabled reports whether a produces no output.
func (a Action) Disabled() bool {
	switch a.Kind {
	case ActionButton:
		return a.Button == controller.ButtonNone
	case ActionStick:
		return a.StickX == 0 && a.StickY == 0
	case ActionDpad:
		return a.Dpad == 0
	}
	return true
}

func ButtonAction(b controller.Button) Action {
	return Action{Kind: ActionButton, Button: b}
}

func DpadAction(d controller.Direction) Action {
	return Action{Kind: ActionDpad, Dpad: d}
}

// StickAction returns a full deflection towards (x, y); +y is up.
func StickAction(x, y int8) Action {
	return Action{Kind: ActionStick, StickX: sign(x), StickY: sign(y)}
}

func sign(v int8) int8 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

var stickDirections = map[string][2]int8{
	"up":         {0, 1},
	"down":       {0, -1},
	"left":       {-1, 0},
	"right":      {1, 0},
	"up-left":    {-1, 1},
	"up-right":   {1, 1},
	"down-left":  {-1, -1},
	"down-right": {1, -1},
}

func (a Action) String() string {
	switch a.Kind {
	case ActionButton:
		if a.Button != controller.ButtonNone {
			return a.Button.String()
		}
	case ActionStick:
		for name, d := range stickDirections {
			if d[0] == a.StickX && d[1] == a.StickY {
				return "stick-" + name
			}
		}
	case ActionDpad:
		if a.Dpad != 0 {
			return "dpad-" + a.Dpad.String()
		}
	}
	return "disabled"
}

// ParseAction parses a combination output: "stick-<dir>" with dir one of
// up, down, left, right, up-left, up-right, down-left, down-right;
// "dpad-<dir>" with dir one of up, down, left, right; or any button name.
// "", "none" and "disabled" yield a disabled action.
func ParseAction(s string) (Action, error) {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	switch s {
	case "", "none", "disabled", "off":
		return Action{}, nil
	}
	if dir, ok := strings.CutPrefix(s, "stick-"); ok {
		d, ok := stickDirections[dir]
		if !ok {
			return Action{}, fmt.Errorf("%w: unknown stick direction %q", ErrConfigurationInvalid, dir)
		}
		return StickAction(d[0], d[1]), nil
	}
	if dir, ok := strings.CutPrefix(s, "dpad-"); ok {
		d, ok := controller.ParseDirection(dir)
		if !ok {
			return Action{}, fmt.Errorf("%w: unknown d-pad direction %q", ErrConfigurationInvalid, dir)
		}
		return DpadAction(d), nil
	}
	b, ok := controller.ParseButton(s)
	if !ok {
		return Action{}, fmt.Errorf("%w: unknown action %q", ErrConfigurationInvalid, s)
	}
	if b == controller.ButtonNone {
		return Action{}, nil
	}
	return ButtonAction(b), nil
}

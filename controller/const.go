package controller

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// Button is a discrete controller button. Values are the XInput bitmask
// bits, so a ButtonSet maps directly onto InputState.Buttons.
type Button uint32

// Button bitmasks for the emulated Xbox 360 controller (XInput compatible).
const (
	ButtonNone      Button = 0
	ButtonStart     Button = 0x0010
	ButtonBack      Button = 0x0020
	ButtonLThumb    Button = 0x0040 // Left stick button
	ButtonRThumb    Button = 0x0080 // Right stick button
	ButtonLShoulder Button = 0x0100 // Left bumper (LB)
	ButtonRShoulder Button = 0x0200 // Right bumper (RB)
	ButtonGuide     Button = 0x0400
	ButtonA         Button = 0x1000
	ButtonB         Button = 0x2000
	ButtonX         Button = 0x4000
	ButtonY         Button = 0x8000
)

// D-pad bits share the XInput button word.
const (
	dpadUpBit    uint32 = 0x0001
	dpadDownBit  uint32 = 0x0002
	dpadLeftBit  uint32 = 0x0004
	dpadRightBit uint32 = 0x0008
	dpadMask            = dpadUpBit | dpadDownBit | dpadLeftBit | dpadRightBit
)

// StickMax is the largest magnitude of a single stick axis.
const StickMax int16 = 32767

var buttonNames = map[Button]string{
	ButtonA:         "a",
	ButtonB:         "b",
	ButtonX:         "x",
	ButtonY:         "y",
	ButtonStart:     "start",
	ButtonBack:      "back",
	ButtonGuide:     "guide",
	ButtonLShoulder: "lb",
	ButtonRShoulder: "rb",
	ButtonLThumb:    "ls",
	ButtonRThumb:    "rs",
}

var buttonAliases = map[string]Button{
	"lshoulder": ButtonLShoulder,
	"rshoulder": ButtonRShoulder,
	"lthumb":    ButtonLThumb,
	"rthumb":    ButtonRThumb,
	"select":    ButtonBack,
	"home":      ButtonGuide,
}

func (b Button) String() string {
	if b == ButtonNone {
		return "none"
	}
	if n, ok := buttonNames[b]; ok {
		return n
	}
	return fmt.Sprintf("button(0x%04x)", uint32(b))
}

// ButtonNames lists the accepted button names in a stable order.
func ButtonNames() []string {
	out := make([]string, 0, len(buttonNames))
	for _, n := range buttonNames {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ParseButton resolves a button name. Empty, "none" and "disabled" yield
// ButtonNone with ok=true.
func ParseButton(s string) (Button, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "none", "disabled", "off":
		return ButtonNone, true
	}
	for b, n := range buttonNames {
		if n == s {
			return b, true
		}
	}
	if b, ok := buttonAliases[s]; ok {
		return b, true
	}
	return ButtonNone, false
}

// ButtonSet is a set of discrete buttons packed into the XInput bit layout.
type ButtonSet uint32

func NewButtonSet(bs ...Button) ButtonSet {
	var s ButtonSet
	for _, b := range bs {
		s = s.With(b)
	}
	return s
}

func (s ButtonSet) With(b Button) ButtonSet         { return s | ButtonSet(b) }
func (s ButtonSet) Without(b Button) ButtonSet      { return s &^ ButtonSet(b) }
func (s ButtonSet) Has(b Button) bool               { return b != ButtonNone && s&ButtonSet(b) == ButtonSet(b) }
func (s ButtonSet) Minus(o ButtonSet) ButtonSet     { return s &^ o }
func (s ButtonSet) Union(o ButtonSet) ButtonSet     { return s | o }
func (s ButtonSet) Intersect(o ButtonSet) ButtonSet { return s & o }
func (s ButtonSet) Empty() bool                     { return s == 0 }
func (s ButtonSet) Len() int                        { return bits.OnesCount32(uint32(s)) }

// Buttons returns the members of s in ascending bit order.
func (s ButtonSet) Buttons() []Button {
	var out []Button
	for v := uint32(s); v != 0; v &= v - 1 {
		out = append(out, Button(v&-v))
	}
	return out
}

func (s ButtonSet) String() string {
	bs := s.Buttons()
	names := make([]string, len(bs))
	for i, b := range bs {
		names[i] = b.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Direction is a D-pad direction.
type Direction uint8

const (
	DpadUp Direction = 1 << iota
	DpadDown
	DpadLeft
	DpadRight
)

var directionNames = map[Direction]string{
	DpadUp:    "up",
	DpadDown:  "down",
	DpadLeft:  "left",
	DpadRight: "right",
}

func (d Direction) String() string {
	if n, ok := directionNames[d]; ok {
		return n
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

// ParseDirection resolves "up", "down", "left" or "right".
func ParseDirection(s string) (Direction, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d, n := range directionNames {
		if n == s {
			return d, true
		}
	}
	return 0, false
}

// DpadSet is a set of D-pad directions.
type DpadSet uint8

func (s DpadSet) With(d Direction) DpadSet { return s | DpadSet(d) }
func (s DpadSet) Has(d Direction) bool     { return s&DpadSet(d) != 0 }
func (s DpadSet) Empty() bool              { return s == 0 }

func (s DpadSet) String() string {
	var names []string
	for _, d := range []Direction{DpadUp, DpadDown, DpadLeft, DpadRight} {
		if s.Has(d) {
			names = append(names, d.String())
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}

// bits returns the XInput button-word bits for the set.
func (s DpadSet) bits() uint32 {
	var b uint32
	if s.Has(DpadUp) {
		b |= dpadUpBit
	}
	if s.Has(DpadDown) {
		b |= dpadDownBit
	}
	if s.Has(DpadLeft) {
		b |= dpadLeftBit
	}
	if s.Has(DpadRight) {
		b |= dpadRightBit
	}
	return b
}

func dpadFromBits(b uint32) DpadSet {
	var s DpadSet
	if b&dpadUpBit != 0 {
		s = s.With(DpadUp)
	}
	if b&dpadDownBit != 0 {
		s = s.With(DpadDown)
	}
	if b&dpadLeftBit != 0 {
		s = s.With(DpadLeft)
	}
	if b&dpadRightBit != 0 {
		s = s.With(DpadRight)
	}
	return s
}

// Stick is an analog stick vector. Each axis is bounded to ±StickMax.
type Stick struct {
	X, Y int16
}

// Desired is the controller output computed for one tick.
type Desired struct {
	Buttons ButtonSet
	Stick   Stick
	Dpad    DpadSet
}

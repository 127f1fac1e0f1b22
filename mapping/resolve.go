// Package mapping turns calibrated board frames into controller output:
// quadrants over their threshold count as pressed, pairs of pressed
// quadrants may fire a combination, and whatever is left resolves to the
// quadrant's own button.
package mapping

import (
	"github.com/wbbpad/wbbpad/board"
	"github.com/wbbpad/wbbpad/controller"
)

// Thresholds are the per-quadrant press thresholds in kilograms.
type Thresholds [board.NumQuadrants]float64

// ButtonMapping binds each quadrant to a button; ButtonNone disables it.
type ButtonMapping [board.NumQuadrants]controller.Button

// CombinationMapping binds each Pair to an Action.
type CombinationMapping [NumPairs]Action

// PressState tells which quadrants are pressed this tick.
type PressState [board.NumQuadrants]bool

// Classify marks a quadrant pressed when its weight is strictly above its
// threshold. There is no hysteresis: a weight hovering at the threshold can
// toggle every tick.
func Classify(f board.Frame, t Thresholds) PressState {
	var p PressState
	for i, w := range f.Quadrants {
		p[i] = w > t[i]
	}
	return p
}

// Resolution is the outcome of Resolve with the bookkeeping that led to it.
type Resolution struct {
	Desired controller.Desired
	// Activated lists the pairs that fired, in evaluation order.
	Activated []Pair
	// Individual lists the pressed quadrants that fell through to their own
	// button mapping (whether or not that mapping is disabled).
	Individual []board.Quadrant
	Consumed   [board.NumQuadrants]bool
}

// Resolve computes the desired controller output for one tick.
func Resolve(press PressState, buttons ButtonMapping, combos CombinationMapping) controller.Desired {
	return ResolveDetailed(press, buttons, combos).Desired
}

// ResolveDetailed walks the pairs in fixed order. A pair activates when both
// its quadrants are pressed, neither was claimed by an earlier pair and its
// action is enabled. Activation claims both quadrants. Pressed quadrants left
// unclaimed resolve through buttons.
func ResolveDetailed(press PressState, buttons ButtonMapping, combos CombinationMapping) Resolution {
	var res Resolution
	var sx, sy int32
	var comboButtons controller.ButtonSet

	for _, p := range Pairs {
		a, b := p.Quadrants()
		act := combos[p]
		if !press[a] || !press[b] || res.Consumed[a] || res.Consumed[b] || act.Disabled() {
			continue
		}
		res.Consumed[a], res.Consumed[b] = true, true
		res.Activated = append(res.Activated, p)

		switch act.Kind {
		case ActionStick:
			sx += int32(act.StickX) * int32(controller.StickMax)
			sy += int32(act.StickY) * int32(controller.StickMax)
		case ActionDpad:
			res.Desired.Dpad = res.Desired.Dpad.With(act.Dpad)
		case ActionButton:
			comboButtons = comboButtons.With(act.Button)
		}
	}

	var individual controller.ButtonSet
	for _, q := range board.Quadrants {
		if !press[q] || res.Consumed[q] {
			continue
		}
		res.Individual = append(res.Individual, q)
		individual = individual.With(buttons[q])
	}

	res.Desired.Buttons = individual.Union(comboButtons)
	res.Desired.Stick = controller.Stick{X: clampStick(sx), Y: clampStick(sy)}
	return res
}

func clampStick(v int32) int16 {
	m := int32(controller.StickMax)
	switch {
	case v > m:
		return controller.StickMax
	case v < -m:
		return -controller.StickMax
	}
	return int16(v)
}

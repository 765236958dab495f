// Package results holds the per-state range action activation snapshot and
// the flow and margin helpers shared by the optimizer and the result sink.
package results

import (
	"math"
	"sort"

	"github.com/signalsfoundry/rao/model"
)

// ActivationEpsilon is the setpoint change under which a range action is not
// considered activated.
const ActivationEpsilon = 1e-6

// Setpoints maps range action ids to setpoints.
type Setpoints map[string]float64

// Clone returns a copy.
func (s Setpoints) Clone() Setpoints {
	c := make(Setpoints, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// RangeActionActivation records, for each optimized state, the setpoint chosen
// for each range action. States without an explicit value inherit the value
// of the closest preceding state, then the reference setpoints.
type RangeActionActivation struct {
	reference Setpoints
	states    []model.State
	byState   map[string]Setpoints
}

// NewRangeActionActivation constructs an activation over the ordered states,
// starting from the reference (pre-optimization) setpoints.
func NewRangeActionActivation(reference Setpoints, states []model.State) *RangeActionActivation {
	ordered := append([]model.State(nil), states...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Instant.Order < ordered[j].Instant.Order
	})
	return &RangeActionActivation{
		reference: reference.Clone(),
		states:    ordered,
		byState:   make(map[string]Setpoints),
	}
}

// States returns the optimized states in instant order.
func (a *RangeActionActivation) States() []model.State {
	return append([]model.State(nil), a.states...)
}

// Reference returns the setpoint before optimization.
func (a *RangeActionActivation) Reference(raID string) (float64, bool) {
	v, ok := a.reference[raID]
	return v, ok
}

// ReferenceSetpoints returns a copy of the setpoints before optimization.
func (a *RangeActionActivation) ReferenceSetpoints() Setpoints { return a.reference.Clone() }

// SetSetpoint records the setpoint of a range action at a state.
func (a *RangeActionActivation) SetSetpoint(state model.State, raID string, v float64) {
	sp, ok := a.byState[state.ID()]
	if !ok {
		sp = make(Setpoints)
		a.byState[state.ID()] = sp
	}
	sp[raID] = v
}

// Setpoint returns the setpoint of a range action at a state.
func (a *RangeActionActivation) Setpoint(state model.State, raID string) float64 {
	if v, ok := a.byState[state.ID()][raID]; ok {
		return v
	}
	return a.PreviousSetpoint(state, raID)
}

// PreviousSetpoint returns the setpoint the range action had before state.
func (a *RangeActionActivation) PreviousSetpoint(state model.State, raID string) float64 {
	for i := len(a.states) - 1; i >= 0; i-- {
		prev := a.states[i]
		if !prev.Precedes(state) {
			continue
		}
		if v, ok := a.byState[prev.ID()][raID]; ok {
			return v
		}
	}
	return a.reference[raID]
}

// IsActivated reports whether the range action moved at state.
func (a *RangeActionActivation) IsActivated(state model.State, raID string) bool {
	v, ok := a.byState[state.ID()][raID]
	if !ok {
		return false
	}
	return math.Abs(v-a.PreviousSetpoint(state, raID)) > ActivationEpsilon
}

// ActivatedRangeActions returns the ids of the range actions moved at state,
// sorted.
func (a *RangeActionActivation) ActivatedRangeActions(state model.State) []string {
	var ids []string
	for id := range a.byState[state.ID()] {
		if a.IsActivated(state, id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Tap returns the PST tap at state.
func (a *RangeActionActivation) Tap(state model.State, ra *model.RangeAction) int {
	return ra.ConvertAngleToTap(a.Setpoint(state, ra.ID))
}

// SetpointsAt returns every explicit or inherited setpoint of the given range
// actions at state.
func (a *RangeActionActivation) SetpointsAt(state model.State, ras []*model.RangeAction) Setpoints {
	sp := make(Setpoints, len(ras))
	for _, ra := range ras {
		sp[ra.ID] = a.Setpoint(state, ra.ID)
	}
	return sp
}

// Equal reports whether both activations hold the same setpoints within eps
// for every recorded (state, range action).
func (a *RangeActionActivation) Equal(b *RangeActionActivation, eps float64) bool {
	seen := make(map[string]bool)
	for _, st := range append(a.States(), b.States()...) {
		if seen[st.ID()] {
			continue
		}
		seen[st.ID()] = true
		ids := make(map[string]bool)
		for id := range a.byState[st.ID()] {
			ids[id] = true
		}
		for id := range b.byState[st.ID()] {
			ids[id] = true
		}
		for id := range ids {
			if math.Abs(a.Setpoint(st, id)-b.Setpoint(st, id)) > eps {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy.
func (a *RangeActionActivation) Clone() *RangeActionActivation {
	c := &RangeActionActivation{
		reference: a.reference.Clone(),
		states:    append([]model.State(nil), a.states...),
		byState:   make(map[string]Setpoints, len(a.byState)),
	}
	for id, sp := range a.byState {
		c.byState[id] = sp.Clone()
	}
	return c
}

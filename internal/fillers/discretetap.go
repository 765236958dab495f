package fillers

import (
	"fmt"

	"github.com/signalsfoundry/rao/internal/linearproblem"
	"github.com/signalsfoundry/rao/internal/results"
	"github.com/signalsfoundry/rao/model"
)

// DiscretePstFiller ties each PST angle to an integer tap through the tap to
// angle slope around the current tap.
type DiscretePstFiller struct{}

// NewDiscretePstFiller constructs a DiscretePstFiller.
func NewDiscretePstFiller() *DiscretePstFiller { return &DiscretePstFiller{} }

// Fill implements Filler.
func (f *DiscretePstFiller) Fill(lp *linearproblem.Problem, in Input) error {
	for _, st := range in.Perimeter.AllOptimizedStates() {
		for _, ra := range pstsAt(in, st) {
			s, err := SetpointVariable(lp, ra.ID, st)
			if err != nil {
				return fmt.Errorf("discrete pst filler: %w", err)
			}
			lo, hi := lp.Bounds(s)
			minTap, maxTap := ra.Taps.ClosestTap(lo), ra.Taps.ClosestTap(hi)
			if minTap > maxTap {
				minTap, maxTap = maxTap, minTap
			}
			if _, err := lp.AddIntVariable(key(RangeActionEntity(ra.ID, st), linearproblem.RoleTap), float64(minTap), float64(maxTap)); err != nil {
				return fmt.Errorf("discrete pst filler: %w", err)
			}
		}
	}
	return f.relink(lp, in, in.Setpoints)
}

// Update implements Filler.
func (f *DiscretePstFiller) Update(lp *linearproblem.Problem, in Input) error {
	return f.relink(lp, in, in.Setpoints)
}

// UpdateBetweenMipIterations implements MipUpdater: the slope is taken around
// the tap of the last solution.
func (f *DiscretePstFiller) UpdateBetweenMipIterations(lp *linearproblem.Problem, in Input, activation *results.RangeActionActivation) error {
	return f.relink(lp, in, activation)
}

// relink writes S - step*T = angle(t0) - step*t0, t0 being the current tap.
func (f *DiscretePstFiller) relink(lp *linearproblem.Problem, in Input, setpoints *results.RangeActionActivation) error {
	for _, st := range in.Perimeter.AllOptimizedStates() {
		for _, ra := range pstsAt(in, st) {
			s, err := SetpointVariable(lp, ra.ID, st)
			if err != nil {
				return fmt.Errorf("discrete pst filler: %w", err)
			}
			t, err := TapVariable(lp, ra.ID, st)
			if err != nil {
				return fmt.Errorf("discrete pst filler: %w", err)
			}
			cur := ra.ConvertAngleToTap(setpoints.Setpoint(st, ra.ID))
			step := ra.Taps.LocalAngleStep(cur)
			rhs := ra.Taps.Angle(cur) - step*float64(cur)
			c, err := ensureConstraint(lp, key(RangeActionEntity(ra.ID, st), linearproblem.RoleTapToAngle), rhs, rhs)
			if err != nil {
				return fmt.Errorf("discrete pst filler: %w", err)
			}
			lp.SetCoefficient(c, s, 1)
			lp.SetCoefficient(c, t, -step)
		}
	}
	return nil
}

func pstsAt(in Input, st model.State) []*model.RangeAction {
	var out []*model.RangeAction
	for _, ra := range in.Perimeter.RangeActionsAt(st.ID()) {
		if ra.Kind == model.KindPst && ra.Taps != nil {
			out = append(out, ra)
		}
	}
	return out
}

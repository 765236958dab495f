package fillers

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/rao/internal/linearproblem"
	"github.com/signalsfoundry/rao/model"
)

// UnoptimizedCnecFiller lets some optimized CNECs leave the min margin. A
// binary per CNEC side is 1 when the CNEC takes part in the min margin and 0
// when it is left out, which is only allowed:
//   - for CNECs of unoptimized operators, while their margin does not
//     decrease below the pre-perimeter one;
//   - for CNECs in series with a PST, while the PST can still bring the flow
//     back within the thresholds.
type UnoptimizedCnecFiller struct {
	operators map[string]bool
	series    map[string]*model.RangeAction
}

// NewUnoptimizedCnecFiller constructs an UnoptimizedCnecFiller.
func NewUnoptimizedCnecFiller(operators []string, series map[string]*model.RangeAction) *UnoptimizedCnecFiller {
	f := &UnoptimizedCnecFiller{operators: make(map[string]bool, len(operators)), series: series}
	for _, op := range operators {
		f.operators[op] = true
	}
	return f
}

// Fill implements Filler. It must run after the margin filler.
func (f *UnoptimizedCnecFiller) Fill(lp *linearproblem.Problem, in Input) error {
	return f.Update(lp, in)
}

// Update implements Filler. It must run right after the margin filler update,
// which resets the rows this filler relaxes.
func (f *UnoptimizedCnecFiller) Update(lp *linearproblem.Problem, in Input) error {
	unit := in.Parameters.ObjectiveFunction.Unit.Model()
	highest := highestThreshold(in.Perimeter.OptimizedFlowCnecs(), model.Megawatt)
	for _, cnec := range in.Perimeter.OptimizedFlowCnecs() {
		if stateFailed(in, cnec.StateID) {
			continue
		}
		pst, inSeries := f.series[cnec.ID]
		if !inSeries && !f.operators[cnec.Operator] {
			continue
		}
		for _, side := range cnec.Sides() {
			var err error
			if inSeries {
				err = f.pstLimitation(lp, in, cnec, side, pst, highest, unit)
			} else {
				err = f.marginDecrease(lp, in, cnec, side, highest, unit)
			}
			if err != nil {
				return fmt.Errorf("unoptimized cnec filler: %w", err)
			}
		}
	}
	return nil
}

// marginDecrease writes max - F >= preMargin and F - min >= preMargin,
// relaxed when the CNEC is optimized.
func (f *UnoptimizedCnecFiller) marginDecrease(lp *linearproblem.Problem, in Input, cnec *model.FlowCnec, side model.Side, highest float64, unit model.Unit) error {
	entity := CnecEntity(cnec.ID, side)
	fv, err := FlowVariable(lp, cnec.ID, side)
	if err != nil {
		return err
	}
	preFlow, err := referenceFlow(in, in.PrePerimeterFlows, cnec, side)
	if err != nil {
		return err
	}
	preMargin := cnec.MarginOnSide(side, preFlow)
	bigM := 20 * highest
	o, err := ensureBinary(lp, key(entity, linearproblem.RoleOptimizeCnec))
	if err != nil {
		return err
	}
	if hi, ok := cnec.UpperBound(side); ok {
		c, err := ensureConstraint(lp, key(entity, linearproblem.RoleDontOptimizeBelow), preMargin-hi, linearproblem.Infinity)
		if err != nil {
			return err
		}
		lp.SetCoefficient(c, fv, -1)
		lp.SetCoefficient(c, o, bigM)
	}
	if lo, ok := cnec.LowerBound(side); ok {
		c, err := ensureConstraint(lp, key(entity, linearproblem.RoleDontOptimizeAbove), preMargin+lo, linearproblem.Infinity)
		if err != nil {
			return err
		}
		lp.SetCoefficient(c, fv, 1)
		lp.SetCoefficient(c, o, bigM)
	}
	relaxMarginRows(lp, in, cnec, side, o, bigM, unit)
	return nil
}

// pstLimitation writes that the flow reached with the PST at its most
// relieving setpoint stays within the thresholds, relaxed when the CNEC is
// optimized.
func (f *UnoptimizedCnecFiller) pstLimitation(lp *linearproblem.Problem, in Input, cnec *model.FlowCnec, side model.Side, pst *model.RangeAction, highest float64, unit model.Unit) error {
	entity := CnecEntity(cnec.ID, side)
	cnecState, ok := in.Perimeter.State(cnec.StateID)
	if !ok {
		return fmt.Errorf("cnec %s: unknown state %s", cnec.ID, cnec.StateID)
	}
	pstState, ok := in.Perimeter.LastRangeActionState(cnecState, pst.ID)
	if !ok {
		return nil
	}
	fv, err := FlowVariable(lp, cnec.ID, side)
	if err != nil {
		return err
	}
	s, err := SetpointVariable(lp, pst.ID, pstState)
	if err != nil {
		return err
	}
	sens, ok := in.Sensitivity.Sensitivity(pst.ID, cnec.ID, side)
	if !ok {
		return fmt.Errorf("sensitivity of %s on %s: %w", pst.ID, entity, ErrMissingSensitivity)
	}
	minS, maxS := pst.AbsoluteAdmissibleRange()
	bigM := math.Abs(sens)*(maxS-minS) + 2*highest
	o, err := ensureBinary(lp, key(entity, linearproblem.RoleOptimizeCnec))
	if err != nil {
		return err
	}
	if hi, ok := cnec.UpperBound(side); ok {
		relieving := maxS
		if sens > 0 {
			relieving = minS
		}
		c, err := ensureConstraint(lp, key(entity, linearproblem.RoleDontOptimizeBelow), -linearproblem.Infinity, hi-sens*relieving)
		if err != nil {
			return err
		}
		lp.SetCoefficient(c, fv, 1)
		lp.SetCoefficient(c, s, -sens)
		lp.SetCoefficient(c, o, -bigM)
	}
	if lo, ok := cnec.LowerBound(side); ok {
		relieving := minS
		if sens > 0 {
			relieving = maxS
		}
		c, err := ensureConstraint(lp, key(entity, linearproblem.RoleDontOptimizeAbove), lo-sens*relieving, linearproblem.Infinity)
		if err != nil {
			return err
		}
		lp.SetCoefficient(c, fv, 1)
		lp.SetCoefficient(c, s, -sens)
		lp.SetCoefficient(c, o, bigM)
	}
	relaxMarginRows(lp, in, cnec, side, o, bigM, unit)
	return nil
}

// relaxMarginRows adds bigM*O to the min margin rows of a CNEC side and
// raises their upper bound by bigM, so the rows bind only when O = 1.
func relaxMarginRows(lp *linearproblem.Problem, in Input, cnec *model.FlowCnec, side model.Side, o linearproblem.VarHandle, bigM float64, unit model.Unit) {
	entity := CnecEntity(cnec.ID, side)
	absolute := bigM * cnec.UnitConversion(side, unit)
	relative := absolute
	if in.Parameters.RelativeMargins != nil && in.Parameters.RelativeMargins.PtdfSumLowerBound > 0 {
		relative = absolute / in.Parameters.RelativeMargins.PtdfSumLowerBound
	}
	rows := []struct {
		role linearproblem.Role
		m    float64
	}{
		{linearproblem.RoleMinMarginBelow, absolute},
		{linearproblem.RoleMinMarginAbove, absolute},
		{linearproblem.RoleMinRelativeMarginBelow, relative},
		{linearproblem.RoleMinRelativeMarginAbove, relative},
	}
	for _, r := range rows {
		c, err := lp.Constraint(key(entity, r.role))
		if err != nil {
			continue
		}
		lb, ub := lp.ConstraintBounds(c)
		lp.SetCoefficient(c, o, r.m)
		lp.SetConstraintBounds(c, lb, ub+r.m)
	}
}

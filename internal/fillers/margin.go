package fillers

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/rao/internal/linearproblem"
	"github.com/signalsfoundry/rao/model"
)

// MaxMinMarginFiller maximises the smallest margin of the optimized CNECs.
type MaxMinMarginFiller struct{}

// NewMaxMinMarginFiller constructs a MaxMinMarginFiller.
func NewMaxMinMarginFiller() *MaxMinMarginFiller { return &MaxMinMarginFiller{} }

// Fill implements Filler.
func (f *MaxMinMarginFiller) Fill(lp *linearproblem.Problem, in Input) error {
	mm, err := ensureVariable(lp, key(objectiveEntity, linearproblem.RoleMinMargin), -linearproblem.Infinity, minMarginCap)
	if err != nil {
		return fmt.Errorf("max min margin filler: %w", err)
	}
	lp.SetObjectiveCoefficient(mm, -1)
	return f.Update(lp, in)
}

// Update implements Filler. Rows of CNECs whose state recovered are added.
func (f *MaxMinMarginFiller) Update(lp *linearproblem.Problem, in Input) error {
	mm, err := MinMarginVariable(lp)
	if err != nil {
		return fmt.Errorf("max min margin filler: %w", err)
	}
	unit := in.Parameters.ObjectiveFunction.Unit.Model()
	for _, cnec := range in.Perimeter.OptimizedFlowCnecs() {
		if stateFailed(in, cnec.StateID) {
			continue
		}
		for _, side := range cnec.Sides() {
			if err := addMarginRows(lp, mm, cnec, side, unit); err != nil {
				return fmt.Errorf("max min margin filler: %w", err)
			}
		}
	}
	return nil
}

// addMarginRows writes MM <= k*(max - F) and MM <= k*(F - min), k turning
// MW into the objective unit.
func addMarginRows(lp *linearproblem.Problem, mm linearproblem.VarHandle, cnec *model.FlowCnec, side model.Side, unit model.Unit) error {
	entity := CnecEntity(cnec.ID, side)
	fv, err := FlowVariable(lp, cnec.ID, side)
	if err != nil {
		return err
	}
	k := cnec.UnitConversion(side, unit)
	if hi, ok := cnec.UpperBound(side); ok {
		c, err := ensureConstraint(lp, key(entity, linearproblem.RoleMinMarginBelow), -linearproblem.Infinity, k*hi)
		if err != nil {
			return err
		}
		lp.SetCoefficient(c, mm, 1)
		lp.SetCoefficient(c, fv, k)
	}
	if lo, ok := cnec.LowerBound(side); ok {
		c, err := ensureConstraint(lp, key(entity, linearproblem.RoleMinMarginAbove), -linearproblem.Infinity, -k*lo)
		if err != nil {
			return err
		}
		lp.SetCoefficient(c, mm, 1)
		lp.SetCoefficient(c, fv, -k)
	}
	return nil
}

// highestThreshold returns the largest threshold of cnecs in unit.
func highestThreshold(cnecs []*model.FlowCnec, unit model.Unit) float64 {
	best := 0.0
	for _, cnec := range cnecs {
		for _, side := range cnec.Sides() {
			best = math.Max(best, cnec.HighestThreshold()*cnec.UnitConversion(side, unit))
		}
	}
	return best
}

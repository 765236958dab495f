package fillers

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/rao/internal/linearproblem"
)

// MnecFiller keeps monitored CNECs from losing more than the acceptable
// margin against the initial situation. Violations are allowed at a cost.
type MnecFiller struct{}

// NewMnecFiller constructs a MnecFiller.
func NewMnecFiller() *MnecFiller { return &MnecFiller{} }

// Fill implements Filler.
func (f *MnecFiller) Fill(lp *linearproblem.Problem, in Input) error {
	return f.Update(lp, in)
}

// Update implements Filler.
func (f *MnecFiller) Update(lp *linearproblem.Problem, in Input) error {
	params := in.Parameters.Mnec
	if params == nil {
		return nil
	}
	for _, cnec := range in.Perimeter.MonitoredFlowCnecs() {
		if stateFailed(in, cnec.StateID) {
			continue
		}
		for _, side := range cnec.Sides() {
			entity := CnecEntity(cnec.ID, side)
			fv, err := FlowVariable(lp, cnec.ID, side)
			if err != nil {
				return fmt.Errorf("mnec filler: %w", err)
			}
			initial, err := referenceFlow(in, in.InitialFlows, cnec, side)
			if err != nil {
				return fmt.Errorf("mnec filler: %w", err)
			}
			v, err := ensureVariable(lp, key(entity, linearproblem.RoleMnecViolation), 0, linearproblem.Infinity)
			if err != nil {
				return fmt.Errorf("mnec filler: %w", err)
			}
			lp.SetObjectiveCoefficient(v, params.ViolationCost)

			if hi, ok := cnec.UpperBound(side); ok {
				ub := math.Max(hi, initial+params.AcceptableMarginDecrease) - params.ConstraintAdjustmentCoefficient
				c, err := ensureConstraint(lp, key(entity, linearproblem.RoleMnecAbove), -linearproblem.Infinity, ub)
				if err != nil {
					return fmt.Errorf("mnec filler: %w", err)
				}
				lp.SetCoefficient(c, fv, 1)
				lp.SetCoefficient(c, v, -1)
			}
			if lo, ok := cnec.LowerBound(side); ok {
				lb := math.Min(lo, initial-params.AcceptableMarginDecrease) + params.ConstraintAdjustmentCoefficient
				c, err := ensureConstraint(lp, key(entity, linearproblem.RoleMnecBelow), lb, linearproblem.Infinity)
				if err != nil {
					return fmt.Errorf("mnec filler: %w", err)
				}
				lp.SetCoefficient(c, fv, 1)
				lp.SetCoefficient(c, v, 1)
			}
		}
	}
	return nil
}

package fillers

import (
	"fmt"

	"github.com/signalsfoundry/rao/internal/linearproblem"
	"github.com/signalsfoundry/rao/internal/objective"
	"github.com/signalsfoundry/rao/internal/results"
	"github.com/signalsfoundry/rao/model"
)

// LoopFlowFiller bounds the loop-flow, flow minus commercial flow, of the
// loop-flow CNECs. Violations are allowed at a cost.
type LoopFlowFiller struct{}

// NewLoopFlowFiller constructs a LoopFlowFiller.
func NewLoopFlowFiller() *LoopFlowFiller { return &LoopFlowFiller{} }

// Fill implements Filler.
func (f *LoopFlowFiller) Fill(lp *linearproblem.Problem, in Input) error {
	return f.Update(lp, in)
}

// Update implements Filler. Commercial flows are re-read so the bounds follow
// the latest computation.
func (f *LoopFlowFiller) Update(lp *linearproblem.Problem, in Input) error {
	params := in.Parameters.LoopFlow
	if params == nil {
		return nil
	}
	var initial results.Flows = in.Sensitivity
	if in.InitialFlows != nil {
		initial = in.InitialFlows
	}
	for _, cnec := range in.Perimeter.LoopFlowCnecs() {
		if stateFailed(in, cnec.StateID) {
			continue
		}
		sides := cnec.Sides()
		if len(sides) == 0 {
			continue
		}
		side := sides[0]
		entity := CnecEntity(cnec.ID, side)
		fv, err := FlowVariable(lp, cnec.ID, side)
		if err != nil {
			return fmt.Errorf("loop-flow filler: %w", err)
		}
		commercial, err := commercialFlow(in, cnec, side)
		if err != nil {
			return fmt.Errorf("loop-flow filler: %w", err)
		}
		limit := objective.LoopFlowLimit(cnec, initial, params)

		v, err := ensureVariable(lp, key(entity, linearproblem.RoleLoopFlowViolation), 0, linearproblem.Infinity)
		if err != nil {
			return fmt.Errorf("loop-flow filler: %w", err)
		}
		lp.SetObjectiveCoefficient(v, params.ViolationCost)

		above, err := ensureConstraint(lp, key(entity, linearproblem.RoleLoopFlowAbove), -linearproblem.Infinity,
			commercial+limit-params.ConstraintAdjustmentCoefficient)
		if err != nil {
			return fmt.Errorf("loop-flow filler: %w", err)
		}
		lp.SetCoefficient(above, fv, 1)
		lp.SetCoefficient(above, v, -1)

		below, err := ensureConstraint(lp, key(entity, linearproblem.RoleLoopFlowBelow),
			commercial-limit+params.ConstraintAdjustmentCoefficient, linearproblem.Infinity)
		if err != nil {
			return fmt.Errorf("loop-flow filler: %w", err)
		}
		lp.SetCoefficient(below, fv, 1)
		lp.SetCoefficient(below, v, 1)
	}
	return nil
}

func commercialFlow(in Input, cnec *model.FlowCnec, side model.Side) (float64, error) {
	if v, ok := in.Sensitivity.CommercialFlow(cnec.ID, side); ok {
		return v, nil
	}
	if in.PrePerimeterFlows != nil {
		if v, ok := in.PrePerimeterFlows.CommercialFlow(cnec.ID, side); ok {
			return v, nil
		}
	}
	return 0, fmt.Errorf("commercial flow of %s: %w", CnecEntity(cnec.ID, side), ErrMissingSensitivity)
}

package fillers

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/rao/internal/linearproblem"
	"github.com/signalsfoundry/rao/model"
)

// RelativeMarginFiller maximises the min margin while it is negative and the
// min relative margin, the margin divided by the absolute zonal PTDF sum,
// once every margin is positive. A binary switch selects the regime.
type RelativeMarginFiller struct {
	maxMin MaxMinMarginFiller
}

// NewRelativeMarginFiller constructs a RelativeMarginFiller.
func NewRelativeMarginFiller() *RelativeMarginFiller { return &RelativeMarginFiller{} }

// Fill implements Filler.
func (f *RelativeMarginFiller) Fill(lp *linearproblem.Problem, in Input) error {
	if err := f.maxMin.Fill(lp, in); err != nil {
		return err
	}
	return f.build(lp, in)
}

// Update implements Filler.
func (f *RelativeMarginFiller) Update(lp *linearproblem.Problem, in Input) error {
	if err := f.maxMin.Update(lp, in); err != nil {
		return err
	}
	return f.build(lp, in)
}

func (f *RelativeMarginFiller) build(lp *linearproblem.Problem, in Input) error {
	if in.Parameters.RelativeMargins == nil {
		return fmt.Errorf("relative margin filler: relative margin parameters are not set")
	}
	lb := in.Parameters.RelativeMargins.PtdfSumLowerBound
	unit := in.Parameters.ObjectiveFunction.Unit.Model()
	highest := highestThreshold(in.Perimeter.OptimizedFlowCnecs(), unit)
	maxPositive := 2 * highest / lb
	bigNegative := math.Max(1000, 10*highest)

	mm, err := MinMarginVariable(lp)
	if err != nil {
		return fmt.Errorf("relative margin filler: %w", err)
	}
	mrm, err := ensureVariable(lp, key(objectiveEntity, linearproblem.RoleMinRelativeMargin), 0, maxPositive)
	if err != nil {
		return fmt.Errorf("relative margin filler: %w", err)
	}
	lp.SetObjectiveCoefficient(mrm, -1)
	positive, err := ensureBinary(lp, key(objectiveEntity, linearproblem.RolePositiveMarginSwitch))
	if err != nil {
		return fmt.Errorf("relative margin filler: %w", err)
	}

	// MRM <= maxPositive * P
	c, err := ensureConstraint(lp, key(objectiveEntity, linearproblem.RolePositiveMarginBound), -linearproblem.Infinity, 0)
	if err != nil {
		return fmt.Errorf("relative margin filler: %w", err)
	}
	lp.SetCoefficient(c, mrm, 1)
	lp.SetCoefficient(c, positive, -maxPositive)

	// MM >= 0 when P = 1
	c, err = ensureConstraint(lp, key(objectiveEntity, linearproblem.RoleNegativeMarginBound), -bigNegative, linearproblem.Infinity)
	if err != nil {
		return fmt.Errorf("relative margin filler: %w", err)
	}
	lp.SetCoefficient(c, mm, 1)
	lp.SetCoefficient(c, positive, -bigNegative)

	for _, cnec := range in.Perimeter.OptimizedFlowCnecs() {
		if stateFailed(in, cnec.StateID) {
			continue
		}
		for _, side := range cnec.Sides() {
			if err := f.addRows(lp, in, cnec, side, unit, lb, maxPositive, mrm, positive); err != nil {
				return fmt.Errorf("relative margin filler: %w", err)
			}
		}
	}
	return nil
}

func (f *RelativeMarginFiller) addRows(lp *linearproblem.Problem, in Input, cnec *model.FlowCnec, side model.Side, unit model.Unit, lb, maxPositive float64, mrm, positive linearproblem.VarHandle) error {
	entity := CnecEntity(cnec.ID, side)
	fv, err := FlowVariable(lp, cnec.ID, side)
	if err != nil {
		return err
	}
	ptdf := math.Max(ptdfSum(in, cnec, side), lb)
	k := cnec.UnitConversion(side, unit) / ptdf
	if hi, ok := cnec.UpperBound(side); ok {
		c, err := ensureConstraint(lp, key(entity, linearproblem.RoleMinRelativeMarginBelow), -linearproblem.Infinity, k*hi+maxPositive)
		if err != nil {
			return err
		}
		lp.SetCoefficient(c, mrm, 1)
		lp.SetCoefficient(c, fv, k)
		lp.SetCoefficient(c, positive, maxPositive)
	}
	if lo, ok := cnec.LowerBound(side); ok {
		c, err := ensureConstraint(lp, key(entity, linearproblem.RoleMinRelativeMarginAbove), -linearproblem.Infinity, -k*lo+maxPositive)
		if err != nil {
			return err
		}
		lp.SetCoefficient(c, mrm, 1)
		lp.SetCoefficient(c, fv, -k)
		lp.SetCoefficient(c, positive, maxPositive)
	}
	return nil
}

// ptdfSum reads the absolute zonal PTDF sum computed on the initial network,
// falling back on the current computation. Zero means unknown.
func ptdfSum(in Input, cnec *model.FlowCnec, side model.Side) float64 {
	if in.InitialFlows != nil {
		if v, ok := in.InitialFlows.PtdfSum(cnec.ID, side); ok {
			return v
		}
	}
	if v, ok := in.Sensitivity.PtdfSum(cnec.ID, side); ok {
		return v
	}
	return 0
}

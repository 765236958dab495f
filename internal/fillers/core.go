package fillers

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/rao/internal/linearproblem"
	"github.com/signalsfoundry/rao/model"
)

// CoreFiller defines, per optimized state and range action, the setpoint
// and its variation, and the linearised flow of every CNEC side.
type CoreFiller struct{}

// NewCoreFiller constructs a CoreFiller.
func NewCoreFiller() *CoreFiller { return &CoreFiller{} }

// Fill implements Filler.
func (f *CoreFiller) Fill(lp *linearproblem.Problem, in Input) error {
	groups := RangeActionGroups(in.Parameters, in.Perimeter.AllRangeActions())
	for _, st := range in.Perimeter.AllOptimizedStates() {
		for _, ra := range in.Perimeter.RangeActionsAt(st.ID()) {
			if err := f.addRangeAction(lp, in, st, ra, groups); err != nil {
				return fmt.Errorf("core filler: %w", err)
			}
		}
	}
	if err := f.shrinkRanges(lp, in); err != nil {
		return fmt.Errorf("core filler: %w", err)
	}
	if err := f.buildFlows(lp, in); err != nil {
		return fmt.Errorf("core filler: %w", err)
	}
	return nil
}

// Update implements Filler. Flow constraints are rebuilt around the new
// operating point; those of states that failed keep their previous values.
func (f *CoreFiller) Update(lp *linearproblem.Problem, in Input) error {
	if err := f.shrinkRanges(lp, in); err != nil {
		return fmt.Errorf("core filler: %w", err)
	}
	if err := f.buildFlows(lp, in); err != nil {
		return fmt.Errorf("core filler: %w", err)
	}
	return nil
}

func (f *CoreFiller) addRangeAction(lp *linearproblem.Problem, in Input, st model.State, ra *model.RangeAction, groups map[string]string) error {
	entity := RangeActionEntity(ra.ID, st)
	prevState, hasPrev := in.Perimeter.PreviousOptimizedState(st, ra.ID)

	var lo, hi, rhs float64
	if hasPrev {
		lo, hi = ra.AbsoluteAdmissibleRange()
	} else {
		prev := in.Setpoints.PreviousSetpoint(st, ra.ID)
		lo, hi = ra.MinAdmissibleSetpoint(prev), ra.MaxAdmissibleSetpoint(prev)
		rhs = prev
	}
	lo, hi = lo-setpointEpsilon, hi+setpointEpsilon
	if lo > hi {
		lo, hi = hi, lo
	}

	s, err := lp.AddVariable(key(entity, linearproblem.RoleSetpoint), lo, hi)
	if err != nil {
		return err
	}
	up, err := lp.AddVariable(key(entity, linearproblem.RoleUpwardVariation), 0, linearproblem.Infinity)
	if err != nil {
		return err
	}
	down, err := lp.AddVariable(key(entity, linearproblem.RoleDownwardVariation), 0, linearproblem.Infinity)
	if err != nil {
		return err
	}
	av, err := lp.AddVariable(key(entity, linearproblem.RoleAbsoluteVariation), 0, linearproblem.Infinity)
	if err != nil {
		return err
	}

	// S - up + down - S_prev = 0, S_prev being a constant outside the
	// perimeter.
	variation, err := lp.AddConstraint(key(entity, linearproblem.RoleSetpointVariation), rhs, rhs)
	if err != nil {
		return err
	}
	lp.SetCoefficient(variation, s, 1)
	lp.SetCoefficient(variation, up, -1)
	lp.SetCoefficient(variation, down, 1)
	if hasPrev {
		sPrev, err := SetpointVariable(lp, ra.ID, prevState)
		if err != nil {
			return err
		}
		lp.SetCoefficient(variation, sPrev, -1)
		if rlo, rhi, ok := ra.RelativeToPreviousInstantRange(); ok {
			rel, err := lp.AddConstraint(key(entity, linearproblem.RoleRelativeToPreviousInstant), rlo-setpointEpsilon, rhi+setpointEpsilon)
			if err != nil {
				return err
			}
			lp.SetCoefficient(rel, s, 1)
			lp.SetCoefficient(rel, sPrev, -1)
		}
	}

	def, err := lp.AddConstraint(key(entity, linearproblem.RoleAbsoluteVariationDefinition), 0, 0)
	if err != nil {
		return err
	}
	lp.SetCoefficient(def, av, 1)
	lp.SetCoefficient(def, up, -1)
	lp.SetCoefficient(def, down, -1)
	lp.SetObjectiveCoefficient(av, penaltyCost(in.Parameters.RangeActionsOptimization, ra.Kind))

	groupID, ok := groups[ra.ID]
	if !ok {
		return nil
	}
	gk := key(groupEntity(groupID, st), linearproblem.RoleGroupSetpoint)
	g, err := lp.Variable(gk)
	if err != nil {
		if g, err = lp.AddVariable(gk, -linearproblem.Infinity, linearproblem.Infinity); err != nil {
			return err
		}
	}
	align, err := lp.AddConstraint(key(entity, linearproblem.RoleGroupAlignment), 0, 0)
	if err != nil {
		return err
	}
	lp.SetCoefficient(align, s, 1)
	lp.SetCoefficient(align, g, -1)
	return nil
}

// shrinkRanges narrows, from the second iteration on, each setpoint to a
// window around its current value that shrinks geometrically.
func (f *CoreFiller) shrinkRanges(lp *linearproblem.Problem, in Input) error {
	if !in.RangeShrinking || in.Iteration == 0 {
		return nil
	}
	ratio := math.Pow(shrinkingRatio, float64(in.Iteration))
	for _, st := range in.Perimeter.AllOptimizedStates() {
		for _, ra := range in.Perimeter.RangeActionsAt(st.ID()) {
			s, err := SetpointVariable(lp, ra.ID, st)
			if err != nil {
				return err
			}
			lo, hi := lp.Bounds(s)
			width := hi - lo
			if math.IsInf(width, 0) {
				continue
			}
			cur := in.Setpoints.Setpoint(st, ra.ID)
			c, err := ensureConstraint(lp, key(RangeActionEntity(ra.ID, st), linearproblem.RoleRangeShrinking), cur-ratio*width, cur+ratio*width)
			if err != nil {
				return err
			}
			lp.SetCoefficient(c, s, 1)
		}
	}
	return nil
}

type flowTerm struct {
	v    linearproblem.VarHandle
	sens float64
}

// buildFlows writes F - sum(sens * S) = F0 - sum(sens * S0) for each CNEC
// side, S being the setpoint at the last state before the CNEC where the
// range action is optimized.
func (f *CoreFiller) buildFlows(lp *linearproblem.Problem, in Input) error {
	ras := in.Perimeter.AllRangeActions()
	for _, cnec := range in.Perimeter.FlowCnecs() {
		if stateFailed(in, cnec.StateID) {
			continue
		}
		cnecState, ok := in.Perimeter.State(cnec.StateID)
		if !ok {
			return fmt.Errorf("cnec %s: unknown state %s", cnec.ID, cnec.StateID)
		}
		for _, side := range cnec.Sides() {
			entity := CnecEntity(cnec.ID, side)
			rhs, err := currentFlow(in, cnec, side)
			if err != nil {
				return err
			}
			fv, err := ensureVariable(lp, key(entity, linearproblem.RoleFlow), -linearproblem.Infinity, linearproblem.Infinity)
			if err != nil {
				return err
			}
			terms := make([]flowTerm, 0, len(ras))
			for _, ra := range ras {
				raState, ok := in.Perimeter.LastRangeActionState(cnecState, ra.ID)
				if !ok {
					continue
				}
				s, err := SetpointVariable(lp, ra.ID, raState)
				if err != nil {
					return err
				}
				sens, ok := in.Sensitivity.Sensitivity(ra.ID, cnec.ID, side)
				if !ok {
					return fmt.Errorf("sensitivity of %s on %s: %w", ra.ID, entity, ErrMissingSensitivity)
				}
				if math.Abs(sens) < sensitivityThreshold(in.Parameters.RangeActionsOptimization, ra.Kind) {
					sens = 0
				}
				rhs -= sens * in.Setpoints.Setpoint(raState, ra.ID)
				terms = append(terms, flowTerm{v: s, sens: sens})
			}
			c, err := ensureConstraint(lp, key(entity, linearproblem.RoleFlowDefinition), rhs, rhs)
			if err != nil {
				return err
			}
			lp.SetCoefficient(c, fv, 1)
			for _, t := range terms {
				lp.SetCoefficient(c, t.v, -t.sens)
			}
		}
	}
	return nil
}

// Package fillers writes the range action optimisation problem into a
// linearproblem.Problem. Each filler owns a group of variables and
// constraints; fillers run in a fixed order and later ones may reference
// what earlier ones created.
package fillers

import (
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/internal/linearproblem"
	"github.com/signalsfoundry/rao/internal/perimeter"
	"github.com/signalsfoundry/rao/internal/results"
	"github.com/signalsfoundry/rao/internal/sensitivity"
	"github.com/signalsfoundry/rao/model"
)

var (
	// ErrMissingSensitivity indicates a flow or sensitivity absent from the
	// sensitivity result for a state that did not fail.
	ErrMissingSensitivity = errors.New("missing flow or sensitivity")
	// ErrMissingVariable indicates a variable looked up before the filler
	// owning it ran.
	ErrMissingVariable = errors.New("missing variable")
)

const (
	// setpointEpsilon widens setpoint bounds so the current operating point
	// stays feasible despite rounding.
	setpointEpsilon = 1e-5
	// minMarginCap bounds the min margin when no CNEC constrains it.
	minMarginCap = 1e5
	// shrinkingRatio is applied once per iteration to the admissible range.
	shrinkingRatio = 0.667
)

// Input is what fillers read. It is rebuilt by the caller before each fill
// or update; fillers do not retain it.
type Input struct {
	Perimeter  *perimeter.Perimeter
	Parameters config.RaoParameters

	// Sensitivity holds flows and sensitivities at the current operating
	// point.
	Sensitivity *sensitivity.Result
	// Setpoints are the current setpoints per optimized state. Its reference
	// setpoints are the pre-perimeter ones.
	Setpoints *results.RangeActionActivation

	PrePerimeterFlows results.Flows
	InitialFlows      results.Flows

	// AppliedNetworkActions were applied on the main state before this
	// optimisation.
	AppliedNetworkActions []*model.NetworkAction

	// Iteration counts sensitivity iterations, starting at 0.
	Iteration      int
	RangeShrinking bool
}

// Filler writes one block of the problem.
type Filler interface {
	// Fill adds the block to an empty or partially built problem.
	Fill(lp *linearproblem.Problem, in Input) error
	// Update refreshes the block after a new sensitivity computation.
	Update(lp *linearproblem.Problem, in Input) error
}

// MipUpdater is implemented by fillers whose block depends on the continuous
// solution found before the integer variables are fixed.
type MipUpdater interface {
	UpdateBetweenMipIterations(lp *linearproblem.Problem, in Input, activation *results.RangeActionActivation) error
}

// DefaultChain returns the fillers required by params, in build order.
func DefaultChain(params config.RaoParameters, p *perimeter.Perimeter) []Filler {
	chain := []Filler{NewCoreFiller()}
	if params.ObjectiveFunction.Type == config.MaxMinRelativeMargin {
		chain = append(chain, NewRelativeMarginFiller())
	} else {
		chain = append(chain, NewMaxMinMarginFiller())
	}
	if params.Mnec != nil && len(p.MonitoredFlowCnecs()) > 0 {
		chain = append(chain, NewMnecFiller())
	}
	if params.LoopFlow != nil && len(p.LoopFlowCnecs()) > 0 {
		chain = append(chain, NewLoopFlowFiller())
	}
	operators := p.UnoptimizedOperators(params.NotOptimizedCnecs)
	series := p.CnecsInSeriesWithPsts(params.NotOptimizedCnecs)
	if len(operators) > 0 || len(series) > 0 {
		chain = append(chain, NewUnoptimizedCnecFiller(operators, series))
	}
	if hasUsageLimits(params, p) {
		chain = append(chain, NewRaUsageLimitsFiller())
	}
	if params.RangeActionsOptimization.PstModel == config.PstApproximatedIntegers && hasPst(p) {
		chain = append(chain, NewDiscretePstFiller())
	}
	if params.RangeActionsOptimization.InjectionBalance {
		chain = append(chain, NewInjectionBalanceFiller())
	}
	return chain
}

func hasUsageLimits(params config.RaoParameters, p *perimeter.Perimeter) bool {
	for _, st := range p.AllOptimizedStates() {
		if _, ok := params.UsageLimits(st.Instant.ID); ok {
			return true
		}
	}
	return false
}

func hasPst(p *perimeter.Perimeter) bool {
	for _, ra := range p.AllRangeActions() {
		if ra.Kind == model.KindPst && ra.Taps != nil {
			return true
		}
	}
	return false
}

// Entity naming.

// CnecEntity names a monitored side of a CNEC.
func CnecEntity(cnecID string, side model.Side) string {
	return cnecID + "/" + side.String()
}

// RangeActionEntity names a range action at an optimized state.
func RangeActionEntity(raID string, state model.State) string {
	return raID + "@" + state.ID()
}

func groupEntity(groupID string, state model.State) string {
	return groupID + "@" + state.ID()
}

func tsoEntity(tso string, state model.State) string {
	return tso + "@" + state.ID()
}

const objectiveEntity = "objective"

func key(entity string, role linearproblem.Role) linearproblem.Key {
	return linearproblem.Key{Entity: entity, Role: role}
}

// Variable accessors.

func variable(lp *linearproblem.Problem, k linearproblem.Key) (linearproblem.VarHandle, error) {
	h, err := lp.Variable(k)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, ErrMissingVariable)
	}
	return h, nil
}

// SetpointVariable returns the setpoint of ra at state.
func SetpointVariable(lp *linearproblem.Problem, raID string, state model.State) (linearproblem.VarHandle, error) {
	return variable(lp, key(RangeActionEntity(raID, state), linearproblem.RoleSetpoint))
}

// AbsoluteVariationVariable returns the absolute setpoint variation of ra at
// state.
func AbsoluteVariationVariable(lp *linearproblem.Problem, raID string, state model.State) (linearproblem.VarHandle, error) {
	return variable(lp, key(RangeActionEntity(raID, state), linearproblem.RoleAbsoluteVariation))
}

// TapVariable returns the integer tap of a PST at state.
func TapVariable(lp *linearproblem.Problem, raID string, state model.State) (linearproblem.VarHandle, error) {
	return variable(lp, key(RangeActionEntity(raID, state), linearproblem.RoleTap))
}

// FlowVariable returns the flow of a CNEC side.
func FlowVariable(lp *linearproblem.Problem, cnecID string, side model.Side) (linearproblem.VarHandle, error) {
	return variable(lp, key(CnecEntity(cnecID, side), linearproblem.RoleFlow))
}

// MinMarginVariable returns the min margin.
func MinMarginVariable(lp *linearproblem.Problem) (linearproblem.VarHandle, error) {
	return variable(lp, key(objectiveEntity, linearproblem.RoleMinMargin))
}

// ensureVariable returns the variable named k, creating it when missing and
// resetting its bounds otherwise.
func ensureVariable(lp *linearproblem.Problem, k linearproblem.Key, lb, ub float64) (linearproblem.VarHandle, error) {
	if h, err := lp.Variable(k); err == nil {
		lp.SetBounds(h, lb, ub)
		return h, nil
	}
	return lp.AddVariable(k, lb, ub)
}

func ensureBinary(lp *linearproblem.Problem, k linearproblem.Key) (linearproblem.VarHandle, error) {
	if h, err := lp.Variable(k); err == nil {
		return h, nil
	}
	return lp.AddBinaryVariable(k)
}

func ensureConstraint(lp *linearproblem.Problem, k linearproblem.Key, lb, ub float64) (linearproblem.ConstraintHandle, error) {
	if h, err := lp.Constraint(k); err == nil {
		lp.SetConstraintBounds(h, lb, ub)
		return h, nil
	}
	return lp.AddConstraint(k, lb, ub)
}

// Shared readers.

func stateFailed(in Input, stateID string) bool {
	return in.Sensitivity.StateStatus(stateID) == sensitivity.Failure
}

func currentFlow(in Input, cnec *model.FlowCnec, side model.Side) (float64, error) {
	f, ok := in.Sensitivity.Flow(cnec.ID, side)
	if !ok {
		return 0, fmt.Errorf("flow of %s: %w", CnecEntity(cnec.ID, side), ErrMissingSensitivity)
	}
	return f, nil
}

// referenceFlow reads flows from ref, falling back on the current
// sensitivity result.
func referenceFlow(in Input, ref results.Flows, cnec *model.FlowCnec, side model.Side) (float64, error) {
	if ref != nil {
		if f, ok := ref.Flow(cnec.ID, side); ok {
			return f, nil
		}
	}
	return currentFlow(in, cnec, side)
}

func sensitivityThreshold(params config.RangeActionsOptimizationParameters, kind model.RangeActionKind) float64 {
	switch kind {
	case model.KindPst:
		return params.PstSensitivityThreshold
	case model.KindHvdc:
		return params.HvdcSensitivityThreshold
	default:
		return params.InjectionRaSensitivityThreshold
	}
}

func penaltyCost(params config.RangeActionsOptimizationParameters, kind model.RangeActionKind) float64 {
	switch kind {
	case model.KindPst:
		return params.PstPenaltyCost
	case model.KindHvdc:
		return params.HvdcPenaltyCost
	default:
		return params.InjectionRaPenaltyCost
	}
}

// RangeActionGroups maps each grouped range action id to its group id. The
// groups of the parameters take precedence over the ones of the CRAC.
func RangeActionGroups(params config.RaoParameters, ras []*model.RangeAction) map[string]string {
	groups := make(map[string]string)
	for _, ra := range ras {
		if ra.GroupID != "" {
			groups[ra.ID] = ra.GroupID
		}
	}
	for _, g := range params.RangeActionsOptimization.RangeActionGroups {
		ids, err := config.ParseRangeActionGroup(g)
		if err != nil {
			continue
		}
		id := config.GroupID(ids)
		for _, raID := range ids {
			groups[raID] = id
		}
	}
	return groups
}

func finiteOr(v, fallback float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return fallback
	}
	return v
}

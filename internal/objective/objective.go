// Package objective evaluates the cost of an operating point: the functional
// cost is minus the worst margin of the optimized CNECs, virtual costs
// penalise MNEC and loop-flow violations and sensitivity failures.
package objective

import (
	"math"
	"sort"

	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/internal/perimeter"
	"github.com/signalsfoundry/rao/internal/results"
	"github.com/signalsfoundry/rao/internal/sensitivity"
	"github.com/signalsfoundry/rao/model"
)

// Virtual cost names.
const (
	MnecCost               = "mnec-cost"
	LoopFlowCost           = "loop-flow-cost"
	SensitivityFailureCost = "sensitivity-failure-cost"
)

// mostLimitingCount is how many limiting elements a Result keeps.
const mostLimitingCount = 10

// SetpointReader gives the setpoint of a range action at a state.
type SetpointReader interface {
	Setpoint(state model.State, raID string) float64
}

// Function evaluates operating points of one perimeter.
type Function struct {
	unit            model.Unit
	relative        bool
	ptdfLowerBound  float64
	optimized       []*model.FlowCnec
	monitored       []*model.FlowCnec
	loopFlow        []*model.FlowCnec
	mnec            *config.MnecParameters
	loopFlowParams  *config.LoopFlowParameters
	failureOvercost float64
	unoptimizedTsos map[string]bool
	cnecsInSeries   map[string]*model.RangeAction
	states          map[string]model.State
	initial         results.Flows
	prePerimeter    results.Flows
}

// Options configures a Function.
type Options struct {
	Parameters config.RaoParameters

	OptimizedCnecs []*model.FlowCnec
	MonitoredCnecs []*model.FlowCnec
	LoopFlowCnecs  []*model.FlowCnec

	// States resolves CNEC state ids.
	States []model.State

	// Initial flows anchor MNEC and loop-flow violations; PrePerimeter flows
	// anchor the margin-decrease rule of unoptimized CNECs.
	Initial      results.Flows
	PrePerimeter results.Flows

	// UnoptimizedOperators are excluded from the min margin as long as their
	// CNECs do not lose margin against PrePerimeter.
	UnoptimizedOperators []string
	// CnecsInSeriesWithPsts are excluded while their PST can still move.
	CnecsInSeriesWithPsts map[string]*model.RangeAction
}

// NewFunction constructs a Function.
func NewFunction(opts Options) *Function {
	p := opts.Parameters
	f := &Function{
		unit:            p.ObjectiveFunction.Unit.Model(),
		relative:        p.ObjectiveFunction.Type == config.MaxMinRelativeMargin,
		optimized:       opts.OptimizedCnecs,
		monitored:       opts.MonitoredCnecs,
		loopFlow:        opts.LoopFlowCnecs,
		mnec:            p.Mnec,
		loopFlowParams:  p.LoopFlow,
		failureOvercost: p.SensitivityFailureOvercost,
		unoptimizedTsos: make(map[string]bool),
		cnecsInSeries:   opts.CnecsInSeriesWithPsts,
		states:          make(map[string]model.State, len(opts.States)),
		initial:         opts.Initial,
		prePerimeter:    opts.PrePerimeter,
	}
	if p.RelativeMargins != nil {
		f.ptdfLowerBound = p.RelativeMargins.PtdfSumLowerBound
	}
	for _, op := range opts.UnoptimizedOperators {
		f.unoptimizedTsos[op] = true
	}
	for _, st := range opts.States {
		f.states[st.ID()] = st
	}
	return f
}

// ForPerimeter builds the Function evaluating the CNECs of p.
func ForPerimeter(params config.RaoParameters, p *perimeter.Perimeter, initial, prePerimeter results.Flows) *Function {
	return NewFunction(Options{
		Parameters:            params,
		OptimizedCnecs:        p.OptimizedFlowCnecs(),
		MonitoredCnecs:        p.MonitoredFlowCnecs(),
		LoopFlowCnecs:         p.LoopFlowCnecs(),
		States:                p.Crac().States(),
		Initial:               initial,
		PrePerimeter:          prePerimeter,
		UnoptimizedOperators:  p.UnoptimizedOperators(params.NotOptimizedCnecs),
		CnecsInSeriesWithPsts: p.CnecsInSeriesWithPsts(params.NotOptimizedCnecs),
	})
}

// Unit returns the unit margins are expressed in.
func (f *Function) Unit() model.Unit { return f.unit }

// LimitingElement is a CNEC with its margin in the objective unit.
type LimitingElement struct {
	Cnec   *model.FlowCnec
	Margin float64
}

// Result is the evaluation of one operating point. Lower costs are better.
type Result struct {
	FunctionalCost float64
	VirtualCosts   map[string]float64
	// MostLimiting lists the worst optimized CNECs, worst first.
	MostLimiting []LimitingElement
	// ExcludedStates lists the states whose sensitivity computation failed.
	ExcludedStates []string
}

// VirtualCost returns the sum of the virtual costs.
func (r Result) VirtualCost() float64 {
	total := 0.0
	for _, name := range r.VirtualCostNames() {
		total += r.VirtualCosts[name]
	}
	return total
}

// Cost returns the functional plus virtual cost.
func (r Result) Cost() float64 { return r.FunctionalCost + r.VirtualCost() }

// VirtualCostNames returns the names of the virtual costs, sorted.
func (r Result) VirtualCostNames() []string {
	names := make([]string, 0, len(r.VirtualCosts))
	for n := range r.VirtualCosts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Evaluate computes the costs of flows. setpoints may be nil, in which case
// the PST-limitation rule never excludes a CNEC.
func (f *Function) Evaluate(flows results.Flows, setpoints SetpointReader) Result {
	res := Result{VirtualCosts: make(map[string]float64)}
	failed := make(map[string]bool)

	var limiting []LimitingElement
	for _, cnec := range f.optimized {
		status := flows.StateStatus(cnec.StateID)
		if status == sensitivity.Failure {
			failed[cnec.StateID] = true
			continue
		}
		margin, ok := f.margin(flows, cnec)
		if !ok || f.ignored(flows, cnec, setpoints) {
			continue
		}
		limiting = append(limiting, LimitingElement{Cnec: cnec, Margin: margin})
	}
	sort.SliceStable(limiting, func(i, j int) bool {
		if limiting[i].Margin != limiting[j].Margin {
			return limiting[i].Margin < limiting[j].Margin
		}
		return limiting[i].Cnec.ID < limiting[j].Cnec.ID
	})
	if len(limiting) > 0 {
		res.FunctionalCost = -limiting[0].Margin
	}
	if len(limiting) > mostLimitingCount {
		limiting = limiting[:mostLimitingCount]
	}
	res.MostLimiting = limiting

	for id := range failed {
		res.ExcludedStates = append(res.ExcludedStates, id)
	}
	sort.Strings(res.ExcludedStates)

	if f.mnec != nil {
		res.VirtualCosts[MnecCost] = f.mnecCost(flows)
	}
	if f.loopFlowParams != nil {
		res.VirtualCosts[LoopFlowCost] = f.loopFlowCost(flows)
	}
	if f.failureOvercost > 0 {
		cost := 0.0
		if len(failed) > 0 {
			cost = f.failureOvercost
		}
		res.VirtualCosts[SensitivityFailureCost] = cost
	}
	return res
}

func (f *Function) margin(flows results.Flows, cnec *model.FlowCnec) (float64, bool) {
	if f.relative {
		return results.RelativeMargin(flows, cnec, f.unit, f.ptdfLowerBound)
	}
	return results.Margin(flows, cnec, f.unit)
}

// ignored implements the unoptimized CNEC rules.
func (f *Function) ignored(flows results.Flows, cnec *model.FlowCnec, setpoints SetpointReader) bool {
	if f.unoptimizedTsos[cnec.Operator] && f.prePerimeter != nil {
		current, ok := results.Margin(flows, cnec, model.Megawatt)
		pre, preOK := results.Margin(f.prePerimeter, cnec, model.Megawatt)
		if ok && preOK && current >= pre {
			return true
		}
	}
	if pst, ok := f.cnecsInSeries[cnec.ID]; ok && setpoints != nil {
		st, known := f.states[cnec.StateID]
		if !known {
			return false
		}
		v := setpoints.Setpoint(st, pst.ID)
		lo, hi := pst.AbsoluteAdmissibleRange()
		return v > lo+results.ActivationEpsilon && v < hi-results.ActivationEpsilon
	}
	return false
}

func (f *Function) mnecCost(flows results.Flows) float64 {
	if f.initial == nil {
		return 0
	}
	total := 0.0
	for _, cnec := range f.monitored {
		if flows.StateStatus(cnec.StateID) == sensitivity.Failure {
			continue
		}
		current, ok := results.Margin(flows, cnec, model.Megawatt)
		initial, initOK := results.Margin(f.initial, cnec, model.Megawatt)
		if !ok || !initOK {
			continue
		}
		allowed := math.Min(0, initial-f.mnec.AcceptableMarginDecrease)
		if violation := allowed - current; violation > 0 {
			total += f.mnec.ViolationCost * violation
		}
	}
	return total
}

func (f *Function) loopFlowCost(flows results.Flows) float64 {
	total := 0.0
	for _, cnec := range f.loopFlow {
		if flows.StateStatus(cnec.StateID) == sensitivity.Failure {
			continue
		}
		lf, ok := results.LoopFlow(flows, cnec)
		if !ok {
			continue
		}
		limit := LoopFlowLimit(cnec, f.initial, f.loopFlowParams)
		if excess := math.Abs(lf) - limit; excess > 0 {
			total += f.loopFlowParams.ViolationCost * excess
		}
	}
	return total
}

// LoopFlowLimit returns the loop-flow allowed on cnec: the larger of its
// threshold and its initial loop-flow plus the acceptable increase.
func LoopFlowLimit(cnec *model.FlowCnec, initial results.Flows, p *config.LoopFlowParameters) float64 {
	limit := cnec.LoopFlowThreshold
	if initial != nil {
		if lf, ok := results.LoopFlow(initial, cnec); ok {
			limit = math.Max(limit, math.Abs(lf)+p.AcceptableIncrease)
		}
	}
	return limit
}

package raoresult

import (
	"sort"

	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/internal/objective"
	"github.com/signalsfoundry/rao/internal/results"
	"github.com/signalsfoundry/rao/internal/sensitivity"
	"github.com/signalsfoundry/rao/model"
)

// Builder assembles a Result. It is not safe for concurrent use.
type Builder struct {
	unit           model.Unit
	relative       bool
	ptdfLowerBound float64
	res            *Result
	failed         map[string]bool
	initialFailed  bool
}

// NewBuilder starts a result for a run.
func NewBuilder(runID string, params config.RaoParameters) *Builder {
	b := &Builder{
		unit:   params.ObjectiveFunction.Unit.Model(),
		res:    &Result{RunID: runID, Unit: string(params.ObjectiveFunction.Unit), Costs: make(map[Phase]Cost)},
		failed: make(map[string]bool),
	}
	if params.ObjectiveFunction.Type == config.MaxMinRelativeMargin && params.RelativeMargins != nil {
		b.relative = true
		b.ptdfLowerBound = params.RelativeMargins.PtdfSumLowerBound
	}
	return b
}

// AddCnecs records the values of cnecs read from flows at phase. CNECs of
// failed states are recorded as unavailable.
func (b *Builder) AddCnecs(phase Phase, flows results.Flows, cnecs []*model.FlowCnec) {
	for _, cnec := range cnecs {
		c := CnecResult{CnecID: cnec.ID, StateID: cnec.StateID, Phase: phase}
		if flows == nil || flows.StateStatus(cnec.StateID) == sensitivity.Failure {
			c.Unavailable = true
			b.failed[cnec.StateID] = true
			b.res.Cnecs = append(b.res.Cnecs, c)
			continue
		}
		c.Flows = make(map[string]float64, len(cnec.Sides()))
		for _, side := range cnec.Sides() {
			if v, ok := flows.Flow(cnec.ID, side); ok {
				c.Flows[side.String()] = v
			}
		}
		margin, ok := results.Margin(flows, cnec, b.unit)
		if !ok {
			c.Unavailable = true
			b.res.Cnecs = append(b.res.Cnecs, c)
			continue
		}
		c.Margin = margin
		if b.relative {
			if rm, ok := results.RelativeMargin(flows, cnec, b.unit, b.ptdfLowerBound); ok {
				c.RelativeMargin = &rm
			}
			if sides := cnec.Sides(); len(sides) > 0 {
				if v, ok := flows.PtdfSum(cnec.ID, sides[0]); ok {
					c.PtdfSum = &v
				}
			}
		}
		if cnec.LoopFlowThreshold > 0 {
			if lf, ok := results.LoopFlow(flows, cnec); ok {
				cf, _ := flows.CommercialFlow(cnec.ID, cnec.Sides()[0])
				c.LoopFlow, c.CommercialFlow = &lf, &cf
			}
		}
		b.res.Cnecs = append(b.res.Cnecs, c)
	}
}

// SetCost records the objective value at phase.
func (b *Builder) SetCost(phase Phase, r objective.Result) {
	b.res.Costs[phase] = CostOf(r)
}

// CostOf converts an objective evaluation.
func CostOf(r objective.Result) Cost {
	virtual := make(map[string]float64, len(r.VirtualCosts))
	for k, v := range r.VirtualCosts {
		virtual[k] = v
	}
	return Cost{Functional: r.FunctionalCost, Virtual: virtual}
}

// AddPerimeter records the optimisation of one perimeter.
func (b *Builder) AddPerimeter(p PerimeterResult) {
	b.res.Perimeters = append(b.res.Perimeters, p)
}

// MarkInitialFailure records that the initial sensitivity computation
// failed.
func (b *Builder) MarkInitialFailure(message string) {
	b.initialFailed = true
	b.res.Message = message
}

// SetMessage attaches a human readable note to the result.
func (b *Builder) SetMessage(message string) { b.res.Message = message }

// Build returns the result. The builder must not be used afterwards.
func (b *Builder) Build() *Result {
	r := b.res
	for id := range b.failed {
		r.FailedStates = append(r.FailedStates, id)
	}
	sort.Strings(r.FailedStates)
	switch {
	case b.initialFailed:
		r.Status = Failure
	case len(r.FailedStates) > 0:
		r.Status = PartialFailure
	default:
		r.Status = Default
	}
	// Global perimeters keep their order: the preventive state comes first.
	sort.SliceStable(r.Perimeters, func(i, j int) bool {
		ki, kj := kindRank(r.Perimeters[i].Kind), kindRank(r.Perimeters[j].Kind)
		if ki != kj {
			return ki < kj
		}
		if ki == kindRank("global") {
			return false
		}
		return r.Perimeters[i].StateID < r.Perimeters[j].StateID
	})
	r.index()
	return r
}

func kindRank(kind string) int {
	switch kind {
	case "preventive":
		return 0
	case "global":
		return 1
	default:
		return 2
	}
}

// RangeActionResults reads the activation of ras at state.
func RangeActionResults(state model.State, ras []*model.RangeAction, activation *results.RangeActionActivation) []RangeActionResult {
	out := make([]RangeActionResult, 0, len(ras))
	for _, ra := range ras {
		r := RangeActionResult{
			RangeActionID:           ra.ID,
			Activated:               activation.IsActivated(state, ra.ID),
			PreOptimizationSetpoint: activation.PreviousSetpoint(state, ra.ID),
			Setpoint:                activation.Setpoint(state, ra.ID),
		}
		if ra.Kind == model.KindPst && ra.Taps != nil {
			pre := ra.ConvertAngleToTap(r.PreOptimizationSetpoint)
			tap := ra.ConvertAngleToTap(r.Setpoint)
			r.PreOptimizationTap, r.Tap = &pre, &tap
		}
		out = append(out, r)
	}
	return out
}

// LimitingElementIDs returns the ids of the most limiting elements of an
// objective evaluation, worst first.
func LimitingElementIDs(r objective.Result, n int) []string {
	ids := make([]string, 0, n)
	for _, le := range r.MostLimiting {
		if len(ids) == n {
			break
		}
		ids = append(ids, le.Cnec.ID)
	}
	return ids
}

package objective

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/internal/results"
	"github.com/signalsfoundry/rao/internal/sensitivity"
	"github.com/signalsfoundry/rao/model"
)

var (
	preventive = model.State{Instant: model.Instant{ID: "preventive", Kind: model.Preventive}}
	curative   = model.State{Instant: model.Instant{ID: "curative", Kind: model.Curative, Order: 3}, ContingencyID: "co1"}
)

func cnec(id, stateID string, limit float64) *model.FlowCnec {
	th := model.NewThreshold(model.SideOne)
	th.Min, th.Max = -limit, limit
	return &model.FlowCnec{ID: id, StateID: stateID, Optimized: true, Thresholds: []model.Threshold{th}}
}

func flows(values map[string]float64) *sensitivity.Result {
	r := sensitivity.NewResult()
	for id, v := range values {
		r.SetFlow(id, model.SideOne, v)
	}
	return r
}

func TestFunctionalCostIsMinusWorstMargin(t *testing.T) {
	a := cnec("a", preventive.ID(), 100)
	b := cnec("b", curative.ID(), 100)
	f := NewFunction(Options{
		Parameters:     config.Default(),
		OptimizedCnecs: []*model.FlowCnec{a, b},
		States:         []model.State{preventive, curative},
	})

	res := f.Evaluate(flows(map[string]float64{"a": 80, "b": -95}), nil)
	assert.InDelta(t, -5, res.FunctionalCost, 1e-9)
	require.Len(t, res.MostLimiting, 2)
	assert.Equal(t, "b", res.MostLimiting[0].Cnec.ID)
	assert.InDelta(t, res.FunctionalCost, res.Cost(), 1e-9)
}

func TestFailedStateIsExcludedAndPenalised(t *testing.T) {
	a := cnec("a", preventive.ID(), 100)
	b := cnec("b", curative.ID(), 100)
	f := NewFunction(Options{
		Parameters:     config.Default(),
		OptimizedCnecs: []*model.FlowCnec{a, b},
	})

	r := flows(map[string]float64{"a": 60})
	r.SetStateStatus(preventive, sensitivity.Success)
	r.SetStateStatus(curative, sensitivity.Failure)

	res := f.Evaluate(r, nil)
	assert.InDelta(t, -40, res.FunctionalCost, 1e-9)
	assert.Equal(t, []string{curative.ID()}, res.ExcludedStates)
	assert.Equal(t, config.Default().SensitivityFailureOvercost, res.VirtualCosts[SensitivityFailureCost])
}

func TestMnecViolationCost(t *testing.T) {
	p := config.Default().WithMnec()
	p.Mnec.AcceptableMarginDecrease = 10
	p.Mnec.ViolationCost = 2
	mnec := cnec("m", preventive.ID(), 100)
	mnec.Optimized, mnec.Monitored = false, true

	f := NewFunction(Options{
		Parameters:     p,
		MonitoredCnecs: []*model.FlowCnec{mnec},
		Initial:        flows(map[string]float64{"m": 105}), // margin -5
	})

	// allowed margin is min(0, -5-10) = -15
	assert.Zero(t, f.Evaluate(flows(map[string]float64{"m": 114}), nil).VirtualCosts[MnecCost])
	res := f.Evaluate(flows(map[string]float64{"m": 120}), nil)
	assert.InDelta(t, 2*5, res.VirtualCosts[MnecCost], 1e-9)
}

func TestLoopFlowViolationCost(t *testing.T) {
	p := config.Default().WithLoopFlow()
	p.LoopFlow.AcceptableIncrease = 5
	p.LoopFlow.ViolationCost = 3
	lf := cnec("lf", preventive.ID(), 500)
	lf.LoopFlowThreshold = 20

	initial := flows(map[string]float64{"lf": 50})
	initial.SetCommercialFlow("lf", model.SideOne, 20) // loop-flow 30
	f := NewFunction(Options{Parameters: p, LoopFlowCnecs: []*model.FlowCnec{lf}, Initial: initial})

	assert.InDelta(t, 35, LoopFlowLimit(lf, initial, p.LoopFlow), 1e-9)

	cur := flows(map[string]float64{"lf": 60})
	cur.SetCommercialFlow("lf", model.SideOne, 20) // loop-flow 40
	assert.InDelta(t, 3*5, f.Evaluate(cur, nil).VirtualCosts[LoopFlowCost], 1e-9)
}

func TestUnoptimizedOperatorIgnoredUnlessMarginDecreases(t *testing.T) {
	a := cnec("a", preventive.ID(), 100)
	b := cnec("b", preventive.ID(), 100)
	b.Operator = "TSO-B"
	f := NewFunction(Options{
		Parameters:           config.Default(),
		OptimizedCnecs:       []*model.FlowCnec{a, b},
		PrePerimeter:         flows(map[string]float64{"a": 50, "b": 95}),
		UnoptimizedOperators: []string{"TSO-B"},
	})

	res := f.Evaluate(flows(map[string]float64{"a": 50, "b": 90}), nil)
	assert.InDelta(t, -50, res.FunctionalCost, 1e-9)

	res = f.Evaluate(flows(map[string]float64{"a": 50, "b": 97}), nil)
	assert.InDelta(t, -3, res.FunctionalCost, 1e-9)
}

type fixedSetpoints map[string]float64

func (s fixedSetpoints) Setpoint(_ model.State, raID string) float64 { return s[raID] }

func TestCnecInSeriesWithPstIgnoredWhilePstCanMove(t *testing.T) {
	a := cnec("a", preventive.ID(), 100)
	pst := &model.RangeAction{
		ID: "pst", Kind: model.KindPst,
		Taps: &model.TapTable{Angles: map[int]float64{-2: -1, -1: -0.5, 0: 0, 1: 0.5, 2: 1}},
	}
	f := NewFunction(Options{
		Parameters:            config.Default(),
		OptimizedCnecs:        []*model.FlowCnec{a},
		States:                []model.State{preventive},
		CnecsInSeriesWithPsts: map[string]*model.RangeAction{"a": pst},
	})

	r := flows(map[string]float64{"a": 99})
	assert.Zero(t, f.Evaluate(r, fixedSetpoints{"pst": 0}).FunctionalCost)
	assert.InDelta(t, -1, f.Evaluate(r, fixedSetpoints{"pst": 1}).FunctionalCost, 1e-9)
}

func TestRelativeMarginObjective(t *testing.T) {
	p := config.Default().WithRelativeMargins()
	a := cnec("a", preventive.ID(), 100)
	f := NewFunction(Options{Parameters: p, OptimizedCnecs: []*model.FlowCnec{a}})

	r := flows(map[string]float64{"a": 80})
	r.SetPtdfSum("a", model.SideOne, 0.5)
	assert.InDelta(t, -40, f.Evaluate(r, nil).FunctionalCost, 1e-9)

	var _ results.Flows = r
}

package raoresult

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/internal/objective"
	"github.com/signalsfoundry/rao/internal/results"
	"github.com/signalsfoundry/rao/internal/sensitivity"
	"github.com/signalsfoundry/rao/internal/testcase"
	"github.com/signalsfoundry/rao/model"
)

const tol = 1e-9

func flowsOf(t *testing.T, name string, values map[string]float64) (*sensitivity.Result, []*model.FlowCnec, []model.State) {
	t.Helper()
	cs := testcase.Load(t, name)
	res := sensitivity.NewResult()
	for _, st := range cs.Crac.States() {
		res.SetStateStatus(st, sensitivity.Success)
	}
	cnecs := cs.Crac.FlowCnecs()
	for _, cnec := range cnecs {
		for _, side := range cnec.Sides() {
			res.SetFlow(cnec.ID, side, values[cnec.ID])
		}
	}
	return res, cnecs, cs.Crac.States()
}

func TestBuilderRecordsCnecsPerPhase(t *testing.T) {
	flows, cnecs, _ := flowsOf(t, testcase.SinglePst, map[string]float64{"line-a": 20})
	b := NewBuilder("run-1", config.Default())
	b.AddCnecs(Initial, flows, cnecs)
	b.SetCost(Initial, objective.Result{FunctionalCost: -80, VirtualCosts: map[string]float64{"mnec-cost": 2}})
	res := b.Build()

	assert.Equal(t, Default, res.Status)
	assert.Equal(t, "run-1", res.RunID)
	margin, ok := res.Margin(Initial, "line-a")
	require.True(t, ok)
	assert.InDelta(t, 80, margin, tol)
	flow, ok := res.Flow(Initial, "line-a", cnecs[0].Sides()[0].String())
	require.True(t, ok)
	assert.InDelta(t, 20, flow, tol)
	assert.InDelta(t, -78, res.Cost(Initial), tol)

	_, ok = res.Margin(AfterPreventive, "line-a")
	assert.False(t, ok)
}

func TestBuilderMarksFailedStates(t *testing.T) {
	flows, cnecs, states := flowsOf(t, testcase.TwoZone, map[string]float64{"fr-be-prev": 50})
	for _, st := range states {
		if st.ContingencyID == "co1" {
			flows.SetStateStatus(st, sensitivity.Failure)
		}
	}
	b := NewBuilder("run-2", config.Default())
	b.AddCnecs(Initial, flows, cnecs)
	res := b.Build()

	assert.Equal(t, PartialFailure, res.Status)
	assert.Equal(t, []string{"co1 - curative", "co1 - outage"}, res.FailedStates)
	c, ok := res.Cnec(Initial, "fr-be-co1-cur")
	require.True(t, ok)
	assert.True(t, c.Unavailable)
	_, ok = res.Margin(Initial, "fr-be-prev")
	assert.True(t, ok)
}

func TestBuilderInitialFailure(t *testing.T) {
	_, cnecs, _ := flowsOf(t, testcase.SinglePst, nil)
	b := NewBuilder("run-3", config.Default())
	b.MarkInitialFailure("diverged")
	b.AddCnecs(Initial, nil, cnecs)
	res := b.Build()

	assert.Equal(t, Failure, res.Status)
	assert.Equal(t, "diverged", res.Message)
	_, ok := res.Margin(Initial, "line-a")
	assert.False(t, ok)
}

func TestBuilderRelativeMarginsAndPerimeterOrder(t *testing.T) {
	flows, cnecs, _ := flowsOf(t, testcase.SinglePst, map[string]float64{"line-a": 20})
	for _, side := range cnecs[0].Sides() {
		flows.SetPtdfSum("line-a", side, 0.5)
	}
	b := NewBuilder("run-4", config.Default().WithRelativeMargins())
	b.AddCnecs(AfterPreventive, flows, cnecs)
	b.AddPerimeter(PerimeterResult{StateID: "co2 - curative", Kind: "curative"})
	b.AddPerimeter(PerimeterResult{StateID: "co1 - curative", Kind: "curative"})
	b.AddPerimeter(PerimeterResult{StateID: "preventive", Kind: "preventive", NetworkActions: []string{"na"}})
	res := b.Build()

	c, ok := res.Cnec(AfterPreventive, "line-a")
	require.True(t, ok)
	require.NotNil(t, c.RelativeMargin)
	assert.InDelta(t, 160, *c.RelativeMargin, tol)
	require.NotNil(t, c.PtdfSum)
	assert.InDelta(t, 0.5, *c.PtdfSum, tol)

	ids := make([]string, 0, len(res.Perimeters))
	for _, p := range res.Perimeters {
		ids = append(ids, p.StateID)
	}
	assert.Equal(t, []string{"preventive", "co1 - curative", "co2 - curative"}, ids)
	assert.Equal(t, []string{"na"}, res.ActivatedNetworkActions("preventive"))
	assert.Empty(t, res.ActivatedNetworkActions("co1 - curative"))
}

func TestBuilderKeepsGlobalPerimetersInOrder(t *testing.T) {
	b := NewBuilder("run-6", config.Default())
	b.AddPerimeter(PerimeterResult{StateID: "co2 - curative", Kind: "curative"})
	b.AddPerimeter(PerimeterResult{StateID: "preventive", Kind: "global", NetworkActions: []string{"na"}})
	b.AddPerimeter(PerimeterResult{StateID: "co1 - curative", Kind: "global"})
	res := b.Build()

	var ids []string
	for _, p := range res.Perimeters {
		ids = append(ids, p.StateID)
	}
	assert.Equal(t, []string{"preventive", "co1 - curative", "co2 - curative"}, ids)
	p, ok := res.Perimeter("co1 - curative")
	require.True(t, ok)
	assert.Equal(t, "global", p.Kind)
}

func TestRangeActionResults(t *testing.T) {
	cs := testcase.Load(t, testcase.SinglePst)
	ra := cs.Crac.RangeAction("pst")
	require.NotNil(t, ra)
	prev := cs.Crac.PreventiveState()
	activation := results.NewRangeActionActivation(results.Setpoints{"pst": 0}, []model.State{prev})
	activation.SetSetpoint(prev, "pst", -2.5)

	out := RangeActionResults(prev, []*model.RangeAction{ra}, activation)
	require.Len(t, out, 1)
	assert.True(t, out[0].Activated)
	assert.InDelta(t, 0, out[0].PreOptimizationSetpoint, tol)
	assert.InDelta(t, -2.5, out[0].Setpoint, tol)
	require.NotNil(t, out[0].Tap)
	assert.Equal(t, -5, *out[0].Tap)
	assert.Equal(t, 0, *out[0].PreOptimizationTap)
}

func TestResultJSONRestoresIndexes(t *testing.T) {
	flows, cnecs, _ := flowsOf(t, testcase.SinglePst, map[string]float64{"line-a": 20})
	b := NewBuilder("run-5", config.Default())
	b.AddCnecs(Initial, flows, cnecs)
	b.AddPerimeter(PerimeterResult{StateID: "preventive", Kind: "preventive", RangeActions: []RangeActionResult{
		{RangeActionID: "pst", Activated: true, Setpoint: -2.5},
	}})
	data, err := json.Marshal(b.Build())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"computationStatus":"DEFAULT"`)

	var back Result
	require.NoError(t, json.Unmarshal(data, &back))
	margin, ok := back.Margin(Initial, "line-a")
	require.True(t, ok)
	assert.InDelta(t, 80, margin, tol)
	setpoint, ok := back.OptimizedSetpoint("preventive", "pst")
	require.True(t, ok)
	assert.InDelta(t, -2.5, setpoint, tol)
	assert.True(t, back.IsActivated("preventive", "pst"))
}

func TestStatusText(t *testing.T) {
	for _, s := range []Status{Default, PartialFailure, Failure} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var back Status
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}
	var s Status
	assert.Error(t, s.UnmarshalText([]byte("BROKEN")))
}

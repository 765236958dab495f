package results

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/rao/internal/sensitivity"
	"github.com/signalsfoundry/rao/model"
)

var (
	prevState = model.State{Instant: model.Instant{ID: "preventive", Kind: model.Preventive}}
	curState  = model.State{Instant: model.Instant{ID: "curative", Kind: model.Curative, Order: 3}, ContingencyID: "co1"}
)

func TestActivationInheritsFromPreviousState(t *testing.T) {
	a := NewRangeActionActivation(Setpoints{"pst": 0}, []model.State{curState, prevState})
	assert.Equal(t, []model.State{prevState, curState}, a.States())

	a.SetSetpoint(prevState, "pst", 1.5)
	assert.Equal(t, 1.5, a.Setpoint(curState, "pst"))
	assert.True(t, a.IsActivated(prevState, "pst"))
	assert.False(t, a.IsActivated(curState, "pst"))

	a.SetSetpoint(curState, "pst", 1.5)
	assert.False(t, a.IsActivated(curState, "pst"))

	a.SetSetpoint(curState, "pst", -1)
	assert.True(t, a.IsActivated(curState, "pst"))
	assert.Equal(t, []string{"pst"}, a.ActivatedRangeActions(curState))
	assert.Equal(t, 1.5, a.PreviousSetpoint(curState, "pst"))

	c := a.Clone()
	c.SetSetpoint(curState, "pst", 2)
	assert.Equal(t, -1.0, a.Setpoint(curState, "pst"))
	assert.False(t, a.Equal(c, 1e-6))
	assert.True(t, a.Equal(a.Clone(), 1e-6))
}

func TestTapConversion(t *testing.T) {
	ra := &model.RangeAction{ID: "pst", Kind: model.KindPst, Taps: &model.TapTable{Angles: map[int]float64{-1: -0.5, 0: 0, 1: 0.5}}}
	a := NewRangeActionActivation(Setpoints{"pst": 0}, []model.State{prevState})
	a.SetSetpoint(prevState, "pst", 0.49)
	assert.Equal(t, 1, a.Tap(prevState, ra))
}

func TestMargins(t *testing.T) {
	th := model.NewThreshold(model.SideOne)
	th.Min, th.Max = -100, 100
	cnec := &model.FlowCnec{ID: "c", Thresholds: []model.Threshold{th}, NominalVoltage: map[model.Side]float64{model.SideOne: 400}}

	r := sensitivity.NewResult()
	_, ok := Margin(r, cnec, model.Megawatt)
	assert.False(t, ok)

	r.SetFlow("c", model.SideOne, 80)
	r.SetPtdfSum("c", model.SideOne, 0.001)
	r.SetCommercialFlow("c", model.SideOne, 30)

	m, ok := Margin(r, cnec, model.Megawatt)
	require.True(t, ok)
	assert.InDelta(t, 20, m, 1e-9)

	amps, _ := Margin(r, cnec, model.Ampere)
	assert.InDelta(t, 20*1000/(1.7320508075688772*400), amps, 1e-9)

	rel, _ := RelativeMargin(r, cnec, model.Megawatt, 0.01)
	assert.InDelta(t, 2000, rel, 1e-9)

	lf, ok := LoopFlow(r, cnec)
	require.True(t, ok)
	assert.Equal(t, 50.0, lf)
}

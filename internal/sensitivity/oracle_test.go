package sensitivity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/rao/core"
	"github.com/signalsfoundry/rao/model"
)

func fixture() (*core.LinearModel, Request, *model.RangeAction) {
	prev := model.Instant{ID: "preventive", Kind: model.Preventive, Order: 0}
	cur := model.Instant{ID: "curative", Kind: model.Curative, Order: 3}
	preventive := model.State{Instant: prev}
	co1 := model.State{Instant: cur, ContingencyID: "co1"}
	co2 := model.State{Instant: cur, ContingencyID: "co2"}

	th := model.NewThreshold(model.SideOne)
	th.Min, th.Max = -100, 100
	c0 := &model.FlowCnec{ID: "c0", StateID: preventive.ID(), Optimized: true, Thresholds: []model.Threshold{th}}
	c1 := &model.FlowCnec{ID: "c1", StateID: co1.ID(), Optimized: true, Thresholds: []model.Threshold{th}}
	c2 := &model.FlowCnec{ID: "c2", StateID: co2.ID(), Optimized: true, Thresholds: []model.Threshold{th}}

	ra := &model.RangeAction{
		ID: "hvdc", Kind: model.KindHvdc,
		NetworkElements: map[string]float64{"hvdc-el": 1},
		InitialSetpoint: 0,
	}
	lm := &core.LinearModel{
		ReferenceFlows:     map[string]float64{"c0": 50, "c1": 70, "c2": 90},
		ReferenceSetpoints: map[string]float64{"hvdc-el": 0},
		Ptdfs:              map[string]map[string]float64{"hvdc-el": {"c0": 0.5, "c1": -0.25, "c2": 1}},
		Quadratic:          map[string]map[string]float64{"hvdc-el": {"c0": 0.01}},
		ZonalPtdfSums:      map[string]float64{"c0": 0.3},
		CommercialFlows:    map[string]float64{"c0": 20},
	}
	req := Request{
		States:              []model.State{preventive, co1, co2},
		Cnecs:               []*model.FlowCnec{c0, c1, c2},
		RangeActions:        []*model.RangeAction{ra},
		WithPtdfSums:        true,
		WithCommercialFlows: true,
	}
	return lm, req, ra
}

func TestLinearOracleComputesFlowsAndSensitivities(t *testing.T) {
	lm, req, ra := fixture()
	net := core.NewNetwork()
	net.ApplyRangeAction(ra, 10)

	res, err := NewLinearOracle(lm).Compute(context.Background(), net, req)
	require.NoError(t, err)
	assert.Equal(t, Success, res.Status())

	flow, ok := res.Flow("c0", model.SideOne)
	require.True(t, ok)
	assert.InDelta(t, 50+0.5*10+0.01*100, flow, 1e-9)

	sens, ok := res.Sensitivity("hvdc", "c0", model.SideOne)
	require.True(t, ok)
	assert.InDelta(t, 0.5+2*0.01*10, sens, 1e-9)

	ptdf, ok := res.PtdfSum("c0", model.SideOne)
	require.True(t, ok)
	assert.Equal(t, 0.3, ptdf)
	cf, ok := res.CommercialFlow("c0", model.SideOne)
	require.True(t, ok)
	assert.Equal(t, 20.0, cf)
}

func TestLinearOracleReportsFailingContingencyAsPartialFailure(t *testing.T) {
	lm, req, _ := fixture()
	lm.FailingContingencies = map[string]bool{"co1": true}

	res, err := NewLinearOracle(lm).Compute(context.Background(), core.NewNetwork(), req)
	require.NoError(t, err)
	assert.Equal(t, PartialFailure, res.Status())
	assert.Equal(t, Failure, res.StateStatus("co1 - curative"))
	assert.Equal(t, Success, res.StateStatus("co2 - curative"))
	assert.Equal(t, []string{"co1 - curative"}, res.FailedStates())

	_, ok := res.Flow("c1", model.SideOne)
	assert.False(t, ok)
	_, ok = res.Flow("c2", model.SideOne)
	assert.True(t, ok)
}

func TestLinearOracleRespectsCancellation(t *testing.T) {
	lm, req, _ := fixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLinearOracle(lm).Compute(ctx, core.NewNetwork(), req)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestComputerReleasesVariantOnFailure(t *testing.T) {
	lm, req, ra := fixture()
	comp := NewComputer(NewLinearOracle(lm), nil)
	base := core.NewNetwork()

	res, err := comp.ComputeOn(context.Background(), base, "iter", func(n *core.Network) error {
		n.ApplyRangeAction(ra, 4)
		return nil
	}, req)
	require.NoError(t, err)
	flow, _ := res.Flow("c2", model.SideOne)
	assert.InDelta(t, 94, flow, 1e-9)
	// base is untouched
	_, ok := base.Setpoint("hvdc-el")
	assert.False(t, ok)

	boom := errors.New("boom")
	_, err = comp.ComputeOn(context.Background(), base, "iter", func(*core.Network) error { return boom }, req)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, comp.Variants().Live())
}

func TestMergeDegradesStatus(t *testing.T) {
	a := NewResult()
	a.SetFlow("x", model.SideOne, 1)
	b := NewResult()
	b.SetFlow("y", model.SideOne, 2)
	b.SetStateStatus(model.State{Instant: model.Instant{ID: "cur", Kind: model.Curative, Order: 1}, ContingencyID: "co"}, Failure)

	a.Merge(b)
	assert.Equal(t, PartialFailure, a.Status())
	_, ok := a.Flow("y", model.SideOne)
	assert.True(t, ok)
}

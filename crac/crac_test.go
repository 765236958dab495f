package crac

import (
	"errors"
	"sync"
	"testing"

	"github.com/signalsfoundry/rao/model"
)

type margins map[string]float64

func (m margins) Margin(id string) (float64, bool) {
	v, ok := m[id]
	return v, ok
}

func newTestCrac(t *testing.T) *Crac {
	t.Helper()
	c := New("test")
	for _, in := range []model.Instant{
		{ID: "preventive", Kind: model.Preventive, Order: 0},
		{ID: "outage", Kind: model.Outage, Order: 1},
		{ID: "curative", Kind: model.Curative, Order: 2},
	} {
		if err := c.AddInstant(in); err != nil {
			t.Fatalf("AddInstant(%s): %v", in.ID, err)
		}
	}
	if err := c.AddContingency(&model.Contingency{ID: "co1"}); err != nil {
		t.Fatalf("AddContingency: %v", err)
	}
	th := model.NewThreshold(model.SideOne)
	th.Max = 100
	cnecs := []struct {
		cnec    *model.FlowCnec
		instant string
		co      string
	}{
		{&model.FlowCnec{ID: "prev", Optimized: true, Thresholds: []model.Threshold{th}, Countries: []string{"FR"}}, "preventive", ""},
		{&model.FlowCnec{ID: "out", Optimized: true, Thresholds: []model.Threshold{th}, Countries: []string{"BE"}}, "outage", "co1"},
		{&model.FlowCnec{ID: "cur", Optimized: true, Thresholds: []model.Threshold{th}, Countries: []string{"BE"}}, "curative", "co1"},
	}
	for _, tc := range cnecs {
		if err := c.AddFlowCnec(tc.cnec, tc.instant, tc.co); err != nil {
			t.Fatalf("AddFlowCnec(%s): %v", tc.cnec.ID, err)
		}
	}
	return c
}

func TestAddInstantValidation(t *testing.T) {
	c := New("x")
	if err := c.AddInstant(model.Instant{ID: "outage", Kind: model.Outage}); !errors.Is(err, ErrInvalidEntity) {
		t.Fatalf("expected first non-preventive instant to fail, got %v", err)
	}
	if err := c.AddInstant(model.Instant{ID: "preventive", Kind: model.Preventive}); err != nil {
		t.Fatalf("AddInstant: %v", err)
	}
	if err := c.AddInstant(model.Instant{ID: "preventive", Kind: model.Outage, Order: 1}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := c.AddInstant(model.Instant{ID: "outage", Kind: model.Outage, Order: 0}); !errors.Is(err, ErrInvalidEntity) {
		t.Fatalf("expected non-increasing order to fail, got %v", err)
	}
}

func TestStatesAndCnecs(t *testing.T) {
	c := newTestCrac(t)

	states := c.States()
	if len(states) != 3 {
		t.Fatalf("expected 3 states, got %d", len(states))
	}
	if !states[0].IsPreventive() || states[2].ID() != "co1 - curative" {
		t.Fatalf("unexpected state order: %v", states)
	}
	if got := c.FlowCnec("cur").StateID; got != "co1 - curative" {
		t.Fatalf("cnec state = %q", got)
	}
	if got := c.FlowCnecsAt("co1 - outage"); len(got) != 1 || got[0].ID != "out" {
		t.Fatalf("FlowCnecsAt returned %v", got)
	}
	th := model.NewThreshold(model.SideOne)
	err := c.AddFlowCnec(&model.FlowCnec{ID: "bad", Thresholds: []model.Threshold{th}}, "curative", "missing")
	if !errors.Is(err, ErrUnknownContingency) {
		t.Fatalf("expected unknown contingency, got %v", err)
	}
	if err := c.AddFlowCnec(&model.FlowCnec{ID: "prev", Thresholds: []model.Threshold{th}}, "preventive", ""); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected duplicate cnec, got %v", err)
	}
}

func TestAddRangeActionValidation(t *testing.T) {
	c := newTestCrac(t)
	pst := &model.RangeAction{
		ID:              "pst",
		Kind:            model.KindPst,
		NetworkElements: map[string]float64{"pst-el": 1},
		Taps:            &model.TapTable{Angles: map[int]float64{-1: -0.5, 0: 0, 1: 0.5}},
		InitialTap:      4,
	}
	if err := c.AddRangeAction(pst); !errors.Is(err, ErrInvalidEntity) {
		t.Fatalf("expected initial tap outside the table to fail, got %v", err)
	}
	pst.InitialTap = 0
	pst.UsageRules = []model.UsageRule{{Kind: model.OnInstant, InstantID: "nope"}}
	if err := c.AddRangeAction(pst); !errors.Is(err, ErrUnknownInstant) {
		t.Fatalf("expected unknown instant, got %v", err)
	}
	pst.UsageRules = []model.UsageRule{{Kind: model.OnInstant, InstantID: "preventive"}}
	if err := c.AddRangeAction(pst); err != nil {
		t.Fatalf("AddRangeAction: %v", err)
	}
}

func TestUsageRules(t *testing.T) {
	c := newTestCrac(t)
	elem := []model.ElementaryAction{{Kind: model.TopologyAction, NetworkElementID: "line", Open: true}}
	actions := []*model.NetworkAction{
		{ID: "free", Elementary: elem, UsageRules: []model.UsageRule{{Kind: model.OnInstant, InstantID: "preventive"}}},
		{ID: "forced", Elementary: elem, UsageRules: []model.UsageRule{{Kind: model.OnInstant, Method: model.Forced, InstantID: "preventive"}}},
		{ID: "on-cnec", Elementary: elem, UsageRules: []model.UsageRule{{Kind: model.OnConstraint, InstantID: "curative", CnecID: "cur"}}},
		{ID: "on-country", Elementary: elem, UsageRules: []model.UsageRule{{Kind: model.OnFlowConstraintInCountry, InstantID: "preventive", Country: "BE"}}},
		{ID: "on-co", Elementary: elem, UsageRules: []model.UsageRule{{Kind: model.OnContingencyState, InstantID: "curative", ContingencyID: "co1"}}},
	}
	for _, na := range actions {
		if err := c.AddNetworkAction(na); err != nil {
			t.Fatalf("AddNetworkAction(%s): %v", na.ID, err)
		}
	}

	prev := c.PreventiveState()
	cur, ok := c.State("co1", "curative")
	if !ok {
		t.Fatalf("curative state not found")
	}

	ids := func(nas []*model.NetworkAction) []string {
		res := make([]string, 0, len(nas))
		for _, na := range nas {
			res = append(res, na.ID)
		}
		return res
	}

	tests := []struct {
		name    string
		state   model.State
		margins MarginSource
		want    []string
	}{
		{"preventive without margins", prev, nil, []string{"free"}},
		{"preventive with overloaded BE cnec", prev, margins{"out": -5}, []string{"free", "on-country"}},
		{"curative secure", cur, margins{"cur": 10}, []string{"on-co"}},
		{"curative overloaded", cur, margins{"cur": -1}, []string{"on-cnec", "on-co"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := ids(c.AvailableNetworkActions(tc.state, tc.margins))
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}

	if forced := ids(c.ForcedNetworkActions(prev, nil)); len(forced) != 1 || forced[0] != "forced" {
		t.Fatalf("forced actions = %v", forced)
	}
}

func TestBoundaryDistance(t *testing.T) {
	c := New("x")
	c.AddCountryBoundary("FR", "BE")
	c.AddCountryBoundary("BE", "NL")
	c.AddCountryBoundary("NL", "DE")

	if got := c.BoundaryDistance([]string{"FR"}, []string{"FR"}); got != 0 {
		t.Fatalf("distance to self = %d", got)
	}
	if got := c.BoundaryDistance([]string{"FR"}, []string{"DE"}); got != 3 {
		t.Fatalf("FR->DE = %d, want 3", got)
	}
	if got := c.BoundaryDistance([]string{"FR"}, []string{"IT"}); got != -1 {
		t.Fatalf("unreachable country = %d, want -1", got)
	}
}

func TestConcurrentReads(t *testing.T) {
	c := newTestCrac(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.FlowCnecs()
				_ = c.States()
			}
		}()
	}
	wg.Wait()
}

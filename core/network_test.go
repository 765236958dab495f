package core

import (
	"os"
	"sync"
	"testing"

	"github.com/signalsfoundry/rao/model"
)

func testPst() *model.RangeAction {
	return &model.RangeAction{
		ID:              "pst",
		Kind:            model.KindPst,
		NetworkElements: map[string]float64{"pst-el": 1},
		Taps:            &model.TapTable{Angles: map[int]float64{-2: -1, -1: -0.5, 0: 0, 1: 0.5, 2: 1}},
	}
}

func TestNetworkApplyRangeActionSnapsPstToTap(t *testing.T) {
	n := NewNetwork()
	pst := testPst()
	n.ApplyRangeAction(pst, 0.6)

	if tap, ok := n.Tap("pst-el"); !ok || tap != 1 {
		t.Fatalf("tap = %d (%v), want 1", tap, ok)
	}
	if got := n.RangeActionSetpoint(pst); got != 0.5 {
		t.Fatalf("setpoint = %v, want 0.5", got)
	}

	inj := &model.RangeAction{
		ID:              "inj",
		Kind:            model.KindInjection,
		NetworkElements: map[string]float64{"gen-a": 0.6, "gen-b": 0.4},
	}
	n.ApplyRangeAction(inj, 100)
	if v, _ := n.Setpoint("gen-b"); v != 40 {
		t.Fatalf("gen-b setpoint = %v, want 40", v)
	}
	if got := n.RangeActionSetpoint(inj); got != 100 {
		t.Fatalf("injection setpoint = %v, want 100", got)
	}
}

func TestNetworkApplyNetworkAction(t *testing.T) {
	n := NewNetwork()
	n.pstTables["pst-el"] = testPst().Taps

	na := &model.NetworkAction{ID: "na", Elementary: []model.ElementaryAction{
		{Kind: model.TopologyAction, NetworkElementID: "line", Open: true},
		{Kind: model.PstSetpointAction, NetworkElementID: "pst-el", Tap: -2},
	}}
	if err := n.ApplyNetworkAction(na); err != nil {
		t.Fatalf("ApplyNetworkAction: %v", err)
	}
	if !n.IsOpen("line") || !n.IsApplied("na") {
		t.Fatalf("expected line open and action recorded")
	}
	if v, _ := n.Setpoint("pst-el"); v != -1 {
		t.Fatalf("pst angle = %v, want -1", v)
	}

	bad := &model.NetworkAction{ID: "bad", Elementary: []model.ElementaryAction{
		{Kind: model.PstSetpointAction, NetworkElementID: "pst-el", Tap: 7},
	}}
	if err := n.ApplyNetworkAction(bad); err == nil {
		t.Fatalf("expected out-of-range tap to fail")
	}
}

func TestVariantManagerIsolationAndRelease(t *testing.T) {
	var observed []int
	var mu sync.Mutex
	m := NewVariantManager(WithLiveVariantObserver(func(live int) {
		mu.Lock()
		observed = append(observed, live)
		mu.Unlock()
	}))
	base := NewNetwork()
	base.setpoints["x"] = 1

	v, release := m.Clone(base, "leaf")
	v.setpoints["x"] = 2
	if base.setpoints["x"] != 1 {
		t.Fatalf("variant mutation leaked into base")
	}
	if m.Live() != 1 {
		t.Fatalf("live = %d, want 1", m.Live())
	}
	release()
	release()
	if m.Live() != 0 {
		t.Fatalf("live = %d after release, want 0", m.Live())
	}
	if len(observed) != 2 || observed[0] != 1 || observed[1] != 0 {
		t.Fatalf("observer saw %v", observed)
	}
}

func TestLinearModelFlowAndDerivative(t *testing.T) {
	n := NewNetwork()
	n.setpoints["pst-el"] = 2
	n.open["line"] = true
	lm := &LinearModel{
		ReferenceFlows:     map[string]float64{"c": 100},
		ReferenceSetpoints: map[string]float64{"pst-el": 0},
		Ptdfs:              map[string]map[string]float64{"pst-el": {"c": 3}},
		Quadratic:          map[string]map[string]float64{"pst-el": {"c": 0.5}},
		TopologyDeltas:     map[string]map[string]float64{"line": {"c": -10}},
	}
	// 100 + 3*2 + 0.5*4 - 10
	if got := lm.Flow(n, "c"); got != 98 {
		t.Fatalf("flow = %v, want 98", got)
	}
	if got := lm.Derivative(n, "pst-el", "c"); got != 5 {
		t.Fatalf("derivative = %v, want 5", got)
	}
}

func TestLoadCase(t *testing.T) {
	f, err := os.Open("../internal/testcase/cases/two_zone.json")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	cs, err := LoadCase(f)
	if err != nil {
		t.Fatalf("LoadCase: %v", err)
	}
	if got := len(cs.Crac.FlowCnecs()); got != 4 {
		t.Fatalf("cnecs = %d, want 4", got)
	}
	pst := cs.Crac.RangeAction("pst-fr")
	if pst == nil || pst.Taps.HighTap() != 10 || len(pst.UsageRules) != 2 {
		t.Fatalf("unexpected pst %+v", pst)
	}
	if mnec := cs.Crac.FlowCnec("be-nl-mnec"); mnec.Optimized || !mnec.Monitored {
		t.Fatalf("mnec flags not loaded: %+v", mnec)
	}
	if na := cs.Crac.NetworkAction("open-line-be"); na == nil || na.UsageRules[0].InstantID != "preventive" {
		t.Fatalf("network action default usage rule missing: %+v", na)
	}
	if got := cs.Model.Flow(cs.Network, "fr-be-prev"); got != 120 {
		t.Fatalf("initial flow = %v, want 120", got)
	}
	if got := cs.Crac.BoundaryDistance([]string{"FR"}, []string{"NL"}); got != 2 {
		t.Fatalf("FR->NL = %d", got)
	}
}

func TestVariantManagerObserverSeesOrderedCounts(t *testing.T) {
	var observed []int
	last := -1
	m := NewVariantManager(WithLiveVariantObserver(func(live int) {
		// Runs under the manager lock; no extra locking needed.
		observed = append(observed, live)
		last = live
	}))
	base := NewNetwork()

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, release := m.Clone(base, "leaf")
				release()
			}
		}()
	}
	wg.Wait()

	if len(observed) != 2*workers*50 {
		t.Fatalf("observer called %d times, want %d", len(observed), 2*workers*50)
	}
	for i := 1; i < len(observed); i++ {
		if d := observed[i] - observed[i-1]; d != 1 && d != -1 {
			t.Fatalf("counts out of order at %d: %v -> %v", i, observed[i-1], observed[i])
		}
	}
	if last != 0 || m.Live() != 0 {
		t.Fatalf("last observed = %d, live = %d, want 0", last, m.Live())
	}
}

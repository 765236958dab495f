package rao

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/rao/core"
	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/internal/linearopt"
	"github.com/signalsfoundry/rao/internal/linearproblem"
	"github.com/signalsfoundry/rao/internal/raoresult"
	"github.com/signalsfoundry/rao/internal/searchtree"
	"github.com/signalsfoundry/rao/internal/sensitivity"
	"github.com/signalsfoundry/rao/internal/testcase"
	"github.com/signalsfoundry/rao/timectrl"
)

const tol = 1e-3

const curativeState = "co1 - curative"

func input(cs *core.Case, params config.RaoParameters) Input {
	return Input{
		Crac:       cs.Crac,
		Network:    cs.Network,
		Oracle:     sensitivity.NewLinearOracle(cs.Model),
		Parameters: params,
		Variants:   core.NewVariantManager(),
	}
}

func minObjective() config.RaoParameters {
	params := config.Default()
	params.ObjectiveFunction.PreventiveStopCriterion = config.PreventiveMinObjective
	return params
}

func TestRunSinglePst(t *testing.T) {
	cs := testcase.Load(t, testcase.SinglePst)
	in := input(cs, minObjective())

	res, err := Run(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, raoresult.Default, res.Status)
	assert.NotEmpty(t, res.RunID)
	assert.InDelta(t, -80, res.Cost(raoresult.Initial), tol)
	assert.InDelta(t, -85, res.Cost(raoresult.AfterPreventive), tol)
	assert.InDelta(t, -85, res.Cost(raoresult.AfterCurative), tol)

	margin, ok := res.Margin(raoresult.AfterPreventive, "line-a")
	require.True(t, ok)
	assert.InDelta(t, 85, margin, tol)
	assert.True(t, res.IsActivated("preventive", "pst"))
	tap, ok := res.OptimizedTap("preventive", "pst")
	require.True(t, ok)
	assert.Equal(t, -5, tap)

	prev, ok := res.Perimeter("preventive")
	require.True(t, ok)
	assert.Equal(t, string(searchtree.NoCombinationLeft), prev.StopReason)
	assert.Equal(t, "preventive", prev.Kind)
	assert.Len(t, res.Perimeters, 1)
	assert.Zero(t, in.Variants.Live())
	assert.False(t, cs.Network.IsApplied("pst"))
}

func TestRunKeepsSecureInitialSituation(t *testing.T) {
	cs := testcase.Load(t, testcase.SinglePst)
	in := input(cs, config.Default())

	res, err := Run(context.Background(), in)
	require.NoError(t, err)

	// Every margin is already positive: nothing is moved.
	assert.InDelta(t, -80, res.Cost(raoresult.AfterPreventive), tol)
	assert.False(t, res.IsActivated("preventive", "pst"))
	prev, ok := res.Perimeter("preventive")
	require.True(t, ok)
	assert.Equal(t, string(searchtree.StopCriterionReached), prev.StopReason)
	assert.Empty(t, prev.LinearStatus)
	assert.Zero(t, in.Variants.Live())
}

func TestRunTwoZoneOptimizesPreventiveThenCurative(t *testing.T) {
	cs := testcase.Load(t, testcase.TwoZone)
	in := input(cs, minObjective())

	res, err := Run(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, raoresult.Default, res.Status)
	assert.InDelta(t, 40, res.Cost(raoresult.Initial), tol)
	assert.Equal(t, []string{"open-line-be"}, res.ActivatedNetworkActions("preventive"))
	assert.True(t, res.IsActivated("preventive", "pst-fr"))

	initial, ok := res.Margin(raoresult.Initial, "fr-be-prev")
	require.True(t, ok)
	assert.InDelta(t, -20, initial, tol)
	afterPRA, ok := res.Margin(raoresult.AfterPreventive, "fr-be-prev")
	require.True(t, ok)
	assert.InDelta(t, 15, afterPRA, tol)

	cur, ok := res.Perimeter(curativeState)
	require.True(t, ok)
	assert.Equal(t, "curative", cur.Kind)
	assert.Empty(t, cur.NetworkActions)

	assert.Less(t, res.Cost(raoresult.AfterPreventive), res.Cost(raoresult.Initial))
	assert.LessOrEqual(t, res.Cost(raoresult.AfterCurative), res.Cost(raoresult.AfterPreventive)+tol)
	assert.Equal(t, "preventive", res.Perimeters[0].StateID)
	assert.Zero(t, in.Variants.Live())
}

func TestRunSkipsCurativeWhenPreventiveIsNotSecure(t *testing.T) {
	cs := testcase.Load(t, testcase.TwoZone)
	// The PST alone leaves 20 MW of overload on the preventive CNEC.
	cs.Model.ReferenceFlows["fr-be-prev"] = 140
	params := config.Default()
	params.TopoOptimization.MaxPreventiveSearchTreeDepth = 0

	res, err := Run(context.Background(), input(cs, params))
	require.NoError(t, err)

	_, ok := res.Perimeter(curativeState)
	assert.False(t, ok)
	assert.Contains(t, res.Message, "not secure")
	assert.InDelta(t, res.Cost(raoresult.AfterPreventive), res.Cost(raoresult.AfterCurative), tol)
}

func TestRunInitialFailureIsAStatus(t *testing.T) {
	cs := testcase.Load(t, testcase.SinglePst)
	in := input(cs, config.Default())
	in.Oracle = sensitivity.OracleFunc(func(context.Context, *core.Network, sensitivity.Request) (*sensitivity.Result, error) {
		return sensitivity.FailedResult(), nil
	})

	res, err := Run(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, raoresult.Failure, res.Status)
	assert.NotEmpty(t, res.Message)
	_, ok := res.Margin(raoresult.Initial, "line-a")
	assert.False(t, ok)
	assert.Empty(t, res.Perimeters)
	assert.Zero(t, in.Variants.Live())
}

func TestRunDivergingContingencyIsPartialFailure(t *testing.T) {
	cs := testcase.LoadWithFailingContingencies(t, testcase.TwoZone, "co1")
	in := input(cs, minObjective())

	res, err := Run(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, raoresult.PartialFailure, res.Status)
	assert.Contains(t, res.FailedStates, curativeState)
	assert.Contains(t, res.FailedStates, "co1 - outage")
	_, ok := res.Perimeter(curativeState)
	assert.False(t, ok)
	_, ok = res.Margin(raoresult.AfterCurative, "fr-be-co1-cur")
	assert.False(t, ok)
	_, ok = res.Margin(raoresult.AfterCurative, "fr-be-prev")
	assert.True(t, ok)
	assert.Zero(t, in.Variants.Live())
}

func TestRunRejectsInvalidInput(t *testing.T) {
	cs := testcase.Load(t, testcase.SinglePst)

	_, err := Run(context.Background(), Input{Network: cs.Network})
	assert.ErrorIs(t, err, ErrInvalidInput)

	params := config.Default()
	params.RangeActionsOptimization.MaxMipIterations = 0
	_, err = Run(context.Background(), input(cs, params))
	assert.ErrorIs(t, err, config.ErrInvalidParameters)
}

func TestRunStopsWhenTimeBudgetIsSpent(t *testing.T) {
	cs := testcase.Load(t, testcase.TwoZone)
	clock := timectrl.NewFakeClock(time.Unix(0, 0))
	params := minObjective()
	params.TimeLimit = time.Minute

	oracle := sensitivity.NewLinearOracle(cs.Model)
	var once sync.Once
	in := input(cs, params)
	in.Clock = clock
	in.Oracle = sensitivity.OracleFunc(func(ctx context.Context, n *core.Network, req sensitivity.Request) (*sensitivity.Result, error) {
		once.Do(func() { clock.Advance(2 * time.Minute) })
		return oracle.Compute(ctx, n, req)
	})

	res, err := Run(context.Background(), in)
	require.NoError(t, err)

	prev, ok := res.Perimeter("preventive")
	require.True(t, ok)
	assert.Equal(t, string(searchtree.BudgetExhausted), prev.StopReason)
	assert.Empty(t, prev.NetworkActions)
	assert.Contains(t, res.Message, "time budget")
	_, ok = res.Perimeter(curativeState)
	assert.False(t, ok)
	assert.Zero(t, in.Variants.Live())
}

func TestRunSecondPreventive(t *testing.T) {
	cases := []struct {
		name          string
		reOptimize    bool
		curativeKind  string
		wantGlobalRAs bool
	}{
		{name: "with curative range actions", reOptimize: true, curativeKind: "global", wantGlobalRAs: true},
		{name: "curative optimised afterwards", reOptimize: false, curativeKind: "curative"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cs := testcase.Load(t, testcase.TwoZone)
			// Opening line-be relieves the preventive CNECs but overloads
			// the curative one beyond what the PST can fix.
			cs.Model.TopologyDeltas["line-be"]["fr-be-co1-cur"] = 30
			params := minObjective()
			params.SecondPreventive = config.SecondPreventiveParameters{
				ExecutionCondition:             config.SecondPreventivePossibleCurativeImprovement,
				ReOptimizeCurativeRangeActions: tc.reOptimize,
			}
			rec := &runRecorder{perimeters: map[string]int{}}
			in := input(cs, params)
			in.Recorder = rec

			res, err := Run(context.Background(), in)
			require.NoError(t, err)

			assert.Equal(t, raoresult.Default, res.Status)
			assert.Empty(t, res.ActivatedNetworkActions("preventive"))
			prev, ok := res.Perimeter("preventive")
			require.True(t, ok)
			assert.Equal(t, "global", prev.Kind)
			assert.Equal(t, "preventive", res.Perimeters[0].StateID)
			cur, ok := res.Perimeter(curativeState)
			require.True(t, ok)
			assert.Equal(t, tc.curativeKind, cur.Kind)
			assert.Equal(t, tc.wantGlobalRAs, rec.perimeters["curative"] == 1)

			// The first pass ends with the curative CNEC 45 MW over its
			// limit; without the opening the PST leaves it 15 MW over.
			assert.InDelta(t, 15, res.Cost(raoresult.AfterCurative), tol)
			margin, ok := res.Margin(raoresult.AfterCurative, "fr-be-co1-cur")
			require.True(t, ok)
			assert.InDelta(t, -15, margin, tol)
			tap, ok := res.OptimizedTap(curativeState, "pst-fr")
			require.True(t, ok)
			assert.Equal(t, -10, tap)
			assert.Equal(t, 1, rec.perimeters["global"])
			assert.Zero(t, in.Variants.Live())
		})
	}
}

func TestRunSecondPreventiveKeepsBetterFirstResult(t *testing.T) {
	cs := testcase.Load(t, testcase.TwoZone)
	params := minObjective()
	params.SecondPreventive.ExecutionCondition = config.SecondPreventivePossibleCurativeImprovement
	params.SecondPreventive.ReOptimizeCurativeRangeActions = true
	rec := &runRecorder{perimeters: map[string]int{}}
	in := input(cs, params)
	in.Recorder = rec

	res, err := Run(context.Background(), in)
	require.NoError(t, err)

	// The curative CNEC stays the limiting one whatever the preventive
	// choice: the global optimisation runs without doing better.
	assert.Equal(t, 1, rec.perimeters["global"])
	prev, ok := res.Perimeter("preventive")
	require.True(t, ok)
	assert.Equal(t, "preventive", prev.Kind)
	assert.Equal(t, []string{"open-line-be"}, res.ActivatedNetworkActions("preventive"))
	assert.Zero(t, in.Variants.Live())
}

func TestRunSecondPreventiveDisabledByDefault(t *testing.T) {
	cs := testcase.Load(t, testcase.TwoZone)
	cs.Model.TopologyDeltas["line-be"]["fr-be-co1-cur"] = 30
	rec := &runRecorder{perimeters: map[string]int{}}
	in := input(cs, minObjective())
	in.Recorder = rec

	res, err := Run(context.Background(), in)
	require.NoError(t, err)
	assert.Zero(t, rec.perimeters["global"])
	assert.Equal(t, []string{"open-line-be"}, res.ActivatedNetworkActions("preventive"))
	assert.InDelta(t, 45, res.Cost(raoresult.AfterCurative), tol)
}

type runRecorder struct {
	mu         sync.Mutex
	perimeters map[string]int
	runs       []string
	maxLive    int
}

func (r *runRecorder) ObserveSolve(linearproblem.Status, time.Duration) {}
func (r *runRecorder) ObserveLinearOptimization(linearopt.Status, int)  {}
func (r *runRecorder) ObserveLeaf(searchtree.LeafStatus)                {}
func (r *runRecorder) ObserveSearchDepth(int)                           {}

func (r *runRecorder) ObservePerimeter(kind string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perimeters[kind]++
}

func (r *runRecorder) ObserveRun(status string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, status)
}

func (r *runRecorder) SetLiveVariants(live int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxLive = max(r.maxLive, live)
}

func TestRunRecordsMetrics(t *testing.T) {
	cs := testcase.Load(t, testcase.TwoZone)
	rec := &runRecorder{perimeters: map[string]int{}}
	in := input(cs, minObjective())
	in.Variants = nil
	in.Recorder = rec

	_, err := Run(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"preventive": 1, "curative": 1}, rec.perimeters)
	assert.Equal(t, []string{"DEFAULT"}, rec.runs)
	assert.Positive(t, rec.maxLive)
}

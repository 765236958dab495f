package linearopt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/rao/core"
	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/internal/linearproblem"
	"github.com/signalsfoundry/rao/internal/objective"
	"github.com/signalsfoundry/rao/internal/perimeter"
	"github.com/signalsfoundry/rao/internal/sensitivity"
	"github.com/signalsfoundry/rao/internal/testcase"
	"github.com/signalsfoundry/rao/model"
)

const tol = 1e-3

func preventiveInput(t *testing.T, cs *core.Case, network *core.Network, params config.RaoParameters) Input {
	t.Helper()
	p, err := perimeter.NewPreventive(cs.Crac, cs.Crac.FlowCnecs(), nil, perimeter.Options{})
	require.NoError(t, err)
	computer := sensitivity.NewComputer(sensitivity.NewLinearOracle(cs.Model), nil)
	in := Input{Perimeter: p, Parameters: params, Network: network, Computer: computer}
	initial, err := computer.ComputeOn(context.Background(), network, "initial", nil, Request(in.Parameters, in.Perimeter))
	require.NoError(t, err)
	in.Sensitivity = initial
	in.PrePerimeterFlows = initial
	in.InitialFlows = initial
	in.Objective = objective.ForPerimeter(params, p, initial, initial)
	return in
}

func pst(t *testing.T, in Input, id string) *model.RangeAction {
	t.Helper()
	for _, ra := range in.Perimeter.AllRangeActions() {
		if ra.ID == id {
			return ra
		}
	}
	t.Fatalf("range action %s not in perimeter", id)
	return nil
}

func TestOptimizeMovesPstToRaiseMargin(t *testing.T) {
	cs := testcase.Load(t, testcase.SinglePst)
	in := preventiveInput(t, cs, cs.Network, config.Default())
	require.InDelta(t, -80, in.Objective.Evaluate(in.Sensitivity, nil).FunctionalCost, tol)

	res, err := Optimize(context.Background(), in)
	require.NoError(t, err)

	main := in.Perimeter.MainState()
	assert.Equal(t, Optimal, res.Status)
	assert.True(t, res.Activation.IsActivated(main, "pst"))
	assert.Equal(t, -5, res.Activation.Tap(main, pst(t, in, "pst")))
	assert.LessOrEqual(t, res.Objective.FunctionalCost, -81.0)
	assert.InDelta(t, -85, res.Objective.FunctionalCost, tol)
	assert.GreaterOrEqual(t, res.Iterations, 1)
}

func TestActivationReproducesFlows(t *testing.T) {
	cs := testcase.Load(t, testcase.SinglePst)
	in := preventiveInput(t, cs, cs.Network, config.Default())
	res, err := Optimize(context.Background(), in)
	require.NoError(t, err)

	net := cs.Network.Derive()
	ra := pst(t, in, "pst")
	net.ApplyRangeAction(ra, res.Activation.Setpoint(in.Perimeter.MainState(), ra.ID))
	recomputed, err := sensitivity.NewLinearOracle(cs.Model).Compute(context.Background(), net, Request(in.Parameters, in.Perimeter))
	require.NoError(t, err)

	want, ok := res.Sensitivity.Flow("line-a", model.SideOne)
	require.True(t, ok)
	got, ok := recomputed.Flow("line-a", model.SideOne)
	require.True(t, ok)
	assert.InDelta(t, want, got, tol)
	assert.InDelta(t, 15, got, tol)
}

func TestRerunOnConvergedPointIsStable(t *testing.T) {
	cs := testcase.Load(t, testcase.SinglePst)
	params := config.Default()
	first, err := Optimize(context.Background(), preventiveInput(t, cs, cs.Network, params))
	require.NoError(t, err)

	in := preventiveInput(t, cs, cs.Network, params)
	moved := cs.Network.Derive()
	ra := pst(t, in, "pst")
	moved.ApplyRangeAction(ra, first.Activation.Setpoint(in.Perimeter.MainState(), ra.ID))

	again, err := Optimize(context.Background(), preventiveInput(t, cs, moved, params))
	require.NoError(t, err)
	assert.Equal(t, Optimal, again.Status)
	assert.InDelta(t, first.Objective.FunctionalCost, again.Objective.FunctionalCost, tol)
	assert.Empty(t, again.Activation.ActivatedRangeActions(in.Perimeter.MainState()))
}

func TestGroupedPstsStayAligned(t *testing.T) {
	cs := testcase.Load(t, testcase.GroupedPsts)
	in := preventiveInput(t, cs, cs.Network, config.Default())
	res, err := Optimize(context.Background(), in)
	require.NoError(t, err)

	main := in.Perimeter.MainState()
	assert.InDelta(t, res.Activation.Setpoint(main, "pst1"), res.Activation.Setpoint(main, "pst2"), tol)
	assert.InDelta(t, -40, res.Objective.FunctionalCost, tol)
}

func TestFailingContingencyIsExcluded(t *testing.T) {
	cs := testcase.LoadWithFailingContingencies(t, testcase.TwoZone, "co1")
	in := preventiveInput(t, cs, cs.Network, config.Default())
	require.Equal(t, sensitivity.PartialFailure, in.Sensitivity.Status())

	res, err := Optimize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, Optimal, res.Status)
	assert.Len(t, res.Objective.ExcludedStates, 2)
	assert.Equal(t, -10, res.Activation.Tap(in.Perimeter.MainState(), pst(t, in, "pst-fr")))
	assert.InDelta(t, 0, res.Objective.FunctionalCost, tol)
	assert.InDelta(t, config.Default().SensitivityFailureOvercost, res.Objective.VirtualCost(), tol)
}

func TestSensitivityFailureBeforeOptimisation(t *testing.T) {
	cs := testcase.Load(t, testcase.SinglePst)
	in := preventiveInput(t, cs, cs.Network, config.Default())
	in.Sensitivity = nil
	in.Computer = sensitivity.NewComputer(sensitivity.OracleFunc(func(context.Context, *core.Network, sensitivity.Request) (*sensitivity.Result, error) {
		return sensitivity.FailedResult(), nil
	}), nil)

	res, err := Optimize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, SensitivityComputationFailed, res.Status)
	assert.True(t, res.Status.Failed())
}

type stubSolver struct{ status linearproblem.Status }

func (s stubSolver) Solve(context.Context, *linearproblem.Problem) *linearproblem.Solution {
	return &linearproblem.Solution{Status: s.status}
}

func TestSolverFailuresAreStatuses(t *testing.T) {
	cases := []struct {
		solver linearproblem.Status
		want   Status
	}{
		{linearproblem.Infeasible, Infeasible},
		{linearproblem.Unbounded, Abnormal},
		{linearproblem.Abnormal, Abnormal},
	}
	for _, tc := range cases {
		t.Run(tc.solver.String(), func(t *testing.T) {
			cs := testcase.Load(t, testcase.SinglePst)
			in := preventiveInput(t, cs, cs.Network, config.Default())
			in.Solver = stubSolver{status: tc.solver}

			res, err := Optimize(context.Background(), in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Status)
			assert.Empty(t, res.Activation.ActivatedRangeActions(in.Perimeter.MainState()))
			assert.InDelta(t, -80, res.Objective.FunctionalCost, tol)
		})
	}
}

func TestDiscreteTaps(t *testing.T) {
	cs := testcase.Load(t, testcase.SinglePst)
	params := config.Default()
	params.RangeActionsOptimization.PstModel = config.PstApproximatedIntegers
	in := preventiveInput(t, cs, cs.Network, params)

	res, err := Optimize(context.Background(), in)
	require.NoError(t, err)
	assert.Contains(t, []Status{Optimal, Feasible}, res.Status)
	assert.Equal(t, -5, res.Activation.Tap(in.Perimeter.MainState(), pst(t, in, "pst")))
}

func TestIterationCap(t *testing.T) {
	cs := testcase.Load(t, testcase.SinglePst)
	params := config.Default()
	params.RangeActionsOptimization.MaxMipIterations = 1
	in := preventiveInput(t, cs, cs.Network, params)

	res, err := Optimize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, MaxIterationReached, res.Status)
	assert.InDelta(t, -85, res.Objective.FunctionalCost, tol)
}

func TestRangeShrinkingConverges(t *testing.T) {
	cs := testcase.Load(t, testcase.SinglePst)
	in := preventiveInput(t, cs, cs.Network, config.Default())
	in.RangeShrinking = true

	res, err := Optimize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, Optimal, res.Status)
	assert.InDelta(t, -85, res.Objective.FunctionalCost, tol)
}

func TestCancelledRunKeepsBaseline(t *testing.T) {
	cs := testcase.Load(t, testcase.SinglePst)
	in := preventiveInput(t, cs, cs.Network, config.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Optimize(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, Feasible, res.Status)
	assert.Empty(t, res.Activation.ActivatedRangeActions(in.Perimeter.MainState()))
}

func TestMissingInput(t *testing.T) {
	_, err := Optimize(context.Background(), Input{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

type countingRecorder struct {
	mu     sync.Mutex
	solves map[linearproblem.Status]int
	runs   []Status
}

func (r *countingRecorder) ObserveSolve(status linearproblem.Status, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.solves[status]++
}

func (r *countingRecorder) ObserveLinearOptimization(status Status, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, status)
}

func TestRecorderObservesSolves(t *testing.T) {
	cs := testcase.Load(t, testcase.SinglePst)
	in := preventiveInput(t, cs, cs.Network, config.Default())
	rec := &countingRecorder{solves: make(map[linearproblem.Status]int)}
	in.Recorder = rec

	_, err := Optimize(context.Background(), in)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.solves[linearproblem.Optimal], 2)
	assert.Equal(t, []Status{Optimal}, rec.runs)
}

func TestImprovesIgnoresNoise(t *testing.T) {
	assert.True(t, improves(-10, -9))
	assert.False(t, improves(-9-1e-9, -9))
	assert.False(t, improves(-8, -9))
}

// worseWhenMovedOracle adds 20 MW on line-a as soon as the PST leaves its
// initial tap, so every moved point is worse than the starting one.
func worseWhenMovedOracle(cs *core.Case, calls *int) sensitivity.Oracle {
	base := sensitivity.NewLinearOracle(cs.Model)
	return sensitivity.OracleFunc(func(ctx context.Context, n *core.Network, req sensitivity.Request) (*sensitivity.Result, error) {
		*calls++
		res, err := base.Compute(ctx, n, req)
		if err != nil {
			return nil, err
		}
		if flow, ok := res.Flow("line-a", model.SideOne); ok && flow != 20 {
			res.SetFlow("line-a", model.SideOne, flow+20)
		}
		return res, nil
	})
}

func TestRangeShrinkingLinearisesAroundLastPoint(t *testing.T) {
	cs := testcase.Load(t, testcase.SinglePst)
	params := config.Default()
	params.RangeActionsOptimization.MaxMipIterations = 5
	in := preventiveInput(t, cs, cs.Network, params)
	in.RangeShrinking = true
	calls := 0
	in.Computer = sensitivity.NewComputer(worseWhenMovedOracle(cs, &calls), nil)

	res, err := Optimize(context.Background(), in)
	require.NoError(t, err)

	// The second solve starts from the worse point, lands on the same tap
	// and stops without another sensitivity run.
	assert.Equal(t, Optimal, res.Status)
	assert.Equal(t, 1, calls)
	assert.Empty(t, res.Activation.ActivatedRangeActions(in.Perimeter.MainState()))
	assert.InDelta(t, -80, res.Objective.FunctionalCost, tol)
}

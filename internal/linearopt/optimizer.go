// Package linearopt runs the iterating linear optimisation of one search
// tree leaf: build the linear problem from the current sensitivities, solve
// it, round PST taps, recompute sensitivities at the new operating point and
// repeat until the setpoints stop moving.
package linearopt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/signalsfoundry/rao/core"
	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/internal/fillers"
	"github.com/signalsfoundry/rao/internal/linearproblem"
	"github.com/signalsfoundry/rao/internal/logging"
	"github.com/signalsfoundry/rao/internal/objective"
	"github.com/signalsfoundry/rao/internal/perimeter"
	"github.com/signalsfoundry/rao/internal/results"
	"github.com/signalsfoundry/rao/internal/sensitivity"
	"github.com/signalsfoundry/rao/internal/spans"
	"github.com/signalsfoundry/rao/model"
)

const tracerName = "github.com/signalsfoundry/rao/internal/linearopt"

const (
	// setpointTolerance is the setpoint change under which two iterations
	// are considered identical.
	setpointTolerance = 1e-4
	costTolerance     = 1e-6
)

// ErrInvalidInput is returned when a required collaborator is missing.
var ErrInvalidInput = errors.New("invalid linear optimisation input")

// Recorder receives optimisation metrics. observability.RaoCollector
// implements it.
type Recorder interface {
	ObserveSolve(status linearproblem.Status, d time.Duration)
	ObserveLinearOptimization(status Status, iterations int)
}

type noopRecorder struct{}

func (noopRecorder) ObserveSolve(linearproblem.Status, time.Duration) {}
func (noopRecorder) ObserveLinearOptimization(Status, int)            {}

// Input describes one optimisation.
type Input struct {
	Perimeter  *perimeter.Perimeter
	Parameters config.RaoParameters

	// Network is the leaf network, network actions applied. It is never
	// modified; sensitivities are computed on variants.
	Network   *core.Network
	Computer  *sensitivity.Computer
	Objective *objective.Function

	// Start, when set, is the operating point the optimisation starts from
	// instead of the setpoints of Network. Its reference setpoints are kept
	// as the pre-optimisation ones.
	Start *results.RangeActionActivation

	// Sensitivity holds the flows at the starting setpoints. It is computed
	// when nil.
	Sensitivity *sensitivity.Result

	PrePerimeterFlows     results.Flows
	InitialFlows          results.Flows
	AppliedNetworkActions []*model.NetworkAction
	RangeShrinking        bool

	// Solver defaults to the gonum simplex configured by Parameters.
	Solver   linearproblem.Solver
	Logger   logging.Logger
	Recorder Recorder
}

// Result is the best operating point found.
type Result struct {
	Status      Status
	Activation  *results.RangeActionActivation
	Sensitivity *sensitivity.Result
	Objective   objective.Result
	// Iterations counts the sensitivity computations done after a solve.
	Iterations int
}

// Cost returns the total cost of the result.
func (r *Result) Cost() float64 { return r.Objective.Cost() }

// Optimize runs the iterating linear optimisation. Infeasible problems and
// sensitivity failures are reported through Result.Status; errors are
// reserved for missing inputs and inconsistent problem data.
func Optimize(ctx context.Context, in Input) (*Result, error) {
	if in.Perimeter == nil || in.Network == nil || in.Computer == nil || in.Objective == nil {
		return nil, ErrInvalidInput
	}
	main := in.Perimeter.MainState()
	ctx, span := spans.Start(ctx, tracerName, "linearopt.Optimize",
		spans.State.String(main.ID()),
		attribute.Int("rao.range_actions", len(in.Perimeter.AllRangeActions())),
	)
	defer span.End()

	r := newRun(in)
	res, err := r.optimize(ctx)
	if err != nil {
		spans.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("rao.linearopt_status", res.Status.String()),
		attribute.Int("rao.iterations", res.Iterations),
	)
	r.recorder.ObserveLinearOptimization(res.Status, res.Iterations)
	r.log.Debug(ctx, "linear optimisation done",
		logging.String("status", res.Status.String()),
		logging.Int("iterations", res.Iterations),
		logging.Float64("cost", res.Cost()),
	)
	return res, nil
}

type run struct {
	in        Input
	log       logging.Logger
	recorder  Recorder
	solver    linearproblem.Solver
	reference results.Setpoints
	request   sensitivity.Request
	rounder   *BestTapFinder
}

func newRun(in Input) *run {
	r := &run{
		in:       in,
		log:      logging.OrNoop(in.Logger).With(logging.String("state", in.Perimeter.MainState().ID())),
		recorder: in.Recorder,
		solver:   in.Solver,
		rounder:  NewBestTapFinder(in.Parameters, in.Perimeter),
	}
	if r.recorder == nil {
		r.recorder = noopRecorder{}
	}
	if r.solver == nil {
		sp := in.Parameters.RangeActionsOptimization.Solver
		r.solver = linearproblem.NewSimplexSolver(linearproblem.SimplexOptions{
			Tolerance:   sp.Tolerance,
			MaxNodes:    sp.MaxBranchAndBoundNodes,
			RelativeGap: sp.RelativeMipGap,
		})
	}
	if in.Start != nil {
		r.reference = in.Start.ReferenceSetpoints()
	} else {
		r.reference = make(results.Setpoints)
		for _, ra := range in.Perimeter.AllRangeActions() {
			r.reference[ra.ID] = in.Network.RangeActionSetpoint(ra)
		}
	}
	r.request = Request(in.Parameters, in.Perimeter)
	return r
}

// Request returns the sensitivity request covering p: every CNEC, every
// range action and the data the configured objective needs.
func Request(params config.RaoParameters, p *perimeter.Perimeter) sensitivity.Request {
	states := p.MonitoredStates()
	seen := make(map[string]bool, len(states))
	for _, st := range states {
		seen[st.ID()] = true
	}
	for _, st := range p.AllOptimizedStates() {
		if !seen[st.ID()] {
			states = append(states, st)
		}
	}
	return sensitivity.Request{
		States:              states,
		Cnecs:               p.FlowCnecs(),
		RangeActions:        p.AllRangeActions(),
		WithPtdfSums:        params.ObjectiveFunction.Type == config.MaxMinRelativeMargin,
		WithCommercialFlows: params.LoopFlow != nil && len(p.LoopFlowCnecs()) > 0,
	}
}

func (r *run) optimize(ctx context.Context) (*Result, error) {
	current := results.NewRangeActionActivation(r.reference, r.in.Perimeter.AllOptimizedStates())
	if r.in.Start != nil {
		current = r.in.Start.Clone()
	}
	sens := r.in.Sensitivity
	if sens == nil {
		var err error
		if sens, err = r.computeAt(ctx, current); err != nil {
			return nil, err
		}
	}
	best := &Result{
		Status:      Optimal,
		Activation:  current,
		Sensitivity: sens,
		Objective:   r.in.Objective.Evaluate(sens, current),
	}
	if sens.Status() == sensitivity.Failure {
		r.log.Warn(ctx, "sensitivity computation failed before optimisation")
		best.Status = SensitivityComputationFailed
		return best, nil
	}

	lp := linearproblem.New()
	chain := fillers.DefaultChain(r.in.Parameters, r.in.Perimeter)
	fin := r.fillerInput(sens, current, 0)
	for _, f := range chain {
		if err := f.Fill(lp, fin); err != nil {
			return nil, fmt.Errorf("build linear problem: %w", err)
		}
	}
	r.log.Debug(ctx, "linear problem built",
		logging.Int("variables", lp.NumVariables()),
		logging.Int("constraints", lp.NumConstraints()),
		logging.Int("integer_variables", lp.NumIntegerVariables()),
	)

	maxIterations := max(r.in.Parameters.RangeActionsOptimization.MaxMipIterations, 1)
	status := MaxIterationReached
	truncated := false
	for iter := 0; iter < maxIterations; iter++ {
		if ctx.Err() != nil {
			best.Status = Feasible
			return best, nil
		}
		sol, activation, err := r.solve(ctx, lp, chain, fin)
		if err != nil {
			return nil, err
		}
		if !sol.HasSolution() {
			failed := Infeasible
			if sol.Status != linearproblem.Infeasible {
				failed = Abnormal
			}
			r.log.Warn(ctx, "linear problem has no solution",
				logging.Int("iteration", iter),
				logging.String("solver_status", sol.Status.String()),
			)
			if iter == 0 {
				best.Status = failed
				return best, nil
			}
			status = Feasible
			break
		}
		if sol.Status == linearproblem.Feasible {
			truncated = true
		}

		flows := solutionFlows{Result: sens, lp: lp, sol: sol}
		rounded := r.rounder.Round(activation, flows, sens)
		if rounded.Equal(current, setpointTolerance) {
			status = Optimal
			break
		}

		next, err := r.computeAt(ctx, rounded)
		if err != nil {
			if ctx.Err() != nil {
				best.Status = Feasible
				return best, nil
			}
			return nil, err
		}
		best.Iterations = iter + 1
		if next.Status() == sensitivity.Failure {
			r.log.Warn(ctx, "sensitivity computation failed", logging.Int("iteration", iter))
			best.Status = SensitivityComputationFailed
			return best, nil
		}
		eval := r.in.Objective.Evaluate(next, rounded)
		r.log.Debug(ctx, "iteration evaluated",
			logging.Int("iteration", iter),
			logging.Float64("cost", eval.Cost()),
			logging.Float64("best_cost", best.Cost()),
		)
		switch {
		case improves(eval.Cost(), best.Cost()):
			iterations := best.Iterations
			best = &Result{Activation: rounded, Sensitivity: next, Objective: eval, Iterations: iterations}
			current, sens = rounded, next
		case r.in.RangeShrinking:
			// Keep best, but linearise around the point just computed.
			current, sens = rounded, next
		default:
			status = Optimal
		}
		if status == Optimal {
			break
		}

		fin = r.fillerInput(sens, current, iter+1)
		for _, f := range chain {
			if err := f.Update(lp, fin); err != nil {
				return nil, fmt.Errorf("update linear problem: %w", err)
			}
		}
	}
	if status == Optimal && truncated {
		status = Feasible
	}
	best.Status = status
	return best, nil
}

// solve solves lp and, when some fillers depend on the integer solution,
// re-linearises around it until the taps stop moving.
func (r *run) solve(ctx context.Context, lp *linearproblem.Problem, chain []fillers.Filler, fin fillers.Input) (*linearproblem.Solution, *results.RangeActionActivation, error) {
	sol := r.solveOnce(ctx, lp)
	if !sol.HasSolution() {
		return sol, nil, nil
	}
	activation, err := r.extract(lp, sol)
	if err != nil {
		return nil, nil, err
	}
	var updaters []fillers.MipUpdater
	for _, f := range chain {
		if u, ok := f.(fillers.MipUpdater); ok {
			updaters = append(updaters, u)
		}
	}
	if len(updaters) == 0 {
		return sol, activation, nil
	}
	for i := 0; i < r.in.Parameters.RangeActionsOptimization.DiscreteTapIterations; i++ {
		for _, u := range updaters {
			if err := u.UpdateBetweenMipIterations(lp, fin, activation); err != nil {
				return nil, nil, fmt.Errorf("update integer linearisation: %w", err)
			}
		}
		next := r.solveOnce(ctx, lp)
		if !next.HasSolution() {
			break
		}
		nextActivation, err := r.extract(lp, next)
		if err != nil {
			return nil, nil, err
		}
		same := nextActivation.Equal(activation, setpointTolerance)
		sol, activation = next, nextActivation
		if same {
			break
		}
	}
	return sol, activation, nil
}

func (r *run) solveOnce(ctx context.Context, lp *linearproblem.Problem) *linearproblem.Solution {
	ctx, span := spans.Start(ctx, tracerName, "linearproblem.Solve",
		attribute.Int("rao.lp_variables", lp.NumVariables()),
		attribute.Int("rao.lp_constraints", lp.NumConstraints()),
	)
	defer span.End()

	start := time.Now()
	sol := lp.Solve(ctx, r.solver)
	r.recorder.ObserveSolve(sol.Status, time.Since(start))
	span.SetAttributes(attribute.String("rao.solver_status", sol.Status.String()))
	return sol
}

// extract reads the setpoint of every range action at every optimized state.
func (r *run) extract(lp *linearproblem.Problem, sol *linearproblem.Solution) (*results.RangeActionActivation, error) {
	p := r.in.Perimeter
	activation := results.NewRangeActionActivation(r.reference, p.AllOptimizedStates())
	for _, st := range p.AllOptimizedStates() {
		for _, ra := range p.RangeActionsAt(st.ID()) {
			h, err := fillers.SetpointVariable(lp, ra.ID, st)
			if err != nil {
				return nil, fmt.Errorf("read solution: %w", err)
			}
			activation.SetSetpoint(st, ra.ID, sol.Value(h))
		}
	}
	return activation, nil
}

func (r *run) computeAt(ctx context.Context, activation *results.RangeActionActivation) (*sensitivity.Result, error) {
	return ComputeAt(ctx, r.in.Computer, r.in.Perimeter, r.in.Network, r.request, activation, "linearopt")
}

// ComputeAt runs the oracle on network with activation applied: main state
// setpoints on a variant, later states through per-state overrides of req.
func ComputeAt(ctx context.Context, computer *sensitivity.Computer, p *perimeter.Perimeter, network *core.Network, req sensitivity.Request, activation *results.RangeActionActivation, label string) (*sensitivity.Result, error) {
	main := p.MainState()
	overrides := make(map[string]map[string]float64, len(req.StateSetpoints))
	for id, sp := range req.StateSetpoints {
		overrides[id] = sp
	}
	for _, st := range p.AllOptimizedStates() {
		if st.ID() == main.ID() {
			continue
		}
		overrides[st.ID()] = activation.SetpointsAt(st, p.RangeActionsAt(st.ID()))
	}
	if len(overrides) > 0 {
		req.StateSetpoints = overrides
	}
	apply := func(n *core.Network) error {
		for _, ra := range p.RangeActionsAt(main.ID()) {
			n.ApplyRangeAction(ra, activation.Setpoint(main, ra.ID))
		}
		return nil
	}
	return computer.ComputeOn(ctx, network, label, apply, req)
}

func (r *run) fillerInput(sens *sensitivity.Result, current *results.RangeActionActivation, iteration int) fillers.Input {
	return fillers.Input{
		Perimeter:             r.in.Perimeter,
		Parameters:            r.in.Parameters,
		Sensitivity:           sens,
		Setpoints:             current,
		PrePerimeterFlows:     r.in.PrePerimeterFlows,
		InitialFlows:          r.in.InitialFlows,
		AppliedNetworkActions: r.in.AppliedNetworkActions,
		Iteration:             iteration,
		RangeShrinking:        r.in.RangeShrinking,
	}
}

func improves(cost, best float64) bool {
	return cost < best && !scalar.EqualWithinAbs(cost, best, costTolerance)
}

// solutionFlows reads flows from the flow variables of a solved problem and
// everything else from the sensitivity result it was built from.
type solutionFlows struct {
	*sensitivity.Result
	lp  *linearproblem.Problem
	sol *linearproblem.Solution
}

func (s solutionFlows) Flow(cnecID string, side model.Side) (float64, bool) {
	h, err := fillers.FlowVariable(s.lp, cnecID, side)
	if err != nil {
		return 0, false
	}
	return s.sol.Value(h), true
}

// Package rao runs a complete remedial action optimisation: a preventive
// search tree over the basecase and the contingency states left without
// curative means, then one curative search tree per contingency with
// curative range actions, starting from the preventive result. When enabled,
// a global search tree then optimises the preventive and curative range
// actions together and replaces the first result if it does better.
package rao

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/rao/core"
	"github.com/signalsfoundry/rao/crac"
	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/internal/linearopt"
	"github.com/signalsfoundry/rao/internal/linearproblem"
	"github.com/signalsfoundry/rao/internal/logging"
	"github.com/signalsfoundry/rao/internal/objective"
	"github.com/signalsfoundry/rao/internal/perimeter"
	"github.com/signalsfoundry/rao/internal/raoresult"
	"github.com/signalsfoundry/rao/internal/results"
	"github.com/signalsfoundry/rao/internal/searchtree"
	"github.com/signalsfoundry/rao/internal/sensitivity"
	"github.com/signalsfoundry/rao/internal/spans"
	"github.com/signalsfoundry/rao/model"
	"github.com/signalsfoundry/rao/timectrl"
)

const tracerName = "github.com/signalsfoundry/rao/internal/rao"

// mostLimitingReported is the number of limiting elements kept per
// perimeter in the result.
const mostLimitingReported = 5

const costTolerance = 1e-6

// ErrInvalidInput is returned when a required input is missing.
var ErrInvalidInput = errors.New("invalid rao input")

// Recorder receives run metrics. observability.RaoCollector implements it.
type Recorder interface {
	searchtree.Recorder
	ObservePerimeter(kind string, d time.Duration)
	ObserveRun(status string, cost float64)
	SetLiveVariants(live int)
}

type noopRecorder struct{}

func (noopRecorder) ObserveSolve(linearproblem.Status, time.Duration) {}
func (noopRecorder) ObserveLinearOptimization(linearopt.Status, int)  {}
func (noopRecorder) ObserveLeaf(searchtree.LeafStatus)                {}
func (noopRecorder) ObserveSearchDepth(int)                           {}
func (noopRecorder) ObservePerimeter(string, time.Duration)           {}
func (noopRecorder) ObserveRun(string, float64)                       {}
func (noopRecorder) SetLiveVariants(int)                              {}

// Input describes one run.
type Input struct {
	Crac *crac.Crac
	// Network is the initial operating point. It is never modified.
	Network    *core.Network
	Oracle     sensitivity.Oracle
	Parameters config.RaoParameters

	Solver linearproblem.Solver
	// Clock drives the time budget; nil means the wall clock.
	Clock timectrl.Clock
	// Variants, when set, hands out the network variants of the run.
	Variants *core.VariantManager

	Logger   logging.Logger
	Recorder Recorder
}

type run struct {
	in       Input
	params   config.RaoParameters
	log      logging.Logger
	recorder Recorder
	clock    timectrl.Clock
	budget   *timectrl.Budget
	computer *sensitivity.Computer
	builder  *raoresult.Builder
	opts     perimeter.Options

	allCnecs []*model.FlowCnec
	request  sensitivity.Request
	scope    *objective.Function
	initial  *sensitivity.Result
}

// Run optimises the remedial actions of in.Crac. Numerical trouble never
// surfaces as an error: diverging load flows and failed optimisations are
// reported through the result status. Errors are reserved for missing
// inputs, invalid parameters, a preventive state without range actions and
// cancellation of ctx.
func Run(ctx context.Context, in Input) (*raoresult.Result, error) {
	if in.Crac == nil || in.Network == nil || in.Oracle == nil {
		return nil, ErrInvalidInput
	}
	if err := in.Parameters.Validate(); err != nil {
		return nil, err
	}
	ctx, runID := logging.NewRunID(ctx)
	ctx = spans.WithCrac(ctx, in.Crac.ID)
	ctx, span := spans.Start(ctx, tracerName, "rao.Run")
	defer span.End()

	r := newRun(in, runID)
	ctx = logging.ContextWithLogger(ctx, r.log)
	res, err := r.execute(ctx)
	if err != nil {
		spans.Fail(span, err)
		r.log.Error(ctx, "rao failed", logging.Err(err))
		return nil, err
	}
	final := res.Cost(raoresult.AfterCurative)
	if res.Status == raoresult.Failure {
		final = res.Cost(raoresult.Initial)
	}
	r.recorder.ObserveRun(res.Status.String(), final)
	span.SetAttributes(
		spans.Status.String(res.Status.String()),
		spans.Cost.Float64(final),
	)
	r.log.Info(ctx, "rao done",
		logging.String("status", res.Status.String()),
		logging.Float64("initial_cost", res.Cost(raoresult.Initial)),
		logging.Float64("final_cost", final),
	)
	return res, nil
}

func newRun(in Input, runID string) *run {
	r := &run{
		in:       in,
		params:   in.Parameters,
		log:      logging.OrNoop(in.Logger).With(logging.String("run_id", runID)),
		recorder: in.Recorder,
		clock:    in.Clock,
		builder:  raoresult.NewBuilder(runID, in.Parameters),
	}
	if r.recorder == nil {
		r.recorder = noopRecorder{}
	}
	if r.clock == nil {
		r.clock = timectrl.RealClock{}
	}
	r.budget = timectrl.NewBudget(r.clock, in.Parameters.TimeLimit)
	variants := in.Variants
	if variants == nil {
		variants = core.NewVariantManager(core.WithLiveVariantObserver(r.recorder.SetLiveVariants))
	}
	r.computer = sensitivity.NewComputer(in.Oracle, variants)
	if lf := in.Parameters.LoopFlow; lf != nil {
		r.opts = perimeter.Options{WithLoopFlows: true, LoopFlowCountries: lf.Countries}
	}
	r.allCnecs = in.Crac.FlowCnecs()
	r.request = sensitivity.Request{
		States:              in.Crac.States(),
		Cnecs:               r.allCnecs,
		RangeActions:        in.Crac.RangeActions(),
		WithPtdfSums:        in.Parameters.ObjectiveFunction.Type == config.MaxMinRelativeMargin,
		WithCommercialFlows: in.Parameters.LoopFlow != nil,
	}
	return r
}

func (r *run) execute(ctx context.Context) (*raoresult.Result, error) {
	started := r.clock.Now()
	initial, err := r.computer.ComputeOn(ctx, r.in.Network, "initial", nil, r.request)
	if err != nil && ctx.Err() != nil {
		return nil, err
	}
	if err != nil || initial.Status() == sensitivity.Failure {
		msg := "initial sensitivity computation failed"
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		r.log.Error(ctx, "initial sensitivity failed", logging.Err(err))
		r.builder.MarkInitialFailure(msg)
		r.builder.AddCnecs(raoresult.Initial, nil, r.allCnecs)
		return r.builder.Build(), nil
	}
	r.initial = initial
	r.log.Info(ctx, "initial sensitivity done",
		logging.String("status", initial.Status().String()),
		logging.Any("failed_states", initial.FailedStates()),
	)

	initialMargins := margins{crac: r.in.Crac, flows: initial}
	curativeStates := r.curativelyOptimizedStates(initialMargins)
	prevPerimeter, err := perimeter.NewPreventive(r.in.Crac, r.preventiveCnecs(curativeStates), initialMargins, r.opts)
	if err != nil {
		return nil, fmt.Errorf("preventive perimeter: %w", err)
	}
	scope, err := perimeter.NewPreventive(r.in.Crac, r.allCnecs, initialMargins, r.opts)
	if err != nil {
		return nil, fmt.Errorf("result perimeter: %w", err)
	}
	r.scope = objective.ForPerimeter(r.params, scope, initial, initial)

	initialCost := r.scope.Evaluate(initial, nil)
	r.builder.AddCnecs(raoresult.Initial, initial, r.allCnecs)
	r.builder.SetCost(raoresult.Initial, initialCost)
	r.log.Info(ctx, "initial cost",
		logging.Float64("cost", initialCost.Cost()),
		logging.Float64("functional_cost", initialCost.FunctionalCost),
	)

	first, err := r.firstPass(ctx, prevPerimeter, curativeStates)
	if err != nil {
		return nil, err
	}
	chosen := first
	if r.shouldRunSecondPreventive(ctx, first, curativeStates, initialCost.Cost()) {
		second, err := r.secondPreventive(ctx, first, curativeStates, initialMargins)
		if err != nil {
			return nil, err
		}
		if second != nil {
			firstCost, secondCost := r.finalCost(first), r.finalCost(second)
			if secondCost < firstCost-costTolerance {
				r.log.Info(ctx, "second preventive optimisation kept",
					logging.Float64("first_cost", firstCost), logging.Float64("second_cost", secondCost))
				chosen = second
			} else {
				r.log.Info(ctx, "second preventive optimisation did not improve, first result kept",
					logging.Float64("first_cost", firstCost), logging.Float64("second_cost", secondCost))
			}
		}
	}
	r.record(chosen)

	r.log.Debug(ctx, "rao phases done", logging.Duration("elapsed", r.clock.Now().Sub(started)))
	return r.builder.Build(), nil
}

// pass is a preventive optimisation followed by the curative ones, kept
// aside until it is chosen as the outcome of the run.
type pass struct {
	perimeters []raoresult.PerimeterResult
	preventive objective.Result
	afterPRA   *sensitivity.Result
	curative   map[string]results.Flows
	// curativeObjectives holds the optimal leaf objective of each curative
	// perimeter.
	curativeObjectives map[string]objective.Result
	// withNetworkActions lists the curative states whose optimal leaf applied
	// network actions.
	withNetworkActions map[string]bool
	message            string
}

func newPass() *pass {
	return &pass{
		curative:           make(map[string]results.Flows),
		curativeObjectives: make(map[string]objective.Result),
		withNetworkActions: make(map[string]bool),
	}
}

func (p *pass) afterCRA(c *crac.Crac) results.Flows {
	return &mergedFlows{crac: c, base: p.afterPRA, byState: p.curative}
}

// firstPass optimises the preventive perimeter from the initial network, then
// each curative state from the preventive result.
func (r *run) firstPass(ctx context.Context, prevPerimeter *perimeter.Perimeter, curativeStates []model.State) (*pass, error) {
	started := r.clock.Now()
	res, err := searchtree.Run(ctx, searchtree.Input{
		Perimeter:               prevPerimeter,
		Parameters:              r.params,
		Network:                 r.in.Network,
		Computer:                r.computer,
		PrePerimeterSensitivity: r.initial,
		PrePerimeterFlows:       r.initial,
		InitialFlows:            r.initial,
		RangeShrinking:          r.params.RangeShrinkingFor(true),
		MaxDepth:                r.params.TopoOptimization.MaxPreventiveSearchTreeDepth,
		StopCriterion:           searchtree.PreventiveStopCriterion(r.params),
		Budget:                  r.budget,
		Solver:                  r.in.Solver,
		Logger:                  r.log,
		Recorder:                r.recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("preventive search tree: %w", err)
	}
	r.recorder.ObservePerimeter(perimeter.Preventive.String(), r.clock.Now().Sub(started))

	out := newPass()
	out.perimeters = append(out.perimeters, perimeterResult(prevPerimeter, res, prevPerimeter.MainState()))
	out.preventive = res.Optimal.Objective()
	out.afterPRA, err = r.computer.ComputeOn(ctx, res.Network, "after-pra", nil, r.request)
	if err != nil {
		return nil, fmt.Errorf("sensitivity after preventive optimisation: %w", err)
	}
	if err := r.curativePass(ctx, out, curativeStates, res.Network); err != nil {
		return nil, err
	}
	return out, nil
}

// curativePass optimises states from the preventive result of p.
func (r *run) curativePass(ctx context.Context, p *pass, states []model.State, network *core.Network) error {
	switch {
	case len(states) == 0:
	case r.skipCurative(p.preventive):
		r.log.Info(ctx, "preventive optimisation not secure, curative optimisation skipped",
			logging.Float64("preventive_cost", p.preventive.Cost()))
		p.message = "curative optimisation skipped: preventive result is not secure"
	case r.budget.Expired():
		r.log.Warn(ctx, "time budget exhausted, curative optimisation skipped")
		p.message = "curative optimisation skipped: time budget exhausted"
	default:
		return r.optimizeCurative(ctx, states, network, p)
	}
	return nil
}

// skipCurative applies the preventive SECURE criterion: an unsecure
// preventive result ends the run unless curative security is enforced.
func (r *run) skipCurative(preventive objective.Result) bool {
	of := r.params.ObjectiveFunction
	if of.PreventiveStopCriterion != config.PreventiveSecure || of.EnforceCurativeSecurity {
		return false
	}
	return !searchtree.PreventiveStopCriterion(r.params).Reached(preventive)
}

// shouldRunSecondPreventive tells whether the curative results of first
// leave room for a better preventive choice.
func (r *run) shouldRunSecondPreventive(ctx context.Context, first *pass, curativeStates []model.State, initialCost float64) bool {
	sp := r.params.SecondPreventive
	if sp.ExecutionCondition == config.SecondPreventiveDisabled || sp.ExecutionCondition == "" || len(first.curativeObjectives) == 0 {
		return false
	}
	if r.budget.Expired() {
		r.log.Warn(ctx, "time budget exhausted, second preventive optimisation skipped")
		return false
	}
	final := r.finalCost(first)
	if sp.ExecutionCondition == config.SecondPreventiveCostIncrease && final <= initialCost {
		r.log.Info(ctx, "cost did not increase, second preventive optimisation skipped")
		return false
	}
	if r.params.ObjectiveFunction.PreventiveStopCriterion == config.PreventiveSecure {
		if first.preventive.Cost() > 0 {
			return false
		}
		for _, st := range curativeStates {
			o, ok := first.curativeObjectives[st.ID()]
			if ok && (o.FunctionalCost >= 0 || o.VirtualCost() > costTolerance) {
				return true
			}
		}
		return false
	}
	return final > first.preventive.Cost()-r.params.ObjectiveFunction.CurativeMinObjImprovement
}

// secondPreventive optimises the preventive remedial actions again, from the
// initial network, together with the curative range actions of the states
// whose curative optimisation applied no network action. The other curative
// states are optimised again afterwards. A nil pass means the attempt failed
// and first must be kept.
func (r *run) secondPreventive(ctx context.Context, first *pass, curativeStates []model.State, m crac.MarginSource) (*pass, error) {
	ctx, span := spans.Start(ctx, tracerName, "rao.SecondPreventive")
	defer span.End()

	var global, later, withActions []model.State
	for _, st := range curativeStates {
		if first.withNetworkActions[st.ID()] {
			withActions = append(withActions, st)
		}
		if r.params.SecondPreventive.ReOptimizeCurativeRangeActions && !first.withNetworkActions[st.ID()] {
			global = append(global, st)
		} else {
			later = append(later, st)
		}
	}
	p, err := perimeter.NewGlobal(r.in.Crac, global, r.preventiveCnecs(withActions), m, r.opts)
	if err != nil {
		return nil, fmt.Errorf("global perimeter: %w", err)
	}
	for _, st := range global {
		if len(p.RangeActionsAt(st.ID())) == 0 {
			later = append(later, st)
		}
	}
	span.SetAttributes(attribute.Int("rao.global_states", len(p.AllOptimizedStates())))

	started := r.clock.Now()
	res, err := searchtree.Run(ctx, searchtree.Input{
		Perimeter:               p,
		Parameters:              r.params,
		Network:                 r.in.Network,
		Computer:                r.computer,
		PrePerimeterSensitivity: r.initial,
		PrePerimeterFlows:       r.initial,
		InitialFlows:            r.initial,
		RangeShrinking:          r.params.RangeShrinkingFor(false),
		MaxDepth:                r.params.TopoOptimization.MaxPreventiveSearchTreeDepth,
		StopCriterion:           searchtree.PreventiveStopCriterion(r.params),
		Budget:                  r.budget,
		Solver:                  r.in.Solver,
		Logger:                  r.log.With(logging.String("perimeter", p.Kind().String())),
		Recorder:                r.recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("global search tree: %w", err)
	}
	r.recorder.ObservePerimeter(p.Kind().String(), r.clock.Now().Sub(started))
	if res.StopReason == searchtree.RootFailed {
		r.log.Warn(ctx, "global optimisation failed, first preventive result kept", logging.Err(res.Optimal.Err()))
		return nil, nil
	}

	out := newPass()
	out.preventive = res.Optimal.Objective()
	for _, st := range p.AllOptimizedStates() {
		out.perimeters = append(out.perimeters, perimeterResult(p, res, st))
		if st.ID() != p.MainState().ID() {
			out.curative[st.ID()] = res.Optimal.Sensitivity()
			out.curativeObjectives[st.ID()] = res.Optimal.Objective()
		}
	}
	out.afterPRA, err = r.computer.ComputeOn(ctx, res.Network, "after-global", nil, r.request)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		r.log.Warn(ctx, "sensitivity after global optimisation failed, first preventive result kept", logging.Err(err))
		return nil, nil
	}
	if err := r.curativePass(ctx, out, later, res.Network); err != nil {
		return nil, err
	}
	return out, nil
}

// finalCost evaluates the flows after every remedial action of p.
func (r *run) finalCost(p *pass) float64 {
	return r.scope.Evaluate(p.afterCRA(r.in.Crac), nil).Cost()
}

// record writes p into the result.
func (r *run) record(p *pass) {
	for _, pr := range p.perimeters {
		r.builder.AddPerimeter(pr)
	}
	r.builder.AddCnecs(raoresult.AfterPreventive, p.afterPRA, r.allCnecs)
	r.builder.SetCost(raoresult.AfterPreventive, r.scope.Evaluate(p.afterPRA, nil))
	afterCRA := p.afterCRA(r.in.Crac)
	r.builder.AddCnecs(raoresult.AfterCurative, afterCRA, r.allCnecs)
	r.builder.SetCost(raoresult.AfterCurative, r.scope.Evaluate(afterCRA, nil))
	if p.message != "" {
		r.builder.SetMessage(p.message)
	}
}

// curativelyOptimizedStates returns the curative states with at least one
// available range action, in instant then contingency order.
func (r *run) curativelyOptimizedStates(m crac.MarginSource) []model.State {
	var states []model.State
	for _, st := range r.in.Crac.States() {
		if !st.Instant.IsCurative() {
			continue
		}
		if len(r.in.Crac.AvailableRangeActions(st, m)) > 0 {
			states = append(states, st)
		}
	}
	return states
}

// preventiveCnecs keeps every CNEC except those of curatively optimized
// states.
func (r *run) preventiveCnecs(curative []model.State) []*model.FlowCnec {
	skip := make(map[string]bool, len(curative))
	for _, st := range curative {
		skip[st.ID()] = true
	}
	var cnecs []*model.FlowCnec
	for _, cnec := range r.allCnecs {
		if !skip[cnec.StateID] {
			cnecs = append(cnecs, cnec)
		}
	}
	return cnecs
}

// optimizeCurative runs one search tree per curative state, concurrently,
// from network and records the results into p.
func (r *run) optimizeCurative(ctx context.Context, states []model.State, network *core.Network, p *pass) error {
	ctx, span := spans.Start(ctx, tracerName, "rao.Curative", attribute.Int("rao.curative_states", len(states)))
	defer span.End()

	afterPRAMargins := margins{crac: r.in.Crac, flows: p.afterPRA}
	preventiveCost := p.preventive.Cost()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.params.LeavesInParallel())
	for _, st := range states {
		log := r.log.With(logging.String("state", st.ID()))
		if p.afterPRA.StateStatus(st.ID()) == sensitivity.Failure {
			log.Warn(ctx, "sensitivity failed after preventive optimisation, state not optimised")
			continue
		}
		cp, err := perimeter.NewCurative(r.in.Crac, st, r.in.Crac.FlowCnecsAt(st.ID()), afterPRAMargins, r.opts)
		if errors.Is(err, perimeter.ErrNoRangeAction) {
			log.Info(ctx, "no curative range action available after preventive optimisation")
			continue
		}
		if err != nil {
			return fmt.Errorf("curative perimeter %s: %w", st.ID(), err)
		}
		g.Go(func() error {
			started := r.clock.Now()
			res, err := searchtree.Run(gctx, searchtree.Input{
				Perimeter:               cp,
				Parameters:              r.params,
				Network:                 network,
				Computer:                r.computer,
				PrePerimeterSensitivity: p.afterPRA,
				PrePerimeterFlows:       p.afterPRA,
				InitialFlows:            r.initial,
				RangeShrinking:          r.params.RangeShrinkingFor(true),
				MaxDepth:                r.params.TopoOptimization.MaxCurativeSearchTreeDepth,
				StopCriterion:           searchtree.CurativeStopCriterion(r.params, preventiveCost),
				Budget:                  r.budget,
				Solver:                  r.in.Solver,
				Logger:                  log,
				Recorder:                r.recorder,
			})
			if err != nil {
				return fmt.Errorf("curative search tree %s: %w", st.ID(), err)
			}
			r.recorder.ObservePerimeter(perimeter.Curative.String(), r.clock.Now().Sub(started))
			mu.Lock()
			defer mu.Unlock()
			p.perimeters = append(p.perimeters, perimeterResult(cp, res, st))
			if sens := res.Optimal.Sensitivity(); sens != nil && res.StopReason != searchtree.RootFailed {
				p.curative[st.ID()] = sens
				p.curativeObjectives[st.ID()] = res.Optimal.Objective()
			}
			if len(res.Optimal.AppliedNetworkActions()) > 0 {
				p.withNetworkActions[st.ID()] = true
			}
			return nil
		})
	}
	return g.Wait()
}

// perimeterResult summarises res at state, one of the optimized states of
// p. Network actions are reported on the main state only.
func perimeterResult(p *perimeter.Perimeter, res *searchtree.Result, state model.State) raoresult.PerimeterResult {
	leaf := res.Optimal
	out := raoresult.PerimeterResult{
		StateID:         state.ID(),
		Kind:            p.Kind().String(),
		StopReason:      string(res.StopReason),
		Depth:           res.Depth,
		LeavesEvaluated: res.LeavesEvaluated,
		Cost:            raoresult.CostOf(leaf.Objective()),
		RangeActions:    raoresult.RangeActionResults(state, p.RangeActionsAt(state.ID()), leaf.Activation()),
		MostLimiting:    raoresult.LimitingElementIDs(leaf.Objective(), mostLimitingReported),
	}
	if status, ok := leaf.LinearStatus(); ok {
		out.LinearStatus = status.String()
	}
	if state.ID() == p.MainState().ID() {
		for _, na := range leaf.AppliedNetworkActions() {
			out.NetworkActions = append(out.NetworkActions, na.ID)
		}
	}
	if err := leaf.Err(); err != nil {
		out.Error = err.Error()
	}
	return out
}

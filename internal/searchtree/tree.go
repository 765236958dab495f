// Package searchtree explores combinations of network actions. Each leaf
// applies a set of network actions and optimises the range actions on top of
// it; a depth keeps the best child only when it improves enough on its
// parent.
package searchtree

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/rao/core"
	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/internal/linearopt"
	"github.com/signalsfoundry/rao/internal/linearproblem"
	"github.com/signalsfoundry/rao/internal/logging"
	"github.com/signalsfoundry/rao/internal/objective"
	"github.com/signalsfoundry/rao/internal/perimeter"
	"github.com/signalsfoundry/rao/internal/results"
	"github.com/signalsfoundry/rao/internal/sensitivity"
	"github.com/signalsfoundry/rao/internal/spans"
	"github.com/signalsfoundry/rao/model"
	"github.com/signalsfoundry/rao/timectrl"
)

const tracerName = "github.com/signalsfoundry/rao/internal/searchtree"

const (
	costTolerance = 1e-6
	// virtualCostTolerance is the virtual cost under which a leaf is
	// considered free of penalties.
	virtualCostTolerance = 1e-6
)

// ErrInvalidInput is returned when a required collaborator is missing.
var ErrInvalidInput = errors.New("invalid search tree input")

// Recorder receives search tree metrics. observability.RaoCollector
// implements it.
type Recorder interface {
	linearopt.Recorder
	ObserveLeaf(status LeafStatus)
	ObserveSearchDepth(depth int)
}

type noopRecorder struct{}

func (noopRecorder) ObserveSolve(linearproblem.Status, time.Duration) {}
func (noopRecorder) ObserveLinearOptimization(linearopt.Status, int)  {}
func (noopRecorder) ObserveLeaf(LeafStatus)                           {}
func (noopRecorder) ObserveSearchDepth(int)                           {}

// StopReason tells why the search ended.
type StopReason string

const (
	StopCriterionReached StopReason = "STOP_CRITERION_REACHED"
	NoImprovement        StopReason = "NO_IMPROVEMENT"
	MaxDepthReached      StopReason = "MAX_DEPTH_REACHED"
	NoCombinationLeft    StopReason = "NO_COMBINATION_LEFT"
	LeafCapReached       StopReason = "LEAF_CAP_REACHED"
	BudgetExhausted      StopReason = "TIME_BUDGET_EXHAUSTED"
	RootFailed           StopReason = "ROOT_LEAF_FAILED"
)

// StopCriterion ends the search early. The zero value explores every depth.
type StopCriterion struct {
	// Secure requires a negative cost, that is every margin positive.
	Secure bool
	// TargetCost, when set, requires a cost at or below it.
	TargetCost *float64
}

// Reached reports whether r satisfies every condition set. A result carrying
// virtual costs never does.
func (c StopCriterion) Reached(r objective.Result) bool {
	if !c.Secure && c.TargetCost == nil {
		return false
	}
	if r.VirtualCost() > virtualCostTolerance {
		return false
	}
	cost := r.Cost()
	if c.Secure && cost >= 0 {
		return false
	}
	if c.TargetCost != nil && cost > *c.TargetCost {
		return false
	}
	return true
}

// PreventiveStopCriterion converts the configured preventive criterion.
func PreventiveStopCriterion(params config.RaoParameters) StopCriterion {
	return StopCriterion{Secure: params.ObjectiveFunction.PreventiveStopCriterion == config.PreventiveSecure}
}

// CurativeStopCriterion converts the configured curative criterion.
// preventiveCost is the cost reached by the preventive optimisation.
func CurativeStopCriterion(params config.RaoParameters, preventiveCost float64) StopCriterion {
	target := preventiveCost - params.ObjectiveFunction.CurativeMinObjImprovement
	switch params.ObjectiveFunction.CurativeStopCriterion {
	case config.CurativeSecure:
		return StopCriterion{Secure: true}
	case config.CurativePreventiveObjective:
		return StopCriterion{TargetCost: &target}
	case config.CurativePreventiveObjectiveAndSecure:
		return StopCriterion{Secure: true, TargetCost: &target}
	default:
		return StopCriterion{}
	}
}

// Input describes one search.
type Input struct {
	Perimeter  *perimeter.Perimeter
	Parameters config.RaoParameters

	// Network is the starting point of the perimeter. It is never modified.
	Network  *core.Network
	Computer *sensitivity.Computer

	// PrePerimeterSensitivity, when set, holds the flows of Network and is
	// reused by the root leaf.
	PrePerimeterSensitivity *sensitivity.Result
	PrePerimeterFlows       results.Flows
	InitialFlows            results.Flows

	RangeShrinking bool
	MaxDepth       int
	StopCriterion  StopCriterion
	Budget         *timectrl.Budget

	Solver   linearproblem.Solver
	Logger   logging.Logger
	Recorder Recorder
}

// Result is the outcome of a search.
type Result struct {
	// Optimal is the best leaf. Its variant is released; use Network.
	Optimal *Leaf
	// Network carries the network actions and main state setpoints of
	// Optimal.
	Network *core.Network
	// Depth is the depth of Optimal.
	Depth           int
	LeavesEvaluated int
	StopReason      StopReason
}

type tree struct {
	in        Input
	log       logging.Logger
	recorder  Recorder
	objective *objective.Function
	request   sensitivity.Request
	reference *results.RangeActionActivation
	bloomer   *bloomer
	tested    map[string]bool
	leaves    int
	// purelyVirtual is set when no CNEC is optimized: only virtual costs
	// can then be reduced.
	purelyVirtual bool
}

// Run explores the tree. Failing leaves are recorded as such; errors are
// reserved for missing inputs.
func Run(ctx context.Context, in Input) (*Result, error) {
	if in.Perimeter == nil || in.Network == nil || in.Computer == nil {
		return nil, ErrInvalidInput
	}
	main := in.Perimeter.MainState()
	ctx, span := spans.Start(ctx, tracerName, "searchtree.Run", spans.State.String(main.ID()))
	defer span.End()
	ctx, cancel := in.Budget.Context(ctx)
	defer cancel()

	t := newTree(in)
	res := t.run(ctx)
	span.SetAttributes(
		attribute.String("rao.stop_reason", string(res.StopReason)),
		spans.Depth.Int(res.Depth),
		attribute.Int("rao.leaves", res.LeavesEvaluated),
		spans.Cost.Float64(res.Optimal.Cost()),
	)
	t.log.Info(ctx, "search tree stopped",
		logging.String("reason", string(res.StopReason)),
		logging.Int("depth", res.Depth),
		logging.Int("leaves", res.LeavesEvaluated),
		logging.String("optimal_leaf", res.Optimal.String()),
		logging.Float64("cost", res.Optimal.Cost()),
	)
	return res, nil
}

func newTree(in Input) *tree {
	t := &tree{
		in:       in,
		log:      logging.OrNoop(in.Logger).With(logging.String("state", in.Perimeter.MainState().ID())),
		recorder: in.Recorder,
		request:  linearopt.Request(in.Parameters, in.Perimeter),
		bloomer:  newBloomer(in.Parameters, in.Perimeter),
		tested:   make(map[string]bool),

		purelyVirtual: len(in.Perimeter.OptimizedFlowCnecs()) == 0,
	}
	if t.recorder == nil {
		t.recorder = noopRecorder{}
	}
	t.objective = objective.ForPerimeter(in.Parameters, in.Perimeter, in.InitialFlows, in.PrePerimeterFlows)
	reference := make(results.Setpoints)
	for _, ra := range in.Perimeter.AllRangeActions() {
		reference[ra.ID] = in.Network.RangeActionSetpoint(ra)
	}
	t.reference = results.NewRangeActionActivation(reference, in.Perimeter.AllOptimizedStates())
	return t
}

func (t *tree) run(ctx context.Context) *Result {
	root := newLeaf(nil, t.reference)
	t.tested[root.key()] = true
	t.leaves++
	t.evaluate(ctx, root)
	if root.Status() == Evaluated && !t.stopReached(root.Objective()) {
		t.optimize(ctx, root)
	}
	t.recorder.ObserveLeaf(root.Status())
	t.log.Info(ctx, "root leaf done",
		logging.String("status", root.Status().String()),
		logging.Float64("cost", root.Cost()),
		logging.Err(root.Err()),
	)

	res := &Result{Optimal: root}
	defer func() {
		res.Network = t.finalNetwork(root, res.Optimal)
		res.LeavesEvaluated = t.leaves
	}()
	if root.preOptim == nil || root.preOptim.Status() == sensitivity.Failure {
		res.StopReason = RootFailed
		return res
	}
	if t.stopReached(root.Objective()) {
		res.StopReason = StopCriterionReached
		return res
	}

	for depth := 1; ; depth++ {
		if depth > t.in.MaxDepth {
			res.StopReason = MaxDepthReached
			return res
		}
		if ctx.Err() != nil || t.in.Budget.Expired() {
			res.StopReason = BudgetExhausted
			return res
		}
		best, reason := t.explore(ctx, depth, res.Optimal)
		if best == nil {
			res.StopReason = reason
			return res
		}
		previous := res.Optimal
		res.Optimal, res.Depth = best, depth
		previous.close()
		t.log.Info(ctx, "optimal leaf updated",
			logging.Int("depth", depth),
			logging.String("leaf", best.String()),
			logging.Float64("cost", best.Cost()),
			logging.Float64("previous_cost", previous.Cost()),
		)
		if t.stopReached(best.Objective()) {
			res.StopReason = StopCriterionReached
			return res
		}
		if reason != "" {
			res.StopReason = reason
			return res
		}
	}
}

// explore evaluates the children of parent and returns the one kept, if
// any. A non-empty reason alongside a leaf means the search must stop after
// adopting it.
func (t *tree) explore(ctx context.Context, depth int, parent *Leaf) (*Leaf, StopReason) {
	ctx, span := spans.Start(ctx, tracerName, "searchtree.Depth", spans.Depth.Int(depth))
	defer span.End()
	t.recorder.ObserveSearchDepth(depth)

	var mostLimiting *model.FlowCnec
	if ml := parent.Objective().MostLimiting; len(ml) > 0 {
		mostLimiting = ml[0].Cnec
	}
	combos, dropped := t.bloomer.bloom(parent.applied, t.tested, mostLimiting)
	for _, name := range sortedKeys(dropped) {
		t.log.Debug(ctx, "combinations filtered", logging.String("filter", name), logging.Int("count", dropped[name]))
	}
	if len(combos) == 0 {
		return nil, NoCombinationLeft
	}
	var capped StopReason
	if limit := t.in.Parameters.TopoOptimization.MaxLeaves; limit > 0 {
		left := limit - t.leaves
		if left <= 0 {
			return nil, LeafCapReached
		}
		if len(combos) > left {
			combos = combos[:left]
			capped = LeafCapReached
		}
	}

	start := parent.Activation()
	leaves := make([]*Leaf, len(combos))
	for i, c := range combos {
		applied := append(append([]*model.NetworkAction(nil), parent.applied...), c.actions...)
		if t.bloomer.resetsRangeActions(parent.applied, c, start) {
			leaves[i] = newLeaf(applied, nil)
		} else {
			leaves[i] = newLeaf(applied, start.Clone())
		}
		t.tested[leaves[i].key()] = true
	}
	t.leaves += len(leaves)

	// fulfilled holds the first combination, in bloom order, that reached the
	// stop criterion. Later ones can no longer be kept.
	fulfilled := &firstIndex{index: -1}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.in.Parameters.LeavesInParallel())
	for i, l := range leaves {
		g.Go(func() error {
			if gctx.Err() != nil {
				l.fail(gctx.Err())
				return nil
			}
			if !fulfilled.before(i) {
				t.recorder.ObserveLeaf(l.Status())
				t.log.Debug(gctx, "leaf skipped", logging.String("leaf", l.String()))
				return nil
			}
			t.evaluate(gctx, l)
			if l.Status() == Evaluated && !t.stopReached(l.Objective()) && fulfilled.before(i) {
				t.optimize(gctx, l)
			}
			if t.candidate(l) && t.stopReached(l.Objective()) && t.improves(l.Objective(), parent.Objective()) {
				fulfilled.set(i)
			}
			t.recorder.ObserveLeaf(l.Status())
			t.log.Debug(gctx, "leaf done",
				logging.String("leaf", l.String()),
				logging.String("status", l.Status().String()),
				logging.Float64("cost", l.Cost()),
				logging.Err(l.Err()),
			)
			return nil
		})
	}
	_ = g.Wait()

	var best *Leaf
	if i := fulfilled.get(); i >= 0 {
		best = leaves[i]
	}
	for _, l := range leaves {
		if best != nil && t.stopReached(best.Objective()) {
			break
		}
		if !t.candidate(l) {
			if l.Err() != nil {
				t.log.Warn(ctx, "leaf rejected", logging.String("leaf", l.String()), logging.Err(l.Err()))
			}
			continue
		}
		if !t.improves(l.Objective(), parent.Objective()) {
			continue
		}
		if best == nil || l.Cost() < best.Cost()-costTolerance {
			best = l
		}
	}
	for _, l := range leaves {
		if l != best {
			l.close()
		}
	}
	if best == nil {
		if ctx.Err() != nil {
			return nil, BudgetExhausted
		}
		if capped != "" {
			return nil, capped
		}
		return nil, NoImprovement
	}
	if ctx.Err() != nil {
		return best, BudgetExhausted
	}
	return best, capped
}

// candidate reports whether l may replace its parent: its range actions were
// optimised, or its evaluation already met the stop criterion.
func (t *tree) candidate(l *Leaf) bool {
	switch l.Status() {
	case Optimized:
		return true
	case Evaluated:
		return t.stopReached(l.Objective())
	default:
		return false
	}
}

// stopReached reports whether the search may end on r. Without optimized
// CNECs, removing every virtual cost is enough.
func (t *tree) stopReached(r objective.Result) bool {
	if r.VirtualCost() > virtualCostTolerance {
		return false
	}
	if t.purelyVirtual {
		return true
	}
	return t.in.StopCriterion.Reached(r)
}

// improves applies the minimum impact thresholds. A candidate cheaper than
// reference that meets the stop criterion is always kept.
func (t *tree) improves(candidate, reference objective.Result) bool {
	gain := reference.Cost() - candidate.Cost()
	if gain <= costTolerance {
		return false
	}
	if t.stopReached(candidate) {
		return true
	}
	topo := t.in.Parameters.TopoOptimization
	required := math.Max(topo.AbsoluteMinImpactThreshold, topo.RelativeMinImpactThreshold*math.Abs(reference.Cost()))
	return gain >= required-costTolerance
}

// firstIndex keeps the lowest index set, concurrently.
type firstIndex struct {
	mu    sync.Mutex
	index int
}

func (f *firstIndex) before(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index < 0 || i < f.index
}

func (f *firstIndex) set(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index < 0 || i < f.index {
		f.index = i
	}
}

func (f *firstIndex) get() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index
}

// finalNetwork copies the network of the optimal leaf with its main state
// setpoints, then releases every remaining variant.
func (t *tree) finalNetwork(root, optimal *Leaf) *core.Network {
	defer root.close()
	defer optimal.close()
	var network *core.Network
	if optimal.network != nil {
		network = optimal.network.Derive()
	} else {
		network = t.in.Network.Derive()
	}
	main := t.in.Perimeter.MainState()
	activation := optimal.Activation()
	for _, ra := range t.in.Perimeter.RangeActionsAt(main.ID()) {
		network.ApplyRangeAction(ra, activation.Setpoint(main, ra.ID))
	}
	return network
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package searchtree

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/signalsfoundry/rao/core"
	"github.com/signalsfoundry/rao/internal/linearopt"
	"github.com/signalsfoundry/rao/internal/objective"
	"github.com/signalsfoundry/rao/internal/results"
	"github.com/signalsfoundry/rao/internal/sensitivity"
	"github.com/signalsfoundry/rao/internal/spans"
	"github.com/signalsfoundry/rao/model"
)

var (
	// ErrSensitivityFailed marks a leaf whose sensitivity computation failed
	// for every state.
	ErrSensitivityFailed = errors.New("sensitivity computation failed")
	// ErrOptimizationFailed marks a leaf whose linear optimisation found no
	// usable solution.
	ErrOptimizationFailed = errors.New("range action optimisation failed")
)

// LeafStatus is the lifecycle stage of a leaf.
type LeafStatus int

const (
	Created LeafStatus = iota
	// Evaluated leaves have flows for their network actions, range actions
	// at their starting setpoints.
	Evaluated
	Optimized
	Error
)

func (s LeafStatus) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Evaluated:
		return "EVALUATED"
	case Optimized:
		return "OPTIMIZED"
	default:
		return "ERROR"
	}
}

// Leaf is one node of the search tree: a set of applied network actions and
// the range action optimisation done on top of it.
type Leaf struct {
	status  LeafStatus
	applied []*model.NetworkAction

	network *core.Network
	release func()

	preOptim          *sensitivity.Result
	preOptimObjective objective.Result
	// start holds the range action setpoints the leaf is evaluated and
	// optimised from. When nil, evaluate takes them from the leaf network.
	start        *results.RangeActionActivation
	optimization *linearopt.Result
	err          error
}

func newLeaf(applied []*model.NetworkAction, start *results.RangeActionActivation) *Leaf {
	return &Leaf{applied: applied, start: start}
}

// Status returns the lifecycle stage.
func (l *Leaf) Status() LeafStatus { return l.status }

// Err returns why the leaf is in Error.
func (l *Leaf) Err() error { return l.err }

// IsRoot reports whether no network action is applied.
func (l *Leaf) IsRoot() bool { return len(l.applied) == 0 }

// AppliedNetworkActions returns the network actions in application order.
func (l *Leaf) AppliedNetworkActions() []*model.NetworkAction {
	return append([]*model.NetworkAction(nil), l.applied...)
}

// optimized reports whether the range action optimisation result is usable.
func (l *Leaf) optimized() bool {
	return l.optimization != nil && !l.optimization.Status.Failed()
}

// Objective returns the evaluation of the best operating point of the leaf.
func (l *Leaf) Objective() objective.Result {
	if l.optimized() {
		return l.optimization.Objective
	}
	return l.preOptimObjective
}

// Cost returns the total cost of the leaf.
func (l *Leaf) Cost() float64 { return l.Objective().Cost() }

// Activation returns the range action setpoints of the leaf.
func (l *Leaf) Activation() *results.RangeActionActivation {
	if l.optimized() {
		return l.optimization.Activation
	}
	return l.start
}

// Sensitivity returns the flows at the leaf operating point.
func (l *Leaf) Sensitivity() *sensitivity.Result {
	if l.optimized() {
		return l.optimization.Sensitivity
	}
	return l.preOptim
}

// PreOptimizationSensitivity returns the flows before range actions moved.
func (l *Leaf) PreOptimizationSensitivity() *sensitivity.Result { return l.preOptim }

// LinearStatus returns the status of the range action optimisation, if it
// ran.
func (l *Leaf) LinearStatus() (linearopt.Status, bool) {
	if l.optimization == nil {
		return 0, false
	}
	return l.optimization.Status, true
}

func (l *Leaf) String() string {
	if l.IsRoot() {
		return "root leaf"
	}
	return "network actions " + strings.Join(l.ids(), ", ")
}

func (l *Leaf) ids() []string {
	ids := make([]string, len(l.applied))
	for i, na := range l.applied {
		ids[i] = na.ID
	}
	return ids
}

// key identifies the set of applied network actions regardless of order.
func (l *Leaf) key() string {
	return setKey(l.applied)
}

func setKey(nas []*model.NetworkAction) string {
	ids := make([]string, len(nas))
	for i, na := range nas {
		ids[i] = na.ID
	}
	sort.Strings(ids)
	return strings.Join(ids, "+")
}

func (l *Leaf) fail(err error) {
	l.status = Error
	l.err = err
}

func (l *Leaf) close() {
	if l.release != nil {
		l.release()
		l.release = nil
	}
}

// evaluate applies the network actions on a private variant and computes the
// flows at the starting setpoints.
func (t *tree) evaluate(ctx context.Context, l *Leaf) {
	ctx, span := spans.Start(ctx, tracerName, "searchtree.EvaluateLeaf", spans.Actions.StringSlice(l.ids()))
	defer span.End()

	l.network, l.release = t.in.Computer.Variants().Clone(t.in.Network, "leaf")
	for _, na := range l.applied {
		if err := l.network.ApplyNetworkAction(na); err != nil {
			l.fail(fmt.Errorf("apply %s: %w", na.ID, err))
			return
		}
	}
	if l.start == nil {
		reference := make(results.Setpoints)
		for _, ra := range t.in.Perimeter.AllRangeActions() {
			reference[ra.ID] = l.network.RangeActionSetpoint(ra)
		}
		l.start = results.NewRangeActionActivation(reference, t.in.Perimeter.AllOptimizedStates())
	}
	sens := t.in.PrePerimeterSensitivity
	if sens == nil || !l.IsRoot() {
		var err error
		sens, err = linearopt.ComputeAt(ctx, t.in.Computer, t.in.Perimeter, l.network, t.request, l.start, "leaf")
		if err != nil {
			spans.Fail(span, err)
			l.fail(err)
			return
		}
	}
	l.preOptim = sens
	l.preOptimObjective = t.objective.Evaluate(sens, l.start)
	if sens.Status() == sensitivity.Failure {
		l.fail(ErrSensitivityFailed)
		return
	}
	l.status = Evaluated
}

// optimize runs the iterating linear optimisation on an evaluated leaf.
func (t *tree) optimize(ctx context.Context, l *Leaf) {
	ctx, span := spans.Start(ctx, tracerName, "searchtree.OptimizeLeaf", spans.Actions.StringSlice(l.ids()))
	defer span.End()

	res, err := linearopt.Optimize(ctx, linearopt.Input{
		Perimeter:             t.in.Perimeter,
		Parameters:            t.in.Parameters,
		Network:               l.network,
		Start:                 l.start,
		Computer:              t.in.Computer,
		Objective:             t.objective,
		Sensitivity:           l.preOptim,
		PrePerimeterFlows:     t.in.PrePerimeterFlows,
		InitialFlows:          t.in.InitialFlows,
		AppliedNetworkActions: l.applied,
		RangeShrinking:        t.in.RangeShrinking,
		Solver:                t.in.Solver,
		Logger:                t.log,
		Recorder:              t.recorder,
	})
	if err != nil {
		spans.Fail(span, err)
		l.fail(err)
		return
	}
	l.optimization = res
	if res.Status.Failed() {
		l.fail(fmt.Errorf("%w: %s", ErrOptimizationFailed, res.Status))
		return
	}
	l.status = Optimized
}

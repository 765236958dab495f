// Package perimeter scopes one optimisation pass: the states optimised, the
// range actions available at each of them and the CNECs evaluated.
package perimeter

import (
	"errors"
	"fmt"
	"sort"

	"github.com/signalsfoundry/rao/crac"
	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/model"
)

var (
	// ErrNoRangeAction indicates the main state of a perimeter has no
	// available range action.
	ErrNoRangeAction = errors.New("no range action available on the main optimized state")
	// ErrUnknownState indicates a state outside of the CRAC.
	ErrUnknownState = errors.New("unknown state")
)

// Kind is the shape of a perimeter.
type Kind int

const (
	Preventive Kind = iota
	Curative
	// Global optimises the preventive state together with curative states.
	Global
)

func (k Kind) String() string {
	switch k {
	case Preventive:
		return "preventive"
	case Curative:
		return "curative"
	default:
		return "global"
	}
}

// Options tune CNEC classification.
type Options struct {
	// LoopFlowCountries restricts loop-flow CNECs to these countries; empty
	// means every CNEC with a loop-flow threshold.
	LoopFlowCountries []string
	// WithLoopFlows enables loop-flow classification.
	WithLoopFlows bool
}

// Perimeter is immutable once built and safe for concurrent readers.
type Perimeter struct {
	kind      Kind
	crac      *crac.Crac
	mainState model.State

	// states are the optimized states, in instant order, main state first.
	states       []model.State
	rangeActions map[string][]*model.RangeAction

	cnecs     []*model.FlowCnec
	optimized []*model.FlowCnec
	monitored []*model.FlowCnec
	loopFlows []*model.FlowCnec

	networkActions []*model.NetworkAction
	cnecStates     map[string]model.State
}

// NewPreventive builds a perimeter around the preventive state.
func NewPreventive(c *crac.Crac, cnecs []*model.FlowCnec, margins crac.MarginSource, opts Options) (*Perimeter, error) {
	return build(Preventive, c, c.PreventiveState(), nil, cnecs, margins, opts)
}

// NewCurative builds a perimeter around one curative state.
func NewCurative(c *crac.Crac, state model.State, cnecs []*model.FlowCnec, margins crac.MarginSource, opts Options) (*Perimeter, error) {
	if _, ok := c.StateByID(state.ID()); !ok {
		return nil, fmt.Errorf("%s: %w", state.ID(), ErrUnknownState)
	}
	return build(Curative, c, state, nil, cnecs, margins, opts)
}

// NewGlobal builds a perimeter over the preventive state and the given
// curative states. Curative states without range actions are left out.
func NewGlobal(c *crac.Crac, curative []model.State, cnecs []*model.FlowCnec, margins crac.MarginSource, opts Options) (*Perimeter, error) {
	for _, st := range curative {
		if _, ok := c.StateByID(st.ID()); !ok {
			return nil, fmt.Errorf("%s: %w", st.ID(), ErrUnknownState)
		}
	}
	return build(Global, c, c.PreventiveState(), curative, cnecs, margins, opts)
}

func build(kind Kind, c *crac.Crac, main model.State, others []model.State, cnecs []*model.FlowCnec, margins crac.MarginSource, opts Options) (*Perimeter, error) {
	p := &Perimeter{
		kind:         kind,
		crac:         c,
		mainState:    main,
		rangeActions: make(map[string][]*model.RangeAction),
		cnecStates:   make(map[string]model.State),
	}

	mainRAs := c.AvailableRangeActions(main, margins)
	if len(mainRAs) == 0 {
		return nil, fmt.Errorf("%s: %w", main.ID(), ErrNoRangeAction)
	}
	p.states = append(p.states, main)
	p.rangeActions[main.ID()] = sortedRangeActions(mainRAs)

	for _, st := range others {
		ras := c.AvailableRangeActions(st, margins)
		if len(ras) == 0 || st.ID() == main.ID() {
			continue
		}
		p.states = append(p.states, st)
		p.rangeActions[st.ID()] = sortedRangeActions(ras)
	}
	crac.SortStates(p.states[1:])

	p.networkActions = c.AvailableNetworkActions(main, margins)

	loopCountries := make(map[string]bool, len(opts.LoopFlowCountries))
	for _, co := range opts.LoopFlowCountries {
		loopCountries[co] = true
	}
	seen := make(map[string]bool, len(cnecs))
	for _, cnec := range cnecs {
		if seen[cnec.ID] {
			continue
		}
		seen[cnec.ID] = true
		st, ok := c.StateByID(cnec.StateID)
		if !ok {
			return nil, fmt.Errorf("cnec %s state %s: %w", cnec.ID, cnec.StateID, ErrUnknownState)
		}
		p.cnecStates[cnec.StateID] = st
		p.cnecs = append(p.cnecs, cnec)
		if cnec.Optimized {
			p.optimized = append(p.optimized, cnec)
		}
		if cnec.Monitored {
			p.monitored = append(p.monitored, cnec)
		}
		if opts.WithLoopFlows && cnec.LoopFlowThreshold > 0 && inCountries(cnec.Countries, loopCountries) {
			p.loopFlows = append(p.loopFlows, cnec)
		}
	}
	for _, list := range [][]*model.FlowCnec{p.cnecs, p.optimized, p.monitored, p.loopFlows} {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	return p, nil
}

func inCountries(countries []string, filter map[string]bool) bool {
	if len(filter) == 0 {
		return true
	}
	for _, c := range countries {
		if filter[c] {
			return true
		}
	}
	return false
}

func sortedRangeActions(ras []*model.RangeAction) []*model.RangeAction {
	out := append([]*model.RangeAction(nil), ras...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Kind returns the perimeter shape.
func (p *Perimeter) Kind() Kind { return p.kind }

// Crac returns the CRAC the perimeter was built from.
func (p *Perimeter) Crac() *crac.Crac { return p.crac }

// MainState returns the state anchoring the perimeter.
func (p *Perimeter) MainState() model.State { return p.mainState }

// AllOptimizedStates returns the states with range actions, main state first.
func (p *Perimeter) AllOptimizedStates() []model.State {
	return append([]model.State(nil), p.states...)
}

// MonitoredStates returns the states of the perimeter CNECs, sorted.
func (p *Perimeter) MonitoredStates() []model.State {
	states := make([]model.State, 0, len(p.cnecStates))
	for _, st := range p.cnecStates {
		states = append(states, st)
	}
	crac.SortStates(states)
	return states
}

// AvailableRangeActions maps each optimized state id to its range actions.
func (p *Perimeter) AvailableRangeActions() map[string][]*model.RangeAction {
	out := make(map[string][]*model.RangeAction, len(p.rangeActions))
	for id, ras := range p.rangeActions {
		out[id] = append([]*model.RangeAction(nil), ras...)
	}
	return out
}

// RangeActionsAt returns the range actions of one optimized state.
func (p *Perimeter) RangeActionsAt(stateID string) []*model.RangeAction {
	return p.rangeActions[stateID]
}

// AllRangeActions returns the union of the range actions, sorted by id.
func (p *Perimeter) AllRangeActions() []*model.RangeAction {
	seen := make(map[string]bool)
	var out []*model.RangeAction
	for _, st := range p.states {
		for _, ra := range p.rangeActions[st.ID()] {
			if !seen[ra.ID] {
				seen[ra.ID] = true
				out = append(out, ra)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FlowCnecs returns every CNEC of the perimeter.
func (p *Perimeter) FlowCnecs() []*model.FlowCnec { return p.cnecs }

// OptimizedFlowCnecs returns the CNECs entering the margin objective.
func (p *Perimeter) OptimizedFlowCnecs() []*model.FlowCnec { return p.optimized }

// MonitoredFlowCnecs returns the MNECs.
func (p *Perimeter) MonitoredFlowCnecs() []*model.FlowCnec { return p.monitored }

// LoopFlowCnecs returns the CNECs carrying a loop-flow limit.
func (p *Perimeter) LoopFlowCnecs() []*model.FlowCnec { return p.loopFlows }

// NetworkActions returns the network actions available at the main state.
func (p *Perimeter) NetworkActions() []*model.NetworkAction { return p.networkActions }

// State resolves a CNEC or optimized state id.
func (p *Perimeter) State(id string) (model.State, bool) {
	if st, ok := p.cnecStates[id]; ok {
		return st, true
	}
	for _, st := range p.states {
		if st.ID() == id {
			return st, true
		}
	}
	return model.State{}, false
}

// PreviousOptimizedState returns the latest optimized state preceding state
// where ra is available.
func (p *Perimeter) PreviousOptimizedState(state model.State, raID string) (model.State, bool) {
	for i := len(p.states) - 1; i >= 0; i-- {
		st := p.states[i]
		if st.Precedes(state) && p.isAvailable(st.ID(), raID) {
			return st, true
		}
	}
	return model.State{}, false
}

// LastRangeActionState returns the latest optimized state, at or before
// cnecState, where ra is available. The flow of a CNEC depends on the
// setpoint ra has at that state.
func (p *Perimeter) LastRangeActionState(cnecState model.State, raID string) (model.State, bool) {
	if p.isAvailable(cnecState.ID(), raID) {
		return cnecState, true
	}
	return p.PreviousOptimizedState(cnecState, raID)
}

func (p *Perimeter) isAvailable(stateID, raID string) bool {
	for _, ra := range p.rangeActions[stateID] {
		if ra.ID == raID {
			return true
		}
	}
	return false
}

// Operators returns the operators owning range actions in the perimeter.
func (p *Perimeter) Operators() map[string]bool {
	ops := make(map[string]bool)
	for _, ra := range p.AllRangeActions() {
		if ra.Operator != "" {
			ops[ra.Operator] = true
		}
	}
	return ops
}

// UnoptimizedOperators returns the operators whose CNECs are kept out of the
// min margin as long as their margin does not decrease: the configured ones
// and, on curative perimeters when requested, those owning no range action
// in the perimeter.
func (p *Perimeter) UnoptimizedOperators(params config.NotOptimizedCnecsParameters) []string {
	ops := make(map[string]bool)
	for _, op := range params.OperatorsNotToOptimize {
		ops[op] = true
	}
	if params.DoNotOptimizeCurativeCnecsForTsosWithoutCras && p.kind == Curative {
		withRa := p.Operators()
		for _, cnec := range p.optimized {
			if cnec.Operator != "" && !withRa[cnec.Operator] {
				ops[cnec.Operator] = true
			}
		}
	}
	out := make([]string, 0, len(ops))
	for op := range ops {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// CnecsInSeriesWithPsts resolves the configured CNEC to PST mapping against
// the perimeter. Unknown CNECs and range actions are dropped.
func (p *Perimeter) CnecsInSeriesWithPsts(params config.NotOptimizedCnecsParameters) map[string]*model.RangeAction {
	out := make(map[string]*model.RangeAction)
	inPerimeter := make(map[string]bool, len(p.optimized))
	for _, cnec := range p.optimized {
		inPerimeter[cnec.ID] = true
	}
	ras := make(map[string]*model.RangeAction)
	for _, ra := range p.AllRangeActions() {
		ras[ra.ID] = ra
	}
	for cnecID, raID := range params.CnecsInSeriesWithPsts {
		ra, ok := ras[raID]
		if !ok || !inPerimeter[cnecID] || ra.Kind != model.KindPst {
			continue
		}
		out[cnecID] = ra
	}
	return out
}

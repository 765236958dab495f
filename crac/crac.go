package crac

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/rao/model"
)

var (
	// ErrDuplicateID indicates an entity with the same id already exists.
	ErrDuplicateID = errors.New("duplicate id")
	// ErrUnknownInstant indicates a reference to an instant that was never added.
	ErrUnknownInstant = errors.New("unknown instant")
	// ErrUnknownContingency indicates a reference to an unknown contingency.
	ErrUnknownContingency = errors.New("unknown contingency")
	// ErrInvalidEntity indicates an entity failed validation.
	ErrInvalidEntity = errors.New("invalid entity")
)

// MarginSource gives the margin of a CNEC in MW. It is used to evaluate
// on-constraint usage rules.
type MarginSource interface {
	Margin(cnecID string) (float64, bool)
}

// Crac is an indexed, read-mostly store of contingencies, CNECs and remedial
// actions. It is safe for concurrent readers once built.
type Crac struct {
	mu sync.RWMutex

	ID string

	instants       []model.Instant
	contingencies  map[string]*model.Contingency
	states         map[string]model.State
	cnecs          map[string]*model.FlowCnec
	rangeActions   map[string]*model.RangeAction
	networkActions map[string]*model.NetworkAction

	// boundaries is the undirected country adjacency graph.
	boundaries map[string]map[string]bool
}

// New constructs an empty CRAC.
func New(id string) *Crac {
	return &Crac{
		ID:             id,
		contingencies:  make(map[string]*model.Contingency),
		states:         make(map[string]model.State),
		cnecs:          make(map[string]*model.FlowCnec),
		rangeActions:   make(map[string]*model.RangeAction),
		networkActions: make(map[string]*model.NetworkAction),
		boundaries:     make(map[string]map[string]bool),
	}
}

// AddInstant appends an instant. The first one must be preventive and orders
// must strictly increase.
func (c *Crac) AddInstant(in model.Instant) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.instants {
		if existing.ID == in.ID {
			return fmt.Errorf("instant %q: %w", in.ID, ErrDuplicateID)
		}
	}
	if len(c.instants) == 0 && in.Kind != model.Preventive {
		return fmt.Errorf("first instant %q must be preventive: %w", in.ID, ErrInvalidEntity)
	}
	if n := len(c.instants); n > 0 {
		last := c.instants[n-1]
		if in.Order <= last.Order {
			return fmt.Errorf("instant %q: order %d does not follow %q (%d): %w", in.ID, in.Order, last.ID, last.Order, ErrInvalidEntity)
		}
		if in.Kind == model.Preventive {
			return fmt.Errorf("instant %q: only one preventive instant allowed: %w", in.ID, ErrInvalidEntity)
		}
	}
	c.instants = append(c.instants, in)
	if in.Kind == model.Preventive {
		c.states[model.PreventiveStateID] = model.State{Instant: in}
	}
	return nil
}

// AddContingency registers a contingency.
func (c *Crac) AddContingency(co *model.Contingency) error {
	if co == nil || co.ID == "" {
		return fmt.Errorf("contingency without id: %w", ErrInvalidEntity)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.contingencies[co.ID]; exists {
		return fmt.Errorf("contingency %q: %w", co.ID, ErrDuplicateID)
	}
	c.contingencies[co.ID] = co
	return nil
}

// AddFlowCnec registers a CNEC at the state (instantID, contingencyID),
// creating the state when needed. cnec.StateID is set accordingly.
func (c *Crac) AddFlowCnec(cnec *model.FlowCnec, instantID, contingencyID string) error {
	if cnec == nil || cnec.ID == "" {
		return fmt.Errorf("cnec without id: %w", ErrInvalidEntity)
	}
	if len(cnec.Thresholds) == 0 {
		return fmt.Errorf("cnec %q has no threshold: %w", cnec.ID, ErrInvalidEntity)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.cnecs[cnec.ID]; exists {
		return fmt.Errorf("cnec %q: %w", cnec.ID, ErrDuplicateID)
	}
	state, err := c.stateLocked(instantID, contingencyID)
	if err != nil {
		return fmt.Errorf("cnec %q: %w", cnec.ID, err)
	}
	cnec.StateID = state.ID()
	c.states[state.ID()] = state
	c.cnecs[cnec.ID] = cnec
	return nil
}

// AddRangeAction registers a range action.
func (c *Crac) AddRangeAction(ra *model.RangeAction) error {
	if ra == nil || ra.ID == "" {
		return fmt.Errorf("range action without id: %w", ErrInvalidEntity)
	}
	if ra.Kind == model.KindPst {
		if ra.Taps == nil || len(ra.Taps.Angles) == 0 {
			return fmt.Errorf("pst range action %q has no tap table: %w", ra.ID, ErrInvalidEntity)
		}
		if _, ok := ra.Taps.Angles[ra.InitialTap]; !ok {
			return fmt.Errorf("pst range action %q: initial tap %d outside [%d, %d]: %w",
				ra.ID, ra.InitialTap, ra.Taps.LowTap(), ra.Taps.HighTap(), ErrInvalidEntity)
		}
	}
	if len(ra.NetworkElements) == 0 {
		return fmt.Errorf("range action %q has no network element: %w", ra.ID, ErrInvalidEntity)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.rangeActions[ra.ID]; exists {
		return fmt.Errorf("range action %q: %w", ra.ID, ErrDuplicateID)
	}
	if err := c.checkRulesLocked(ra.ID, ra.UsageRules); err != nil {
		return err
	}
	c.rangeActions[ra.ID] = ra
	return nil
}

// AddNetworkAction registers a network action.
func (c *Crac) AddNetworkAction(na *model.NetworkAction) error {
	if na == nil || na.ID == "" {
		return fmt.Errorf("network action without id: %w", ErrInvalidEntity)
	}
	if len(na.Elementary) == 0 {
		return fmt.Errorf("network action %q has no elementary action: %w", na.ID, ErrInvalidEntity)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.networkActions[na.ID]; exists {
		return fmt.Errorf("network action %q: %w", na.ID, ErrDuplicateID)
	}
	if err := c.checkRulesLocked(na.ID, na.UsageRules); err != nil {
		return err
	}
	c.networkActions[na.ID] = na
	return nil
}

// AddCountryBoundary declares that two countries share a border.
func (c *Crac) AddCountryBoundary(a, b string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.boundaries[a] == nil {
		c.boundaries[a] = make(map[string]bool)
	}
	if c.boundaries[b] == nil {
		c.boundaries[b] = make(map[string]bool)
	}
	c.boundaries[a][b] = true
	c.boundaries[b][a] = true
}

func (c *Crac) checkRulesLocked(owner string, rules []model.UsageRule) error {
	for _, r := range rules {
		if _, ok := c.instantLocked(r.InstantID); !ok {
			return fmt.Errorf("%s usage rule references instant %q: %w", owner, r.InstantID, ErrUnknownInstant)
		}
		if r.Kind == model.OnContingencyState {
			if _, ok := c.contingencies[r.ContingencyID]; !ok {
				return fmt.Errorf("%s usage rule references contingency %q: %w", owner, r.ContingencyID, ErrUnknownContingency)
			}
		}
	}
	return nil
}

func (c *Crac) stateLocked(instantID, contingencyID string) (model.State, error) {
	in, ok := c.instantLocked(instantID)
	if !ok {
		return model.State{}, fmt.Errorf("instant %q: %w", instantID, ErrUnknownInstant)
	}
	if in.Kind == model.Preventive {
		if contingencyID != "" {
			return model.State{}, fmt.Errorf("preventive state cannot carry contingency %q: %w", contingencyID, ErrInvalidEntity)
		}
		return model.State{Instant: in}, nil
	}
	if _, ok := c.contingencies[contingencyID]; !ok {
		return model.State{}, fmt.Errorf("contingency %q: %w", contingencyID, ErrUnknownContingency)
	}
	return model.State{Instant: in, ContingencyID: contingencyID}, nil
}

func (c *Crac) instantLocked(id string) (model.Instant, bool) {
	for _, in := range c.instants {
		if in.ID == id {
			return in, true
		}
	}
	return model.Instant{}, false
}

// Instant returns the instant with the given id.
func (c *Crac) Instant(id string) (model.Instant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instantLocked(id)
}

// Instants returns the ordered instant chain.
func (c *Crac) Instants() []model.Instant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Instant(nil), c.instants...)
}

// CurativeInstants returns the curative instants, ordered.
func (c *Crac) CurativeInstants() []model.Instant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var res []model.Instant
	for _, in := range c.instants {
		if in.Kind == model.Curative {
			res = append(res, in)
		}
	}
	return res
}

// PreventiveState returns the basecase state.
func (c *Crac) PreventiveState() model.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[model.PreventiveStateID]
}

// State returns the state of a contingency at an instant, creating nothing.
func (c *Crac) State(contingencyID, instantID string) (model.State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, err := c.stateLocked(instantID, contingencyID)
	if err != nil {
		return model.State{}, false
	}
	return s, true
}

// StateByID returns a state known to the CRAC.
func (c *Crac) StateByID(id string) (model.State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[id]
	return s, ok
}

// States returns every state holding CNECs plus the preventive state, sorted
// by instant order then contingency id.
func (c *Crac) States() []model.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make([]model.State, 0, len(c.states))
	for _, s := range c.states {
		res = append(res, s)
	}
	SortStates(res)
	return res
}

// SortStates orders states by instant order then contingency id.
func SortStates(states []model.State) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].Instant.Order != states[j].Instant.Order {
			return states[i].Instant.Order < states[j].Instant.Order
		}
		return states[i].ContingencyID < states[j].ContingencyID
	})
}

// Contingencies returns all contingencies sorted by id.
func (c *Crac) Contingencies() []*model.Contingency {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make([]*model.Contingency, 0, len(c.contingencies))
	for _, co := range c.contingencies {
		res = append(res, co)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// FlowCnec returns the CNEC with the given id, or nil.
func (c *Crac) FlowCnec(id string) *model.FlowCnec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cnecs[id]
}

// FlowCnecs returns all CNECs sorted by id.
func (c *Crac) FlowCnecs() []*model.FlowCnec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make([]*model.FlowCnec, 0, len(c.cnecs))
	for _, cnec := range c.cnecs {
		res = append(res, cnec)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// FlowCnecsAt returns the CNECs of one state sorted by id.
func (c *Crac) FlowCnecsAt(stateID string) []*model.FlowCnec {
	var res []*model.FlowCnec
	for _, cnec := range c.FlowCnecs() {
		if cnec.StateID == stateID {
			res = append(res, cnec)
		}
	}
	return res
}

// RangeAction returns the range action with the given id, or nil.
func (c *Crac) RangeAction(id string) *model.RangeAction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rangeActions[id]
}

// RangeActions returns all range actions sorted by id.
func (c *Crac) RangeActions() []*model.RangeAction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make([]*model.RangeAction, 0, len(c.rangeActions))
	for _, ra := range c.rangeActions {
		res = append(res, ra)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// RangeActionGroup returns the members of a group sorted by id.
func (c *Crac) RangeActionGroup(groupID string) []*model.RangeAction {
	if groupID == "" {
		return nil
	}
	var res []*model.RangeAction
	for _, ra := range c.RangeActions() {
		if ra.GroupID == groupID {
			res = append(res, ra)
		}
	}
	return res
}

// NetworkAction returns the network action with the given id, or nil.
func (c *Crac) NetworkAction(id string) *model.NetworkAction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.networkActions[id]
}

// NetworkActions returns all network actions sorted by id.
func (c *Crac) NetworkActions() []*model.NetworkAction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make([]*model.NetworkAction, 0, len(c.networkActions))
	for _, na := range c.networkActions {
		res = append(res, na)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// BoundaryDistance returns the smallest number of borders to cross from any
// country of from to any country of to. It returns -1 when unreachable.
func (c *Crac) BoundaryDistance(from, to []string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	targets := make(map[string]bool, len(to))
	for _, country := range to {
		targets[country] = true
	}
	dist := make(map[string]int, len(c.boundaries))
	queue := make([]string, 0, len(from))
	for _, country := range from {
		if _, seen := dist[country]; !seen {
			dist[country] = 0
			queue = append(queue, country)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if targets[cur] {
			return dist[cur]
		}
		neighbours := make([]string, 0, len(c.boundaries[cur]))
		for n := range c.boundaries[cur] {
			neighbours = append(neighbours, n)
		}
		sort.Strings(neighbours)
		for _, n := range neighbours {
			if _, seen := dist[n]; !seen {
				dist[n] = dist[cur] + 1
				queue = append(queue, n)
			}
		}
	}
	return -1
}

package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/rao/crac"
	"github.com/signalsfoundry/rao/model"
)

// InitialVariantID names the variant built from the initial network.
const InitialVariantID = "InitialState"

// Network is one variant of the grid operating point as seen by the
// optimizer: range-action element setpoints, PST taps, opened topology
// elements and applied network actions. Physics live behind the sensitivity
// oracle; a Network only records what was set.
//
// A Network is owned by one goroutine at a time. Use a VariantManager to hand
// out private copies.
type Network struct {
	variantID string

	setpoints map[string]float64
	taps      map[string]int
	open      map[string]bool
	applied   map[string]bool

	// pstTables is shared, read-only, between variants.
	pstTables map[string]*model.TapTable
}

// NewNetwork constructs an empty initial variant.
func NewNetwork() *Network {
	return &Network{
		variantID: InitialVariantID,
		setpoints: make(map[string]float64),
		taps:      make(map[string]int),
		open:      make(map[string]bool),
		applied:   make(map[string]bool),
		pstTables: make(map[string]*model.TapTable),
	}
}

// NewNetworkFromCrac builds the initial variant with every range action at
// its initial setpoint.
func NewNetworkFromCrac(c *crac.Crac) *Network {
	n := NewNetwork()
	for _, ra := range c.RangeActions() {
		if ra.Kind == model.KindPst && ra.Taps != nil {
			for _, el := range ra.ElementIDs() {
				n.pstTables[el] = ra.Taps
			}
		}
		n.ApplyRangeAction(ra, ra.InitialValue())
	}
	return n
}

// VariantID returns the variant identifier.
func (n *Network) VariantID() string { return n.variantID }

// Setpoint returns the setpoint of an element (angle in degrees for PSTs).
func (n *Network) Setpoint(elementID string) (float64, bool) {
	v, ok := n.setpoints[elementID]
	return v, ok
}

// Tap returns the tap of a PST element.
func (n *Network) Tap(elementID string) (int, bool) {
	t, ok := n.taps[elementID]
	return t, ok
}

// IsOpen reports whether a topology element is opened.
func (n *Network) IsOpen(elementID string) bool { return n.open[elementID] }

// OpenElements returns the opened topology elements, sorted.
func (n *Network) OpenElements() []string {
	res := make([]string, 0, len(n.open))
	for id, open := range n.open {
		if open {
			res = append(res, id)
		}
	}
	sort.Strings(res)
	return res
}

// IsApplied reports whether a network action has been applied.
func (n *Network) IsApplied(networkActionID string) bool { return n.applied[networkActionID] }

// AppliedNetworkActions returns the applied network action ids, sorted.
func (n *Network) AppliedNetworkActions() []string {
	res := make([]string, 0, len(n.applied))
	for id := range n.applied {
		res = append(res, id)
	}
	sort.Strings(res)
	return res
}

// ApplyRangeAction moves every element of ra to setpoint. PST elements snap
// to the closest tap.
func (n *Network) ApplyRangeAction(ra *model.RangeAction, setpoint float64) {
	for el, key := range ra.NetworkElements {
		switch ra.Kind {
		case model.KindPst:
			if ra.Taps != nil {
				tap := ra.Taps.ClosestTap(setpoint)
				n.taps[el] = tap
				n.setpoints[el] = ra.Taps.Angle(tap)
			} else {
				n.setpoints[el] = setpoint
			}
		case model.KindInjection:
			n.setpoints[el] = key * setpoint
		default:
			n.setpoints[el] = setpoint
		}
	}
}

// RangeActionSetpoint reads back the setpoint of ra from its first element.
func (n *Network) RangeActionSetpoint(ra *model.RangeAction) float64 {
	ids := ra.ElementIDs()
	if len(ids) == 0 {
		return ra.InitialValue()
	}
	v, ok := n.setpoints[ids[0]]
	if !ok {
		return ra.InitialValue()
	}
	if ra.Kind == model.KindInjection {
		if key := ra.NetworkElements[ids[0]]; key != 0 {
			return v / key
		}
	}
	return v
}

// ApplyNetworkAction applies every elementary action of na.
func (n *Network) ApplyNetworkAction(na *model.NetworkAction) error {
	for _, ea := range na.Elementary {
		switch ea.Kind {
		case model.TopologyAction:
			n.open[ea.NetworkElementID] = ea.Open
		case model.PstSetpointAction:
			table, ok := n.pstTables[ea.NetworkElementID]
			if !ok {
				return fmt.Errorf("network action %q: %q is not a known PST", na.ID, ea.NetworkElementID)
			}
			if ea.Tap < table.LowTap() || ea.Tap > table.HighTap() {
				return fmt.Errorf("network action %q: tap %d outside [%d, %d]", na.ID, ea.Tap, table.LowTap(), table.HighTap())
			}
			n.taps[ea.NetworkElementID] = ea.Tap
			n.setpoints[ea.NetworkElementID] = table.Angle(ea.Tap)
		case model.InjectionSetpointAction:
			n.setpoints[ea.NetworkElementID] = ea.Setpoint
		default:
			return fmt.Errorf("network action %q: unsupported elementary action %d", na.ID, ea.Kind)
		}
	}
	n.applied[na.ID] = true
	return nil
}

func (n *Network) clone(variantID string) *Network {
	c := &Network{
		variantID: variantID,
		setpoints: make(map[string]float64, len(n.setpoints)),
		taps:      make(map[string]int, len(n.taps)),
		open:      make(map[string]bool, len(n.open)),
		applied:   make(map[string]bool, len(n.applied)),
		pstTables: n.pstTables,
	}
	for k, v := range n.setpoints {
		c.setpoints[k] = v
	}
	for k, v := range n.taps {
		c.taps[k] = v
	}
	for k, v := range n.open {
		c.open[k] = v
	}
	for k, v := range n.applied {
		c.applied[k] = v
	}
	return c
}

// Derive returns an untracked copy of n for scratch computations that never
// leave the caller.
func (n *Network) Derive() *Network { return n.clone(n.variantID + "/derived") }

// VariantManager hands out private network variants and tracks the live ones
// so callers can check every variant was released.
type VariantManager struct {
	mu   sync.Mutex
	seq  int
	live map[string]struct{}

	observer func(live int)
}

// VariantManagerOption customises a VariantManager.
type VariantManagerOption func(*VariantManager)

// WithLiveVariantObserver registers a callback receiving the live variant
// count after every change, in the order the changes happened.
func WithLiveVariantObserver(fn func(live int)) VariantManagerOption {
	return func(m *VariantManager) { m.observer = fn }
}

// NewVariantManager constructs a VariantManager.
func NewVariantManager(opts ...VariantManagerOption) *VariantManager {
	m := &VariantManager{live: make(map[string]struct{})}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Clone copies src into a new variant. The returned release function removes
// the variant from the live set; it is safe to call more than once.
func (m *VariantManager) Clone(src *Network, prefix string) (*Network, func()) {
	m.mu.Lock()
	m.seq++
	id := fmt.Sprintf("%s-%d", prefix, m.seq)
	m.live[id] = struct{}{}
	m.notifyLocked()
	m.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.live, id)
			m.notifyLocked()
			m.mu.Unlock()
		})
	}
	return src.clone(id), release
}

// Live returns the number of variants not yet released.
func (m *VariantManager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// notifyLocked runs under m.mu so the observer sees counts in change order.
// The observer must not call back into m.
func (m *VariantManager) notifyLocked() {
	if m.observer != nil {
		m.observer(len(m.live))
	}
}

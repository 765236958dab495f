// Package raoresult holds the outcome of a RAO run: flows and margins of
// every CNEC before and after each optimisation phase, the remedial actions
// chosen for every optimised state and the overall computation status.
package raoresult

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Status is the overall computation status.
type Status int

const (
	// Default means every sensitivity computation succeeded.
	Default Status = iota
	// PartialFailure means some states could not be computed; their CNECs
	// are reported as unavailable.
	PartialFailure
	// Failure means the initial sensitivity computation failed and nothing
	// was optimised.
	Failure
)

func (s Status) String() string {
	switch s {
	case Default:
		return "DEFAULT"
	case PartialFailure:
		return "PARTIAL_FAILURE"
	default:
		return "FAILURE"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "DEFAULT":
		*s = Default
	case "PARTIAL_FAILURE":
		*s = PartialFailure
	case "FAILURE":
		*s = Failure
	default:
		return fmt.Errorf("unknown computation status %q", b)
	}
	return nil
}

// Phase identifies the operating point a value was computed at.
type Phase string

const (
	Initial Phase = "INITIAL"
	// AfterPreventive is the operating point after preventive remedial
	// actions.
	AfterPreventive Phase = "AFTER_PRA"
	// AfterCurative adds the curative remedial actions of each contingency.
	AfterCurative Phase = "AFTER_CRA"
)

// Phases lists the phases in chronological order.
var Phases = []Phase{Initial, AfterPreventive, AfterCurative}

// Cost is the objective value at one phase.
type Cost struct {
	Functional float64            `json:"functional"`
	Virtual    map[string]float64 `json:"virtual,omitempty"`
}

// Total returns the functional cost plus every virtual cost.
func (c Cost) Total() float64 {
	total := c.Functional
	for _, v := range c.Virtual {
		total += v
	}
	return total
}

// CnecResult holds the values of one CNEC at one phase. Flows are keyed by
// side.
type CnecResult struct {
	CnecID         string             `json:"cnecId"`
	StateID        string             `json:"stateId"`
	Phase          Phase              `json:"phase"`
	Unavailable    bool               `json:"unavailable,omitempty"`
	Flows          map[string]float64 `json:"flows,omitempty"`
	Margin         float64            `json:"margin"`
	RelativeMargin *float64           `json:"relativeMargin,omitempty"`
	CommercialFlow *float64           `json:"commercialFlow,omitempty"`
	LoopFlow       *float64           `json:"loopFlow,omitempty"`
	PtdfSum        *float64           `json:"ptdfZonalSum,omitempty"`
}

// RangeActionResult is the activation of one range action at one state.
type RangeActionResult struct {
	RangeActionID           string  `json:"rangeActionId"`
	Activated               bool    `json:"activated"`
	PreOptimizationSetpoint float64 `json:"preOptimizationSetpoint"`
	Setpoint                float64 `json:"setpoint"`
	PreOptimizationTap      *int    `json:"preOptimizationTap,omitempty"`
	Tap                     *int    `json:"tap,omitempty"`
}

// PerimeterResult summarises the optimisation of one perimeter.
type PerimeterResult struct {
	StateID         string              `json:"stateId"`
	Kind            string              `json:"kind"`
	LinearStatus    string              `json:"linearStatus,omitempty"`
	StopReason      string              `json:"stopReason,omitempty"`
	Depth           int                 `json:"depth"`
	LeavesEvaluated int                 `json:"leavesEvaluated"`
	Cost            Cost                `json:"cost"`
	NetworkActions  []string            `json:"networkActions,omitempty"`
	RangeActions    []RangeActionResult `json:"rangeActions,omitempty"`
	MostLimiting    []string            `json:"mostLimitingElements,omitempty"`
	Error           string              `json:"error,omitempty"`
}

// Result is the RAO result sink. It is immutable once built.
type Result struct {
	RunID        string            `json:"runId"`
	Status       Status            `json:"computationStatus"`
	Unit         string            `json:"unit"`
	FailedStates []string          `json:"failedStates,omitempty"`
	Costs        map[Phase]Cost    `json:"costs"`
	Perimeters   []PerimeterResult `json:"perimeters,omitempty"`
	Cnecs        []CnecResult      `json:"cnecs"`
	Message      string            `json:"message,omitempty"`

	cnecIndex      map[string]int
	perimeterIndex map[string]int
}

func cnecKey(phase Phase, cnecID string) string { return string(phase) + "/" + cnecID }

func (r *Result) index() {
	sort.SliceStable(r.Cnecs, func(i, j int) bool {
		if r.Cnecs[i].CnecID != r.Cnecs[j].CnecID {
			return r.Cnecs[i].CnecID < r.Cnecs[j].CnecID
		}
		return phaseOrder(r.Cnecs[i].Phase) < phaseOrder(r.Cnecs[j].Phase)
	})
	r.cnecIndex = make(map[string]int, len(r.Cnecs))
	for i, c := range r.Cnecs {
		r.cnecIndex[cnecKey(c.Phase, c.CnecID)] = i
	}
	r.perimeterIndex = make(map[string]int, len(r.Perimeters))
	for i, p := range r.Perimeters {
		r.perimeterIndex[p.StateID] = i
	}
}

func phaseOrder(p Phase) int {
	for i, ph := range Phases {
		if ph == p {
			return i
		}
	}
	return len(Phases)
}

// Cnec returns the values of a CNEC at a phase.
func (r *Result) Cnec(phase Phase, cnecID string) (CnecResult, bool) {
	i, ok := r.cnecIndex[cnecKey(phase, cnecID)]
	if !ok {
		return CnecResult{}, false
	}
	return r.Cnecs[i], true
}

// Margin returns the margin of a CNEC at a phase. ok is false when the CNEC
// is unknown or its state could not be computed.
func (r *Result) Margin(phase Phase, cnecID string) (float64, bool) {
	c, ok := r.Cnec(phase, cnecID)
	if !ok || c.Unavailable {
		return 0, false
	}
	return c.Margin, true
}

// Flow returns the flow of a CNEC on a side at a phase.
func (r *Result) Flow(phase Phase, cnecID, side string) (float64, bool) {
	c, ok := r.Cnec(phase, cnecID)
	if !ok || c.Unavailable {
		return 0, false
	}
	v, ok := c.Flows[side]
	return v, ok
}

// Cost returns the total cost at a phase.
func (r *Result) Cost(phase Phase) float64 { return r.Costs[phase].Total() }

// Perimeter returns the optimisation summary of a state.
func (r *Result) Perimeter(stateID string) (PerimeterResult, bool) {
	i, ok := r.perimeterIndex[stateID]
	if !ok {
		return PerimeterResult{}, false
	}
	return r.Perimeters[i], true
}

// ActivatedNetworkActions returns the network actions applied at a state.
func (r *Result) ActivatedNetworkActions(stateID string) []string {
	p, _ := r.Perimeter(stateID)
	return append([]string(nil), p.NetworkActions...)
}

func (r *Result) rangeAction(stateID, raID string) (RangeActionResult, bool) {
	p, ok := r.Perimeter(stateID)
	if !ok {
		return RangeActionResult{}, false
	}
	for _, ra := range p.RangeActions {
		if ra.RangeActionID == raID {
			return ra, true
		}
	}
	return RangeActionResult{}, false
}

// IsActivated reports whether a range action moved at a state.
func (r *Result) IsActivated(stateID, raID string) bool {
	ra, ok := r.rangeAction(stateID, raID)
	return ok && ra.Activated
}

// OptimizedSetpoint returns the setpoint of a range action at a state.
func (r *Result) OptimizedSetpoint(stateID, raID string) (float64, bool) {
	ra, ok := r.rangeAction(stateID, raID)
	return ra.Setpoint, ok
}

// OptimizedTap returns the tap of a PST at a state.
func (r *Result) OptimizedTap(stateID, raID string) (int, bool) {
	ra, ok := r.rangeAction(stateID, raID)
	if !ok || ra.Tap == nil {
		return 0, false
	}
	return *ra.Tap, true
}

// UnmarshalJSON restores the lookup indexes.
func (r *Result) UnmarshalJSON(b []byte) error {
	type plain Result
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = Result(p)
	r.index()
	return nil
}

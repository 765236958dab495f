package model

// PreventiveStateID is the id of the single state attached to the preventive
// instant.
const PreventiveStateID = "preventive"

// Contingency is a set of network elements lost together.
type Contingency struct {
	ID       string
	Name     string
	Elements []string
}

// State pairs an instant with an optional contingency. ContingencyID is empty
// only for the preventive state.
type State struct {
	Instant       Instant
	ContingencyID string
}

// ID returns the stable identifier used as a map key across the engine.
func (s State) ID() string {
	if s.ContingencyID == "" {
		return PreventiveStateID
	}
	return s.ContingencyID + " - " + s.Instant.ID
}

// IsPreventive reports whether the state is the basecase state.
func (s State) IsPreventive() bool { return s.Instant.IsPreventive() }

// Precedes reports whether s can causally precede other: same contingency (or
// preventive) and a strictly earlier instant.
func (s State) Precedes(other State) bool {
	if !s.Instant.ComesBefore(other.Instant) {
		return false
	}
	return s.ContingencyID == "" || s.ContingencyID == other.ContingencyID
}

package model

import "fmt"

// InstantKind classifies an instant in the CRAC timeline.
type InstantKind int

const (
	// Preventive is the basecase instant, before any outage.
	Preventive InstantKind = iota
	// Outage is the instant right after a contingency, before any action.
	Outage
	// Auto is the instant of automatons triggered by a contingency.
	Auto
	// Curative is an instant where operators react to a contingency.
	Curative
)

func (k InstantKind) String() string {
	switch k {
	case Preventive:
		return "PREVENTIVE"
	case Outage:
		return "OUTAGE"
	case Auto:
		return "AUTO"
	case Curative:
		return "CURATIVE"
	default:
		return fmt.Sprintf("InstantKind(%d)", int(k))
	}
}

// ParseInstantKind converts the textual representation used in case files.
func ParseInstantKind(s string) (InstantKind, error) {
	switch s {
	case "PREVENTIVE", "preventive":
		return Preventive, nil
	case "OUTAGE", "outage":
		return Outage, nil
	case "AUTO", "auto":
		return Auto, nil
	case "CURATIVE", "curative":
		return Curative, nil
	default:
		return 0, fmt.Errorf("unknown instant kind %q", s)
	}
}

// Instant is one step of the ordered instant chain. Order strictly increases
// along PREVENTIVE -> OUTAGE -> AUTO -> CURATIVE(s).
type Instant struct {
	ID    string
	Kind  InstantKind
	Order int
}

// IsPreventive reports whether the instant is the basecase one.
func (i Instant) IsPreventive() bool { return i.Kind == Preventive }

// IsCurative reports whether the instant is a curative one.
func (i Instant) IsCurative() bool { return i.Kind == Curative }

// ComesBefore reports whether i strictly precedes other.
func (i Instant) ComesBefore(other Instant) bool { return i.Order < other.Order }

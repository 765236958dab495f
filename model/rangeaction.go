package model

import (
	"fmt"
	"math"
	"sort"
)

// RangeActionKind is the tag of the range action variant.
type RangeActionKind int

const (
	KindPst RangeActionKind = iota
	KindHvdc
	KindInjection
	KindCounterTrade
)

func (k RangeActionKind) String() string {
	switch k {
	case KindPst:
		return "PST"
	case KindHvdc:
		return "HVDC"
	case KindInjection:
		return "INJECTION"
	case KindCounterTrade:
		return "COUNTER_TRADE"
	default:
		return fmt.Sprintf("RangeActionKind(%d)", int(k))
	}
}

// ParseRangeActionKind converts the textual representation used in case files.
func ParseRangeActionKind(s string) (RangeActionKind, error) {
	switch s {
	case "PST", "pst":
		return KindPst, nil
	case "HVDC", "hvdc":
		return KindHvdc, nil
	case "INJECTION", "injection":
		return KindInjection, nil
	case "COUNTER_TRADE", "counter-trade", "counterTrade":
		return KindCounterTrade, nil
	default:
		return 0, fmt.Errorf("unknown range action kind %q", s)
	}
}

// RangeType tells what a Range is relative to.
type RangeType int

const (
	Absolute RangeType = iota
	RelativeToInitialNetwork
	RelativeToPreviousInstant
)

// ParseRangeType converts the textual representation used in case files.
func ParseRangeType(s string) (RangeType, error) {
	switch s {
	case "", "ABSOLUTE":
		return Absolute, nil
	case "RELATIVE_TO_INITIAL_NETWORK":
		return RelativeToInitialNetwork, nil
	case "RELATIVE_TO_PREVIOUS_INSTANT":
		return RelativeToPreviousInstant, nil
	default:
		return 0, fmt.Errorf("unknown range type %q", s)
	}
}

// Range limits a range action. PST ranges are expressed in taps, the others
// in setpoint units.
type Range struct {
	Type RangeType
	Min  float64
	Max  float64
}

// TapTable maps PST taps to angles in degrees.
type TapTable struct {
	Angles map[int]float64
}

// LowTap returns the smallest tap of the table.
func (t *TapTable) LowTap() int {
	taps := t.taps()
	if len(taps) == 0 {
		return 0
	}
	return taps[0]
}

// HighTap returns the largest tap of the table.
func (t *TapTable) HighTap() int {
	taps := t.taps()
	if len(taps) == 0 {
		return 0
	}
	return taps[len(taps)-1]
}

// Angle returns the angle of tap, clamped to the table.
func (t *TapTable) Angle(tap int) float64 {
	if a, ok := t.Angles[tap]; ok {
		return a
	}
	if tap < t.LowTap() {
		return t.Angles[t.LowTap()]
	}
	return t.Angles[t.HighTap()]
}

// ClosestTap returns the tap whose angle is the closest to angle. Ties go to
// the smallest tap.
func (t *TapTable) ClosestTap(angle float64) int {
	best, bestDist := 0, math.Inf(1)
	for _, tap := range t.taps() {
		if d := math.Abs(t.Angles[tap] - angle); d < bestDist-1e-9 {
			best, bestDist = tap, d
		}
	}
	return best
}

// SmallestAngleStep returns the smallest absolute angle difference between
// two consecutive taps.
func (t *TapTable) SmallestAngleStep() float64 {
	taps := t.taps()
	step := math.Inf(1)
	for i := 1; i < len(taps); i++ {
		step = math.Min(step, math.Abs(t.Angles[taps[i]]-t.Angles[taps[i-1]]))
	}
	if math.IsInf(step, 1) {
		return 0
	}
	return step
}

// LocalAngleStep returns the signed mean angle per tap around tap.
func (t *TapTable) LocalAngleStep(tap int) float64 {
	lo, hi := tap-1, tap+1
	if lo < t.LowTap() {
		lo = tap
	}
	if hi > t.HighTap() {
		hi = tap
	}
	if hi == lo {
		return 0
	}
	return (t.Angle(hi) - t.Angle(lo)) / float64(hi-lo)
}

func (t *TapTable) taps() []int {
	taps := make([]int, 0, len(t.Angles))
	for tap := range t.Angles {
		taps = append(taps, tap)
	}
	sort.Ints(taps)
	return taps
}

// RangeAction is a continuously or discretely adjustable actuator.
type RangeAction struct {
	ID       string
	Name     string
	Operator string
	Kind     RangeActionKind

	// NetworkElements maps each actuated element to its distribution key.
	// PST and HVDC actions carry a single element with key 1.
	NetworkElements map[string]float64

	Ranges []Range

	// Taps and InitialTap are only set for KindPst.
	Taps       *TapTable
	InitialTap int

	// InitialSetpoint is the setpoint in the initial network for non-PST kinds.
	InitialSetpoint float64

	GroupID    string
	UsageRules []UsageRule
	Countries  []string
}

// ElementIDs returns the actuated element ids, sorted.
func (ra *RangeAction) ElementIDs() []string {
	ids := make([]string, 0, len(ra.NetworkElements))
	for id := range ra.NetworkElements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InitialValue returns the setpoint in the initial network.
func (ra *RangeAction) InitialValue() float64 {
	if ra.Kind == KindPst && ra.Taps != nil {
		return ra.Taps.Angle(ra.InitialTap)
	}
	return ra.InitialSetpoint
}

// ConvertAngleToTap returns the closest tap; non-PST actions return 0.
func (ra *RangeAction) ConvertAngleToTap(angle float64) int {
	if ra.Taps == nil {
		return 0
	}
	return ra.Taps.ClosestTap(angle)
}

// ConvertTapToAngle returns the angle of tap; non-PST actions return 0.
func (ra *RangeAction) ConvertTapToAngle(tap int) float64 {
	if ra.Taps == nil {
		return 0
	}
	return ra.Taps.Angle(tap)
}

// MinAdmissibleSetpoint returns the lowest setpoint allowed by every range,
// given the setpoint reached at the previous instant.
func (ra *RangeAction) MinAdmissibleSetpoint(previous float64) float64 {
	lo, _ := boundsResolvers[ra.Kind](ra, previous, true)
	return lo
}

// MaxAdmissibleSetpoint returns the highest setpoint allowed by every range,
// given the setpoint reached at the previous instant.
func (ra *RangeAction) MaxAdmissibleSetpoint(previous float64) float64 {
	_, hi := boundsResolvers[ra.Kind](ra, previous, true)
	return hi
}

// AbsoluteAdmissibleRange returns the bounds set by the ranges that do not
// depend on the previous instant.
func (ra *RangeAction) AbsoluteAdmissibleRange() (float64, float64) {
	return boundsResolvers[ra.Kind](ra, ra.InitialValue(), false)
}

// RelativeToPreviousInstantRange returns the variation allowed with respect to
// the previous instant, in setpoint units. ok is false when no such range
// exists.
func (ra *RangeAction) RelativeToPreviousInstantRange() (lo, hi float64, ok bool) {
	lo, hi = math.Inf(-1), math.Inf(1)
	scale := 1.0
	if ra.Kind == KindPst && ra.Taps != nil {
		scale = ra.Taps.SmallestAngleStep()
	}
	for _, r := range ra.Ranges {
		if r.Type != RelativeToPreviousInstant {
			continue
		}
		ok = true
		lo = math.Max(lo, r.Min*scale)
		hi = math.Min(hi, r.Max*scale)
	}
	return lo, hi, ok
}

type boundsResolver func(ra *RangeAction, previous float64, withPrevious bool) (float64, float64)

var boundsResolvers = map[RangeActionKind]boundsResolver{
	KindPst:          pstBounds,
	KindHvdc:         setpointBounds,
	KindInjection:    setpointBounds,
	KindCounterTrade: setpointBounds,
}

func setpointBounds(ra *RangeAction, previous float64, withPrevious bool) (float64, float64) {
	lo, hi := math.Inf(-1), math.Inf(1)
	for _, r := range ra.Ranges {
		switch r.Type {
		case Absolute:
			lo, hi = math.Max(lo, r.Min), math.Min(hi, r.Max)
		case RelativeToInitialNetwork:
			lo, hi = math.Max(lo, ra.InitialSetpoint+r.Min), math.Min(hi, ra.InitialSetpoint+r.Max)
		case RelativeToPreviousInstant:
			if withPrevious {
				lo, hi = math.Max(lo, previous+r.Min), math.Min(hi, previous+r.Max)
			}
		}
	}
	return lo, hi
}

func pstBounds(ra *RangeAction, previous float64, withPrevious bool) (float64, float64) {
	if ra.Taps == nil {
		return setpointBounds(ra, previous, withPrevious)
	}
	minTap, maxTap := ra.Taps.LowTap(), ra.Taps.HighTap()
	previousTap := ra.Taps.ClosestTap(previous)
	for _, r := range ra.Ranges {
		var lo, hi int
		switch r.Type {
		case Absolute:
			lo, hi = int(math.Ceil(r.Min)), int(math.Floor(r.Max))
		case RelativeToInitialNetwork:
			lo, hi = ra.InitialTap+int(math.Ceil(r.Min)), ra.InitialTap+int(math.Floor(r.Max))
		case RelativeToPreviousInstant:
			if !withPrevious {
				continue
			}
			lo, hi = previousTap+int(math.Ceil(r.Min)), previousTap+int(math.Floor(r.Max))
		}
		if lo > minTap {
			minTap = lo
		}
		if hi < maxTap {
			maxTap = hi
		}
	}
	if minTap > maxTap {
		minTap = maxTap
	}
	a, b := ra.Taps.Angle(minTap), ra.Taps.Angle(maxTap)
	return math.Min(a, b), math.Max(a, b)
}

// AdmissibleTapRange returns the PST tap bounds allowed by the absolute and
// initial-network relative ranges.
func (ra *RangeAction) AdmissibleTapRange() (int, int) {
	if ra.Taps == nil {
		return 0, 0
	}
	lo, hi := ra.AbsoluteAdmissibleRange()
	minTap, maxTap := ra.Taps.ClosestTap(lo), ra.Taps.ClosestTap(hi)
	if minTap > maxTap {
		minTap, maxTap = maxTap, minTap
	}
	return minTap, maxTap
}

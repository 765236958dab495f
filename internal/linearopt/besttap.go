package linearopt

import (
	"math"
	"sort"

	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/internal/fillers"
	"github.com/signalsfoundry/rao/internal/perimeter"
	"github.com/signalsfoundry/rao/internal/results"
	"github.com/signalsfoundry/rao/internal/sensitivity"
	"github.com/signalsfoundry/rao/model"
)

const (
	// midpointWindow is the share of a tap step, on each side of the
	// midpoint between two taps, in which the farther tap is considered.
	midpointWindow = 0.15
	// minTapImprovement is the relative min margin gain the farther tap must
	// bring to be preferred.
	minTapImprovement = 0.1
	// roundingCnecs is how many limiting CNECs are checked when rounding.
	roundingCnecs = 10
	tieTolerance  = 1e-9
)

// BestTapFinder rounds PST setpoints found by a continuous solve onto taps.
type BestTapFinder struct {
	perimeter *perimeter.Perimeter
	unit      model.Unit
	groups    map[string]string
}

// NewBestTapFinder constructs a BestTapFinder for p.
func NewBestTapFinder(params config.RaoParameters, p *perimeter.Perimeter) *BestTapFinder {
	return &BestTapFinder{
		perimeter: p,
		unit:      params.ObjectiveFunction.Unit.Model(),
		groups:    fillers.RangeActionGroups(params, p.AllRangeActions()),
	}
}

// Round returns a copy of activation where every PST sits on a tap. flows
// are the flows reached with activation and sens the sensitivities they
// were linearised with.
func (f *BestTapFinder) Round(activation *results.RangeActionActivation, flows results.Flows, sens *sensitivity.Result) *results.RangeActionActivation {
	rounded := activation.Clone()
	limiting := f.mostLimiting(flows)
	for _, st := range f.perimeter.AllOptimizedStates() {
		grouped := make(map[string][]*model.RangeAction)
		var groupIDs []string
		for _, ra := range f.perimeter.RangeActionsAt(st.ID()) {
			if ra.Kind != model.KindPst || ra.Taps == nil {
				continue
			}
			if g, ok := f.groups[ra.ID]; ok {
				if _, seen := grouped[g]; !seen {
					groupIDs = append(groupIDs, g)
				}
				grouped[g] = append(grouped[g], ra)
				continue
			}
			angle := activation.Setpoint(st, ra.ID)
			rounded.SetSetpoint(st, ra.ID, f.roundOne(st, ra, angle, activation.PreviousSetpoint(st, ra.ID), limiting, flows, sens))
		}
		sort.Strings(groupIDs)
		for _, g := range groupIDs {
			members := grouped[g]
			angle := f.roundGroup(st, members, activation, limiting, flows, sens)
			for _, ra := range members {
				rounded.SetSetpoint(st, ra.ID, ra.Taps.Angle(ra.Taps.ClosestTap(angle)))
			}
		}
	}
	return rounded
}

// candidates returns the closest tap angle and, when angle lies between two
// taps, the other neighbour. At equal distance the tap closer to previous
// comes first.
func candidates(ra *model.RangeAction, angle, previous float64) (closest float64, other float64, hasOther bool) {
	tap := ra.Taps.ClosestTap(angle)
	closest = ra.Taps.Angle(tap)
	next := tap + 1
	if angle < closest {
		next = tap - 1
	}
	if math.Abs(angle-closest) < tieTolerance || next < ra.Taps.LowTap() || next > ra.Taps.HighTap() {
		return closest, 0, false
	}
	other = ra.Taps.Angle(next)
	if math.Abs(math.Abs(angle-closest)-math.Abs(angle-other)) < tieTolerance && math.Abs(other-previous) < math.Abs(closest-previous) {
		closest, other = other, closest
	}
	return closest, other, true
}

func (f *BestTapFinder) roundOne(st model.State, ra *model.RangeAction, angle, previous float64, limiting []*model.FlowCnec, flows results.Flows, sens *sensitivity.Result) float64 {
	closest, other, ok := candidates(ra, angle, previous)
	if !ok {
		return closest
	}
	step := math.Abs(other - closest)
	if math.Abs(angle-closest) < (0.5-midpointWindow)*step {
		return closest
	}
	moved := []*model.RangeAction{ra}
	withClosest := f.minMargin(st, moved, closest-angle, limiting, flows, sens)
	withOther := f.minMargin(st, moved, other-angle, limiting, flows, sens)
	if withOther-withClosest > minTapImprovement*math.Abs(withClosest) {
		return other
	}
	return closest
}

// roundGroup picks, between the taps around the group setpoint, the one
// maximising the worst margin when every member moves to it.
func (f *BestTapFinder) roundGroup(st model.State, members []*model.RangeAction, activation *results.RangeActionActivation, limiting []*model.FlowCnec, flows results.Flows, sens *sensitivity.Result) float64 {
	lead := members[0]
	angle := activation.Setpoint(st, lead.ID)
	closest, other, ok := candidates(lead, angle, activation.PreviousSetpoint(st, lead.ID))
	if !ok {
		return closest
	}
	if f.minMargin(st, members, other-angle, limiting, flows, sens) > f.minMargin(st, members, closest-angle, limiting, flows, sens) {
		return other
	}
	return closest
}

// minMargin estimates the worst margin over limiting once every range action
// of moved shifts by delta at st.
func (f *BestTapFinder) minMargin(st model.State, moved []*model.RangeAction, delta float64, limiting []*model.FlowCnec, flows results.Flows, sens *sensitivity.Result) float64 {
	worst := math.Inf(1)
	for _, cnec := range limiting {
		cnecState, ok := f.perimeter.State(cnec.StateID)
		if !ok {
			continue
		}
		for _, side := range cnec.Sides() {
			flow, ok := flows.Flow(cnec.ID, side)
			if !ok {
				continue
			}
			for _, ra := range moved {
				if last, ok := f.perimeter.LastRangeActionState(cnecState, ra.ID); !ok || last.ID() != st.ID() {
					continue
				}
				if s, ok := sens.Sensitivity(ra.ID, cnec.ID, side); ok {
					flow += s * delta
				}
			}
			worst = math.Min(worst, cnec.MarginOnSide(side, flow)*cnec.UnitConversion(side, f.unit))
		}
	}
	if math.IsInf(worst, 1) {
		return 0
	}
	return worst
}

func (f *BestTapFinder) mostLimiting(flows results.Flows) []*model.FlowCnec {
	type scored struct {
		cnec   *model.FlowCnec
		margin float64
	}
	var all []scored
	for _, cnec := range f.perimeter.OptimizedFlowCnecs() {
		if flows.StateStatus(cnec.StateID) == sensitivity.Failure {
			continue
		}
		if m, ok := results.Margin(flows, cnec, f.unit); ok {
			all = append(all, scored{cnec: cnec, margin: m})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].margin < all[j].margin })
	if len(all) > roundingCnecs {
		all = all[:roundingCnecs]
	}
	out := make([]*model.FlowCnec, len(all))
	for i, s := range all {
		out[i] = s.cnec
	}
	return out
}

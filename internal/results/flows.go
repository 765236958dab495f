package results

import (
	"math"

	"github.com/signalsfoundry/rao/internal/sensitivity"
	"github.com/signalsfoundry/rao/model"
)

// Flows is the read side of a sensitivity result.
type Flows interface {
	Flow(cnecID string, side model.Side) (float64, bool)
	PtdfSum(cnecID string, side model.Side) (float64, bool)
	CommercialFlow(cnecID string, side model.Side) (float64, bool)
	StateStatus(stateID string) sensitivity.Status
}

var _ Flows = (*sensitivity.Result)(nil)

// Margin returns the worst margin over the sides of cnec in unit. ok is false
// when a flow is missing.
func Margin(f Flows, cnec *model.FlowCnec, unit model.Unit) (float64, bool) {
	margin := math.Inf(1)
	for _, side := range cnec.Sides() {
		flow, ok := f.Flow(cnec.ID, side)
		if !ok {
			return 0, false
		}
		m := cnec.MarginOnSide(side, flow) * cnec.UnitConversion(side, unit)
		margin = math.Min(margin, m)
	}
	return margin, !math.IsInf(margin, 1)
}

// RelativeMargin divides positive margins by the PTDF sum of the cnec,
// floored at lowerBound. Negative margins are returned unchanged.
func RelativeMargin(f Flows, cnec *model.FlowCnec, unit model.Unit, lowerBound float64) (float64, bool) {
	margin, ok := Margin(f, cnec, unit)
	if !ok || margin <= 0 {
		return margin, ok
	}
	ptdf := lowerBound
	for _, side := range cnec.Sides() {
		if v, found := f.PtdfSum(cnec.ID, side); found {
			ptdf = math.Max(v, lowerBound)
			break
		}
	}
	return margin / ptdf, true
}

// LoopFlow returns flow minus commercial flow on the first side of cnec.
func LoopFlow(f Flows, cnec *model.FlowCnec) (float64, bool) {
	sides := cnec.Sides()
	if len(sides) == 0 {
		return 0, false
	}
	flow, ok := f.Flow(cnec.ID, sides[0])
	if !ok {
		return 0, false
	}
	cf, ok := f.CommercialFlow(cnec.ID, sides[0])
	if !ok {
		return 0, false
	}
	return flow - cf, true
}

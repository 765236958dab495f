package model

import "math"

// Side identifies the end of a branch on which a flow is monitored.
type Side int

const (
	SideOne Side = iota + 1
	SideTwo
)

func (s Side) String() string {
	if s == SideTwo {
		return "TWO"
	}
	return "ONE"
}

// Unit is a physical unit for flows and margins.
type Unit int

const (
	Megawatt Unit = iota
	Ampere
)

func (u Unit) String() string {
	if u == Ampere {
		return "A"
	}
	return "MW"
}

// Threshold bounds the flow on one side in MW. Missing bounds are infinite.
type Threshold struct {
	Side Side
	Min  float64
	Max  float64
}

// NewThreshold returns a threshold without bounds; callers set what they need.
func NewThreshold(side Side) Threshold {
	return Threshold{Side: side, Min: math.Inf(-1), Max: math.Inf(1)}
}

// FlowCnec is a monitored branch at a given state.
type FlowCnec struct {
	ID               string
	Name             string
	NetworkElementID string
	Operator         string
	StateID          string

	// Optimized CNECs take part in the margin objective; Monitored ones (MNECs)
	// must not be worsened beyond an acceptable diminution.
	Optimized bool
	Monitored bool

	Thresholds []Threshold

	// NominalVoltage in kV per side, used for MW to A conversion.
	NominalVoltage map[Side]float64

	// LoopFlowThreshold in MW, zero when the CNEC carries no loop-flow limit.
	LoopFlowThreshold float64

	// Countries the monitored element is located in.
	Countries []string
}

// Sides returns the monitored sides, ordered.
func (c *FlowCnec) Sides() []Side {
	var one, two bool
	for _, t := range c.Thresholds {
		if t.Side == SideTwo {
			two = true
		} else {
			one = true
		}
	}
	sides := make([]Side, 0, 2)
	if one {
		sides = append(sides, SideOne)
	}
	if two {
		sides = append(sides, SideTwo)
	}
	return sides
}

// UpperBound returns the tightest upper flow bound on side in MW.
func (c *FlowCnec) UpperBound(side Side) (float64, bool) {
	best := math.Inf(1)
	for _, t := range c.Thresholds {
		if t.Side == side && t.Max < best {
			best = t.Max
		}
	}
	return best, !math.IsInf(best, 1)
}

// LowerBound returns the tightest lower flow bound on side in MW.
func (c *FlowCnec) LowerBound(side Side) (float64, bool) {
	best := math.Inf(-1)
	for _, t := range c.Thresholds {
		if t.Side == side && t.Min > best {
			best = t.Min
		}
	}
	return best, !math.IsInf(best, -1)
}

// MarginOnSide returns the distance of flow to the closest bound on side, in MW.
func (c *FlowCnec) MarginOnSide(side Side, flow float64) float64 {
	margin := math.Inf(1)
	if hi, ok := c.UpperBound(side); ok {
		margin = math.Min(margin, hi-flow)
	}
	if lo, ok := c.LowerBound(side); ok {
		margin = math.Min(margin, flow-lo)
	}
	return margin
}

// UnitConversion returns the factor turning MW on side into the given unit.
func (c *FlowCnec) UnitConversion(side Side, unit Unit) float64 {
	if unit != Ampere {
		return 1
	}
	v := c.NominalVoltage[side]
	if v <= 0 {
		return 1
	}
	return 1000 / (math.Sqrt(3) * v)
}

// HighestThreshold returns the largest finite absolute threshold, used to size
// big-M coefficients.
func (c *FlowCnec) HighestThreshold() float64 {
	best := 0.0
	for _, t := range c.Thresholds {
		if !math.IsInf(t.Max, 0) {
			best = math.Max(best, math.Abs(t.Max))
		}
		if !math.IsInf(t.Min, 0) {
			best = math.Max(best, math.Abs(t.Min))
		}
	}
	return best
}

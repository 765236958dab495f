package linearproblem

import (
	"context"
	"math"
)

// bbNode is a relaxation with tightened integer bounds.
type bbNode struct {
	lb, ub []float64
}

// branchAndBound explores nodes depth first. The nearer child of a branching
// is explored first; the branching variable is the most fractional one, the
// lowest handle winning ties.
func (s *SimplexSolver) branchAndBound(ctx context.Context, p *Problem, lb, ub []float64) *Solution {
	sign := 1.0
	if p.maximize {
		sign = -1
	}
	var (
		incumbent *Solution
		bestMin   = math.Inf(1)
		nodes     int
		limited   bool
		abnormal  bool
		stack     = []bbNode{{lb: lb, ub: ub}}
	)

	for len(stack) > 0 {
		if nodes >= s.opts.MaxNodes || ctx.Err() != nil {
			limited = true
			break
		}
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		nodes++

		relax := s.relaxation(p, node.lb, node.ub)
		switch relax.Status {
		case Optimal:
		case Unbounded:
			return &Solution{Status: Unbounded, Nodes: nodes}
		case Abnormal:
			abnormal = true
			continue
		default:
			continue
		}

		minObj := sign * relax.Objective
		if incumbent != nil && minObj >= bestMin-s.gap(bestMin) {
			continue
		}

		branch, value := s.mostFractional(p, relax.Values)
		if branch < 0 {
			incumbent, bestMin = relax, minObj
			continue
		}

		down := bbNode{lb: node.lb, ub: append([]float64(nil), node.ub...)}
		down.ub[branch] = math.Floor(value)
		up := bbNode{lb: append([]float64(nil), node.lb...), ub: node.ub}
		up.lb[branch] = math.Ceil(value)
		if value-math.Floor(value) < 0.5 {
			stack = append(stack, up, down)
		} else {
			stack = append(stack, down, up)
		}
	}

	if incumbent == nil {
		status := Infeasible
		if limited || abnormal {
			status = Abnormal
		}
		return &Solution{Status: status, Nodes: nodes}
	}
	for i, v := range p.vars {
		if v.kind == Integer {
			incumbent.Values[i] = math.Round(incumbent.Values[i])
		}
	}
	incumbent.Objective = p.ObjectiveValue(incumbent.Values)
	incumbent.Nodes = nodes
	if limited {
		incumbent.Status = Feasible
	}
	return incumbent
}

func (s *SimplexSolver) gap(best float64) float64 {
	return math.Max(s.opts.Tolerance, s.opts.RelativeGap*math.Abs(best))
}

func (s *SimplexSolver) mostFractional(p *Problem, values []float64) (int, float64) {
	best, bestDist := -1, 0.0
	for i, v := range p.vars {
		if v.kind != Integer {
			continue
		}
		frac := values[i] - math.Floor(values[i])
		dist := math.Min(frac, 1-frac)
		if dist > s.intTolerance() && dist > bestDist {
			best, bestDist = i, dist
		}
	}
	if best < 0 {
		return -1, 0
	}
	return best, values[best]
}

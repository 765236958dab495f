package linearproblem

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// SimplexOptions tune the gonum backend.
type SimplexOptions struct {
	// Tolerance is passed to lp.Simplex and used for bound comparisons.
	Tolerance float64
	// MaxNodes caps the branch-and-bound relaxations.
	MaxNodes int
	// RelativeGap prunes nodes that cannot improve the incumbent by more
	// than this fraction.
	RelativeGap float64
}

// DefaultSimplexOptions returns the options used for zero fields.
func DefaultSimplexOptions() SimplexOptions {
	return SimplexOptions{Tolerance: 1e-9, MaxNodes: 2000, RelativeGap: 1e-4}
}

// SimplexSolver solves problems with gonum's simplex and a depth-first
// branch-and-bound for integer variables.
type SimplexSolver struct {
	opts SimplexOptions
}

// NewSimplexSolver constructs a SimplexSolver.
func NewSimplexSolver(opts SimplexOptions) *SimplexSolver {
	def := DefaultSimplexOptions()
	if opts.Tolerance <= 0 {
		opts.Tolerance = def.Tolerance
	}
	if opts.MaxNodes <= 0 {
		opts.MaxNodes = def.MaxNodes
	}
	if opts.RelativeGap < 0 {
		opts.RelativeGap = def.RelativeGap
	}
	return &SimplexSolver{opts: opts}
}

// Solve implements Solver.
func (s *SimplexSolver) Solve(ctx context.Context, p *Problem) *Solution {
	lb := make([]float64, len(p.vars))
	ub := make([]float64, len(p.vars))
	for i, v := range p.vars {
		lb[i], ub[i] = v.lb, v.ub
		if v.kind == Integer {
			lb[i] = math.Ceil(v.lb - s.intTolerance())
			ub[i] = math.Floor(v.ub + s.intTolerance())
		}
	}
	if p.NumIntegerVariables() == 0 {
		sol := s.relaxation(p, lb, ub)
		sol.Nodes = 1
		return sol
	}
	return s.branchAndBound(ctx, p, lb, ub)
}

func (s *SimplexSolver) intTolerance() float64 { return 1e-6 }

// feasibilityTolerance scales with the magnitude of the problem data.
func (s *SimplexSolver) feasibilityTolerance() float64 {
	return math.Max(1e-6, 1e3*s.opts.Tolerance)
}

// term contributes coef times a standard-form column to a variable.
type term struct {
	col  int
	coef float64
}

// varMap expresses an original variable as constant + sum(terms).
type varMap struct {
	constant float64
	terms    []term
}

// standardForm is min c.x, A.x = b, x >= 0.
type standardForm struct {
	rows     []map[int]float64
	b        []float64
	c        []float64
	vars     []varMap
	objConst float64
	// artificial columns start here; -1 when none were added.
	firstArtificial int
}

func (sf *standardForm) newColumn() int {
	sf.c = append(sf.c, 0)
	return len(sf.c) - 1
}

func (sf *standardForm) addRow(row map[int]float64, rhs float64) {
	sf.rows = append(sf.rows, row)
	sf.b = append(sf.b, rhs)
}

// toStandardForm substitutes bounded variables by non-negative columns and
// turns every inequality into an equality with its own slack.
func (s *SimplexSolver) toStandardForm(p *Problem, lb, ub []float64) (*standardForm, Status) {
	tol := s.opts.Tolerance
	sf := &standardForm{vars: make([]varMap, len(p.vars)), firstArtificial: -1}

	for i := range p.vars {
		l, u := lb[i], ub[i]
		switch {
		case l > u+tol:
			return nil, Infeasible
		case u-l <= tol:
			sf.vars[i] = varMap{constant: l}
		case !math.IsInf(l, -1):
			y := sf.newColumn()
			sf.vars[i] = varMap{constant: l, terms: []term{{y, 1}}}
			if !math.IsInf(u, 1) {
				slack := sf.newColumn()
				sf.addRow(map[int]float64{y: 1, slack: 1}, u-l)
			}
		case !math.IsInf(u, 1):
			y := sf.newColumn()
			sf.vars[i] = varMap{constant: u, terms: []term{{y, -1}}}
		default:
			pos, neg := sf.newColumn(), sf.newColumn()
			sf.vars[i] = varMap{terms: []term{{pos, 1}, {neg, -1}}}
		}
	}

	for _, c := range p.cons {
		row := make(map[int]float64)
		shift := 0.0
		for h, coef := range c.coefs {
			vm := sf.vars[h]
			shift += coef * vm.constant
			for _, t := range vm.terms {
				row[t.col] += coef * t.coef
			}
		}
		l, u := c.lb-shift, c.ub-shift
		switch {
		case l > u+tol:
			return nil, Infeasible
		case math.Abs(u-l) <= tol:
			sf.addRow(row, l)
		default:
			if !math.IsInf(u, 1) {
				r := cloneRow(row)
				r[sf.newColumn()] = 1
				sf.addRow(r, u)
			}
			if !math.IsInf(l, -1) {
				r := cloneRow(row)
				r[sf.newColumn()] = -1
				sf.addRow(r, l)
			}
		}
	}

	sign := 1.0
	if p.maximize {
		sign = -1
	}
	for h, coef := range p.objective {
		vm := sf.vars[h]
		sf.objConst += sign * coef * vm.constant
		for _, t := range vm.terms {
			sf.c[t.col] += sign * coef * t.coef
		}
	}
	return sf, Optimal
}

func cloneRow(row map[int]float64) map[int]float64 {
	c := make(map[int]float64, len(row)+1)
	for k, v := range row {
		c[k] = v
	}
	return c
}

// compact drops empty rows and columns. It returns the kept column indexes.
func (s *SimplexSolver) compact(sf *standardForm) ([]int, Status) {
	const zero = 1e-12
	used := make([]bool, len(sf.c))
	var rows []map[int]float64
	var b []float64
	for i, row := range sf.rows {
		empty := true
		for col, v := range row {
			if math.Abs(v) > zero {
				empty = false
				used[col] = true
			}
		}
		if empty {
			if math.Abs(sf.b[i]) > s.feasibilityTolerance() {
				return nil, Infeasible
			}
			continue
		}
		rows = append(rows, row)
		b = append(b, sf.b[i])
	}
	sf.rows, sf.b = rows, b

	var kept []int
	for col, u := range used {
		if u {
			kept = append(kept, col)
			continue
		}
		if sf.c[col] < 0 {
			return nil, Unbounded
		}
	}
	return kept, Optimal
}

// relaxation solves the continuous relaxation under the given bounds.
func (s *SimplexSolver) relaxation(p *Problem, lb, ub []float64) (sol *Solution) {
	defer func() {
		if r := recover(); r != nil {
			sol = &Solution{Status: Abnormal}
		}
	}()

	sf, status := s.toStandardForm(p, lb, ub)
	if status != Optimal {
		return &Solution{Status: status}
	}
	kept, status := s.compact(sf)
	if status != Optimal {
		return &Solution{Status: status}
	}

	x := make([]float64, len(sf.c))
	if len(sf.rows) > 0 {
		xs, status := s.simplex(sf, kept, false)
		if status == Abnormal {
			xs, status = s.simplex(sf, kept, true)
		}
		if status != Optimal {
			return &Solution{Status: status}
		}
		for i, col := range kept {
			x[col] = xs[i]
		}
	}

	values := make([]float64, len(p.vars))
	for i, vm := range sf.vars {
		v := vm.constant
		for _, t := range vm.terms {
			v += t.coef * x[t.col]
		}
		values[i] = v
	}
	if p.MaxViolation(values) > s.feasibilityTolerance()*(1+maxAbs(sf.b)) {
		return &Solution{Status: Abnormal}
	}
	return &Solution{Status: Optimal, Objective: p.ObjectiveValue(values), Values: values}
}

// simplex runs lp.Simplex over the kept columns. With artificial set, an
// identity block priced at big-M restores full row rank.
func (s *SimplexSolver) simplex(sf *standardForm, kept []int, artificial bool) ([]float64, Status) {
	m, n := len(sf.rows), len(kept)
	cols := n
	if artificial {
		cols += m
	}
	if m > cols {
		return nil, Abnormal
	}
	pos := make(map[int]int, n)
	for i, col := range kept {
		pos[col] = i
	}
	a := mat.NewDense(m, cols, nil)
	b := make([]float64, m)
	for i, row := range sf.rows {
		sign := 1.0
		if sf.b[i] < 0 {
			sign = -1
		}
		for col, v := range row {
			if j, ok := pos[col]; ok {
				a.Set(i, j, sign*v)
			}
		}
		b[i] = sign * sf.b[i]
		if artificial {
			a.Set(i, n+i, 1)
		}
	}
	c := make([]float64, cols)
	for i, col := range kept {
		c[i] = sf.c[col]
	}
	if artificial {
		bigM := 1e6 * (1 + floats.Norm(c[:n], math.Inf(1)))
		for i := n; i < cols; i++ {
			c[i] = bigM
		}
	}

	_, x, err := lp.Simplex(c, a, b, s.opts.Tolerance, nil)
	switch {
	case err == nil:
	case errors.Is(err, lp.ErrInfeasible):
		return nil, Infeasible
	case errors.Is(err, lp.ErrUnbounded):
		return nil, Unbounded
	default:
		return nil, Abnormal
	}
	if artificial {
		for i := n; i < cols; i++ {
			if x[i] > s.feasibilityTolerance()*(1+b[i-n]) {
				return nil, Infeasible
			}
		}
	}
	return x[:n], Optimal
}

func maxAbs(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Norm(v, math.Inf(1))
}

// String describes the backend for logs.
func (s *SimplexSolver) String() string {
	return fmt.Sprintf("gonum-simplex(tol=%g, max-nodes=%d, gap=%g)", s.opts.Tolerance, s.opts.MaxNodes, s.opts.RelativeGap)
}

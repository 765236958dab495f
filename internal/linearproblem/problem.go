// Package linearproblem is an LP/MIP arena: variables and constraints are
// created once under a deterministic (entity, role) key, looked up and
// updated in place across iterations, and solved by a Solver.
package linearproblem

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrDuplicateEntity indicates a key was registered twice.
	ErrDuplicateEntity = errors.New("duplicate linear problem entity")
	// ErrUnknownHandle indicates no variable or constraint exists for a key.
	ErrUnknownHandle = errors.New("unknown linear problem entity")
)

// Infinity is the bound used for unbounded variables and constraint sides.
var Infinity = math.Inf(1)

// Key identifies a variable or a constraint. Variables and constraints live
// in separate namespaces.
type Key struct {
	Entity string
	Role   Role
}

func (k Key) String() string { return k.Entity + "#" + string(k.Role) }

// VarHandle addresses a variable of one Problem.
type VarHandle int

// ConstraintHandle addresses a constraint of one Problem.
type ConstraintHandle int

// VarKind is the domain of a variable.
type VarKind int

const (
	Continuous VarKind = iota
	Integer
)

type variable struct {
	key    Key
	lb, ub float64
	kind   VarKind
}

type constraint struct {
	key    Key
	lb, ub float64
	coefs  map[VarHandle]float64
}

// Problem is owned by a single goroutine.
type Problem struct {
	vars     []variable
	varIndex map[Key]VarHandle

	cons     []constraint
	conIndex map[Key]ConstraintHandle

	objective map[VarHandle]float64
	maximize  bool
}

// New constructs an empty minimisation problem.
func New() *Problem {
	return &Problem{
		varIndex:  make(map[Key]VarHandle),
		conIndex:  make(map[Key]ConstraintHandle),
		objective: make(map[VarHandle]float64),
	}
}

// AddVariable registers a continuous variable.
func (p *Problem) AddVariable(key Key, lb, ub float64) (VarHandle, error) {
	return p.addVariable(key, lb, ub, Continuous)
}

// AddIntVariable registers an integer variable.
func (p *Problem) AddIntVariable(key Key, lb, ub float64) (VarHandle, error) {
	return p.addVariable(key, lb, ub, Integer)
}

// AddBinaryVariable registers a {0, 1} variable.
func (p *Problem) AddBinaryVariable(key Key) (VarHandle, error) {
	return p.addVariable(key, 0, 1, Integer)
}

func (p *Problem) addVariable(key Key, lb, ub float64, kind VarKind) (VarHandle, error) {
	if _, ok := p.varIndex[key]; ok {
		return 0, fmt.Errorf("variable %s: %w", key, ErrDuplicateEntity)
	}
	h := VarHandle(len(p.vars))
	p.vars = append(p.vars, variable{key: key, lb: lb, ub: ub, kind: kind})
	p.varIndex[key] = h
	return h, nil
}

// Variable looks a variable up by key.
func (p *Problem) Variable(key Key) (VarHandle, error) {
	h, ok := p.varIndex[key]
	if !ok {
		return 0, fmt.Errorf("variable %s: %w", key, ErrUnknownHandle)
	}
	return h, nil
}

// HasVariable reports whether a variable exists for key.
func (p *Problem) HasVariable(key Key) bool {
	_, ok := p.varIndex[key]
	return ok
}

// VariableKey returns the key of a variable.
func (p *Problem) VariableKey(h VarHandle) Key { return p.vars[h].key }

// SetBounds changes the bounds of a variable.
func (p *Problem) SetBounds(h VarHandle, lb, ub float64) {
	p.vars[h].lb, p.vars[h].ub = lb, ub
}

// Bounds returns the bounds of a variable.
func (p *Problem) Bounds(h VarHandle) (float64, float64) {
	return p.vars[h].lb, p.vars[h].ub
}

// Kind returns the domain of a variable.
func (p *Problem) Kind(h VarHandle) VarKind { return p.vars[h].kind }

// AddConstraint registers lb <= sum(coef * var) <= ub with no coefficient.
func (p *Problem) AddConstraint(key Key, lb, ub float64) (ConstraintHandle, error) {
	if _, ok := p.conIndex[key]; ok {
		return 0, fmt.Errorf("constraint %s: %w", key, ErrDuplicateEntity)
	}
	h := ConstraintHandle(len(p.cons))
	p.cons = append(p.cons, constraint{key: key, lb: lb, ub: ub, coefs: make(map[VarHandle]float64)})
	p.conIndex[key] = h
	return h, nil
}

// Constraint looks a constraint up by key.
func (p *Problem) Constraint(key Key) (ConstraintHandle, error) {
	h, ok := p.conIndex[key]
	if !ok {
		return 0, fmt.Errorf("constraint %s: %w", key, ErrUnknownHandle)
	}
	return h, nil
}

// HasConstraint reports whether a constraint exists for key.
func (p *Problem) HasConstraint(key Key) bool {
	_, ok := p.conIndex[key]
	return ok
}

// SetCoefficient sets the coefficient of v in c. A zero coefficient removes
// the term.
func (p *Problem) SetCoefficient(c ConstraintHandle, v VarHandle, coef float64) {
	if coef == 0 {
		delete(p.cons[c].coefs, v)
		return
	}
	p.cons[c].coefs[v] = coef
}

// Coefficient returns the coefficient of v in c.
func (p *Problem) Coefficient(c ConstraintHandle, v VarHandle) float64 {
	return p.cons[c].coefs[v]
}

// SetConstraintBounds changes both sides of a constraint.
func (p *Problem) SetConstraintBounds(c ConstraintHandle, lb, ub float64) {
	p.cons[c].lb, p.cons[c].ub = lb, ub
}

// ConstraintBounds returns both sides of a constraint.
func (p *Problem) ConstraintBounds(c ConstraintHandle) (float64, float64) {
	return p.cons[c].lb, p.cons[c].ub
}

// SetObjectiveCoefficient sets the objective coefficient of v.
func (p *Problem) SetObjectiveCoefficient(v VarHandle, coef float64) {
	if coef == 0 {
		delete(p.objective, v)
		return
	}
	p.objective[v] = coef
}

// ObjectiveCoefficient returns the objective coefficient of v.
func (p *Problem) ObjectiveCoefficient(v VarHandle) float64 { return p.objective[v] }

// SetMaximization switches between maximisation and minimisation.
func (p *Problem) SetMaximization(maximize bool) { p.maximize = maximize }

// IsMaximization reports the optimisation sense.
func (p *Problem) IsMaximization() bool { return p.maximize }

// NumVariables returns the number of variables.
func (p *Problem) NumVariables() int { return len(p.vars) }

// NumConstraints returns the number of constraints.
func (p *Problem) NumConstraints() int { return len(p.cons) }

// NumIntegerVariables returns the number of integer or binary variables.
func (p *Problem) NumIntegerVariables() int {
	n := 0
	for _, v := range p.vars {
		if v.kind == Integer {
			n++
		}
	}
	return n
}

// VariableKeys returns every variable key with the given role, sorted by
// entity.
func (p *Problem) VariableKeys(role Role) []Key {
	var keys []Key
	for _, v := range p.vars {
		if v.key.Role == role {
			keys = append(keys, v.key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Entity < keys[j].Entity })
	return keys
}

// ObjectiveValue evaluates the objective at values.
func (p *Problem) ObjectiveValue(values []float64) float64 {
	total := 0.0
	for h, coef := range p.objective {
		total += coef * values[h]
	}
	return total
}

// MaxViolation returns the largest bound or constraint violation of values.
func (p *Problem) MaxViolation(values []float64) float64 {
	worst := 0.0
	for i, v := range p.vars {
		worst = math.Max(worst, v.lb-values[i])
		worst = math.Max(worst, values[i]-v.ub)
	}
	for _, c := range p.cons {
		act := 0.0
		for h, coef := range c.coefs {
			act += coef * values[h]
		}
		worst = math.Max(worst, c.lb-act)
		worst = math.Max(worst, act-c.ub)
	}
	return worst
}

// Solver solves a Problem. Numerical failures are reported through the
// solution status, never as errors.
type Solver interface {
	Solve(ctx context.Context, p *Problem) *Solution
}

// Solve runs s on p.
func (p *Problem) Solve(ctx context.Context, s Solver) *Solution {
	return s.Solve(ctx, p)
}

package linearproblem

// Status is the outcome of a solve.
type Status int

const (
	NotSolved Status = iota
	// Optimal is a proven optimum.
	Optimal
	// Feasible is an integer solution found before the search was exhausted.
	Feasible
	Infeasible
	Unbounded
	// Abnormal covers numerical failures.
	Abnormal
)

func (s Status) String() string {
	switch s {
	case Optimal:
		return "OPTIMAL"
	case Feasible:
		return "FEASIBLE"
	case Infeasible:
		return "INFEASIBLE"
	case Unbounded:
		return "UNBOUNDED"
	case Abnormal:
		return "ABNORMAL"
	default:
		return "NOT_SOLVED"
	}
}

// Solution holds the outcome of a solve.
type Solution struct {
	Status Status
	// Objective is expressed in the problem's own sense.
	Objective float64
	// Values holds one value per variable, indexed by VarHandle.
	Values []float64
	// Nodes counts the relaxations solved.
	Nodes int
}

// Value returns the value of a variable, 0 when there is no solution.
func (s *Solution) Value(h VarHandle) float64 {
	if s == nil || int(h) < 0 || int(h) >= len(s.Values) {
		return 0
	}
	return s.Values[h]
}

// IsOptimal reports whether the solution is a proven optimum.
func (s *Solution) IsOptimal() bool { return s != nil && s.Status == Optimal }

// HasSolution reports whether Values are usable.
func (s *Solution) HasSolution() bool {
	return s != nil && (s.Status == Optimal || s.Status == Feasible)
}

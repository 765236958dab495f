package linearopt

// Status is the outcome of one iterating optimisation.
type Status int

const (
	// Optimal means the iterations converged on proven LP/MIP optima.
	Optimal Status = iota
	// Feasible means the iterations converged but a branch-and-bound search
	// was cut short, or the run was cancelled.
	Feasible
	// Infeasible means the first solve found no solution.
	Infeasible
	MaxIterationReached
	SensitivityComputationFailed
	// Abnormal covers unbounded problems and numerical failures.
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
	case MaxIterationReached:
		return "MAX_ITERATION_REACHED"
	case SensitivityComputationFailed:
		return "SENSITIVITY_COMPUTATION_FAILED"
	case Abnormal:
		return "ABNORMAL"
	default:
		return "UNKNOWN"
	}
}

// Failed reports whether the result must be kept out of comparisons with
// other leaves.
func (s Status) Failed() bool {
	return s == Infeasible || s == SensitivityComputationFailed || s == Abnormal
}

// Package sensitivity defines the flow and sensitivity oracle consumed by the
// optimizer together with its systematic result.
package sensitivity

import (
	"sort"

	"github.com/signalsfoundry/rao/model"
)

// Status is the outcome of a sensitivity computation, overall or for one
// state.
type Status int

const (
	// Success means every requested value was computed.
	Success Status = iota
	// PartialFailure means some contingency states diverged.
	PartialFailure
	// Failure means nothing usable was computed.
	Failure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case PartialFailure:
		return "PARTIAL_FAILURE"
	default:
		return "FAILURE"
	}
}

// FlowKey indexes flows by CNEC and side.
type FlowKey struct {
	CnecID string
	Side   model.Side
}

// SensitivityKey indexes sensitivities by range action, CNEC and side.
type SensitivityKey struct {
	RangeActionID string
	CnecID        string
	Side          model.Side
}

// Result is a systematic sensitivity result. It is filled by an oracle and
// read-only once returned.
type Result struct {
	status      Status
	stateStatus map[string]Status

	flows           map[FlowKey]float64
	sensitivities   map[SensitivityKey]float64
	ptdfSums        map[FlowKey]float64
	commercialFlows map[FlowKey]float64
}

// NewResult constructs an empty, successful result.
func NewResult() *Result {
	return &Result{
		stateStatus:     make(map[string]Status),
		flows:           make(map[FlowKey]float64),
		sensitivities:   make(map[SensitivityKey]float64),
		ptdfSums:        make(map[FlowKey]float64),
		commercialFlows: make(map[FlowKey]float64),
	}
}

// FailedResult returns a result reporting Failure for everything.
func FailedResult() *Result {
	r := NewResult()
	r.status = Failure
	return r
}

// Status returns the overall status.
func (r *Result) Status() Status { return r.status }

// StateStatus returns the status of one state. States that were not part of
// the computation inherit the overall status.
func (r *Result) StateStatus(stateID string) Status {
	if s, ok := r.stateStatus[stateID]; ok {
		return s
	}
	if r.status == Failure {
		return Failure
	}
	return Success
}

// FailedStates returns the ids of the states whose computation failed, sorted.
func (r *Result) FailedStates() []string {
	var ids []string
	for id, s := range r.stateStatus {
		if s == Failure {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Flow returns the flow in MW of a CNEC on a side.
func (r *Result) Flow(cnecID string, side model.Side) (float64, bool) {
	v, ok := r.flows[FlowKey{cnecID, side}]
	return v, ok
}

// Sensitivity returns d(flow)/d(setpoint) of a range action on a CNEC side.
func (r *Result) Sensitivity(rangeActionID, cnecID string, side model.Side) (float64, bool) {
	v, ok := r.sensitivities[SensitivityKey{rangeActionID, cnecID, side}]
	return v, ok
}

// PtdfSum returns the absolute zonal PTDF sum of a CNEC side.
func (r *Result) PtdfSum(cnecID string, side model.Side) (float64, bool) {
	v, ok := r.ptdfSums[FlowKey{cnecID, side}]
	return v, ok
}

// CommercialFlow returns the commercial flow of a CNEC side.
func (r *Result) CommercialFlow(cnecID string, side model.Side) (float64, bool) {
	v, ok := r.commercialFlows[FlowKey{cnecID, side}]
	return v, ok
}

// SetStateStatus records the status of one state and degrades the overall
// status accordingly.
func (r *Result) SetStateStatus(state model.State, s Status) {
	r.stateStatus[state.ID()] = s
	if s != Failure {
		return
	}
	if state.IsPreventive() {
		r.status = Failure
	} else if r.status == Success {
		r.status = PartialFailure
	}
}

// SetFlow records a flow.
func (r *Result) SetFlow(cnecID string, side model.Side, v float64) {
	r.flows[FlowKey{cnecID, side}] = v
}

// SetSensitivity records a sensitivity.
func (r *Result) SetSensitivity(rangeActionID, cnecID string, side model.Side, v float64) {
	r.sensitivities[SensitivityKey{rangeActionID, cnecID, side}] = v
}

// SetPtdfSum records a zonal PTDF sum.
func (r *Result) SetPtdfSum(cnecID string, side model.Side, v float64) {
	r.ptdfSums[FlowKey{cnecID, side}] = v
}

// SetCommercialFlow records a commercial flow.
func (r *Result) SetCommercialFlow(cnecID string, side model.Side, v float64) {
	r.commercialFlows[FlowKey{cnecID, side}] = v
}

// Merge copies into r the values of other for the CNECs other knows about,
// keeping r's values elsewhere. It is used to complete a perimeter result
// with the flows computed for another perimeter.
func (r *Result) Merge(other *Result) {
	for k, v := range other.flows {
		r.flows[k] = v
	}
	for k, v := range other.sensitivities {
		r.sensitivities[k] = v
	}
	for k, v := range other.ptdfSums {
		r.ptdfSums[k] = v
	}
	for k, v := range other.commercialFlows {
		r.commercialFlows[k] = v
	}
	for id, s := range other.stateStatus {
		r.stateStatus[id] = s
		if s == Failure && r.status == Success {
			r.status = PartialFailure
		}
	}
	if other.status == Failure {
		r.status = Failure
	}
}

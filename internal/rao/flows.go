package rao

import (
	"github.com/signalsfoundry/rao/crac"
	"github.com/signalsfoundry/rao/internal/results"
	"github.com/signalsfoundry/rao/internal/sensitivity"
	"github.com/signalsfoundry/rao/model"
)

// margins evaluates on-constraint usage rules against computed flows.
type margins struct {
	crac  *crac.Crac
	flows results.Flows
}

var _ crac.MarginSource = margins{}

func (m margins) Margin(cnecID string) (float64, bool) {
	if m.flows == nil {
		return 0, false
	}
	cnec := m.crac.FlowCnec(cnecID)
	if cnec == nil || m.flows.StateStatus(cnec.StateID) == sensitivity.Failure {
		return 0, false
	}
	return results.Margin(m.flows, cnec, model.Megawatt)
}

// mergedFlows reads the CNECs of curative states from the result of their
// own perimeter and every other CNEC from a shared base.
type mergedFlows struct {
	crac    *crac.Crac
	base    results.Flows
	byState map[string]results.Flows
}

var _ results.Flows = (*mergedFlows)(nil)

func (m *mergedFlows) source(cnecID string) results.Flows {
	if cnec := m.crac.FlowCnec(cnecID); cnec != nil {
		if f, ok := m.byState[cnec.StateID]; ok {
			return f
		}
	}
	return m.base
}

func (m *mergedFlows) Flow(cnecID string, side model.Side) (float64, bool) {
	if f := m.source(cnecID); f != nil {
		return f.Flow(cnecID, side)
	}
	return 0, false
}

func (m *mergedFlows) PtdfSum(cnecID string, side model.Side) (float64, bool) {
	if f := m.source(cnecID); f != nil {
		return f.PtdfSum(cnecID, side)
	}
	return 0, false
}

func (m *mergedFlows) CommercialFlow(cnecID string, side model.Side) (float64, bool) {
	if f := m.source(cnecID); f != nil {
		return f.CommercialFlow(cnecID, side)
	}
	return 0, false
}

func (m *mergedFlows) StateStatus(stateID string) sensitivity.Status {
	if f, ok := m.byState[stateID]; ok {
		return f.StateStatus(stateID)
	}
	if m.base == nil {
		return sensitivity.Failure
	}
	return m.base.StateStatus(stateID)
}

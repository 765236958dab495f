package crac

import "github.com/signalsfoundry/rao/model"

// AvailableRangeActions returns the range actions usable at state, sorted by
// id. margins may be nil, in which case on-constraint rules never apply.
func (c *Crac) AvailableRangeActions(state model.State, margins MarginSource) []*model.RangeAction {
	var res []*model.RangeAction
	for _, ra := range c.RangeActions() {
		if m := c.usageMethod(ra.UsageRules, state, margins); m == model.Available || m == model.Forced {
			res = append(res, ra)
		}
	}
	return res
}

// AvailableNetworkActions returns the network actions that may be tried at
// state, excluding forced ones, sorted by id.
func (c *Crac) AvailableNetworkActions(state model.State, margins MarginSource) []*model.NetworkAction {
	var res []*model.NetworkAction
	for _, na := range c.NetworkActions() {
		if c.usageMethod(na.UsageRules, state, margins) == model.Available {
			res = append(res, na)
		}
	}
	return res
}

// ForcedNetworkActions returns the network actions that must be applied at
// state, sorted by id.
func (c *Crac) ForcedNetworkActions(state model.State, margins MarginSource) []*model.NetworkAction {
	var res []*model.NetworkAction
	for _, na := range c.NetworkActions() {
		if c.usageMethod(na.UsageRules, state, margins) == model.Forced {
			res = append(res, na)
		}
	}
	return res
}

// usageMethod combines the applicable rules. Unavailable wins over Forced,
// which wins over Available. No applicable rule means Unavailable.
func (c *Crac) usageMethod(rules []model.UsageRule, state model.State, margins MarginSource) model.UsageMethod {
	applicable := false
	forced := false
	for _, r := range rules {
		if !c.ruleApplies(r, state, margins) {
			continue
		}
		switch r.Method {
		case model.Unavailable:
			return model.Unavailable
		case model.Forced:
			forced = true
		}
		applicable = true
	}
	switch {
	case forced:
		return model.Forced
	case applicable:
		return model.Available
	default:
		return model.Unavailable
	}
}

func (c *Crac) ruleApplies(r model.UsageRule, state model.State, margins MarginSource) bool {
	if r.InstantID != state.Instant.ID {
		return false
	}
	switch r.Kind {
	case model.OnInstant:
		return true
	case model.OnContingencyState:
		return r.ContingencyID == state.ContingencyID
	case model.OnConstraint:
		cnec := c.FlowCnec(r.CnecID)
		return cnec != nil && c.constrained(cnec, state, margins)
	case model.OnFlowConstraintInCountry:
		for _, cnec := range c.FlowCnecs() {
			if hasCountry(cnec.Countries, r.Country) && c.constrained(cnec, state, margins) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (c *Crac) constrained(cnec *model.FlowCnec, state model.State, margins MarginSource) bool {
	if margins == nil {
		return false
	}
	cnecState, ok := c.StateByID(cnec.StateID)
	if !ok {
		return false
	}
	if !state.IsPreventive() && cnecState.ContingencyID != state.ContingencyID {
		return false
	}
	if cnecState.Instant.Order < state.Instant.Order && !state.IsPreventive() {
		return false
	}
	m, ok := margins.Margin(cnec.ID)
	return ok && m < 0
}

func hasCountry(countries []string, country string) bool {
	for _, c := range countries {
		if c == country {
			return true
		}
	}
	return false
}

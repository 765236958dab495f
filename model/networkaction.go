package model

// ElementaryActionKind is the tag of an elementary network action.
type ElementaryActionKind int

const (
	TopologyAction ElementaryActionKind = iota
	PstSetpointAction
	InjectionSetpointAction
)

// ElementaryAction is one atomic change applied by a network action.
type ElementaryAction struct {
	Kind             ElementaryActionKind
	NetworkElementID string
	// Open is used by topology actions.
	Open bool
	// Tap is used by PST setpoint actions.
	Tap int
	// Setpoint is used by injection setpoint actions.
	Setpoint float64
}

// NetworkAction is a discrete remedial action made of elementary actions.
type NetworkAction struct {
	ID         string
	Name       string
	Operator   string
	Elementary []ElementaryAction
	UsageRules []UsageRule
	Countries  []string
}

// UsageMethod tells how a remedial action may be used when its rule applies.
type UsageMethod int

const (
	Available UsageMethod = iota
	Forced
	Unavailable
)

// UsageRuleKind is the tag of a usage rule.
type UsageRuleKind int

const (
	// OnInstant makes the action free to use at every state of an instant.
	OnInstant UsageRuleKind = iota
	// OnContingencyState restricts the action to one contingency.
	OnContingencyState
	// OnConstraint makes the action available when a CNEC is overloaded.
	OnConstraint
	// OnFlowConstraintInCountry makes the action available when any CNEC of a
	// country is overloaded.
	OnFlowConstraintInCountry
)

// UsageRule scopes when a remedial action can be used.
type UsageRule struct {
	Kind          UsageRuleKind
	Method        UsageMethod
	InstantID     string
	ContingencyID string
	CnecID        string
	Country       string
}

package linearproblem

// Role is the part an entity plays in the problem. Entities are CNEC sides,
// range actions, states or operators; the role disambiguates the several
// variables and constraints one entity owns.
type Role string

// Variable roles.
const (
	RoleFlow                 Role = "flow"
	RoleSetpoint             Role = "setpoint"
	RoleAbsoluteVariation    Role = "absolute-variation"
	RoleUpwardVariation      Role = "upward-variation"
	RoleDownwardVariation    Role = "downward-variation"
	RoleGroupSetpoint        Role = "group-setpoint"
	RoleMinMargin            Role = "min-margin"
	RoleMinRelativeMargin    Role = "min-relative-margin"
	RolePositiveMarginSwitch Role = "positive-margin-switch"
	RoleMnecViolation        Role = "mnec-violation"
	RoleLoopFlowViolation    Role = "loop-flow-violation"
	RoleRangeActionActivated Role = "range-action-activated"
	RoleTsoActivated         Role = "tso-activated"
	RoleTap                  Role = "tap"
	RoleOptimizeCnec         Role = "optimize-cnec"
)

// Constraint roles.
const (
	RoleFlowDefinition              Role = "flow-definition"
	RoleSetpointVariation           Role = "setpoint-variation"
	RoleAbsoluteVariationDefinition Role = "absolute-variation-definition"
	RoleGroupAlignment              Role = "group-alignment"
	RoleRelativeToPreviousInstant   Role = "relative-to-previous-instant"
	RoleMinMarginBelow              Role = "min-margin-below"
	RoleMinMarginAbove              Role = "min-margin-above"
	RoleMinRelativeMarginBelow      Role = "min-relative-margin-below"
	RoleMinRelativeMarginAbove      Role = "min-relative-margin-above"
	RolePositiveMarginBound         Role = "positive-margin-bound"
	RoleNegativeMarginBound         Role = "negative-margin-bound"
	RoleRelativeMarginSwitchBound   Role = "relative-margin-switch-bound"
	RoleMnecBelow                   Role = "mnec-below"
	RoleMnecAbove                   Role = "mnec-above"
	RoleLoopFlowBelow               Role = "loop-flow-below"
	RoleLoopFlowAbove               Role = "loop-flow-above"
	RoleDontOptimizeBelow           Role = "dont-optimize-below"
	RoleDontOptimizeAbove           Role = "dont-optimize-above"
	RoleActivationLink              Role = "activation-link"
	RoleTsoLink                     Role = "tso-link"
	RoleMaxRa                       Role = "max-ra"
	RoleMaxTso                      Role = "max-tso"
	RoleMaxRaPerTso                 Role = "max-ra-per-tso"
	RoleMaxPstPerTso                Role = "max-pst-per-tso"
	RoleMaxElementaryActionsPerTso  Role = "max-elementary-actions-per-tso"
	RoleRangeShrinking              Role = "range-shrinking"
	RoleTapToAngle                  Role = "tap-to-angle"
	RoleInjectionBalance            Role = "injection-balance"
)

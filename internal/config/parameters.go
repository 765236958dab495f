// Package config holds the RAO parameters, their defaults and validation.
package config

import (
	"time"

	"github.com/signalsfoundry/rao/model"
)

// ObjectiveFunctionType selects the margin formulation.
type ObjectiveFunctionType string

const (
	MaxMinMargin         ObjectiveFunctionType = "MAX_MIN_MARGIN"
	MaxMinRelativeMargin ObjectiveFunctionType = "MAX_MIN_RELATIVE_MARGIN"
)

// Unit is the unit in which margins are optimised.
type Unit string

const (
	Megawatt Unit = "MW"
	Ampere   Unit = "A"
)

// Model converts the unit to its model counterpart.
func (u Unit) Model() model.Unit {
	if u == Ampere {
		return model.Ampere
	}
	return model.Megawatt
}

// PreventiveStopCriterion tells when the preventive search tree may stop early.
type PreventiveStopCriterion string

const (
	PreventiveMinObjective PreventiveStopCriterion = "MIN_OBJECTIVE"
	PreventiveSecure       PreventiveStopCriterion = "SECURE"
)

// CurativeStopCriterion tells when a curative search tree may stop early.
type CurativeStopCriterion string

const (
	CurativeMinObjective                 CurativeStopCriterion = "MIN_OBJECTIVE"
	CurativeSecure                       CurativeStopCriterion = "SECURE"
	CurativePreventiveObjective          CurativeStopCriterion = "PREVENTIVE_OBJECTIVE"
	CurativePreventiveObjectiveAndSecure CurativeStopCriterion = "PREVENTIVE_OBJECTIVE_AND_SECURE"
)

// PstModel selects how PST taps are represented in the linear problem.
type PstModel string

const (
	PstContinuous           PstModel = "CONTINUOUS"
	PstApproximatedIntegers PstModel = "APPROXIMATED_INTEGERS"
)

// RaRangeShrinking selects when range shrinking is used between iterations.
type RaRangeShrinking string

const (
	ShrinkingDisabled               RaRangeShrinking = "DISABLED"
	ShrinkingEnabled                RaRangeShrinking = "ENABLED"
	ShrinkingEnabledInFirstPraoCrao RaRangeShrinking = "ENABLED_IN_FIRST_PRAO_AND_CRAO"
)

// SecondPreventiveCondition tells when the global second preventive
// optimisation runs.
type SecondPreventiveCondition string

const (
	SecondPreventiveDisabled SecondPreventiveCondition = "DISABLED"
	// SecondPreventivePossibleCurativeImprovement runs it when the curative
	// results leave room for a better preventive choice.
	SecondPreventivePossibleCurativeImprovement SecondPreventiveCondition = "POSSIBLE_CURATIVE_IMPROVEMENT"
	// SecondPreventiveCostIncrease additionally requires the final cost to
	// exceed the initial one.
	SecondPreventiveCostIncrease SecondPreventiveCondition = "COST_INCREASE"
)

// ObjectiveFunctionParameters configures the objective and the stop criteria.
type ObjectiveFunctionParameters struct {
	Type                      ObjectiveFunctionType   `yaml:"type"`
	Unit                      Unit                    `yaml:"unit"`
	CurativeMinObjImprovement float64                 `yaml:"curative-min-obj-improvement"`
	PreventiveStopCriterion   PreventiveStopCriterion `yaml:"preventive-stop-criterion"`
	CurativeStopCriterion     CurativeStopCriterion   `yaml:"curative-stop-criterion"`
	EnforceCurativeSecurity   bool                    `yaml:"enforce-curative-security"`
}

// SolverParameters tune the LP/MIP backend.
type SolverParameters struct {
	Tolerance              float64 `yaml:"tolerance"`
	RelativeMipGap         float64 `yaml:"relative-mip-gap"`
	MaxBranchAndBoundNodes int     `yaml:"max-bb-nodes"`
}

// RangeActionsOptimizationParameters configures the linear optimisation.
type RangeActionsOptimizationParameters struct {
	// MaxMipIterations caps the solve / re-sensitivity iterations of one leaf.
	MaxMipIterations int `yaml:"max-mip-iterations"`
	// DiscreteTapIterations caps the tap re-linearisations done between two
	// sensitivity computations when PstModel is APPROXIMATED_INTEGERS.
	DiscreteTapIterations int `yaml:"discrete-tap-iterations"`

	PstPenaltyCost                  float64 `yaml:"pst-penalty-cost"`
	PstSensitivityThreshold         float64 `yaml:"pst-sensitivity-threshold"`
	HvdcPenaltyCost                 float64 `yaml:"hvdc-penalty-cost"`
	HvdcSensitivityThreshold        float64 `yaml:"hvdc-sensitivity-threshold"`
	InjectionRaPenaltyCost          float64 `yaml:"injection-ra-penalty-cost"`
	InjectionRaSensitivityThreshold float64 `yaml:"injection-ra-sensitivity-threshold"`
	InjectionBalance                bool    `yaml:"injection-ra-balance-constraint"`

	PstModel         PstModel         `yaml:"pst-model"`
	RaRangeShrinking RaRangeShrinking `yaml:"ra-range-shrinking"`
	Solver           SolverParameters `yaml:"solver"`

	// RangeActionGroups declares aligned range actions as "ra1 + ra2".
	RangeActionGroups []string `yaml:"range-action-groups"`
}

// TopoOptimizationParameters configures the search tree.
type TopoOptimizationParameters struct {
	MaxPreventiveSearchTreeDepth            int        `yaml:"max-preventive-search-tree-depth"`
	MaxCurativeSearchTreeDepth              int        `yaml:"max-curative-search-tree-depth"`
	RelativeMinImpactThreshold              float64    `yaml:"relative-minimum-impact-threshold"`
	AbsoluteMinImpactThreshold              float64    `yaml:"absolute-minimum-impact-threshold"`
	PredefinedCombinations                  [][]string `yaml:"predefined-combinations"`
	SkipActionsFarFromMostLimitingElement   bool       `yaml:"skip-actions-far-from-most-limiting-element"`
	MaxNumberOfBoundariesForSkippingActions int        `yaml:"max-number-of-boundaries-for-skipping-actions"`
	// MaxLeaves caps the leaves evaluated by one search tree; 0 means no cap.
	MaxLeaves int `yaml:"max-leaves"`
}

// SecondPreventiveParameters configures the global optimisation run after
// the curative ones.
type SecondPreventiveParameters struct {
	ExecutionCondition SecondPreventiveCondition `yaml:"execution-condition"`
	// ReOptimizeCurativeRangeActions optimises the curative range actions
	// together with the preventive ones.
	ReOptimizeCurativeRangeActions bool `yaml:"re-optimize-curative-range-actions"`
}

// MultithreadingParameters configures parallelism.
type MultithreadingParameters struct {
	AvailableCPUs int `yaml:"available-cpus"`
}

// RaUsageLimits caps remedial action usage at one instant. Nil pointers and
// missing map entries mean no limit.
type RaUsageLimits struct {
	MaxRa                      *int           `yaml:"max-ra"`
	MaxTso                     *int           `yaml:"max-tso"`
	MaxTopoPerTso              map[string]int `yaml:"max-topo-per-tso"`
	MaxPstPerTso               map[string]int `yaml:"max-pst-per-tso"`
	MaxRaPerTso                map[string]int `yaml:"max-ra-per-tso"`
	MaxElementaryActionsPerTso map[string]int `yaml:"max-elementary-actions-per-tso"`
}

// NotOptimizedCnecsParameters configures CNECs left out of the objective.
type NotOptimizedCnecsParameters struct {
	DoNotOptimizeCurativeCnecsForTsosWithoutCras bool     `yaml:"do-not-optimize-curative-cnecs-for-tsos-without-cras"`
	OperatorsNotToOptimize                       []string `yaml:"operators-not-to-optimize"`
	// CnecsInSeriesWithPsts maps a CNEC id to the PST range action id that
	// can relieve it.
	CnecsInSeriesWithPsts map[string]string `yaml:"cnecs-in-series-with-psts"`
}

// MnecParameters configures monitored-only CNECs.
type MnecParameters struct {
	AcceptableMarginDecrease        float64 `yaml:"acceptable-margin-decrease"`
	ViolationCost                   float64 `yaml:"violation-cost"`
	ConstraintAdjustmentCoefficient float64 `yaml:"constraint-adjustment-coefficient"`
}

// RelativeMarginsParameters configures the relative margin objective.
type RelativeMarginsParameters struct {
	PtdfSumLowerBound float64  `yaml:"ptdf-sum-lower-bound"`
	PtdfBoundaries    []string `yaml:"ptdf-boundaries"`
}

// LoopFlowParameters configures loop-flow constraints.
type LoopFlowParameters struct {
	AcceptableIncrease              float64  `yaml:"acceptable-increase"`
	ViolationCost                   float64  `yaml:"violation-cost"`
	ConstraintAdjustmentCoefficient float64  `yaml:"constraint-adjustment-coefficient"`
	Countries                       []string `yaml:"countries"`
}

// RaoParameters is the full, immutable configuration of a RAO run. Build it
// with Default or Load; Validate must pass before use.
type RaoParameters struct {
	ObjectiveFunction        ObjectiveFunctionParameters        `yaml:"objective-function"`
	RangeActionsOptimization RangeActionsOptimizationParameters `yaml:"range-actions-optimization"`
	TopoOptimization         TopoOptimizationParameters         `yaml:"topological-actions-optimization"`
	Multithreading           MultithreadingParameters           `yaml:"multithreading"`
	RaUsageLimitsPerInstant  map[string]RaUsageLimits           `yaml:"ra-usage-limits-per-instant"`
	NotOptimizedCnecs        NotOptimizedCnecsParameters        `yaml:"not-optimized-cnecs"`
	SecondPreventive         SecondPreventiveParameters         `yaml:"second-preventive-rao"`

	Mnec            *MnecParameters            `yaml:"mnec"`
	RelativeMargins *RelativeMarginsParameters `yaml:"relative-margins"`
	LoopFlow        *LoopFlowParameters        `yaml:"loop-flow"`

	SensitivityFailureOvercost float64       `yaml:"sensitivity-failure-overcost"`
	TimeLimit                  time.Duration `yaml:"time-limit"`
}

// Default returns the parameters used when a field is not set.
func Default() RaoParameters {
	return RaoParameters{
		ObjectiveFunction: ObjectiveFunctionParameters{
			Type:                    MaxMinMargin,
			Unit:                    Megawatt,
			PreventiveStopCriterion: PreventiveSecure,
			CurativeStopCriterion:   CurativeMinObjective,
		},
		RangeActionsOptimization: RangeActionsOptimizationParameters{
			MaxMipIterations:                10,
			DiscreteTapIterations:           3,
			PstPenaltyCost:                  0.01,
			PstSensitivityThreshold:         1e-6,
			HvdcPenaltyCost:                 0.001,
			HvdcSensitivityThreshold:        1e-6,
			InjectionRaPenaltyCost:          0.001,
			InjectionRaSensitivityThreshold: 1e-6,
			PstModel:                        PstContinuous,
			RaRangeShrinking:                ShrinkingDisabled,
			Solver: SolverParameters{
				Tolerance:              1e-9,
				RelativeMipGap:         1e-4,
				MaxBranchAndBoundNodes: 2000,
			},
		},
		TopoOptimization: TopoOptimizationParameters{
			MaxPreventiveSearchTreeDepth:            2,
			MaxCurativeSearchTreeDepth:              2,
			MaxNumberOfBoundariesForSkippingActions: 2,
		},
		SecondPreventive:           SecondPreventiveParameters{ExecutionCondition: SecondPreventiveDisabled},
		Multithreading:             MultithreadingParameters{AvailableCPUs: 1},
		SensitivityFailureOvercost: 10000,
	}
}

// WithMnec returns a copy with MNEC defaults enabled.
func (p RaoParameters) WithMnec() RaoParameters {
	p.Mnec = &MnecParameters{AcceptableMarginDecrease: 50, ViolationCost: 10}
	return p
}

// WithLoopFlow returns a copy with loop-flow defaults enabled.
func (p RaoParameters) WithLoopFlow() RaoParameters {
	p.LoopFlow = &LoopFlowParameters{AcceptableIncrease: 10, ViolationCost: 10}
	return p
}

// WithRelativeMargins returns a copy using the relative margin objective.
func (p RaoParameters) WithRelativeMargins() RaoParameters {
	p.ObjectiveFunction.Type = MaxMinRelativeMargin
	p.RelativeMargins = &RelativeMarginsParameters{PtdfSumLowerBound: 0.01}
	return p
}

// UsageLimits returns the limits of an instant, if any.
func (p RaoParameters) UsageLimits(instantID string) (RaUsageLimits, bool) {
	l, ok := p.RaUsageLimitsPerInstant[instantID]
	return l, ok
}

// RangeShrinkingFor reports whether range shrinking applies to a first
// preventive or curative optimisation (first == true) or to a later one.
func (p RaoParameters) RangeShrinkingFor(first bool) bool {
	switch p.RangeActionsOptimization.RaRangeShrinking {
	case ShrinkingEnabled:
		return true
	case ShrinkingEnabledInFirstPraoCrao:
		return first
	default:
		return false
	}
}

// LeavesInParallel returns the number of leaves evaluated concurrently.
func (p RaoParameters) LeavesInParallel() int {
	if p.Multithreading.AvailableCPUs < 1 {
		return 1
	}
	return p.Multithreading.AvailableCPUs
}

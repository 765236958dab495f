package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidParameters wraps every configuration error.
var ErrInvalidParameters = errors.New("invalid rao parameters")

// Load decodes YAML parameters from r over the defaults and validates them.
// An empty document yields the defaults.
func Load(r io.Reader) (RaoParameters, error) {
	p := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return RaoParameters{}, fmt.Errorf("%w: decode: %v", ErrInvalidParameters, err)
	}
	if err := p.Validate(); err != nil {
		return RaoParameters{}, err
	}
	return p, nil
}

// LoadFile reads parameters from a YAML file. An empty path yields the
// defaults.
func LoadFile(path string) (RaoParameters, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return RaoParameters{}, fmt.Errorf("open parameters: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Validate checks every cross-field invariant. The returned error wraps
// ErrInvalidParameters and lists every problem found.
func (p RaoParameters) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	of := p.ObjectiveFunction
	switch of.Type {
	case MaxMinMargin:
	case MaxMinRelativeMargin:
		if p.RelativeMargins == nil {
			add("objective %s requires relative-margins parameters", of.Type)
		} else if p.RelativeMargins.PtdfSumLowerBound <= 0 {
			add("relative-margins.ptdf-sum-lower-bound must be positive")
		}
	default:
		add("unknown objective function type %q", of.Type)
	}
	if of.Unit != Megawatt && of.Unit != Ampere {
		add("unknown objective unit %q", of.Unit)
	}
	if of.PreventiveStopCriterion != PreventiveMinObjective && of.PreventiveStopCriterion != PreventiveSecure {
		add("unknown preventive stop criterion %q", of.PreventiveStopCriterion)
	}
	switch of.CurativeStopCriterion {
	case CurativeMinObjective, CurativeSecure, CurativePreventiveObjective, CurativePreventiveObjectiveAndSecure:
	default:
		add("unknown curative stop criterion %q", of.CurativeStopCriterion)
	}
	if of.CurativeMinObjImprovement < 0 {
		add("curative-min-obj-improvement must not be negative")
	}

	ra := p.RangeActionsOptimization
	if ra.MaxMipIterations < 1 {
		add("max-mip-iterations must be at least 1")
	}
	if ra.DiscreteTapIterations < 1 {
		add("discrete-tap-iterations must be at least 1")
	}
	for name, v := range map[string]float64{
		"pst-penalty-cost":                   ra.PstPenaltyCost,
		"pst-sensitivity-threshold":          ra.PstSensitivityThreshold,
		"hvdc-penalty-cost":                  ra.HvdcPenaltyCost,
		"hvdc-sensitivity-threshold":         ra.HvdcSensitivityThreshold,
		"injection-ra-penalty-cost":          ra.InjectionRaPenaltyCost,
		"injection-ra-sensitivity-threshold": ra.InjectionRaSensitivityThreshold,
	} {
		if v < 0 {
			add("%s must not be negative", name)
		}
	}
	if ra.PstModel != PstContinuous && ra.PstModel != PstApproximatedIntegers {
		add("unknown pst model %q", ra.PstModel)
	}
	switch ra.RaRangeShrinking {
	case ShrinkingDisabled, ShrinkingEnabled, ShrinkingEnabledInFirstPraoCrao:
	default:
		add("unknown ra-range-shrinking %q", ra.RaRangeShrinking)
	}
	if ra.Solver.Tolerance <= 0 {
		add("solver.tolerance must be positive")
	}
	if ra.Solver.RelativeMipGap < 0 {
		add("solver.relative-mip-gap must not be negative")
	}
	if ra.Solver.MaxBranchAndBoundNodes < 1 {
		add("solver.max-bb-nodes must be at least 1")
	}
	seen := make(map[string]string)
	for _, g := range ra.RangeActionGroups {
		ids, err := ParseRangeActionGroup(g)
		if err != nil {
			add("%v", err)
			continue
		}
		for _, id := range ids {
			if other, dup := seen[id]; dup {
				add("range action %q belongs to groups %q and %q", id, other, g)
			}
			seen[id] = g
		}
	}

	topo := p.TopoOptimization
	if topo.MaxPreventiveSearchTreeDepth < 0 || topo.MaxCurativeSearchTreeDepth < 0 {
		add("search tree depths must not be negative")
	}
	if topo.RelativeMinImpactThreshold < 0 || topo.RelativeMinImpactThreshold > 1 {
		add("relative-minimum-impact-threshold must be within [0, 1]")
	}
	if topo.AbsoluteMinImpactThreshold < 0 {
		add("absolute-minimum-impact-threshold must not be negative")
	}
	if topo.MaxNumberOfBoundariesForSkippingActions < 0 {
		add("max-number-of-boundaries-for-skipping-actions must not be negative")
	}
	if topo.MaxLeaves < 0 {
		add("max-leaves must not be negative")
	}
	for i, combo := range topo.PredefinedCombinations {
		if len(combo) == 0 {
			add("predefined combination %d is empty", i)
		}
	}
	switch p.SecondPreventive.ExecutionCondition {
	case SecondPreventiveDisabled, SecondPreventivePossibleCurativeImprovement, SecondPreventiveCostIncrease:
	default:
		add("unknown second preventive execution condition %q", p.SecondPreventive.ExecutionCondition)
	}
	if p.Multithreading.AvailableCPUs < 1 {
		add("available-cpus must be at least 1")
	}

	for instant, l := range p.RaUsageLimitsPerInstant {
		if l.MaxRa != nil && *l.MaxRa < 0 {
			add("%s: max-ra must not be negative", instant)
		}
		if l.MaxTso != nil && *l.MaxTso < 0 {
			add("%s: max-tso must not be negative", instant)
		}
		for _, m := range []map[string]int{l.MaxTopoPerTso, l.MaxPstPerTso, l.MaxRaPerTso, l.MaxElementaryActionsPerTso} {
			for tso, v := range m {
				if v < 0 {
					add("%s: limit for %s must not be negative", instant, tso)
				}
			}
		}
	}

	if p.Mnec != nil && (p.Mnec.AcceptableMarginDecrease < 0 || p.Mnec.ViolationCost < 0) {
		add("mnec parameters must not be negative")
	}
	if p.LoopFlow != nil && (p.LoopFlow.AcceptableIncrease < 0 || p.LoopFlow.ViolationCost < 0) {
		add("loop-flow parameters must not be negative")
	}
	if p.SensitivityFailureOvercost < 0 {
		add("sensitivity-failure-overcost must not be negative")
	}
	if p.TimeLimit < 0 {
		add("time-limit must not be negative")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidParameters, strings.Join(problems, "; "))
}

// ParseRangeActionGroup splits "ra1 + ra2 + ..." into ids. Groups need at
// least two distinct, non-empty ids.
func ParseRangeActionGroup(s string) ([]string, error) {
	parts := strings.Split(s, "+")
	ids := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, part := range parts {
		id := strings.TrimSpace(part)
		if id == "" {
			return nil, fmt.Errorf("malformed range action group %q: empty id", s)
		}
		if seen[id] {
			return nil, fmt.Errorf("malformed range action group %q: %q repeated", s, id)
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) < 2 {
		return nil, fmt.Errorf("malformed range action group %q: needs at least two range actions", s)
	}
	return ids, nil
}

// GroupID returns the canonical id of a parsed group.
func GroupID(ids []string) string {
	return strings.Join(ids, " + ")
}

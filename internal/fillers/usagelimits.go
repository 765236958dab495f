package fillers

import (
	"fmt"
	"math"
	"sort"

	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/internal/linearproblem"
	"github.com/signalsfoundry/rao/model"
)

// RaUsageLimitsFiller caps, per optimized state, the number of activated
// range actions, of operators activating one, and the per-operator counts.
// Network actions applied on the main state use up part of the budget.
type RaUsageLimitsFiller struct{}

// NewRaUsageLimitsFiller constructs a RaUsageLimitsFiller.
func NewRaUsageLimitsFiller() *RaUsageLimitsFiller { return &RaUsageLimitsFiller{} }

// Fill implements Filler.
func (f *RaUsageLimitsFiller) Fill(lp *linearproblem.Problem, in Input) error {
	for _, st := range in.Perimeter.AllOptimizedStates() {
		limits, ok := in.Parameters.UsageLimits(st.Instant.ID)
		if !ok {
			continue
		}
		if err := f.fillState(lp, in, st, limits); err != nil {
			return fmt.Errorf("ra usage limits filler: %w", err)
		}
	}
	return nil
}

// Update implements Filler. The block does not depend on sensitivities.
func (f *RaUsageLimitsFiller) Update(*linearproblem.Problem, Input) error { return nil }

// appliedUsage counts what network actions consumed.
type appliedUsage struct {
	count      int
	perTso     map[string]int
	elementary map[string]int
}

func newAppliedUsage(in Input, st model.State) appliedUsage {
	u := appliedUsage{perTso: make(map[string]int), elementary: make(map[string]int)}
	if st.ID() != in.Perimeter.MainState().ID() {
		return u
	}
	for _, na := range in.AppliedNetworkActions {
		u.count++
		u.perTso[na.Operator]++
		u.elementary[na.Operator] += len(na.Elementary)
	}
	return u
}

func remaining(limit, used int) float64 {
	return float64(max(0, limit-used))
}

func (f *RaUsageLimitsFiller) fillState(lp *linearproblem.Problem, in Input, st model.State, limits config.RaUsageLimits) error {
	ras := in.Perimeter.RangeActionsAt(st.ID())
	used := newAppliedUsage(in, st)

	activated := make(map[string]linearproblem.VarHandle, len(ras))
	for _, ra := range ras {
		entity := RangeActionEntity(ra.ID, st)
		av, err := AbsoluteVariationVariable(lp, ra.ID, st)
		if err != nil {
			return err
		}
		s, err := SetpointVariable(lp, ra.ID, st)
		if err != nil {
			return err
		}
		lo, hi := lp.Bounds(s)
		width := finiteOr(hi-lo, minMarginCap)
		d, err := lp.AddBinaryVariable(key(entity, linearproblem.RoleRangeActionActivated))
		if err != nil {
			return err
		}
		link, err := lp.AddConstraint(key(entity, linearproblem.RoleActivationLink), -linearproblem.Infinity, 0)
		if err != nil {
			return err
		}
		lp.SetCoefficient(link, av, 1)
		lp.SetCoefficient(link, d, -width)
		activated[ra.ID] = d
	}

	if limits.MaxRa != nil {
		c, err := lp.AddConstraint(key(st.ID(), linearproblem.RoleMaxRa), -linearproblem.Infinity, remaining(*limits.MaxRa, used.count))
		if err != nil {
			return err
		}
		for _, ra := range ras {
			lp.SetCoefficient(c, activated[ra.ID], 1)
		}
	}

	byTso := make(map[string][]*model.RangeAction)
	for _, ra := range ras {
		byTso[ra.Operator] = append(byTso[ra.Operator], ra)
	}
	tsos := make([]string, 0, len(byTso))
	for tso := range byTso {
		tsos = append(tsos, tso)
	}
	sort.Strings(tsos)

	if limits.MaxTso != nil {
		c, err := lp.AddConstraint(key(st.ID(), linearproblem.RoleMaxTso), -linearproblem.Infinity, remaining(*limits.MaxTso, len(used.perTso)))
		if err != nil {
			return err
		}
		for _, tso := range tsos {
			t, err := lp.AddBinaryVariable(key(tsoEntity(tso, st), linearproblem.RoleTsoActivated))
			if err != nil {
				return err
			}
			for _, ra := range byTso[tso] {
				link, err := lp.AddConstraint(key(RangeActionEntity(ra.ID, st), linearproblem.RoleTsoLink), -linearproblem.Infinity, 0)
				if err != nil {
					return err
				}
				lp.SetCoefficient(link, activated[ra.ID], 1)
				lp.SetCoefficient(link, t, -1)
			}
			// operators already acting through network actions are counted
			if _, ok := used.perTso[tso]; !ok {
				lp.SetCoefficient(c, t, 1)
			}
		}
	}

	for _, tso := range tsos {
		if limit, ok := limits.MaxRaPerTso[tso]; ok {
			c, err := lp.AddConstraint(key(tsoEntity(tso, st), linearproblem.RoleMaxRaPerTso), -linearproblem.Infinity, remaining(limit, used.perTso[tso]))
			if err != nil {
				return err
			}
			for _, ra := range byTso[tso] {
				lp.SetCoefficient(c, activated[ra.ID], 1)
			}
		}
		if limit, ok := limits.MaxPstPerTso[tso]; ok {
			c, err := lp.AddConstraint(key(tsoEntity(tso, st), linearproblem.RoleMaxPstPerTso), -linearproblem.Infinity, float64(limit))
			if err != nil {
				return err
			}
			for _, ra := range byTso[tso] {
				if ra.Kind == model.KindPst {
					lp.SetCoefficient(c, activated[ra.ID], 1)
				}
			}
		}
		if limit, ok := limits.MaxElementaryActionsPerTso[tso]; ok {
			if err := f.maxElementaryActions(lp, st, tso, byTso[tso], remaining(limit, used.elementary[tso])); err != nil {
				return err
			}
		}
	}
	return nil
}

// maxElementaryActions counts every PST tap moved as one elementary action.
func (f *RaUsageLimitsFiller) maxElementaryActions(lp *linearproblem.Problem, st model.State, tso string, ras []*model.RangeAction, limit float64) error {
	c, err := lp.AddConstraint(key(tsoEntity(tso, st), linearproblem.RoleMaxElementaryActionsPerTso), -linearproblem.Infinity, limit)
	if err != nil {
		return err
	}
	for _, ra := range ras {
		if ra.Kind != model.KindPst || ra.Taps == nil {
			continue
		}
		step := ra.Taps.SmallestAngleStep()
		if step <= 0 || math.IsInf(step, 0) {
			continue
		}
		av, err := AbsoluteVariationVariable(lp, ra.ID, st)
		if err != nil {
			return err
		}
		lp.SetCoefficient(c, av, 1/step)
	}
	return nil
}

package fillers

import (
	"fmt"

	"github.com/signalsfoundry/rao/internal/linearproblem"
	"github.com/signalsfoundry/rao/model"
)

// InjectionBalanceFiller keeps the total injection shifted by the injection
// range actions of each state at zero.
type InjectionBalanceFiller struct{}

// NewInjectionBalanceFiller constructs an InjectionBalanceFiller.
func NewInjectionBalanceFiller() *InjectionBalanceFiller { return &InjectionBalanceFiller{} }

// Fill implements Filler.
func (f *InjectionBalanceFiller) Fill(lp *linearproblem.Problem, in Input) error {
	for _, st := range in.Perimeter.AllOptimizedStates() {
		var injections []*model.RangeAction
		for _, ra := range in.Perimeter.RangeActionsAt(st.ID()) {
			if ra.Kind == model.KindInjection {
				injections = append(injections, ra)
			}
		}
		if len(injections) == 0 {
			continue
		}
		c, err := lp.AddConstraint(key(st.ID(), linearproblem.RoleInjectionBalance), 0, 0)
		if err != nil {
			return fmt.Errorf("injection balance filler: %w", err)
		}
		for _, ra := range injections {
			keys := 0.0
			for _, k := range ra.NetworkElements {
				keys += k
			}
			entity := RangeActionEntity(ra.ID, st)
			up, err := variable(lp, key(entity, linearproblem.RoleUpwardVariation))
			if err != nil {
				return fmt.Errorf("injection balance filler: %w", err)
			}
			down, err := variable(lp, key(entity, linearproblem.RoleDownwardVariation))
			if err != nil {
				return fmt.Errorf("injection balance filler: %w", err)
			}
			lp.SetCoefficient(c, up, keys)
			lp.SetCoefficient(c, down, -keys)
		}
	}
	return nil
}

// Update implements Filler. The block does not depend on sensitivities.
func (f *InjectionBalanceFiller) Update(*linearproblem.Problem, Input) error { return nil }

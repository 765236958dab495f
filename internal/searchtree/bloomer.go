package searchtree

import (
	"hash/crc32"
	"sort"
	"strings"

	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/internal/perimeter"
	"github.com/signalsfoundry/rao/internal/results"
	"github.com/signalsfoundry/rao/model"
)

// combination is a set of network actions tried together on top of a leaf.
type combination struct {
	actions    []*model.NetworkAction
	predefined bool
}

func newCombination(actions []*model.NetworkAction, predefined bool) combination {
	sorted := append([]*model.NetworkAction(nil), actions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return combination{actions: sorted, predefined: predefined}
}

func (c combination) key() string { return setKey(c.actions) }

func (c combination) checksum() uint32 {
	var sb strings.Builder
	for _, na := range c.actions {
		sb.WriteString(na.ID)
	}
	return crc32.ChecksumIEEE([]byte(sb.String()))
}

// combinationFilter drops combinations that cannot be applied on top of
// applied.
type combinationFilter struct {
	name string
	keep func(applied []*model.NetworkAction, c combination) bool
}

// bloomer generates the children of a leaf.
type bloomer struct {
	perimeter  *perimeter.Perimeter
	params     config.RaoParameters
	available  []*model.NetworkAction
	predefined []combination
	filters    []combinationFilter
	// rangeElements maps the elements actuated by a range action to its id.
	rangeElements map[string]string
	limits        config.RaUsageLimits
	limited       bool
}

func newBloomer(params config.RaoParameters, p *perimeter.Perimeter) *bloomer {
	b := &bloomer{perimeter: p, params: params, available: p.NetworkActions()}
	byID := make(map[string]*model.NetworkAction, len(b.available))
	for _, na := range b.available {
		byID[na.ID] = na
	}
	for _, ids := range params.TopoOptimization.PredefinedCombinations {
		actions := make([]*model.NetworkAction, 0, len(ids))
		for _, id := range ids {
			na, ok := byID[strings.TrimSpace(id)]
			if !ok {
				actions = nil
				break
			}
			actions = append(actions, na)
		}
		if len(actions) > 1 {
			b.predefined = append(b.predefined, newCombination(actions, true))
		}
	}

	b.rangeElements = make(map[string]string)
	for _, ra := range p.AllRangeActions() {
		for _, el := range ra.ElementIDs() {
			b.rangeElements[el] = ra.ID
		}
	}
	if limits, ok := params.UsageLimits(p.MainState().Instant.ID); ok {
		b.limits, b.limited = limits, true
		b.filters = append(b.filters,
			combinationFilter{"max-elementary-actions-per-tso", maxElementaryActionsPerTso(limits)},
			combinationFilter{"max-ra", maxRa(limits)},
			combinationFilter{"max-tso", maxTso(limits)},
			combinationFilter{"max-topo-per-tso", maxPerTso(limits.MaxTopoPerTso)},
			combinationFilter{"max-ra-per-tso", maxPerTso(limits.MaxRaPerTso)},
		)
	}
	return b
}

// bloom returns the combinations to try on top of applied, best candidates
// first. tested holds the keys of the network action sets already evaluated.
// mostLimiting is used by the distance filter.
func (b *bloomer) bloom(applied []*model.NetworkAction, tested map[string]bool, mostLimiting *model.FlowCnec) ([]combination, map[string]int) {
	dropped := make(map[string]int)
	isApplied := make(map[string]bool, len(applied))
	for _, na := range applied {
		isApplied[na.ID] = true
	}

	seen := make(map[string]bool)
	var candidates []combination
	add := func(c combination) {
		k := c.key()
		if seen[k] {
			return
		}
		seen[k] = true
		candidates = append(candidates, c)
	}
	for _, pre := range b.predefined {
		var remaining []*model.NetworkAction
		for _, na := range pre.actions {
			if !isApplied[na.ID] {
				remaining = append(remaining, na)
			}
		}
		if len(remaining) == 0 {
			dropped["already-applied"]++
			continue
		}
		add(newCombination(remaining, true))
	}
	for _, na := range b.available {
		if isApplied[na.ID] {
			continue
		}
		add(newCombination([]*model.NetworkAction{na}, false))
	}

	kept := candidates[:0]
	for _, c := range candidates {
		if tested[setKey(append(append([]*model.NetworkAction(nil), applied...), c.actions...))] {
			dropped["already-tested"]++
			continue
		}
		kept = append(kept, c)
	}
	candidates = kept

	for _, f := range b.filters {
		kept := candidates[:0]
		for _, c := range candidates {
			if f.keep(applied, c) {
				kept = append(kept, c)
			} else {
				dropped[f.name]++
			}
		}
		candidates = kept
	}

	if b.params.TopoOptimization.SkipActionsFarFromMostLimitingElement && mostLimiting != nil {
		kept := candidates[:0]
		for _, c := range candidates {
			if b.closeTo(c, mostLimiting) {
				kept = append(kept, c)
			} else {
				dropped["far-from-most-limiting-element"]++
			}
		}
		candidates = kept
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, c := candidates[i], candidates[j]
		if a.predefined != c.predefined {
			return a.predefined
		}
		if len(a.actions) != len(c.actions) {
			return len(a.actions) > len(c.actions)
		}
		if ha, hc := a.checksum(), c.checksum(); ha != hc {
			return ha < hc
		}
		return a.key() < c.key()
	})
	return candidates, dropped
}

// resetsRangeActions reports whether c must be tried with the range actions
// back at their pre-perimeter setpoints rather than those of start: c acts
// on an element a range action also moves, or keeping the activated range
// actions would break the usage limits.
func (b *bloomer) resetsRangeActions(applied []*model.NetworkAction, c combination, start *results.RangeActionActivation) bool {
	for _, na := range c.actions {
		for _, ea := range na.Elementary {
			if _, ok := b.rangeElements[ea.NetworkElementID]; ok {
				return true
			}
		}
	}
	if !b.limited {
		return false
	}
	main := b.perimeter.MainState()
	activated := start.ActivatedRangeActions(main)
	if b.limits.MaxRa != nil && len(applied)+len(c.actions)+len(activated) > *b.limits.MaxRa {
		return true
	}
	if len(b.limits.MaxRaPerTso) == 0 && b.limits.MaxTso == nil {
		return false
	}
	counts := countByOperator(applied, c, one)
	for _, ra := range b.perimeter.RangeActionsAt(main.ID()) {
		if ra.Operator != "" && start.IsActivated(main, ra.ID) {
			counts[ra.Operator]++
		}
	}
	if b.limits.MaxTso != nil && len(counts) > *b.limits.MaxTso {
		return true
	}
	for tso, n := range counts {
		if limit, ok := b.limits.MaxRaPerTso[tso]; ok && n > limit {
			return true
		}
	}
	return false
}

// closeTo keeps combinations with at least one action within the configured
// number of country boundaries of the CNEC. Actions without countries are
// always close.
func (b *bloomer) closeTo(c combination, cnec *model.FlowCnec) bool {
	limit := b.params.TopoOptimization.MaxNumberOfBoundariesForSkippingActions
	for _, na := range c.actions {
		if len(na.Countries) == 0 || len(cnec.Countries) == 0 {
			return true
		}
		if d := b.perimeter.Crac().BoundaryDistance(na.Countries, cnec.Countries); d >= 0 && d <= limit {
			return true
		}
	}
	return false
}

func countByOperator(applied []*model.NetworkAction, c combination, weight func(*model.NetworkAction) int) map[string]int {
	counts := make(map[string]int)
	for _, list := range [][]*model.NetworkAction{applied, c.actions} {
		for _, na := range list {
			if na.Operator != "" {
				counts[na.Operator] += weight(na)
			}
		}
	}
	return counts
}

func one(*model.NetworkAction) int { return 1 }

func maxElementaryActionsPerTso(limits config.RaUsageLimits) func([]*model.NetworkAction, combination) bool {
	return func(applied []*model.NetworkAction, c combination) bool {
		counts := countByOperator(applied, c, func(na *model.NetworkAction) int { return len(na.Elementary) })
		for tso, n := range counts {
			if limit, ok := limits.MaxElementaryActionsPerTso[tso]; ok && n > limit {
				return false
			}
		}
		return true
	}
}

// maxRa only counts network actions: the range actions left are capped by
// the linear problem.
func maxRa(limits config.RaUsageLimits) func([]*model.NetworkAction, combination) bool {
	return func(applied []*model.NetworkAction, c combination) bool {
		return limits.MaxRa == nil || len(applied)+len(c.actions) <= *limits.MaxRa
	}
}

func maxTso(limits config.RaUsageLimits) func([]*model.NetworkAction, combination) bool {
	return func(applied []*model.NetworkAction, c combination) bool {
		return limits.MaxTso == nil || len(countByOperator(applied, c, one)) <= *limits.MaxTso
	}
}

func maxPerTso(perTso map[string]int) func([]*model.NetworkAction, combination) bool {
	return func(applied []*model.NetworkAction, c combination) bool {
		for tso, n := range countByOperator(applied, c, one) {
			if limit, ok := perTso[tso]; ok && n > limit {
				return false
			}
		}
		return true
	}
}

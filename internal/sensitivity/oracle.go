package sensitivity

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/rao/core"
	"github.com/signalsfoundry/rao/internal/spans"
	"github.com/signalsfoundry/rao/model"
)

const tracerName = "github.com/signalsfoundry/rao/internal/sensitivity"

// Request scopes one computation.
type Request struct {
	States       []model.State
	Cnecs        []*model.FlowCnec
	RangeActions []*model.RangeAction

	// StateSetpoints moves range actions, by state id then range action id,
	// for the CNECs of that state and of the states it precedes. The network
	// itself holds the setpoints of the main state.
	StateSetpoints map[string]map[string]float64

	WithPtdfSums        bool
	WithCommercialFlows bool
}

// Oracle computes flows and sensitivities on a network variant. Divergence of
// the load flow is reported through the result statuses; the error return is
// reserved for cancellation and unusable requests.
type Oracle interface {
	Compute(ctx context.Context, network *core.Network, req Request) (*Result, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, network *core.Network, req Request) (*Result, error)

// Compute calls f.
func (f OracleFunc) Compute(ctx context.Context, network *core.Network, req Request) (*Result, error) {
	return f(ctx, network, req)
}

// LinearOracle evaluates a core.LinearModel. Sensitivities are exact
// derivatives at the operating point, so the quadratic terms of the model
// make successive linearisations differ.
type LinearOracle struct {
	Model *core.LinearModel
}

// NewLinearOracle constructs a LinearOracle.
func NewLinearOracle(m *core.LinearModel) *LinearOracle {
	return &LinearOracle{Model: m}
}

// Compute implements Oracle.
func (o *LinearOracle) Compute(ctx context.Context, network *core.Network, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if network == nil {
		return nil, fmt.Errorf("sensitivity: nil network")
	}
	res := NewResult()
	failed := make(map[string]bool)
	for _, st := range req.States {
		if st.ContingencyID != "" && o.Model.FailingContingencies[st.ContingencyID] {
			failed[st.ID()] = true
			res.SetStateStatus(st, Failure)
			continue
		}
		res.SetStateStatus(st, Success)
	}
	if res.Status() == Failure {
		return res, nil
	}

	byState := make(map[string]*core.Network)
	for _, cnec := range req.Cnecs {
		if failed[cnec.StateID] {
			continue
		}
		net, ok := byState[cnec.StateID]
		if !ok {
			net = o.networkFor(network, cnec.StateID, req)
			byState[cnec.StateID] = net
		}
		flow := o.Model.Flow(net, cnec.ID)
		for _, side := range cnec.Sides() {
			res.SetFlow(cnec.ID, side, flow)
			if req.WithPtdfSums {
				res.SetPtdfSum(cnec.ID, side, o.Model.ZonalPtdfSums[cnec.ID])
			}
			if req.WithCommercialFlows {
				res.SetCommercialFlow(cnec.ID, side, o.Model.CommercialFlows[cnec.ID])
			}
		}
		for _, ra := range req.RangeActions {
			sens := 0.0
			for el, key := range ra.NetworkElements {
				if ra.Kind != model.KindInjection {
					key = 1
				}
				sens += key * o.Model.Derivative(net, el, cnec.ID)
			}
			for _, side := range cnec.Sides() {
				res.SetSensitivity(ra.ID, cnec.ID, side, sens)
			}
		}
	}
	return res, nil
}

// networkFor applies the state overrides reaching stateID, earliest state
// first.
func (o *LinearOracle) networkFor(network *core.Network, stateID string, req Request) *core.Network {
	if len(req.StateSetpoints) == 0 {
		return network
	}
	var target model.State
	found := false
	for _, st := range req.States {
		if st.ID() == stateID {
			target, found = st, true
			break
		}
	}
	if !found {
		return network
	}
	var reaching []model.State
	for _, st := range req.States {
		if _, ok := req.StateSetpoints[st.ID()]; !ok {
			continue
		}
		if st.ID() == stateID || st.Precedes(target) {
			reaching = append(reaching, st)
		}
	}
	if len(reaching) == 0 {
		return network
	}
	sort.SliceStable(reaching, func(i, j int) bool { return reaching[i].Instant.Order < reaching[j].Instant.Order })
	ras := make(map[string]*model.RangeAction, len(req.RangeActions))
	for _, ra := range req.RangeActions {
		ras[ra.ID] = ra
	}
	derived := network.Derive()
	for _, st := range reaching {
		overrides := req.StateSetpoints[st.ID()]
		ids := make([]string, 0, len(overrides))
		for id := range overrides {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if ra, ok := ras[id]; ok {
				derived.ApplyRangeAction(ra, overrides[id])
			}
		}
	}
	return derived
}

// Computer runs an oracle on private network variants.
type Computer struct {
	oracle   Oracle
	variants *core.VariantManager
}

// NewComputer constructs a Computer. A nil manager gets a fresh one.
func NewComputer(oracle Oracle, variants *core.VariantManager) *Computer {
	if variants == nil {
		variants = core.NewVariantManager()
	}
	return &Computer{oracle: oracle, variants: variants}
}

// Variants exposes the variant manager.
func (c *Computer) Variants() *core.VariantManager { return c.variants }

// ComputeOn clones base, lets apply modify the clone, and runs the oracle on
// it. The clone is released before returning whatever happens.
func (c *Computer) ComputeOn(ctx context.Context, base *core.Network, label string, apply func(*core.Network) error, req Request) (*Result, error) {
	ctx, span := spans.Start(ctx, tracerName, "sensitivity.Compute",
		attribute.String("rao.variant_label", label),
		attribute.Int("rao.cnecs", len(req.Cnecs)),
		attribute.Int("rao.range_actions", len(req.RangeActions)),
	)
	defer span.End()

	variant, release := c.variants.Clone(base, label)
	defer release()

	if apply != nil {
		if err := apply(variant); err != nil {
			spans.Fail(span, err)
			return nil, fmt.Errorf("prepare variant %s: %w", variant.VariantID(), err)
		}
	}
	res, err := c.oracle.Compute(ctx, variant, req)
	if err != nil {
		spans.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("rao.sensitivity_status", res.Status().String()))
	return res, nil
}

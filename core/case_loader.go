package core

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/signalsfoundry/rao/crac"
	"github.com/signalsfoundry/rao/model"
)

// Case bundles what an optimisation run consumes: the CRAC, the initial
// network variant and the flow model backing the sensitivity oracle.
type Case struct {
	Crac    *crac.Crac
	Network *Network
	Model   *LinearModel
}

// internal JSON shapes, unexported so the file format can evolve freely.
type caseJSON struct {
	ID                string              `json:"id"`
	Instants          []instantJSON       `json:"instants"`
	Contingencies     []contingencyJSON   `json:"contingencies"`
	Cnecs             []cnecJSON          `json:"cnecs"`
	RangeActions      []rangeActionJSON   `json:"rangeActions"`
	NetworkActions    []networkActionJSON `json:"networkActions"`
	CountryBoundaries [][2]string         `json:"countryBoundaries"`
	Network           networkJSON         `json:"network"`
}

type instantJSON struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type contingencyJSON struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Elements []string `json:"elements"`
}

type thresholdJSON struct {
	Side int      `json:"side"`
	Min  *float64 `json:"min"`
	Max  *float64 `json:"max"`
}

type cnecJSON struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	NetworkElement    string          `json:"networkElement"`
	Operator          string          `json:"operator"`
	Instant           string          `json:"instant"`
	Contingency       string          `json:"contingency"`
	Optimized         *bool           `json:"optimized"`
	Monitored         bool            `json:"monitored"`
	Thresholds        []thresholdJSON `json:"thresholds"`
	NominalVoltage    float64         `json:"nominalVoltage"`
	LoopFlowThreshold float64         `json:"loopFlowThreshold"`
	Countries         []string        `json:"countries"`
}

type rangeJSON struct {
	Type string  `json:"type"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

type usageRuleJSON struct {
	Kind        string `json:"kind"`
	Method      string `json:"method"`
	Instant     string `json:"instant"`
	Contingency string `json:"contingency"`
	Cnec        string `json:"cnec"`
	Country     string `json:"country"`
}

type rangeActionJSON struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Kind            string             `json:"kind"`
	Operator        string             `json:"operator"`
	Elements        map[string]float64 `json:"elements"`
	Ranges          []rangeJSON        `json:"ranges"`
	Taps            map[string]float64 `json:"taps"`
	InitialTap      int                `json:"initialTap"`
	InitialSetpoint float64            `json:"initialSetpoint"`
	Group           string             `json:"group"`
	UsageRules      []usageRuleJSON    `json:"usageRules"`
	Countries       []string           `json:"countries"`
}

type elementaryActionJSON struct {
	Type     string  `json:"type"`
	Element  string  `json:"element"`
	Open     bool    `json:"open"`
	Tap      int     `json:"tap"`
	Setpoint float64 `json:"setpoint"`
}

type networkActionJSON struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Operator   string                 `json:"operator"`
	Actions    []elementaryActionJSON `json:"actions"`
	UsageRules []usageRuleJSON        `json:"usageRules"`
	Countries  []string               `json:"countries"`
}

type networkJSON struct {
	ReferenceFlows       map[string]float64            `json:"referenceFlows"`
	ReferenceSetpoints   map[string]float64            `json:"referenceSetpoints"`
	Ptdfs                map[string]map[string]float64 `json:"ptdfs"`
	Quadratic            map[string]map[string]float64 `json:"quadratic"`
	TopologyDeltas       map[string]map[string]float64 `json:"topologyDeltas"`
	ZonalPtdfSums        map[string]float64            `json:"zonalPtdfSums"`
	CommercialFlows      map[string]float64            `json:"commercialFlows"`
	FailingContingencies []string                      `json:"failingContingencies"`
}

// LoadCase reads a JSON case from r. Structural problems and CRAC
// invariant violations are returned as errors.
func LoadCase(r io.Reader) (*Case, error) {
	var payload caseJSON
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadCase: decode failed: %w", err)
	}

	c := crac.New(payload.ID)

	// 1) Instants, in file order.
	for i, in := range payload.Instants {
		kind, err := model.ParseInstantKind(in.Kind)
		if err != nil {
			return nil, fmt.Errorf("LoadCase: %w", err)
		}
		if err := c.AddInstant(model.Instant{ID: in.ID, Kind: kind, Order: i}); err != nil {
			return nil, fmt.Errorf("LoadCase: %w", err)
		}
	}
	if len(payload.Instants) == 0 {
		return nil, fmt.Errorf("LoadCase: no instant defined")
	}
	preventiveID := payload.Instants[0].ID

	// 2) Contingencies
	for _, co := range payload.Contingencies {
		if err := c.AddContingency(&model.Contingency{ID: co.ID, Name: co.Name, Elements: co.Elements}); err != nil {
			return nil, fmt.Errorf("LoadCase: %w", err)
		}
	}

	// 3) CNECs
	for _, js := range payload.Cnecs {
		cnec, err := cnecFromJSON(js)
		if err != nil {
			return nil, err
		}
		if err := c.AddFlowCnec(cnec, js.Instant, js.Contingency); err != nil {
			return nil, fmt.Errorf("LoadCase: %w", err)
		}
	}

	// 4) Range actions
	for _, js := range payload.RangeActions {
		ra, err := rangeActionFromJSON(js, preventiveID)
		if err != nil {
			return nil, err
		}
		if err := c.AddRangeAction(ra); err != nil {
			return nil, fmt.Errorf("LoadCase: %w", err)
		}
	}

	// 5) Network actions
	for _, js := range payload.NetworkActions {
		na, err := networkActionFromJSON(js, preventiveID)
		if err != nil {
			return nil, err
		}
		if err := c.AddNetworkAction(na); err != nil {
			return nil, fmt.Errorf("LoadCase: %w", err)
		}
	}

	for _, b := range payload.CountryBoundaries {
		c.AddCountryBoundary(b[0], b[1])
	}

	net := NewNetworkFromCrac(c)
	lm := &LinearModel{
		ReferenceFlows:       orEmpty(payload.Network.ReferenceFlows),
		ReferenceSetpoints:   orEmpty(payload.Network.ReferenceSetpoints),
		Ptdfs:                payload.Network.Ptdfs,
		Quadratic:            payload.Network.Quadratic,
		TopologyDeltas:       payload.Network.TopologyDeltas,
		ZonalPtdfSums:        orEmpty(payload.Network.ZonalPtdfSums),
		CommercialFlows:      orEmpty(payload.Network.CommercialFlows),
		FailingContingencies: make(map[string]bool),
	}
	// Reference flows are given at the initial operating point unless stated.
	for el, v := range net.setpoints {
		if _, ok := lm.ReferenceSetpoints[el]; !ok {
			lm.ReferenceSetpoints[el] = v
		}
	}
	for _, co := range payload.Network.FailingContingencies {
		lm.FailingContingencies[co] = true
	}

	return &Case{Crac: c, Network: net, Model: lm}, nil
}

func cnecFromJSON(js cnecJSON) (*model.FlowCnec, error) {
	if js.ID == "" {
		return nil, fmt.Errorf("LoadCase: cnec with empty id")
	}
	optimized := true
	if js.Optimized != nil {
		optimized = *js.Optimized
	}
	cnec := &model.FlowCnec{
		ID:                js.ID,
		Name:              js.Name,
		NetworkElementID:  js.NetworkElement,
		Operator:          js.Operator,
		Optimized:         optimized,
		Monitored:         js.Monitored,
		NominalVoltage:    make(map[model.Side]float64),
		LoopFlowThreshold: js.LoopFlowThreshold,
		Countries:         js.Countries,
	}
	for _, th := range js.Thresholds {
		side := model.SideOne
		if th.Side == 2 {
			side = model.SideTwo
		}
		t := model.NewThreshold(side)
		if th.Min != nil {
			t.Min = *th.Min
		}
		if th.Max != nil {
			t.Max = *th.Max
		}
		if math.IsInf(t.Min, -1) && math.IsInf(t.Max, 1) {
			return nil, fmt.Errorf("LoadCase: cnec %q has a threshold without bound", js.ID)
		}
		cnec.Thresholds = append(cnec.Thresholds, t)
		if js.NominalVoltage > 0 {
			cnec.NominalVoltage[side] = js.NominalVoltage
		}
	}
	return cnec, nil
}

func rangeActionFromJSON(js rangeActionJSON, preventiveID string) (*model.RangeAction, error) {
	kind, err := model.ParseRangeActionKind(js.Kind)
	if err != nil {
		return nil, fmt.Errorf("LoadCase: range action %q: %w", js.ID, err)
	}
	ra := &model.RangeAction{
		ID:              js.ID,
		Name:            js.Name,
		Operator:        js.Operator,
		Kind:            kind,
		NetworkElements: js.Elements,
		InitialTap:      js.InitialTap,
		InitialSetpoint: js.InitialSetpoint,
		GroupID:         js.Group,
		Countries:       js.Countries,
	}
	for _, r := range js.Ranges {
		rt, err := model.ParseRangeType(r.Type)
		if err != nil {
			return nil, fmt.Errorf("LoadCase: range action %q: %w", js.ID, err)
		}
		ra.Ranges = append(ra.Ranges, model.Range{Type: rt, Min: r.Min, Max: r.Max})
	}
	if len(js.Taps) > 0 {
		angles := make(map[int]float64, len(js.Taps))
		for k, v := range js.Taps {
			tap, err := strconv.Atoi(k)
			if err != nil {
				return nil, fmt.Errorf("LoadCase: range action %q: bad tap %q", js.ID, k)
			}
			angles[tap] = v
		}
		ra.Taps = &model.TapTable{Angles: angles}
	}
	ra.UsageRules, err = usageRulesFromJSON(js.UsageRules, preventiveID)
	if err != nil {
		return nil, fmt.Errorf("LoadCase: range action %q: %w", js.ID, err)
	}
	return ra, nil
}

func networkActionFromJSON(js networkActionJSON, preventiveID string) (*model.NetworkAction, error) {
	na := &model.NetworkAction{ID: js.ID, Name: js.Name, Operator: js.Operator, Countries: js.Countries}
	for _, a := range js.Actions {
		var kind model.ElementaryActionKind
		switch strings.ToUpper(a.Type) {
		case "TOPOLOGY", "":
			kind = model.TopologyAction
		case "PST_SETPOINT":
			kind = model.PstSetpointAction
		case "INJECTION_SETPOINT":
			kind = model.InjectionSetpointAction
		default:
			return nil, fmt.Errorf("LoadCase: network action %q: unknown action type %q", js.ID, a.Type)
		}
		na.Elementary = append(na.Elementary, model.ElementaryAction{
			Kind:             kind,
			NetworkElementID: a.Element,
			Open:             a.Open,
			Tap:              a.Tap,
			Setpoint:         a.Setpoint,
		})
	}
	var err error
	na.UsageRules, err = usageRulesFromJSON(js.UsageRules, preventiveID)
	if err != nil {
		return nil, fmt.Errorf("LoadCase: network action %q: %w", js.ID, err)
	}
	return na, nil
}

// usageRulesFromJSON defaults to a free-to-use preventive rule when no rule is
// given.
func usageRulesFromJSON(rules []usageRuleJSON, preventiveID string) ([]model.UsageRule, error) {
	if len(rules) == 0 {
		return []model.UsageRule{{Kind: model.OnInstant, Method: model.Available, InstantID: preventiveID}}, nil
	}
	res := make([]model.UsageRule, 0, len(rules))
	for _, r := range rules {
		rule := model.UsageRule{
			InstantID:     r.Instant,
			ContingencyID: r.Contingency,
			CnecID:        r.Cnec,
			Country:       r.Country,
		}
		switch strings.ToUpper(r.Kind) {
		case "ON_INSTANT", "":
			rule.Kind = model.OnInstant
		case "ON_CONTINGENCY_STATE":
			rule.Kind = model.OnContingencyState
		case "ON_CONSTRAINT", "ON_FLOW_CONSTRAINT":
			rule.Kind = model.OnConstraint
		case "ON_FLOW_CONSTRAINT_IN_COUNTRY":
			rule.Kind = model.OnFlowConstraintInCountry
		default:
			return nil, fmt.Errorf("unknown usage rule kind %q", r.Kind)
		}
		switch strings.ToUpper(r.Method) {
		case "AVAILABLE", "":
			rule.Method = model.Available
		case "FORCED":
			rule.Method = model.Forced
		case "UNAVAILABLE":
			rule.Method = model.Unavailable
		default:
			return nil, fmt.Errorf("unknown usage method %q", r.Method)
		}
		res = append(res, rule)
	}
	return res, nil
}

func orEmpty(m map[string]float64) map[string]float64 {
	if m == nil {
		return make(map[string]float64)
	}
	return m
}

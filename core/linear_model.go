package core

// LinearModel is a DC-like flow model: each CNEC flow is its reference flow
// plus the PTDF-weighted deviation of every element setpoint from its
// reference, an optional quadratic term, and the flow delta of every opened
// topology element.
type LinearModel struct {
	ReferenceFlows     map[string]float64
	ReferenceSetpoints map[string]float64

	// Ptdfs and Quadratic are indexed by element id then CNEC id.
	Ptdfs     map[string]map[string]float64
	Quadratic map[string]map[string]float64

	// TopologyDeltas is indexed by opened element id then CNEC id.
	TopologyDeltas map[string]map[string]float64

	ZonalPtdfSums   map[string]float64
	CommercialFlows map[string]float64

	// FailingContingencies makes the flow computation diverge for every
	// state of these contingencies.
	FailingContingencies map[string]bool
}

// Flow returns the flow of a CNEC on the given network variant.
func (m *LinearModel) Flow(n *Network, cnecID string) float64 {
	flow := m.ReferenceFlows[cnecID]
	for el, row := range m.Ptdfs {
		if ptdf, ok := row[cnecID]; ok {
			flow += ptdf * m.deviation(n, el)
		}
	}
	for el, row := range m.Quadratic {
		if q, ok := row[cnecID]; ok {
			d := m.deviation(n, el)
			flow += q * d * d
		}
	}
	for _, el := range n.OpenElements() {
		flow += m.TopologyDeltas[el][cnecID]
	}
	return flow
}

// Derivative returns d(flow)/d(setpoint of element) at the current operating
// point.
func (m *LinearModel) Derivative(n *Network, elementID, cnecID string) float64 {
	d := m.Ptdfs[elementID][cnecID]
	if q, ok := m.Quadratic[elementID][cnecID]; ok {
		d += 2 * q * m.deviation(n, elementID)
	}
	return d
}

func (m *LinearModel) deviation(n *Network, elementID string) float64 {
	v, ok := n.Setpoint(elementID)
	if !ok {
		return 0
	}
	return v - m.ReferenceSetpoints[elementID]
}

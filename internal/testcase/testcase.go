// Package testcase loads the small grid cases shared by the optimisation
// tests.
package testcase

import (
	"bytes"
	"embed"
	"testing"

	"github.com/signalsfoundry/rao/core"
)

//go:embed cases/*.json
var cases embed.FS

// Case names.
const (
	// TwoZone has a PST usable in preventive and curative, a topological
	// action, an MNEC and one contingency.
	TwoZone = "two_zone"
	// SinglePst has one preventive CNEC with 80 MW of margin and a PST of
	// 2 MW per degree with 0.5 degree taps.
	SinglePst = "single_pst"
	// GroupedPsts has two aligned PSTs, each relieving its own CNEC in
	// opposite directions.
	GroupedPsts = "grouped_psts"
	// PstAndMnec has a PST that relieves a CNEC while loading an MNEC past
	// its threshold.
	PstAndMnec = "pst_and_mnec"
	// InjectionPair has two injection range actions with different
	// sensitivities on one CNEC.
	InjectionPair = "injection_pair"
	// TopologyChoice has a root margin of 100 MW and two topological
	// actions leading to 95 and 120 MW.
	TopologyChoice = "topology_choice"
)

// Raw returns the JSON of a case.
func Raw(tb testing.TB, name string) []byte {
	tb.Helper()
	data, err := cases.ReadFile("cases/" + name + ".json")
	if err != nil {
		tb.Fatalf("read case %s: %v", name, err)
	}
	return data
}

// Load parses a case.
func Load(tb testing.TB, name string) *core.Case {
	tb.Helper()
	cs, err := core.LoadCase(bytes.NewReader(Raw(tb, name)))
	if err != nil {
		tb.Fatalf("load case %s: %v", name, err)
	}
	return cs
}

// LoadWithFailingContingencies parses a case and makes the flow model
// diverge for the given contingencies.
func LoadWithFailingContingencies(tb testing.TB, name string, contingencies ...string) *core.Case {
	tb.Helper()
	cs := Load(tb, name)
	for _, co := range contingencies {
		cs.Model.FailingContingencies[co] = true
	}
	return cs
}

package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot is the serialized form compared against golden files.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Origin       string       `json:"origin"`
	Trace        []TraceEvent `json:"trace"`
	Saves        []Exchange   `json:"saves"`
	Publishes    []Exchange   `json:"publishes"`
}

// RunWithGolden executes a scenario and compares the trace against a
// golden file in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns an error if scenario execution fails; trace mismatches fail
// the test through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}

	snapshot := TraceSnapshot{
		ScenarioName: scenario.Name,
		Origin:       result.Origin,
		Trace:        result.Trace,
		Saves:        result.Saves,
		Publishes:    result.Publishes,
	}
	// Empty and missing serialize differently; golden files always
	// show [] for no exchanges.
	if snapshot.Saves == nil {
		snapshot.Saves = []Exchange{}
	}
	if snapshot.Publishes == nil {
		snapshot.Publishes = []Exchange{}
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)

	return result, nil
}

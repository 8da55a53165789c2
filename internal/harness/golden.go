package harness

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// FormatTrace renders a result as the plain-text trace stored in golden
// files:
//
//	scenario: offline_round_trip
//	[1] offline
//	  001 offline_mode_enabled
//	  002 status_updated status=idle mode=offline queued=0
//	[2] sync
//	  ! NETWORK: force_sync: ...
func FormatTrace(name string, r *Result) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "scenario: %s\n", name)
	for i, step := range r.Steps {
		fmt.Fprintf(&buf, "[%d] %s\n", i+1, step.Label)
		for _, ev := range step.Events {
			fmt.Fprintf(&buf, "  %03d %s", ev.Seq, ev.Event)
			if ev.Detail != "" {
				fmt.Fprintf(&buf, " %s", ev.Detail)
			}
			buf.WriteByte('\n')
		}
		if step.Error != "" {
			fmt.Fprintf(&buf, "  ! %s\n", step.Error)
		}
	}
	return buf.Bytes()
}

// RunWithGolden executes a scenario and compares the trace against a golden
// file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// The result is returned so callers can check expectations too. Test
// failure (via goldie) occurs if the trace doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, FormatTrace(scenarioName, result))
}

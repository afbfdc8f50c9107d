package harness

import (
	"sort"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/batchanchor/internal/canon"
)

// TraceSnapshot is the golden form of a scenario trace.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// Canonical serializes the snapshot with the record canonicalization, so
// golden files are byte-stable: sorted keys, no whitespace, empty fields
// left out.
func (s *TraceSnapshot) Canonical() ([]byte, error) {
	trace := make(canon.Array, len(s.Trace))
	for i, ev := range s.Trace {
		obj := canon.Object{
			"seq": canon.Int(ev.Seq),
			"op":  canon.String(ev.Op),
		}
		for k, v := range map[string]string{
			"run_id":   ev.RunID,
			"batch_id": ev.BatchID,
			"outcome":  ev.Outcome,
			"tx_ref":   ev.TxRef,
			"status":   ev.Status,
			"event":    ev.Event,
			"now":      ev.Now,
			"error":    ev.Error,
		} {
			if v != "" {
				obj[k] = canon.String(v)
			}
		}
		if ev.Count != 0 {
			obj["count"] = canon.Int(ev.Count)
		}
		if len(ev.Recovered) > 0 {
			rec := canon.Object{}
			ids := make([]string, 0, len(ev.Recovered))
			for id := range ev.Recovered {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				rec[id] = canon.String(ev.Recovered[id])
			}
			obj["recovered"] = rec
		}
		trace[i] = obj
	}
	return canon.Marshal(canon.Object{
		"scenario_name": canon.String(s.ScenarioName),
		"trace":         trace,
	})
}

// RunWithGolden executes a scenario under t.TempDir(), fails t on any
// unmet expectation, and compares the trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(scenario, t.TempDir())
	if err != nil {
		t.Fatalf("run scenario %s: %v", scenario.Name, err)
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	AssertGolden(t, scenario.Name, result)
	return result
}

// AssertGolden compares a result's trace against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	snapshot := TraceSnapshot{ScenarioName: name, Trace: result.Trace}
	data, err := snapshot.Canonical()
	if err != nil {
		t.Fatalf("canonical trace: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}

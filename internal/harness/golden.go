package harness

import (
	"maps"
	"slices"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/cellsync/internal/cell"
)

// Snapshot is the part of a run compared against golden files: the
// conflict trace and each replica's final cells and open conflict counts.
type Snapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	Replicas     map[string]*ReplicaState
}

// toCanonicalMap converts a Snapshot to a map[string]any for canonical JSON
// serialization, which only handles plain maps, slices and scalars.
func (s *Snapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"type":    ev.Type,
			"step":    ev.Step,
			"replica": ev.Replica,
			"monitor": ev.Monitor,
			"kind":    ev.Kind,
			"cell":    ev.Cell,
		}
		if ev.Reason != "" {
			m["reason"] = ev.Reason
		}
		if ev.RemoteUser != "" {
			m["remote_user"] = ev.RemoteUser
		}
		trace[i] = m
	}

	replicas := make(map[string]any, len(s.Replicas))
	for _, name := range slices.Sorted(maps.Keys(s.Replicas)) {
		st := s.Replicas[name]
		cells := make(map[string]any, len(st.Cells))
		for ref, fields := range st.Cells {
			cells[ref] = map[string]any(maps.Clone(fields))
		}
		open := make(map[string]any, len(st.Open))
		for m, n := range st.Open {
			open[m] = n
		}
		replicas[name] = map[string]any{
			"cells": cells,
			"open":  open,
		}
	}

	return map[string]any{
		"scenario": s.ScenarioName,
		"trace":    trace,
		"replicas": replicas,
	}
}

// MarshalSnapshot renders a result as canonical JSON.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	snap := Snapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		Replicas:     result.Replicas,
	}
	return cell.MarshalCanonical(snap.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}

package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellsync/internal/cell"
)

const minimalScenario = `
name: minimal
description: "One edit on one replica"
replicas:
  - { name: alice, client: 1 }
steps:
  - { replica: alice, set: { cell: B2, value: 3 } }
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	content := `
name: test_scenario
description: "Test scenario for validation"
sheet: Data
mode: formula+value
max_op_records_per_user: 10
max_op_record_age: 1h
ignored_origins: [restore]
replicas:
  - name: alice
    client: 1
  - name: bob
    client: 2
    monitors: [value]
steps:
  - replica: alice
    set:
      cell: A1
      formula: "=B1*2"
  - replica: bob
    move: { from: A1, to: Other!C3 }
  - sync: [alice, bob]
  - resolve: { replica: alice, monitor: formula, index: 0, choose: remote }
  - advance: 10m
  - { replica: alice, restart: true }
  - { replica: bob, prune: true }
assertions:
  - type: conflict
    replica: alice
    kind: formula
    cell: A1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", s.Name)
	assert.Equal(t, "Data", s.Sheet)
	assert.Equal(t, "formula+value", s.Mode)
	assert.Equal(t, 10, s.MaxOpRecordsPerUser)
	assert.Equal(t, "1h", s.MaxOpRecordAge)
	assert.Equal(t, []string{"restore"}, s.IgnoredOrigins)
	require.Len(t, s.Replicas, 2)
	assert.Equal(t, []string{"value"}, s.Replicas[1].Monitors)
	require.Len(t, s.Steps, 7)
	assert.Equal(t, "=B1*2", s.Steps[0].Set.Formula)
	assert.Equal(t, "Other!C3", s.Steps[1].Move.To)
	assert.Equal(t, []string{"alice", "bob"}, s.Steps[2].Sync)
	assert.Equal(t, "remote", s.Steps[3].Resolve.Choose)
	assert.Equal(t, "10m", s.Steps[4].Advance)
	assert.True(t, s.Steps[5].Restart)
	assert.True(t, s.Steps[6].Prune)
	require.Len(t, s.Assertions, 1)
	assert.Equal(t, AssertConflict, s.Assertions[0].Type)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "step: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "missing name",
			content: "description: d\nreplicas: [{name: a, client: 1}]\nsteps: [{advance: 1s}]\n",
			want:    "name is required",
		},
		{
			name:    "missing description",
			content: "name: n\nreplicas: [{name: a, client: 1}]\nsteps: [{advance: 1s}]\n",
			want:    "description is required",
		},
		{
			name:    "no replicas",
			content: "name: n\ndescription: d\nsteps: [{advance: 1s}]\n",
			want:    "replicas list is required",
		},
		{
			name:    "duplicate client",
			content: "name: n\ndescription: d\nreplicas: [{name: a, client: 1}, {name: b, client: 1}]\nsteps: [{advance: 1s}]\n",
			want:    "duplicate client",
		},
		{
			name:    "unknown monitor",
			content: "name: n\ndescription: d\nreplicas: [{name: a, client: 1, monitors: [cells]}]\nsteps: [{advance: 1s}]\n",
			want:    "unknown monitor",
		},
		{
			name:    "unknown mode",
			content: "name: n\ndescription: d\nmode: everything\nreplicas: [{name: a, client: 1}]\nsteps: [{advance: 1s}]\n",
			want:    "unknown mode",
		},
		{
			name:    "no steps",
			content: "name: n\ndescription: d\nreplicas: [{name: a, client: 1}]\n",
			want:    "steps list is required",
		},
		{
			name:    "two actions",
			content: "name: n\ndescription: d\nreplicas: [{name: a, client: 1}]\nsteps: [{advance: 1s, prune: true, replica: a}]\n",
			want:    "exactly one action",
		},
		{
			name:    "unknown replica",
			content: "name: n\ndescription: d\nreplicas: [{name: a, client: 1}]\nsteps: [{replica: z, clear: A1}]\n",
			want:    "unknown replica",
		},
		{
			name:    "bad cell",
			content: "name: n\ndescription: d\nreplicas: [{name: a, client: 1}]\nsteps: [{replica: a, clear: \"1A\"}]\n",
			want:    "malformed cell key",
		},
		{
			name:    "sync alone",
			content: "name: n\ndescription: d\nreplicas: [{name: a, client: 1}]\nsteps: [{sync: [a]}]\n",
			want:    "at least two replicas",
		},
		{
			name:    "resolve without choice",
			content: "name: n\ndescription: d\nreplicas: [{name: a, client: 1}]\nsteps: [{resolve: {replica: a, monitor: value}}]\n",
			want:    "choose or value",
		},
		{
			name:    "bad advance",
			content: "name: n\ndescription: d\nreplicas: [{name: a, client: 1}]\nsteps: [{advance: soon}]\n",
			want:    "advance",
		},
		{
			name:    "unknown assertion",
			content: "name: n\ndescription: d\nreplicas: [{name: a, client: 1}]\nsteps: [{advance: 1s}]\nassertions: [{type: trace_order}]\n",
			want:    "unknown assertion type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestScenario_Key(t *testing.T) {
	s := &Scenario{}
	key, err := s.key("B3")
	require.NoError(t, err)
	assert.Equal(t, cell.Key(DefaultSheet, 2, 1), key)

	key, err = s.key("Other!A1")
	require.NoError(t, err)
	assert.Equal(t, cell.Key("Other", 0, 0), key)

	s.Sheet = "Data"
	key, err = s.key("A2")
	require.NoError(t, err)
	assert.Equal(t, cell.Key("Data", 1, 0), key)

	_, err = s.key("")
	assert.Error(t, err)
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenario(path)
			require.NoError(t, err)
		})
	}
}

package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_File(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/per_key_last_issued_wins.yaml")
	require.NoError(t, err)
	assert.Equal(t, "per_key_last_issued_wins", s.Name)
	require.Len(t, s.Steps, 5)
	assert.Equal(t, "update", s.Steps[0].Action())
	assert.Equal(t, "event", s.Steps[3].Action())
	assert.Equal(t, "release", s.Steps[4].Action())
}

func TestLoadScenario_Missing(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: typo
description: d
step:
  - update: {as: m1, id: t1, set: {a: 1}}
`), 0o644))
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing name", "description: d\nsteps: [{event: {kind: delete, id: x}}]", "name is required"},
		{"missing description", "name: n\nsteps: [{event: {kind: delete, id: x}}]", "description is required"},
		{"no steps", "name: n\ndescription: d", "steps list is required"},
		{"bad serialization", "name: n\ndescription: d\nserialization: eventually\nsteps: [{event: {kind: delete, id: x}}]", "serialization"},
		{"two actions", "name: n\ndescription: d\nsteps: [{event: {kind: delete, id: x}, remove: {as: r, id: x}}]", "exactly one action"},
		{"missing alias", "name: n\ndescription: d\nsteps: [{remove: {id: x}}]", "as is required"},
		{"duplicate alias", "name: n\ndescription: d\nsteps: [{remove: {as: r, id: x}}, {remove: {as: r, id: y}}]", "declared twice"},
		{"insert without id", "name: n\ndescription: d\nsteps: [{insert: {as: r, item: {title: x}}}]", "item with an id"},
		{"update without set", "name: n\ndescription: d\nsteps: [{update: {as: r, id: x}}]", "set is required"},
		{"bad event kind", "name: n\ndescription: d\nsteps: [{event: {kind: upsert, item: {id: x}}}]", "upsert"},
		{"release before issue", "name: n\ndescription: d\nsteps: [{release: {mutation: m}}]", "unknown mutation"},
		{"bad error kind", "name: n\ndescription: d\nsteps: [{remove: {as: r, id: x}}, {release: {mutation: r, error: boom}}]", "unknown error kind"},
		{"bad assertion", "name: n\ndescription: d\nsteps: [{event: {kind: delete, id: x}}]\nassertions: [{type: eventually}]", "unknown assertion type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

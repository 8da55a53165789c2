package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	content := `
name: test_scenario
description: "Test scenario for validation"
strategy: merge
steps:
  - do: offline
  - do: add
    title: Dune
    author: Herbert
    fields:
      rating: 4
  - do: resolve
    id: op-1
    keep: local
  - do: remote_fail
    code: NETWORK
    times: 2
expect:
  queue_len: 1
  books:
    - { id: offline_1, rating: 4, offline: true }
  remote_books: []
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "test_scenario", s.Name)
	assert.Equal(t, "merge", s.Strategy)
	require.Len(t, s.Steps, 4)
	assert.Equal(t, StepAdd, s.Steps[1].Do)
	assert.Equal(t, 4, s.Steps[1].Fields["rating"])
	assert.Equal(t, 2, s.Steps[3].Times)

	require.NotNil(t, s.Expect.QueueLen)
	assert.Equal(t, 1, *s.Expect.QueueLen)
	require.Len(t, s.Expect.Books, 1)
	assert.Equal(t, 4, *s.Expect.Books[0].Rating)
	assert.True(t, *s.Expect.Books[0].Offline)
	assert.Nil(t, s.Expect.Books[0].Notes)
	assert.NotNil(t, s.Expect.RemoteBooks, "an empty list is still checked")
	assert.Empty(t, s.Expect.RemoteBooks)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: "misspelled key"
step:
  - do: offline
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing name", "description: d\nsteps: [{do: offline}]", "name is required"},
		{"missing description", "name: n\nsteps: [{do: offline}]", "description is required"},
		{"no steps", "name: n\ndescription: d", "steps list is required"},
		{"bad strategy", "name: n\ndescription: d\nstrategy: newest\nsteps: [{do: offline}]", "strategy"},
		{"missing do", "name: n\ndescription: d\nsteps: [{id: x}]", "steps[0]: do is required"},
		{"unknown step", "name: n\ndescription: d\nsteps: [{do: reboot}]", `unknown step "reboot"`},
		{"add without author", "name: n\ndescription: d\nsteps: [{do: add, title: Dune}]", "title and author are required"},
		{"update without fields", "name: n\ndescription: d\nsteps: [{do: update, id: \"1\"}]", "fields are required"},
		{"delete without id", "name: n\ndescription: d\nsteps: [{do: delete}]", "id is required for delete"},
		{"bad decision", "name: n\ndescription: d\nsteps: [{do: resolve, id: op-1, keep: both}]", "keep"},
		{"bad code", "name: n\ndescription: d\nsteps: [{do: remote_fail, code: TIMEOUT}]", `unknown error code "TIMEOUT"`},
		{"negative times", "name: n\ndescription: d\nsteps: [{do: remote_fail, code: NETWORK, times: -1}]", "times must not be negative"},
		{"negative queue", "name: n\ndescription: d\nsteps: [{do: sync}]\nexpect: {queue_len: -1}", "queue_len"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid scenario")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

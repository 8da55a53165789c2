package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const toggleScenario = `
name: toggle
description: "drop and restore the connection"
steps:
  - do: offline
  - do: online
expect:
  queue_len: 0
`

// writeScenarioTree lays out <tmp>/scenarios and returns the scenarios
// directory and its sibling golden directory.
func writeScenarioTree(t *testing.T, files map[string]string) (string, string) {
	t.Helper()
	root := t.TempDir()
	scenariosDir := filepath.Join(root, "scenarios")
	require.NoError(t, os.MkdirAll(scenariosDir, 0755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(scenariosDir, name), []byte(content), 0644))
	}
	return scenariosDir, filepath.Join(root, "golden")
}

func executeTest(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := executeTest(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := executeTest(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenarios directory not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	scenariosDir, _ := writeScenarioTree(t, nil)

	out, err := executeTest(t, "text", scenariosDir)
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	scenariosDir, _ := writeScenarioTree(t, nil)

	out, err := executeTest(t, "json", scenariosDir)
	require.NoError(t, err)

	var response CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "ok", response.Status)
}

func TestTestCommandUpdateThenCompare(t *testing.T) {
	scenariosDir, goldenDir := writeScenarioTree(t, map[string]string{"toggle.yaml": toggleScenario})

	out, err := executeTest(t, "text", scenariosDir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ toggle")

	golden, err := os.ReadFile(filepath.Join(goldenDir, "toggle.golden"))
	require.NoError(t, err)
	assert.Contains(t, string(golden), "scenario: toggle")
	assert.Contains(t, string(golden), "online_mode_enabled")

	out, err = executeTest(t, "text", scenariosDir)
	require.NoError(t, err)
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	scenariosDir, goldenDir := writeScenarioTree(t, map[string]string{"toggle.yaml": toggleScenario})
	require.NoError(t, os.MkdirAll(goldenDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(goldenDir, "toggle.golden"), []byte("scenario: toggle\n"), 0644))

	out, err := executeTest(t, "text", scenariosDir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ toggle")
	assert.Contains(t, out, "does not match golden file")
}

func TestTestCommandFailedExpectationJSON(t *testing.T) {
	scenariosDir, _ := writeScenarioTree(t, map[string]string{"queued.yaml": `
name: queued
description: "an offline add stays queued"
steps:
  - do: offline
  - do: add
    title: Dune
    author: Herbert
expect:
  queue_len: 0
`})

	out, err := executeTest(t, "json", scenariosDir)
	require.Error(t, err)

	var response CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "error", response.Status)
	require.NotNil(t, response.Error)
	assert.Equal(t, ExitFailure, response.Error.Code)
	assert.Equal(t, "1 scenario(s) failed", response.Error.Message)
}

func TestTestCommandInvalidScenarioFile(t *testing.T) {
	scenariosDir, _ := writeScenarioTree(t, map[string]string{"broken.yaml": "name: broken\n"})

	out, err := executeTest(t, "text", scenariosDir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommandBundledScenarios(t *testing.T) {
	out, err := executeTest(t, "text", filepath.Join("..", "harness", "testdata", "scenarios"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "0 failed")
}

func TestTestHelpText(t *testing.T) {
	out, err := executeTest(t, "text", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "--update")
	assert.Contains(t, out, "--filter")
	assert.Contains(t, out, "--golden")
	assert.Contains(t, out, "scenarios-dir")
}

func TestFindScenarioFiles(t *testing.T) {
	tmpDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test1.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test2.yml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ignore.txt"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestFindScenarioFilesWithFilter(t *testing.T) {
	tmpDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "conflict_merge.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "conflict_client_wins.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "offline_round_trip.yaml"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "conflict_*")
	require.NoError(t, err)
	assert.Len(t, files, 2)
	for _, f := range files {
		assert.Contains(t, filepath.Base(f), "conflict_")
	}

	_, err = findScenarioFiles(tmpDir, "[")
	require.Error(t, err)
}

func TestFindScenarioFilesSubdirectories(t *testing.T) {
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "subdir")
	require.NoError(t, os.MkdirAll(subDir, 0755))

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "root.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(subDir, "sub.yaml"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

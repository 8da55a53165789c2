package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelfsync/internal/book"
	"github.com/roach88/shelfsync/internal/coordinator"
	"github.com/roach88/shelfsync/internal/engine"
	"github.com/roach88/shelfsync/internal/op"
	"github.com/roach88/shelfsync/internal/syncerr"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]string{"result": "success"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	require.NoError(t, formatter.Error(ExitNetwork, "sync incomplete", nil))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ExitNetwork, resp.Error.Code)
	assert.Equal(t, "sync incomplete", resp.Error.Message)
}

func TestOutputFormatter_TextSuccessUsesStringer(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success(bookView{ID: "offline_1", Title: "Dune", Author: "Herbert", Rating: 3, Offline: true}))
	assert.Equal(t, "offline_1  Dune by Herbert *** (pending sync)\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error(ExitFailure, "add failed", map[string]string{"id": "1"}))
	assert.Contains(t, buf.String(), "Error [1]: add failed")
	assert.NotContains(t, buf.String(), "Details:")

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Error(ExitFailure, "add failed", map[string]string{"id": "1"}))
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, diag := &bytes.Buffer{}, &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    out,
				ErrWriter: diag,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("Draining %d operations", 3)

			assert.Empty(t, out.String(), "diagnostics never corrupt JSON output")
			if tt.wantLog {
				assert.Contains(t, diag.String(), "Draining 3 operations")
			} else {
				assert.Empty(t, diag.String())
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.ErrOffline, ExitNetwork},
		{syncerr.New(syncerr.CodeNetwork, "force_sync", "connection lost"), ExitNetwork},
		{syncerr.New(syncerr.CodeAuth, "force_sync", "sign in again"), ExitAuth},
		{syncerr.New(syncerr.CodeConflict, "force_sync", "1 conflict"), ExitConflict},
		{fmt.Errorf("%w: rating", book.ErrInvalid), ExitCommandError},
		{coordinator.ErrDuplicate, ExitFailure},
		{errors.New("boom"), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := classify("failed", tt.err)
			assert.Equal(t, tt.want, GetExitCode(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitAuth, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitAuth, "sign in"))))
}

func TestStatusView_Text(t *testing.T) {
	v := statusView{OfflineStatus: engine.OfflineStatus{
		IsOffline:        true,
		QueuedOperations: 3,
		OperationsByType: map[op.Type]int{op.Update: 1, op.Create: 2},
		Status:           engine.StatusIdle,
		Mode:             engine.ModeOffline,
	}}
	text := v.String()
	assert.Contains(t, text, "Connectivity:      offline")
	assert.Contains(t, text, "Queued operations: 3 (2 CREATE, 1 UPDATE)")
}

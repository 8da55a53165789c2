package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/shelfsync/internal/conflict"
	"github.com/roach88/shelfsync/internal/engine"
	"github.com/roach88/shelfsync/internal/op"
)

// message is a plain confirmation line.
type message string

func (m message) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"message": string(m)})
}

// statusView renders the offline indicator.
type statusView struct {
	engine.OfflineStatus
	Conflicts []conflict.Conflict `json:"conflicts,omitempty"`
}

func (s statusView) String() string {
	var sb strings.Builder
	connectivity := "online"
	if s.IsOffline {
		connectivity = "offline"
	}
	fmt.Fprintf(&sb, "Connectivity:      %s\n", connectivity)
	fmt.Fprintf(&sb, "Sync status:       %s (%s)\n", s.Status, s.Mode)
	fmt.Fprintf(&sb, "Queued operations: %d", s.QueuedOperations)
	if s.QueuedOperations > 0 {
		fmt.Fprintf(&sb, " (%s)", countsByType(s.OperationsByType))
	}
	for _, c := range s.Conflicts {
		fmt.Fprintf(&sb, "\nConflict:          op %s on record %s needs a decision", c.OperationID, c.TargetID)
	}
	return sb.String()
}

func countsByType(counts map[op.Type]int) string {
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%d %s", counts[op.Type(t)], t))
	}
	return strings.Join(parts, ", ")
}

// syncReport renders one drain.
type syncReport struct {
	Successful int                 `json:"successful"`
	Failed     int                 `json:"failed"`
	Conflicts  int                 `json:"conflicts"`
	Retried    int                 `json:"retried"`
	Deferred   int                 `json:"deferred"`
	Remaining  int                 `json:"remaining"`
	Pending    []conflict.Conflict `json:"pendingConflicts,omitempty"`
}

func newSyncReport(res engine.Result, pending []conflict.Conflict) syncReport {
	return syncReport{
		Successful: res.Successful,
		Failed:     res.Failed,
		Conflicts:  res.Conflicts,
		Retried:    res.Retried,
		Deferred:   res.Deferred,
		Remaining:  res.Remaining,
		Pending:    pending,
	}
}

func (r syncReport) String() string {
	line := fmt.Sprintf("Synced %d, failed %d, conflicts %d, retrying %d, remaining %d.",
		r.Successful, r.Failed, r.Conflicts, r.Retried, r.Remaining)
	for _, c := range r.Pending {
		line += fmt.Sprintf("\n  shelf resolve %s --keep local|server|merge   (record %s)", c.OperationID, c.TargetID)
	}
	return line
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and queued operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr(), oneShot)
			if err != nil {
				return err
			}
			defer a.Close()

			return opts.formatter(cmd).Success(statusView{
				OfflineStatus: a.engine.OfflineStatus(),
				Conflicts:     a.engine.PendingConflicts(),
			})
		},
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued operations against the remote",
		Long: `Replay queued operations against the remote collection now.

Exit codes:
  0  queue drained
  3  offline or connection lost; operations stay queued
  4  no usable session; sign in again
  5  conflicts need a decision (see "shelf resolve")`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr(), oneShot)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.coord.ForceSync(cmd.Context())
			if errors.Is(err, engine.ErrSyncInProgress) {
				return classify("sync already running", err)
			}
			report := newSyncReport(res, a.engine.PendingConflicts())
			if outErr := opts.formatter(cmd).Success(report); outErr != nil {
				return outErr
			}
			if err != nil {
				return classify("sync incomplete", err)
			}
			if res.Failed > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d operation(s) failed permanently", res.Failed))
			}
			return nil
		},
	}
}

// NewClearCommand creates the clear command.
func NewClearCommand(opts *RootOptions) *cobra.Command {
	var queueOnly, cache bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard queued operations or all offline data",
		Long: `Discard local state.

  --queue  drop queued operations; cached records are kept
  --cache  drop queued operations and the offline snapshot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !queueOnly && !cache {
				return NewExitError(ExitCommandError, "nothing to clear: give --queue or --cache")
			}

			a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr(), oneShot)
			if err != nil {
				return err
			}
			defer a.Close()

			if cache {
				if err := a.engine.ClearOfflineData(cmd.Context()); err != nil {
					return classify("clear failed", err)
				}
				return opts.formatter(cmd).Success(message("Offline data cleared."))
			}
			if err := a.engine.ClearQueue(cmd.Context()); err != nil {
				return classify("clear failed", err)
			}
			return opts.formatter(cmd).Success(message("Queue cleared."))
		},
	}
	cmd.Flags().BoolVar(&queueOnly, "queue", false, "clear queued operations")
	cmd.Flags().BoolVar(&cache, "cache", false, "clear queued operations and cached records")
	return cmd
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(opts *RootOptions) *cobra.Command {
	var keep string
	cmd := &cobra.Command{
		Use:   "resolve <op-id>",
		Short: "Decide a conflict waiting for user choice",
		Long: `Decide a conflict between a queued update and a newer server version.

  --keep local   write the queued values over the server
  --keep server  drop the queued update and keep the server version
  --keep merge   write the server version with the queued fields on top

Example:
  shelf resolve 0190f2c4-... --keep merge`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := conflict.ParseDecision(keep)
			if err != nil {
				return classify("invalid --keep", err)
			}

			a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr(), oneShot)
			if err != nil {
				return err
			}
			defer a.Close()

			// Conflicts are held in memory; a drain re-detects them.
			if !held(a.engine.PendingConflicts(), args[0]) {
				if _, err := a.engine.SyncPendingOperations(cmd.Context()); err != nil {
					return classify("cannot check for conflicts", err)
				}
			}
			if err := a.coord.ResolveConflict(cmd.Context(), args[0], d); err != nil {
				if errors.Is(err, engine.ErrNoConflict) {
					return WrapExitError(ExitFailure, "no conflict awaiting a decision", err)
				}
				return classify("resolve failed", err)
			}
			return opts.formatter(cmd).Success(statusView{
				OfflineStatus: a.engine.OfflineStatus(),
				Conflicts:     a.engine.PendingConflicts(),
			})
		},
	}
	cmd.Flags().StringVar(&keep, "keep", "", "which version to keep (local|server|merge)")
	_ = cmd.MarkFlagRequired("keep")
	return cmd
}

func held(conflicts []conflict.Conflict, opID string) bool {
	for _, c := range conflicts {
		if c.OperationID == opID {
			return true
		}
	}
	return false
}

package engine

import (
	"github.com/roach88/shelfsync/internal/book"
	"github.com/roach88/shelfsync/internal/conflict"
	"github.com/roach88/shelfsync/internal/dedup"
	"github.com/roach88/shelfsync/internal/op"
)

// Event is one notification from the engine. The set of events is closed:
// only the types in this file implement it.
type Event interface {
	// Name returns the wire name of the event.
	Name() string
	isEvent()
}

// Event wire names.
const (
	NameOfflineModeEnabled         = "offline_mode_enabled"
	NameOnlineModeEnabled          = "online_mode_enabled"
	NameStatusUpdated              = "status_updated"
	NameOperationQueued            = "operation_queued"
	NameSyncCompleted              = "sync_completed"
	NameSyncSkipped                = "sync_skipped"
	NameConflictRequiresResolution = "conflict_requires_resolution"
	NameOfflineDataCleared         = "offline_data_cleared"
	NameQueueCleared               = "queue_cleared"
	NameOperationFailed            = "operation_failed"
	NameRecordConfirmed            = "record_confirmed"
	NameConflictResolved           = "conflict_resolved"
)

// Skip reasons carried by SyncSkipped.
const (
	SkipNoSession = "no_session"
	SkipOffline   = "offline"
)

type OfflineModeEnabled struct{}

type OnlineModeEnabled struct{}

// StatusUpdated reports a change of sync status or mode.
type StatusUpdated struct {
	Status           Status `json:"status"`
	Mode             Mode   `json:"mode"`
	QueuedOperations int    `json:"queuedOperations"`
}

// OperationQueued reports that an operation entered the queue.
type OperationQueued struct {
	Operation   op.Operation  `json:"operation"`
	Outcome     dedup.Outcome `json:"outcome"`
	QueueLength int           `json:"queueLength"`
}

// SyncCompleted summarizes a drain.
type SyncCompleted struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Conflicts  int `json:"conflicts"`
}

// SyncSkipped reports a drain that did not run.
type SyncSkipped struct {
	Reason string `json:"reason"`
}

// ConflictRequiresResolution reports a user_choice conflict. The operation
// stays queued until ResolveConflict supplies a decision.
type ConflictRequiresResolution struct {
	Operation op.Operation      `json:"operation"`
	Conflict  conflict.Conflict `json:"conflict"`
}

type OfflineDataCleared struct{}

type QueueCleared struct{}

// OperationFailed reports an operation dropped after exhausting its retries.
type OperationFailed struct {
	Operation op.Operation `json:"operation"`
	Error     string       `json:"error"`
}

// RecordConfirmed reports that a temporary id now has an authoritative
// record.
type RecordConfirmed struct {
	TempID string    `json:"tempId"`
	Record book.Book `json:"record"`
}

// ConflictResolved reports how a conflict was settled.
type ConflictResolved struct {
	OperationID string            `json:"operationId"`
	TargetID    string            `json:"targetId"`
	Strategy    conflict.Strategy `json:"strategy"`
}

func (OfflineModeEnabled) Name() string         { return NameOfflineModeEnabled }
func (OnlineModeEnabled) Name() string          { return NameOnlineModeEnabled }
func (StatusUpdated) Name() string              { return NameStatusUpdated }
func (OperationQueued) Name() string            { return NameOperationQueued }
func (SyncCompleted) Name() string              { return NameSyncCompleted }
func (SyncSkipped) Name() string                { return NameSyncSkipped }
func (ConflictRequiresResolution) Name() string { return NameConflictRequiresResolution }
func (OfflineDataCleared) Name() string         { return NameOfflineDataCleared }
func (QueueCleared) Name() string               { return NameQueueCleared }
func (OperationFailed) Name() string            { return NameOperationFailed }
func (RecordConfirmed) Name() string            { return NameRecordConfirmed }
func (ConflictResolved) Name() string           { return NameConflictResolved }

func (OfflineModeEnabled) isEvent()         {}
func (OnlineModeEnabled) isEvent()          {}
func (StatusUpdated) isEvent()              {}
func (OperationQueued) isEvent()            {}
func (SyncCompleted) isEvent()              {}
func (SyncSkipped) isEvent()                {}
func (ConflictRequiresResolution) isEvent() {}
func (OfflineDataCleared) isEvent()         {}
func (QueueCleared) isEvent()               {}
func (OperationFailed) isEvent()            {}
func (RecordConfirmed) isEvent()            {}
func (ConflictResolved) isEvent()           {}

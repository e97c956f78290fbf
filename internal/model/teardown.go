package model

import "time"

type DeletionState string

const (
	DeletionStateRequested        DeletionState = "requested"
	DeletionStateValidating       DeletionState = "validating"
	DeletionStatePortsReleasing   DeletionState = "ports_releasing"
	DeletionStateWorktreeRemoving DeletionState = "worktree_removing"
	DeletionStateStateDeleting    DeletionState = "state_deleting"
	DeletionStateCompleted        DeletionState = "completed"
	DeletionStatePartialFailure   DeletionState = "partial_failure"
	DeletionStateNotFound         DeletionState = "not_found"
	DeletionStateRejected         DeletionState = "validation_error"
	DeletionStateFaulted          DeletionState = "internal_error"
)

type DeletionStatus string

const (
	DeletionStatusCompleted       DeletionStatus = "completed"
	DeletionStatusPartialFailure  DeletionStatus = "partial_failure"
	DeletionStatusNotFound        DeletionStatus = "not_found"
	DeletionStatusValidationError DeletionStatus = "validation_error"
	DeletionStatusInternalError   DeletionStatus = "internal_error"
)

type ResourceKind string

const (
	ResourcePorts    ResourceKind = "ports"
	ResourceWorktree ResourceKind = "worktree"
	ResourceStateDir ResourceKind = "state_dir"
)

type WorktreeMethod string

const (
	WorktreeMethodGit        WorktreeMethod = "git"
	WorktreeMethodPrune      WorktreeMethod = "prune"
	WorktreeMethodFilesystem WorktreeMethod = "filesystem"
	WorktreeMethodAbsent     WorktreeMethod = "absent"
)

type PortFailure struct {
	Port  int    `json:"port"`
	PID   int    `json:"pid,omitempty"`
	Error string `json:"error"`
}

type PortsResult struct {
	Released       bool          `json:"released"`
	ReleasedPorts  []int         `json:"released_ports"`
	TerminatedPIDs []int         `json:"terminated_pids,omitempty"`
	Failures       []PortFailure `json:"failures,omitempty"`
}

type WorktreeResult struct {
	Path     string         `json:"path,omitempty"`
	Removed  bool           `json:"removed"`
	Method   WorktreeMethod `json:"method,omitempty"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error,omitempty"`
}

type StateDirResult struct {
	Path      string `json:"path,omitempty"`
	Attempted bool   `json:"attempted"`
	Removed   bool   `json:"removed"`
	Error     string `json:"error,omitempty"`
}

// DeletionOutcome is the complete result of one deletion attempt. Every
// resource carries its own result even when others failed.
type DeletionOutcome struct {
	RunID           string         `json:"run_id"`
	Status          DeletionStatus `json:"status"`
	Ports           PortsResult    `json:"ports"`
	Worktree        WorktreeResult `json:"worktree"`
	StateDir        StateDirResult `json:"state_dir"`
	FailedResources []ResourceKind `json:"failed_resources,omitempty"`
	Error           string         `json:"error,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}

func (o DeletionOutcome) Succeeded() bool {
	return o.Status == DeletionStatusCompleted || o.Status == DeletionStatusNotFound
}

type LifecycleEventType string

const (
	LifecycleEventDeleted      LifecycleEventType = "deleted"
	LifecycleEventDeleteFailed LifecycleEventType = "delete_failed"
)

type LifecycleEvent struct {
	ID        string             `json:"id,omitempty"`
	Type      LifecycleEventType `json:"type"`
	RunID     string             `json:"run_id"`
	Detail    string             `json:"detail,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

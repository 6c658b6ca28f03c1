// Package model defines the core entities of the workflow engine: runs,
// steps, events, and the run_edges DAG relation. Fields mirror the
// Postgres schema in internal/store/migrations; JSON columns are kept
// opaque (json.RawMessage) at this boundary, per the blueprint contract.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether a status never transitions further.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	StepCreated   StepStatus = "CREATED"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// StepKind classifies the nature of a step's work.
type StepKind string

const (
	StepKindActionTask StepKind = "action_task"
	StepKindAgentTask  StepKind = "agent_task"
	StepKindGate       StepKind = "gate"
	StepKindTransform  StepKind = "transform"
)

// Priority bands, per the enqueue contract.
const (
	PriorityCritical = 0
	PriorityHigh     = 10
	PriorityNormal   = 50
	PriorityDefault  = 100
	PriorityBackground = 200
)

// Run is one enqueued execution of a named blueprint.
type Run struct {
	ID             uuid.UUID
	Name           string
	Status         RunStatus
	Actor          string
	CorrelationID  string
	Inputs         json.RawMessage
	Outputs        json.RawMessage
	Error          json.RawMessage
	Priority       int
	RunAt          *time.Time
	Attempt        int
	MaxAttempts    *int
	CreatedAt      time.Time
	QueuedAt       time.Time
	LockedAt       *time.Time
	LockedBy       *string
	LeaseExpiresAt *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ParentRunID    *uuid.UUID
}

// Step is one atomic, ordered unit of work inside a run.
type Step struct {
	ID             uuid.UUID
	RunID          uuid.UUID
	Name           string
	Idx            int
	Kind           StepKind
	Status         StepStatus
	Inputs         json.RawMessage
	Outputs        json.RawMessage
	Error          json.RawMessage
	LogsArtifactID *uuid.UUID
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Event is an immutable, append-only audit record.
type Event struct {
	ID            uuid.UUID
	EventName     string
	OccurredAt    time.Time
	EnvID         string
	Actor         string
	CorrelationID string
	RunID         *uuid.UUID
	StepID        *uuid.UUID
	ResourceType  *string
	ResourceID    *string
	Data          json.RawMessage
}

// RunEdge records a parent/child DAG relationship between two runs.
type RunEdge struct {
	ID          uuid.UUID
	ParentRunID uuid.UUID
	ChildRunID  uuid.UUID
	Relation    string
	ChildKey    *string
	CreatedAt   time.Time
}

// Event names emitted by the engine (spec.md §6).
const (
	EventRunSpawned     = "run.spawned"
	EventRunStarted     = "run.started"
	EventRunCompleted   = "run.completed"
	EventRunFailed      = "run.failed"
	EventStepStarted    = "step.started"
	EventStepProgress   = "step.progress"
	EventStepCompleted  = "step.completed"
	EventStepFailed     = "step.failed"
)

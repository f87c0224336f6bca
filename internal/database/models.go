package database

import (
	"database/sql"
	"time"
)

// =============================================================================
// CAPTURE MODELS
// =============================================================================

// Protocol is one handwriting capture session.
type Protocol struct {
	ID                int64          `json:"id"`
	ProjectID         int64          `json:"projectId"`
	TaskID            sql.NullInt64  `json:"taskId"`
	ParticipantID     sql.NullInt64  `json:"participantId"`
	Name              string         `json:"name"`
	Device            sql.NullString `json:"device"`
	RecordedAt        sql.NullTime   `json:"recordedAt"`
	PreviewStale      bool           `json:"previewStale"`
	PreviewGeneration int64          `json:"previewGeneration"`
	PreviewStaleSince time.Time      `json:"previewStaleSince"`
	PreviewRenderedAt sql.NullTime   `json:"previewRenderedAt"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// Text is a typed text belonging to a project, optionally tied to a protocol.
type Text struct {
	ID            int64         `json:"id"`
	ProjectID     int64         `json:"projectId"`
	TaskID        sql.NullInt64 `json:"taskId"`
	ParticipantID sql.NullInt64 `json:"participantId"`
	ProtocolID    sql.NullInt64 `json:"protocolId"`
	Content       string        `json:"content"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// =============================================================================
// CLONE RUN MODELS
// =============================================================================

// CloneRunStatus represents the status of a clone run.
type CloneRunStatus string

const (
	CloneStatusQueued    CloneRunStatus = "QUEUED"
	CloneStatusRunning   CloneRunStatus = "RUNNING"
	CloneStatusSucceeded CloneRunStatus = "SUCCEEDED"
	CloneStatusPartial   CloneRunStatus = "PARTIAL"
	CloneStatusFailed    CloneRunStatus = "FAILED"
)

// CloneRun is the queryable record of one clone run.
type CloneRun struct {
	ID              string         `json:"id"`
	Token           int64          `json:"token"`
	SourceProjectID int64          `json:"sourceProjectId"`
	TargetProjectID int64          `json:"targetProjectId"`
	Scope           string         `json:"scope"`
	Move            bool           `json:"move"`
	Status          CloneRunStatus `json:"status"`
	RequestedBy     sql.NullString `json:"requestedBy"`
	RequestedAt     time.Time      `json:"requestedAt"`
	StartedAt       sql.NullTime   `json:"startedAt"`
	CompletedAt     sql.NullTime   `json:"completedAt"`
	WorkflowID      sql.NullString `json:"workflowId"`
	TemporalRunID   sql.NullString `json:"temporalRunId"`
	CopiedProtocols int            `json:"copiedProtocols"`
	CopiedTexts     int            `json:"copiedTexts"`
	FailedUnits     int            `json:"failedUnits"`
	Error           sql.NullString `json:"error"`
}

// RunContextEntry is one versioned value stored for a run.
type RunContextEntry struct {
	RunID   string
	Key     string
	Value   []byte
	Version int64
}

package models

import "time"

// PipelineRun records one execution of a pipeline stage for a dataset
type PipelineRun struct {
	ID int64 `json:"id" db:"id"`

	Dataset string `json:"dataset" db:"dataset"`
	Stage   string `json:"stage" db:"stage"` // match, aggregate, qaqc

	Status        string `json:"status" db:"status"` // running, completed, failed
	ResultSummary string `json:"result_summary,omitempty" db:"result_summary"`
	ErrorMessage  string `json:"error_message,omitempty" db:"error_message"`

	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Stage constants
const (
	StageMatch     = "match"
	StageAggregate = "aggregate"
	StageQAQC      = "qaqc"
)

// RunStatus constants
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

package dblayer

import (
	"encoding/json"
	"time"
)

// Script is a usage-limited access token (id_scripts).
type Script struct {
	ID          int64      `json:"-"`
	Key         string     `json:"key"`
	Name        string     `json:"name"`
	Status      bool       `json:"status"`
	Fingerprint *string    `json:"fingerprint"`
	StartAt     *time.Time `json:"start_at"`
	StopAt      *time.Time `json:"stop_at"`
	MaxUsage    int        `json:"max_usage"`
	Usage       int        `json:"usage"`
	ScriptType  string     `json:"script_type"`
	FirstSeen   *time.Time `json:"first_seen"`
	LastSeen    *time.Time `json:"last_seen"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type SubmissionStatus string

const (
	SubmissionPending    SubmissionStatus = "pending"
	SubmissionProcessing SubmissionStatus = "processing"
	SubmissionCompleted  SubmissionStatus = "completed"
	SubmissionFailed     SubmissionStatus = "failed"
)

// Terminal reports whether no further writes are allowed.
func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionCompleted || s == SubmissionFailed
}

// Submission is one uploaded artifact and its eventual result (check_requests).
type Submission struct {
	ID         int64            `json:"id"`
	ScriptID   int64            `json:"script_id"`
	KeyAnswer  string           `json:"key_answer"`
	Status     SubmissionStatus `json:"status"`
	InputPath  string           `json:"input_path"`
	ResultJSON json.RawMessage  `json:"result_json"`
	Error      *string          `json:"error"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// SubmissionUpdate lists the only fields a submission may change after creation.
type SubmissionUpdate struct {
	Status     SubmissionStatus
	ResultJSON json.RawMessage
	Error      *string
}

type JobState string

const (
	JobQueued  JobState = "queued"
	JobClaimed JobState = "claimed"
	JobDone    JobState = "done"
)

// SolveJob is a queued unit of work; ID doubles as the deduplication key.
type SolveJob struct {
	ID        string     `json:"id"`
	Payload   string     `json:"payload"`
	State     JobState   `json:"state"`
	Attempts  int        `json:"attempts"`
	ClaimedAt *time.Time `json:"claimed_at"`
	ClaimedBy *string    `json:"claimed_by"`
	CreatedAt time.Time  `json:"created_at"`
}

// SubmissionStats aggregates check_requests for the worker stats endpoint.
type SubmissionStats struct {
	Total           int     `json:"total"`
	Pending         int     `json:"pending"`
	Processing      int     `json:"processing"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	AvgCompletedSec float64 `json:"avg_completed_seconds"`
	LastHour        int     `json:"completed_last_hour"`
}

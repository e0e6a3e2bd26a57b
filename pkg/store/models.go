package store

import (
	"strings"
	"time"
)

// Status tracks a submission through its grading lifecycle. Values below
// 200 are non-terminal; everything else is a final verdict.
type Status int

// Submission status constants.
const (
	StatusNotStarted      Status = 0
	StatusRunning         Status = 100
	StatusSuccess         Status = 200
	StatusSubmissionError Status = 400
	StatusBuildError      Status = 401
	StatusBuildTimedOut   Status = 402
	StatusTestsFailed     Status = 403
	StatusTestsTimedOut   Status = 404
	StatusAutograderFault Status = 500
)

// Terminal reports whether the status is a final verdict.
func (s Status) Terminal() bool {
	return s >= StatusSuccess
}

// Passed reports whether the status is a passing verdict.
func (s Status) Passed() bool {
	return s == StatusSuccess
}

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusRunning:
		return "running"
	case StatusSuccess:
		return "success"
	case StatusSubmissionError:
		return "submission_error"
	case StatusBuildError:
		return "build_error"
	case StatusBuildTimedOut:
		return "build_timed_out"
	case StatusTestsFailed:
		return "tests_failed"
	case StatusTestsTimedOut:
		return "tests_timed_out"
	case StatusAutograderFault:
		return "autograder_fault"
	default:
		return "unknown"
	}
}

// Submission is one grading job, created by the gateway when a push
// webhook is accepted and driven to a terminal status by a runner.
type Submission struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// GitHubRepo is the full repository name, "org/name".
	GitHubRepo string `gorm:"column:github_repo;index;not null" json:"github_repo"`

	// CommitSHA is the head commit of the push that triggered grading.
	CommitSHA string `gorm:"not null" json:"commit_sha"`

	// Tags is the space-separated list of grading tags extracted from the
	// head commit message, sorted and deduplicated.
	Tags string `json:"tags"`

	PusherName  string `json:"pusher_name"`
	PusherEmail string `json:"pusher_email"`

	Status Status `gorm:"not null;default:0;index" json:"status"`

	// AssignedRunner names the runner currently holding this submission.
	// NULL means the submission is queued (or finished).
	AssignedRunner *string `gorm:"index" json:"assigned_runner"`

	// ClaimCount is incremented on every claim. A submission that keeps
	// getting claimed without finishing is eventually quarantined.
	ClaimCount int `gorm:"not null;default:0" json:"claim_count"`

	// ExecFinished stays false until a terminal status is recorded, even
	// across runner crashes and re-claims.
	ExecFinished bool `gorm:"not null;default:false;index" json:"exec_finished"`

	ExecStartedAt  *time.Time `json:"exec_started_at"`
	ExecFinishedAt *time.Time `json:"exec_finished_at"`

	// Result is the human-readable grading report posted back to the
	// submitter.
	Result string `json:"result"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TagList splits the stored tag string back into its parts.
func (s *Submission) TagList() []string {
	return strings.Fields(s.Tags)
}

// Runner is the liveness row a runner process keeps fresh while alive.
type Runner struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Name uniquely identifies a runner process, e.g. "runner-2".
	Name string `gorm:"uniqueIndex;not null" json:"name"`

	Hostname string `json:"hostname"`
	PID      int32  `json:"pid"`

	// LastPinged is the heartbeat timestamp. The watchdog compares it
	// against the staleness threshold to decide liveness.
	LastPinged time.Time `gorm:"not null;index" json:"last_pinged"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

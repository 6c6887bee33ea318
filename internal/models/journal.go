package models

import "time"

// JournalEntry is one pipeline event persisted for the status API.
type JournalEntry struct {
	ID       ULID      `gorm:"type:varchar(26);primaryKey" json:"id"`
	Kind     string    `gorm:"size:64;not null;index" json:"kind"`
	CycleID  string    `gorm:"size:26;index" json:"cycleId,omitempty"`
	ClientID string    `gorm:"size:128;index" json:"clientId,omitempty"`
	DeviceID string    `gorm:"size:128" json:"deviceId,omitempty"`
	IP       string    `gorm:"size:64" json:"ip,omitempty"`
	Detail   string    `gorm:"size:512" json:"detail,omitempty"`
	Error    string    `gorm:"type:text" json:"error,omitempty"`
	At       time.Time `gorm:"not null;index" json:"at"`
}

// TableName returns the table name for journal entries.
func (JournalEntry) TableName() string {
	return "journal_entries"
}

// RunStatus is the outcome of a job run.
type RunStatus string

// Run outcomes.
const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	// RunPartial means the run completed but some devices or files failed.
	RunPartial RunStatus = "partial"
	// RunSkipped means a gate stopped the run before it did any work.
	RunSkipped RunStatus = "skipped"
)

// JobRun records one invocation of a periodic job. The ID is the cycle id
// stamped on the run's log lines and events.
type JobRun struct {
	ID         ULID       `gorm:"type:varchar(26);primaryKey" json:"id"`
	Job        string     `gorm:"size:32;not null;index" json:"job"`
	Trigger    string     `gorm:"size:16" json:"trigger"`
	Status     RunStatus  `gorm:"size:16;not null" json:"status"`
	Summary    string     `gorm:"size:512" json:"summary,omitempty"`
	Error      string     `gorm:"type:text" json:"error,omitempty"`
	StartedAt  time.Time  `gorm:"not null;index" json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// TableName returns the table name for job runs.
func (JobRun) TableName() string {
	return "job_runs"
}

// Duration returns how long the run took, or zero while it is running.
func (r JobRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

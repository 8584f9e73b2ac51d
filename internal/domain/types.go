package domain

import "time"

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusDelayed   JobStatus = "delayed"
	StatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) String() string { return string(s) }

// Terminal reports whether a job in this status can never be dispatched again.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusFailed, StatusDelayed, StatusCancelled:
		return true
	}
	return false
}

// Queue is a named lane of work with its own concurrency and retry policy.
// The name is unique and immutable after creation.
type Queue struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Paused       bool      `json:"is_paused"`
	Concurrency  int       `json:"concurrency"`
	MaxRetries   int       `json:"max_retries"`
	RetryDelayMs int       `json:"retry_delay_ms"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RetryDelay returns the queue's fixed retry delay as a duration.
func (q Queue) RetryDelay() time.Duration {
	return time.Duration(q.RetryDelayMs) * time.Millisecond
}

// Job is one unit of asynchronous work. Status moves
// pending/delayed -> active -> completed | delayed (retry) | failed;
// cancel removes a pending or delayed job.
//
// MaxAttempts is the total attempt budget (the initial attempt plus the
// owning queue's max_retries), fixed at enqueue time. DelayUntil is set
// exactly while status is delayed.
type Job struct {
	ID          string     `json:"id"`
	QueueID     string     `json:"queue_id"`
	Name        string     `json:"name"`
	Data        []byte     `json:"data,omitempty"`
	Status      JobStatus  `json:"status"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Progress    int        `json:"progress"`
	Result      []byte     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StackTrace  string     `json:"stack_trace,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	DelayUntil  *time.Time `json:"delay_until,omitempty"`
}

// ScheduledJob is a recurring definition that spawns Jobs on a cron schedule.
// NextRunAt is always the next occurrence of the expression in the given
// timezone, recomputed whenever the expression, timezone, or enablement
// changes; disabling freezes it.
type ScheduledJob struct {
	ID            string     `json:"id"`
	QueueID       string     `json:"queue_id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	CronExpr      string     `json:"cron_expr"`
	Timezone      string     `json:"timezone"`
	Data          []byte     `json:"data,omitempty"`
	Enabled       bool       `json:"is_enabled"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunError  string     `json:"last_run_error,omitempty"`
	RunCount      int        `json:"run_count"`
	FailCount     int        `json:"fail_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// QueueStats is a live per-queue rollup of job counts by status.
type QueueStats struct {
	QueueID   string `json:"queue_id"`
	Name      string `json:"name"`
	Paused    bool   `json:"is_paused"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Delayed   int    `json:"delayed"`
}

// DashboardSummary is the read-only rollup served by the dashboard endpoint.
type DashboardSummary struct {
	Queues      []QueueStats   `json:"queues"`
	Totals      QueueStats     `json:"totals"`
	RecentFails []Job          `json:"recent_failures"`
	Upcoming    []ScheduledJob `json:"upcoming_schedules"`
}

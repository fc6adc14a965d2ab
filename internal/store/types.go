package store

import "time"

// ScheduledStart is a cron-triggered recurring workflow start.
type ScheduledStart struct {
	ID             string     `json:"id"`
	Workflow       string     `json:"workflow"`
	UserTask       string     `json:"user_task"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ScheduledStartUpdate specifies mutable fields of a scheduled start.
type ScheduledStartUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

package dao

import (
	"time"

	"github.com/modfin/brevq/pkg/zid"
)

type JobStatus string

const JobStatusQueued JobStatus = "queued"
const JobStatusProcessing JobStatus = "processing"

type Job struct {
	ID            zid.ID     `db:"id"`
	MessageID     string     `db:"message_id"`
	ExecuteAt     time.Time  `db:"execute_at"`
	AttemptsMade  int        `db:"attempts_made"`
	MaxAttempts   int        `db:"max_attempts"`
	BackoffBaseMs int64      `db:"backoff_base_ms"`
	Status        JobStatus  `db:"status"`
	LeaseUntil    *time.Time `db:"lease_until"`
	LastError     string     `db:"last_error"`
	CreatedAt     time.Time  `db:"created_at"`
}

type ApiKey struct {
	Key    string `db:"api_key"`
	UserID string `db:"user_id"`
}

package dao

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/modfin/brevq"
	"github.com/modfin/brevq/pkg/zid"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

type DAO interface {
	EnsureApiKey(ctx context.Context, key string, userID string) error
	GetApiKey(ctx context.Context, key string) (*ApiKey, error)

	ScheduleMessages(ctx context.Context, messages []brevq.Message, jobs []Job) error
	GetMessage(ctx context.Context, id string) (*brevq.Message, error)
	MarkSent(ctx context.Context, id string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, reason string) (bool, error)
	ListScheduled(ctx context.Context, userID string) ([]brevq.Message, error)
	ListSent(ctx context.Context, userID string) ([]brevq.Message, error)

	InsertJob(ctx context.Context, job Job) error
	ClaimDueJob(ctx context.Context, now time.Time, leaseUntil time.Time) (*Job, error)
	DeleteJob(ctx context.Context, id zid.ID) error
	RequeueJob(ctx context.Context, id zid.ID, attemptsMade int, executeAt time.Time, lastError string) error
	ReplaceJob(ctx context.Context, old zid.ID, job Job) error
	ReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error)
	NextExecuteAt(ctx context.Context) (*time.Time, error)
	GetJobs(ctx context.Context, messageID string) ([]Job, error)

	Close() error
}

// New connects to driver ("sqlite3" or "postgres") at uri and makes sure the schema exists.
func New(driver string, uri string) (DAO, error) {
	switch driver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := sqlx.Connect(driver, uri)
	if err != nil {
		return nil, fmt.Errorf("error while connecting, %w", err)
	}

	s := &sqlDAO{db: db, driver: driver}
	if driver == "sqlite3" {
		// one writer at a time, sqlite would answer "database is locked" otherwise
		db.SetMaxOpenConns(1)
		err = s.tuneDatabase()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}

	err = s.ensureSchema()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite is New with the sqlite3 driver.
func NewSQLite(path string) (DAO, error) {
	return New("sqlite3", path)
}

type sqlDAO struct {
	db     *sqlx.DB
	driver string
}

func (s *sqlDAO) Close() error {
	return s.db.Close()
}

// ts is how every timestamp is written, sqlite compares them as text.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func (s *sqlDAO) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	var tx *sqlx.Tx
	tx, err = s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to get transaction, %w", err)
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	return fn(tx)
}

func (s *sqlDAO) EnsureApiKey(ctx context.Context, key string, userID string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM api_key WHERE api_key = ?`), key)
		if err != nil {
			return fmt.Errorf("failed to remove old api key, %w", err)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO api_key (api_key, user_id) VALUES (?, ?)`), key, userID)
		if err != nil {
			return fmt.Errorf("failed to insert api key, %w", err)
		}
		return nil
	})
}

func (s *sqlDAO) GetApiKey(ctx context.Context, key string) (*ApiKey, error) {
	var apiKey ApiKey
	err := s.db.GetContext(ctx, &apiKey, s.db.Rebind(`SELECT api_key, user_id FROM api_key WHERE api_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &apiKey, nil
}

func (s *sqlDAO) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma busy_timeout = 5000;`
	_, err := s.db.Exec(q)
	return err
}

// TIMESTAMP is understood by both drivers, go-sqlite3 parses declared timestamp columns back into time.Time.
const schema = `
	CREATE TABLE IF NOT EXISTS api_key (
	    api_key TEXT PRIMARY KEY,
	    user_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
	    id TEXT PRIMARY KEY,
	    user_id TEXT NOT NULL,

	    sender_email    TEXT NOT NULL,
	    recipient_email TEXT NOT NULL,
	    subject TEXT NOT NULL,
	    body    TEXT NOT NULL,

	    scheduled_at TIMESTAMP NOT NULL,
	    sent_at      TIMESTAMP NULL,
	    status TEXT NOT NULL, -- scheduled, sent, failed
	    failure_reason TEXT NULL,

	    created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_user_status ON messages(user_id, status);

	CREATE TABLE IF NOT EXISTS jobs (
	    id TEXT PRIMARY KEY,
	    message_id TEXT NOT NULL REFERENCES messages(id),

	    execute_at TIMESTAMP NOT NULL,
	    attempts_made INTEGER NOT NULL DEFAULT 0,
	    max_attempts  INTEGER NOT NULL,
	    backoff_base_ms BIGINT NOT NULL,

	    status TEXT NOT NULL, -- queued, processing
	    lease_until TIMESTAMP NULL,
	    last_error TEXT NOT NULL DEFAULT '',

	    created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(execute_at) WHERE status = 'queued';
	CREATE INDEX IF NOT EXISTS idx_jobs_message ON jobs(message_id);
`

func (s *sqlDAO) ensureSchema() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}
	return nil
}

package dao

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/modfin/brevq"
)

const messageColumns = `id, user_id, sender_email, recipient_email, subject, body, scheduled_at, sent_at, status, failure_reason, created_at`

// ScheduleMessages writes all messages and their first jobs in one transaction, either every row lands or none.
func (s *sqlDAO) ScheduleMessages(ctx context.Context, messages []brevq.Message, jobs []Job) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		mstmt, err := tx.PrepareNamedContext(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (:id, :user_id, :sender_email, :recipient_email, :subject, :body, :scheduled_at, :sent_at, :status, :failure_reason, :created_at)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare message statement, %w", err)
		}
		defer mstmt.Close()

		for _, m := range messages {
			m.ScheduledAt = ts(m.ScheduledAt)
			m.CreatedAt = ts(m.CreatedAt)
			_, err = mstmt.ExecContext(ctx, m)
			if err != nil {
				return fmt.Errorf("failed to insert message %s, %w", m.ID, err)
			}
		}

		for _, j := range jobs {
			err = insertJob(ctx, tx, j)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqlDAO) GetMessage(ctx context.Context, id string) (*brevq.Message, error) {
	var m brevq.Message
	err := s.db.GetContext(ctx, &m, s.db.Rebind(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not get message %s, %w", id, err)
	}
	return &m, nil
}

// MarkSent moves a scheduled message to sent. It reports false when the message was not scheduled anymore.
func (s *sqlDAO) MarkSent(ctx context.Context, id string, at time.Time) (bool, error) {
	q := `
		UPDATE messages
		SET status = 'sent', sent_at = ?, failure_reason = NULL
		WHERE id = ?
		  AND status = 'scheduled'
	`
	return s.terminal(ctx, q, ts(at), id)
}

// MarkFailed moves a scheduled message to failed. It reports false when the message was not scheduled anymore.
func (s *sqlDAO) MarkFailed(ctx context.Context, id string, reason string) (bool, error) {
	q := `
		UPDATE messages
		SET status = 'failed', failure_reason = ?, sent_at = NULL
		WHERE id = ?
		  AND status = 'scheduled'
	`
	return s.terminal(ctx, q, reason, id)
}

func (s *sqlDAO) terminal(ctx context.Context, q string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *sqlDAO) ListScheduled(ctx context.Context, userID string) ([]brevq.Message, error) {
	q := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE user_id = ? AND status = 'scheduled'
		ORDER BY scheduled_at DESC
	`
	messages := []brevq.Message{}
	err := s.db.SelectContext(ctx, &messages, s.db.Rebind(q), userID)
	return messages, err
}

func (s *sqlDAO) ListSent(ctx context.Context, userID string) ([]brevq.Message, error) {
	q := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE user_id = ? AND status = 'sent'
		ORDER BY sent_at DESC
	`
	messages := []brevq.Message{}
	err := s.db.SelectContext(ctx, &messages, s.db.Rebind(q), userID)
	return messages, err
}

// Package scheduler turns a bulk request into one message and one delayed job per recipient.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/modfin/brevq"
	"github.com/modfin/brevq/internal/dao"
	"github.com/modfin/brevq/internal/signals"
	"github.com/modfin/brevq/internal/spool"
	"github.com/modfin/brevq/pkg/zid"
	"github.com/modfin/brevq/tools"
	"github.com/modfin/henry/compare"
	"github.com/modfin/henry/slicez"
	"github.com/sirupsen/logrus"
)

type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
}

type Option func(s *Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

type Scheduler struct {
	cfg Config
	db  dao.DAO
	log *logrus.Logger
	now func() time.Time
}

func New(cfg Config, db dao.DAO, lc *tools.Logger, opts ...Option) *Scheduler {
	def := spool.DefaultConfig()
	cfg.MaxAttempts = compare.Coalesce(cfg.MaxAttempts, def.MaxAttempts)
	cfg.BackoffBase = compare.Coalesce(cfg.BackoffBase, def.BackoffBase)

	s := &Scheduler{
		cfg: cfg,
		db:  db,
		log: lc.New("scheduler"),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExecuteAt is the send time of the i:th recipient.
func ExecuteAt(start time.Time, delay time.Duration, i int) time.Time {
	return start.Add(time.Duration(i) * delay)
}

// ScheduleBulk persists a message and a job for every recipient of req, all or nothing.
// Start times in the past are kept as is, those jobs are due right away.
func (s *Scheduler) ScheduleBulk(ctx context.Context, userID string, req brevq.BulkRequest) ([]brevq.Summary, error) {
	req = req.Normalized()
	err := req.Validate()
	if err != nil {
		return nil, err
	}

	now := s.now()
	delay := req.Delay()

	var messages []brevq.Message
	var jobs []dao.Job
	for i, rcpt := range req.Recipients {
		at := ExecuteAt(req.StartTime, delay, i)
		m := brevq.Message{
			ID:          uuid.NewString(),
			UserID:      userID,
			Sender:      req.SenderEmail,
			Recipient:   rcpt,
			Subject:     req.Subject,
			Body:        req.Body,
			ScheduledAt: at,
			Status:      brevq.StatusScheduled,
			CreatedAt:   now,
		}
		messages = append(messages, m)
		jobs = append(jobs, dao.Job{
			ID:            zid.New(),
			MessageID:     m.ID,
			ExecuteAt:     at,
			MaxAttempts:   s.cfg.MaxAttempts,
			BackoffBaseMs: s.cfg.BackoffBase.Milliseconds(),
			Status:        dao.JobStatusQueued,
			CreatedAt:     now,
		})
	}

	err = s.db.ScheduleMessages(ctx, messages, jobs)
	if err != nil {
		s.log.WithError(err).WithField("user", userID).Errorf("could not schedule %d messages", len(messages))
		return nil, &brevq.PersistenceError{Op: "schedule", Err: fmt.Errorf("could not persist bulk request, %w", err)}
	}

	s.log.WithField("user", userID).WithField("sender", req.SenderEmail).
		Infof("scheduled %d messages, first at %s", len(messages), req.StartTime.Format(time.RFC3339))
	signals.Broadcast(signals.NewJobInSpool)

	return slicez.Map(messages, func(m brevq.Message) brevq.Summary {
		return brevq.Summary{
			ID:          m.ID,
			Recipient:   m.Recipient,
			ScheduledAt: m.ScheduledAt,
			Status:      m.Status,
		}
	}), nil
}

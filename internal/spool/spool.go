package spool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modfin/brevq/internal/dao"
	"github.com/modfin/brevq/internal/signals"
	"github.com/modfin/brevq/pkg/zid"
	"github.com/modfin/brevq/tools"
	"github.com/modfin/henry/compare"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ErrEmpty is returned by Dequeue when no job is due.
var ErrEmpty = errors.New("no job is due")

type Result int

const (
	// Retried means the job is back in the queue with a backoff.
	Retried Result = iota
	// Exhausted means the job used its last attempt and has been removed.
	Exhausted
)

func (r Result) String() string {
	switch r {
	case Retried:
		return "retried"
	case Exhausted:
		return "exhausted"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

type Config struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	LeaseTimeout time.Duration
	PollInterval time.Duration
	SweepSpec    string
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BackoffBase:  5 * time.Second,
		LeaseTimeout: 5 * time.Minute,
		PollInterval: time.Second,
		SweepSpec:    "@every 1m",
	}
}

type Spooler interface {
	Enqueue(ctx context.Context, job dao.Job) error
	Dequeue(ctx context.Context) (*dao.Job, error)
	Succeed(ctx context.Context, job *dao.Job) error
	Fail(ctx context.Context, job *dao.Job, cause error) (Result, error)
	Drop(ctx context.Context, job *dao.Job) error
	Defer(ctx context.Context, job *dao.Job, at time.Time) error
	Wait(ctx context.Context)
	Stop(ctx context.Context) error
}

type Option func(s *Spool)

func WithClock(now func() time.Time) Option {
	return func(s *Spool) {
		s.now = now
	}
}

// Backoff is the wait before the next attempt, given the attempts made before the failing one.
func Backoff(base time.Duration, attemptsMade int) time.Duration {
	if attemptsMade < 0 {
		attemptsMade = 0
	}
	return base * time.Duration(int64(1)<<attemptsMade)
}

// LastAttempt reports whether a failure of the current attempt exhausts the job.
func LastAttempt(job *dao.Job) bool {
	return job.AttemptsMade+1 >= job.MaxAttempts
}

func New(cfg Config, db dao.DAO, lc *tools.Logger, opts ...Option) (*Spool, error) {
	def := DefaultConfig()
	cfg.MaxAttempts = compare.Coalesce(cfg.MaxAttempts, def.MaxAttempts)
	cfg.BackoffBase = compare.Coalesce(cfg.BackoffBase, def.BackoffBase)
	cfg.LeaseTimeout = compare.Coalesce(cfg.LeaseTimeout, def.LeaseTimeout)
	cfg.PollInterval = compare.Coalesce(cfg.PollInterval, def.PollInterval)
	cfg.SweepSpec = compare.Coalesce(cfg.SweepSpec, def.SweepSpec)

	s := &Spool{
		cfg: cfg,
		db:  db,
		log: lc.New("spool"),
		now: time.Now,
		c:   cron.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	_, err := s.c.AddFunc(cfg.SweepSpec, s.sweep)
	if err != nil {
		return nil, fmt.Errorf("could not schedule lease sweeper, %w", err)
	}

	s.start()
	return s, nil
}

type Spool struct {
	cfg Config
	db  dao.DAO
	log *logrus.Logger
	now func() time.Time

	c *cron.Cron

	sig       <-chan struct{}
	sigCancel func()

	ctx    context.Context
	cancel func()

	ostart sync.Once
	ostop  sync.Once
}

func (s *Spool) start() {
	s.ostart.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.sig, s.sigCancel = signals.Listen(signals.NewJobInSpool)
		s.log.Infof("Starting spool, lease timeout %s, sweeping %s", s.cfg.LeaseTimeout, s.cfg.SweepSpec)
		s.c.Start()
	})
}

func (s *Spool) Stop(ctx context.Context) error {
	s.ostop.Do(func() {
		s.log.Infof("Stopping spool")
		s.cancel()
		s.sigCancel()
		done := s.c.Stop()
		select {
		case <-done.Done():
		case <-ctx.Done():
		}
	})
	return nil
}

func (s *Spool) sweep() {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	n, err := s.ReleaseExpired(ctx)
	if err != nil {
		s.log.WithError(err).Error("sweeper; could not release expired leases")
		return
	}
	if n > 0 {
		s.log.Warnf("sweeper; returned %d jobs with expired leases to the queue", n)
	}
}

// ReleaseExpired returns processing jobs whose lease ran out to the queue.
func (s *Spool) ReleaseExpired(ctx context.Context) (int64, error) {
	n, err := s.db.ReleaseExpiredLeases(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		signals.Broadcast(signals.NewJobInSpool)
	}
	return n, nil
}

// Enqueue adds a job, it is not handed out before its ExecuteAt.
func (s *Spool) Enqueue(ctx context.Context, job dao.Job) error {
	if job.ID.IsZero() {
		job.ID = zid.New()
	}
	if job.MessageID == "" {
		return fmt.Errorf("job %s has no message", job.ID)
	}
	job.MaxAttempts = compare.Coalesce(job.MaxAttempts, s.cfg.MaxAttempts)
	job.BackoffBaseMs = compare.Coalesce(job.BackoffBaseMs, s.cfg.BackoffBase.Milliseconds())
	job.Status = dao.JobStatusQueued
	job.LeaseUntil = nil
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}

	err := s.db.InsertJob(ctx, job)
	if err != nil {
		return fmt.Errorf("could not enqueue job for message %s, %w", job.MessageID, err)
	}
	s.log.WithField("jid", job.ID.String()).WithField("mid", job.MessageID).Debugf("enqueue; due at %s", job.ExecuteAt.Format(time.RFC3339))
	signals.Broadcast(signals.NewJobInSpool)
	return nil
}

// Dequeue claims the earliest due job for the caller.
func (s *Spool) Dequeue(ctx context.Context) (*dao.Job, error) {
	now := s.now()
	job, err := s.db.ClaimDueJob(ctx, now, now.Add(s.cfg.LeaseTimeout))
	if err != nil {
		return nil, fmt.Errorf("could not dequeue job, %w", err)
	}
	if job == nil {
		return nil, ErrEmpty
	}
	return job, nil
}

func (s *Spool) Succeed(ctx context.Context, job *dao.Job) error {
	err := s.db.DeleteJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("could not complete job %s, %w", job.ID, err)
	}
	return nil
}

// Drop removes a job without delivering it.
func (s *Spool) Drop(ctx context.Context, job *dao.Job) error {
	err := s.db.DeleteJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("could not drop job %s, %w", job.ID, err)
	}
	return nil
}

// Fail accounts for a failed attempt. The job is put back with an exponential
// backoff while attempts remain, otherwise it is removed.
func (s *Spool) Fail(ctx context.Context, job *dao.Job, cause error) (Result, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	l := s.log.WithField("jid", job.ID.String()).WithField("mid", job.MessageID)

	if LastAttempt(job) {
		err := s.db.DeleteJob(ctx, job.ID)
		if err != nil {
			return Exhausted, fmt.Errorf("could not remove exhausted job %s, %w", job.ID, err)
		}
		l.Infof("fail; attempt %d of %d failed, giving up", job.AttemptsMade+1, job.MaxAttempts)
		return Exhausted, nil
	}

	delay := Backoff(time.Duration(job.BackoffBaseMs)*time.Millisecond, job.AttemptsMade)
	at := s.now().Add(delay)
	err := s.db.RequeueJob(ctx, job.ID, job.AttemptsMade+1, at, reason)
	if err != nil {
		return Retried, fmt.Errorf("could not requeue job %s, %w", job.ID, err)
	}
	l.Infof("fail; attempt %d of %d failed, retrying in %s", job.AttemptsMade+1, job.MaxAttempts, delay)
	return Retried, nil
}

// Defer swaps the claimed job for a fresh one due at the given time. Attempts are carried over.
func (s *Spool) Defer(ctx context.Context, job *dao.Job, at time.Time) error {
	next := dao.Job{
		ID:            zid.New(),
		MessageID:     job.MessageID,
		ExecuteAt:     at,
		AttemptsMade:  job.AttemptsMade,
		MaxAttempts:   job.MaxAttempts,
		BackoffBaseMs: job.BackoffBaseMs,
		Status:        dao.JobStatusQueued,
		LastError:     job.LastError,
		CreatedAt:     s.now(),
	}
	err := s.db.ReplaceJob(ctx, job.ID, next)
	if err != nil {
		return fmt.Errorf("could not defer job %s, %w", job.ID, err)
	}
	s.log.WithField("jid", next.ID.String()).WithField("mid", job.MessageID).Debugf("defer; replaced %s, due at %s", job.ID, at.Format(time.RFC3339))
	return nil
}

// Wait blocks until a job might be due. It returns on a new-job signal, after
// the poll interval, or when the earliest queued job becomes due, whichever is first.
func (s *Spool) Wait(ctx context.Context) {
	d := s.cfg.PollInterval
	next, err := s.db.NextExecuteAt(ctx)
	if err != nil {
		s.log.WithError(err).Warn("wait; could not look up next execution time")
	}
	if next != nil {
		d = min(d, next.Sub(s.now()))
	}
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	case <-s.sig:
	case <-timer.C:
	}
}

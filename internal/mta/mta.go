package mta

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/modfin/brevq"
	"github.com/modfin/brevq/internal/dao"
	"github.com/modfin/brevq/internal/metrics"
	"github.com/modfin/brevq/internal/ratelimit"
	"github.com/modfin/brevq/internal/smtpx"
	"github.com/modfin/brevq/internal/spool"
	"github.com/modfin/brevq/tools"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Workers int
	// Pacing is how long a worker rests after a successful send.
	Pacing time.Duration
}

type Limiter interface {
	CheckAndConsume(ctx context.Context, sender string) (ratelimit.Decision, error)
}

type Option func(m *MTA)

func WithClock(now func() time.Time) Option {
	return func(m *MTA) {
		m.now = now
	}
}

func WithMetrics(mx *metrics.MTA) Option {
	return func(m *MTA) {
		m.metrics = mx
	}
}

type MTA struct {
	cfg       Config
	spooler   spool.Spooler
	db        dao.DAO
	limiter   Limiter
	transport smtpx.Transport
	metrics   *metrics.MTA
	log       *logrus.Logger
	now       func() time.Time

	pool  *pond.WorkerPool
	slots chan struct{}

	// ctx stops dispatching and pacing, work is cancelled only when a stop times out
	ctx        context.Context
	cancel     func()
	work       context.Context
	cancelWork func()
	dispatched chan struct{}

	ostart sync.Once
	ostop  sync.Once
}

func New(cfg Config, spooler spool.Spooler, db dao.DAO, limiter Limiter, transport smtpx.Transport, lc *tools.Logger, opts ...Option) *MTA {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	m := &MTA{
		cfg:        cfg,
		spooler:    spooler,
		db:         db,
		limiter:    limiter,
		transport:  transport,
		log:        lc.New("mta"),
		now:        time.Now,
		dispatched: make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.work, m.cancelWork = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MTA) Start() {
	m.ostart.Do(func() {
		m.log.Infof("Starting mta, with %d workers, pacing %s", m.cfg.Workers, m.cfg.Pacing)
		m.slots = make(chan struct{}, m.cfg.Workers)
		m.pool = pond.New(m.cfg.Workers, 0, pond.MinWorkers(m.cfg.Workers), pond.PanicHandler(func(p interface{}) {
			m.log.Errorf("worker panic outside of a job attempt: %v", p)
		}))
		go m.dispatch()
	})
}

// dispatch claims a job only once a worker slot is free, so a claimed job never waits behind busy workers.
func (m *MTA) dispatch() {
	defer close(m.dispatched)
	m.log.Info("dispatcher; starting")
	for {
		select {
		case m.slots <- struct{}{}:
		case <-m.ctx.Done():
			m.log.Info("dispatcher; stopping")
			return
		}

		job, err := m.spooler.Dequeue(m.ctx)
		if err != nil {
			<-m.slots
			if m.ctx.Err() != nil {
				m.log.Info("dispatcher; stopping")
				return
			}
			if !errors.Is(err, spool.ErrEmpty) {
				m.log.WithError(err).Error("dispatcher; could not dequeue")
			}
			m.spooler.Wait(m.ctx)
			continue
		}

		if m.pool.Stopped() {
			<-m.slots
			m.log.WithField("jid", job.ID.String()).Warn("pool stopped, lease will return the job")
			return
		}
		m.pool.Submit(m.worker(job))
	}
}

func (m *MTA) worker(job *dao.Job) func() {
	return func() {
		defer func() { <-m.slots }()

		outcome := m.Process(m.work, job)
		if outcome != brevq.OutcomeDelivered || m.cfg.Pacing <= 0 {
			return
		}
		timer := time.NewTimer(m.cfg.Pacing)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.ctx.Done():
		}
	}
}

// Process runs one attempt of a claimed job and reports how it ended.
func (m *MTA) Process(ctx context.Context, job *dao.Job) (outcome brevq.Outcome) {
	l := m.log.WithField("jid", job.ID.String()).WithField("mid", job.MessageID)

	if m.metrics != nil {
		m.metrics.InFlight.Inc()
		defer m.metrics.InFlight.Dec()
	}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during attempt: %v", r)
			l.WithError(err).Error("recovered from panic")
			outcome = m.failAttempt(ctx, l, job, err)
		}
		m.metrics.Outcome(outcome)
		l.Debugf("attempt ended, %s", outcome)
	}()

	msg, err := m.db.GetMessage(ctx, job.MessageID)
	if errors.Is(err, dao.ErrNotFound) {
		l.Warn("message is missing, dropping job")
		return m.drop(ctx, l, job)
	}
	if err != nil {
		return m.errored(ctx, l, job, &brevq.PersistenceError{Op: "get message", Err: err})
	}

	if msg.Status != brevq.StatusScheduled {
		l.Infof("message is already %s, dropping job", msg.Status)
		return m.drop(ctx, l, job)
	}

	decision, err := m.limiter.CheckAndConsume(ctx, msg.Sender)
	if err != nil {
		return m.errored(ctx, l, job, fmt.Errorf("could not check rate limit, %w", err))
	}
	if !decision.Allowed {
		err = m.spooler.Defer(ctx, job, decision.NextRunAt)
		if err != nil {
			l.WithError(err).Error("could not defer job, lease will expire")
			return brevq.OutcomeError
		}
		l.WithField("sender", msg.Sender).Infof("%s, %d this hour, deferred to %s", brevq.ErrRateLimited, decision.Count, decision.NextRunAt.Format(time.RFC3339))
		return brevq.OutcomeDeferred
	}

	start := time.Now()
	err = m.transport.Send(ctx, msg.Recipient, msg.Subject, msg.Body)
	if m.metrics != nil {
		m.metrics.SendDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		var te *brevq.TransportError
		if !errors.As(err, &te) {
			err = &brevq.TransportError{Recipient: msg.Recipient, Err: err}
		}
		return m.failAttempt(ctx, l, job, err)
	}

	outcome = brevq.OutcomeDelivered
	ok, err := m.db.MarkSent(ctx, msg.ID, m.now())
	if err != nil {
		l.WithError(err).Error("message was sent but could not be marked as sent")
		outcome = brevq.OutcomeError
	}
	if err == nil && !ok {
		l.Warn("message was no longer scheduled when marked as sent")
	}
	// the job goes even when recording failed, a second send is worse than a stale status
	err = m.spooler.Succeed(ctx, job)
	if err != nil {
		l.WithError(err).Error("could not remove delivered job")
	}
	l.WithField("rcpt", msg.Recipient).Info("delivered")
	return outcome
}

func (m *MTA) drop(ctx context.Context, l *logrus.Entry, job *dao.Job) brevq.Outcome {
	err := m.spooler.Drop(ctx, job)
	if err != nil {
		l.WithError(err).Error("could not drop job")
		return brevq.OutcomeError
	}
	return brevq.OutcomeDropped
}

// errored is a failed attempt that never reached the transport.
func (m *MTA) errored(ctx context.Context, l *logrus.Entry, job *dao.Job, cause error) brevq.Outcome {
	l.WithError(cause).Error("attempt could not be carried out")
	outcome := m.failAttempt(ctx, l, job, cause)
	if outcome == brevq.OutcomeFailed {
		return outcome
	}
	return brevq.OutcomeError
}

func (m *MTA) failAttempt(ctx context.Context, l *logrus.Entry, job *dao.Job, cause error) brevq.Outcome {
	if spool.LastAttempt(job) {
		reason := cause.Error()
		var te *brevq.TransportError
		if errors.As(cause, &te) && te.Err != nil {
			reason = te.Err.Error()
		}
		_, err := m.db.MarkFailed(ctx, job.MessageID, reason)
		if err != nil {
			// the job stays leased and comes back after the lease expires
			l.WithError(err).Error("could not mark message as failed")
			return brevq.OutcomeError
		}
	}

	res, err := m.spooler.Fail(ctx, job, cause)
	if err != nil {
		l.WithError(err).Error("could not account for failed attempt")
		return brevq.OutcomeError
	}
	if res == spool.Exhausted {
		l.WithError(cause).Warnf("giving up after %d attempts", job.AttemptsMade+1)
		return brevq.OutcomeFailed
	}
	l.WithError(cause).Infof("attempt %d of %d failed", job.AttemptsMade+1, job.MaxAttempts)
	return brevq.OutcomeRetry
}

// Stop stops claiming jobs and waits for attempts in flight. When ctx is done first, those attempts are cancelled.
func (m *MTA) Stop(ctx context.Context) error {
	var err error
	m.ostop.Do(func() {
		m.cancel()
		if m.pool == nil {
			return
		}
		select {
		case <-m.dispatched:
		case <-ctx.Done():
		}

		select {
		case <-m.pool.Stop().Done():
			m.log.Info("mta has been shut down")
		case <-ctx.Done():
			m.cancelWork()
			err = ctx.Err()
		}
	})
	return err
}

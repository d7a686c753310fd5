// Package ratelimit caps how many emails a sender may send per calendar hour.
//
// The count lives in a Counter keyed by sender and hour bucket. Every check
// consumes a slot, including the ones that end up denied.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/modfin/brevq/tools"
	"github.com/sirupsen/logrus"
)

// Counter is an atomic increment-with-expiry primitive shared by all workers.
type Counter interface {
	// Increment adds one to key and returns the new value.
	// The increment that creates the key makes it expire at expireAt.
	Increment(ctx context.Context, key string, expireAt time.Time) (int64, error)
}

type Decision struct {
	Allowed   bool
	Count     int64
	NextRunAt time.Time // zero when allowed
}

type Limiter struct {
	counter Counter
	max     int64
	now     func() time.Time
	log     *logrus.Logger
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

func New(counter Counter, maxPerHour int, lc *tools.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		counter: counter,
		max:     int64(maxPerHour),
		now:     time.Now,
		log:     lc.New("ratelimit"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// BucketStart is the start of the calendar hour (UTC) t falls in.
func BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

func BucketKey(sender string, t time.Time) string {
	return fmt.Sprintf("email_count:%s:%s", sender, BucketStart(t).Format("2006010215"))
}

func (l *Limiter) CheckAndConsume(ctx context.Context, sender string) (Decision, error) {
	now := l.now()
	end := BucketStart(now).Add(time.Hour)
	key := BucketKey(sender, now)

	count, err := l.counter.Increment(ctx, key, end)
	if err != nil {
		return Decision{}, fmt.Errorf("could not increment rate counter %s, %w", key, err)
	}

	if count > l.max {
		l.log.WithField("sender", sender).WithField("count", count).Debugf("over hourly quota of %d, next slot at %s", l.max, end.Format(time.RFC3339))
		return Decision{Allowed: false, Count: count, NextRunAt: end}, nil
	}
	return Decision{Allowed: true, Count: count}, nil
}

package dao

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/modfin/brevq"
	"github.com/modfin/brevq/pkg/zid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) DAO {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "brevq.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var t0 = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func message(id string, user string, at time.Time) brevq.Message {
	return brevq.Message{
		ID:          id,
		UserID:      user,
		Sender:      "sender@example.com",
		Recipient:   id + "@example.com",
		Subject:     "Hello",
		Body:        "<p>hi</p>",
		ScheduledAt: at,
		Status:      brevq.StatusScheduled,
		CreatedAt:   t0,
	}
}

func job(messageID string, at time.Time) Job {
	return Job{
		ID:            zid.New(),
		MessageID:     messageID,
		ExecuteAt:     at,
		MaxAttempts:   3,
		BackoffBaseMs: 5000,
		CreatedAt:     t0,
	}
}

func schedule(t *testing.T, db DAO, user string, ids ...string) []Job {
	t.Helper()
	var msgs []brevq.Message
	var jobs []Job
	for i, id := range ids {
		at := t0.Add(time.Duration(i) * time.Second)
		msgs = append(msgs, message(id, user, at))
		jobs = append(jobs, job(id, at))
	}
	require.NoError(t, db.ScheduleMessages(context.Background(), msgs, jobs))
	return jobs
}

func TestScheduleAndGetMessage(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	schedule(t, db, "u1", "m1")

	got, err := db.GetMessage(ctx, "m1")
	require.NoError(t, err)

	want := message("m1", "u1", t0)
	if diff := deep.Equal(got, &want); diff != nil {
		t.Error(diff)
	}

	_, err = db.GetMessage(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScheduleIsAllOrNothing(t *testing.T) {
	db := setup(t)
	ctx := context.Background()

	dup := job("m2", t0)
	msgs := []brevq.Message{message("m1", "u1", t0), message("m2", "u1", t0)}
	jobs := []Job{job("m1", t0), dup, dup} // duplicate primary key fails the last insert

	err := db.ScheduleMessages(ctx, msgs, jobs)
	require.Error(t, err)

	_, err = db.GetMessage(ctx, "m1")
	assert.ErrorIs(t, err, ErrNotFound)
	next, err := db.NextExecuteAt(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestTerminalTransitionsHappenOnce(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	schedule(t, db, "u1", "m1", "m2")

	ok, err := db.MarkSent(ctx, "m1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.MarkFailed(ctx, "m1", "boom")
	require.NoError(t, err)
	assert.False(t, ok, "a sent message must not become failed")

	ok, err = db.MarkSent(ctx, "m1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "a sent message must not be sent again")

	m1, err := db.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, brevq.StatusSent, m1.Status)
	require.NotNil(t, m1.SentAt)
	assert.True(t, m1.SentAt.Equal(t0.Add(time.Minute)))
	assert.Nil(t, m1.FailureReason)

	ok, err = db.MarkFailed(ctx, "m2", "550 mailbox unavailable")
	require.NoError(t, err)
	assert.True(t, ok)

	m2, err := db.GetMessage(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, brevq.StatusFailed, m2.Status)
	require.NotNil(t, m2.FailureReason)
	assert.Equal(t, "550 mailbox unavailable", *m2.FailureReason)
	assert.Nil(t, m2.SentAt)
}

func TestListScheduledAndSent(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	schedule(t, db, "u1", "a", "b", "c", "d")
	schedule(t, db, "u2", "other")

	_, err := db.MarkSent(ctx, "a", t0.Add(2*time.Hour))
	require.NoError(t, err)
	_, err = db.MarkSent(ctx, "b", t0.Add(3*time.Hour))
	require.NoError(t, err)

	scheduled, err := db.ListScheduled(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c"}, ids(scheduled))

	sent, err := db.ListSent(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(sent))

	none, err := db.ListSent(ctx, "u3")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func ids(msgs []brevq.Message) []string {
	var res []string
	for _, m := range msgs {
		res = append(res, m.ID)
	}
	return res
}

func TestClaimDueJobOrderAndVisibility(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	jobs := schedule(t, db, "u1", "m1", "m2")

	none, err := db.ClaimDueJob(ctx, t0.Add(-time.Second), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, none, "nothing is due before execute_at")

	first, err := db.ClaimDueJob(ctx, t0.Add(time.Hour), t0.Add(time.Hour+time.Minute))
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, jobs[0].ID.String(), first.ID.String())
	assert.Equal(t, JobStatusProcessing, first.Status)

	second, err := db.ClaimDueJob(ctx, t0.Add(time.Hour), t0.Add(time.Hour+time.Minute))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "m2", second.MessageID)

	empty, err := db.ClaimDueJob(ctx, t0.Add(time.Hour), t0.Add(time.Hour+time.Minute))
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestClaimDueJobIsExclusive(t *testing.T) {
	db := setup(t)
	ctx := context.Background()

	var names []string
	for i := 0; i < 20; i++ {
		names = append(names, fmt.Sprintf("m%02d", i))
	}
	schedule(t, db, "u1", names...)

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := db.ClaimDueJob(ctx, t0.Add(time.Hour), t0.Add(2*time.Hour))
				if !assert.NoError(t, err) || j == nil {
					return
				}
				mu.Lock()
				seen[j.MessageID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, len(names))
	for id, n := range seen {
		assert.Equal(t, 1, n, "job for %s claimed more than once", id)
	}
}

func TestRequeueReplaceAndRelease(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	schedule(t, db, "u1", "m1")

	claimed, err := db.ClaimDueJob(ctx, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, db.RequeueJob(ctx, claimed.ID, 1, t0.Add(5*time.Second), "timeout"))
	jobs, err := db.GetJobs(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].AttemptsMade)
	assert.Equal(t, JobStatusQueued, jobs[0].Status)
	assert.Equal(t, "timeout", jobs[0].LastError)
	assert.True(t, jobs[0].ExecuteAt.Equal(t0.Add(5*time.Second)))
	assert.Nil(t, jobs[0].LeaseUntil)

	next := job("m1", t0.Add(time.Hour))
	next.AttemptsMade = 1
	require.NoError(t, db.ReplaceJob(ctx, jobs[0].ID, next))
	jobs, err = db.GetJobs(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, next.ID.String(), jobs[0].ID.String())
	assert.Equal(t, 1, jobs[0].AttemptsMade)

	claimed, err = db.ClaimDueJob(ctx, t0.Add(time.Hour), t0.Add(time.Hour+time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := db.ReleaseExpiredLeases(ctx, t0.Add(time.Hour+30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n, "lease is still valid")

	n, err = db.ReleaseExpiredLeases(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	at, err := db.NextExecuteAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.True(t, at.Equal(t0.Add(time.Hour)))

	require.NoError(t, db.DeleteJob(ctx, claimed.ID))
	at, err = db.NextExecuteAt(ctx)
	require.NoError(t, err)
	assert.Nil(t, at)

	assert.ErrorIs(t, db.RequeueJob(ctx, claimed.ID, 2, t0, ""), ErrNotFound)
}

func TestApiKeys(t *testing.T) {
	db := setup(t)
	ctx := context.Background()

	require.NoError(t, db.EnsureApiKey(ctx, "secret", "alice"))
	require.NoError(t, db.EnsureApiKey(ctx, "secret", "bob"))

	k, err := db.GetApiKey(ctx, "secret")
	require.NoError(t, err)
	assert.Equal(t, "bob", k.UserID)

	_, err = db.GetApiKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New("mysql", "whatever")
	assert.Error(t, err)
}

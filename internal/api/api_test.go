package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modfin/brevq"
	"github.com/modfin/brevq/internal/dao"
	"github.com/modfin/brevq/internal/scheduler"
	"github.com/modfin/brevq/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const key = "secret-key"

type failingScheduler struct{}

func (failingScheduler) ScheduleBulk(ctx context.Context, userID string, req brevq.BulkRequest) ([]brevq.Summary, error) {
	return nil, &brevq.PersistenceError{Op: "schedule", Err: errors.New("disk full")}
}

func setup(t *testing.T) (*Server, dao.DAO) {
	t.Helper()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "api.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureApiKey(context.Background(), key, "user"))

	sched := scheduler.New(scheduler.Config{}, db, tools.Discard())
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("brevq_up 1\n"))
	})
	return New(Config{}, db, sched, metrics, tools.Discard()), db
}

func do(t *testing.T, s *Server, method string, target string, body string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var res map[string]json.RawMessage
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	}
	return rec, res
}

func TestSchedule(t *testing.T) {
	s, db := setup(t)
	start := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	body := `{
		"senderEmail": "news@example.com",
		"subject": "Hello",
		"body": "<p>hi</p>",
		"recipients": ["a@example.com", "b@example.com"],
		"startTime": "` + start.Format(time.RFC3339) + `",
		"delayBetweenEmailsMs": 1500
	}`
	rec, res := do(t, s, http.MethodPost, "/emails/schedule?key="+key, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `"Emails scheduled successfully"`, string(res["message"]))

	var summaries []brevq.Summary
	require.NoError(t, json.Unmarshal(res["data"], &summaries))
	require.Len(t, summaries, 2)
	assert.True(t, summaries[0].ScheduledAt.Equal(start))
	assert.True(t, summaries[1].ScheduledAt.Equal(start.Add(1500*time.Millisecond)))

	rec, res = do(t, s, http.MethodGet, "/emails/scheduled?key="+key, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var messages []brevq.Message
	require.NoError(t, json.Unmarshal(res["data"], &messages))
	require.Len(t, messages, 2)
	assert.Equal(t, "b@example.com", messages[0].Recipient, "latest scheduled first")

	ok, err := db.MarkSent(context.Background(), summaries[0].ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	rec, res = do(t, s, http.MethodGet, "/emails/sent?key="+key, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(res["data"], &messages))
	require.Len(t, messages, 1)
	assert.Equal(t, "a@example.com", messages[0].Recipient)
}

func TestScheduleErrors(t *testing.T) {
	s, _ := setup(t)

	type testCase struct {
		name     string
		target   string
		body     string
		wantCode int
	}
	valid := `{"senderEmail":"news@example.com","subject":"s","body":"b","recipients":["a@example.com"],"startTime":"2026-03-14T09:30:00Z","delayBetweenEmailsMs":0}`
	for _, tc := range []testCase{
		{name: "missing key", target: "/emails/schedule", body: valid, wantCode: http.StatusUnauthorized},
		{name: "unknown key", target: "/emails/schedule?key=nope", body: valid, wantCode: http.StatusUnauthorized},
		{name: "malformed body", target: "/emails/schedule?key=" + key, body: `{"recipients": "a"`, wantCode: http.StatusBadRequest},
		{name: "no recipients", target: "/emails/schedule?key=" + key, body: `{"senderEmail":"news@example.com","recipients":[]}`, wantCode: http.StatusBadRequest},
		{name: "bad recipient", target: "/emails/schedule?key=" + key, body: `{"senderEmail":"news@example.com","recipients":["a@"]}`, wantCode: http.StatusBadRequest},
		{name: "negative delay", target: "/emails/schedule?key=" + key, body: `{"senderEmail":"news@example.com","recipients":["a@example.com"],"delayBetweenEmailsMs":-5}`, wantCode: http.StatusBadRequest},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec, res := do(t, s, http.MethodPost, tc.target, tc.body)
			assert.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
			assert.NotEmpty(t, string(res["message"]))
		})
	}
}

func TestScheduleNamesBadField(t *testing.T) {
	s, _ := setup(t)

	type testCase struct {
		name      string
		body      string
		wantField string
	}
	for _, tc := range []testCase{
		{name: "malformed start time", body: `{"senderEmail":"news@example.com","recipients":["a@example.com"],"startTime":"tomorrow"}`, wantField: "startTime"},
		{name: "missing start time", body: `{"senderEmail":"news@example.com","recipients":["a@example.com"]}`, wantField: "startTime"},
		{name: "recipients not a list", body: `{"senderEmail":"news@example.com","recipients":"a@example.com","startTime":"2026-03-14T09:30:00Z"}`, wantField: "recipients"},
		{name: "delay not a number", body: `{"senderEmail":"news@example.com","recipients":["a@example.com"],"startTime":"2026-03-14T09:30:00Z","delayBetweenEmailsMs":"1s"}`, wantField: "delayBetweenEmailsMs"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec, res := do(t, s, http.MethodPost, "/emails/schedule?key="+key, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Contains(t, string(res["message"]), tc.wantField)
		})
	}
}

func TestSchedulePersistenceError(t *testing.T) {
	_, db := setup(t)
	s := New(Config{}, db, failingScheduler{}, nil, tools.Discard())

	rec, res := do(t, s, http.MethodPost, "/emails/schedule?key="+key, `{"senderEmail":"news@example.com","recipients":["a@example.com"]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, string(res["message"]), "disk full")
}

func TestListsAreScopedToKey(t *testing.T) {
	s, db := setup(t)
	require.NoError(t, db.EnsureApiKey(context.Background(), "other-key", "other"))

	rec, _ := do(t, s, http.MethodPost, "/emails/schedule?key="+key, `{"senderEmail":"news@example.com","recipients":["a@example.com"],"startTime":"2026-03-14T09:30:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, res := do(t, s, http.MethodGet, "/emails/scheduled?key=other-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(res["data"]))
}

func TestPingAndMetrics(t *testing.T) {
	s, _ := setup(t)

	rec, _ := do(t, s, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "brevq_up 1")
}

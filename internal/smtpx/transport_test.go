package smtpx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/modfin/brevq"
	"github.com/modfin/brevq/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type sent struct {
	from string
	to   []string
	raw  string
}

type fakeConn struct {
	sent   []sent
	err    error
	closed bool
}

func (f *fakeConn) Send(from string, to []string, msg io.WriterTo) error {
	if f.err != nil {
		return f.err
	}
	buf := &bytes.Buffer{}
	_, err := msg.WriteTo(buf)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, sent{from: from, to: to, raw: buf.String()})
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d fakeDialer) Dial() (gomail.SendCloser, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func relay(t *testing.T, cfg Config, d Dialer) *Relay {
	t.Helper()
	r, err := NewRelay(cfg, tools.Discard())
	require.NoError(t, err)
	return r.WithDialer(d)
}

func TestNewPicksTransport(t *testing.T) {
	tr, err := New(Config{}, tools.Discard())
	require.NoError(t, err)
	_, ok := tr.(*LogTransport)
	assert.True(t, ok)

	tr, err = New(Config{Host: "smtp.example.com", User: "bot@example.com"}, tools.Discard())
	require.NoError(t, err)
	r, ok := tr.(*Relay)
	require.True(t, ok)
	assert.Equal(t, 587, r.cfg.Port)
	assert.Equal(t, "bot@example.com", r.cfg.From)
}

func TestRelayNeedsFromAddress(t *testing.T) {
	type testCase struct {
		name    string
		cfg     Config
		wantErr bool
	}
	for _, tc := range []testCase{
		{name: "no from and no user", cfg: Config{Host: "smtp.example.com"}, wantErr: true},
		{name: "user is not an address", cfg: Config{Host: "smtp.example.com", User: "apikey"}, wantErr: true},
		{name: "from falls back to user", cfg: Config{Host: "smtp.example.com", User: "bot@example.com"}},
		{name: "named from", cfg: Config{Host: "smtp.example.com", User: "apikey", From: "Brevq <no-reply@example.com>"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg, tools.Discard())
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRelaySend(t *testing.T) {
	conn := &fakeConn{}
	r := relay(t, Config{Host: "smtp.example.com", From: "news@example.com", Hostname: "mx.example.com"}, fakeDialer{conn: conn})

	err := r.Send(context.Background(), "a@example.com", "Hello", "<p>hi</p>")
	require.NoError(t, err)
	require.Len(t, conn.sent, 1)
	assert.True(t, conn.closed)

	s := conn.sent[0]
	assert.Equal(t, "news@example.com", s.from)
	assert.Equal(t, []string{"a@example.com"}, s.to)
	assert.Contains(t, s.raw, "Subject: Hello")
	assert.Contains(t, s.raw, "Content-Type: text/html")
	assert.Contains(t, s.raw, "@mx.example.com>")
}

func TestRelayErrorsAreTransportErrors(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Host: "smtp.example.com", From: "news@example.com"}

	r := relay(t, cfg, fakeDialer{err: errors.New("connection refused")})
	err := r.Send(ctx, "a@example.com", "Hello", "<p>hi</p>")
	var te *brevq.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "a@example.com", te.Recipient)
	assert.Contains(t, err.Error(), "connection refused")

	r = relay(t, cfg, fakeDialer{conn: &fakeConn{err: errors.New("550 mailbox unavailable")}})
	err = r.Send(ctx, "a@example.com", "Hello", "<p>hi</p>")
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "550")
}

func TestSendHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conn := &fakeConn{}
	r := relay(t, Config{Host: "smtp.example.com", From: "news@example.com"}, fakeDialer{conn: conn})
	assert.ErrorIs(t, r.Send(ctx, "a@example.com", "Hello", ""), context.Canceled)
	assert.Empty(t, conn.sent)

	assert.ErrorIs(t, NewLogTransport(tools.Discard()).Send(ctx, "a@example.com", "Hello", ""), context.Canceled)
}

func TestGenerateId(t *testing.T) {
	a, err := GenerateId("mx.example.com")
	require.NoError(t, err)
	b, err := GenerateId("mx.example.com")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "@mx.example.com")
}

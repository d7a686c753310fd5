// Package smtpx delivers single messages to a recipient.
package smtpx

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/modfin/brevq"
	"github.com/modfin/brevq/tools"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

type Transport interface {
	Send(ctx context.Context, recipient string, subject string, htmlBody string) error
}

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	Hostname string
}

// New returns a relay when a host is configured and a log transport otherwise.
func New(cfg Config, lc *tools.Logger) (Transport, error) {
	if cfg.Host == "" {
		return NewLogTransport(lc), nil
	}
	r, err := NewRelay(cfg, lc)
	if err != nil {
		return nil, err
	}
	return r, nil
}

type Dialer interface {
	Dial() (gomail.SendCloser, error)
}

type Relay struct {
	cfg    Config
	dialer Dialer
	log    *logrus.Logger
}

// NewRelay fails when there is no usable From address, neither From nor User.
func NewRelay(cfg Config, lc *tools.Logger) (*Relay, error) {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.User
	}
	_, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("relay %s needs a from address, got %q, %w", cfg.Host, cfg.From, err)
	}
	return &Relay{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password),
		log:    lc.New("smtp-relay"),
	}, nil
}

// WithDialer swaps the connection factory, mainly for tests.
func (r *Relay) WithDialer(d Dialer) *Relay {
	r.dialer = d
	return r
}

func (r *Relay) compose(recipient string, subject string, htmlBody string) (*gomail.Message, error) {
	id, err := GenerateId(r.cfg.Hostname)
	if err != nil {
		return nil, err
	}
	m := gomail.NewMessage()
	m.SetHeader("Message-ID", fmt.Sprintf("<%s>", id))
	m.SetHeader("From", r.cfg.From)
	m.SetHeader("To", recipient)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", htmlBody)
	return m, nil
}

// Send dials the relay and hands over one message. A connection is used once.
func (r *Relay) Send(ctx context.Context, recipient string, subject string, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := r.compose(recipient, subject, htmlBody)
	if err != nil {
		return &brevq.TransportError{Recipient: recipient, Err: err}
	}

	sc, err := r.dialer.Dial()
	if err != nil {
		return &brevq.TransportError{Recipient: recipient, Err: fmt.Errorf("could not dial %s:%d, %w", r.cfg.Host, r.cfg.Port, err)}
	}
	defer sc.Close()

	err = gomail.Send(sc, m)
	if err != nil {
		return &brevq.TransportError{Recipient: recipient, Err: err}
	}
	r.log.WithField("rcpt", recipient).Debugf("relayed message through %s", r.cfg.Host)
	return nil
}

// LogTransport only logs what would have been sent.
type LogTransport struct {
	log *logrus.Logger
}

func NewLogTransport(lc *tools.Logger) *LogTransport {
	return &LogTransport{log: lc.New("smtp-log")}
}

func (l *LogTransport) Send(ctx context.Context, recipient string, subject string, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.WithField("rcpt", recipient).Infof("would send %q, %d bytes", subject, len(htmlBody))
	return nil
}

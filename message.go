package brevq

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/modfin/brevq/tools"
)

type Status string

func (s Status) String() string {
	return string(s)
}

// Terminal reports whether no further transitions can happen from s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

const StatusScheduled Status = "scheduled"
const StatusSent Status = "sent"
const StatusFailed Status = "failed"

// BulkRequest is one bulk send, the same subject and body to every recipient.
type BulkRequest struct {
	SenderEmail          string    `json:"senderEmail"`
	Subject              string    `json:"subject"`
	Body                 string    `json:"body"`
	Recipients           []string  `json:"recipients"`
	StartTime            time.Time `json:"startTime"`
	DelayBetweenEmailsMs int64     `json:"delayBetweenEmailsMs"`
}

func (r BulkRequest) Delay() time.Duration {
	return time.Duration(r.DelayBetweenEmailsMs) * time.Millisecond
}

// Validate returns every problem with the request joined, each one a *ValidationError.
func (r BulkRequest) Validate() error {
	return errors.Join(
		validateSender(r),
		validateRecipients(r),
		validateStart(r),
		validateDelay(r),
	)
}

func validateSender(r BulkRequest) error {
	if !tools.ValidAddress(r.SenderEmail) {
		return &ValidationError{Field: "senderEmail", Reason: fmt.Sprintf("%q is not a valid email address", r.SenderEmail)}
	}
	return nil
}

func validateRecipients(r BulkRequest) error {
	if len(r.Recipients) == 0 {
		return &ValidationError{Field: "recipients", Reason: "at least one recipient must be provided"}
	}
	for i, rcpt := range r.Recipients {
		if !tools.ValidAddress(rcpt) {
			return &ValidationError{Field: fmt.Sprintf("recipients[%d]", i), Reason: fmt.Sprintf("%q is not a valid email address", rcpt)}
		}
	}
	return nil
}

func validateStart(r BulkRequest) error {
	if r.StartTime.IsZero() {
		return &ValidationError{Field: "startTime", Reason: "must be provided"}
	}
	return nil
}

// The last recipient is due at start + (n-1)*delay, which has to fit in a time.Duration.
func validateDelay(r BulkRequest) error {
	if r.DelayBetweenEmailsMs < 0 {
		return &ValidationError{Field: "delayBetweenEmailsMs", Reason: "must not be negative"}
	}
	steps := int64(max(len(r.Recipients)-1, 1))
	if r.DelayBetweenEmailsMs > math.MaxInt64/int64(time.Millisecond)/steps {
		return &ValidationError{Field: "delayBetweenEmailsMs", Reason: fmt.Sprintf("%d is too large for %d recipients", r.DelayBetweenEmailsMs, len(r.Recipients))}
	}
	return nil
}

// Normalized trims whitespace around the addresses.
func (r BulkRequest) Normalized() BulkRequest {
	r.SenderEmail = strings.TrimSpace(r.SenderEmail)
	rcpts := make([]string, len(r.Recipients))
	for i, rcpt := range r.Recipients {
		rcpts[i] = strings.TrimSpace(rcpt)
	}
	r.Recipients = rcpts
	return r
}

type Message struct {
	ID            string     `json:"id" db:"id"`
	UserID        string     `json:"user_id" db:"user_id"`
	Sender        string     `json:"sender_email" db:"sender_email"`
	Recipient     string     `json:"recipient_email" db:"recipient_email"`
	Subject       string     `json:"subject" db:"subject"`
	Body          string     `json:"body" db:"body"`
	ScheduledAt   time.Time  `json:"scheduled_at" db:"scheduled_at"`
	SentAt        *time.Time `json:"sent_at" db:"sent_at"`
	Status        Status     `json:"status" db:"status"`
	FailureReason *string    `json:"failure_reason" db:"failure_reason"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// Summary is what the scheduler hands back for every message it created.
type Summary struct {
	ID          string    `json:"id"`
	Recipient   string    `json:"recipient_email"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      Status    `json:"status"`
}

package brevq

// Outcome is what a single job execution attempt ended in.
type Outcome string

func (o Outcome) String() string {
	return string(o)
}

// OutcomeDelivered the transport accepted the message, it is now sent.
const OutcomeDelivered Outcome = "delivered"

// OutcomeDeferred the sender was over its hourly quota, the job was moved to the next hour.
const OutcomeDeferred Outcome = "deferred"

// OutcomeRetry sending failed, the job store will try again after backoff.
const OutcomeRetry Outcome = "retry"

// OutcomeFailed sending failed on the last permitted attempt, the message is failed.
const OutcomeFailed Outcome = "failed"

// OutcomeDropped the message was missing or already terminal, nothing was sent.
const OutcomeDropped Outcome = "dropped"

// OutcomeError the attempt could not be carried out, eg. the store or the counter was unreachable.
const OutcomeError Outcome = "error"

var Outcomes = []Outcome{OutcomeDelivered, OutcomeDeferred, OutcomeRetry, OutcomeFailed, OutcomeDropped, OutcomeError}

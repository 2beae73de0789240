package notify

import (
	"context"
	"time"

	"github.com/numberbet/backend/internal/metrics"
	"go.uber.org/zap"
)

type EventType string

const (
	EventWagerPlaced      EventType = "wager_placed"
	EventWagerWon         EventType = "wager_won"
	EventWagerVoided      EventType = "wager_voided"
	EventRoundSettled     EventType = "round_settled"
	EventPaymentUpdated   EventType = "payment_request_updated"
	EventReferralRewarded EventType = "referral_rewarded"
)

// Event is a post-commit fact handed to external collaborators (chat bot, reporting).
type Event struct {
	Type        EventType         `json:"type"`
	AccountID   string            `json:"account_id,omitempty"`
	ReferenceID string            `json:"reference_id"`
	Amount      string            `json:"amount,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Sink delivers events to one transport.
type Sink interface {
	Name() string
	Send(ctx context.Context, events []Event) error
}

// Dispatcher fans events out to every sink. Delivery is best effort: failures are
// logged and counted, never retried and never returned to the caller.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	log     *zap.Logger
}

func NewDispatcher(log *zap.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Dispatcher{sinks: sinks, timeout: timeout, log: log.Named("notify")}
}

func (d *Dispatcher) Dispatch(ctx context.Context, events ...Event) {
	if len(events) == 0 || len(d.sinks) == 0 {
		return
	}

	// the triggering request may already be cancelled; the mutation has committed regardless
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	for _, sink := range d.sinks {
		err := sink.Send(sendCtx, events)
		metrics.RecordNotification(sink.Name(), err)
		if err != nil {
			d.log.Warn("notification delivery failed",
				zap.String("sink", sink.Name()),
				zap.Int("events", len(events)),
				zap.String("first_type", string(events[0].Type)),
				zap.String("first_reference", events[0].ReferenceID),
				zap.Error(err),
			)
		}
	}
}

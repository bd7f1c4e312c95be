package eventbus

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/sagaflow/orchestrator/internal/errs"
)

// NATSBus fans events out over a NATS subject in addition to its local
// in-process bus, for the cross-replica case spec §5 flags ("if multiple
// orchestrator instances run against the same store"): every instance's
// observers (dashboard feeds, metrics aggregators) see the same event
// stream regardless of which instance advanced the saga. It is grounded
// on the teacher's framework/adapters/messagebus/nats.go NATSAdapter,
// reused here for domain events instead of command/query envelopes.
type NATSBus struct {
	conn    *nats.Conn
	subject string
	local   *InMemory
}

func NewNATS(conn *nats.Conn, subject string) *NATSBus {
	return &NATSBus{conn: conn, subject: subject, local: NewInMemory()}
}

// wireEvent is the JSON wire form published to NATS; unlike the
// in-process Event, it carries Type/timestamps as plain strings.
type wireEvent struct {
	Type          Type                   `json:"type"`
	SagaID        string                 `json:"saga_id"`
	StepID        string                 `json:"step_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	OccurredAt    string                 `json:"occurred_at"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

func (b *NATSBus) Publish(ctx context.Context, event Event) error {
	if err := b.local.Publish(ctx, event); err != nil {
		return err
	}
	body, err := json.Marshal(wireEvent{
		Type:          event.Type,
		SagaID:        event.SagaID,
		StepID:        event.StepID,
		CorrelationID: event.CorrelationID,
		OccurredAt:    event.OccurredAt.Format("2006-01-02T15:04:05.000Z07:00"),
		Data:          event.Data,
	})
	if err != nil {
		return errs.Wrap(err, errs.KindValidation, "marshal event for nats publish")
	}
	if err := b.conn.Publish(b.subject, body); err != nil {
		return errs.Wrap(err, errs.KindStepTransient, "nats publish failed")
	}
	return nil
}

func (b *NATSBus) Subscribe(t Type, handler Handler) {
	b.local.Subscribe(t, handler)
}

// SubscribeRemote also drives handler for events published by other
// instances, decoded off the NATS subject.
func (b *NATSBus) SubscribeRemote(ctx context.Context, handler func(ctx context.Context, event Event) error) (*nats.Subscription, error) {
	return b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		var w wireEvent
		if err := json.Unmarshal(msg.Data, &w); err != nil {
			return
		}
		_ = handler(ctx, Event{
			Type: w.Type, SagaID: w.SagaID, StepID: w.StepID,
			CorrelationID: w.CorrelationID, Data: w.Data,
		})
	})
}

package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/nats-io/nats.go"

	"github.com/sagaflow/orchestrator/internal/errs"
	"github.com/sagaflow/orchestrator/saga"
)

// MessageQueueExecutor implements the optional StepTypeMessageQueue
// variant (spec §4.5 "Optional variants ... must either be registered by
// the host"). It is adapted from the teacher's
// framework/adapters/messagebus/nats.go NATSAdapter.Publish — trimmed down
// to the one operation a forward/compensating queue step needs (publish
// the step config's payload as a message) and stripped of the request/reply and
// subscription machinery that adapter also carries, which no step type in
// spec §4.5 needs.
type MessageQueueExecutor struct {
	conn *nats.Conn
}

func NewMessageQueueExecutor(conn *nats.Conn) *MessageQueueExecutor {
	return &MessageQueueExecutor{conn: conn}
}

type messageQueueConfig struct {
	Subject   string                 `mapstructure:"subject" validate:"required"`
	Payload   map[string]interface{} `mapstructure:"payload"`
	TimeoutMs int64                  `mapstructure:"timeout_ms"`
}

func (e *MessageQueueExecutor) Execute(ctx context.Context, step *saga.Step, sagaInput saga.Data) Result {
	start := time.Now()
	var cfg messageQueueConfig
	if err := decodeInto(step.Config, &cfg); err != nil {
		return fail(errs.Wrap(err, errs.KindStepTerminal, "invalid message_queue config"), start)
	}
	if e.conn == nil {
		return fail(errs.New(errs.KindStepTerminal, "no message queue connection registered"), start)
	}

	body, err := json.Marshal(cfg.Payload)
	if err != nil {
		return fail(errs.Wrap(err, errs.KindStepTerminal, "marshal payload"), start)
	}

	if err := e.conn.Publish(cfg.Subject, body); err != nil {
		return fail(errs.Wrap(err, errs.KindStepTransient, "publish failed"), start)
	}
	if err := e.conn.FlushTimeout(2 * time.Second); err != nil {
		return fail(errs.Wrap(err, errs.KindStepTransient, "flush failed"), start)
	}
	return ok(saga.Data{"subject": cfg.Subject}, start)
}

func decodeInto(raw saga.Data, out interface{}) error {
	return mapstructure.Decode(map[string]interface{}(raw), out)
}

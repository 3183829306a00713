package notify

import (
	"context"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Emitter enqueues side effects on a best-effort basis. A failed enqueue is
// logged and never reaches the caller.
type Emitter struct {
	outbox Outbox
}

// NewEmitter returns an Emitter writing to outbox.
func NewEmitter(outbox Outbox) *Emitter {
	return &Emitter{outbox: outbox}
}

// Emit enqueues msgs.
func (e *Emitter) Emit(ctx context.Context, msgs ...Message) {
	if len(msgs) == 0 {
		return
	}
	if err := e.outbox.Enqueue(ctx, msgs...); err != nil {
		topics := make([]string, len(msgs))
		for i, m := range msgs {
			topics[i] = string(m.Topic)
		}
		zctx.From(ctx).Warn("Enqueue side effects failed",
			zap.String("order_id", msgs[0].Payload.OrderID),
			zap.Strings("topics", topics),
			zap.Error(err),
		)
	}
}

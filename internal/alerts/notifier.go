package alerts

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Sender interface {
	Send(ctx context.Context, message string) error
}

// Notifier logs every event and forwards it to Telegram when configured.
// Delivery failures are logged and never returned to the caller.
type Notifier struct {
	sender Sender
	log    *zap.Logger
}

func NewNotifier(sender Sender, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{sender: sender, log: log}
}

func (n *Notifier) Emit(ctx context.Context, message string) {
	if n == nil {
		return
	}
	n.log.Info("notify", zap.String("message", message))
	if n.sender == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := n.sender.Send(sendCtx, message); err != nil {
		n.log.Warn("notification delivery failed", zap.Error(err))
	}
}

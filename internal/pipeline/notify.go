package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/emperorhan/block-indexer/internal/alert"
)

const alertSendTimeout = 15 * time.Second

// notify delivers a best-effort alert. It outlives cancellation of ctx so a
// failure seen during shutdown is still reported.
func notify(ctx context.Context, alerter alert.Alerter, logger *slog.Logger, a alert.Alert) {
	if alerter == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertSendTimeout)
	defer cancel()
	if err := alerter.Send(sendCtx, a); err != nil {
		logger.Warn("failed to send alert", "type", a.Type, "error", err)
	}
}

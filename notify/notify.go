// Package notify delivers stock alerts to device owners.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"pillmate/inventorywatch"
)

// LogNotifier writes alerts to the log.  It is the fallback when no delivery
// channel is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, alert inventorywatch.Alert) error {
	slog.InfoContext(ctx, "Stock alert",
		slog.String("pin", alert.PIN),
		slog.String("owner", alert.OwnerUID),
		slog.String("title", alert.Title),
		slog.String("body", alert.Body))
	return nil
}

// Multi delivers every alert through each notifier in turn.
type Multi []inventorywatch.Notifier

func (m Multi) Notify(ctx context.Context, alert inventorywatch.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

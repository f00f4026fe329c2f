package journal

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/devserve/internal/events"
)

// Consumer journals build lifecycle events published on the bus.
type Consumer struct {
	store *Store
	bus   *events.Bus
}

// NewConsumer wires a consumer; call Run to start draining.
func NewConsumer(store *Store, bus *events.Bus) *Consumer {
	return &Consumer{store: store, bus: bus}
}

// Run drains bus subscriptions until ctx is canceled or the bus closes.
func (c *Consumer) Run(ctx context.Context) {
	started, unsubStarted := events.Subscribe[events.BuildStarted](c.bus, 64)
	defer unsubStarted()
	completed, unsubCompleted := events.Subscribe[events.BuildCompleted](c.bus, 64)
	defer unsubCompleted()
	failed, unsubFailed := events.Subscribe[events.BuildFailed](c.bus, 64)
	defer unsubFailed()
	applied, unsubApplied := events.Subscribe[events.EntrypointsApplied](c.bus, 16)
	defer unsubApplied()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-started:
			if !ok {
				return
			}
			c.append(ctx, evt.BuildID, "build_started", evt)
		case evt, ok := <-completed:
			if !ok {
				return
			}
			c.append(ctx, evt.BuildID, "build_completed", evt)
		case evt, ok := <-failed:
			if !ok {
				return
			}
			c.append(ctx, evt.BuildID, "build_failed", evt)
		case evt, ok := <-applied:
			if !ok {
				return
			}
			c.append(ctx, "", "entrypoints_applied", evt)
		}
	}
}

func (c *Consumer) append(ctx context.Context, buildID, eventType string, payload any) {
	if err := c.store.Append(ctx, buildID, eventType, payload); err != nil {
		slog.Warn("journal append failed", "event_type", eventType, "error", err)
	}
}

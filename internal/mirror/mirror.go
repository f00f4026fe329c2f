// Package mirror republishes build lifecycle events to NATS so external
// tooling (dashboards, CI observers) can follow the dev server without
// attaching a websocket.
package mirror

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/devserve/internal/config"
	"git.home.luguber.info/inful/devserve/internal/events"
	ferrors "git.home.luguber.info/inful/devserve/internal/foundation/errors"
)

// Mirror forwards bus events to a NATS subject.
type Mirror struct {
	conn    *nats.Conn
	subject string
	bus     *events.Bus
}

// envelope is the wire shape of a mirrored event.
type envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// New connects to NATS per cfg. Returns an error when the mirror is disabled;
// callers should check cfg.Enabled first.
func New(cfg config.MirrorConfig, bus *events.Bus) (*Mirror, error) {
	if !cfg.Enabled {
		return nil, ferrors.ConfigError("event mirror is disabled").Build()
	}

	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryNetwork, "connect to NATS").
			WithContext("url", cfg.URL).Build()
	}

	slog.Info("event mirror connected", "url", cfg.URL, "subject", cfg.Subject)
	return &Mirror{conn: conn, subject: cfg.Subject, bus: bus}, nil
}

// Run forwards events until ctx is canceled or the bus closes.
func (m *Mirror) Run(ctx context.Context) {
	started, unsubStarted := events.Subscribe[events.BuildStarted](m.bus, 64)
	defer unsubStarted()
	completed, unsubCompleted := events.Subscribe[events.BuildCompleted](m.bus, 64)
	defer unsubCompleted()
	failed, unsubFailed := events.Subscribe[events.BuildFailed](m.bus, 64)
	defer unsubFailed()
	issuesUpdated, unsubIssues := events.Subscribe[events.IssuesUpdated](m.bus, 64)
	defer unsubIssues()
	connected, unsubConnected := events.Subscribe[events.ClientConnected](m.bus, 16)
	defer unsubConnected()
	disconnected, unsubDisconnected := events.Subscribe[events.ClientDisconnected](m.bus, 16)
	defer unsubDisconnected()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-started:
			if !ok {
				return
			}
			m.forward("build_started", evt)
		case evt, ok := <-completed:
			if !ok {
				return
			}
			m.forward("build_completed", evt)
		case evt, ok := <-failed:
			if !ok {
				return
			}
			m.forward("build_failed", evt)
		case evt, ok := <-issuesUpdated:
			if !ok {
				return
			}
			m.forward("issues_updated", evt)
		case evt, ok := <-connected:
			if !ok {
				return
			}
			m.forward("client_connected", evt)
		case evt, ok := <-disconnected:
			if !ok {
				return
			}
			m.forward("client_disconnected", evt)
		}
	}
}

func (m *Mirror) forward(eventType string, payload any) {
	data, err := json.Marshal(envelope{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		slog.Warn("mirror marshal failed", "event_type", eventType, "error", err)
		return
	}
	if err := m.conn.Publish(m.subject, data); err != nil {
		slog.Debug("mirror publish failed", "event_type", eventType, "error", err)
	}
}

// Close drains and closes the NATS connection.
func (m *Mirror) Close() {
	if m.conn == nil {
		return
	}
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
	}
}

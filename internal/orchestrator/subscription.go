package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"git.home.luguber.info/inful/devserve/internal/engine"
	"git.home.luguber.info/inful/devserve/internal/hub"
	"git.home.luguber.info/inful/devserve/internal/issues"
	"git.home.luguber.info/inful/devserve/internal/observability"
)

// SubKey identifies one change subscription.
type SubKey struct {
	Unit  string
	Phase engine.Phase
}

// OnChange translates one engine change event into zero or one outbound
// notification for the owning unit.
type OnChange func(unitKey string, ev engine.ChangeEvent) (hub.Message, bool)

// SubscriptionManager owns one live engine change stream per (unit, phase)
// pair. Each subscription runs as an independent goroutine blocking on "next
// change from engine"; N subscriptions make progress independently.
type SubscriptionManager struct {
	mu   sync.Mutex
	subs map[SubKey]*subscription

	ledger    *issues.Ledger
	coalescer *Coalescer
	// onIssues is invoked after a subscription updates the ledger. May be nil.
	onIssues func(unitKey string, issueCount int)
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSubscriptionManager wires the manager to the ledger and coalescer.
func NewSubscriptionManager(ledger *issues.Ledger, coalescer *Coalescer, onIssues func(unitKey string, issueCount int)) *SubscriptionManager {
	return &SubscriptionManager{
		subs:      make(map[SubKey]*subscription),
		ledger:    ledger,
		coalescer: coalescer,
		onIssues:  onIssues,
	}
}

// Subscribe arms the change stream for (unitKey, phase). Subscribing to an
// already-armed pair is a no-op. wantsIssues controls whether change events
// update the unit's ledger bucket; only one phase per unit should carry
// issues, or the phases would clobber each other's buckets.
func (m *SubscriptionManager) Subscribe(ctx context.Context, unitKey string, phase engine.Phase, wantsIssues bool, ep engine.UnitDescriptor, onChange OnChange) {
	key := SubKey{Unit: unitKey, Phase: phase}

	m.mu.Lock()
	if _, exists := m.subs[key]; exists {
		m.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	m.subs[key] = sub
	m.mu.Unlock()

	go m.run(subCtx, key, sub, wantsIssues, ep, onChange)
}

func (m *SubscriptionManager) run(ctx context.Context, key SubKey, sub *subscription, wantsIssues bool, ep engine.UnitDescriptor, onChange OnChange) {
	defer close(sub.done)

	ctx = observability.WithPhase(observability.WithUnitKey(ctx, key.Unit), string(key.Phase))

	var (
		stream *engine.Stream[engine.ChangeEvent]
		err    error
	)
	switch key.Phase {
	case engine.PhaseClient:
		stream, err = ep.ClientChanged(ctx)
	default:
		stream, err = ep.ServerChanged(ctx, wantsIssues)
	}
	if err != nil {
		observability.ErrorContext(ctx, "failed to open change stream", slog.Any("error", err))
		m.remove(key, sub)
		return
	}
	defer stream.Close()

	for ev := range stream.C {
		if wantsIssues {
			m.ledger.Record(key.Unit, ev.Issues)
			if m.onIssues != nil {
				m.onIssues(key.Unit, len(ev.Issues))
			}
		}
		if msg, ok := onChange(key.Unit, ev); ok {
			m.coalescer.EnqueueKeyed(key.Unit+":"+string(key.Phase), msg)
		}
	}

	if streamErr := stream.Err(); streamErr != nil && ctx.Err() == nil {
		observability.WarnContext(ctx, "change stream ended abnormally", slog.Any("error", streamErr))
	}
	m.remove(key, sub)
}

// remove drops the subscription only if it is still the registered one; a
// replacement armed after Unsubscribe must not be clobbered by the old
// goroutine's exit.
func (m *SubscriptionManager) remove(key SubKey, sub *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.subs[key]; ok && current == sub {
		delete(m.subs, key)
	}
}

// Unsubscribe cancels the (unitKey, phase) subscription and waits for its
// goroutine to exit, so a subsequent Subscribe on the same key never observes
// the old iteration still running. Unknown keys are a no-op.
func (m *SubscriptionManager) Unsubscribe(unitKey string, phase engine.Phase) {
	key := SubKey{Unit: unitKey, Phase: phase}

	m.mu.Lock()
	sub, ok := m.subs[key]
	if ok {
		delete(m.subs, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	sub.cancel()
	<-sub.done
}

// UnsubscribeUnit cancels both phases of the unit.
func (m *SubscriptionManager) UnsubscribeUnit(unitKey string) {
	m.Unsubscribe(unitKey, engine.PhaseServer)
	m.Unsubscribe(unitKey, engine.PhaseClient)
}

// Units returns the distinct unit keys with at least one live subscription.
func (m *SubscriptionManager) Units() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{}, len(m.subs))
	for key := range m.subs {
		seen[key.Unit] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for unit := range seen {
		out = append(out, unit)
	}
	return out
}

// Has reports whether the (unitKey, phase) pair is currently armed.
func (m *SubscriptionManager) Has(unitKey string, phase engine.Phase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[SubKey{Unit: unitKey, Phase: phase}]
	return ok
}

// Shutdown cancels every subscription and waits for all goroutines to exit.
func (m *SubscriptionManager) Shutdown() {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[SubKey]*subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	for _, sub := range subs {
		<-sub.done
	}
}

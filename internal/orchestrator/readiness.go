package orchestrator

import (
	"sync"

	"git.home.luguber.info/inful/devserve/internal/util/sets"
)

// ReadinessTracker keeps the disjoint building/ready sets and drives the
// global loading indicator. A unit key is never in both sets at once.
type ReadinessTracker struct {
	mu       sync.Mutex
	building sets.Set[string]
	ready    sets.Set[string]

	// onFirstBuilding fires when the building set goes 0 -> 1, with the
	// identity of the triggering request attached for observability.
	onFirstBuilding func(requestor string)
	// onAllReady fires when the building set goes 1 -> 0.
	onAllReady func()
	// onSizes reports set sizes after every transition (metrics gauge feed).
	onSizes func(building, ready int)
}

// NewReadinessTracker creates an empty tracker. Callbacks may be nil.
func NewReadinessTracker(onFirstBuilding func(requestor string), onAllReady func(), onSizes func(building, ready int)) *ReadinessTracker {
	return &ReadinessTracker{
		building:        sets.New[string](),
		ready:           sets.New[string](),
		onFirstBuilding: onFirstBuilding,
		onAllReady:      onAllReady,
		onSizes:         onSizes,
	}
}

// StartBuilding moves the unit into the building set and returns a completion
// handle. If the unit is already ready and force is false, this is an
// idempotent short-circuit: started is false and the returned handle is inert.
//
// The handle must be called on every exit path of the build so bookkeeping
// never leaks a permanently-building unit. finish(true) promotes the unit to
// ready; finish(false) drops it from building without promoting, so a failed
// build is retried by the next ensure instead of being served as ready. Only
// the first call counts.
func (t *ReadinessTracker) StartBuilding(unitKey, requestor string, force bool) (finish func(succeeded bool), started bool) {
	t.mu.Lock()

	if t.ready.Has(unitKey) {
		if !force {
			t.mu.Unlock()
			return func(bool) {}, false
		}
		t.ready.Delete(unitKey)
	}

	first := t.building.Len() == 0 && !t.building.Has(unitKey)
	t.building.Add(unitKey)
	b, r := t.building.Len(), t.ready.Len()
	t.mu.Unlock()

	t.report(b, r)
	if first && t.onFirstBuilding != nil {
		t.onFirstBuilding(requestor)
	}

	var once sync.Once
	return func(succeeded bool) {
		once.Do(func() { t.finishBuilding(unitKey, succeeded) })
	}, true
}

func (t *ReadinessTracker) finishBuilding(unitKey string, succeeded bool) {
	t.mu.Lock()
	if !t.building.Has(unitKey) {
		t.mu.Unlock()
		return
	}
	t.building.Delete(unitKey)
	if succeeded {
		t.ready.Add(unitKey)
	}
	last := t.building.Len() == 0
	b, r := t.building.Len(), t.ready.Len()
	t.mu.Unlock()

	t.report(b, r)
	if last && t.onAllReady != nil {
		t.onAllReady()
	}
}

// Forget drops the unit from both sets, used when the unit vanishes from the
// entrypoint graph. A forgotten unit that was mid-build will have its finish
// handle become a no-op.
func (t *ReadinessTracker) Forget(unitKey string) {
	t.mu.Lock()
	wasBuilding := t.building.Has(unitKey)
	t.building.Delete(unitKey)
	t.ready.Delete(unitKey)
	last := wasBuilding && t.building.Len() == 0
	b, r := t.building.Len(), t.ready.Len()
	t.mu.Unlock()

	t.report(b, r)
	if last && t.onAllReady != nil {
		t.onAllReady()
	}
}

// IsReady reports whether the unit is in the ready set.
func (t *ReadinessTracker) IsReady(unitKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready.Has(unitKey)
}

// IsBuilding reports whether the unit is in the building set.
func (t *ReadinessTracker) IsBuilding(unitKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.building.Has(unitKey)
}

// Sizes returns the current set sizes.
func (t *ReadinessTracker) Sizes() (building, ready int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.building.Len(), t.ready.Len()
}

func (t *ReadinessTracker) report(building, ready int) {
	if t.onSizes != nil {
		t.onSizes(building, ready)
	}
}

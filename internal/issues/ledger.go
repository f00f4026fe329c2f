// Package issues tracks per-unit build diagnostics and decides when they
// should gate client notifications or abort a materialization.
package issues

import (
	"sort"
	"strings"
	"sync"

	"git.home.luguber.info/inful/devserve/internal/engine"
)

// DefaultDependencyBoundaries are path fragments that mark third-party code.
// Errors located under these paths are still surfaced to clients but never
// abort the request that triggered the compile.
var DefaultDependencyBoundaries = []string{"/node_modules/", "/vendor/"}

// Ledger owns the per-unit diagnostic buckets.
//
// A bucket holds the error/fatal issues of the unit's most recent compile;
// warnings and infos are retained separately for display. Recording replaces
// a unit's entries wholesale so stale diagnostics never linger.
type Ledger struct {
	mu         sync.RWMutex
	buckets    map[string][]engine.Issue // error/fatal only
	warnings   map[string][]engine.Issue // warning/info, display only
	boundaries []string
}

// NewLedger creates an empty ledger using DefaultDependencyBoundaries.
func NewLedger() *Ledger {
	return NewLedgerWithBoundaries(DefaultDependencyBoundaries)
}

// NewLedgerWithBoundaries creates an empty ledger with custom dependency
// boundary fragments.
func NewLedgerWithBoundaries(boundaries []string) *Ledger {
	return &Ledger{
		buckets:    make(map[string][]engine.Issue),
		warnings:   make(map[string][]engine.Issue),
		boundaries: boundaries,
	}
}

// Record replaces the unit's entire diagnostic set and reports whether the
// unit now has blocking issues. Dependency-boundary errors are kept in the
// bucket (they gate notifications and are shown to clients) but do not count
// as blocking for the caller.
func (l *Ledger) Record(unitKey string, issues []engine.Issue) bool {
	var errs, warns []engine.Issue
	blocking := false
	seen := make(map[string]struct{}, len(issues))

	for _, issue := range issues {
		if _, dup := seen[issue.Key()]; dup {
			continue
		}
		seen[issue.Key()] = struct{}{}

		if issue.Severity.Blocking() {
			errs = append(errs, issue)
			if !l.underBoundary(issue.FilePath) {
				blocking = true
			}
		} else {
			warns = append(warns, issue)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(errs) == 0 {
		delete(l.buckets, unitKey)
	} else {
		l.buckets[unitKey] = errs
	}
	if len(warns) == 0 {
		delete(l.warnings, unitKey)
	} else {
		l.warnings[unitKey] = warns
	}
	return blocking
}

// Clear discards all diagnostics for the unit.
func (l *Ledger) Clear(unitKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, unitKey)
	delete(l.warnings, unitKey)
}

// Empty reports whether no unit currently has a non-empty error bucket.
// Notification flushes are held back while this is false.
func (l *Ledger) Empty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets) == 0
}

// Blocking returns the unit's blocking issues, excluding dependency-boundary
// errors. Used by throw-on-issue materialization.
func (l *Ledger) Blocking(unitKey string) []engine.Issue {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []engine.Issue
	for _, issue := range l.buckets[unitKey] {
		if !l.underBoundary(issue.FilePath) {
			out = append(out, issue)
		}
	}
	return out
}

// Entry is one (unit, issue) pair in a ledger snapshot.
type Entry struct {
	UnitKey string
	Issue   engine.Issue
}

// Snapshot returns all error entries ordered by unit key, then by issue
// identity. Order is stable so repeated snapshots of the same state compare
// equal.
func (l *Ledger) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return flatten(l.buckets)
}

// WarningSnapshot returns all warning/info entries in the same stable order.
func (l *Ledger) WarningSnapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return flatten(l.warnings)
}

// Keys returns the unit keys that currently hold any diagnostics.
func (l *Ledger) Keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make(map[string]struct{}, len(l.buckets)+len(l.warnings))
	for k := range l.buckets {
		keys[k] = struct{}{}
	}
	for k := range l.warnings {
		keys[k] = struct{}{}
	}
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) underBoundary(filePath string) bool {
	if filePath == "" {
		return false
	}
	for _, fragment := range l.boundaries {
		if strings.Contains(filePath, fragment) {
			return true
		}
	}
	return false
}

func flatten(m map[string][]engine.Issue) []Entry {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Entry
	for _, k := range keys {
		issues := append([]engine.Issue(nil), m[k]...)
		sort.Slice(issues, func(i, j int) bool { return issues[i].Key() < issues[j].Key() })
		for _, issue := range issues {
			out = append(out, Entry{UnitKey: k, Issue: issue})
		}
	}
	return out
}

package fsengine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/devserve/internal/engine"
)

// debounceWindow batches filesystem event bursts into one rescan.
const debounceWindow = 50 * time.Millisecond

type project struct {
	cfg     engine.ProjectConfig
	watcher *fsnotify.Watcher

	mu         sync.Mutex
	nextID     int
	entrySubs  map[int]chan engine.EntrypointsSnapshot
	updateSubs map[int]chan engine.UpdateInfo
	changeSubs map[int]*changeSub
	hmrSubs    map[int]*hmrSub
	closed     bool

	closeOnce sync.Once
	done      chan struct{}
}

type changeSub struct {
	srcPath       string
	includeIssues bool
	ch            chan engine.ChangeEvent
}

type hmrSub struct {
	id string
	ch chan json.RawMessage
}

func newProject(cfg engine.ProjectConfig, watcher *fsnotify.Watcher) *project {
	return &project{
		cfg:        cfg,
		watcher:    watcher,
		entrySubs:  make(map[int]chan engine.EntrypointsSnapshot),
		updateSubs: make(map[int]chan engine.UpdateInfo),
		changeSubs: make(map[int]*changeSub),
		hmrSubs:    make(map[int]*hmrSub),
		done:       make(chan struct{}),
	}
}

func (p *project) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.watcher.Close()

		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed = true
		for id, ch := range p.entrySubs {
			close(ch)
			delete(p.entrySubs, id)
		}
		for id, ch := range p.updateSubs {
			close(ch)
			delete(p.updateSubs, id)
		}
		for id, sub := range p.changeSubs {
			close(sub.ch)
			delete(p.changeSubs, id)
		}
		for id, sub := range p.hmrSubs {
			close(sub.ch)
			delete(p.hmrSubs, id)
		}
	})
	return nil
}

// run owns the watcher: it debounces event bursts, rescans the tree, and
// fans the results out to every live subscription.
func (p *project) run(ctx context.Context) {
	var (
		timerMu sync.Mutex
		timer   *time.Timer
		dirty   = make(map[string]struct{})
	)

	rescan := func() {
		timerMu.Lock()
		changed := dirty
		dirty = make(map[string]struct{})
		timerMu.Unlock()

		start := time.Now()
		p.emitUpdate(engine.UpdateInfo{Kind: engine.UpdateStart})

		snap := scan(p)
		p.emitSnapshot(snap)
		p.emitChanges(changed)

		p.emitUpdate(engine.UpdateInfo{
			Kind:     engine.UpdateEnd,
			Duration: time.Since(start),
			Tasks:    len(changed),
		})
	}

	for {
		select {
		case <-ctx.Done():
			_ = p.Close()
			return
		case <-p.done:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				// New directories must join the watch set for nested changes.
				_ = watchRecursive(p.watcher, event.Name)
			}
			timerMu.Lock()
			dirty[event.Name] = struct{}{}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, rescan)
			timerMu.Unlock()
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("filesystem watcher error", "error", err)
		}
	}
}

func (p *project) emitSnapshot(snap engine.EntrypointsSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.entrySubs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (p *project) emitUpdate(info engine.UpdateInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.updateSubs {
		select {
		case ch <- info:
		default:
		}
	}
}

func (p *project) emitChanges(changed map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sub := range p.changeSubs {
		if _, hit := changed[sub.srcPath]; !hit {
			continue
		}
		ev := engine.ChangeEvent{}
		if sub.includeIssues {
			ev.Issues = diagnose(sub.srcPath)
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}

	for _, sub := range p.hmrSubs {
		matched := false
		for path := range changed {
			if strings.Contains(path, strings.TrimPrefix(sub.id, "/")) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		payload, _ := json.Marshal(map[string]string{"type": "update", "id": sub.id})
		select {
		case sub.ch <- payload:
		default:
		}
	}
}

// Entrypoints emits the current graph immediately, then on every change.
func (p *project) Entrypoints(ctx context.Context) (*engine.Stream[engine.EntrypointsSnapshot], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errProjectClosed()
	}
	id := p.nextID
	p.nextID++
	ch := make(chan engine.EntrypointsSnapshot, 8)
	p.entrySubs[id] = ch
	p.mu.Unlock()

	ch <- scan(p)

	return newSubStream(p, ctx, ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if existing, ok := p.entrySubs[id]; ok && existing == ch {
			delete(p.entrySubs, id)
			close(ch)
		}
	}), nil
}

// UpdateInfo reports rescan timing. The interval is advisory here; reports
// already arrive at most once per debounce window.
func (p *project) UpdateInfo(ctx context.Context, _ time.Duration) (*engine.Stream[engine.UpdateInfo], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errProjectClosed()
	}
	id := p.nextID
	p.nextID++
	ch := make(chan engine.UpdateInfo, 16)
	p.updateSubs[id] = ch
	p.mu.Unlock()

	return newSubStream(p, ctx, ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if existing, ok := p.updateSubs[id]; ok && existing == ch {
			delete(p.updateSubs, id)
			close(ch)
		}
	}), nil
}

// HMREvents emits an initial state item, then a payload per matching change.
func (p *project) HMREvents(ctx context.Context, id string) (*engine.Stream[json.RawMessage], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errProjectClosed()
	}
	subID := p.nextID
	p.nextID++
	ch := make(chan json.RawMessage, 16)
	p.hmrSubs[subID] = &hmrSub{id: id, ch: ch}
	p.mu.Unlock()

	initial, _ := json.Marshal(map[string]string{"type": "initial", "id": id})
	ch <- initial

	return newSubStream(p, ctx, ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if sub, ok := p.hmrSubs[subID]; ok && sub.ch == ch {
			delete(p.hmrSubs, subID)
			close(ch)
		}
	}), nil
}

// subscribeChange registers a change stream for one source file.
func (p *project) subscribeChange(ctx context.Context, srcPath string, includeIssues bool) (*engine.Stream[engine.ChangeEvent], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errProjectClosed()
	}
	id := p.nextID
	p.nextID++
	ch := make(chan engine.ChangeEvent, 16)
	p.changeSubs[id] = &changeSub{srcPath: srcPath, includeIssues: includeIssues, ch: ch}
	p.mu.Unlock()

	return newSubStream(p, ctx, ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if sub, ok := p.changeSubs[id]; ok && sub.ch == ch {
			delete(p.changeSubs, id)
			close(ch)
		}
	}), nil
}

// newSubStream wraps a channel with ctx-bound cleanup. The emitters send
// while holding the project lock and the closers delete under the same lock,
// so a returned Close guarantees no further sends.
func newSubStream[T any](p *project, ctx context.Context, ch chan T, cleanup func()) *engine.Stream[T] {
	var once sync.Once
	closeFn := func() { once.Do(cleanup) }

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				closeFn()
			case <-p.done:
			}
		}()
	}
	return engine.NewStream(ch, closeFn, nil)
}

// Package enginetest provides a scriptable in-memory engine for tests.
// Streams are plain channels the test drives directly; descriptors record
// every call so assertions can check what the caller materialized.
package enginetest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"git.home.luguber.info/inful/devserve/internal/engine"
)

// Project is a scriptable engine.Project.
type Project struct {
	mu sync.Mutex

	entryCh  chan engine.EntrypointsSnapshot
	updateCh chan engine.UpdateInfo

	hmrStreams map[string]*hmrStream
	closed     bool
}

type hmrStream struct {
	ch     chan json.RawMessage
	err    error
	closed bool
	mu     sync.Mutex
}

// NewProject creates an idle project. Drive it with the Emit helpers.
func NewProject() *Project {
	return &Project{
		entryCh:    make(chan engine.EntrypointsSnapshot, 16),
		updateCh:   make(chan engine.UpdateInfo, 16),
		hmrStreams: make(map[string]*hmrStream),
	}
}

// EmitSnapshot pushes one entrypoint graph snapshot.
func (p *Project) EmitSnapshot(snap engine.EntrypointsSnapshot) {
	p.entryCh <- snap
}

// EmitUpdate pushes one update-timing report.
func (p *Project) EmitUpdate(info engine.UpdateInfo) {
	p.updateCh <- info
}

// EmitHMR pushes one raw payload on the identified subscription. No-op if
// nothing subscribed to the id.
func (p *Project) EmitHMR(id string, payload json.RawMessage) {
	p.mu.Lock()
	s := p.hmrStreams[id]
	p.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.ch <- payload
	}
}

// HasHMR reports whether a subscription for id is live.
func (p *Project) HasHMR(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.hmrStreams[id]
	return ok
}

// FailHMR terminates the identified subscription with err.
func (p *Project) FailHMR(id string, err error) {
	p.mu.Lock()
	s := p.hmrStreams[id]
	delete(p.hmrStreams, id)
	p.mu.Unlock()
	if s != nil {
		s.terminate(err)
	}
}

// terminate closes the stream channel exactly once.
func (s *hmrStream) terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

func (p *Project) Entrypoints(context.Context) (*engine.Stream[engine.EntrypointsSnapshot], error) {
	return engine.NewStream(p.entryCh, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.closed {
			p.closed = true
			close(p.entryCh)
		}
	}, nil), nil
}

func (p *Project) UpdateInfo(context.Context, time.Duration) (*engine.Stream[engine.UpdateInfo], error) {
	return engine.NewStream(p.updateCh, nil, nil), nil
}

func (p *Project) HMREvents(ctx context.Context, id string) (*engine.Stream[json.RawMessage], error) {
	s := &hmrStream{ch: make(chan json.RawMessage, 16)}

	p.mu.Lock()
	p.hmrStreams[id] = s
	p.mu.Unlock()

	// Initial state item, per the engine contract.
	initial, _ := json.Marshal(map[string]string{"type": "initial", "id": id})
	s.ch <- initial

	closeFn := func() {
		p.mu.Lock()
		if current, ok := p.hmrStreams[id]; ok && current == s {
			delete(p.hmrStreams, id)
		}
		p.mu.Unlock()
		s.terminate(nil)
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			closeFn()
		}()
	}

	return engine.NewStream(s.ch, closeFn, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	}), nil
}

func (p *Project) Close() error { return nil }

// Descriptor is a scriptable engine.UnitDescriptor.
type Descriptor struct {
	mu sync.Mutex

	key     string
	written *engine.WrittenEndpoint
	wErr    error

	writeCalls int

	serverCh chan engine.ChangeEvent
	clientCh chan engine.ChangeEvent

	// lastIncludeIssues records the flag of the latest ServerChanged call.
	lastIncludeIssues bool
}

// NewDescriptor creates a descriptor that materializes one server path and
// no diagnostics until scripted otherwise.
func NewDescriptor(key string) *Descriptor {
	return &Descriptor{
		key: key,
		written: &engine.WrittenEndpoint{
			ServerPaths: []engine.ServerPath{{Path: key + ".out", ContentHash: "0"}},
			Runtime:     engine.RuntimeNodeJS,
		},
		serverCh: make(chan engine.ChangeEvent, 16),
		clientCh: make(chan engine.ChangeEvent, 16),
	}
}

// SetWritten scripts the materialization result.
func (d *Descriptor) SetWritten(we *engine.WrittenEndpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written = we
}

// SetIssues scripts diagnostics onto the materialization result.
func (d *Descriptor) SetIssues(issues ...engine.Issue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written.Issues = issues
}

// SetWriteError scripts a materialization failure.
func (d *Descriptor) SetWriteError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wErr = err
}

// EmitServerChange fires one server-side invalidation.
func (d *Descriptor) EmitServerChange(ev engine.ChangeEvent) { d.serverCh <- ev }

// EmitClientChange fires one client-side invalidation.
func (d *Descriptor) EmitClientChange(ev engine.ChangeEvent) { d.clientCh <- ev }

// WriteCalls reports how many times WriteToDisk ran.
func (d *Descriptor) WriteCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeCalls
}

// LastIncludeIssues reports the includeIssues flag of the latest
// ServerChanged subscription.
func (d *Descriptor) LastIncludeIssues() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastIncludeIssues
}

func (d *Descriptor) Key() string { return d.key }

func (d *Descriptor) ServerChanged(_ context.Context, includeIssues bool) (*engine.Stream[engine.ChangeEvent], error) {
	d.mu.Lock()
	d.lastIncludeIssues = includeIssues
	d.mu.Unlock()
	return engine.NewStream(d.serverCh, nil, nil), nil
}

func (d *Descriptor) ClientChanged(context.Context) (*engine.Stream[engine.ChangeEvent], error) {
	return engine.NewStream(d.clientCh, nil, nil), nil
}

func (d *Descriptor) WriteToDisk(context.Context) (*engine.WrittenEndpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeCalls++
	if d.wErr != nil {
		return nil, d.wErr
	}
	out := *d.written
	return &out, nil
}

// PageRoute builds a pages-router route over two fresh descriptors.
func PageRoute(key string) (engine.Route, *Descriptor, *Descriptor) {
	html := NewDescriptor(key + ".html")
	data := NewDescriptor(key + ".data")
	return engine.Route{Kind: engine.KindPage, HTML: html, Data: data}, html, data
}

// AppPageRoute builds an app-router page route with one variant.
func AppPageRoute(key string) (engine.Route, *Descriptor, *Descriptor) {
	html := NewDescriptor(key + ".html")
	rsc := NewDescriptor(key + ".rsc")
	return engine.Route{
		Kind: engine.KindAppPage,
		Variants: []engine.AppPageVariant{{
			LogicalName: key + "/page",
			HTML:        html,
			RSC:         rsc,
		}},
	}, html, rsc
}

// APIRoute builds a pages-router API route over one fresh descriptor.
func APIRoute(key string) (engine.Route, *Descriptor) {
	ep := NewDescriptor(key + ".endpoint")
	return engine.Route{Kind: engine.KindPageAPI, Endpoint: ep}, ep
}

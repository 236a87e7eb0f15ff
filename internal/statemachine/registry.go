package statemachine

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry owns one Machine per companion. Machines are created lazily from
// the current document and share nothing mutable.
type Registry struct {
	mu      sync.Mutex
	doc     *Document
	entries map[string]*entry
	opts    []Option
	logger  *zap.Logger
}

type entry struct {
	machine *Machine
	turn    chan struct{}
}

// NewRegistry creates a registry whose machines are built from doc with
// opts. A nil doc uses the embedded default document.
func NewRegistry(doc *Document, opts ...Option) *Registry {
	if doc == nil {
		doc = DefaultDocument()
	}
	base := &Machine{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(base)
	}
	return &Registry{
		doc:     doc,
		entries: make(map[string]*entry),
		opts:    opts,
		logger:  base.logger,
	}
}

func (r *Registry) entry(companionID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[companionID]
	if !ok {
		e = &entry{
			machine: NewMachine(r.doc, r.opts...),
			turn:    make(chan struct{}, 1),
		}
		r.entries[companionID] = e
		r.logger.Debug("state machine created", zap.String("companion_id", companionID))
	}
	return e
}

// Machine returns the companion's machine, creating it on first use.
func (r *Registry) Machine(companionID string) *Machine {
	return r.entry(companionID).machine
}

// Lookup returns the companion's machine if one has been created.
func (r *Registry) Lookup(companionID string) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[companionID]
	if !ok {
		return nil, false
	}
	return e.machine, true
}

// Acquire blocks until the companion's turn lock is free or ctx is done.
// The returned release func must be called exactly once; extra calls are
// no-ops.
func (r *Registry) Acquire(ctx context.Context, companionID string) (func(), error) {
	e := r.entry(companionID)
	select {
	case e.turn <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-e.turn }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reload replaces the document for future machines and reloads every
// existing machine.
func (r *Registry) Reload(doc *Document) {
	if doc == nil {
		return
	}
	r.mu.Lock()
	r.doc = doc
	machines := make([]*Machine, 0, len(r.entries))
	for _, e := range r.entries {
		machines = append(machines, e.machine)
	}
	r.mu.Unlock()

	for _, m := range machines {
		m.Reload(doc)
	}
}

// Document returns the document new machines are built from.
func (r *Registry) Document() *Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc
}

// Companions lists the companion ids with a machine, sorted.
func (r *Registry) Companions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

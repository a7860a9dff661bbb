// Package registry implements C4 (method registry) and C5 (instance
// registry). Both are per-runtime, encapsulated, single-owner state
// machines (spec §4.4, §4.5); the top-level actor-id lookup in each uses
// github.com/cornelk/hashmap, grounded on the teacher's lock-free device
// map (scanner/scanner.go: `devices *hashmap.Map[string, device.Device]`),
// so concurrent RPC dispatch never blocks on a registry-wide lock while a
// different actor registers or unregisters.
package registry

import (
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"

	"github.com/srg/bleactor/internal/rpcerr"
)

// Handler is a registered method implementation: it receives the opaque
// encoded arguments and returns the opaque encoded result (spec §4.4).
type Handler func(arguments []byte) ([]byte, error)

type handlerTable struct {
	mu       sync.Mutex // serializes register/unregister and execute for this actor
	methods  map[string]Handler
}

// MethodRegistry maps actor-id -> method-name -> Handler (C4).
type MethodRegistry struct {
	actors *hashmap.Map[uuid.UUID, *handlerTable]
}

// NewMethodRegistry constructs an empty MethodRegistry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{actors: hashmap.New[uuid.UUID, *handlerTable]()}
}

func (r *MethodRegistry) tableFor(actor uuid.UUID, createIfMissing bool) *handlerTable {
	if t, ok := r.actors.Get(actor); ok {
		return t
	}
	if !createIfMissing {
		return nil
	}
	t := &handlerTable{methods: make(map[string]Handler)}
	actual, _ := r.actors.GetOrInsert(actor, t)
	return actual
}

// Register installs handler as the implementation of method for actor.
func (r *MethodRegistry) Register(actor uuid.UUID, method string, handler Handler) {
	t := r.tableFor(actor, true)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.methods[method] = handler
}

// Unregister removes every method handler for actor (called on actor
// destruction per spec §4.4 "Rationale").
func (r *MethodRegistry) Unregister(actor uuid.UUID) {
	r.actors.Del(actor)
}

// Has reports whether method is registered for actor.
func (r *MethodRegistry) Has(actor uuid.UUID, method string) bool {
	t := r.tableFor(actor, false)
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.methods[method]
	return ok
}

// Methods returns the set of method names registered for actor.
func (r *MethodRegistry) Methods(actor uuid.UUID) []string {
	t := r.tableFor(actor, false)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.methods))
	for name := range t.methods {
		names = append(names, name)
	}
	return names
}

// Execute runs the handler registered for (actor, method), serialized per
// actor-id (spec §4.4 "execute is serialized per actor-id"). It returns
// ActorNotFound if the actor is not hosted here, MethodNotFound if the
// method is unregistered, or a wrapped MethodFailed error if the handler
// itself fails.
func (r *MethodRegistry) Execute(actor uuid.UUID, method string, arguments []byte) ([]byte, error) {
	t := r.tableFor(actor, false)
	if t == nil {
		return nil, rpcerr.ErrActorNotFound
	}

	// Held for the duration of the call so two concurrent invocations
	// against the same actor never interleave, matching the "execute is
	// serialized per actor-id" invariant, while other actors' registries
	// still make progress independently.
	t.mu.Lock()
	defer t.mu.Unlock()

	handler, ok := t.methods[method]
	if !ok {
		return nil, rpcerr.ErrMethodNotFound
	}

	result, err := handler(arguments)
	if err != nil {
		return nil, rpcerr.MethodFailedError(err)
	}
	return result, nil
}

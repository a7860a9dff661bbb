package registry

import (
	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
)

// LocalActor is the minimal contract a hosted actor must satisfy: an
// identity. User code's actual actor type embeds or implements this.
type LocalActor interface {
	ActorID() uuid.UUID
}

// RemoteProxy is the minimal contract a remote proxy satisfies.
type RemoteProxy interface {
	ActorID() uuid.UUID
}

// InstanceRegistry is the single source of truth, per runtime, for "is
// this actor-id served here" (spec §4.5). Local actors are held by strong
// reference. Remote proxies are also held by an ordinary Go reference
// (wrapped in weakProxyRef), so a registered proxy stays reachable from
// the registry until Unregister removes it.
type InstanceRegistry struct {
	local  *hashmap.Map[uuid.UUID, LocalActor]
	remote *hashmap.Map[uuid.UUID, *weakProxyRef]
}

// weakProxyRef wraps a registered proxy. It holds an ordinary (strong)
// reference, so it does not let the proxy be collected while the entry
// exists; Unregister is the only removal path.
type weakProxyRef struct {
	proxy RemoteProxy
}

// NewInstanceRegistry constructs an empty InstanceRegistry.
func NewInstanceRegistry() *InstanceRegistry {
	return &InstanceRegistry{
		local:  hashmap.New[uuid.UUID, LocalActor](),
		remote: hashmap.New[uuid.UUID, *weakProxyRef](),
	}
}

// RegisterLocal makes actor resolvable for incoming RPCs on this runtime.
func (r *InstanceRegistry) RegisterLocal(actor LocalActor) {
	r.local.Set(actor.ActorID(), actor)
}

// RegisterRemote tracks a resolved remote proxy.
func (r *InstanceRegistry) RegisterRemote(proxy RemoteProxy) {
	r.remote.Set(proxy.ActorID(), &weakProxyRef{proxy: proxy})
}

// GetLocal returns the locally-hosted actor for actorID, if any. C8 uses
// this to resolve the recipient of an incoming invocation.
func (r *InstanceRegistry) GetLocal(actorID uuid.UUID) (LocalActor, bool) {
	return r.local.Get(actorID)
}

// GetRemote returns the tracked remote proxy for actorID, if any.
func (r *InstanceRegistry) GetRemote(actorID uuid.UUID) (RemoteProxy, bool) {
	ref, ok := r.remote.Get(actorID)
	if !ok {
		return nil, false
	}
	return ref.proxy, true
}

// IsLocal reports whether actorID is hosted by this runtime (as opposed to
// served by some other runtime's instance registry — spec §3 invariant 4,
// "routing MUST stay within the runtime that registered the actor").
func (r *InstanceRegistry) IsLocal(actorID uuid.UUID) bool {
	_, ok := r.local.Get(actorID)
	return ok
}

// Unregister removes actorID from both maps; safe to call even if it is
// only present in one.
func (r *InstanceRegistry) Unregister(actorID uuid.UUID) {
	r.local.Del(actorID)
	r.remote.Del(actorID)
}

// LocalCount reports how many actors this runtime currently hosts.
func (r *InstanceRegistry) LocalCount() int {
	return r.local.Len()
}

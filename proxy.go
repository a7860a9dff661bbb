package bleactor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/srg/bleactor/internal/registry"
)

// RemoteProxy is the handle ActorSystem.Connect returns for an actor hosted
// on another peer. It owns no connection resources, but it keeps an
// ordinary pointer to the ActorSystem that created it, so a live proxy
// keeps that system reachable.
type RemoteProxy struct {
	actorID  uuid.UUID
	peerID   uuid.UUID
	typeName string
	charUUID uuid.UUID
	system   *ActorSystem
}

// ActorID satisfies registry.RemoteProxy.
func (p *RemoteProxy) ActorID() uuid.UUID { return p.actorID }

// PeerID returns the peer hosting this proxy's actor.
func (p *RemoteProxy) PeerID() uuid.UUID { return p.peerID }

// Call invokes method target on the remote actor with the given opaque
// argument bytes, propagating the remote Success/Failure/Void result as a
// Go return value and error (spec §4.8 "remoteCall").
func (p *RemoteProxy) Call(ctx context.Context, target string, arguments []byte, timeout time.Duration) ([]byte, error) {
	return p.system.RemoteCall(ctx, p.peerID, p.charUUID, p.actorID, target, arguments, timeout)
}

var _ registry.RemoteProxy = (*RemoteProxy)(nil)

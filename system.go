package bleactor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/srg/bleactor/internal/adapter"
	"github.com/srg/bleactor/internal/envelope"
	"github.com/srg/bleactor/internal/naming"
	"github.com/srg/bleactor/internal/registry"
	"github.com/srg/bleactor/internal/rpcerr"
)

// canonicalLocalActor re-addresses a user-supplied actor under its type's
// canonical naming.ActorUUID, so instance and method lookups agree with
// what a caller with no prior handshake resolves via Connect (see
// naming.ActorUUID's doc comment).
type canonicalLocalActor struct {
	registry.LocalActor
	id uuid.UUID
}

func (c canonicalLocalActor) ActorID() uuid.UUID { return c.id }

// DefaultRemoteCallTimeout is the deadline RemoteCall falls back to if
// neither the caller nor cfg.DefaultRPCTimeout supplies one (spec §4.8
// "register pending call in C6 with deadline (default 30 s)").
const DefaultRemoteCallTimeout = 30 * time.Second

// StartAdvertising derives the service and RPC-characteristic UUIDs for
// typeName (C3), registers actor and its methods (C5, C4), marks the RPC
// characteristic in the bridge (C6), registers the GATT service and begins
// advertising (C1 peripheral) — spec §4.8 "startAdvertising".
func (s *ActorSystem) StartAdvertising(ctx context.Context, actor registry.LocalActor, typeName string, methods map[string]registry.Handler, adv adapter.AdvertisementData) error {
	if s.peripheral == nil {
		return rpcerr.New(rpcerr.OperationNotSupported, "no peripheral adapter configured")
	}

	svcUUID := naming.ServiceUUID(typeName)
	charUUID := naming.CharacteristicUUID(typeName, methodEntryPoint)
	actorID := naming.ActorUUID(typeName)

	s.instances.RegisterLocal(canonicalLocalActor{LocalActor: actor, id: actorID})
	for name, h := range methods {
		s.methods.Register(actorID, name, h)
	}
	s.bridge.MarkRPCCharacteristic(actorID, charUUID)

	s.mu.Lock()
	s.typeOfActor[actorID] = typeName
	s.mu.Unlock()

	svc := adapter.ServiceMetadata{
		UUID: svcUUID,
		Characteristics: []adapter.CharacteristicMetadata{
			{UUID: charUUID, Properties: adapter.PropWrite | adapter.PropWriteWithoutResponse | adapter.PropNotify},
		},
	}
	if err := s.peripheral.AddService(ctx, svc); err != nil {
		return fmt.Errorf("bleactor: add service for %s: %w", typeName, err)
	}

	if adv.ServiceUUIDs == nil {
		adv.ServiceUUIDs = []uuid.UUID{svcUUID}
	}
	if err := s.peripheral.StartAdvertising(ctx, adv); err != nil {
		return fmt.Errorf("bleactor: start advertising %s: %w", typeName, err)
	}
	return nil
}

// Discover scans for peripherals advertising typeName's service UUID (C3,
// C1 central) and returns the peers seen before timeout elapses (spec §4.8
// "discover"): each peer once, or every discovery hit including repeats
// when cfg.AllowDuplicatesInScan is set.
func (s *ActorSystem) Discover(ctx context.Context, typeName string, timeout time.Duration) ([]adapter.DiscoveredPeripheral, error) {
	if s.central == nil {
		return nil, rpcerr.New(rpcerr.OperationNotSupported, "no central adapter configured")
	}

	svcUUID := naming.ServiceUUID(typeName)

	sink := make(chan adapter.DiscoveredPeripheral, 32)
	s.mu.Lock()
	s.discoverySink = append(s.discoverySink, sink)
	s.mu.Unlock()
	defer s.removeDiscoverySink(sink)

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.central.Scan(scanCtx, []uuid.UUID{svcUUID}, timeout); err != nil {
		return nil, fmt.Errorf("bleactor: scan for %s: %w", typeName, err)
	}
	defer func() { _ = s.central.StopScan() }()

	seen := make(map[uuid.UUID]bool)
	var found []adapter.DiscoveredPeripheral
	for {
		select {
		case d := <-sink:
			if s.cfg.AllowDuplicatesInScan {
				found = append(found, d)
				continue
			}
			if !seen[d.PeerID] {
				seen[d.PeerID] = true
				found = append(found, d)
			}
		case <-scanCtx.Done():
			return found, nil
		}
	}
}

func (s *ActorSystem) removeDiscoverySink(target chan adapter.DiscoveredPeripheral) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.discoverySink[:0]
	for _, ch := range s.discoverySink {
		if ch != target {
			kept = append(kept, ch)
		}
	}
	s.discoverySink = kept
}

// Connect dials peerID (C7 + C1 central), discovers its services and
// characteristics, and returns a remote proxy for typeName resolved via C5
// (spec §4.8 "connect").
func (s *ActorSystem) Connect(ctx context.Context, peerID uuid.UUID, typeName string, timeout time.Duration) (*RemoteProxy, error) {
	if s.central == nil {
		return nil, rpcerr.New(rpcerr.OperationNotSupported, "no central adapter configured")
	}

	s.conns.MarkConnecting(peerID)
	if err := s.central.Connect(ctx, peerID, timeout); err != nil {
		return nil, fmt.Errorf("bleactor: connect to %s: %w", peerID, err)
	}
	s.conns.MarkConnected(peerID)

	svcUUID := naming.ServiceUUID(typeName)
	charUUID := naming.CharacteristicUUID(typeName, methodEntryPoint)

	if _, err := s.central.DiscoverServices(ctx, peerID, []uuid.UUID{svcUUID}); err != nil {
		return nil, fmt.Errorf("bleactor: discover services on %s: %w", peerID, err)
	}
	if _, err := s.central.DiscoverCharacteristics(ctx, svcUUID, peerID, []uuid.UUID{charUUID}); err != nil {
		return nil, fmt.Errorf("bleactor: discover characteristics on %s: %w", peerID, err)
	}
	if err := s.central.SetNotify(ctx, true, charUUID, peerID); err != nil {
		return nil, fmt.Errorf("bleactor: enable notify on %s: %w", peerID, err)
	}
	if n, ok := s.central.MaximumWriteLength(peerID, adapter.WithResponse); ok {
		s.transport.SetMaxWriteLength(peerID.String(), n)
	}

	actorID := naming.ActorUUID(typeName)
	// Marks charUUID as RPC-capable in this runtime's own bridge too, so
	// the response notification this runtime later receives on it is
	// recognized as a pending-call completion rather than dropped as
	// ordinary characteristic traffic (Distribute only decodes envelopes
	// for characteristics MarkRPCCharacteristic has registered).
	s.bridge.MarkRPCCharacteristic(actorID, charUUID)

	proxy := &RemoteProxy{
		actorID:  actorID,
		peerID:   peerID,
		typeName: typeName,
		charUUID: charUUID,
		system:   s,
	}
	s.instances.RegisterRemote(proxy)
	return proxy, nil
}

// Disconnect tears down the link to peerID and releases its transport and
// bridge state (spec §4.8 "disconnect").
func (s *ActorSystem) Disconnect(ctx context.Context, peerID uuid.UUID) error {
	if s.central == nil {
		return rpcerr.New(rpcerr.OperationNotSupported, "no central adapter configured")
	}
	err := s.central.Disconnect(ctx, peerID)
	s.transport.ForgetPeer(peerID.String())
	s.bridge.FailPeer(peerID)
	return err
}

// RemoteCall performs one RPC to recipientID hosted on peerID: it
// allocates a call-id, registers the pending call with the bridge,
// encodes and fragments the invocation, writes every fragment through the
// central adapter, then awaits and decodes the response (spec §4.8
// "remoteCall").
func (s *ActorSystem) RemoteCall(ctx context.Context, peerID uuid.UUID, charUUID, recipientID uuid.UUID, target string, arguments []byte, timeout time.Duration) ([]byte, error) {
	if s.central == nil {
		return nil, rpcerr.New(rpcerr.OperationNotSupported, "no central adapter configured")
	}
	if timeout <= 0 {
		timeout = s.cfg.DefaultRPCTimeout
		if timeout <= 0 {
			timeout = DefaultRemoteCallTimeout
		}
	}

	callID := uuid.New()
	inv := envelope.Invocation{CallID: callID, RecipientID: recipientID, Target: target, Arguments: arguments}
	wire, err := envelope.EncodeInvocation(inv)
	if err != nil {
		return nil, err
	}

	await, cancel := s.bridge.RegisterCall(ctx, callID, peerID, timeout)

	writeErr := sendFragments(s.transport, peerID.String(), wire, func(frame []byte) error {
		return s.central.WriteValue(ctx, frame, charUUID, peerID, adapter.WithResponse)
	})
	if writeErr != nil {
		cancel()
		return nil, writeErr
	}

	return await()
}

// handleIncomingRPC is installed as the bridge's RequestCallback at
// construction (the only path to this method — spec §4.8 "Event
// handlers"). It resolves the target actor locally, executes the method,
// and sends the response back to peerID on charUUID, fragmenting if
// needed.
func (s *ActorSystem) handleIncomingRPC(ctx context.Context, peerID, charUUID uuid.UUID, inv envelope.Invocation) envelope.Response {
	resp := s.executeLocally(inv)
	s.sendResponse(ctx, peerID, charUUID, resp)
	return resp
}

func (s *ActorSystem) executeLocally(inv envelope.Invocation) envelope.Response {
	actor, ok := s.instances.GetLocal(inv.RecipientID)
	if !ok {
		return envelope.Response{CallID: inv.CallID, Kind: envelope.ResultFailure, ErrorKind: rpcerr.ActorNotFound, ErrorMsg: "actor not hosted on this runtime"}
	}

	result, err := s.methods.Execute(actor.ActorID(), inv.Target, inv.Arguments)
	if err != nil {
		var rerr *rpcerr.Error
		if errors.As(err, &rerr) {
			return envelope.Response{CallID: inv.CallID, Kind: envelope.ResultFailure, ErrorKind: rerr.Kind, ErrorMsg: rerr.Error()}
		}
		return envelope.Response{CallID: inv.CallID, Kind: envelope.ResultFailure, ErrorKind: rpcerr.MethodFailed, ErrorMsg: err.Error()}
	}
	if result == nil {
		return envelope.Response{CallID: inv.CallID, Kind: envelope.ResultVoid}
	}
	return envelope.Response{CallID: inv.CallID, Kind: envelope.ResultSuccess, Value: result}
}

func (s *ActorSystem) sendResponse(ctx context.Context, peerID, charUUID uuid.UUID, resp envelope.Response) {
	if s.peripheral == nil {
		s.logger.WithField("peer_id", peerID).Warn("cannot send RPC response: no peripheral adapter configured")
		return
	}

	wire, err := encodeResponseEnvelope(resp)
	if err != nil {
		s.logger.WithError(err).Warn("failed to encode RPC response")
		return
	}

	err = sendFragments(s.transport, peerID.String(), wire, func(frame []byte) error {
		_, err := s.peripheral.UpdateValue(ctx, frame, charUUID, []uuid.UUID{peerID})
		return err
	})
	if err != nil {
		s.logger.WithError(err).WithField("peer_id", peerID).Warn("failed to send RPC response")
	}
}

func encodeResponseEnvelope(resp envelope.Response) ([]byte, error) {
	switch resp.Kind {
	case envelope.ResultSuccess:
		return envelope.EncodeSuccess(resp.CallID, resp.Value)
	case envelope.ResultFailure:
		return envelope.EncodeFailure(resp.CallID, resp.ErrorKind, resp.ErrorMsg)
	default:
		return envelope.EncodeVoid(resp.CallID)
	}
}

// Package bleactor implements C8, the runtime orchestrator that owns one
// instance each of the adapter (C1), transport (C2), method/instance
// registries (C4/C5), event bridge (C6) and connection manager (C7), and
// exposes the public ActorSystem contract: register a local actor and
// advertise it, discover and connect to remote actors, and invoke methods
// across the link (spec §4.8).
//
// Instance isolation is load-bearing here: the closure ActorSystem attaches
// to its Bridge at construction is the only path from an incoming write to
// handleIncomingRPC, so two ActorSystems in the same process never cross
//-dispatch a call meant for the other (spec §4.8 "Event handlers").
package bleactor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleactor/internal/adapter"
	"github.com/srg/bleactor/internal/bridge"
	"github.com/srg/bleactor/internal/connmgr"
	"github.com/srg/bleactor/internal/groutine"
	"github.com/srg/bleactor/internal/naming"
	"github.com/srg/bleactor/internal/registry"
	"github.com/srg/bleactor/internal/transport"
	"github.com/srg/bleactor/pkg/config"
)

// methodEntryPoint is the single characteristic name every distributed
// actor type multiplexes its methods through; the actual method is carried
// in the invocation envelope's Target field rather than split across one
// characteristic per method, so a type's RPC surface is one GATT
// characteristic regardless of how many methods it exposes.
const methodEntryPoint = "invoke"

// ActorSystem is the instance-scoped orchestrator described by spec §4.8.
// Exactly one of central/peripheral may be nil (a runtime that only calls
// out, or only serves, actors), but at least one must be set.
type ActorSystem struct {
	cfg    *config.Config
	logger *logrus.Logger

	central    adapter.Central
	peripheral adapter.Peripheral

	transport *transport.Transport
	bridge    *bridge.Bridge
	methods   *registry.MethodRegistry
	instances *registry.InstanceRegistry
	conns     *connmgr.Manager

	mu            sync.Mutex
	typeOfActor   map[uuid.UUID]string // actor-id -> type name, for RegisterLocal/startAdvertising bookkeeping
	discoverySink []chan adapter.DiscoveredPeripheral

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an ActorSystem. Either adapter may be nil; cfg defaults to
// config.DefaultConfig() when nil.
func New(central adapter.Central, peripheral adapter.Peripheral, cfg *config.Config) (*ActorSystem, error) {
	if central == nil && peripheral == nil {
		return nil, fmt.Errorf("bleactor: at least one of central, peripheral must be non-nil")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := cfg.NewLogger()

	s := &ActorSystem{
		cfg:         cfg,
		logger:      logger,
		central:     central,
		peripheral:  peripheral,
		transport:   transport.New(transport.WithReassemblyTimeout(cfg.ReassemblyTimeout), transport.WithLogger(logger)),
		bridge:      bridge.New(logger, bridge.WithMaxPendingCalls(cfg.MaxPendingCallsPerRuntime)),
		methods:     registry.NewMethodRegistry(),
		instances:   registry.NewInstanceRegistry(),
		typeOfActor: make(map[uuid.UUID]string),
	}

	s.conns = connmgr.New(s.reconnect, connmgr.WithDefaultPolicy(cfg.DefaultReconnectionPolicy), connmgr.WithLogger(logger))
	s.conns.AddObserver("bleactor-log", s.onConnectionStateChanged)

	// The only path from an incoming write to handleIncomingRPC: captured
	// here, at construction, so no global handle can reach it instead.
	s.bridge.SetRequestCallback(s.handleIncomingRPC)

	return s, nil
}

// Start initializes whichever adapters are configured, waits for each to
// report powered-on, and launches the per-adapter event-loop goroutines
// that feed every event through reassembly and into the bridge.
func (s *ActorSystem) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.central != nil {
		if err := s.central.Initialize(runCtx); err != nil {
			cancel()
			return fmt.Errorf("bleactor: central initialize: %w", err)
		}
		if _, err := s.central.WaitForPoweredOn(runCtx); err != nil {
			cancel()
			return fmt.Errorf("bleactor: central wait-for-powered-on: %w", err)
		}
		s.wg.Add(1)
		groutine.Go(runCtx, "bleactor-central-events", func(ctx context.Context) {
			defer s.wg.Done()
			s.runEventLoop(ctx, s.central, false)
		})
	}

	if s.peripheral != nil {
		if err := s.peripheral.Initialize(runCtx); err != nil {
			cancel()
			return fmt.Errorf("bleactor: peripheral initialize: %w", err)
		}
		if _, err := s.peripheral.WaitForPoweredOn(runCtx); err != nil {
			cancel()
			return fmt.Errorf("bleactor: peripheral wait-for-powered-on: %w", err)
		}
		s.wg.Add(1)
		groutine.Go(runCtx, "bleactor-peripheral-events", func(ctx context.Context) {
			defer s.wg.Done()
			s.runEventLoop(ctx, s.peripheral, true)
		})
	}

	return nil
}

// Shutdown cancels the event loops, drops every hosted actor from the
// instance and method registries, stops advertising and stops scanning
// (spec §4.8 "shutdown"). It does not disconnect connected peers and does
// not fail calls still pending in the bridge.
func (s *ActorSystem) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	actorIDs := make([]uuid.UUID, 0, len(s.typeOfActor))
	for id := range s.typeOfActor {
		actorIDs = append(actorIDs, id)
	}
	s.typeOfActor = make(map[uuid.UUID]string)
	s.mu.Unlock()

	for _, id := range actorIDs {
		s.instances.Unregister(id)
		s.methods.Unregister(id)
	}

	if s.peripheral != nil {
		_ = s.peripheral.StopAdvertising(ctx)
	}
	if s.central != nil {
		_ = s.central.StopScan()
	}
	return nil
}

// runEventLoop drains one adapter's event stream for the lifetime of ctx,
// running fragment reassembly ahead of dispatch and forwarding discovery
// hits to any active Discover call before handing every event to the
// bridge (spec §4.8 control-flow: "C1 surfaces fragment write events to
// C8's event listener; C2 reassembles; C8 routes the envelope to C6").
func (s *ActorSystem) runEventLoop(ctx context.Context, stream adapter.EventStream, fromPeripheral bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-stream.Events():
			if !ok {
				return
			}
			s.handleAdapterEvent(ctx, evt, fromPeripheral)
		}
	}
}

func (s *ActorSystem) handleAdapterEvent(ctx context.Context, evt adapter.Event, fromPeripheral bool) {
	switch evt.Kind {
	case adapter.EventPeripheralDiscovered:
		s.fanOutDiscovery(evt.Discovered)
		return

	case adapter.EventPeripheralConnected:
		s.conns.MarkConnected(evt.PeerID)

	case adapter.EventPeripheralDisconnected:
		s.transport.ForgetPeer(evt.PeerID.String())
		s.bridge.FailPeer(evt.PeerID)
		s.conns.HandleDisconnect(ctx, evt.PeerID, evt.Err)

	case adapter.EventCentralSubscribed:
		if fromPeripheral {
			s.negotiatePeripheralMTU(evt.PeerID)
		}

	case adapter.EventWriteRequestReceived, adapter.EventCharacteristicValueUpdated:
		if fromPeripheral {
			s.negotiatePeripheralMTU(evt.PeerID)
		}
		assembled, complete, err := s.reassemble(evt)
		if err != nil {
			s.logger.WithError(err).WithField("peer_id", evt.PeerID).Warn("dropping packet that failed reassembly")
			return
		}
		if !complete {
			return
		}
		evt.Value = assembled
	}

	s.bridge.Distribute(ctx, evt)
}

// negotiatePeripheralMTU raises peerID's transport MTU from the unnegotiated
// default as soon as the peripheral side can report a real link MTU for it,
// the peripheral-role mirror of Connect's central-side negotiation below.
// Without this, sendResponse's Fragment call on the reply leg would inherit
// transport.DefaultMaxWriteLength (20 bytes, below transport.HeaderSize) and
// every RPC response would fail to fragment.
func (s *ActorSystem) negotiatePeripheralMTU(peerID uuid.UUID) {
	if s.peripheral == nil {
		return
	}
	if n, ok := s.peripheral.MaximumWriteLength(peerID, adapter.WithResponse); ok {
		s.transport.SetMaxWriteLength(peerID.String(), n)
	}
}

// reassemble unpacks evt.Value as a single transport.Packet and feeds it
// through the transport's per-peer reassembler. Events that carry no value
// (e.g. state-changed) pass through untouched.
func (s *ActorSystem) reassemble(evt adapter.Event) ([]byte, bool, error) {
	if len(evt.Value) == 0 {
		return evt.Value, true, nil
	}
	pkt, err := transport.Unpack(evt.Value)
	if err != nil {
		return nil, false, err
	}
	return s.transport.Receive(evt.PeerID.String(), pkt)
}

func (s *ActorSystem) fanOutDiscovery(d adapter.DiscoveredPeripheral) {
	s.mu.Lock()
	sinks := append([]chan adapter.DiscoveredPeripheral(nil), s.discoverySink...)
	s.mu.Unlock()
	for _, ch := range sinks {
		select {
		case ch <- d:
		default:
		}
	}
}

func (s *ActorSystem) onConnectionStateChanged(peerID uuid.UUID, from, to connmgr.State) {
	s.logger.WithFields(logrus.Fields{"peer_id": peerID, "from": from, "to": to}).Debug("connection state changed")
}

// reconnect is connmgr.Connector: the plain adapter Connect call the
// connection manager retries with backoff (spec §4.7 "each attempt invokes
// the adapter connect").
func (s *ActorSystem) reconnect(ctx context.Context, peerID uuid.UUID) error {
	if s.central == nil {
		return fmt.Errorf("bleactor: reconnect requires a central adapter")
	}
	return s.central.Connect(ctx, peerID, s.cfg.ScanTimeout)
}

// sendFragments packs and writes data as a sequence of transport packets
// via the given write function, used by both RemoteCall (central writes to
// the RPC characteristic) and handleIncomingRPC (peripheral notifies the
// response back).
func sendFragments(t *transport.Transport, peerKey string, data []byte, write func([]byte) error) error {
	packets, err := t.Fragment(peerKey, data)
	if err != nil {
		return err
	}
	for _, pkt := range packets {
		if err := write(transport.Pack(pkt)); err != nil {
			return err
		}
	}
	return nil
}

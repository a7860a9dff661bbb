package bleactor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleactor/internal/adapter"
	"github.com/srg/bleactor/internal/adapter/emulator"
	"github.com/srg/bleactor/internal/adapter/mock"
	"github.com/srg/bleactor/internal/envelope"
	"github.com/srg/bleactor/internal/naming"
	"github.com/srg/bleactor/internal/registry"
	"github.com/srg/bleactor/internal/rpcerr"
	"github.com/srg/bleactor/pkg/config"
)

// testActor is the minimal registry.LocalActor any scenario below hosts.
// StartAdvertising re-addresses it under naming.ActorUUID(typeName)
// regardless of what ActorID returns here, so the placeholder value is
// never actually consulted.
type testActor struct{}

func (testActor) ActorID() uuid.UUID { return uuid.Nil }

// serviceFor builds the adapter.ServiceMetadata a central must discover to
// reach typeName's single RPC entry-point characteristic.
func serviceFor(typeName string) adapter.ServiceMetadata {
	return adapter.ServiceMetadata{
		UUID: naming.ServiceUUID(typeName),
		Characteristics: []adapter.CharacteristicMetadata{
			{
				UUID:       naming.CharacteristicUUID(typeName, methodEntryPoint),
				Properties: adapter.PropWrite | adapter.PropWriteWithoutResponse | adapter.PropNotify,
			},
		},
	}
}

// newPair builds a connected central/peripheral ActorSystem pair over the
// in-process emulator for typeName, starts both, and returns them alongside
// the central's mock adapter and the peer id the central sees for the
// peripheral (spec §9 "an emulator that
// routes between peer instances in the same process for integration
// tests").
func newPair(t *testing.T, typeName string) (centralSys, peripheralSys *ActorSystem, centralAdapter *mock.Adapter, peerIDOnCentral uuid.UUID) {
	t.Helper()

	centralID := uuid.New()
	peripheralID := uuid.New()

	centralAdapter, peripheralAdapter := emulator.NewConnectedPair(
		centralID, peripheralID, []adapter.ServiceMetadata{serviceFor(typeName)}, adapter.AdvertisementData{LocalName: typeName},
	)

	// transport.DefaultMaxWriteLength (20) is deliberately below
	// transport.HeaderSize (24, spec §4.2 scenario "MTU too small") so
	// traffic can't flow until a link negotiates a real MTU, exactly as a
	// real BLE central/peripheral pair negotiates ATT MTU once connected.
	// Individual scenarios below override this before Connect where they
	// need a specific value. Both sides are seeded: the central's adapter
	// reports the MTU Connect reads to raise the outbound (request) leg,
	// and the peripheral's adapter reports the MTU ActorSystem negotiates
	// off EventWriteRequestReceived/EventCentralSubscribed to raise the
	// reply (response) leg.
	centralAdapter.SetMaxWriteLength(peripheralID, 185)
	peripheralAdapter.SetMaxWriteLength(centralID, 185)

	cfg := config.DefaultConfig()

	var err error
	centralSys, err = New(centralAdapter, nil, cfg)
	require.NoError(t, err)
	require.NoError(t, centralSys.Start(context.Background()))

	peripheralSys, err = New(nil, peripheralAdapter, cfg)
	require.NoError(t, err)
	require.NoError(t, peripheralSys.Start(context.Background()))

	return centralSys, peripheralSys, centralAdapter, peripheralID
}

// TestScenario_1 is the minimal round trip: one method call, one argument
// blob, one success reply.
func TestScenario_1_MinimalCall(t *testing.T) {
	const typeName = "Greeter"
	central, peripheral, _, peerID := newPair(t, typeName)

	echoed := make(chan []byte, 1)
	err := peripheral.StartAdvertising(context.Background(), testActor{}, typeName, map[string]registry.Handler{
		"greet": func(arguments []byte) ([]byte, error) {
			echoed <- arguments
			return append([]byte("hello, "), arguments...), nil
		},
	}, adapter.AdvertisementData{LocalName: typeName})
	require.NoError(t, err)

	proxy, err := central.Connect(context.Background(), peerID, typeName, time.Second)
	require.NoError(t, err)

	result, err := proxy.Call(context.Background(), "greet", []byte("world"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(result))

	select {
	case got := <-echoed:
		assert.Equal(t, "world", string(got))
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

// TestScenario_2 drives a payload much larger than a default 20-byte MTU
// through fragmentation and reassembly on both the request and response
// legs (spec §4.2 "Fragmentation").
func TestScenario_2_LargePayloadUnderSmallMTU(t *testing.T) {
	const typeName = "BulkEcho"
	const mtu = 27

	central, peripheral, centralAdapter, peerID := newPair(t, typeName)

	err := peripheral.StartAdvertising(context.Background(), testActor{}, typeName, map[string]registry.Handler{
		"echo": func(arguments []byte) ([]byte, error) {
			return append([]byte(nil), arguments...), nil
		},
	}, adapter.AdvertisementData{LocalName: typeName})
	require.NoError(t, err)

	// Force a small negotiated MTU before Connect so ActorSystem.Connect's
	// MaximumWriteLength lookup propagates it into the transport.
	centralAdapter.SetMaxWriteLength(peerID, mtu)

	proxy, err := central.Connect(context.Background(), peerID, typeName, time.Second)
	require.NoError(t, err)

	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	result, err := proxy.Call(context.Background(), "echo", payload, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, payload, result)
}

// TestScenario_3 verifies a handler that never returns within the caller's
// deadline surfaces RpcTimeout, and that the pending-call table is clean
// afterward (spec §8 scenario 3: "pending-calls size is 0 after").
func TestScenario_3_Timeout(t *testing.T) {
	const typeName = "SlowActor"
	central, peripheral, _, peerID := newPair(t, typeName)

	release := make(chan struct{})
	err := peripheral.StartAdvertising(context.Background(), testActor{}, typeName, map[string]registry.Handler{
		"block": func(arguments []byte) ([]byte, error) {
			<-release
			return nil, nil
		},
	}, adapter.AdvertisementData{LocalName: typeName})
	require.NoError(t, err)
	defer close(release)

	proxy, err := central.Connect(context.Background(), peerID, typeName, time.Second)
	require.NoError(t, err)

	_, err = proxy.Call(context.Background(), "block", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, rpcerr.ErrRpcTimeout)

	assert.Equal(t, 0, central.bridge.PendingCallCount())
}

// TestScenario_4 simulates a link drop on an idle connection and verifies the
// connection manager's automatic reconnection brings the peer back to
// Connected without the caller intervening (spec §4.7 "Reconnection").
func TestScenario_4_Reconnect(t *testing.T) {
	const typeName = "Flaky"
	_, _, centralAdapter, peerID := newPair(t, typeName)

	centralAdapter.SimulateDisconnect(peerID, rpcerr.ErrPeerDisconnected)

	require.Eventually(t, func() bool {
		return centralAdapter.IsConnected(peerID)
	}, 2*time.Second, 10*time.Millisecond, "connection manager should reconnect automatically")
}

// TestScenario_5 negotiates an MTU too small to fit even the packet header
// and verifies RemoteCall fails with MtuTooSmall rather than silently
// hanging or corrupting a write (spec §4.2 "Edge-case policies").
func TestScenario_5_MTUTooSmall(t *testing.T) {
	const typeName = "TinyMTU"
	central, peripheral, centralAdapter, peerID := newPair(t, typeName)

	err := peripheral.StartAdvertising(context.Background(), testActor{}, typeName, map[string]registry.Handler{
		"noop": func(arguments []byte) ([]byte, error) { return nil, nil },
	}, adapter.AdvertisementData{LocalName: typeName})
	require.NoError(t, err)

	// Below transport.HeaderSize: Fragment's payloadMax computation goes
	// non-positive before a single byte of payload is considered.
	centralAdapter.SetMaxWriteLength(peerID, 10)

	proxy, err := central.Connect(context.Background(), peerID, typeName, time.Second)
	require.NoError(t, err)

	_, err = proxy.Call(context.Background(), "noop", []byte("x"), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, rpcerr.ErrMtuTooSmall)
}

// TestDiscover_AllowDuplicatesInScan verifies Discover passes every
// discovery hit through unfiltered when the config flag is set, and dedups
// by peer-id when it is not (spec §6 "allow-duplicates-in-scan").
func TestDiscover_AllowDuplicatesInScan(t *testing.T) {
	const typeName = "Beacon"
	peerID := uuid.New()
	svc := serviceFor(typeName)
	discovered := adapter.DiscoveredPeripheral{
		PeerID:        peerID,
		Advertisement: adapter.AdvertisementData{LocalName: typeName, ServiceUUIDs: []uuid.UUID{svc.UUID}},
	}

	dedupingAdapter := mock.New("deduping", nil)
	dedupingAdapter.AddDiscoverable(discovered, nil)
	dedupingAdapter.AddDiscoverable(discovered, nil)

	cfg := config.DefaultConfig()
	cfg.AllowDuplicatesInScan = false
	sys, err := New(dedupingAdapter, nil, cfg)
	require.NoError(t, err)
	require.NoError(t, sys.Start(context.Background()))

	found, err := sys.Discover(context.Background(), typeName, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, found, 1, "duplicates must be collapsed by peer-id when AllowDuplicatesInScan is false")

	dupingAdapter := mock.New("duping", nil)
	dupingAdapter.AddDiscoverable(discovered, nil)
	dupingAdapter.AddDiscoverable(discovered, nil)

	cfg2 := config.DefaultConfig()
	cfg2.AllowDuplicatesInScan = true
	sys2, err := New(dupingAdapter, nil, cfg2)
	require.NoError(t, err)
	require.NoError(t, sys2.Start(context.Background()))

	found2, err := sys2.Discover(context.Background(), typeName, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, found2, 2, "every hit must be reported when AllowDuplicatesInScan is true")
}

// TestRemoteCall_UsesConfiguredDefaultTimeout verifies a Call made with
// timeout<=0 falls back to cfg.DefaultRPCTimeout rather than a hardcoded
// constant (spec §6 "default-rpc-timeout").
func TestRemoteCall_UsesConfiguredDefaultTimeout(t *testing.T) {
	const typeName = "SlowDefault"
	centralID := uuid.New()
	peripheralID := uuid.New()

	centralAdapter, peripheralAdapter := emulator.NewConnectedPair(
		centralID, peripheralID, []adapter.ServiceMetadata{serviceFor(typeName)}, adapter.AdvertisementData{LocalName: typeName},
	)
	centralAdapter.SetMaxWriteLength(peripheralID, 185)
	peripheralAdapter.SetMaxWriteLength(centralID, 185)

	cfg := config.DefaultConfig()
	cfg.DefaultRPCTimeout = 50 * time.Millisecond

	central, err := New(centralAdapter, nil, cfg)
	require.NoError(t, err)
	require.NoError(t, central.Start(context.Background()))

	peripheral, err := New(nil, peripheralAdapter, cfg)
	require.NoError(t, err)
	require.NoError(t, peripheral.Start(context.Background()))

	release := make(chan struct{})
	defer close(release)
	err = peripheral.StartAdvertising(context.Background(), testActor{}, typeName, map[string]registry.Handler{
		"block": func(arguments []byte) ([]byte, error) {
			<-release
			return nil, nil
		},
	}, adapter.AdvertisementData{LocalName: typeName})
	require.NoError(t, err)

	proxy, err := central.Connect(context.Background(), peripheralID, typeName, time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = proxy.Call(context.Background(), "block", nil, 0)
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.ErrorIs(t, err, rpcerr.ErrRpcTimeout)
	assert.Less(t, elapsed, time.Second, "Call with timeout<=0 must honor cfg.DefaultRPCTimeout, not the 30s fallback")
}

// TestInstanceIsolation (end-to-end scenario 6) runs two independent
// ActorSystems — each with its own
// bridge and instance registry — in one process and confirms a call
// addressed to one system's actor-id is never served by the other (spec
// §4.8 "Event handlers", §3 invariant 4 "routing MUST stay within the
// runtime that registered the actor").
func TestInstanceIsolation(t *testing.T) {
	cfg := config.DefaultConfig()

	hostA, err := New(nil, mock.New("hostA", nil), cfg)
	require.NoError(t, err)
	hostB, err := New(nil, mock.New("hostB", nil), cfg)
	require.NoError(t, err)

	const typeName = "Isolated"
	called := false
	err = hostA.StartAdvertising(context.Background(), testActor{}, typeName, map[string]registry.Handler{
		"touch": func(arguments []byte) ([]byte, error) {
			called = true
			return nil, nil
		},
	}, adapter.AdvertisementData{LocalName: typeName})
	require.NoError(t, err)

	actorID := naming.ActorUUID(typeName)
	require.True(t, hostA.instances.IsLocal(actorID))
	require.False(t, hostB.instances.IsLocal(actorID))

	// Feed an invocation for hostA's actor directly into hostB's own
	// dispatch path: the only path to handleIncomingRPC is hostB's own
	// bridge (bound once, at construction), so this must resolve
	// ActorNotFound rather than ever reaching hostA's handler.
	resp := hostB.executeLocally(envelope.Invocation{CallID: uuid.New(), RecipientID: actorID, Target: "touch"})
	assert.Equal(t, envelope.ResultFailure, resp.Kind)
	assert.Equal(t, rpcerr.ActorNotFound, resp.ErrorKind)
	assert.False(t, called, "hostB must never dispatch into hostA's handler table")
}

// Package mock provides an in-process adapter with configurable faults,
// grounded on the teacher's fluent mock-peripheral builder
// (internal/testutils/mock_peripheral_suite.go, peripheral_device_builder.go)
// and its DeviceFactory override pattern (pkg/ble/scanner.go,
// internal/device/go-ble/connection.go: `var DeviceFactory = func() (...)`).
// A single Adapter implements both adapter.Central and adapter.Peripheral so
// tests can exercise either role in isolation; internal/adapter/emulator
// wires two Adapters' hooks together to simulate a real peer-to-peer link.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleactor/internal/adapter"
)

// Faults lets a test configure specific operations to fail, named after
// the errors they should surface (spec §7 taxonomy).
type Faults struct {
	ConnectErr    map[uuid.UUID]error // per peer-id
	ScanErr       error
	WriteErr      error
	DisconnectErr map[uuid.UUID]error
}

// Adapter is an in-process, single-process BLE role implementation with no
// real radio. It is safe for concurrent use.
type Adapter struct {
	adapter.BaseStream

	mu     sync.Mutex
	logger *logrus.Logger
	name   string

	state       adapter.ManagerState
	connected   map[uuid.UUID]bool
	maxWrite    map[uuid.UUID]int
	discoverSvc map[uuid.UUID][]adapter.ServiceMetadata // per peer, services to report on discovery

	advertising bool
	services    map[uuid.UUID]adapter.ServiceMetadata
	values      map[uuid.UUID][]byte
	subscribers map[uuid.UUID]map[uuid.UUID]bool // char -> set of central peer-ids

	discoverable []adapter.DiscoveredPeripheral

	faults Faults

	// OnCentralWrite, when set, is invoked by WriteValue instead of the
	// default loopback self-emit; the emulator sets this to route a
	// central's write to the matching peripheral Adapter.
	OnCentralWrite func(charUUID uuid.UUID, peerID uuid.UUID, data []byte, writeType adapter.WriteType) error

	// OnNotify, when set, is invoked by UpdateValue instead of the default
	// loopback self-emit; the emulator sets this to route a peripheral's
	// notification to the central Adapter it is linked with.
	OnNotify func(charUUID uuid.UUID, data []byte, centrals []uuid.UUID)
}

// New constructs a ready-to-use mock Adapter. name is used only in log
// fields, to tell two composed adapters apart in test output.
func New(name string, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{
		BaseStream:  adapter.NewBaseStream(adapter.DefaultEventBuffer),
		logger:      logger,
		name:        name,
		state:       adapter.StatePoweredOn,
		connected:   make(map[uuid.UUID]bool),
		maxWrite:    make(map[uuid.UUID]int),
		discoverSvc: make(map[uuid.UUID][]adapter.ServiceMetadata),
		services:    make(map[uuid.UUID]adapter.ServiceMetadata),
		values:      make(map[uuid.UUID][]byte),
		subscribers: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

// WithFaults installs fault configuration for subsequent operations.
func (a *Adapter) WithFaults(f Faults) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults = f
	return a
}

// AddDiscoverable registers a peripheral that Scan will surface, along with
// the services DiscoverServices should report once connected to it.
func (a *Adapter) AddDiscoverable(p adapter.DiscoveredPeripheral, services []adapter.ServiceMetadata) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discoverable = append(a.discoverable, p)
	a.discoverSvc[p.PeerID] = services
}

// SetMaxWriteLength overrides the MTU reported for a peer.
func (a *Adapter) SetMaxWriteLength(peerID uuid.UUID, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxWrite[peerID] = n
}

// SimulateDisconnect emits a PeripheralDisconnected event for peerID as if
// the link dropped, e.g. to drive reconnection tests.
func (a *Adapter) SimulateDisconnect(peerID uuid.UUID, cause error) {
	a.mu.Lock()
	delete(a.connected, peerID)
	a.mu.Unlock()
	a.Emit(adapter.Event{Kind: adapter.EventPeripheralDisconnected, PeerID: peerID, Err: cause})
}

// DeliverWriteRequest simulates a central write landing on this
// peripheral's characteristic, for standalone peripheral-role tests.
func (a *Adapter) DeliverWriteRequest(charUUID, centralID uuid.UUID, data []byte) {
	a.Emit(adapter.Event{
		Kind:           adapter.EventWriteRequestReceived,
		PeerID:         centralID,
		Characteristic: adapter.CharacteristicMetadata{UUID: charUUID},
		Value:          data,
	})
}

// ---- Central role ----

func (a *Adapter) Initialize(ctx context.Context) error { return nil }

func (a *Adapter) WaitForPoweredOn(ctx context.Context) (adapter.ManagerState, error) {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	a.Emit(adapter.Event{Kind: adapter.EventStateChanged, State: state})
	if state != adapter.StatePoweredOn {
		return state, fmt.Errorf("adapter %s: bluetooth not powered on: %s", a.name, state)
	}
	return state, nil
}

func (a *Adapter) Scan(ctx context.Context, serviceUUIDs []uuid.UUID, timeout time.Duration) error {
	a.mu.Lock()
	scanErr := a.faults.ScanErr
	peripherals := append([]adapter.DiscoveredPeripheral(nil), a.discoverable...)
	a.mu.Unlock()

	if scanErr != nil {
		return scanErr
	}
	for _, p := range peripherals {
		if !matchesServiceFilter(p, serviceUUIDs) {
			continue
		}
		a.Emit(adapter.Event{Kind: adapter.EventPeripheralDiscovered, Discovered: p})
	}
	return nil
}

func matchesServiceFilter(p adapter.DiscoveredPeripheral, filter []uuid.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, want := range filter {
		for _, have := range p.Advertisement.ServiceUUIDs {
			if want == have {
				return true
			}
		}
	}
	return false
}

func (a *Adapter) StopScan() error { return nil }

func (a *Adapter) Connect(ctx context.Context, peerID uuid.UUID, timeout time.Duration) error {
	a.mu.Lock()
	if err, ok := a.faults.ConnectErr[peerID]; ok && err != nil {
		a.mu.Unlock()
		return err
	}
	a.connected[peerID] = true
	a.mu.Unlock()

	a.Emit(adapter.Event{Kind: adapter.EventPeripheralConnected, PeerID: peerID})
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context, peerID uuid.UUID) error {
	a.mu.Lock()
	if err, ok := a.faults.DisconnectErr[peerID]; ok && err != nil {
		a.mu.Unlock()
		return err
	}
	delete(a.connected, peerID)
	a.mu.Unlock()

	a.Emit(adapter.Event{Kind: adapter.EventPeripheralDisconnected, PeerID: peerID})
	return nil
}

func (a *Adapter) IsConnected(peerID uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected[peerID]
}

func (a *Adapter) DiscoverServices(ctx context.Context, peerID uuid.UUID, uuids []uuid.UUID) ([]adapter.ServiceMetadata, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	svcs := a.discoverSvc[peerID]
	for _, svc := range svcs {
		a.Emit(adapter.Event{Kind: adapter.EventServiceDiscovered, PeerID: peerID, Service: svc})
	}
	return svcs, nil
}

func (a *Adapter) DiscoverCharacteristics(ctx context.Context, serviceUUID uuid.UUID, peerID uuid.UUID, uuids []uuid.UUID) ([]adapter.CharacteristicMetadata, error) {
	a.mu.Lock()
	svcs := a.discoverSvc[peerID]
	a.mu.Unlock()

	for _, svc := range svcs {
		if svc.UUID == serviceUUID {
			for _, c := range svc.Characteristics {
				a.Emit(adapter.Event{Kind: adapter.EventCharacteristicDiscovered, PeerID: peerID, Characteristic: c})
			}
			return svc.Characteristics, nil
		}
	}
	return nil, nil
}

func (a *Adapter) ReadValue(ctx context.Context, charUUID uuid.UUID, peerID uuid.UUID) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.values[charUUID], nil
}

func (a *Adapter) WriteValue(ctx context.Context, data []byte, charUUID uuid.UUID, peerID uuid.UUID, writeType adapter.WriteType) error {
	a.mu.Lock()
	writeErr := a.faults.WriteErr
	hook := a.OnCentralWrite
	a.mu.Unlock()

	if writeErr != nil {
		return writeErr
	}

	a.Emit(adapter.Event{Kind: adapter.EventCharacteristicWriteCompleted, PeerID: peerID, Characteristic: adapter.CharacteristicMetadata{UUID: charUUID}})

	if hook != nil {
		return hook(charUUID, peerID, data, writeType)
	}
	// Loopback default: reflect the write back as a received request, for
	// standalone single-adapter tests.
	a.Emit(adapter.Event{Kind: adapter.EventWriteRequestReceived, PeerID: peerID, Characteristic: adapter.CharacteristicMetadata{UUID: charUUID}, Value: data})
	return nil
}

func (a *Adapter) SetNotify(ctx context.Context, enabled bool, charUUID uuid.UUID, peerID uuid.UUID) error {
	a.Emit(adapter.Event{Kind: adapter.EventNotificationStateChanged, PeerID: peerID, Characteristic: adapter.CharacteristicMetadata{UUID: charUUID}})
	return nil
}

func (a *Adapter) MaximumWriteLength(peerID uuid.UUID, writeType adapter.WriteType) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n, ok := a.maxWrite[peerID]; ok {
		return n, true
	}
	return 0, false
}

// ---- Peripheral role ----

func (a *Adapter) AddService(ctx context.Context, service adapter.ServiceMetadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.services[service.UUID] = service
	for _, c := range service.Characteristics {
		if _, ok := a.subscribers[c.UUID]; !ok {
			a.subscribers[c.UUID] = make(map[uuid.UUID]bool)
		}
	}
	return nil
}

func (a *Adapter) StartAdvertising(ctx context.Context, data adapter.AdvertisementData) error {
	a.mu.Lock()
	a.advertising = true
	a.mu.Unlock()
	a.Emit(adapter.Event{Kind: adapter.EventAdvertisingStarted})
	return nil
}

func (a *Adapter) StopAdvertising(ctx context.Context) error {
	a.mu.Lock()
	a.advertising = false
	a.mu.Unlock()
	return nil
}

func (a *Adapter) IsAdvertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advertising
}

// Subscribe registers centralID as subscribed to charUUID and emits
// EventCentralSubscribed, simulating a central enabling notifications on
// this peripheral.
func (a *Adapter) Subscribe(charUUID, centralID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.subscribers[charUUID] == nil {
		a.subscribers[charUUID] = make(map[uuid.UUID]bool)
	}
	a.subscribers[charUUID][centralID] = true
	a.Emit(adapter.Event{Kind: adapter.EventCentralSubscribed, PeerID: centralID, Characteristic: adapter.CharacteristicMetadata{UUID: charUUID}})
}

func (a *Adapter) UpdateValue(ctx context.Context, data []byte, charUUID uuid.UUID, centrals []uuid.UUID) (bool, error) {
	a.mu.Lock()
	a.values[charUUID] = data
	targets := centrals
	if len(targets) == 0 {
		for id := range a.subscribers[charUUID] {
			targets = append(targets, id)
		}
	}
	hook := a.OnNotify
	a.mu.Unlock()

	if hook != nil {
		hook(charUUID, data, targets)
		return true, nil
	}
	// Loopback default.
	a.Emit(adapter.Event{Kind: adapter.EventCharacteristicValueUpdated, Characteristic: adapter.CharacteristicMetadata{UUID: charUUID}, Value: data})
	return true, nil
}

func (a *Adapter) SubscribedCentrals(charUUID uuid.UUID) []uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []uuid.UUID
	for id := range a.subscribers[charUUID] {
		ids = append(ids, id)
	}
	return ids
}

var (
	_ adapter.Central    = (*Adapter)(nil)
	_ adapter.Peripheral = (*Adapter)(nil)
)

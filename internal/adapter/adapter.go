// Package adapter declares the abstract BLE central/peripheral interface
// (spec §4.1, C1). The runtime never talks to a concrete BLE host stack
// directly; it only ever holds a Central and/or a Peripheral plus a shared
// Events stream. Three implementations live alongside this package:
// goble (a real host adapter over github.com/go-ble/ble), mock (an
// in-process adapter with configurable faults), and emulator (an in-process
// router between peer instances, for integration tests that exercise two
// runtimes in one process without any real radio).
package adapter

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ManagerState mirrors the host BLE stack's power/availability state.
type ManagerState int

const (
	StateUnknown ManagerState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s ManagerState) String() string {
	switch s {
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "powered_off"
	case StatePoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// WriteType selects whether a characteristic write expects an
// acknowledgement from the link layer.
type WriteType int

const (
	WithResponse WriteType = iota
	WithoutResponse
)

// CharacteristicProperty is a bitmask of GATT characteristic properties.
type CharacteristicProperty uint8

const (
	PropRead CharacteristicProperty = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

// IsRPCCapable reports whether props includes both a write capability and
// a notify capability (spec §3 "A characteristic is considered
// RPC-capable iff...").
func (props CharacteristicProperty) IsRPCCapable() bool {
	hasWrite := props&(PropWrite|PropWriteWithoutResponse) != 0
	hasNotify := props&(PropNotify|PropIndicate) != 0
	return hasWrite && hasNotify
}

// CharacteristicMetadata describes one GATT characteristic.
type CharacteristicMetadata struct {
	UUID       uuid.UUID
	Properties CharacteristicProperty
}

// ServiceMetadata describes one GATT service and its characteristics.
type ServiceMetadata struct {
	UUID            uuid.UUID
	Characteristics []CharacteristicMetadata
}

// AdvertisementData is what a peripheral advertises and a central observes.
type AdvertisementData struct {
	LocalName         string
	ServiceUUIDs      []uuid.UUID
	ManufacturerData  []byte
	ServiceData       map[uuid.UUID][]byte
	TxPowerLevel      *int
}

// DiscoveredPeripheral is one scan result.
type DiscoveredPeripheral struct {
	PeerID        uuid.UUID
	Advertisement AdvertisementData
	RSSI          int
}

// EventKind discriminates the variants of Event (spec §4.1 "Event stream").
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventPeripheralDiscovered
	EventPeripheralConnected
	EventPeripheralDisconnected
	EventServiceDiscovered
	EventCharacteristicDiscovered
	EventCharacteristicValueUpdated
	EventCharacteristicWriteCompleted
	EventNotificationStateChanged
	EventReadRequestReceived
	EventWriteRequestReceived
	EventCentralSubscribed
	EventCentralUnsubscribed
	EventAdvertisingStarted
)

// Event is a single tagged union covering every variant C1 can emit. Only
// the fields relevant to Kind are populated; zero values elsewhere.
type Event struct {
	Kind EventKind

	State ManagerState

	PeerID uuid.UUID

	Discovered DiscoveredPeripheral

	Service        ServiceMetadata
	Characteristic CharacteristicMetadata

	Value []byte
	Err   error
}

// EventStream is the single lazy, restartable sequence of Events one
// adapter role emits (spec §4.1). Implementations are a thin wrapper over
// a bounded ring channel, grounded on the teacher's generic ring-channel
// (pkg/ble/internal/ringchan.go, internal/lua/ringchan.go): producers never
// block indefinitely, and a slow consumer silently loses only the oldest
// buffered events rather than stalling the adapter.
type EventStream interface {
	// Events returns the receive-only channel of emitted events. Ranging
	// over it until it is closed is the only supported consumption model.
	Events() <-chan Event
}

// Central is the BLE central role (spec §4.1 "Central-role operations").
type Central interface {
	EventStream

	Initialize(ctx context.Context) error
	WaitForPoweredOn(ctx context.Context) (ManagerState, error)

	Scan(ctx context.Context, serviceUUIDs []uuid.UUID, timeout time.Duration) error
	StopScan() error

	Connect(ctx context.Context, peerID uuid.UUID, timeout time.Duration) error
	Disconnect(ctx context.Context, peerID uuid.UUID) error
	IsConnected(peerID uuid.UUID) bool

	DiscoverServices(ctx context.Context, peerID uuid.UUID, uuids []uuid.UUID) ([]ServiceMetadata, error)
	DiscoverCharacteristics(ctx context.Context, serviceUUID uuid.UUID, peerID uuid.UUID, uuids []uuid.UUID) ([]CharacteristicMetadata, error)

	ReadValue(ctx context.Context, charUUID uuid.UUID, peerID uuid.UUID) ([]byte, error)
	WriteValue(ctx context.Context, data []byte, charUUID uuid.UUID, peerID uuid.UUID, writeType WriteType) error
	SetNotify(ctx context.Context, enabled bool, charUUID uuid.UUID, peerID uuid.UUID) error

	MaximumWriteLength(peerID uuid.UUID, writeType WriteType) (int, bool)
}

// Peripheral is the BLE peripheral role (spec §4.1 "Peripheral-role
// operations").
type Peripheral interface {
	EventStream

	Initialize(ctx context.Context) error
	WaitForPoweredOn(ctx context.Context) (ManagerState, error)

	AddService(ctx context.Context, service ServiceMetadata) error
	StartAdvertising(ctx context.Context, data AdvertisementData) error
	StopAdvertising(ctx context.Context) error
	IsAdvertising() bool

	UpdateValue(ctx context.Context, data []byte, charUUID uuid.UUID, centrals []uuid.UUID) (bool, error)
	SubscribedCentrals(charUUID uuid.UUID) []uuid.UUID

	MaximumWriteLength(peerID uuid.UUID, writeType WriteType) (int, bool)
}

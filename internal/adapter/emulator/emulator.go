// Package emulator routes BLE operations between two in-process mock
// adapters so integration tests can exercise a full central/peripheral
// pair — including two ActorSystem runtimes in the same process — without
// any real radio (spec §9 "Adapter abstraction": "an emulator that routes
// between peer instances in the same process for integration tests").
package emulator

import (
	"github.com/google/uuid"

	"github.com/srg/bleactor/internal/adapter"
	"github.com/srg/bleactor/internal/adapter/mock"
)

// Link wires a central-role mock.Adapter to a peripheral-role mock.Adapter
// so that writes issued by the central are delivered to the peripheral,
// and values the peripheral pushes via UpdateValue are delivered back to
// the central as characteristic-value-updated events.
type Link struct {
	CentralID     uuid.UUID // the identifier the peripheral sees for the central
	PeripheralID  uuid.UUID // the identifier the central sees for the peripheral
	Central       *mock.Adapter
	Peripheral    *mock.Adapter
}

// Connect installs the routing hooks on both sides of the link. Call it
// once per logical connection. Each call replaces the Central's
// OnCentralWrite and the Peripheral's OnNotify hooks, so an adapter routes
// only through the most recent Link it was connected with.
func Connect(l Link) {
	l.Central.OnCentralWrite = func(charUUID, _ uuid.UUID, data []byte, _ adapter.WriteType) error {
		l.Peripheral.DeliverWriteRequest(charUUID, l.CentralID, data)
		return nil
	}

	l.Peripheral.OnNotify = func(charUUID uuid.UUID, data []byte, _ []uuid.UUID) {
		l.Central.Emit(adapter.Event{
			Kind:           adapter.EventCharacteristicValueUpdated,
			PeerID:         l.PeripheralID,
			Characteristic: adapter.CharacteristicMetadata{UUID: charUUID},
			Value:          data,
		})
	}
}

// NewConnectedPair builds a ready-to-use central/peripheral mock.Adapter
// pair, pre-wired with Connect, and registers discovery/connect state on
// the central so ActorSystem.Connect's usual flow (Scan or direct Connect,
// DiscoverServices, DiscoverCharacteristics) works against it immediately.
func NewConnectedPair(centralID, peripheralID uuid.UUID, services []adapter.ServiceMetadata, adv adapter.AdvertisementData) (*mock.Adapter, *mock.Adapter) {
	central := mock.New("central", nil)
	peripheral := mock.New("peripheral", nil)

	central.AddDiscoverable(adapter.DiscoveredPeripheral{PeerID: peripheralID, Advertisement: adv}, services)

	Connect(Link{
		CentralID:    centralID,
		PeripheralID: peripheralID,
		Central:      central,
		Peripheral:   peripheral,
	})

	return central, peripheral
}

package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	gble "github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleactor/internal/adapter"
	"github.com/srg/bleactor/internal/naming"
)

// peerNamespace derives a stable peer-id for a BLE address. The host stack
// only ever gives us addresses; the runtime only ever wants uuid.UUIDs, so
// every peer-id this package hands out is name-based and reproducible
// across scans of the same physical device (mirrors naming.ServiceUUID's
// derivation pattern, just rooted at a different namespace).
var peerNamespace = naming.Deterministic(naming.RuntimeNamespace, "goble.peer-address")

func peerIDForAddress(addr string) uuid.UUID {
	return naming.Deterministic(peerNamespace, addr)
}

// DeviceFactory creates the underlying ble.Device, overridable in tests the
// way the teacher's internal/device/go-ble/connection.go does with its
// package-level DeviceFactory var.
var DeviceFactory func() (gble.Device, error)

// Central implements adapter.Central over a real github.com/go-ble/ble
// host stack, generalizing the teacher's BLEConnection (one device, one
// connection) into one adapter that tracks many concurrently connected
// peers by peer-id.
type Central struct {
	adapter.BaseStream

	logger *logrus.Logger

	mu        sync.Mutex
	dev       gble.Device
	clients   map[uuid.UUID]gble.Client
	addrs     map[uuid.UUID]string
	profiles  map[uuid.UUID]gble.Profile
	scanning  bool
	cancelScn context.CancelFunc
}

// NewCentral constructs a Central ready for Initialize.
func NewCentral(logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	return &Central{
		BaseStream: adapter.NewBaseStream(adapter.DefaultEventBuffer),
		logger:     logger,
		clients:    make(map[uuid.UUID]gble.Client),
		addrs:      make(map[uuid.UUID]string),
		profiles:   make(map[uuid.UUID]gble.Profile),
	}
}

func (c *Central) Initialize(ctx context.Context) error {
	factory := DeviceFactory
	if factory == nil {
		return fmt.Errorf("goble: no DeviceFactory configured for this platform")
	}
	dev, err := factory()
	if err != nil {
		return normalizeError(err)
	}
	gble.SetDefaultDevice(dev)

	c.mu.Lock()
	c.dev = dev
	c.mu.Unlock()
	return nil
}

// WaitForPoweredOn reports the adapter as powered on once Initialize has
// produced a device; github.com/go-ble/ble surfaces power state errors
// lazily on the first Scan/Dial call rather than through a queryable
// state, so there is nothing more to poll here.
func (c *Central) WaitForPoweredOn(ctx context.Context) (adapter.ManagerState, error) {
	c.mu.Lock()
	dev := c.dev
	c.mu.Unlock()
	if dev == nil {
		return adapter.StateUnknown, fmt.Errorf("goble: Initialize not called")
	}
	c.Emit(adapter.Event{Kind: adapter.EventStateChanged, State: adapter.StatePoweredOn})
	return adapter.StatePoweredOn, nil
}

func (c *Central) Scan(ctx context.Context, serviceUUIDs []uuid.UUID, timeout time.Duration) error {
	c.mu.Lock()
	dev := c.dev
	c.mu.Unlock()
	if dev == nil {
		return fmt.Errorf("goble: Initialize not called")
	}

	scanCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		scanCtx, cancel = context.WithCancel(ctx)
	}

	c.mu.Lock()
	c.scanning = true
	c.cancelScn = cancel
	c.mu.Unlock()

	filter := make(map[string]bool, len(serviceUUIDs))
	for _, u := range serviceUUIDs {
		filter[u.String()] = true
	}

	handler := func(adv gble.Advertisement) {
		if len(filter) > 0 && !advertisesAny(adv, filter) {
			return
		}
		addr := adv.Addr().String()
		peerID := peerIDForAddress(addr)
		c.mu.Lock()
		c.addrs[peerID] = addr
		c.mu.Unlock()

		c.Emit(adapter.Event{
			Kind:       adapter.EventPeripheralDiscovered,
			PeerID:     peerID,
			Discovered: discoveredFromAdvertisement(peerID, adv),
		})
	}

	err := dev.Scan(scanCtx, true, handler)
	c.mu.Lock()
	c.scanning = false
	c.mu.Unlock()

	if err != nil && scanCtx.Err() == nil {
		return normalizeError(err)
	}
	return nil
}

func (c *Central) StopScan() error {
	c.mu.Lock()
	cancel := c.cancelScn
	c.scanning = false
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *Central) Connect(ctx context.Context, peerID uuid.UUID, timeout time.Duration) error {
	c.mu.Lock()
	addr, known := c.addrs[peerID]
	c.mu.Unlock()
	if !known {
		return fmt.Errorf("goble: peer %s was never discovered by Scan", peerID)
	}

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := gble.Dial(connCtx, gble.NewAddr(addr))
	if err != nil {
		return normalizeError(err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return normalizeError(err)
	}

	c.mu.Lock()
	c.clients[peerID] = client
	c.profiles[peerID] = *profile
	c.mu.Unlock()

	c.Emit(adapter.Event{Kind: adapter.EventPeripheralConnected, PeerID: peerID})

	if disc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		go func() {
			<-disc.Disconnected()
			c.mu.Lock()
			delete(c.clients, peerID)
			delete(c.profiles, peerID)
			c.mu.Unlock()
			c.Emit(adapter.Event{Kind: adapter.EventPeripheralDisconnected, PeerID: peerID})
		}()
	}

	return nil
}

func (c *Central) Disconnect(ctx context.Context, peerID uuid.UUID) error {
	c.mu.Lock()
	client, ok := c.clients[peerID]
	delete(c.clients, peerID)
	delete(c.profiles, peerID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	err := client.CancelConnection()
	c.Emit(adapter.Event{Kind: adapter.EventPeripheralDisconnected, PeerID: peerID})
	return normalizeError(err)
}

func (c *Central) IsConnected(peerID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.clients[peerID]
	return ok
}

func (c *Central) DiscoverServices(ctx context.Context, peerID uuid.UUID, uuids []uuid.UUID) ([]adapter.ServiceMetadata, error) {
	c.mu.Lock()
	profile, ok := c.profiles[peerID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("goble: peer %s not connected", peerID)
	}

	var out []adapter.ServiceMetadata
	for _, svc := range profile.Services {
		svcUUID, err := uuid.Parse(normalizeUUIDString(svc.UUID.String()))
		if err != nil {
			continue
		}
		if len(uuids) > 0 && !containsUUID(uuids, svcUUID) {
			continue
		}
		meta := adapter.ServiceMetadata{UUID: svcUUID}
		for _, ch := range svc.Characteristics {
			charUUID, err := uuid.Parse(normalizeUUIDString(ch.UUID.String()))
			if err != nil {
				continue
			}
			meta.Characteristics = append(meta.Characteristics, adapter.CharacteristicMetadata{
				UUID:       charUUID,
				Properties: propertiesFromBLE(ch.Property),
			})
		}
		out = append(out, meta)
		c.Emit(adapter.Event{Kind: adapter.EventServiceDiscovered, PeerID: peerID, Service: meta})
	}
	return out, nil
}

func (c *Central) DiscoverCharacteristics(ctx context.Context, serviceUUID uuid.UUID, peerID uuid.UUID, uuids []uuid.UUID) ([]adapter.CharacteristicMetadata, error) {
	svcs, err := c.DiscoverServices(ctx, peerID, []uuid.UUID{serviceUUID})
	if err != nil {
		return nil, err
	}
	for _, svc := range svcs {
		if svc.UUID != serviceUUID {
			continue
		}
		if len(uuids) == 0 {
			return svc.Characteristics, nil
		}
		var filtered []adapter.CharacteristicMetadata
		for _, ch := range svc.Characteristics {
			if containsUUID(uuids, ch.UUID) {
				filtered = append(filtered, ch)
			}
		}
		return filtered, nil
	}
	return nil, nil
}

func (c *Central) findCharacteristic(peerID, charUUID uuid.UUID) (gble.Client, *gble.Characteristic, error) {
	c.mu.Lock()
	client, ok := c.clients[peerID]
	profile := c.profiles[peerID]
	c.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("goble: peer %s not connected", peerID)
	}
	for _, svc := range profile.Services {
		for _, ch := range svc.Characteristics {
			if normalizeUUIDString(ch.UUID.String()) == normalizeUUIDString(charUUID.String()) {
				return client, ch, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("goble: characteristic %s not found on peer %s", charUUID, peerID)
}

func (c *Central) ReadValue(ctx context.Context, charUUID uuid.UUID, peerID uuid.UUID) ([]byte, error) {
	client, ch, err := c.findCharacteristic(peerID, charUUID)
	if err != nil {
		return nil, err
	}
	data, err := client.ReadCharacteristic(ch)
	if err != nil {
		return nil, normalizeError(err)
	}
	return data, nil
}

func (c *Central) WriteValue(ctx context.Context, data []byte, charUUID uuid.UUID, peerID uuid.UUID, writeType adapter.WriteType) error {
	client, ch, err := c.findCharacteristic(peerID, charUUID)
	if err != nil {
		return err
	}
	noResponse := writeType == adapter.WithoutResponse
	if err := client.WriteCharacteristic(ch, data, noResponse); err != nil {
		return normalizeError(err)
	}
	c.Emit(adapter.Event{Kind: adapter.EventCharacteristicWriteCompleted, PeerID: peerID, Characteristic: adapter.CharacteristicMetadata{UUID: charUUID}})
	return nil
}

func (c *Central) SetNotify(ctx context.Context, enabled bool, charUUID uuid.UUID, peerID uuid.UUID) error {
	client, ch, err := c.findCharacteristic(peerID, charUUID)
	if err != nil {
		return err
	}

	if !enabled {
		err := client.Unsubscribe(ch, false)
		c.Emit(adapter.Event{Kind: adapter.EventNotificationStateChanged, PeerID: peerID, Characteristic: adapter.CharacteristicMetadata{UUID: charUUID}})
		return normalizeError(err)
	}

	err = client.Subscribe(ch, false, func(data []byte) {
		c.Emit(adapter.Event{Kind: adapter.EventCharacteristicValueUpdated, PeerID: peerID, Characteristic: adapter.CharacteristicMetadata{UUID: charUUID}, Value: data})
	})
	if err != nil {
		return normalizeError(err)
	}
	c.Emit(adapter.Event{Kind: adapter.EventNotificationStateChanged, PeerID: peerID, Characteristic: adapter.CharacteristicMetadata{UUID: charUUID}})
	return nil
}

// MaximumWriteLength reports the negotiated ATT_MTU minus the 3-byte ATT
// write-request header, the same arithmetic the teacher hard-codes as
// DefaultBLEWriteChunkSize for its fixed 20-byte chunking; here it is
// derived from the live connection instead of assumed.
func (c *Central) MaximumWriteLength(peerID uuid.UUID, writeType adapter.WriteType) (int, bool) {
	c.mu.Lock()
	client, ok := c.clients[peerID]
	c.mu.Unlock()
	if !ok {
		return 0, false
	}
	if mtuer, ok := client.(interface{ Conn() gble.Conn }); ok {
		if conn := mtuer.Conn(); conn != nil {
			if n := conn.TxMTU(); n > 3 {
				return n - 3, true
			}
		}
	}
	return 20, true
}

func advertisesAny(adv gble.Advertisement, filter map[string]bool) bool {
	for _, svc := range adv.Services() {
		if filter[svc.String()] {
			return true
		}
	}
	return false
}

func discoveredFromAdvertisement(peerID uuid.UUID, adv gble.Advertisement) adapter.DiscoveredPeripheral {
	data := adapter.AdvertisementData{
		LocalName:        adv.LocalName(),
		ManufacturerData: adv.ManufacturerData(),
		ServiceData:      make(map[uuid.UUID][]byte),
	}
	for _, svc := range adv.Services() {
		if u, err := uuid.Parse(normalizeUUIDString(svc.String())); err == nil {
			data.ServiceUUIDs = append(data.ServiceUUIDs, u)
		}
	}
	for _, sd := range adv.ServiceData() {
		if u, err := uuid.Parse(normalizeUUIDString(sd.UUID.String())); err == nil {
			data.ServiceData[u] = sd.Data
		}
	}
	if tx := adv.TxPowerLevel(); tx != 127 {
		txCopy := int(tx)
		data.TxPowerLevel = &txCopy
	}
	return adapter.DiscoveredPeripheral{
		PeerID:        peerID,
		Advertisement: data,
		RSSI:          adv.RSSI(),
	}
}

func propertiesFromBLE(p gble.Property) adapter.CharacteristicProperty {
	var out adapter.CharacteristicProperty
	if p&gble.CharRead != 0 {
		out |= adapter.PropRead
	}
	if p&gble.CharWrite != 0 {
		out |= adapter.PropWrite
	}
	if p&gble.CharWriteNR != 0 {
		out |= adapter.PropWriteWithoutResponse
	}
	if p&gble.CharNotify != 0 {
		out |= adapter.PropNotify
	}
	if p&gble.CharIndicate != 0 {
		out |= adapter.PropIndicate
	}
	return out
}

func containsUUID(list []uuid.UUID, target uuid.UUID) bool {
	for _, u := range list {
		if u == target {
			return true
		}
	}
	return false
}

// normalizeUUIDString inserts dashes into a 32-character undashed UUID
// string to produce google/uuid's 36-char dashed form; any other input,
// including 16-bit short forms, is returned unchanged, and letter case is
// never altered (go-ble's 128-bit UUIDs are not always already in the
// dashed form google/uuid.Parse expects).
func normalizeUUIDString(s string) string {
	if len(s) == 32 {
		return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]
	}
	return s
}

var _ adapter.Central = (*Central)(nil)

// Package devicefactory wires the platform-default github.com/go-ble/ble
// host device into internal/adapter/goble, the same role the teacher's
// devicefactory played for internal/device/go-ble: a single seam an
// init-time call overrides, kept out of the adapter package itself so
// platform build tags (darwin, linux) stay isolated to one file.
package devicefactory

import (
	gble "github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"

	"github.com/srg/bleactor/internal/adapter/goble"
)

// UsePlatformDefault installs darwin.NewDevice as internal/adapter/goble's
// DeviceFactory, mirroring the teacher's top-level `var DeviceFactory = func()
// (ble.Device, error) { return darwin.NewDevice() }` in
// internal/device/go-ble/connection.go. Call this once at process startup
// before constructing a goble.Central or goble.Peripheral; tests instead
// assign goble.DeviceFactory directly to an in-process fake.
func UsePlatformDefault() {
	goble.DeviceFactory = func() (gble.Device, error) {
		return darwin.NewDevice()
	}
}

// Package goble implements adapter.Central and adapter.Peripheral over a
// real BLE host stack via github.com/go-ble/ble, grounded on the teacher's
// internal/device/go-ble package (connection.go, scanner.go,
// advertisement.go, error.go): same DeviceFactory override seam, same
// error-string normalization approach, generalized from the teacher's
// central-only device.Connection surface to the full adapter.Central +
// adapter.Peripheral split the runtime needs.
package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/srg/bleactor/internal/rpcerr"
)

// normalizeError maps a go-ble error into the runtime's error taxonomy
// (internal/rpcerr), mirroring internal/device/go-ble/error.go's
// string-matching approach against the host library's error messages.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return rpcerr.Wrap(rpcerr.ConnectionTimeout, err, "ble operation deadline exceeded")
	case errors.Is(err, context.Canceled):
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "bluetooth is turned off"),
		strings.Contains(msg, "invalid state: have=4 want=5"):
		return rpcerr.Wrap(rpcerr.BluetoothPoweredOff, err, "bluetooth powered off")
	case strings.Contains(msg, "not connected"), strings.Contains(msg, "disconnected"):
		return rpcerr.Wrap(rpcerr.ConnectionFailed, err, "not connected")
	case strings.Contains(msg, "not found"):
		return rpcerr.Wrap(rpcerr.ServiceNotFound, err, "not found")
	default:
		return err
	}
}

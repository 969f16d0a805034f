// Package esptool wraps the external "esptool" flashing utility behind a
// uniform contract: one flash attempt against one port with one image,
// reported as a fixed set of outcome kinds. The package never retries on its
// own; all recovery policy lives with the caller.
package esptool

import (
	"context"

	"go.bug.st/serial"
)

// Esptool executes the external esptool binary to talk to the ESP32
// bootloader. The wire protocol itself (handshake, chip ID, block writes,
// hash verification) is entirely the tool's business.
type Esptool struct {
	Config config

	overrideExecCommandFunc func(ctx context.Context, name string, arg ...string) process
}

// New returns an Esptool with the given options applied.
func New(opts ...Option) *Esptool {
	return &Esptool{Config: getConfig(opts...)}
}

// PortExists reports whether the given serial port is still present in the
// OS. Port identifiers are opaque OS-provided strings.
func (e *Esptool) PortExists(port string) bool {
	ports, err := e.Config.ListPorts()
	if err != nil {
		// Enumeration failure is not evidence of a vanished device.
		return true
	}
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

func listSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

package portscan

import (
	"context"
	"strings"

	"github.com/facebookincubator/go-belt/tool/logger"

	"github.com/biscuitshop/biscuitflash/pkg/firmware"
)

// Classifier tags a port with a role. Implementations are declarative
// capability tables (signature -> role): a new device variant is supported
// by extending a table, not by changing control flow.
type Classifier interface {
	// Classify returns the detected signature, the matched role and
	// whether a role was matched at all. A signature without a role means
	// "responded, but not one of ours".
	Classify(ctx context.Context, port PortInfo) (signature string, role firmware.Role, matched bool)
}

// usbSignatures maps "VID:PID" to a role for devices identifiable by their
// USB identity alone. The ESP32-C5 scanner module exposes the Espressif
// native USB-Serial/JTAG interface; the WROOM gateway sits behind a generic
// UART bridge and cannot be identified this way.
var usbSignatures = map[string]firmware.Role{
	"303A:1001": firmware.RoleScanner,
}

// USBSignature classifies ports by their USB vendor/product ID.
type USBSignature struct{}

// Classify implements Classifier.
func (USBSignature) Classify(ctx context.Context, port PortInfo) (string, firmware.Role, bool) {
	if port.VID == "" || port.PID == "" {
		return "", "", false
	}
	signature := strings.ToUpper(port.VID) + ":" + strings.ToUpper(port.PID)
	role, ok := usbSignatures[signature]
	if !ok {
		return "", "", false
	}
	return signature, role, true
}

// ChipProber is the probe operation the chip classifier needs from the
// flasher adapter.
type ChipProber interface {
	ProbeChip(ctx context.Context, port string) (string, error)
}

type chipSignature struct {
	Marker string

	// Role is empty for chip families we recognize but do not target
	// (e.g. other ESP32 C-series chips).
	Role firmware.Role
}

// chipSignatures is evaluated in order; more specific markers come first.
var chipSignatures = []chipSignature{
	{Marker: "esp32-c5", Role: firmware.RoleScanner},
	{Marker: "esp32c5", Role: firmware.RoleScanner},
	{Marker: "esp32-c"}, // C3/C6/...: an ESP32, but not a Biscuit module
	{Marker: "esp32c"},
	{Marker: "esp32-d", Role: firmware.RoleGateway},
	{Marker: "esp32", Role: firmware.RoleGateway},
}

// ChipProbe classifies ports by asking the chip bootloader for its family.
// This is the authoritative heuristic: it works regardless of which UART
// bridge the module sits behind.
type ChipProbe struct {
	Prober ChipProber
}

// Classify implements Classifier.
func (c ChipProbe) Classify(ctx context.Context, port PortInfo) (string, firmware.Role, bool) {
	chip, err := c.Prober.ProbeChip(ctx, port.Name)
	if err != nil {
		logger.FromCtx(ctx).Debugf("probe of %s failed: %v", port.Name, err)
		return "", "", false
	}
	if chip == "" {
		return "", "", false
	}
	for _, sig := range chipSignatures {
		if !strings.Contains(chip, sig.Marker) {
			continue
		}
		if sig.Role == "" {
			return chip, "", false
		}
		return chip, sig.Role, true
	}
	logger.FromCtx(ctx).Debugf("unrecognized chip signature '%s' on %s", chip, port.Name)
	return chip, "", false
}

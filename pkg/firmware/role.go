package firmware

import (
	"fmt"
)

// Role is the logical function of a device in the two-device Biscuit kit,
// independent of which physical port it is attached to in a given run.
type Role string

const (
	// RoleScanner is the ESP32-C5 scanner module.
	RoleScanner = Role("scanner")

	// RoleGateway is the ESP32-WROOM BLE gateway module.
	RoleGateway = Role("gateway")
)

// Roles returns all known roles in deterministic order. The order is also
// the priority order used when both devices request operator input at once.
func Roles() []Role {
	return []Role{RoleScanner, RoleGateway}
}

// FlashProfile is the per-role flashing capability record: everything the
// flashing tool needs to know about a device family. New device variants are
// added by extending the table in `profiles`, not by changing control flow.
type FlashProfile struct {
	// DisplayName is the human-readable device name for operator-facing output.
	DisplayName string

	// Chip is the chip identifier as understood by esptool ("--chip").
	Chip string

	// BaudRate is the serial baud rate used while flashing.
	BaudRate uint

	// FlashFreq is the flash frequency ("--flash_freq").
	FlashFreq string
}

var profiles = map[Role]FlashProfile{
	RoleScanner: {
		DisplayName: "C5 Scanner",
		Chip:        "esp32c5",
		BaudRate:    460800,
		FlashFreq:   "80m",
	},
	RoleGateway: {
		DisplayName: "WROOM BLE Gateway",
		Chip:        "esp32",
		BaudRate:    921600,
		FlashFreq:   "40m",
	},
}

// Profile returns the flash profile of the role.
func (role Role) Profile() (FlashProfile, error) {
	profile, ok := profiles[role]
	if !ok {
		return FlashProfile{}, ErrUnknownRole{Role: role}
	}
	return profile, nil
}

// ErrUnknownRole implements "error", for the description see Error.
type ErrUnknownRole struct {
	Role Role
}

func (err ErrUnknownRole) Error() string {
	return fmt.Sprintf("unknown device role: '%s'", string(err.Role))
}

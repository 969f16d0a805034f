package portscan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/biscuitshop/biscuitflash/pkg/firmware"
)

// PortInfo describes one serial port as enumerated from the OS. The Name is
// an opaque OS-provided identifier (e.g. "COM7", "/dev/ttyUSB0").
type PortInfo struct {
	Name        string
	Description string

	// VID and PID are the USB vendor/product IDs in upper-case hex,
	// empty for non-USB ports.
	VID string
	PID string
}

// Candidate is one enumerated port together with its classification result.
// Candidates are created on each scan cycle and discarded on rescan; they
// are never persisted.
type Candidate struct {
	Port PortInfo

	// Signature is the detected signature: a probe result (chip family)
	// or a USB VID:PID match. Empty when nothing responded.
	Signature string

	// Role is set only when the signature unambiguously matched a known
	// role profile.
	Role firmware.Role

	// Matched reports whether Role is valid.
	Matched bool
}

// Inventory is the result of one scan cycle.
type Inventory struct {
	Candidates []Candidate
}

// ResolvedPort returns the port resolved for the role. It resolves only an
// unambiguous match: with two or more candidates for the same role it
// reports a collision instead of guessing.
func (inv *Inventory) ResolvedPort(role firmware.Role) (string, error) {
	var matches []string
	for _, c := range inv.Candidates {
		if c.Matched && c.Role == role {
			matches = append(matches, c.Port.Name)
		}
	}
	switch len(matches) {
	case 0:
		return "", ErrRoleNotFound{Role: role}
	case 1:
		return matches[0], nil
	}
	sort.Strings(matches)
	return "", ErrRoleCollision{Role: role, Ports: matches}
}

// Collisions returns every role matched by two or more candidates.
func (inv *Inventory) Collisions() []firmware.Role {
	counts := map[firmware.Role]int{}
	for _, c := range inv.Candidates {
		if c.Matched {
			counts[c.Role]++
		}
	}
	var result []firmware.Role
	for _, role := range firmware.Roles() {
		if counts[role] > 1 {
			result = append(result, role)
		}
	}
	return result
}

// ErrRoleNotFound implements "error", for the description see Error.
type ErrRoleNotFound struct {
	Role firmware.Role
}

func (err ErrRoleNotFound) Error() string {
	return fmt.Sprintf("no device detected for role '%s'", string(err.Role))
}

// ErrRoleCollision implements "error", for the description see Error.
//
// It is a reported condition rather than a failure: the operator resolves
// it by disconnecting a device and rescanning.
type ErrRoleCollision struct {
	Role  firmware.Role
	Ports []string
}

func (err ErrRoleCollision) Error() string {
	return fmt.Sprintf("multiple devices match role '%s': %s",
		string(err.Role), strings.Join(err.Ports, ", "))
}

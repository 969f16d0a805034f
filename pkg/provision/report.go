package provision

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/biscuitshop/biscuitflash/pkg/esptool"
	"github.com/biscuitshop/biscuitflash/pkg/firmware"
	"github.com/biscuitshop/biscuitflash/pkg/session"
)

// RoleReport is the final word on one device role.
type RoleReport struct {
	State      session.State
	Port       string
	LastResult *esptool.Result
}

// Report is created once at run end and read-only thereafter.
type Report struct {
	// RunID identifies this provisioning run in logs and support requests.
	RunID uuid.UUID

	Roles map[firmware.Role]RoleReport

	// OverallSuccess is true only when every role ended in
	// session.StateSucceeded.
	OverallSuccess bool

	failures error
}

// Failures aggregates the last attempt errors of every role that did not
// succeed; nil when OverallSuccess is true.
func (r *Report) Failures() error {
	return r.failures
}

// String implements fmt.Stringer with a short operator-facing summary.
func (r *Report) String() string {
	var sb strings.Builder
	for _, role := range firmware.Roles() {
		roleReport, ok := r.Roles[role]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s", string(role), string(roleReport.State))
		if roleReport.LastResult != nil && !roleReport.LastResult.Outcome.IsSuccess() {
			fmt.Fprintf(&sb, " (%s)", roleReport.LastResult.Detail)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

package esptool

import (
	"fmt"
	"strings"
)

// Outcome is the kind of a flash attempt result.
type Outcome int

const (
	// OutcomeUnknown is any failure the adapter could not classify.
	OutcomeUnknown = Outcome(iota)

	// OutcomeSuccess means the device's flash contents are the new image.
	OutcomeSuccess

	// OutcomeNotInDownloadMode means the chip did not answer the bootloader
	// handshake; overwhelmingly a physical-mode problem (BOOT/RESET) which
	// software retries cannot fix.
	OutcomeNotInDownloadMode

	// OutcomePermissionDenied means the OS refused to open the port,
	// typically because another program holds it.
	OutcomePermissionDenied

	// OutcomePortVanished means the serial port disappeared from the OS.
	OutcomePortVanished

	// OutcomeCorrupt means the tool reported a verification/corruption
	// failure after writing; recommended recovery is erase-and-retry.
	OutcomeCorrupt
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotInDownloadMode:
		return "not_in_download_mode"
	case OutcomePermissionDenied:
		return "permission_denied"
	case OutcomePortVanished:
		return "port_vanished"
	case OutcomeCorrupt:
		return "corrupt"
	}
	return "unknown_error"
}

// IsSuccess reports whether the attempt ended with the new image in flash.
// On any other outcome the flash contents are unspecified and must not be
// assumed good.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeSuccess
}

// RecommendedRecovery is the operator hint shown together with a
// non-success result.
func (o Outcome) RecommendedRecovery() string {
	switch o {
	case OutcomeNotInDownloadMode:
		return "put the device into download mode: hold BOOT, press RESET, release BOOT; then retry"
	case OutcomePermissionDenied:
		return "close other programs using the port (serial monitor, IDE); then retry"
	case OutcomePortVanished:
		return "reconnect the device and rescan"
	case OutcomeCorrupt:
		return "erase-and-retry is recommended"
	}
	return "retry"
}

// Result is the outcome of a single flash attempt. It is produced once per
// attempt and never mutated.
type Result struct {
	Outcome Outcome

	// Detail is the human-readable explanation surfaced verbatim to the
	// operator.
	Detail string
}

// Err returns the result as an error: nil on success.
func (r Result) Err() error {
	if r.Outcome.IsSuccess() {
		return nil
	}
	return ErrFlash{Result: r}
}

// ErrFlash implements "error", for the description see Error.
type ErrFlash struct {
	Result Result
}

func (err ErrFlash) Error() string {
	return fmt.Sprintf("flash attempt failed (%s): %s", err.Result.Outcome, err.Result.Detail)
}

// classifyOutput maps esptool's output to an outcome kind.
//
// The markers come from observed esptool failure modes; everything
// unrecognized stays OutcomeUnknown so it is surfaced verbatim instead of
// being mislabeled.
func classifyOutput(output string, exitErr error) Result {
	if exitErr == nil {
		return Result{Outcome: OutcomeSuccess}
	}

	lower := strings.ToLower(output)

	switch {
	case strings.Contains(lower, "failed to connect"):
		return Result{
			Outcome: OutcomeNotInDownloadMode,
			Detail:  "failed to connect (device not in download mode?)",
		}
	case strings.Contains(lower, "timed out"):
		return Result{
			Outcome: OutcomeNotInDownloadMode,
			Detail:  "connection timed out (device not in download mode?)",
		}
	case strings.Contains(lower, "permission") || strings.Contains(lower, "access is denied"):
		return Result{
			Outcome: OutcomePermissionDenied,
			Detail:  "permission denied (port in use by another program?)",
		}
	case strings.Contains(lower, "could not open") || strings.Contains(lower, "no such file or directory"):
		return Result{
			Outcome: OutcomePortVanished,
			Detail:  "serial port could not be opened",
		}
	case strings.Contains(lower, "mismatch") || strings.Contains(lower, "corrupt") ||
		strings.Contains(lower, "digest"):
		return Result{
			Outcome: OutcomeCorrupt,
			Detail:  "flash verification failed (corrupted flash?)",
		}
	}

	return Result{
		Outcome: OutcomeUnknown,
		Detail:  fmt.Sprintf("flash failed: %v", exitErr),
	}
}

package esptool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/facebookincubator/go-belt/tool/logger"

	"github.com/biscuitshop/biscuitflash/pkg/firmware"
)

// Flash performs a single flash attempt of the image against the port.
//
// The call blocks for the duration of the underlying flashing protocol
// (seconds to tens of seconds) and is a single unit of work: no partial
// progress is observable or resumable. On any non-success outcome the flash
// contents are unspecified (possibly partially written).
func (e *Esptool) Flash(ctx context.Context, port string, image *firmware.Image) Result {
	profile, err := image.Role.Profile()
	if err != nil {
		return Result{Outcome: OutcomeUnknown, Detail: err.Error()}
	}

	if !e.PortExists(port) {
		return Result{
			Outcome: OutcomePortVanished,
			Detail:  fmt.Sprintf("device on %s disconnected", port),
		}
	}

	imagePath, cleanup, err := e.stageImage(image)
	if err != nil {
		return Result{
			Outcome: OutcomeUnknown,
			Detail:  fmt.Sprintf("unable to stage the firmware image: %v", err),
		}
	}
	defer cleanup()

	ctx, cancelFunc := context.WithTimeout(ctx, e.Config.FlashTimeout)
	defer cancelFunc()

	args := append(e.baseArgs(profile.Chip, port, profile.BaudRate),
		"write_flash",
		"--flash_mode", "dio",
		"--flash_freq", profile.FlashFreq,
		"--flash_size", "detect",
		"0x0", imagePath,
	)

	logger.FromCtx(ctx).Debugf("executing '%s' with args: %v", e.Config.EsptoolPath, args)
	output, execErr := e.execCommand(ctx, e.Config.EsptoolPath, args...).CombinedOutput()

	if execErr != nil && !e.PortExists(port) {
		return Result{
			Outcome: OutcomePortVanished,
			Detail:  fmt.Sprintf("device on %s disconnected", port),
		}
	}

	result := classifyOutput(string(output), execErr)
	logger.FromCtx(ctx).Debugf("flash attempt on %s: outcome:%s detail:'%s'", port, result.Outcome, result.Detail)
	return result
}

// Erase clears the whole flash of the device on the port. It is a
// destructive operation and is issued only on explicit operator request.
func (e *Esptool) Erase(ctx context.Context, port string, profile firmware.FlashProfile) error {
	ctx, cancelFunc := context.WithTimeout(ctx, e.Config.EraseTimeout)
	defer cancelFunc()

	args := append(e.baseArgs(profile.Chip, port, profile.BaudRate), "erase_flash")

	logger.FromCtx(ctx).Debugf("executing '%s' with args: %v", e.Config.EsptoolPath, args)
	output, execErr := e.execCommand(ctx, e.Config.EsptoolPath, args...).CombinedOutput()
	if execErr != nil {
		return fmt.Errorf("unable to erase flash on %s: '%s': %w",
			port, strings.TrimSpace(string(output)), execErr)
	}
	return nil
}

var chipIsRE = regexp.MustCompile(`(?i)chip is (ESP[A-Za-z0-9-]+)`)

// ProbeChip asks the bootloader on the port which chip family it is. The
// returned signature is a lowercase chip name such as "esp32-c5", or an
// empty string when the port answered but the chip could not be identified.
func (e *Esptool) ProbeChip(ctx context.Context, port string) (string, error) {
	ctx, cancelFunc := context.WithTimeout(ctx, e.Config.ProbeTimeout)
	defer cancelFunc()

	args := []string{"--chip", "auto", "--port", port, "chip_id"}

	output, execErr := e.execCommand(ctx, e.Config.EsptoolPath, args...).CombinedOutput()
	// esptool exits non-zero on chips it can identify but not fully talk
	// to; the "Chip is ..." line is printed regardless, so parse first.
	if m := chipIsRE.FindSubmatch(output); m != nil {
		return strings.ToLower(string(m[1])), nil
	}
	lower := strings.ToLower(string(output))
	for _, marker := range []string{"esp32-c5", "esp32c5", "esp32-c", "esp32"} {
		if strings.Contains(lower, marker) {
			return marker, nil
		}
	}
	if execErr != nil {
		return "", fmt.Errorf("unable to probe %s: %w", port, execErr)
	}
	return "", nil
}

func (e *Esptool) baseArgs(chip string, port string, baud uint) []string {
	return []string{
		"--chip", chip,
		"--port", port,
		"--baud", strconv.FormatUint(uint64(baud), 10),
		"--before", "default_reset",
		"--after", "hard_reset",
	}
}

// stageImage writes the firmware payload to a temporary file for esptool to
// consume, and returns the path together with a cleanup function.
func (e *Esptool) stageImage(image *firmware.Image) (string, func(), error) {
	dir := e.Config.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "biscuitflash-*.bin")
	if err != nil {
		return "", nil, fmt.Errorf("unable to create a temporary file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(image.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", nil, fmt.Errorf("unable to write the image to '%s': %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", nil, fmt.Errorf("unable to close '%s': %w", path, err)
	}
	return filepath.Clean(path), func() { _ = os.Remove(path) }, nil
}

// Package console implements the operator-facing terminal UI: progress
// messages, the interactive recovery prompts and the final summary.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/biscuitshop/biscuitflash/pkg/firmware"
	"github.com/biscuitshop/biscuitflash/pkg/provision"
	"github.com/biscuitshop/biscuitflash/pkg/session"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	successColor = color.New(color.FgGreen, color.Bold)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
)

// Console reads operator answers from `in` and writes everything to `out`.
// Progress messages honor the quiet flag; prompts do not (they are the whole
// point of the tool).
type Console struct {
	in    *bufio.Reader
	out   io.Writer
	quiet bool
}

// New returns a Console over the given streams.
func New(in io.Reader, out io.Writer, quiet bool) *Console {
	return &Console{
		in:    bufio.NewReader(in),
		out:   out,
		quiet: quiet,
	}
}

// Printf prints a progress message, suppressed in quiet mode.
func (c *Console) Printf(format string, args ...interface{}) {
	if c.quiet {
		return
	}
	fmt.Fprintf(c.out, format+"\n", args...)
}

// Banner prints the tool header.
func (c *Console) Banner() {
	if c.quiet {
		return
	}
	headerColor.Fprintln(c.out, "=== Biscuit Flash Utility ===")
	fmt.Fprintln(c.out, "provisions the C5 scanner and the WROOM BLE gateway in one run")
	fmt.Fprintln(c.out)
}

// DownloadModeHint reminds the operator how to put a device into download
// mode; shown once before the first scan.
func (c *Console) DownloadModeHint() {
	if c.quiet {
		return
	}
	warnColor.Fprintln(c.out, "hint: a device enters download mode by holding BOOT while pressing RESET")
}

func displayName(role firmware.Role) string {
	if profile, err := role.Profile(); err == nil {
		return profile.DisplayName
	}
	return string(role)
}

// AskAttempt presents a failed-attempt prompt and reads the operator's
// choice. It matches provision.AskFunc.
func (c *Console) AskAttempt(prompt session.Prompt) (session.Choice, error) {
	fmt.Fprintln(c.out)
	if prompt.Result != nil {
		errorColor.Fprintf(c.out, "[%s] attempt on %s failed: %s\n",
			displayName(prompt.Role), prompt.Port, prompt.Result.Detail)
		warnColor.Fprintf(c.out, "  hint: %s\n", prompt.Result.Outcome.RecommendedRecovery())
	}
	if prompt.EraseErr != nil {
		errorColor.Fprintf(c.out, "  the erase failed: %v\n", prompt.EraseErr)
	}

	for {
		fmt.Fprintf(c.out, "[Enter] retry  [E] erase and retry  [S] skip this device  [R] rescan ports  [Q] quit all: ")
		answer, err := c.readAnswer()
		if err != nil {
			return "", err
		}
		switch answer {
		case "":
			return session.ChoiceRetry, nil
		case "E":
			return session.ChoiceEraseRetry, nil
		case "S":
			return session.ChoiceSkip, nil
		case "R":
			return session.ChoiceRescan, nil
		case "Q":
			return session.ChoiceQuit, nil
		}
		warnColor.Fprintf(c.out, "unrecognized answer '%s'\n", answer)
	}
}

// AskScan implements provision.ScanPrompter.
func (c *Console) AskScan(ctx context.Context, prompt provision.ScanPrompt) (provision.ScanChoice, error) {
	fmt.Fprintln(c.out)
	for _, role := range prompt.Missing {
		warnColor.Fprintf(c.out, "no %s found: connect it and put it into download mode\n",
			displayName(role))
	}
	for _, role := range prompt.Collisions {
		warnColor.Fprintf(c.out, "more than one %s detected: disconnect all but one\n",
			displayName(role))
	}
	if prompt.Inventory != nil && len(prompt.Inventory.Candidates) > 0 {
		fmt.Fprintln(c.out, "detected ports:")
		for _, candidate := range prompt.Inventory.Candidates {
			line := fmt.Sprintf("  %-14s %s", candidate.Port.Name, candidate.Signature)
			if candidate.Matched {
				line += " -> " + displayName(candidate.Role)
			}
			fmt.Fprintln(c.out, line)
		}
	}

	for {
		if prompt.AllowProceed {
			fmt.Fprintf(c.out, "[Enter] rescan  [P] proceed with the found device  [Q] quit: ")
		} else {
			fmt.Fprintf(c.out, "[Enter] rescan  [Q] quit: ")
		}
		answer, err := c.readAnswer()
		if err != nil {
			return "", err
		}
		switch answer {
		case "":
			return provision.ScanChoiceRescan, nil
		case "P":
			if prompt.AllowProceed {
				return provision.ScanChoiceProceed, nil
			}
		case "Q":
			return provision.ScanChoiceQuit, nil
		}
		warnColor.Fprintf(c.out, "unrecognized answer '%s'\n", answer)
	}
}

// Summary prints the final per-role verdict. It is never suppressed.
func (c *Console) Summary(report *provision.Report) {
	fmt.Fprintln(c.out)
	headerColor.Fprintln(c.out, "=== Summary ===")
	for _, role := range firmware.Roles() {
		roleReport, ok := report.Roles[role]
		if !ok {
			continue
		}
		switch roleReport.State {
		case session.StateSucceeded:
			successColor.Fprintf(c.out, "  %-22s flashed successfully (%s)\n",
				displayName(role), roleReport.Port)
		case session.StateSkipped:
			warnColor.Fprintf(c.out, "  %-22s skipped by the operator\n", displayName(role))
		default:
			line := fmt.Sprintf("  %-22s failed", displayName(role))
			if roleReport.LastResult != nil {
				line += ": " + roleReport.LastResult.Detail
			}
			errorColor.Fprintln(c.out, line)
		}
	}
	fmt.Fprintln(c.out)
	if report.OverallSuccess {
		successColor.Fprintln(c.out, "both devices are provisioned")
	} else {
		errorColor.Fprintln(c.out, "the run did not provision both devices")
	}
}

func (c *Console) readAnswer() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("unable to read the operator's answer: %w", err)
	}
	return strings.ToUpper(strings.TrimSpace(line)), nil
}

package scan

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/biscuitshop/biscuitflash/cmd/biscuitflash/console"
	"github.com/biscuitshop/biscuitflash/pkg/commands"
	"github.com/biscuitshop/biscuitflash/pkg/esptool"
	"github.com/biscuitshop/biscuitflash/pkg/firmware"
	"github.com/biscuitshop/biscuitflash/pkg/portscan"
)

// Command is the implementation of `commands.Command`.
type Command struct {
	esptoolPath *string
	probeDelay  *time.Duration
	noProbe     *bool
}

// Usage prints the syntax of arguments for this command
func (cmd Command) Usage() string {
	return ""
}

// Description explains what this verb commands to do
func (cmd Command) Description() string {
	return "run one port scan cycle and print the classified candidates"
}

// SetupFlagSet is called to allow the command implementation
// to setup which option flags it has.
func (cmd *Command) SetupFlagSet(flag *flag.FlagSet) {
	cmd.esptoolPath = flag.String("esptool", esptool.DefaultEsptoolPath, "the command to execute as esptool")
	cmd.probeDelay = flag.Duration("probe-delay", portscan.DefaultProbeDelay, "the pause between two port probes")
	cmd.noProbe = flag.Bool("no-probe", false, "classify by USB identity only, never touch the ports")
}

// Execute is the main function here. It is responsible to
// start the execution of the command.
//
// `args` are the arguments left unused by verb itself and options.
func (cmd Command) Execute(ctx context.Context, cfg commands.Config, args []string) error {
	if len(args) != 0 {
		return commands.ErrArgs{Err: fmt.Errorf("the command expects no arguments")}
	}

	cons := console.New(os.Stdin, os.Stdout, cfg.IsQuiet)

	classifiers := []portscan.Classifier{portscan.USBSignature{}}
	if !*cmd.noProbe {
		flasher := esptool.New(esptool.OptionEsptoolPath(*cmd.esptoolPath))
		classifiers = append(classifiers, portscan.ChipProbe{Prober: flasher})
	}

	scanner := portscan.New(
		portscan.OptionClassifiers(classifiers),
		portscan.OptionProbeDelay(*cmd.probeDelay),
	)
	inv, err := scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("the port scan failed: %w", err)
	}

	if len(inv.Candidates) == 0 {
		cons.Printf("no serial ports detected")
		return nil
	}
	for _, candidate := range inv.Candidates {
		line := fmt.Sprintf("%-14s", candidate.Port.Name)
		if candidate.Port.Description != "" {
			line += " " + candidate.Port.Description
		}
		if candidate.Signature != "" {
			line += fmt.Sprintf(" [%s]", candidate.Signature)
		}
		if candidate.Matched {
			profile, err := candidate.Role.Profile()
			if err == nil {
				line += " -> " + profile.DisplayName
			}
		}
		cons.Printf("%s", line)
	}
	for _, role := range firmware.Roles() {
		if _, err := inv.ResolvedPort(role); err != nil {
			cons.Printf("%v", err)
		}
	}
	return nil
}

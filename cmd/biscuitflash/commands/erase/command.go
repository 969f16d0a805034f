package erase

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/biscuitshop/biscuitflash/cmd/biscuitflash/console"
	"github.com/biscuitshop/biscuitflash/pkg/commands"
	"github.com/biscuitshop/biscuitflash/pkg/esptool"
	"github.com/biscuitshop/biscuitflash/pkg/firmware"
	"github.com/biscuitshop/biscuitflash/pkg/portscan"
)

// Command is the implementation of `commands.Command`.
type Command struct {
	esptoolPath *string
	port        *string
}

// Usage prints the syntax of arguments for this command
func (cmd Command) Usage() string {
	return "<scanner|gateway>"
}

// Description explains what this verb commands to do
func (cmd Command) Description() string {
	return "erase the whole flash of one device (destructive)"
}

// SetupFlagSet is called to allow the command implementation
// to setup which option flags it has.
func (cmd *Command) SetupFlagSet(flag *flag.FlagSet) {
	cmd.esptoolPath = flag.String("esptool", esptool.DefaultEsptoolPath, "the command to execute as esptool")
	cmd.port = flag.String("port", "", "skip the scan and use this serial port")
}

// Execute is the main function here. It is responsible to
// start the execution of the command.
//
// `args` are the arguments left unused by verb itself and options.
func (cmd Command) Execute(ctx context.Context, cfg commands.Config, args []string) error {
	if len(args) != 1 {
		return commands.ErrArgs{Err: fmt.Errorf("expected exactly one argument: the device role")}
	}
	role := firmware.Role(args[0])
	profile, err := role.Profile()
	if err != nil {
		return commands.ErrArgs{Err: err}
	}

	cons := console.New(os.Stdin, os.Stdout, cfg.IsQuiet)
	flasher := esptool.New(esptool.OptionEsptoolPath(*cmd.esptoolPath))

	port := *cmd.port
	if port == "" {
		scanner := portscan.New(portscan.OptionClassifiers{
			portscan.USBSignature{},
			portscan.ChipProbe{Prober: flasher},
		})
		inv, err := scanner.Scan(ctx)
		if err != nil {
			return fmt.Errorf("the port scan failed: %w", err)
		}
		port, err = inv.ResolvedPort(role)
		if err != nil {
			return err
		}
	}

	cons.Printf("erasing the %s on %s...", profile.DisplayName, port)
	if err := flasher.Erase(ctx, port, profile); err != nil {
		return err
	}
	cons.Printf("done")
	return nil
}

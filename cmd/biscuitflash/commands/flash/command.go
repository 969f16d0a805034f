package flash

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/biscuitshop/biscuitflash/cmd/biscuitflash/console"
	"github.com/biscuitshop/biscuitflash/pkg/commands"
	"github.com/biscuitshop/biscuitflash/pkg/esptool"
	"github.com/biscuitshop/biscuitflash/pkg/firmwarerepo"
	"github.com/biscuitshop/biscuitflash/pkg/portscan"
	"github.com/biscuitshop/biscuitflash/pkg/provision"
)

// Command is the implementation of `commands.Command`.
type Command struct {
	manifestBaseURL *string
	fresh           *bool
	esptoolPath     *string
	cacheDir        *string
	probeDelay      *time.Duration
}

// Usage prints the syntax of arguments for this command
func (cmd Command) Usage() string {
	return ""
}

// Description explains what this verb commands to do
func (cmd Command) Description() string {
	return "download the latest firmware release and flash both devices (the default command)"
}

// SetupFlagSet is called to allow the command implementation
// to setup which option flags it has.
func (cmd *Command) SetupFlagSet(flag *flag.FlagSet) {
	cmd.manifestBaseURL = flag.String("manifest-base-url", firmwarerepo.DefaultBaseURL, "the firmware distribution point (the manifest and images are expected directly under it)")
	cmd.fresh = flag.Bool("fresh", false, "wipe the on-disk firmware cache and re-download everything")
	cmd.esptoolPath = flag.String("esptool", esptool.DefaultEsptoolPath, "the command to execute as esptool")
	cmd.cacheDir = flag.String("cache-dir", "", "override where downloaded firmware files are cached")
	cmd.probeDelay = flag.Duration("probe-delay", portscan.DefaultProbeDelay, "the pause between two port probes during a scan")
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
	cons.Banner()

	var repoOpts []firmwarerepo.Option
	if *cmd.fresh {
		repoOpts = append(repoOpts, firmwarerepo.OptionFresh(true))
	}
	if *cmd.cacheDir != "" {
		repoOpts = append(repoOpts, firmwarerepo.OptionCacheDir(*cmd.cacheDir))
	}
	repo := firmwarerepo.New(*cmd.manifestBaseURL, repoOpts...)

	flasher := esptool.New(esptool.OptionEsptoolPath(*cmd.esptoolPath))

	scanOpts := []portscan.Option{
		portscan.OptionClassifiers{
			portscan.USBSignature{},
			portscan.ChipProbe{Prober: flasher},
		},
		portscan.OptionProbeDelay(*cmd.probeDelay),
	}
	scan := func(ctx context.Context, exclude []string) (*portscan.Inventory, error) {
		opts := scanOpts
		if len(exclude) > 0 {
			opts = append(opts, portscan.OptionExcludePorts(exclude))
		}
		cons.Printf("scanning serial ports...")
		return portscan.New(opts...).Scan(ctx)
	}

	queue := provision.NewPromptQueue(cons.AskAttempt)
	defer queue.Close()

	orch := provision.New(
		repo,
		scan,
		flasher,
		queue,
		cons,
		provision.OptionNotifyFunc(cons.Printf),
	)

	cons.DownloadModeHint()
	report, err := orch.Run(ctx)
	if err != nil {
		return ErrRunAborted{Err: err}
	}

	cons.Summary(report)
	if !report.OverallSuccess {
		// the summary already told the operator everything
		return commands.SilentError{Err: ErrRunFailed{Err: report.Failures()}}
	}
	return nil
}

// ErrRunAborted implements "error", for the description see Error.
type ErrRunAborted struct {
	Err error
}

func (err ErrRunAborted) Error() string {
	return fmt.Sprintf("the provisioning run aborted before flashing: %v", err.Err)
}

func (err ErrRunAborted) Unwrap() error {
	return err.Err
}

// ExitCode implements commands.ExitCoder.
func (err ErrRunAborted) ExitCode() int {
	return 1
}

// ErrRunFailed implements "error", for the description see Error.
type ErrRunFailed struct {
	Err error
}

func (err ErrRunFailed) Error() string {
	if err.Err == nil {
		return "not every device was provisioned"
	}
	return fmt.Sprintf("not every device was provisioned: %v", err.Err)
}

func (err ErrRunFailed) Unwrap() error {
	return err.Err
}

// ExitCode implements commands.ExitCoder.
func (err ErrRunFailed) ExitCode() int {
	return 1
}

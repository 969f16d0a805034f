package fetch

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/biscuitshop/biscuitflash/cmd/biscuitflash/console"
	"github.com/biscuitshop/biscuitflash/pkg/commands"
	"github.com/biscuitshop/biscuitflash/pkg/firmware"
	"github.com/biscuitshop/biscuitflash/pkg/firmwarerepo"
)

// Command is the implementation of `commands.Command`.
type Command struct {
	manifestBaseURL *string
	fresh           *bool
	cacheDir        *string
	outputDir       *string
}

// Usage prints the syntax of arguments for this command
func (cmd Command) Usage() string {
	return ""
}

// Description explains what this verb commands to do
func (cmd Command) Description() string {
	return "download the latest firmware release without flashing anything"
}

// SetupFlagSet is called to allow the command implementation
// to setup which option flags it has.
func (cmd *Command) SetupFlagSet(flag *flag.FlagSet) {
	cmd.manifestBaseURL = flag.String("manifest-base-url", firmwarerepo.DefaultBaseURL, "the firmware distribution point")
	cmd.fresh = flag.Bool("fresh", false, "wipe the on-disk firmware cache and re-download everything")
	cmd.cacheDir = flag.String("cache-dir", "", "override where downloaded firmware files are cached")
	cmd.outputDir = flag.String("output-dir", "", "also save the fetched images into this directory")
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

	var repoOpts []firmwarerepo.Option
	if *cmd.fresh {
		repoOpts = append(repoOpts, firmwarerepo.OptionFresh(true))
	}
	if *cmd.cacheDir != "" {
		repoOpts = append(repoOpts, firmwarerepo.OptionCacheDir(*cmd.cacheDir))
	}
	repo := firmwarerepo.New(*cmd.manifestBaseURL, repoOpts...)

	release, err := repo.FetchLatest(ctx)
	if err != nil {
		return fmt.Errorf("unable to fetch the firmware release: %w", err)
	}

	for _, role := range firmware.Roles() {
		image, err := release.ImageFor(role)
		if err != nil {
			return err
		}
		cons.Printf("%s: %s version %s (%d bytes, id %s)",
			string(role), image.Filename, image.Version, len(image.Body), image.ID)

		if *cmd.outputDir == "" {
			continue
		}
		path := filepath.Join(*cmd.outputDir, image.Filename)
		if err := os.WriteFile(path, image.Body, 0o644); err != nil {
			return fmt.Errorf("unable to save the image to '%s': %w", path, err)
		}
		cons.Printf("saved to %s", path)
	}
	return nil
}

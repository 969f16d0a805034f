package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sort"

	"github.com/facebookincubator/go-belt/beltctx"
	"github.com/facebookincubator/go-belt/tool/experimental/errmon"
	"github.com/facebookincubator/go-belt/tool/experimental/tracer"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/spf13/pflag"

	"github.com/biscuitshop/biscuitflash/cmd/biscuitflash/commands/erase"
	"github.com/biscuitshop/biscuitflash/cmd/biscuitflash/commands/fetch"
	"github.com/biscuitshop/biscuitflash/cmd/biscuitflash/commands/flash"
	"github.com/biscuitshop/biscuitflash/cmd/biscuitflash/commands/scan"
	"github.com/biscuitshop/biscuitflash/pkg/commands"
	"github.com/biscuitshop/biscuitflash/pkg/observability"
)

var (
	knownCommands = map[string]commands.Command{
		"erase": &erase.Command{},
		"fetch": &fetch.Command{},
		"flash": &flash.Command{},
		"scan":  &scan.Command{},
	}

	// defaultCommand is what an operator gets by just running the tool.
	defaultCommand = "flash"

	exitCode = 0
)

func usage(flagSet *pflag.FlagSet) {
	flagSet.Usage()
	exitCode = 2 // the standard Go's exit-code on invalid flags
}

type flags struct {
	isQuiet      *bool
	loggingLevel logger.Level
	tracePrefix  *string
	netPprofAddr *string
}

func setupFlag() (*pflag.FlagSet, *flags) {
	var f flags

	flagSet := pflag.NewFlagSet("biscuitflash", pflag.ExitOnError)
	// global flags come before the command; everything after the command
	// belongs to the command
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "syntax: biscuitflash [options] [<command> [command options]]\n")
		_, _ = fmt.Fprintf(os.Stderr, "\nwithout a command '%s' is implied\n", defaultCommand)
		_, _ = fmt.Fprintf(os.Stderr, "\nPossible commands:\n")

		var commandList []string
		for commandName := range knownCommands {
			commandList = append(commandList, commandName)
		}
		sort.Strings(commandList)

		for _, commandName := range commandList {
			command := knownCommands[commandName]
			_, _ = fmt.Fprintf(os.Stderr, "    biscuitflash %-28s %s\n",
				fmt.Sprintf("%s %s", commandName, command.Usage()), command.Description())
		}
		_, _ = fmt.Fprintf(os.Stderr, "\n")

		flagSet.PrintDefaults()
	}

	f.loggingLevel = logger.LevelWarning // the default value
	flagSet.Var(&f.loggingLevel, "log-level", "logging level")
	f.isQuiet = flagSet.Bool("quiet", false, "suppress progress output (prompts and the summary are still printed)")
	f.tracePrefix = flagSet.String("trace-prefix", "", "prepend traceID with this value; it is useful to understand which automation was responsible for this run")
	f.netPprofAddr = flagSet.String("net-pprof-addr", "", "if non-empty then listens with net/http/pprof")
	return flagSet, &f
}

func main() {
	ctx, endFunc := context.WithCancel(context.Background())
	defer func() {
		// We want both: custom exitcode (which could be set only via `os.Exit`)
		// and working `defer`-s. So we have to put os.Exit into a defer.

		// Though we do not want to avoid printing panics, so:
		if event := errmon.ObserveRecoverCtx(ctx, recover()); event != nil {
			endFunc()
			beltctx.Flush(ctx)
			panic(event.PanicValue)
		}

		logger.FromCtx(ctx).Debugf("exitcode is %d", exitCode)
		endFunc()
		beltctx.Flush(ctx)
		os.Exit(exitCode)
	}()

	// Parse arguments

	flagSet, flags := setupFlag()
	_ = flagSet.Parse(os.Args[1:])

	commandName := defaultCommand
	args := flagSet.Args()
	if len(args) > 0 {
		commandName = args[0]
		args = args[1:]
	}

	// Initialize everything

	ctx = observability.WithBelt(
		ctx,
		flags.loggingLevel,
		*flags.tracePrefix,
		true,
	)

	// Ctrl-C cancels the run; the sessions notice it at the next
	// transition point (a flash attempt is never interrupted mid-write).
	ctx, stopSignals := signal.NotifyContext(ctx, os.Interrupt)
	defer stopSignals()

	if *flags.netPprofAddr != "" {
		go func() {
			err := http.ListenAndServe(*flags.netPprofAddr, nil)
			logger.FromCtx(ctx).Errorf("unable to start listening for https/net/pprof: %v", err)
		}()
	}

	span, ctx := tracer.StartChildSpanFromCtx(ctx, commandName)
	defer span.Finish()

	cfg := commands.Config{
		IsQuiet: *flags.isQuiet,
	}

	logger.FromCtx(ctx).Debugf("cmd: '%s'; flags: %#+v; args: %v", commandName, flags, args)

	// Execute the command

	command := knownCommands[commandName]
	if command == nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: unknown command '%s'\n\n", commandName)
		usage(flagSet)
		return
	}

	cmdFlagSet := flag.NewFlagSet(commandName, flag.ExitOnError)
	cmdFlagSet.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "syntax: biscuitflash %s [options] %s\n\nOptions:\n",
			commandName, command.Usage())
		cmdFlagSet.PrintDefaults()
		_, _ = fmt.Fprintf(os.Stderr, "\n")
	}

	command.SetupFlagSet(cmdFlagSet)
	_ = cmdFlagSet.Parse(args)
	err := command.Execute(ctx, cfg, cmdFlagSet.Args())

	// Process the error
	if err == nil {
		return
	}

	isSilentError := false
	exitCode = 3
	nestedErr := err
setExitCodeLoop:
	for nestedErr != nil {
		switch nestedErr := nestedErr.(type) {
		case commands.ErrArgs:
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", nestedErr)
			cmdFlagSet.Usage()
			exitCode = 2
			return
		case commands.SilentError:
			isSilentError = true
		case commands.ExitCoder:
			exitCode = nestedErr.ExitCode()
			break setExitCodeLoop
		}
		nestedErr = errors.Unwrap(nestedErr)
	}
	if !isSilentError {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
	}
}

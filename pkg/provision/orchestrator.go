// Package provision coordinates one provisioning run end-to-end: fetch the
// latest firmware release, resolve which serial port carries which device
// role, then drive one concurrent flashing session per role until every
// session reached a terminal state.
package provision

import (
	"context"
	"fmt"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt/beltctx"
	"github.com/facebookincubator/go-belt/tool/experimental/errmon"
	"github.com/facebookincubator/go-belt/tool/experimental/tracer"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/biscuitshop/biscuitflash/pkg/firmware"
	"github.com/biscuitshop/biscuitflash/pkg/portscan"
	"github.com/biscuitshop/biscuitflash/pkg/session"
)

// Source provides the firmware release to provision. Implemented by
// firmwarerepo.Repo.
type Source interface {
	FetchLatest(ctx context.Context) (*firmware.Release, error)
}

// ScanFunc runs one port scan cycle, skipping the given ports (ports
// exclusively claimed by a running session are never probed).
type ScanFunc func(ctx context.Context, exclude []string) (*portscan.Inventory, error)

// ScanChoice is the operator decision on an unsatisfying scan result.
type ScanChoice string

const (
	// ScanChoiceRescan runs another scan cycle.
	ScanChoiceRescan = ScanChoice("rescan")

	// ScanChoiceProceed starts flashing the devices found so far; the
	// missing role keeps prompting for a rescan while the others flash.
	// Offered only when at least one role resolved.
	ScanChoiceProceed = ScanChoice("proceed")

	// ScanChoiceQuit gives up on the run (or on the rescanning session).
	ScanChoiceQuit = ScanChoice("quit")
)

// ScanPrompt describes why a scan cycle did not resolve what it was asked
// to resolve.
type ScanPrompt struct {
	Inventory *portscan.Inventory

	// Missing lists the roles with no matching candidate.
	Missing []firmware.Role

	// Collisions lists the roles matched by two or more candidates; these
	// are never auto-resolved, the operator has to unplug one device.
	Collisions []firmware.Role

	// AllowProceed reports whether ScanChoiceProceed is a valid answer.
	AllowProceed bool
}

// ScanPrompter delivers scan-level prompts to the operator. Only one
// operator prompt of any kind is presented at a time.
type ScanPrompter interface {
	AskScan(ctx context.Context, prompt ScanPrompt) (ScanChoice, error)
}

type orchestratorConfig struct {
	Notify func(format string, args ...interface{})
}

// Option is an abstract option for the orchestrator.
type Option interface {
	apply(*orchestratorConfig)
}

// OptionNotifyFunc is an Option which defines where operator-facing progress
// messages go. The default discards them.
type OptionNotifyFunc func(format string, args ...interface{})

func (opt OptionNotifyFunc) apply(cfg *orchestratorConfig) {
	cfg.Notify = opt
}

func getOrchestratorConfig(opts ...Option) orchestratorConfig {
	cfg := orchestratorConfig{
		Notify: func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return cfg
}

// Orchestrator drives one provisioning run. It owns the port-to-role
// resolution; the per-device flashing policy lives in package session.
type Orchestrator struct {
	source       Source
	scan         ScanFunc
	flasher      session.Flasher
	prompter     session.Prompter
	scanPrompter ScanPrompter
	config       orchestratorConfig

	// scanMutex serializes scan cycles and scan-level prompts: two
	// sessions rescanning at once would probe the same ports.
	scanMutex sync.Mutex

	portsMutex sync.Mutex
	ports      map[firmware.Role]string
}

// New returns an Orchestrator wired to the given collaborators.
func New(
	source Source,
	scan ScanFunc,
	flasher session.Flasher,
	prompter session.Prompter,
	scanPrompter ScanPrompter,
	opts ...Option,
) *Orchestrator {
	return &Orchestrator{
		source:       source,
		scan:         scan,
		flasher:      flasher,
		prompter:     prompter,
		scanPrompter: scanPrompter,
		config:       getOrchestratorConfig(opts...),
		ports:        map[firmware.Role]string{},
	}
}

// Run executes one provisioning run and returns its report. A non-nil error
// means the run aborted before any device session was created (for example
// the firmware could not be fetched or verified); an operator quit is not an
// error, it yields a report with the remaining roles failed.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	runID := uuid.New()
	ctx = beltctx.WithField(ctx, "run_id", runID.String())
	span, ctx := tracer.StartChildSpanFromCtx(ctx, "provision.Run")
	defer span.Finish()
	log := logger.FromCtx(ctx)

	o.config.Notify("[1/3] fetching the latest firmware release")
	release, err := o.source.FetchLatest(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to obtain the firmware release: %w", err)
	}
	for _, role := range firmware.Roles() {
		image, err := release.ImageFor(role)
		if err != nil {
			return nil, err
		}
		if image == nil {
			return nil, fmt.Errorf("the release carries no image for role '%s'", string(role))
		}
		o.config.Notify("firmware for %s: %s (version %s)", string(role), image.Filename, image.Version)
	}

	o.config.Notify("[2/3] resolving device roles to serial ports")
	runners, quit, err := o.createSessions(ctx, release)
	if err != nil {
		return nil, err
	}

	if !quit {
		o.config.Notify("[3/3] flashing")
		o.driveSessions(ctx, runners)
	} else {
		for _, runner := range runners {
			_ = runner.Machine().Quit()
		}
	}

	report := o.buildReport(runID, runners)
	log.Debugf("run report: %s", spew.Sdump(report))
	return report, nil
}

// createSessions resolves both roles to ports and creates one runner per
// role. It returns quit=true when the operator gave up during the
// disambiguation loop; the runners are still returned for reporting.
func (o *Orchestrator) createSessions(
	ctx context.Context,
	release *firmware.Release,
) (map[firmware.Role]*session.Runner, bool, error) {
	runners := map[firmware.Role]*session.Runner{}
	for _, role := range firmware.Roles() {
		image, _ := release.ImageFor(role)
		runners[role] = session.NewRunner(image, o.flasher, o.prompter)
	}

	resolved, err := o.resolveAllRoles(ctx)
	if err != nil {
		return runners, false, err
	}
	if resolved == nil {
		return runners, true, nil
	}

	for role, port := range resolved {
		o.claimPort(role, port)
		if err := runners[role].Bind(port); err != nil {
			return runners, false, err
		}
		o.config.Notify("%s device resolved on %s", string(role), port)
	}
	return runners, false, nil
}

// resolveAllRoles loops scan cycles until every role has exactly one
// candidate port. It returns nil (and no error) when the operator quits.
func (o *Orchestrator) resolveAllRoles(ctx context.Context) (map[firmware.Role]string, error) {
	o.scanMutex.Lock()
	defer o.scanMutex.Unlock()

	for {
		if ctx.Err() != nil {
			return nil, nil
		}

		inv, err := o.scan(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("the port scan failed: %w", err)
		}

		resolved := map[firmware.Role]string{}
		var missing, collisions []firmware.Role
		for _, role := range firmware.Roles() {
			port, err := inv.ResolvedPort(role)
			switch err.(type) {
			case nil:
				resolved[role] = port
			case portscan.ErrRoleNotFound:
				missing = append(missing, role)
			case portscan.ErrRoleCollision:
				collisions = append(collisions, role)
			default:
				return nil, err
			}
		}
		if len(missing) == 0 && len(collisions) == 0 {
			return resolved, nil
		}

		choice, err := o.scanPrompter.AskScan(ctx, ScanPrompt{
			Inventory:    inv,
			Missing:      missing,
			Collisions:   collisions,
			AllowProceed: len(resolved) > 0,
		})
		if err != nil || choice == ScanChoiceQuit {
			return nil, nil
		}
		if choice == ScanChoiceProceed && len(resolved) > 0 {
			// the unresolved sessions start in their rescan loop
			return resolved, nil
		}
	}
}

// driveSessions runs every bound session concurrently until each reached a
// terminal state. A rescan request pauses only the requesting session; a
// quit cancels everything.
func (o *Orchestrator) driveSessions(ctx context.Context, runners map[firmware.Role]*session.Runner) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, role := range firmware.Roles() {
		runner := runners[role]
		wg.Add(1)
		go func(role firmware.Role) {
			defer wg.Done()
			o.driveOneSession(runCtx, cancel, role, runner)
		}(role)
	}
	wg.Wait()
}

func (o *Orchestrator) driveOneSession(
	ctx context.Context,
	cancelRun context.CancelFunc,
	role firmware.Role,
	runner *session.Runner,
) {
	log := logger.FromCtx(ctx)
	for {
		err := runner.Run(ctx)
		switch {
		case err == nil:
			o.releasePort(role)
			return
		case err == session.ErrNeedRescan:
			if rebindErr := o.rebind(ctx, role, runner); rebindErr != nil {
				log.Debugf("[%s] rescan gave up: %v", string(role), rebindErr)
				_ = runner.Machine().Quit()
				cancelRun()
				return
			}
		case err == session.ErrQuit:
			o.releasePort(role)
			cancelRun()
			return
		default:
			log.Errorf("[%s] session failed unexpectedly: %v", string(role), err)
			errmon.ObserveErrorCtx(ctx, err)
			_ = runner.Machine().Quit()
			cancelRun()
			return
		}
	}
}

// rebind re-resolves the port for one role after the operator requested a
// rescan. Ports claimed by the other session are excluded from the scan.
func (o *Orchestrator) rebind(ctx context.Context, role firmware.Role, runner *session.Runner) error {
	o.scanMutex.Lock()
	defer o.scanMutex.Unlock()

	o.releasePort(role)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		inv, err := o.scan(ctx, o.claimedPorts())
		if err != nil {
			return fmt.Errorf("the port scan failed: %w", err)
		}
		port, err := inv.ResolvedPort(role)
		if err == nil {
			o.claimPort(role, port)
			o.config.Notify("%s device resolved on %s", string(role), port)
			return runner.Bind(port)
		}

		prompt := ScanPrompt{Inventory: inv}
		switch err.(type) {
		case portscan.ErrRoleNotFound:
			prompt.Missing = []firmware.Role{role}
		case portscan.ErrRoleCollision:
			prompt.Collisions = []firmware.Role{role}
		default:
			return err
		}
		choice, err := o.scanPrompter.AskScan(ctx, prompt)
		if err != nil {
			return err
		}
		if choice == ScanChoiceQuit {
			return session.ErrQuit
		}
	}
}

func (o *Orchestrator) claimPort(role firmware.Role, port string) {
	o.portsMutex.Lock()
	defer o.portsMutex.Unlock()
	o.ports[role] = port
}

func (o *Orchestrator) releasePort(role firmware.Role) {
	o.portsMutex.Lock()
	defer o.portsMutex.Unlock()
	delete(o.ports, role)
}

func (o *Orchestrator) claimedPorts() []string {
	o.portsMutex.Lock()
	defer o.portsMutex.Unlock()
	var result []string
	for _, port := range o.ports {
		result = append(result, port)
	}
	return result
}

func (o *Orchestrator) buildReport(runID uuid.UUID, runners map[firmware.Role]*session.Runner) *Report {
	report := &Report{
		RunID:          runID,
		Roles:          map[firmware.Role]RoleReport{},
		OverallSuccess: true,
	}
	var merr *multierror.Error
	for role, runner := range runners {
		machine := runner.Machine()
		report.Roles[role] = RoleReport{
			State:      machine.State(),
			Port:       machine.Port(),
			LastResult: machine.LastResult(),
		}
		if machine.State() != session.StateSucceeded {
			report.OverallSuccess = false
			if result := machine.LastResult(); result != nil {
				merr = multierror.Append(merr, fmt.Errorf("[%s] %w", string(role), result.Err()))
			}
		}
	}
	if merr != nil {
		// attached for debugging only, the report itself is the verdict
		report.failures = merr.ErrorOrNil()
	}
	return report
}

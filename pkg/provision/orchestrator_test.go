package provision

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/biscuitshop/biscuitflash/pkg/esptool"
	"github.com/biscuitshop/biscuitflash/pkg/firmware"
	"github.com/biscuitshop/biscuitflash/pkg/portscan"
	"github.com/biscuitshop/biscuitflash/pkg/session"
)

var (
	successResult = esptool.Result{Outcome: esptool.OutcomeSuccess}
	failedResult  = esptool.Result{
		Outcome: esptool.OutcomeNotInDownloadMode,
		Detail:  "failed to connect",
	}
	corruptResult = esptool.Result{
		Outcome: esptool.OutcomeCorrupt,
		Detail:  "flash verification failed",
	}
	vanishedResult = esptool.Result{
		Outcome: esptool.OutcomePortVanished,
		Detail:  "could not open port",
	}
)

type fakeSource struct {
	release *firmware.Release
	err     error
}

func (s *fakeSource) FetchLatest(ctx context.Context) (*firmware.Release, error) {
	return s.release, s.err
}

func testRelease() *firmware.Release {
	newImage := func(role firmware.Role, filename string) *firmware.Image {
		body := []byte(filename + " payload")
		return &firmware.Image{
			Role:     role,
			Version:  "1.9.1",
			Filename: filename,
			Body:     body,
			ID:       firmware.NewImageIDFromImage(body),
		}
	}
	return &firmware.Release{
		Scanner: newImage(firmware.RoleScanner, "c5_merged.bin"),
		Gateway: newImage(firmware.RoleGateway, "wroom_merged.bin"),
	}
}

// scriptedFlasher replays a per-role sequence of attempt results. Safe for
// concurrent use: both sessions flash through the same instance.
type scriptedFlasher struct {
	mutex    sync.Mutex
	results  map[firmware.Role][]esptool.Result
	eraseErr map[firmware.Role]error
	ops      []string

	// holds makes a role's Flash block until the channel is closed, to
	// pin down an interleaving a test depends on.
	holds   map[firmware.Role]chan struct{}
	afterOp func(op string)
}

func newScriptedFlasher() *scriptedFlasher {
	return &scriptedFlasher{
		results:  map[firmware.Role][]esptool.Result{},
		eraseErr: map[firmware.Role]error{},
		holds:    map[firmware.Role]chan struct{}{},
	}
}

func (f *scriptedFlasher) Flash(ctx context.Context, port string, image *firmware.Image) esptool.Result {
	f.mutex.Lock()
	op := "flash:" + string(image.Role) + ":" + port
	f.ops = append(f.ops, op)
	result := esptool.Result{Outcome: esptool.OutcomeUnknown, Detail: "script exhausted"}
	if script := f.results[image.Role]; len(script) > 0 {
		result = script[0]
		f.results[image.Role] = script[1:]
	}
	hold := f.holds[image.Role]
	afterOp := f.afterOp
	f.mutex.Unlock()

	if afterOp != nil {
		afterOp(op)
	}
	if hold != nil {
		<-hold
	}
	return result
}

func (f *scriptedFlasher) Erase(ctx context.Context, port string, profile firmware.FlashProfile) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	role := roleForChip(profile.Chip)
	f.ops = append(f.ops, "erase:"+string(role)+":"+port)
	return f.eraseErr[role]
}

func (f *scriptedFlasher) opsFor(role firmware.Role) []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var result []string
	for _, op := range f.ops {
		if len(op) > 0 && containsRole(op, role) {
			result = append(result, op)
		}
	}
	return result
}

func containsRole(op string, role firmware.Role) bool {
	marker := ":" + string(role) + ":"
	for i := 0; i+len(marker) <= len(op); i++ {
		if op[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}

func roleForChip(chip string) firmware.Role {
	for _, role := range firmware.Roles() {
		profile, err := role.Profile()
		if err == nil && profile.Chip == chip {
			return role
		}
	}
	return firmware.Role("unknown")
}

// scriptedOperator answers session prompts from per-role choice queues and
// scan prompts from a single queue (empty queue means quit).
type scriptedOperator struct {
	mutex       sync.Mutex
	choices     map[firmware.Role][]session.Choice
	prompts     []session.Prompt
	scanChoices []ScanChoice
	scanPrompts []ScanPrompt
}

func newScriptedOperator() *scriptedOperator {
	return &scriptedOperator{
		choices: map[firmware.Role][]session.Choice{},
	}
}

func (op *scriptedOperator) ask(prompt session.Prompt) (session.Choice, error) {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	op.prompts = append(op.prompts, prompt)
	script := op.choices[prompt.Role]
	if len(script) == 0 {
		return "", errors.New("choice script exhausted")
	}
	choice := script[0]
	op.choices[prompt.Role] = script[1:]
	return choice, nil
}

func (op *scriptedOperator) AskScan(ctx context.Context, prompt ScanPrompt) (ScanChoice, error) {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	op.scanPrompts = append(op.scanPrompts, prompt)
	if len(op.scanChoices) == 0 {
		return ScanChoiceQuit, nil
	}
	choice := op.scanChoices[0]
	op.scanChoices = op.scanChoices[1:]
	return choice, nil
}

// scriptedScan replays a sequence of inventories; the last one is sticky.
type scriptedScan struct {
	mutex       sync.Mutex
	inventories []*portscan.Inventory
	excludes    [][]string
}

func (s *scriptedScan) scan(ctx context.Context, exclude []string) (*portscan.Inventory, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.excludes = append(s.excludes, exclude)
	inv := s.inventories[0]
	if len(s.inventories) > 1 {
		s.inventories = s.inventories[1:]
	}
	return inv, nil
}

func matchedCandidate(role firmware.Role, port string) portscan.Candidate {
	return portscan.Candidate{
		Port:      portscan.PortInfo{Name: port},
		Signature: string(role),
		Role:      role,
		Matched:   true,
	}
}

func bothRolesInventory() *portscan.Inventory {
	return &portscan.Inventory{Candidates: []portscan.Candidate{
		matchedCandidate(firmware.RoleScanner, "COM7"),
		matchedCandidate(firmware.RoleGateway, "COM5"),
	}}
}

type testRig struct {
	flasher  *scriptedFlasher
	operator *scriptedOperator
	scan     *scriptedScan
	queue    *PromptQueue
	orch     *Orchestrator
}

func newTestRig(t *testing.T, source Source) *testRig {
	rig := &testRig{
		flasher:  newScriptedFlasher(),
		operator: newScriptedOperator(),
		scan:     &scriptedScan{inventories: []*portscan.Inventory{bothRolesInventory()}},
	}
	rig.queue = NewPromptQueue(rig.operator.ask)
	t.Cleanup(rig.queue.Close)
	rig.orch = New(source, rig.scan.scan, rig.flasher, rig.queue, rig.operator)
	return rig
}

func TestRunBothRolesSucceedFirstTry(t *testing.T) {
	rig := newTestRig(t, &fakeSource{release: testRelease()})
	rig.flasher.results[firmware.RoleScanner] = []esptool.Result{successResult}
	rig.flasher.results[firmware.RoleGateway] = []esptool.Result{successResult}

	report, err := rig.orch.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.OverallSuccess)
	require.Equal(t, session.StateSucceeded, report.Roles[firmware.RoleScanner].State)
	require.Equal(t, session.StateSucceeded, report.Roles[firmware.RoleGateway].State)
	require.Equal(t, "COM7", report.Roles[firmware.RoleScanner].Port)
	require.Equal(t, "COM5", report.Roles[firmware.RoleGateway].Port)
	require.Empty(t, rig.operator.prompts)
	require.NoError(t, report.Failures())
}

func TestRunGatewayRetriesThenSucceeds(t *testing.T) {
	rig := newTestRig(t, &fakeSource{release: testRelease()})
	rig.flasher.results[firmware.RoleScanner] = []esptool.Result{successResult}
	rig.flasher.results[firmware.RoleGateway] = []esptool.Result{failedResult, successResult}
	rig.operator.choices[firmware.RoleGateway] = []session.Choice{session.ChoiceRetry}

	report, err := rig.orch.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.OverallSuccess)

	require.Len(t, rig.operator.prompts, 1)
	require.Equal(t, firmware.RoleGateway, rig.operator.prompts[0].Role)
	require.Equal(t, failedResult, *rig.operator.prompts[0].Result)
	require.Equal(t,
		[]string{"flash:gateway:COM5", "flash:gateway:COM5"},
		rig.flasher.opsFor(firmware.RoleGateway))
}

func TestRunScannerEraseAndRetry(t *testing.T) {
	rig := newTestRig(t, &fakeSource{release: testRelease()})
	rig.flasher.results[firmware.RoleScanner] = []esptool.Result{corruptResult, successResult}
	rig.flasher.results[firmware.RoleGateway] = []esptool.Result{successResult}
	rig.operator.choices[firmware.RoleScanner] = []session.Choice{session.ChoiceEraseRetry}

	report, err := rig.orch.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.OverallSuccess)

	// the erase always lands between the failed and the successful attempt
	require.Equal(t,
		[]string{"flash:scanner:COM7", "erase:scanner:COM7", "flash:scanner:COM7"},
		rig.flasher.opsFor(firmware.RoleScanner))
}

func TestRunGatewaySkippedWhileScannerSucceeds(t *testing.T) {
	rig := newTestRig(t, &fakeSource{release: testRelease()})
	rig.flasher.results[firmware.RoleScanner] = []esptool.Result{successResult}
	rig.flasher.results[firmware.RoleGateway] = []esptool.Result{failedResult, failedResult, failedResult}
	rig.operator.choices[firmware.RoleGateway] = []session.Choice{
		session.ChoiceRetry, session.ChoiceRetry, session.ChoiceSkip,
	}

	report, err := rig.orch.Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.OverallSuccess)
	require.Equal(t, session.StateSucceeded, report.Roles[firmware.RoleScanner].State)
	require.Equal(t, session.StateSkipped, report.Roles[firmware.RoleGateway].State)
	require.Error(t, report.Failures())
}

func TestRunAbortsBeforeSessionsOnFetchFailure(t *testing.T) {
	fetchErr := firmware.ErrDigestMismatch{
		Role:     firmware.RoleScanner,
		Expected: "00",
		Actual:   "ff",
	}
	rig := newTestRig(t, &fakeSource{err: fetchErr})

	report, err := rig.orch.Run(context.Background())
	require.Nil(t, report)

	var digestErr firmware.ErrDigestMismatch
	require.ErrorAs(t, err, &digestErr)

	// no session was created: nothing was flashed, nobody was prompted
	require.Empty(t, rig.flasher.ops)
	require.Empty(t, rig.operator.prompts)
	require.Empty(t, rig.scan.excludes)
}

func TestRunDisambiguationLoop(t *testing.T) {
	rig := newTestRig(t, &fakeSource{release: testRelease()})
	rig.scan.inventories = []*portscan.Inventory{
		{Candidates: []portscan.Candidate{
			matchedCandidate(firmware.RoleScanner, "COM7"),
		}},
		bothRolesInventory(),
	}
	rig.operator.scanChoices = []ScanChoice{ScanChoiceRescan}
	rig.flasher.results[firmware.RoleScanner] = []esptool.Result{successResult}
	rig.flasher.results[firmware.RoleGateway] = []esptool.Result{successResult}

	report, err := rig.orch.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.OverallSuccess)

	require.Len(t, rig.operator.scanPrompts, 1)
	require.Equal(t, []firmware.Role{firmware.RoleGateway}, rig.operator.scanPrompts[0].Missing)
}

func TestRunCollisionRequiresOperator(t *testing.T) {
	rig := newTestRig(t, &fakeSource{release: testRelease()})
	rig.scan.inventories = []*portscan.Inventory{
		{Candidates: []portscan.Candidate{
			matchedCandidate(firmware.RoleScanner, "COM7"),
			matchedCandidate(firmware.RoleScanner, "COM8"),
			matchedCandidate(firmware.RoleGateway, "COM5"),
		}},
		bothRolesInventory(),
	}
	rig.operator.scanChoices = []ScanChoice{ScanChoiceRescan}
	rig.flasher.results[firmware.RoleScanner] = []esptool.Result{successResult}
	rig.flasher.results[firmware.RoleGateway] = []esptool.Result{successResult}

	report, err := rig.orch.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.OverallSuccess)

	require.Len(t, rig.operator.scanPrompts, 1)
	require.Equal(t, []firmware.Role{firmware.RoleScanner}, rig.operator.scanPrompts[0].Collisions)
}

func TestRunProceedWithOneDevice(t *testing.T) {
	rig := newTestRig(t, &fakeSource{release: testRelease()})
	rig.scan.inventories = []*portscan.Inventory{
		{Candidates: []portscan.Candidate{
			matchedCandidate(firmware.RoleScanner, "COM7"),
		}},
		{Candidates: []portscan.Candidate{
			matchedCandidate(firmware.RoleGateway, "COM5"),
		}},
	}
	rig.operator.scanChoices = []ScanChoice{ScanChoiceProceed}
	rig.flasher.results[firmware.RoleScanner] = []esptool.Result{successResult}
	rig.flasher.results[firmware.RoleGateway] = []esptool.Result{successResult}

	report, err := rig.orch.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.OverallSuccess)
	require.Equal(t, "COM5", report.Roles[firmware.RoleGateway].Port)

	// the proceed prompt offered the choice, the later rebind prompt is
	// never needed (the gateway appeared on the very next scan)
	require.Len(t, rig.operator.scanPrompts, 1)
	require.True(t, rig.operator.scanPrompts[0].AllowProceed)
}

func TestRunProceedThenGiveUpOnTheMissingDevice(t *testing.T) {
	rig := newTestRig(t, &fakeSource{release: testRelease()})
	rig.scan.inventories = []*portscan.Inventory{
		{Candidates: []portscan.Candidate{
			matchedCandidate(firmware.RoleScanner, "COM7"),
		}},
	}
	rig.operator.scanChoices = []ScanChoice{ScanChoiceProceed}
	// the rebind prompt gets no scripted choice and therefore quits
	rig.flasher.results[firmware.RoleScanner] = []esptool.Result{successResult}

	report, err := rig.orch.Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.OverallSuccess)
	require.Equal(t, session.StateFailed, report.Roles[firmware.RoleGateway].State)
	require.Empty(t, rig.flasher.opsFor(firmware.RoleGateway))
}

func TestRunQuitDuringDisambiguation(t *testing.T) {
	rig := newTestRig(t, &fakeSource{release: testRelease()})
	rig.scan.inventories = []*portscan.Inventory{
		{Candidates: nil},
	}
	// no scan choices scripted: the operator quits

	report, err := rig.orch.Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.OverallSuccess)
	require.Equal(t, session.StateFailed, report.Roles[firmware.RoleScanner].State)
	require.Equal(t, session.StateFailed, report.Roles[firmware.RoleGateway].State)
	require.Empty(t, rig.flasher.ops)
}

func TestRunRescanRebindsTheSession(t *testing.T) {
	rig := newTestRig(t, &fakeSource{release: testRelease()})
	rig.scan.inventories = []*portscan.Inventory{
		bothRolesInventory(),
		{Candidates: []portscan.Candidate{
			matchedCandidate(firmware.RoleGateway, "COM9"),
		}},
	}
	rig.flasher.results[firmware.RoleScanner] = []esptool.Result{successResult}
	rig.flasher.results[firmware.RoleGateway] = []esptool.Result{vanishedResult, successResult}
	rig.operator.choices[firmware.RoleGateway] = []session.Choice{session.ChoiceRescan}

	// keep the scanner session (and its port claim) alive until the
	// gateway was rebound, so the rescan observably excludes its port
	scannerGate := make(chan struct{})
	var releaseOnce sync.Once
	rig.flasher.holds[firmware.RoleScanner] = scannerGate
	rig.flasher.afterOp = func(op string) {
		if op == "flash:gateway:COM9" {
			releaseOnce.Do(func() { close(scannerGate) })
		}
	}

	report, err := rig.orch.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.OverallSuccess)
	require.Equal(t, "COM9", report.Roles[firmware.RoleGateway].Port)
	require.Equal(t,
		[]string{"flash:gateway:COM5", "flash:gateway:COM9"},
		rig.flasher.opsFor(firmware.RoleGateway))

	// the rescan never probes a port claimed by the other session
	rig.scan.mutex.Lock()
	defer rig.scan.mutex.Unlock()
	require.Len(t, rig.scan.excludes, 2)
	require.Nil(t, rig.scan.excludes[0])
	require.Contains(t, rig.scan.excludes[1], "COM7")
}

func TestRunOperatorQuitFailsRemainingSessions(t *testing.T) {
	rig := newTestRig(t, &fakeSource{release: testRelease()})
	rig.flasher.results[firmware.RoleScanner] = []esptool.Result{successResult}
	rig.flasher.results[firmware.RoleGateway] = []esptool.Result{failedResult}
	rig.operator.choices[firmware.RoleGateway] = []session.Choice{session.ChoiceQuit}

	report, err := rig.orch.Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.OverallSuccess)
	require.Equal(t, session.StateFailed, report.Roles[firmware.RoleGateway].State)
}

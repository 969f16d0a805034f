package console

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/biscuitshop/biscuitflash/pkg/esptool"
	"github.com/biscuitshop/biscuitflash/pkg/firmware"
	"github.com/biscuitshop/biscuitflash/pkg/provision"
	"github.com/biscuitshop/biscuitflash/pkg/session"
	"github.com/google/uuid"
)

func TestAskAttemptKeyMapping(t *testing.T) {
	failed := esptool.Result{
		Outcome: esptool.OutcomeNotInDownloadMode,
		Detail:  "failed to connect",
	}
	prompt := session.Prompt{
		Role:   firmware.RoleGateway,
		Port:   "COM5",
		Result: &failed,
	}

	answers := map[string]session.Choice{
		"\n":  session.ChoiceRetry,
		"e\n": session.ChoiceEraseRetry,
		"E\n": session.ChoiceEraseRetry,
		"s\n": session.ChoiceSkip,
		"r\n": session.ChoiceRescan,
		"q\n": session.ChoiceQuit,
		// unrecognized answers re-prompt
		"x\nq\n": session.ChoiceQuit,
	}
	for input, expected := range answers {
		var out bytes.Buffer
		c := New(strings.NewReader(input), &out, false)
		choice, err := c.AskAttempt(prompt)
		require.NoError(t, err, "input %q", input)
		require.Equal(t, expected, choice, "input %q", input)
		require.Contains(t, out.String(), "failed to connect")
		require.Contains(t, out.String(), failed.Outcome.RecommendedRecovery())
	}
}

func TestAskScanKeyMapping(t *testing.T) {
	prompt := provision.ScanPrompt{
		Missing: []firmware.Role{firmware.RoleGateway},
	}

	var out bytes.Buffer
	c := New(strings.NewReader("\n"), &out, false)
	choice, err := c.AskScan(context.Background(), prompt)
	require.NoError(t, err)
	require.Equal(t, provision.ScanChoiceRescan, choice)
	require.Contains(t, out.String(), "WROOM BLE Gateway")

	c = New(strings.NewReader("q\n"), &out, false)
	choice, err = c.AskScan(context.Background(), prompt)
	require.NoError(t, err)
	require.Equal(t, provision.ScanChoiceQuit, choice)
}

func TestQuietSuppressesProgressButNotSummary(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader(""), &out, true)
	c.Banner()
	c.Printf("fetching...")
	c.DownloadModeHint()
	require.Empty(t, out.String())

	report := &provision.Report{
		RunID: uuid.New(),
		Roles: map[firmware.Role]provision.RoleReport{
			firmware.RoleScanner: {State: session.StateSucceeded, Port: "COM7"},
			firmware.RoleGateway: {State: session.StateSkipped},
		},
	}
	c.Summary(report)
	require.Contains(t, out.String(), "C5 Scanner")
	require.Contains(t, out.String(), "skipped")
	require.Contains(t, out.String(), "did not provision")
}

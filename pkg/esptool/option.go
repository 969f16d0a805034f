package esptool

import (
	"time"
)

const (
	// DefaultEsptoolPath is the default command for os.Exec to execute
	// "esptool".
	DefaultEsptoolPath = `esptool`

	// DefaultFlashTimeout limits one flash attempt. esptool usually
	// finishes in 20-60 seconds, but a stuck serial converter can hang it.
	DefaultFlashTimeout = 5 * time.Minute

	// DefaultEraseTimeout limits one erase_flash invocation.
	DefaultEraseTimeout = 2 * time.Minute

	// DefaultProbeTimeout limits one chip_id probe.
	DefaultProbeTimeout = 15 * time.Second
)

type config struct {
	EsptoolPath  string
	FlashTimeout time.Duration
	EraseTimeout time.Duration
	ProbeTimeout time.Duration
	TempDir      string

	// ListPorts reports the serial ports currently present in the OS.
	// Used to distinguish a vanished device from a failed handshake.
	ListPorts func() ([]string, error)
}

// Option is an abstract option for esptool commands.
type Option interface {
	apply(*config)
}

// OptionEsptoolPath is an Option which defines the command for os.Exec to
// execute tool "esptool".
type OptionEsptoolPath string

func (opt OptionEsptoolPath) apply(cfg *config) {
	cfg.EsptoolPath = string(opt)
}

// OptionFlashTimeout is an Option which defines the timeout of one flash
// attempt.
type OptionFlashTimeout time.Duration

func (opt OptionFlashTimeout) apply(cfg *config) {
	cfg.FlashTimeout = time.Duration(opt)
}

// OptionEraseTimeout is an Option which defines the timeout of one
// erase_flash invocation.
type OptionEraseTimeout time.Duration

func (opt OptionEraseTimeout) apply(cfg *config) {
	cfg.EraseTimeout = time.Duration(opt)
}

// OptionProbeTimeout is an Option which defines the timeout of one chip_id
// probe.
type OptionProbeTimeout time.Duration

func (opt OptionProbeTimeout) apply(cfg *config) {
	cfg.ProbeTimeout = time.Duration(opt)
}

// OptionTempDir is an Option which defines where to put the temporary
// firmware files handed to esptool. An empty value means os.TempDir().
type OptionTempDir string

func (opt OptionTempDir) apply(cfg *config) {
	cfg.TempDir = string(opt)
}

// OptionListPortsFunc is an Option which overrides how the set of present
// serial ports is obtained.
type OptionListPortsFunc func() ([]string, error)

func (opt OptionListPortsFunc) apply(cfg *config) {
	cfg.ListPorts = opt
}

func getConfig(opts ...Option) config {
	cfg := config{
		EsptoolPath:  DefaultEsptoolPath,
		FlashTimeout: DefaultFlashTimeout,
		EraseTimeout: DefaultEraseTimeout,
		ProbeTimeout: DefaultProbeTimeout,
		ListPorts:    listSerialPorts,
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return cfg
}

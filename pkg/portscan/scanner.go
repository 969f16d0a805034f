// Package portscan enumerates connected serial devices and classifies each
// one as a candidate for a device role. Each scan cycle is independent:
// nothing is carried between calls, and a rescan is always an explicit,
// operator-triggered action.
package portscan

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"go.bug.st/serial/enumerator"

	"github.com/biscuitshop/biscuitflash/pkg/firmware"
)

// DefaultProbeDelay is the pause between two port probes: a hard reset from
// a chip_id probe needs a moment to settle before the next port is touched.
const DefaultProbeDelay = 500 * time.Millisecond

type config struct {
	Classifiers []Classifier
	ProbeDelay  time.Duration
	Exclude     map[string]struct{}

	// Enumerate lists the serial ports present in the OS.
	Enumerate func() ([]PortInfo, error)
}

// Option is an abstract option for the scanner.
type Option interface {
	apply(*config)
}

// OptionClassifiers is an Option which defines the classifier chain,
// evaluated in order until one matches.
type OptionClassifiers []Classifier

func (opt OptionClassifiers) apply(cfg *config) {
	cfg.Classifiers = opt
}

// OptionProbeDelay is an Option which defines the pause between two port
// probes.
type OptionProbeDelay time.Duration

func (opt OptionProbeDelay) apply(cfg *config) {
	cfg.ProbeDelay = time.Duration(opt)
}

// OptionExcludePorts is an Option which defines ports that must not be
// probed, e.g. a port exclusively claimed by a running device session.
type OptionExcludePorts []string

func (opt OptionExcludePorts) apply(cfg *config) {
	if cfg.Exclude == nil {
		cfg.Exclude = map[string]struct{}{}
	}
	for _, port := range opt {
		cfg.Exclude[port] = struct{}{}
	}
}

// OptionEnumerateFunc is an Option which overrides how serial ports are
// enumerated.
type OptionEnumerateFunc func() ([]PortInfo, error)

func (opt OptionEnumerateFunc) apply(cfg *config) {
	cfg.Enumerate = opt
}

func getConfig(opts ...Option) config {
	cfg := config{
		ProbeDelay: DefaultProbeDelay,
		Enumerate:  enumeratePorts,
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return cfg
}

// Scanner classifies connected serial devices into role candidates.
type Scanner struct {
	Config config
}

// New returns a Scanner with the given options applied.
func New(opts ...Option) *Scanner {
	return &Scanner{Config: getConfig(opts...)}
}

// Scan enumerates the present serial ports and classifies each one. Ports
// are visited from the highest port number down (a freshly plugged device
// usually gets the highest number), and the cycle stops early once every
// role has a match.
//
// The early stop bounds collision detection: a duplicate of an already
// matched role is reported only when its port is visited before the last
// role matches, never when it sits on a lower-numbered port beyond the stop
// point.
func (s *Scanner) Scan(ctx context.Context) (*Inventory, error) {
	log := logger.FromCtx(ctx)

	ports, err := s.Config.Enumerate()
	if err != nil {
		return nil, ErrEnumerate{Err: err}
	}

	var eligible []PortInfo
	for _, port := range ports {
		if _, excluded := s.Config.Exclude[port.Name]; excluded {
			log.Debugf("skipping claimed port %s", port.Name)
			continue
		}
		eligible = append(eligible, port)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return portNumber(eligible[i].Name) > portNumber(eligible[j].Name)
	})

	inv := &Inventory{}
	matched := map[firmware.Role]bool{}

	for idx, port := range eligible {
		candidate := Candidate{Port: port}
		for _, classifier := range s.Config.Classifiers {
			signature, role, ok := classifier.Classify(ctx, port)
			if signature != "" {
				candidate.Signature = signature
			}
			if ok {
				candidate.Role = role
				candidate.Matched = true
				matched[role] = true
				break
			}
		}
		log.Debugf("port %s: signature:'%s' role:'%s' matched:%v",
			port.Name, candidate.Signature, string(candidate.Role), candidate.Matched)
		inv.Candidates = append(inv.Candidates, candidate)

		if allRolesMatched(matched) {
			break
		}
		if idx < len(eligible)-1 && s.Config.ProbeDelay > 0 {
			select {
			case <-time.After(s.Config.ProbeDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return inv, nil
}

func allRolesMatched(matched map[firmware.Role]bool) bool {
	for _, role := range firmware.Roles() {
		if !matched[role] {
			return false
		}
	}
	return true
}

// portNumber extracts the numeric suffix of a port identifier ("COM12" ->
// 12, "/dev/ttyUSB0" -> 0). Ports without digits sort last.
func portNumber(name string) int {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, name)
	if digits == "" {
		return -1
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return -1
	}
	return n
}

func enumeratePorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	var result []PortInfo
	for _, d := range details {
		info := PortInfo{
			Name:        d.Name,
			Description: d.Product,
		}
		if d.IsUSB {
			info.VID = d.VID
			info.PID = d.PID
		}
		result = append(result, info)
	}
	return result, nil
}

// ErrEnumerate implements "error", for the description see Error.
type ErrEnumerate struct {
	Err error
}

func (err ErrEnumerate) Error() string {
	return "unable to enumerate serial ports: " + err.Err.Error()
}

func (err ErrEnumerate) Unwrap() error {
	return err.Err
}

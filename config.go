// Copyright 2023 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jsontracer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/saferwall/jsontracer/log"
)

// ABI identifiers accepted in Options.ABI.
const (
	// ABISysVAMD64 approximates the caller stack pointer as the frame
	// base plus one return-address slot.
	ABISysVAMD64 = "sysv-amd64"

	// ABINone disables the caller-SP approximation; locals are not
	// resolved, statics still are.
	ABINone = "none"
)

// sysVCallerSPSlop is one return-address slot above the saved frame
// base on the SysV AMD64 ABI.
const sysVCallerSPSlop = 0x10

// defaultRingEntries is the record capacity of each per-thread ring.
const defaultRingEntries = 1024

// Options configures the tracer client.
type Options struct {
	// TraceDir is the directory trace files are created in. Defaults
	// to the working directory.
	TraceDir string `yaml:"trace_dir"`

	// TracePrefix is the trace file name prefix. Defaults to "trace".
	TracePrefix string `yaml:"trace_prefix"`

	// Format selects the trace output format, "json" or "text".
	// Defaults to "json".
	Format string `yaml:"format"`

	// RingEntries is the per-thread ring capacity in records.
	// Defaults to 1024.
	RingEntries int `yaml:"ring_entries"`

	// ABI selects the caller-SP approximation used when resolving
	// locals: "sysv-amd64" or "none". Defaults to "sysv-amd64".
	ABI string `yaml:"abi"`

	// DisableDebugInfo skips loading the target's debugging records;
	// traces then carry no variable annotations.
	DisableDebugInfo bool `yaml:"disable_debug_info"`

	// LogLevel sets the minimum log severity: "debug", "info",
	// "warn", or "error". Defaults to "warn".
	LogLevel string `yaml:"log_level"`

	// Logger overrides the default stderr logger.
	Logger log.Logger `yaml:"-"`
}

// LoadOptions reads options from a YAML file, applies defaults and
// validates.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	opts.setDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

func (o *Options) setDefaults() {
	if o.TraceDir == "" {
		o.TraceDir = "."
	}
	if o.TracePrefix == "" {
		o.TracePrefix = "trace"
	}
	if o.Format == "" {
		o.Format = FormatJSON
	}
	if o.RingEntries == 0 {
		o.RingEntries = defaultRingEntries
	}
	if o.ABI == "" {
		o.ABI = ABISysVAMD64
	}
	if o.LogLevel == "" {
		o.LogLevel = "warn"
	}
}

// Validate rejects option values outside the accepted sets.
func (o *Options) Validate() error {
	if o.Format != FormatJSON && o.Format != FormatText {
		return fmt.Errorf("%w: format %q", errBadOptions, o.Format)
	}
	if o.ABI != ABISysVAMD64 && o.ABI != ABINone {
		return fmt.Errorf("%w: abi %q", errBadOptions, o.ABI)
	}
	if o.RingEntries < 1 {
		return fmt.Errorf("%w: ring_entries %d", errBadOptions, o.RingEntries)
	}
	switch o.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q", errBadOptions, o.LogLevel)
	}
	return nil
}

// callerSPSlop returns the configured frame-base adjustment and
// whether the approximation is enabled.
func (o *Options) callerSPSlop() (uint64, bool) {
	if o.ABI == ABISysVAMD64 {
		return sysVCallerSPSlop, true
	}
	return 0, false
}

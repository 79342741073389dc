// Package manifest handles machine.toml configuration files.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/konjac-lang/abstract-machine/vm"
)

// Manifest mirrors a machine.toml file. Durations are given in seconds.
type Manifest struct {
	Machine Machine `toml:"machine"`

	// Dir is the directory containing the machine.toml file (set at load
	// time).
	Dir string `toml:"-"`
}

// Machine holds the tunables of the abstract machine.
type Machine struct {
	MaxProcesses          int     `toml:"max_processes"`
	MaxStackSize          int     `toml:"max_stack_size"`
	MaxMailboxSize        int     `toml:"max_mailbox_size"`
	MaxReductionsPerSlice int     `toml:"max_reductions_per_slice"`
	IterationLimit        int     `toml:"iteration_limit"`
	DefaultMessageTTL     float64 `toml:"default_message_ttl"`
	DefaultReceiveTimeout float64 `toml:"default_receive_timeout"`
	MailboxFullBehavior   string  `toml:"mailbox_full_behavior"`
	EnableMessageAcks     bool    `toml:"enable_message_acknowledgments"`
	AutoReactivate        *bool   `toml:"auto_reactivate_processes"`
	MessageCleanupEvery   float64 `toml:"message_cleanup_interval"`
	CrashStoreCapacity    int     `toml:"crash_store_capacity"`
	CrashStorePath        string  `toml:"crash_store_path"`
}

// Load parses a machine.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "machine.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return &m, nil
}

// Config converts the manifest into a vm.Config, filling defaults for
// unset fields and validating the result.
func (m *Manifest) Config() (vm.Config, error) {
	cfg := vm.DefaultConfig()
	mc := m.Machine
	if mc.MaxProcesses > 0 {
		cfg.MaxProcesses = mc.MaxProcesses
	}
	if mc.MaxStackSize > 0 {
		cfg.MaxStackSize = mc.MaxStackSize
	}
	if mc.MaxMailboxSize > 0 {
		cfg.MaxMailboxSize = mc.MaxMailboxSize
	}
	if mc.MaxReductionsPerSlice > 0 {
		cfg.MaxReductionsPerSlice = mc.MaxReductionsPerSlice
	}
	if mc.IterationLimit > 0 {
		cfg.IterationLimit = mc.IterationLimit
	}
	if mc.DefaultMessageTTL > 0 {
		cfg.DefaultMessageTTL = secondsToDuration(mc.DefaultMessageTTL)
	}
	if mc.DefaultReceiveTimeout > 0 {
		cfg.DefaultReceiveTimeout = secondsToDuration(mc.DefaultReceiveTimeout)
	}
	if mc.MailboxFullBehavior != "" {
		cfg.MailboxFullBehavior = vm.MailboxFullBehavior(mc.MailboxFullBehavior)
	}
	cfg.EnableMessageAcks = mc.EnableMessageAcks
	if mc.AutoReactivate != nil {
		cfg.AutoReactivateProcesses = *mc.AutoReactivate
	}
	if mc.MessageCleanupEvery > 0 {
		cfg.MessageCleanupInterval = secondsToDuration(mc.MessageCleanupEvery)
	}
	if mc.CrashStoreCapacity > 0 {
		cfg.CrashStoreCapacity = mc.CrashStoreCapacity
	}
	if err := cfg.Validate(); err != nil {
		return vm.Config{}, fmt.Errorf("invalid machine.toml: %w", err)
	}
	return cfg, nil
}

// CrashStorePath resolves the optional durable crash-store location
// relative to the manifest directory.
func (m *Manifest) CrashStorePath() string {
	if m.Machine.CrashStorePath == "" {
		return ""
	}
	if filepath.IsAbs(m.Machine.CrashStorePath) {
		return m.Machine.CrashStorePath
	}
	return filepath.Join(m.Dir, m.Machine.CrashStorePath)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

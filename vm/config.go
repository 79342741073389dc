package vm

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// MailboxFullBehavior selects what SEND does against a full mailbox.
type MailboxFullBehavior string

const (
	MailboxBlock MailboxFullBehavior = "block"
	MailboxDrop  MailboxFullBehavior = "drop"
	MailboxFail  MailboxFullBehavior = "fail"
)

// Config tunes the machine. The manifest package loads these values from
// machine.toml; embedders can build one directly.
type Config struct {
	MaxProcesses          int
	MaxStackSize          int
	MaxMailboxSize        int
	MaxReductionsPerSlice int
	IterationLimit        int

	DefaultMessageTTL     time.Duration
	DefaultReceiveTimeout time.Duration
	MailboxFullBehavior   MailboxFullBehavior

	EnableMessageAcks       bool
	AutoReactivateProcesses bool
	MessageCleanupInterval  time.Duration

	// IdleSleep is the quantum slept when no process is runnable but
	// parked work remains.
	IdleSleep time.Duration

	// DeadlockCheckIdleTicks is how many consecutive idle scheduler ticks
	// pass before the wait-for graph is scanned. Zero disables detection.
	DeadlockCheckIdleTicks int

	FaultQueueSize     int
	CrashStoreCapacity int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxProcesses:            100,
		MaxStackSize:            1000,
		MaxMailboxSize:          100,
		MaxReductionsPerSlice:   4000,
		IterationLimit:          10000,
		DefaultMessageTTL:       30 * time.Second,
		DefaultReceiveTimeout:   5 * time.Second,
		MailboxFullBehavior:     MailboxBlock,
		EnableMessageAcks:       false,
		AutoReactivateProcesses: true,
		MessageCleanupInterval:  5 * time.Second,
		IdleSleep:               time.Millisecond,
		DeadlockCheckIdleTicks:  50,
		FaultQueueSize:          1024,
		CrashStoreCapacity:      64,
	}
}

// Validate rejects configurations the machine cannot run with.
func (c Config) Validate() error {
	if c.MaxProcesses <= 0 {
		return fmt.Errorf("max_processes must be positive, got %d", c.MaxProcesses)
	}
	if c.MaxStackSize <= 0 {
		return fmt.Errorf("max_stack_size must be positive, got %d", c.MaxStackSize)
	}
	if c.MaxReductionsPerSlice <= 0 {
		return fmt.Errorf("max_reductions_per_slice must be positive, got %d", c.MaxReductionsPerSlice)
	}
	if c.IterationLimit <= 0 {
		return fmt.Errorf("iteration_limit must be positive, got %d", c.IterationLimit)
	}
	switch c.MailboxFullBehavior {
	case MailboxBlock, MailboxDrop, MailboxFail:
	default:
		return fmt.Errorf("mailbox_full_behavior must be block, drop or fail, got %q", c.MailboxFullBehavior)
	}
	return nil
}

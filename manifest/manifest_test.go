package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/konjac-lang/abstract-machine/vm"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "machine.toml"), []byte(body), 0o644); err != nil {
		t.Fatalf("writing machine.toml: %v", err)
	}
	return dir
}

func TestLoadFillsDefaults(t *testing.T) {
	dir := writeManifest(t, `
[machine]
max_processes = 500
`)
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := m.Config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.MaxProcesses != 500 {
		t.Errorf("max_processes: got %d, want 500", cfg.MaxProcesses)
	}
	// Unset fields take the documented defaults.
	if cfg.MaxStackSize != 1000 {
		t.Errorf("max_stack_size default: got %d, want 1000", cfg.MaxStackSize)
	}
	if cfg.MailboxFullBehavior != vm.MailboxBlock {
		t.Errorf("mailbox_full_behavior default: got %q, want block", cfg.MailboxFullBehavior)
	}
	if cfg.DefaultMessageTTL != 30*time.Second {
		t.Errorf("default_message_ttl default: got %s, want 30s", cfg.DefaultMessageTTL)
	}
	if !cfg.AutoReactivateProcesses {
		t.Error("auto_reactivate_processes should default to true")
	}
}

func TestLoadParsesDurationsAsSeconds(t *testing.T) {
	dir := writeManifest(t, `
[machine]
default_message_ttl = 1.5
message_cleanup_interval = 10
`)
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := m.Config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.DefaultMessageTTL != 1500*time.Millisecond {
		t.Errorf("ttl: got %s, want 1.5s", cfg.DefaultMessageTTL)
	}
	if cfg.MessageCleanupInterval != 10*time.Second {
		t.Errorf("cleanup interval: got %s, want 10s", cfg.MessageCleanupInterval)
	}
}

func TestInvalidMailboxBehaviorRejected(t *testing.T) {
	dir := writeManifest(t, `
[machine]
mailbox_full_behavior = "explode"
`)
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := m.Config(); err == nil {
		t.Fatal("unknown mailbox_full_behavior should fail validation")
	}
}

func TestAutoReactivateFalseIsRespected(t *testing.T) {
	dir := writeManifest(t, `
[machine]
auto_reactivate_processes = false
`)
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := m.Config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.AutoReactivateProcesses {
		t.Error("explicit false must not be overwritten by the default")
	}
}

func TestMissingFileFails(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("loading an empty directory should fail")
	}
}

func TestCrashStorePathResolvesRelative(t *testing.T) {
	dir := writeManifest(t, `
[machine]
crash_store_path = "dumps.db"
`)
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := m.CrashStorePath()
	if !filepath.IsAbs(got) || filepath.Base(got) != "dumps.db" {
		t.Errorf("crash store path: got %q", got)
	}
}

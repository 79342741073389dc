// Package snapshot provides the wire encoding for crash dumps and process
// snapshots, plus an optional SQLite-backed durable crash store.
package snapshot

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/konjac-lang/abstract-machine/vm"
)

// cbor encoding uses canonical mode for deterministic output.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ProcessSnapshot is a point-in-time view of a process, suitable for
// inspection tooling and crash reporting.
type ProcessSnapshot struct {
	Address        uint64    `cbor:"1,keyasint"`
	State          string    `cbor:"2,keyasint"`
	Priority       string    `cbor:"3,keyasint"`
	Counter        int       `cbor:"4,keyasint"`
	StackDepth     int       `cbor:"5,keyasint"`
	MailboxSize    int       `cbor:"6,keyasint"`
	Reductions     int       `cbor:"7,keyasint"`
	RegisteredName string    `cbor:"8,keyasint,omitempty"`
	CreatedAt      time.Time `cbor:"9,keyasint"`
}

// Capture snapshots a process.
func Capture(p *vm.Process) *ProcessSnapshot {
	return &ProcessSnapshot{
		Address:        uint64(p.Address),
		State:          p.State.String(),
		Priority:       p.Priority.String(),
		Counter:        p.Counter,
		StackDepth:     len(p.Stack),
		MailboxSize:    p.Mailbox.Size(),
		Reductions:     p.Reductions,
		RegisteredName: p.RegisteredName,
		CreatedAt:      p.CreatedAt,
	}
}

// MarshalSnapshot serializes a ProcessSnapshot to CBOR bytes.
func MarshalSnapshot(s *ProcessSnapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a ProcessSnapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*ProcessSnapshot, error) {
	var s ProcessSnapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// DumpRecord is the persisted form of a crash dump.
type DumpRecord struct {
	Seq            uint64    `cbor:"1,keyasint"`
	Process        uint64    `cbor:"2,keyasint"`
	RegisteredName string    `cbor:"3,keyasint,omitempty"`
	Reason         string    `cbor:"4,keyasint"`
	Counter        int       `cbor:"5,keyasint"`
	StackSlice     []string  `cbor:"6,keyasint,omitempty"`
	Stacktrace     []string  `cbor:"7,keyasint,omitempty"`
	Timestamp      time.Time `cbor:"8,keyasint"`
}

// FromDump converts an in-memory crash dump.
func FromDump(d *vm.CrashDump) *DumpRecord {
	return &DumpRecord{
		Seq:            d.Seq,
		Process:        uint64(d.Process),
		RegisteredName: d.RegisteredName,
		Reason:         d.Reason,
		Counter:        d.Counter,
		StackSlice:     d.StackSlice,
		Stacktrace:     d.Stacktrace,
		Timestamp:      d.Timestamp,
	}
}

// MarshalDump serializes a DumpRecord to CBOR bytes.
func MarshalDump(d *DumpRecord) ([]byte, error) {
	return cborEncMode.Marshal(d)
}

// UnmarshalDump deserializes a DumpRecord from CBOR bytes.
func UnmarshalDump(data []byte) (*DumpRecord, error) {
	var d DumpRecord
	if err := cbor.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal dump: %w", err)
	}
	return &d, nil
}

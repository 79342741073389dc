package vm

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Timer manager: deadline-ordered pending messages
// ---------------------------------------------------------------------------

// timerEntry is one pending delayed delivery.
type timerEntry struct {
	Ref      string
	Deadline time.Time
	Target   Address
	Message  *Message
}

// TimerManager holds SEND_AFTER deliveries in a single deadline-ordered
// sequence keyed by timer reference.
type TimerManager struct {
	mu      sync.Mutex
	entries []*timerEntry
}

func NewTimerManager() *TimerManager {
	return &TimerManager{}
}

// Schedule queues a delivery after d and returns the timer reference.
func (tm *TimerManager) Schedule(d time.Duration, target Address, msg *Message) *TimerRef {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	e := &timerEntry{
		Ref:      uuid.NewString(),
		Deadline: time.Now().Add(d),
		Target:   target,
		Message:  msg,
	}
	tm.entries = append(tm.entries, e)
	sort.SliceStable(tm.entries, func(i, j int) bool {
		return tm.entries[i].Deadline.Before(tm.entries[j].Deadline)
	})
	return &TimerRef{ID: e.Ref}
}

// Cancel removes the referenced timer, returning false when it already
// fired or never existed.
func (tm *TimerManager) Cancel(ref *TimerRef) bool {
	if ref == nil {
		return false
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for i, e := range tm.entries {
		if e.Ref == ref.ID {
			tm.entries = append(tm.entries[:i], tm.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Due removes and returns every entry whose deadline has passed at now, in
// deadline order.
func (tm *TimerManager) Due(now time.Time) []*timerEntry {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	cut := 0
	for cut < len(tm.entries) && !tm.entries[cut].Deadline.After(now) {
		cut++
	}
	if cut == 0 {
		return nil
	}
	due := tm.entries[:cut]
	tm.entries = tm.entries[cut:]
	return due
}

// Pending returns the number of queued timers.
func (tm *TimerManager) Pending() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.entries)
}

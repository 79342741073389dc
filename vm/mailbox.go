package vm

import (
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Mailbox: per-process FIFO message queue
// ---------------------------------------------------------------------------

// Mailbox is a capacity-bounded FIFO of messages with pattern-selective
// reads. All mutating operations hold the mailbox lock; the fault handler
// task pushes DOWN and EXIT messages concurrently with the dispatch loop.
type Mailbox struct {
	mu       sync.Mutex
	capacity int
	messages []*Message
	acks     []*Acknowledgment
}

// NewMailbox creates a mailbox holding at most capacity messages.
// A non-positive capacity means unbounded.
func NewMailbox(capacity int) *Mailbox {
	return &Mailbox{capacity: capacity}
}

// Push appends a message, returning false without inserting if full.
func (mb *Mailbox) Push(m *Message) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.capacity > 0 && len(mb.messages) >= mb.capacity {
		return false
	}
	mb.messages = append(mb.messages, m)
	return true
}

// PushSystem appends ignoring capacity. Exit signals, DOWN notifications
// and shutdown requests are never dropped.
func (mb *Mailbox) PushSystem(m *Message) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.messages = append(mb.messages, m)
}

// Shift removes and returns the oldest message, or nil if empty.
func (mb *Mailbox) Shift() *Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.messages) == 0 {
		return nil
	}
	m := mb.messages[0]
	mb.messages = mb.messages[1:]
	return m
}

// Peek returns a copy of the head message with a cloned value, leaving the
// queue untouched. Returns nil if empty.
func (mb *Mailbox) Peek() *Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.messages) == 0 {
		return nil
	}
	head := *mb.messages[0]
	head.Value = head.Value.Clone()
	return &head
}

// Select removes and returns the first message whose value matches the
// pattern, or nil if none match.
func (mb *Mailbox) Select(pattern Value) *Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for i, m := range mb.messages {
		if MatchesPattern(m.Value, pattern) {
			mb.messages = append(mb.messages[:i], mb.messages[i+1:]...)
			return m
		}
	}
	return nil
}

// At returns the message at position i without removing it, or nil if out
// of range. Supports selective-receive scanning.
func (mb *Mailbox) At(i int) *Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if i < 0 || i >= len(mb.messages) {
		return nil
	}
	return mb.messages[i]
}

// RemoveAt removes and returns the message at position i, or nil if out of
// range.
func (mb *Mailbox) RemoveAt(i int) *Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if i < 0 || i >= len(mb.messages) {
		return nil
	}
	m := mb.messages[i]
	mb.messages = append(mb.messages[:i], mb.messages[i+1:]...)
	return m
}

// Size returns the number of queued messages.
func (mb *Mailbox) Size() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.messages)
}

// Full reports whether the mailbox is at capacity.
func (mb *Mailbox) Full() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.capacity > 0 && len(mb.messages) >= mb.capacity
}

// CleanupExpired drops messages whose TTL elapsed before now and returns
// the number removed.
func (mb *Mailbox) CleanupExpired(now time.Time) int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	kept := mb.messages[:0]
	removed := 0
	for _, m := range mb.messages {
		if m.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	mb.messages = kept
	return removed
}

// PushAck records an acknowledgment for the owner to consume.
func (mb *Mailbox) PushAck(a *Acknowledgment) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.acks = append(mb.acks, a)
}

// ShiftAck removes and returns the oldest acknowledgment, or nil.
func (mb *Mailbox) ShiftAck() *Acknowledgment {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.acks) == 0 {
		return nil
	}
	a := mb.acks[0]
	mb.acks = mb.acks[1:]
	return a
}

// ---------------------------------------------------------------------------
// Pattern matching
// ---------------------------------------------------------------------------

// MatchesPattern reports whether value matches pattern. A null pattern
// matches anything. A map pattern matches a map value iff every pattern key
// is present in the value and the pattern's entry is either null (wildcard)
// or structurally equal. Any other pattern matches by structural equality.
func MatchesPattern(value, pattern Value) bool {
	if pattern.IsNull() {
		return true
	}
	if pattern.Kind() == KindMap && value.Kind() == KindMap {
		pm, vm := pattern.Map(), value.Map()
		for _, k := range pm.Keys() {
			want, _ := pm.Get(k)
			got, ok := vm.Get(k)
			if !ok {
				return false
			}
			if !want.IsNull() && !want.Equals(got) {
				return false
			}
		}
		return true
	}
	return pattern.Equals(value)
}

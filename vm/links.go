package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Link and monitor registry
// ---------------------------------------------------------------------------

// LinkRegistry holds the symmetric link sets, the monitor indices and the
// trap-exit set under a single lock. Both the dispatch loop and the fault
// handler task mutate it.
type LinkRegistry struct {
	mu        sync.Mutex
	links     map[Address]map[Address]struct{}
	byWatcher map[Address]map[uint64]*MonitorRef
	byWatched map[Address]map[uint64]*MonitorRef
	trapping  map[Address]struct{}
	nextRef   atomic.Uint64
}

func NewLinkRegistry() *LinkRegistry {
	return &LinkRegistry{
		links:     make(map[Address]map[Address]struct{}),
		byWatcher: make(map[Address]map[uint64]*MonitorRef),
		byWatched: make(map[Address]map[uint64]*MonitorRef),
		trapping:  make(map[Address]struct{}),
	}
}

// Link records the symmetric link between a and b. Linking a process to
// itself is a no-op.
func (r *LinkRegistry) Link(a, b Address) {
	if a == b {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLink(a, b)
	r.addLink(b, a)
}

func (r *LinkRegistry) addLink(from, to Address) {
	set, ok := r.links[from]
	if !ok {
		set = make(map[Address]struct{})
		r.links[from] = set
	}
	set[to] = struct{}{}
}

// Unlink removes the link in both directions.
func (r *LinkRegistry) Unlink(a, b Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links[a], b)
	delete(r.links[b], a)
}

// Linked reports whether a and b are linked.
func (r *LinkRegistry) Linked(a, b Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.links[a][b]
	return ok
}

// Links returns the addresses linked to p.
func (r *LinkRegistry) Links(p Address) []Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Address, 0, len(r.links[p]))
	for a := range r.links[p] {
		out = append(out, a)
	}
	return out
}

// Monitor mints a monitor reference from watcher to watched and records it
// in both indices.
func (r *LinkRegistry) Monitor(watcher, watched Address) *MonitorRef {
	ref := &MonitorRef{
		ID:        r.nextRef.Add(1),
		Watcher:   watcher,
		Watched:   watched,
		CreatedAt: time.Now(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byWatcher[watcher] == nil {
		r.byWatcher[watcher] = make(map[uint64]*MonitorRef)
	}
	if r.byWatched[watched] == nil {
		r.byWatched[watched] = make(map[uint64]*MonitorRef)
	}
	r.byWatcher[watcher][ref.ID] = ref
	r.byWatched[watched][ref.ID] = ref
	return ref
}

// Demonitor removes the reference from both indices, returning false if it
// was not recorded.
func (r *LinkRegistry) Demonitor(ref *MonitorRef) bool {
	if ref == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byWatcher[ref.Watcher][ref.ID]; !ok {
		return false
	}
	delete(r.byWatcher[ref.Watcher], ref.ID)
	delete(r.byWatched[ref.Watched], ref.ID)
	return true
}

// Monitors returns the references held by watcher.
func (r *LinkRegistry) Monitors(watcher Address) []*MonitorRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*MonitorRef, 0, len(r.byWatcher[watcher]))
	for _, ref := range r.byWatcher[watcher] {
		out = append(out, ref)
	}
	return out
}

// WatchersOf returns the references pointing at watched.
func (r *LinkRegistry) WatchersOf(watched Address) []*MonitorRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*MonitorRef, 0, len(r.byWatched[watched]))
	for _, ref := range r.byWatched[watched] {
		out = append(out, ref)
	}
	return out
}

// SetTrapExit toggles the trap-exit flag for p.
func (r *LinkRegistry) SetTrapExit(p Address, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.trapping[p] = struct{}{}
	} else {
		delete(r.trapping, p)
	}
}

// TrapsExit reports whether p traps exit signals.
func (r *LinkRegistry) TrapsExit(p Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.trapping[p]
	return ok
}

// Cleanup removes p from every table, returning the addresses it was linked
// to and the monitor references pointing at it so the fault handler can fan
// out.
func (r *LinkRegistry) Cleanup(p Address) (linked []Address, watchers []*MonitorRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for a := range r.links[p] {
		linked = append(linked, a)
		delete(r.links[a], p)
	}
	delete(r.links, p)
	for _, ref := range r.byWatched[p] {
		watchers = append(watchers, ref)
		delete(r.byWatcher[ref.Watcher], ref.ID)
	}
	delete(r.byWatched, p)
	for _, ref := range r.byWatcher[p] {
		delete(r.byWatched[ref.Watched], ref.ID)
	}
	delete(r.byWatcher, p)
	delete(r.trapping, p)
	return linked, watchers
}

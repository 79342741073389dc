package vm

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ---------------------------------------------------------------------------
// Crash dumps
// ---------------------------------------------------------------------------

// CrashDump is a snapshot of a process that died from an unhandled
// exception.
type CrashDump struct {
	Seq            uint64
	Process        Address
	RegisteredName string
	Reason         string
	Counter        int
	StackSlice     []string
	Stacktrace     []string
	Timestamp      time.Time
}

// CrashSink receives dumps for durable storage beyond the in-memory ring.
type CrashSink interface {
	Persist(*CrashDump) error
}

// CrashStore is a bounded in-memory dump ring: when full, the oldest dump
// is evicted. An optional sink receives every dump before eviction can
// touch it.
type CrashStore struct {
	mu    sync.Mutex
	cache *lru.Cache[uint64, *CrashDump]
	seq   uint64
	sink  CrashSink
	log   interface{ Errorf(string, ...any) }
}

func NewCrashStore(capacity int) *CrashStore {
	if capacity <= 0 {
		capacity = 64
	}
	cache, _ := lru.New[uint64, *CrashDump](capacity)
	return &CrashStore{cache: cache}
}

// SetSink attaches a durable sink.
func (s *CrashStore) SetSink(sink CrashSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Append stores a dump, evicting the oldest when full.
func (s *CrashStore) Append(d *CrashDump) {
	s.mu.Lock()
	s.seq++
	d.Seq = s.seq
	sink := s.sink
	s.cache.Add(d.Seq, d)
	s.mu.Unlock()
	if sink != nil {
		if err := sink.Persist(d); err != nil && s.log != nil {
			s.log.Errorf("crash sink: %s", err)
		}
	}
}

// List returns the retained dumps, oldest first.
func (s *CrashStore) List() []*CrashDump {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.cache.Keys()
	out := make([]*CrashDump, 0, len(keys))
	for _, k := range keys {
		if d, ok := s.cache.Get(k); ok {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of retained dumps.
func (s *CrashStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

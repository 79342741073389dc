package vm

import "sync"

// ---------------------------------------------------------------------------
// Process registry: name -> address
// ---------------------------------------------------------------------------

// ProcessRegistry maps registered names to process addresses. Names are
// unique; registration fails if the name is taken.
type ProcessRegistry struct {
	mu     sync.Mutex
	names  map[string]Address
	byAddr map[Address]string
}

func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{
		names:  make(map[string]Address),
		byAddr: make(map[Address]string),
	}
}

// Register binds name to addr, returning false if the name is taken.
// A process replacing its own earlier name drops the old binding first.
func (r *ProcessRegistry) Register(name string, addr Address) bool {
	if name == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.names[name]; taken {
		return false
	}
	if old, ok := r.byAddr[addr]; ok {
		delete(r.names, old)
	}
	r.names[name] = addr
	r.byAddr[addr] = name
	return true
}

// Unregister drops the binding for name, returning false if absent.
func (r *ProcessRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.names[name]
	if !ok {
		return false
	}
	delete(r.names, name)
	delete(r.byAddr, addr)
	return true
}

// Whereis resolves a registered name.
func (r *ProcessRegistry) Whereis(name string) (Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.names[name]
	return addr, ok
}

// NameOf returns the name registered for addr, if any.
func (r *ProcessRegistry) NameOf(addr Address) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.byAddr[addr]
	return name, ok
}

// Cleanup removes any binding held by addr.
func (r *ProcessRegistry) Cleanup(addr Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.byAddr[addr]; ok {
		delete(r.names, name)
		delete(r.byAddr, addr)
	}
}

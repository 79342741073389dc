package vm

import (
	"sort"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Scheduler: priority run queues plus waiting, timed-wait and blocked sets
// ---------------------------------------------------------------------------

// timedWait pairs a waiting process with its wake deadline.
type timedWait struct {
	deadline time.Time
	proc     *Process
}

// Scheduler holds every live process in exactly one of four containers:
// a per-priority run queue, the waiting set, the deadline-ordered timed-wait
// sequence, or the blocked-on-send set. The fault handler task mutates it
// concurrently with the dispatch loop, so every operation locks.
type Scheduler struct {
	mu         sync.Mutex
	queues     [4][]*Process
	waiting    map[Address]*Process
	timed      []timedWait
	blocked    map[Address]*Process
	reactivate []*Process
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		waiting: make(map[Address]*Process),
		blocked: make(map[Address]*Process),
	}
}

// Enqueue places p in the container appropriate to its state. Dead
// processes are dropped.
func (s *Scheduler) Enqueue(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(p.Address)
	switch p.State {
	case ProcessAlive, ProcessStale:
		s.queues[p.Priority] = append(s.queues[p.Priority], p)
	case ProcessWaiting:
		if p.WaitingTimeout > 0 {
			s.insertTimedLocked(p)
		} else {
			s.waiting[p.Address] = p
		}
	case ProcessBlocked:
		s.blocked[p.Address] = p
	}
}

func (s *Scheduler) insertTimedLocked(p *Process) {
	deadline := p.WaitingSince.Add(p.WaitingTimeout)
	s.timed = append(s.timed, timedWait{deadline: deadline, proc: p})
	sort.SliceStable(s.timed, func(i, j int) bool {
		return s.timed[i].deadline.Before(s.timed[j].deadline)
	})
}

// NextRunnable pops the head of the highest non-empty priority queue.
func (s *Scheduler) NextRunnable() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pr := PriorityMax; pr >= PriorityLow; pr-- {
		q := s.queues[pr]
		if len(q) > 0 {
			p := q[0]
			s.queues[pr] = q[1:]
			return p
		}
	}
	return nil
}

// MakeRunnable removes p from any waiting container, clears its waiting
// fields, sets it Alive and pushes it onto its priority queue.
func (s *Scheduler) MakeRunnable(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.State == ProcessDead {
		return
	}
	s.removeLocked(p.Address)
	p.clearWaiting()
	p.State = ProcessAlive
	s.queues[p.Priority] = append(s.queues[p.Priority], p)
}

// WaitForMessage parks p in the waiting (or timed-wait) container. The
// pattern may be Null for any-message waits; timeout zero means no deadline.
func (s *Scheduler) WaitForMessage(p *Process, pattern Value, matcher *Lambda, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(p.Address)
	p.State = ProcessWaiting
	p.WaitingPattern = pattern
	p.WaitingMatcher = matcher
	p.WaitingSince = time.Now()
	p.WaitingTimeout = timeout
	if timeout > 0 {
		s.insertTimedLocked(p)
	} else {
		s.waiting[p.Address] = p
	}
}

// BlockOnSend parks p in the blocked set.
func (s *Scheduler) BlockOnSend(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(p.Address)
	p.State = ProcessBlocked
	s.blocked[p.Address] = p
}

// CheckTimeouts wakes every timed waiter whose deadline has passed, pushing
// false onto its stack as the timeout indicator, and returns them.
func (s *Scheduler) CheckTimeouts(now time.Time) []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	cut := 0
	for cut < len(s.timed) && !s.timed[cut].deadline.After(now) {
		cut++
	}
	if cut == 0 {
		return nil
	}
	expired := make([]*Process, 0, cut)
	for _, tw := range s.timed[:cut] {
		p := tw.proc
		wasSleep := p.sleeping
		p.clearWaiting()
		if !wasSleep {
			// Receive-style waits re-run their opcode and consume this
			// token; a sleep resumes after SLEEP with the token on top.
			p.timedOut = true
		}
		p.Stack = append(p.Stack, False)
		p.State = ProcessAlive
		s.queues[p.Priority] = append(s.queues[p.Priority], p)
		expired = append(expired, p)
	}
	s.timed = s.timed[cut:]
	return expired
}

// CheckBlocked retries every parked send through tryDeliver. Senders whose
// blocked-send lists drain return to their run queue; the returned slice
// holds the processes that were unblocked.
func (s *Scheduler) CheckBlocked(tryDeliver func(Address, *Message) bool) []*Process {
	s.mu.Lock()
	blocked := make([]*Process, 0, len(s.blocked))
	for _, p := range s.blocked {
		blocked = append(blocked, p)
	}
	s.mu.Unlock()

	var unblocked []*Process
	for _, p := range blocked {
		remaining := p.BlockedSends[:0]
		for _, bs := range p.BlockedSends {
			if !tryDeliver(bs.Target, bs.Message) {
				remaining = append(remaining, bs)
			}
		}
		p.BlockedSends = remaining
		if len(remaining) == 0 {
			s.MakeRunnable(p)
			unblocked = append(unblocked, p)
		}
	}
	return unblocked
}

// NotifyMessageDelivered wakes the receiver if its waiting predicate is
// satisfied by the delivered value, via the reactivation queue.
func (s *Scheduler) NotifyMessageDelivered(receiver *Process, value Value) {
	if receiver.wantsMessage(value) {
		s.Reactivate(receiver)
	}
}

// Reactivate queues p for promotion to runnable on the next engine tick.
func (s *Scheduler) Reactivate(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactivate = append(s.reactivate, p)
}

// DrainReactivations returns and clears the reactivation queue.
func (s *Scheduler) DrainReactivations() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.reactivate
	s.reactivate = nil
	return out
}

// MarkDead removes p from every container.
func (s *Scheduler) MarkDead(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(p.Address)
}

// YieldProcess re-queues p at the tail of its priority queue, only if still
// alive.
func (s *Scheduler) YieldProcess(p *Process) {
	if p.State != ProcessAlive {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(p.Address)
	s.queues[p.Priority] = append(s.queues[p.Priority], p)
}

// HasPendingWork reports whether any process is parked waiting, timed
// waiting or blocked. Idle supervisors park forever and do not count.
func (s *Scheduler) HasPendingWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timed) > 0 || len(s.blocked) > 0 || len(s.reactivate) > 0 {
		return true
	}
	for _, p := range s.waiting {
		if !p.supervisor {
			return true
		}
	}
	return false
}

// RunnableCount returns the total queued runnable processes.
func (s *Scheduler) RunnableCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// Waiting returns the processes currently parked with no deadline; used by
// the deadlock detector.
func (s *Scheduler) Waiting() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Process, 0, len(s.waiting))
	for _, p := range s.waiting {
		out = append(out, p)
	}
	return out
}

// Contains reports which container currently holds addr: "run", "waiting",
// "timed", "blocked" or "" when absent. Test support for the queue
// invariant.
func (s *Scheduler) Contains(addr Address) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		for _, p := range q {
			if p.Address == addr {
				return "run"
			}
		}
	}
	if _, ok := s.waiting[addr]; ok {
		return "waiting"
	}
	for _, tw := range s.timed {
		if tw.proc.Address == addr {
			return "timed"
		}
	}
	if _, ok := s.blocked[addr]; ok {
		return "blocked"
	}
	return ""
}

// removeLocked drops addr from every container.
func (s *Scheduler) removeLocked(addr Address) {
	for pr := range s.queues {
		q := s.queues[pr]
		for i, p := range q {
			if p.Address == addr {
				s.queues[pr] = append(q[:i], q[i+1:]...)
				break
			}
		}
	}
	delete(s.waiting, addr)
	delete(s.blocked, addr)
	for i, tw := range s.timed {
		if tw.proc.Address == addr {
			s.timed = append(s.timed[:i], s.timed[i+1:]...)
			break
		}
	}
}

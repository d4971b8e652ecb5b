// Package proctable implements the process table shared by the
// session-server and the arbiter: process records keyed by the connection
// they arrived on and their local PID, plus the counters that drive
// barrier release and join-phase transitions.
package proctable

// Key identifies a process record by the connection it is reachable
// through and its local PID. ConnID is caller-assigned (e.g. a socket fd
// or a small sequential id per accepted connection).
type Key struct {
	ConnID int
	PID    int32
}

// Process is one participant's bookkeeping record.
type Process struct {
	Key

	GID      int32 // global id, -1 until assigned
	SemID    int   // semaphore identifier the process is blocked on, -1 if none
	Stopped  bool
	Blocked  bool
	Queued   bool
}

// Table is the (connection, pid) -> Process map plus the ready/blocked/
// stopped counters the barrier and join-phase logic consult.
type Table struct {
	procs map[Key]*Process
	order []Key // insertion order, for deterministic scans
}

// New returns an empty process table.
func New() *Table {
	return &Table{procs: make(map[Key]*Process)}
}

// Insert adds a new process record. Returns false if the key already
// exists.
func (t *Table) Insert(key Key) (*Process, bool) {
	if _, exists := t.procs[key]; exists {
		return nil, false
	}
	p := &Process{Key: key, GID: -1, SemID: -1}
	t.procs[key] = p
	t.order = append(t.order, key)
	return p, true
}

// Lookup returns the process for key, if present.
func (t *Table) Lookup(key Key) (*Process, bool) {
	p, ok := t.procs[key]
	return p, ok
}

// Remove deletes the process record for key. Returns false if absent.
func (t *Table) Remove(key Key) bool {
	if _, ok := t.procs[key]; !ok {
		return false
	}
	delete(t.procs, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// RemoveConn removes every process record belonging to connID, as happens
// when an arbiter connection drops or sends EXIT. Returns the removed
// records.
func (t *Table) RemoveConn(connID int) []*Process {
	var removed []*Process
	for _, k := range t.order {
		if k.ConnID == connID {
			removed = append(removed, t.procs[k])
		}
	}
	for _, p := range removed {
		t.Remove(p.Key)
	}
	return removed
}

// Len returns the number of tracked processes.
func (t *Table) Len() int { return len(t.procs) }

// Counts returns (nstopped, nblocked, nready) across every tracked
// process, where "ready" means neither stopped, blocked, nor queued.
func (t *Table) Counts() (nstopped, nblocked, nready int) {
	for _, k := range t.order {
		p := t.procs[k]
		switch {
		case p.Stopped:
			nstopped++
		case p.Blocked:
			nblocked++
		case !p.Queued:
			nready++
		}
	}
	return
}

// FirstBlockedOn returns the first process (in insertion order) whose
// SemID matches id, per §4.2's "first blocked process found in a linear
// scan" wakeup rule.
func (t *Table) FirstBlockedOn(id int) (*Process, bool) {
	for _, k := range t.order {
		p := t.procs[k]
		if p.SemID == id {
			return p, true
		}
	}
	return nil, false
}

// Each calls fn for every process in insertion order.
func (t *Table) Each(fn func(*Process)) {
	for _, k := range t.order {
		fn(t.procs[k])
	}
}

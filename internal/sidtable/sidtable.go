// Package sidtable implements the daemon's session directory: the map from
// session name to the server's advertised port and the set of connections
// still waiting to learn it (§3, §4.1).
package sidtable

// Session is one named session's directory entry.
type Session struct {
	ID      int
	Name    string
	Port    int  // 0 until the server reports SET_SID
	Waiters []int
}

// PortSet reports whether the session's port has been assigned.
func (s *Session) PortSet() bool { return s.Port != 0 }

// Table maps session name to its directory entry.
type Table struct {
	byName map[string]*Session
	nextID int
}

// New returns an empty session table.
func New() *Table {
	return &Table{byName: make(map[string]*Session)}
}

// GetOrCreate returns the session named name, creating it with an unset
// port if it does not exist. created reports whether it was just created.
func (t *Table) GetOrCreate(name string) (s *Session, created bool) {
	if s, ok := t.byName[name]; ok {
		return s, false
	}
	s = &Session{ID: t.nextID, Name: name}
	t.nextID++
	t.byName[name] = s
	return s, true
}

// Get returns the session named name without creating it.
func (t *Table) Get(name string) (*Session, bool) {
	s, ok := t.byName[name]
	return s, ok
}

// AddWaiter records connID as waiting to learn name's port.
func (s *Session) AddWaiter(connID int) {
	s.Waiters = append(s.Waiters, connID)
}

// TakeWaiters returns and clears the session's waiter list.
func (s *Session) TakeWaiters() []int {
	w := s.Waiters
	s.Waiters = nil
	return w
}

// Delete removes name from the table entirely, as happens on DEL_SID.
func (t *Table) Delete(name string) {
	delete(t.byName, name)
}

// Each calls fn once per tracked session, for dsmctl's inspection listing.
func (t *Table) Each(fn func(*Session)) {
	for _, s := range t.byName {
		fn(s)
	}
}

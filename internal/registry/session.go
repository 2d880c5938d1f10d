package registry

import (
	"sync"
	"time"
)

// State is a Session's place in its Pending -> Active -> Inactive ->
// Terminated lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateActive     State = "active"
	StateInactive   State = "inactive"
	StateTerminated State = "terminated"
)

// Terminator tears down whatever is driving a session's SSH channel
// (the Terminal I/O Pump). termpump.Pump satisfies this interface.
type Terminator interface {
	Stop(reason string)
}

// Session represents one operator's interactive shell on one host.
// Mutable fields are guarded by an internal lock distinct from the
// Registry's own lock, per the registry -> session -> pool -> pool-entry
// lock ordering.
type Session struct {
	ID       string
	UserID   string
	TenantID string
	HostID   string
	Hostname string
	Port     int
	Username string

	CreatedAt time.Time

	mu             sync.Mutex
	state          State
	lastActivityAt time.Time
	cols, rows     uint32
	transportID    string
	terminator     Terminator
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivityAt returns the session's last recorded activity time.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// TransportID returns the browser transport currently bound to this
// session, or "" if none is bound.
func (s *Session) TransportID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportID
}

// TerminalSize returns the session's current (cols, rows).
func (s *Session) TerminalSize() (cols, rows uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// SetTerminalSize records a resize.
func (s *Session) SetTerminalSize(cols, rows uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols, s.rows = cols, rows
}

// SetTerminator wires the component that Stop() tears down when this
// session is terminated or its transport goes away while Active.
func (s *Session) SetTerminator(t Terminator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminator = t
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastActivityAt) {
		s.lastActivityAt = now
	}
}

func (s *Session) snapshot() (State, time.Time, string, Terminator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.lastActivityAt, s.transportID, s.terminator
}

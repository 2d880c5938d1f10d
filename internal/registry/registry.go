// Package registry implements the Session Registry: it creates,
// indexes, and terminates interactive shell sessions, enforces the
// per-user session cap, and reaps sessions idle beyond the configured
// timeout.
//
// Grounded on the admin-mit-backend original's WebShellSessionManager
// (app/services/webshell_service.py) for the operational shape (three
// index maps by session/user/host, a per-user cap check before
// insertion, bulk termination by copying the id set before iterating,
// and the Active -> Inactive transition on transport disconnect that
// never removes the session outright), re-expressed with
// gravitational/trace, sirupsen/logrus, jonboulle/clockwork, and
// google/uuid the way lib/srv/session_control.go and
// lib/srv/sessiontracker.go wire those same libraries.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"sync"
)

// Config configures a Registry.
type Config struct {
	// MaxSessionsPerUser bounds how many non-Terminated sessions a
	// single user may hold at once.
	MaxSessionsPerUser int
	// IdleTimeout is how long a session may go without activity
	// before the reaper terminates it.
	IdleTimeout time.Duration
	// ReaperInterval is how often the idle reaper runs.
	ReaperInterval time.Duration
	Clock          clockwork.Clock
	Logger         logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.MaxSessionsPerUser == 0 {
		c.MaxSessionsPerUser = 5
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.ReaperInterval == 0 {
		c.ReaperInterval = time.Minute
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, "SessionRegistry")
	}
	return nil
}

var (
	activeSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "remoteshell",
		Subsystem: "registry",
		Name:      "sessions",
		Help:      "Number of non-terminated sessions currently tracked.",
	})
	sessionLimitHitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "remoteshell",
		Subsystem: "registry",
		Name:      "session_limit_hit_total",
		Help:      "Number of times a user exceeded their max concurrent sessions.",
	})
)

func init() {
	prometheus.MustRegister(activeSessionsGauge, sessionLimitHitTotal)
}

// CreateRequest describes a session to create.
type CreateRequest struct {
	UserID      string
	TenantID    string
	HostID      string
	Hostname    string
	Port        int
	Username    string
	TransportID string
	Cols, Rows  uint32
}

// Registry tracks live sessions and their ownership.
type Registry struct {
	cfg Config

	mu          sync.Mutex
	byID        map[string]*Session
	byUser      map[string]map[string]struct{}
	byHost      map[string]map[string]struct{}
	byTransport map[string]string

	stopC chan struct{}
	doneC chan struct{}
}

// New creates a Registry from cfg.
func New(cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		cfg:         cfg,
		byID:        make(map[string]*Session),
		byUser:      make(map[string]map[string]struct{}),
		byHost:      make(map[string]map[string]struct{}),
		byTransport: make(map[string]string),
		stopC:       make(chan struct{}),
		doneC:       make(chan struct{}),
	}, nil
}

// Start launches the idle-session reaper.
func (r *Registry) Start() {
	go r.reapLoop()
}

// Stop signals the reaper to exit and waits for it to do so.
func (r *Registry) Stop(ctx context.Context) error {
	close(r.stopC)
	select {
	case <-r.doneC:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// Create registers a new session in StatePending, failing with an
// AccessDenied-kind error if the user already holds MaxSessionsPerUser
// non-Terminated sessions.
func (r *Registry) Create(req CreateRequest) (*Session, error) {
	now := r.cfg.Clock.Now()

	r.mu.Lock()
	if len(r.byUser[req.UserID]) >= r.cfg.MaxSessionsPerUser {
		r.mu.Unlock()
		sessionLimitHitTotal.Inc()
		return nil, trace.AccessDenied(
			"too many concurrent sessions for user %q (max=%d)", req.UserID, r.cfg.MaxSessionsPerUser)
	}

	sess := &Session{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		TenantID:       req.TenantID,
		HostID:         req.HostID,
		Hostname:       req.Hostname,
		Port:           req.Port,
		Username:       req.Username,
		CreatedAt:      now,
		state:          StatePending,
		lastActivityAt: now,
		cols:           req.Cols,
		rows:           req.Rows,
		transportID:    req.TransportID,
	}

	r.byID[sess.ID] = sess
	r.indexLocked(sess.UserID, sess.HostID, sess.ID)
	if req.TransportID != "" {
		r.byTransport[req.TransportID] = sess.ID
	}
	r.mu.Unlock()

	activeSessionsGauge.Inc()
	return sess, nil
}

func (r *Registry) indexLocked(userID, hostID, sessionID string) {
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][sessionID] = struct{}{}

	if r.byHost[hostID] == nil {
		r.byHost[hostID] = make(map[string]struct{})
	}
	r.byHost[hostID][sessionID] = struct{}{}
}

// Activate transitions a Pending session to Active, once its channel
// and pump are wired by the Gateway Facade.
func (r *Registry) Activate(sessionID string) error {
	sess, ok := r.Lookup(sessionID)
	if !ok {
		return trace.NotFound("session %q not found", sessionID)
	}
	sess.mu.Lock()
	sess.state = StateActive
	sess.mu.Unlock()
	return nil
}

// Lookup returns the session for id, if any.
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byID[sessionID]
	return sess, ok
}

// LookupByTransport returns the session currently bound to transportID.
func (r *Registry) LookupByTransport(transportID string) (*Session, bool) {
	r.mu.Lock()
	sessionID, ok := r.byTransport[transportID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	sess, ok := r.byID[sessionID]
	r.mu.Unlock()
	return sess, ok
}

// Rebind points sessionID at a new transport, reactivating it if it
// was Inactive. This is how a reconnecting browser resumes a session
// within its idle grace window instead of starting a fresh one.
func (r *Registry) Rebind(sessionID, newTransportID string) error {
	r.mu.Lock()
	sess, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return trace.NotFound("session %q not found", sessionID)
	}

	sess.mu.Lock()
	old := sess.transportID
	sess.transportID = newTransportID
	wasInactive := sess.state == StateInactive
	if wasInactive {
		sess.state = StateActive
	}
	sess.mu.Unlock()

	if old != "" {
		delete(r.byTransport, old)
	}
	r.byTransport[newTransportID] = sessionID
	r.mu.Unlock()

	return nil
}

// OnTransportGone handles a browser disconnect: it clears the
// session's transport binding and transitions Active -> Inactive. It
// deliberately does not terminate the session, preserving it for the
// reconnection grace window; the caller's pump is stopped via its
// Terminator since the browser-facing output has no consumer.
func (r *Registry) OnTransportGone(transportID string) {
	r.mu.Lock()
	sessionID, ok := r.byTransport[transportID]
	if ok {
		delete(r.byTransport, transportID)
	}
	sess, sessOK := (*Session)(nil), false
	if ok {
		sess, sessOK = r.byID[sessionID]
	}
	r.mu.Unlock()

	if !ok || !sessOK {
		return
	}

	sess.mu.Lock()
	sess.transportID = ""
	wasActive := sess.state == StateActive
	if wasActive {
		sess.state = StateInactive
	}
	terminator := sess.terminator
	sess.mu.Unlock()

	if wasActive && terminator != nil {
		terminator.Stop("transport disconnected")
	}
}

// TerminateSession removes sessionID from the registry and stops
// whatever is driving its channel. It reports whether a session was
// found and terminated.
func (r *Registry) TerminateSession(sessionID, reason string) bool {
	r.mu.Lock()
	sess, ok := r.byID[sessionID]
	if ok {
		delete(r.byID, sessionID)
		if set := r.byUser[sess.UserID]; set != nil {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(r.byUser, sess.UserID)
			}
		}
		if set := r.byHost[sess.HostID]; set != nil {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(r.byHost, sess.HostID)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	sess.mu.Lock()
	transportID := sess.transportID
	sess.transportID = ""
	alreadyTerminated := sess.state == StateTerminated
	sess.state = StateTerminated
	terminator := sess.terminator
	sess.mu.Unlock()

	if transportID != "" {
		r.mu.Lock()
		delete(r.byTransport, transportID)
		r.mu.Unlock()
	}

	activeSessionsGauge.Dec()

	if !alreadyTerminated && terminator != nil {
		terminator.Stop(reason)
	}
	return true
}

// TerminateForUser terminates every session owned by userID, returning
// the count terminated. The id set is copied before iterating so that
// termination's own map mutation cannot disturb the walk.
func (r *Registry) TerminateForUser(userID, reason string) int {
	r.mu.Lock()
	ids := copyKeys(r.byUser[userID])
	r.mu.Unlock()

	count := 0
	for _, id := range ids {
		if r.TerminateSession(id, reason) {
			count++
		}
	}
	return count
}

// TerminateForHost terminates every session connected to hostID,
// returning the count terminated.
func (r *Registry) TerminateForHost(hostID, reason string) int {
	r.mu.Lock()
	ids := copyKeys(r.byHost[hostID])
	r.mu.Unlock()

	count := 0
	for _, id := range ids {
		if r.TerminateSession(id, reason) {
			count++
		}
	}
	return count
}

func copyKeys(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// TouchActivity bumps a session's last-activity timestamp to now. The
// Terminal I/O Pump calls this on every input frame and output chunk.
func (r *Registry) TouchActivity(sessionID string) {
	sess, ok := r.Lookup(sessionID)
	if !ok {
		return
	}
	sess.touch(r.cfg.Clock.Now())
}

// Stats summarizes the registry's current occupancy.
type Stats struct {
	TotalSessions int
	Users         int
	Hosts         int
}

// Stats returns a snapshot of registry occupancy.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		TotalSessions: len(r.byID),
		Users:         len(r.byUser),
		Hosts:         len(r.byHost),
	}
}

func (r *Registry) reapLoop() {
	defer close(r.doneC)
	ticker := r.cfg.Clock.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.reapOnce()
		case <-r.stopC:
			return
		}
	}
}

func (r *Registry) reapOnce() {
	now := r.cfg.Clock.Now()

	r.mu.Lock()
	var stale []string
	for id, sess := range r.byID {
		state, lastActivity, _, _ := sess.snapshot()
		if state != StateTerminated && now.Sub(lastActivity) > r.cfg.IdleTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		if r.TerminateSession(id, "idle timeout") {
			r.cfg.Logger.WithField("session_id", id).Info("Terminated idle session.")
		}
	}
}

package sshpool

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/ssh"

	"github.com/opsconsole/remoteshell/internal/retryutil"
)

// Key identifies a pooled transport.
type Key struct {
	Host string
	Port int
	User string
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s:%d", k.User, k.Host, k.Port)
}

type entry struct {
	mu         sync.Mutex
	key        Key
	client     *ssh.Client
	lastUsedAt time.Time
	refs       int
}

// Handle is a borrowed reference to a pooled transport. It must be
// passed to Pool.Release when the caller is done with it.
type Handle struct {
	key    Key
	entry  *entry
	client *ssh.Client
}

var (
	poolSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "remoteshell",
		Subsystem: "sshpool",
		Name:      "transports",
		Help:      "Number of SSH transports currently held by the pool.",
	})
	poolSaturatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "remoteshell",
		Subsystem: "sshpool",
		Name:      "saturated_total",
		Help:      "Number of times Acquire failed because the pool was full and nothing could be evicted.",
	})
	connectFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "remoteshell",
		Subsystem: "sshpool",
		Name:      "connect_failures_total",
		Help:      "Number of SSH dial attempts that failed.",
	})
)

func init() {
	prometheus.MustRegister(poolSizeGauge, poolSaturatedTotal, connectFailuresTotal)
}

// Pool multiplexes SSH transports keyed by (host, port, user).
type Pool struct {
	cfg     Config
	mu      sync.Mutex
	entries map[Key]*entry
	stopC   chan struct{}
	doneC   chan struct{}
}

// NewPool creates a Pool from cfg.
func NewPool(cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pool{
		cfg:     cfg,
		entries: make(map[Key]*entry),
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}, nil
}

// Start launches the idle-transport reaper. It returns immediately;
// the reaper runs until Stop is called.
func (p *Pool) Start() {
	go p.reapLoop()
}

// Stop signals the reaper to exit and waits for it to do so.
func (p *Pool) Stop(ctx context.Context) error {
	close(p.stopC)
	select {
	case <-p.doneC:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// Acquire returns a Handle to a live transport for key, reusing a
// pooled transport if one exists and passes a liveness probe, or
// dialing a new one otherwise. It never returns a handle backed by a
// failed liveness probe: a dead entry is evicted and replaced.
func (p *Pool) Acquire(ctx context.Context, key Key, auth []ssh.AuthMethod, hostKeyCallback ssh.HostKeyCallback) (*Handle, error) {
	ctx, span := p.cfg.tracer.Start(ctx, "Pool/Acquire")
	defer span.End()

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		p.mu.Unlock()
		if p.probeEntry(ctx, e) {
			e.mu.Lock()
			e.refs++
			e.lastUsedAt = p.cfg.Clock.Now()
			client := e.client
			e.mu.Unlock()
			return &Handle{key: key, entry: e, client: client}, nil
		}
		p.ForceClose(key)
		p.mu.Lock()
	}

	if len(p.entries) >= p.cfg.Cap {
		if !p.evictOldestLocked() {
			p.mu.Unlock()
			poolSaturatedTotal.Inc()
			return nil, trace.LimitExceeded("connection pool is saturated (cap=%d)", p.cfg.Cap)
		}
	}
	p.mu.Unlock()

	client, err := p.connectWithRetry(ctx, key, auth, hostKeyCallback)
	if err != nil {
		connectFailuresTotal.Inc()
		return nil, trace.Wrap(err)
	}

	e := &entry{key: key, client: client, lastUsedAt: p.cfg.Clock.Now(), refs: 1}

	p.mu.Lock()
	p.entries[key] = e
	poolSizeGauge.Set(float64(len(p.entries)))
	p.mu.Unlock()

	return &Handle{key: key, entry: e, client: client}, nil
}

// Release returns a Handle to the pool. The underlying transport stays
// cached (subject to idle reaping) even at a zero refcount.
func (p *Pool) Release(h *Handle) {
	if h == nil || h.entry == nil {
		return
	}
	h.entry.mu.Lock()
	if h.entry.refs > 0 {
		h.entry.refs--
	}
	h.entry.lastUsedAt = p.cfg.Clock.Now()
	h.entry.mu.Unlock()
}

// ForceClose closes and removes the transport for key, if present. Any
// channels open over it will surface a closed-channel error on their
// next operation.
func (p *Pool) ForceClose(key Key) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
		poolSizeGauge.Set(float64(len(p.entries)))
	}
	p.mu.Unlock()

	if ok {
		_ = e.client.Close()
	}
}

// Stats summarizes the pool's current occupancy.
type Stats struct {
	Transports int
	Cap        int
}

// Stats returns a snapshot of the pool's occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Transports: len(p.entries), Cap: p.cfg.Cap}
}

// Probe performs a standalone connectivity check against key without
// registering a pool entry: dial, liveness round trip, close. It is
// grounded on the admin-mit-backend original's SSHService.test_connection,
// used by callers (e.g. a host health check) to validate reachability
// before committing to a full session.
func (p *Pool) Probe(ctx context.Context, key Key, auth []ssh.AuthMethod, hostKeyCallback ssh.HostKeyCallback) error {
	client, err := p.dial(ctx, key, auth, hostKeyCallback)
	if err != nil {
		return trace.Wrap(err)
	}
	defer client.Close()

	_, _, err = client.SendRequest("keepalive@remoteshell", true, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// evictOldestLocked removes the zero-refcount entry with the oldest
// lastUsedAt, if one exists. Caller must hold p.mu.
func (p *Pool) evictOldestLocked() bool {
	var oldestKey Key
	var oldestEntry *entry
	for k, e := range p.entries {
		e.mu.Lock()
		refs := e.refs
		lastUsed := e.lastUsedAt
		e.mu.Unlock()
		if refs != 0 {
			continue
		}
		if oldestEntry == nil || lastUsed.Before(oldestEntry.lastUsedAt) {
			oldestKey = k
			oldestEntry = e
		}
	}
	if oldestEntry == nil {
		return false
	}
	delete(p.entries, oldestKey)
	go func() { _ = oldestEntry.client.Close() }()
	return true
}

func (p *Pool) probeEntry(ctx context.Context, e *entry) bool {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()

	doneC := make(chan bool, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@remoteshell", true, nil)
		doneC <- err == nil
	}()

	select {
	case ok := <-doneC:
		return ok
	case <-p.cfg.Clock.After(p.cfg.ProbeTimeout):
		return false
	case <-ctx.Done():
		return false
	}
}

func (p *Pool) dial(ctx context.Context, key Key, auth []ssh.AuthMethod, hostKeyCallback ssh.HostKeyCallback) (*ssh.Client, error) {
	conf := &ssh.ClientConfig{
		User:            key.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         p.cfg.ConnectTimeout,
	}
	addr := net.JoinHostPort(key.Host, strconv.Itoa(key.Port))

	type result struct {
		client *ssh.Client
		err    error
	}
	resultC := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, conf)
		resultC <- result{client: client, err: err}
	}()

	select {
	case r := <-resultC:
		return r.client, trace.Wrap(r.err)
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

func (p *Pool) connectWithRetry(ctx context.Context, key Key, auth []ssh.AuthMethod, hostKeyCallback ssh.HostKeyCallback) (*ssh.Client, error) {
	retry, err := retryutil.NewLinear(retryutil.LinearConfig{
		Clock:  p.cfg.Clock,
		Step:   p.cfg.RetryStep,
		Max:    p.cfg.RetryStep * time.Duration(p.cfg.RetryAttempts+1),
		Jitter: retryutil.HalfJitter,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.RetryAttempts; attempt++ {
		client, err := p.dial(ctx, key, auth, hostKeyCallback)
		if err == nil {
			return client, nil
		}
		lastErr = err

		if isAuthError(err) {
			return nil, trace.Wrap(err)
		}
		if attempt == p.cfg.RetryAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		case <-retry.After():
			retry.Inc()
		}
	}
	return nil, trace.Wrap(lastErr)
}

// isAuthError reports whether err represents an SSH authentication
// failure, which Acquire must never retry.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain")
}

func (p *Pool) reapLoop() {
	defer close(p.doneC)
	ticker := p.cfg.Clock.NewTicker(p.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			p.reapOnce()
		case <-p.stopC:
			return
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	candidates := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		e.mu.Lock()
		idle := e.refs == 0 && p.cfg.Clock.Now().Sub(e.lastUsedAt) > p.cfg.IdleTimeout
		e.mu.Unlock()
		if idle {
			candidates = append(candidates, e)
		}
	}
	p.mu.Unlock()

	for _, e := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
		healthy := p.probeEntry(ctx, e)
		cancel()
		if !healthy {
			p.cfg.Logger.WithField("key", e.key.String()).Info("Closing idle, unresponsive SSH transport.")
			p.ForceClose(e.key)
		}
	}
}

// Package audit defines the command audit record and a best-effort
// adapter that hands records to an external durable sink without ever
// blocking the terminal I/O pump on a slow or unavailable sink.
//
// Grounded on lib/srv/session_control.go's emitRejection (fire-and-log,
// never propagate emitter failures back to the caller) and on the
// admin-mit-backend original's command logging in
// app/services/webshell_terminal_service.py (_log_command_execution /
// _log_blocked_command), which records both allowed and blocked
// submissions through the same code path.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Status is the outcome recorded for a submitted command.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusBlocked Status = "blocked"
)

// Record is one immutable audit entry: one command submission or one
// blocked attempt.
type Record struct {
	ID            string
	TenantID      string
	UserID        string
	HostID        string
	SessionID     string
	CommandText   string
	Status        Status
	BlockReason   string
	OutputCapture string
	ErrorCapture  string
	// ExitCode is nil for interactive PTY submissions, whose remote
	// exit status is not discoverable, and set for ExecuteOnce results.
	ExitCode   *int
	ExecutedAt time.Time
	Duration   time.Duration
	IPAddress  string
}

// NewRecord fills in an ID and ExecutedAt for a freshly observed
// submission. Callers set the remaining fields.
func NewRecord(now time.Time) Record {
	return Record{ID: uuid.NewString(), ExecutedAt: now}
}

// Sink is the external, durable audit store. Appending to it is out of
// scope for this module; implementations live in the caller's storage
// layer.
type Sink interface {
	Append(ctx context.Context, record Record) error
}

var (
	auditQueueDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "remoteshell",
		Subsystem: "audit",
		Name:      "queue_dropped_total",
		Help:      "Number of audit records dropped because the sink queue was full.",
	})
	auditSinkErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "remoteshell",
		Subsystem: "audit",
		Name:      "sink_errors_total",
		Help:      "Number of errors returned by the durable audit sink.",
	})
)

func init() {
	prometheus.MustRegister(auditQueueDroppedTotal, auditSinkErrorsTotal)
}

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	// Sink is the durable store records are forwarded to.
	Sink Sink
	// QueueSize bounds the number of records buffered ahead of the
	// sink. When full, the oldest queued record is dropped to make
	// room for the newest one.
	QueueSize int
	// Logger receives warnings about dropped records and errors about
	// failed sink writes.
	Logger logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *AdapterConfig) CheckAndSetDefaults() error {
	if c.Sink == nil {
		return trace.BadParameter("Sink must be provided")
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, "AuditSink")
	}
	return nil
}

// Adapter buffers Records and forwards them to a Sink on a background
// goroutine. Append never blocks the caller on sink latency or
// unavailability.
type Adapter struct {
	cfg    AdapterConfig
	queue  chan Record
	stopC  chan struct{}
	doneC  chan struct{}
}

// NewAdapter creates and starts an Adapter from cfg.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	a := &Adapter{
		cfg:   cfg,
		queue: make(chan Record, cfg.QueueSize),
		stopC: make(chan struct{}),
		doneC: make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Append enqueues record for delivery to the sink. It never blocks: if
// the queue is full, the oldest queued record is dropped and a warning
// is logged, matching the documented "never block the pump" policy.
func (a *Adapter) Append(record Record) {
	select {
	case a.queue <- record:
		return
	default:
	}

	select {
	case <-a.queue:
		auditQueueDroppedTotal.Inc()
		a.cfg.Logger.Warn("Audit queue full; dropped oldest record to admit a new one.")
	default:
	}

	select {
	case a.queue <- record:
	default:
		auditQueueDroppedTotal.Inc()
		a.cfg.Logger.Warn("Audit queue full; dropped incoming record.")
	}
}

func (a *Adapter) run() {
	defer close(a.doneC)
	for {
		select {
		case rec := <-a.queue:
			a.deliver(rec)
		case <-a.stopC:
			// Drain whatever is already queued, best effort, then exit.
			for {
				select {
				case rec := <-a.queue:
					a.deliver(rec)
				default:
					return
				}
			}
		}
	}
}

func (a *Adapter) deliver(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.cfg.Sink.Append(ctx, rec); err != nil {
		auditSinkErrorsTotal.Inc()
		a.cfg.Logger.WithError(err).Error("Failed to write audit record to sink.")
	}
}

// Stop flushes any queued records (best effort, bounded by context)
// and stops the background goroutine.
func (a *Adapter) Stop(ctx context.Context) error {
	close(a.stopC)
	select {
	case <-a.doneC:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

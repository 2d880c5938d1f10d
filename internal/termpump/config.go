// Package termpump implements the Terminal I/O Pump: it bridges a
// bidirectional browser transport to a PTY-backed SSH shell channel,
// buffering keystrokes, detecting command submissions on CR/LF
// boundaries, applying command policy before forwarding, and recording
// audit entries for every submission, allowed or blocked.
//
// Grounded on the admin-mit-backend original's TerminalSession
// (app/services/webshell_terminal_service.py): the input-buffer /
// boundary-detection / fail-open-filter-check / blocked-vs-allowed
// audit split, and the 2-second forwarder join deadline on Stop, all
// trace directly to that file. The goroutine-pair lifecycle is
// expressed with golang.org/x/sync/errgroup the way a modern teleport
// package would coordinate two cooperating tasks.
package termpump

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/opsconsole/remoteshell/internal/audit"
	"github.com/opsconsole/remoteshell/internal/policy"
)

// Channel is the PTY-backed shell channel the pump reads from and
// writes to. sshpool.ShellChannel satisfies this interface.
type Channel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows uint32) error
	Close() error
}

// Transport is the browser-facing sink the pump delivers output and
// lifecycle frames to. Decoding/encoding the wire format is an
// external collaborator's job; the pump only deals in raw bytes.
type Transport interface {
	SendOutput(data []byte) error
	SendClosed(reason string) error
}

// ExecFunc runs command to completion out of band (not through the
// interactive channel) and returns its captured output. It backs the
// one-shot ExecuteOnce path; the concrete implementation is supplied
// by the Gateway Facade, typically backed by sshpool.Pool.Exec.
type ExecFunc func(ctx context.Context, command string) (stdout, stderr []byte, exitCode int, err error)

// Config configures a Pump.
type Config struct {
	SessionID string
	TenantID  string
	UserID    string
	HostID    string

	Channel   Channel
	Transport Transport
	Policy    *policy.Evaluator
	Audit     *audit.Adapter
	History   *audit.HistoryCache

	// HistoryCap bounds the in-memory command-history ring.
	HistoryCap int
	// InputQueueSize bounds how many input frames may be buffered
	// ahead of the input forwarder before Input blocks.
	InputQueueSize int
	// JoinTimeout bounds how long Stop waits for both forwarders to
	// exit before abandoning them.
	JoinTimeout time.Duration

	// OnActivity is invoked on every input frame and output chunk, so
	// the owning Session Registry can bump last_activity_at.
	OnActivity func()

	Clock  clockwork.Clock
	Logger logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Channel == nil {
		return trace.BadParameter("Channel must be provided")
	}
	if c.Transport == nil {
		return trace.BadParameter("Transport must be provided")
	}
	if c.Policy == nil {
		return trace.BadParameter("Policy must be provided")
	}
	if c.HistoryCap == 0 {
		c.HistoryCap = 1000
	}
	if c.InputQueueSize == 0 {
		c.InputQueueSize = 32
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, "TermPump")
	}
	return nil
}

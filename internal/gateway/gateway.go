package gateway

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/opsconsole/remoteshell/internal/registry"
	"github.com/opsconsole/remoteshell/internal/sshpool"
	"github.com/opsconsole/remoteshell/internal/termpump"
)

// Facade is the Gateway Facade. It is the only component that handles
// cleartext credentials.
type Facade struct {
	cfg Config
}

// New creates a Facade from cfg.
func New(cfg Config) (*Facade, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Facade{cfg: cfg}, nil
}

// OpenRequest describes a session open, i.e. the handling of a
// client-to-server `open` message.
type OpenRequest struct {
	HostID      string
	TenantID    string
	UserID      string
	TransportID string
	Cols, Rows  uint32
	Transport   termpump.Transport
	IPAddress   string
}

// Handle is what the transport layer drives for the lifetime of one
// session: it carries the registered Session and the Pump bridging it
// to the remote shell.
type Handle struct {
	Session *registry.Session
	pump    *termpump.Pump
	conn    *sshpool.Handle
}

// Input forwards a frame of browser input into the session's pump.
func (h *Handle) Input(ctx context.Context, data []byte) error {
	return h.pump.Input(ctx, data)
}

// Resize forwards a PTY resize.
func (h *Handle) Resize(cols, rows uint32) error {
	h.Session.SetTerminalSize(cols, rows)
	return h.pump.Resize(cols, rows)
}

// Open resolves host, authenticates, wires a pump, and registers a new
// session. Any failure after the session is registered unwinds by
// terminating it before returning.
func (g *Facade) Open(ctx context.Context, req OpenRequest) (*Handle, error) {
	host, err := g.cfg.Hosts.Resolve(ctx, req.HostID, req.TenantID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	auth, err := g.buildAuthMethod(ctx, host)
	if err != nil {
		return nil, trace.AccessDenied("failed to establish credentials for host %q: %v", host.ID, err)
	}

	key := sshpool.Key{Host: host.Hostname, Port: host.Port, User: host.Username}
	poolHandle, err := g.cfg.Pool.Acquire(ctx, key, []ssh.AuthMethod{auth}, host.HostKeyCallback)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	shellCh, err := g.cfg.Pool.OpenChannel(poolHandle, req.Cols, req.Rows)
	if err != nil {
		g.cfg.Pool.Release(poolHandle)
		return nil, trace.Wrap(err)
	}

	sess, err := g.cfg.Registry.Create(registry.CreateRequest{
		UserID:      req.UserID,
		TenantID:    req.TenantID,
		HostID:      host.ID,
		Hostname:    host.Hostname,
		Port:        host.Port,
		Username:    host.Username,
		TransportID: req.TransportID,
		Cols:        req.Cols,
		Rows:        req.Rows,
	})
	if err != nil {
		_ = shellCh.Close()
		g.cfg.Pool.Release(poolHandle)
		return nil, trace.Wrap(err)
	}

	pump, err := termpump.New(termpump.Config{
		SessionID: sess.ID,
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		HostID:    host.ID,
		Channel:   shellCh,
		Transport: req.Transport,
		Policy:    g.cfg.Policy,
		Audit:     g.cfg.Audit,
		History:   g.cfg.History,
		Clock:     g.cfg.Clock,
		OnActivity: func() {
			g.cfg.Registry.TouchActivity(sess.ID)
		},
	})
	if err != nil {
		g.cfg.Registry.TerminateSession(sess.ID, "pump setup failed")
		g.cfg.Pool.Release(poolHandle)
		return nil, trace.Wrap(err)
	}

	sess.SetTerminator(pump)
	pump.Start(context.Background())

	if err := g.cfg.Registry.Activate(sess.ID); err != nil {
		g.cfg.Registry.TerminateSession(sess.ID, "activation failed")
		return nil, trace.Wrap(err)
	}

	return &Handle{Session: sess, pump: pump, conn: poolHandle}, nil
}

// Close terminates the session behind handle and releases its pooled
// transport.
func (g *Facade) Close(handle *Handle, reason string) {
	g.cfg.Registry.TerminateSession(handle.Session.ID, reason)
	g.cfg.Pool.Release(handle.conn)
}

// ExecuteOnce runs a single out-of-band command against handle's
// shell host, applying the same policy and audit path as interactive
// submissions.
func (g *Facade) ExecuteOnce(ctx context.Context, handle *Handle, command string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = g.cfg.ExecTimeout
	}
	_, err := handle.pump.ExecuteOnce(ctx, func(ctx context.Context, command string) ([]byte, []byte, int, error) {
		result, err := g.cfg.Pool.Exec(ctx, handle.conn, command)
		if err != nil {
			return nil, nil, 0, err
		}
		return result.Stdout, result.Stderr, result.ExitCode, nil
	}, command, timeout)
	return trace.Wrap(err)
}

// buildAuthMethod decrypts host's stored credential and turns it into
// an ssh.AuthMethod. The cleartext secret is zeroed as soon as the
// AuthMethod is constructed.
func (g *Facade) buildAuthMethod(ctx context.Context, host *Host) (ssh.AuthMethod, error) {
	secret, err := g.cfg.Secrets.DecryptSecret(ctx, host.EncryptedSecret)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer zero(secret)

	switch host.AuthKind {
	case AuthPassword:
		return ssh.Password(string(secret)), nil
	case AuthKey:
		signer, err := ssh.ParsePrivateKey(secret)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return ssh.PublicKeys(signer), nil
	default:
		return nil, trace.BadParameter("unsupported auth kind %q", host.AuthKind)
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

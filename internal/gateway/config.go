// Package gateway implements the Gateway Facade: it resolves a host
// reference, decrypts its stored credential, borrows a transport from
// the SSH Connection Pool, opens a PTY-backed channel, registers a
// Session, and wires a Terminal I/O Pump over the two — handing the
// caller a single handle the transport layer drives from then on.
//
// Grounded on lib/teleterm/gateway/config.go and gateway.go: the
// Config+CheckAndSetDefaults shape traces to that package, re-expressed
// around an SSH session instead of a local ALPN proxy.
package gateway

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/opsconsole/remoteshell/internal/audit"
	"github.com/opsconsole/remoteshell/internal/policy"
	"github.com/opsconsole/remoteshell/internal/registry"
	"github.com/opsconsole/remoteshell/internal/sshpool"
)

// AuthKind names which credential shape a Host carries.
type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthKey      AuthKind = "key"
)

// Host is the resolved connection tuple for a gateway target, as
// looked up by HostID under a tenant. EncryptedSecret is opaque to the
// gateway until passed through SecretDecrypter.
type Host struct {
	ID              string
	TenantID        string
	Hostname        string
	Port            int
	Username        string
	AuthKind        AuthKind
	EncryptedSecret []byte
	HostKeyCallback ssh.HostKeyCallback
}

// HostResolver looks up a Host by id, scoped to a tenant.
type HostResolver interface {
	Resolve(ctx context.Context, hostID, tenantID string) (*Host, error)
}

// SecretDecrypter turns a host's stored, encrypted credential into its
// cleartext form. The facade is the only caller; it zeroes the returned
// bytes once it has built an ssh.AuthMethod from them.
type SecretDecrypter interface {
	DecryptSecret(ctx context.Context, encrypted []byte) ([]byte, error)
}

// Config configures a Facade.
type Config struct {
	Pool     *sshpool.Pool
	Registry *registry.Registry
	Policy   *policy.Evaluator
	Audit    *audit.Adapter
	History  *audit.HistoryCache

	Hosts   HostResolver
	Secrets SecretDecrypter

	// ExecTimeout bounds one-shot ExecuteOnce calls that don't supply
	// their own timeout.
	ExecTimeout time.Duration

	Clock  clockwork.Clock
	Logger logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Pool == nil {
		return trace.BadParameter("Pool must be provided")
	}
	if c.Registry == nil {
		return trace.BadParameter("Registry must be provided")
	}
	if c.Policy == nil {
		return trace.BadParameter("Policy must be provided")
	}
	if c.Hosts == nil {
		return trace.BadParameter("Hosts resolver must be provided")
	}
	if c.Secrets == nil {
		return trace.BadParameter("Secrets decrypter must be provided")
	}
	if c.ExecTimeout == 0 {
		c.ExecTimeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, "Gateway")
	}
	return nil
}

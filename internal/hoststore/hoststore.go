// Package hoststore resolves host references from a static YAML file,
// the way a teleport static_config resource list is loaded at process
// start. It is the concrete gateway.HostResolver wired by cmd/remoteshelld;
// a production deployment would back this with a real inventory
// service instead.
package hoststore

import (
	"context"
	"encoding/base64"
	"os"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v2"

	"github.com/opsconsole/remoteshell/internal/gateway"
)

// Entry is one host's on-disk configuration.
type Entry struct {
	ID                     string `yaml:"id"`
	TenantID               string `yaml:"tenant_id"`
	Hostname               string `yaml:"hostname"`
	Port                   int    `yaml:"port"`
	Username               string `yaml:"username"`
	AuthKind               string `yaml:"auth_kind"`
	EncryptedSecretBase64  string `yaml:"encrypted_secret_base64"`
	InsecureSkipHostKeyPin bool   `yaml:"insecure_skip_host_key_pin"`
}

// Store is an in-memory, file-backed host inventory.
type Store struct {
	byID map[string]*gateway.Host
}

// LoadFile reads and parses a YAML host inventory from path.
func LoadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, trace.Wrap(err)
	}

	byID := make(map[string]*gateway.Host, len(entries))
	for _, e := range entries {
		secret, err := base64.StdEncoding.DecodeString(e.EncryptedSecretBase64)
		if err != nil {
			return nil, trace.Wrap(err, "host %q has invalid encrypted_secret_base64", e.ID)
		}

		hostKeyCallback := ssh.HostKeyCallback(ssh.InsecureIgnoreHostKey())
		if !e.InsecureSkipHostKeyPin {
			// A real deployment pins known_hosts entries per host; this
			// demo inventory has no mechanism to author them, so it
			// only supports the explicit opt-out above.
			return nil, trace.BadParameter(
				"host %q must set insecure_skip_host_key_pin until host key pinning is configured", e.ID)
		}

		byID[e.ID] = &gateway.Host{
			ID:              e.ID,
			TenantID:        e.TenantID,
			Hostname:        e.Hostname,
			Port:            e.Port,
			Username:        e.Username,
			AuthKind:        gateway.AuthKind(e.AuthKind),
			EncryptedSecret: secret,
			HostKeyCallback: hostKeyCallback,
		}
	}

	return &Store{byID: byID}, nil
}

// Resolve implements gateway.HostResolver.
func (s *Store) Resolve(ctx context.Context, hostID, tenantID string) (*gateway.Host, error) {
	host, ok := s.byID[hostID]
	if !ok {
		return nil, trace.NotFound("host %q not found", hostID)
	}
	if host.TenantID != tenantID {
		return nil, trace.AccessDenied("host %q does not belong to tenant %q", hostID, tenantID)
	}
	return host, nil
}

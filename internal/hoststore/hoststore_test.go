package hoststore

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeInventory(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileResolvesByTenant(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("sealed-secret"))
	body := `
- id: h1
  tenant_id: t1
  hostname: box1.internal
  port: 22
  username: deploy
  auth_kind: password
  encrypted_secret_base64: "` + secret + `"
  insecure_skip_host_key_pin: true
`
	store, err := LoadFile(writeInventory(t, body))
	require.NoError(t, err)

	host, err := store.Resolve(context.Background(), "h1", "t1")
	require.NoError(t, err)
	require.Equal(t, "box1.internal", host.Hostname)
	require.Equal(t, []byte("sealed-secret"), host.EncryptedSecret)
}

func TestLoadFileRejectsMissingHostKeyPinOptOut(t *testing.T) {
	body := `
- id: h1
  tenant_id: t1
  hostname: box1.internal
  port: 22
  username: deploy
  auth_kind: password
  encrypted_secret_base64: "` + base64.StdEncoding.EncodeToString([]byte("x")) + `"
`
	_, err := LoadFile(writeInventory(t, body))
	require.Error(t, err)
}

func TestResolveRejectsWrongTenant(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("s"))
	body := `
- id: h1
  tenant_id: t1
  hostname: box1.internal
  port: 22
  username: deploy
  auth_kind: password
  encrypted_secret_base64: "` + secret + `"
  insecure_skip_host_key_pin: true
`
	store, err := LoadFile(writeInventory(t, body))
	require.NoError(t, err)

	_, err = store.Resolve(context.Background(), "h1", "other-tenant")
	require.Error(t, err)
}

func TestResolveUnknownHost(t *testing.T) {
	store, err := LoadFile(writeInventory(t, "[]\n"))
	require.NoError(t, err)

	_, err = store.Resolve(context.Background(), "missing", "t1")
	require.Error(t, err)
}

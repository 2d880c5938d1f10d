package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeRuleSetFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadRuleSetFileIndexesByScope(t *testing.T) {
	body := `
- scope: global
  tenant_id: t1
  mode: denylist
  deny_patterns: ["rm*"]
  active: true
- scope: host
  tenant_id: t1
  host_id: h1
  mode: allowlist
  allow_patterns: ["ls", "cat"]
  active: true
`
	fr, err := LoadRuleSetFile(writeRuleSetFile(t, body))
	require.NoError(t, err)

	host, global, err := fr.Resolve(context.Background(), "h1", "t1")
	require.NoError(t, err)
	require.NotNil(t, host)
	require.Equal(t, Allowlist, host.Mode)
	require.NotNil(t, global)
	require.Equal(t, Denylist, global.Mode)
}

func TestLoadRuleSetFileUnknownScope(t *testing.T) {
	body := `
- scope: bogus
  tenant_id: t1
  mode: denylist
`
	_, err := LoadRuleSetFile(writeRuleSetFile(t, body))
	require.Error(t, err)
}

func TestFileResolverMissingEntriesReturnNilNotError(t *testing.T) {
	fr, err := LoadRuleSetFile(writeRuleSetFile(t, "[]\n"))
	require.NoError(t, err)

	host, global, err := fr.Resolve(context.Background(), "h1", "t1")
	require.NoError(t, err)
	require.Nil(t, host)
	require.Nil(t, global)
}

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
thresholds:
  system:
    system.cpu.usage: {warning: 70, critical: 90}
notifications:
  routing:
    critical: [slack]
  channels:
    slack: {type: slack, enabled: true}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alertd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	out, err := execute(t, "validate", writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Contains(t, out, "thresholds:          1")
	assert.Contains(t, out, "OK")
}

func TestValidateReportsRefusedEntries(t *testing.T) {
	bad := validConfig + `
escalation:
  policies:
    critical:
      steps:
        - {delay: 0s, channels: [missing]}
`
	_, err := execute(t, "validate", writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestValidateMissingFile(t *testing.T) {
	_, err := execute(t, "validate", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSettingsFromEnvironment(t *testing.T) {
	t.Setenv("ALERTD_STORE", "redis")
	t.Setenv("ALERTD_REDIS_PASSWORD", "secret")
	t.Setenv("ALERTD_SHUTDOWN_GRACE", "2s")

	v := newViper()
	cmd := newRunCmd(v)
	require.NoError(t, cmd.Flags().Parse([]string{"--listen", ":9999"}))

	s := loadSettings(v)
	assert.Equal(t, "redis", s.Store)
	assert.Equal(t, "secret", s.RedisPassword)
	assert.Equal(t, 2*time.Second, s.ShutdownGrace)
	assert.Equal(t, ":9999", s.Listen)
	assert.Equal(t, "alertd:", s.RedisPrefix)
	assert.True(t, s.Watch)
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	_, _, err := openStore(context.Background(), settings{Store: "etcd"})
	assert.ErrorContains(t, err, "unknown store")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "alertd dev")
}

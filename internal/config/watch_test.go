package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replace writes data next to path and renames it over path, the way
// editors and config management tools save files
func replace(t *testing.T, path, data string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(data), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func startWatch(t *testing.T) (string, <-chan *Config) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alertd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("intervals:\n  alerts: 30s\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reloaded := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, EnvProduction, zerolog.Nop(), func(cfg *Config) {
		reloaded <- cfg
	}))
	return path, reloaded
}

func TestWatchReloadsReplacedFile(t *testing.T) {
	path, reloaded := startWatch(t)

	replace(t, path, "intervals:\n  alerts: 45s\nthresholds:\n  system:\n    system.cpu.usage: {warning: 70, critical: 90}\n")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 45*time.Second, cfg.Intervals.Alerts)
		assert.Len(t, cfg.Specs, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the file was replaced")
	}
}

func TestWatchKeepsConfigOnParseError(t *testing.T) {
	path, reloaded := startWatch(t)

	replace(t, path, "thresholds: [unclosed\n")
	select {
	case <-reloaded:
		t.Fatal("reload delivered for an unparsable file")
	case <-time.After(2 * reloadDebounce):
	}

	// a later good write still goes through
	require.NoError(t, os.WriteFile(path, []byte("intervals:\n  alerts: 50s\n"), 0o644))
	select {
	case cfg := <-reloaded:
		assert.Equal(t, 50*time.Second, cfg.Intervals.Alerts)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the file was fixed")
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "gone", "alertd.yaml"), EnvProduction, zerolog.Nop(), func(*Config) {})
	assert.Error(t, err)
}

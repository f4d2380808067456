package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratelimiter/go/internal/config"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TestLoadCoordinator_Defaults checks an unconfigured coordinator gets the
// worked example from spec.md §8, not zero values.
func TestLoadCoordinator_Defaults(t *testing.T) {
	cfg, err := config.LoadCoordinator("")
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.GlobalPermitCount)
	assert.Equal(t, 20, cfg.TargetPermitsPerClient)
	assert.Equal(t, 200, cfg.QueueLimit)
}

// TestLoadCoordinator_FromYAML checks YAML fields override the defaults.
func TestLoadCoordinator_FromYAML(t *testing.T) {
	path := writeTempConfig(t, `
listen_addr: ":9999"
global_permit_count: 50
target_permits_per_client: 10
queue_limit: 100
idle_client_timeout: 30s
client_lease_refresh_interval: 10s
`)

	cfg, err := config.LoadCoordinator(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 50, cfg.GlobalPermitCount)
	assert.Equal(t, 10, cfg.TargetPermitsPerClient)
}

// TestLoadCoordinator_RejectsInvalidConfig checks a YAML file that
// violates the data model's constraints is rejected at load time, not
// silently accepted and caught later inside the coordinator.
func TestLoadCoordinator_RejectsInvalidConfig(t *testing.T) {
	path := writeTempConfig(t, `
listen_addr: ":9999"
global_permit_count: 10
target_permits_per_client: 20
queue_limit: 100
idle_client_timeout: 30s
client_lease_refresh_interval: 10s
`)

	_, err := config.LoadCoordinator(path)
	assert.Error(t, err)
}

// TestLoadCoordinator_MissingFile checks a missing path surfaces a
// wrapped, readable error rather than a bare os.PathError.
func TestLoadCoordinator_MissingFile(t *testing.T) {
	_, err := config.LoadCoordinator(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read")
}

// TestLoadClient_Defaults checks the client daemon's config loads with
// usable defaults when no file is given.
func TestLoadClient_Defaults(t *testing.T) {
	cfg, err := config.LoadClient("")
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.CoordinatorAddr)
	assert.Equal(t, 100, cfg.GlobalPermitCount)
}

// TestLoadClient_RejectsEmptyCoordinatorAddr checks a client config that
// blanks out coordinator_addr is rejected.
func TestLoadClient_RejectsEmptyCoordinatorAddr(t *testing.T) {
	path := writeTempConfig(t, `
coordinator_addr: ""
global_permit_count: 100
target_permits_per_client: 20
queue_limit: 200
idle_client_timeout: 60s
client_lease_refresh_interval: 30s
`)
	_, err := config.LoadClient(path)
	assert.Error(t, err)
}

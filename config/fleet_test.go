package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

const validYAML = `
registry_db_path: /data/registry.db
marketplace_enabled: true
currency_item_id: 42
sync_wait_seconds: 3
servers:
  - name: main
    ip: 127.0.0.1
    rcon_port: 27015
    rcon_password_env: MAIN_RCON_PASSWORD
    game_db_path: /data/main/game.db
    log_path: /data/main/server.log
`

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Servers, 1)
	assert.Equal(t, "main", cfg.Servers[0].Name)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsNoServers(t *testing.T) {
	cfg := &FleetConfig{RegistryDBPath: "/data/r.db"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMarketplaceWithoutCurrency(t *testing.T) {
	cfg := &FleetConfig{
		RegistryDBPath:     "/data/r.db",
		MarketplaceEnabled: true,
		Servers: []ServerConfig{
			{Name: "main", IP: "127.0.0.1", RconPort: 27015, RconPasswordEnv: "X", GameDBPath: "a", LogPath: "b"},
		},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicateServerNames(t *testing.T) {
	server := ServerConfig{Name: "main", IP: "127.0.0.1", RconPort: 27015, RconPasswordEnv: "X", GameDBPath: "a", LogPath: "b"}
	cfg := &FleetConfig{RegistryDBPath: "/data/r.db", Servers: []ServerConfig{server, server}}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadRconPort(t *testing.T) {
	cfg := &FleetConfig{
		RegistryDBPath: "/data/r.db",
		Servers: []ServerConfig{
			{Name: "main", IP: "127.0.0.1", RconPort: 99999, RconPasswordEnv: "X", GameDBPath: "a", LogPath: "b"},
		},
	}
	assert.Error(t, cfg.Validate())
}

func TestLoadParsesWarpLocationsAndCooldown(t *testing.T) {
	path := writeConfig(t, validYAML+`
    warp_cooldown_minutes: 10
    warps:
      - name: spawn
        x: 0
        y: 0
        z: 0
      - name: arena
        x: 100
        y: 50
        z: 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers[0].Warps, 2)
	assert.Equal(t, "arena", cfg.Servers[0].Warps[1].Name)
	assert.Equal(t, 10, cfg.Servers[0].WarpCooldownMinutes)
}

func TestLoadParsesStatusSnapshotPath(t *testing.T) {
	path := writeConfig(t, validYAML+"status_snapshot_path: /var/www/status.json\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/www/status.json", cfg.StatusSnapshotPath)
}

func TestFeatureEnabledFallsBackWithoutToggles(t *testing.T) {
	cfg := &FleetConfig{}
	assert.True(t, cfg.FeatureEnabled("marketplace", true))
	assert.False(t, cfg.FeatureEnabled("marketplace", false))
}

func TestFeatureEnabledConsultsToggleMap(t *testing.T) {
	path := writeConfig(t, validYAML+`
feature_toggles:
  services:
    marketplace:
      enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.FeatureEnabled("marketplace", true))
}

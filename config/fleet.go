// Package config loads and validates the fleet's static YAML
// configuration: process-wide marketplace/registration settings and the
// per-server list of RCON/log/game-DB endpoints. Configuration is loaded
// once at startup; a validation failure is fatal.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	svcconfig "github.com/fenwick-ops/gamefleet/infrastructure/config"
)

// RewardTier maps an entitlement level to a playtime-reward interval.
type RewardTier struct {
	Level           int `yaml:"level"`
	IntervalMinutes int `yaml:"interval_minutes"`
}

// WarpLocation is a named teleport destination.
type WarpLocation struct {
	Name string  `yaml:"name"`
	X    float64 `yaml:"x"`
	Y    float64 `yaml:"y"`
	Z    float64 `yaml:"z"`
}

// BuildingWatcherConfig configures the per-server building-piece auditor.
type BuildingWatcherConfig struct {
	SQLPath    string `yaml:"sql_path"`
	BuildLimit int    `yaml:"build_limit"`
}

// InactivityConfig configures the per-server inactivity report.
type InactivityConfig struct {
	SQLPath      string `yaml:"sql_path"`
	DayThreshold int    `yaml:"day_threshold"`
}

// AnnouncementsConfig configures the per-server announcement schedule.
type AnnouncementsConfig struct {
	CronSchedule string   `yaml:"cron_schedule"`
	Messages     []string `yaml:"messages"`
}

// ServerConfig is one game server's full set of endpoints and feature
// sub-configs.
type ServerConfig struct {
	Name                string                `yaml:"name"`
	Alias               string                `yaml:"alias"`
	IP                  string                `yaml:"ip"`
	RconPort            int                   `yaml:"rcon_port"`
	RconPasswordEnv     string                `yaml:"rcon_password_env"`
	ChatChannelID       int64                 `yaml:"chat_channel_id"`
	GameDBPath          string                `yaml:"game_db_path"`
	LogPath             string                `yaml:"log_path"`
	Rewards             []RewardTier          `yaml:"rewards"`
	Warps               []WarpLocation        `yaml:"warps"`
	WarpCooldownMinutes int                   `yaml:"warp_cooldown_minutes"`
	Announcements       AnnouncementsConfig   `yaml:"announcements"`
	BuildingWatcher     BuildingWatcherConfig `yaml:"building_watcher"`
	Inactivity          InactivityConfig      `yaml:"inactivity"`
	KillfeedEnabled     bool                  `yaml:"killfeed_enabled"`
}

// GuildSyncConfig configures the guild-to-chat-role reconciler.
type GuildSyncConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// FleetConfig is the root configuration document.
type FleetConfig struct {
	Language          string          `yaml:"language"`
	ChatTokenEnv      string          `yaml:"chat_token_env"`
	RegisteredRoleID  int64           `yaml:"registered_role_id"`
	GuildSync         GuildSyncConfig `yaml:"guild_sync"`

	MarketplaceEnabled bool   `yaml:"marketplace_enabled"`
	CurrencyItemID     int64  `yaml:"currency_item_id"`
	CurrencyName       string `yaml:"currency_name"`
	SyncWaitSeconds    int    `yaml:"sync_wait_seconds"`

	RankingDBPath    string `yaml:"ranking_db_path"`
	SpawnsDBPath     string `yaml:"spawns_db_path"`
	RankingStateFile string `yaml:"ranking_state_file"`
	RegistryDBPath   string `yaml:"registry_db_path"`

	// StatusSnapshotPath is where the status loop writes its cluster-wide
	// JSON export every tick, for an external consumer (e.g. a status
	// website) that shouldn't touch RCON or the game DB directly. Empty
	// disables the export.
	StatusSnapshotPath string `yaml:"status_snapshot_path,omitempty"`

	// LegacyPlaytimeDBPaths lists pre-registry per-server playtime
	// databases to fold into the registry at boot via
	// registry.Store.MigrateLegacyColumns. Empty on a fresh deployment.
	LegacyPlaytimeDBPaths []string `yaml:"legacy_playtime_db_paths,omitempty"`

	Servers []ServerConfig `yaml:"servers"`

	// FeatureToggles is a fine-grained enable/disable switchboard layered
	// on top of the explicit per-feature fields above (marketplace,
	// guild_sync, and each server's cosmetic sub-configs): an operator can
	// flip one off at deploy time without editing the rest of the block it
	// lives under. A feature absent from this map falls back to its
	// explicit field.
	FeatureToggles *svcconfig.ServicesConfig `yaml:"feature_toggles,omitempty"`
}

// FeatureEnabled reports whether named is enabled, consulting
// FeatureToggles first and falling back to explicit when the toggle map is
// absent or doesn't mention the feature.
func (c *FleetConfig) FeatureEnabled(name string, explicit bool) bool {
	if c.FeatureToggles == nil {
		return explicit
	}
	if c.FeatureToggles.GetSettings(name) == nil {
		return explicit
	}
	return c.FeatureToggles.IsEnabled(name)
}

// Load reads and parses a FleetConfig from path, then validates it. A
// validation failure is the caller's cue to exit with a non-zero status,
// per the process's documented exit-code contract.
func Load(path string) (*FleetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet config: %w", err)
	}

	var cfg FleetConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse fleet config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fleet config: %w", err)
	}

	return &cfg, nil
}

// Validate checks every field a misconfigured deployment could get wrong
// in a way that would otherwise surface as a confusing runtime failure.
func (c *FleetConfig) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server must be configured")
	}
	if c.MarketplaceEnabled {
		if c.CurrencyItemID <= 0 {
			return fmt.Errorf("marketplace enabled but currency_item_id must be positive")
		}
		if c.SyncWaitSeconds <= 0 {
			return fmt.Errorf("marketplace enabled but sync_wait_seconds must be positive")
		}
	}
	if c.RegistryDBPath == "" {
		return fmt.Errorf("registry_db_path is required")
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("server[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("server[%d]: duplicate server name %q", i, s.Name)
		}
		seen[s.Name] = true

		if s.IP == "" {
			return fmt.Errorf("server %q: ip is required", s.Name)
		}
		if s.RconPort <= 0 || s.RconPort > 65535 {
			return fmt.Errorf("server %q: rcon_port out of range", s.Name)
		}
		if s.RconPasswordEnv == "" {
			return fmt.Errorf("server %q: rcon_password_env is required", s.Name)
		}
		if s.GameDBPath == "" {
			return fmt.Errorf("server %q: game_db_path is required", s.Name)
		}
		if s.LogPath == "" {
			return fmt.Errorf("server %q: log_path is required", s.Name)
		}
	}

	return nil
}

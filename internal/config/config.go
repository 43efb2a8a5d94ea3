package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/health"
	"github.com/MarcoPoloResearchLab/contentnode/internal/reconfig"
	"github.com/MarcoPoloResearchLab/contentnode/internal/registry"
	"github.com/spf13/viper"
	"golang.org/x/mod/semver"
)

const (
	envPrefix           = "CONTENTNODE"
	defaultHTTPAddress  = "0.0.0.0:4000"
	defaultDatabasePath = "content-node.db"
	defaultStorageRoot  = "storage"
	defaultLogLevel     = "info"
	defaultLogFormat    = "json"
	defaultVersion      = "0.1.0"
	defaultPeerIssuer   = "content-network"
)

// AppConfig captures runtime configuration for a content node.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	StorageRoot  string
	LogLevel     string
	LogFormat    string

	Node      NodeConfig
	Registry  RegistryConfig
	Health    HealthConfig
	Selection SelectionConfig
	Monitor   MonitorConfig
	Sync      SyncConfig
	Reconfig  ReconfigConfig
	Peer      PeerConfig
}

// NodeConfig identifies this node on the network.
type NodeConfig struct {
	SelfEndpoint string
	ServiceType  string
	Version      string
}

// RegistryConfig lists the registered content nodes.
type RegistryConfig struct {
	Providers      []registry.ServiceProvider
	CurrentVersion string
	CacheTTL       time.Duration
}

// HealthConfig configures peer health classification.
type HealthConfig struct {
	Thresholds       health.Thresholds
	PrimaryGrace     time.Duration
	SecondaryGrace   time.Duration
	ProbeConcurrency int
}

// SelectionConfig configures replica-set selection.
type SelectionConfig struct {
	AllowList                         []string
	DenyList                          []string
	HealthCheckTimeout                time.Duration
	EquivalencyDelta                  time.Duration
	PreferHigherVersionForPrimary     bool
	PreferHigherVersionForSecondaries bool
	Concurrency                       int
}

// MonitorConfig configures the periodic state monitor.
type MonitorConfig struct {
	Enabled                        bool
	Interval                       time.Duration
	UsersPerJob                    int
	DailyFailureThreshold          int64
	MinimumSecondarySuccessPercent float64
	MinimumSecondarySyncSamples    int64
	ClockConcurrency               int
	HistoryPruneInterval           time.Duration
}

// SyncConfig configures issued syncs and inbound pulls.
type SyncConfig struct {
	ManualConcurrency       int
	RecurringConcurrency    int
	IssueTimeout            time.Duration
	ManualMonitorCeiling    time.Duration
	RecurringMonitorCeiling time.Duration
	PollInterval            time.Duration
	PullConcurrency         int
	ContentConcurrency      int
	PullTimeout             time.Duration
	MaxExportClockRange     int64
	MaxClockStatusWallets   int
}

// ReconfigConfig configures the reconfiguration engine.
type ReconfigConfig struct {
	Mode        reconfig.Type
	Concurrency int
	DenyList    []string
}

// PeerConfig configures authenticated peer traffic.
type PeerConfig struct {
	SigningSecret        string
	Issuer               string
	TokenTTL             time.Duration
	RequestsPerSecond    float64
	Burst                int
	HealthTimeout        time.Duration
	ClockStatusTimeout   time.Duration
	ExportTimeout        time.Duration
	SyncTimeout          time.Duration
	ContentTimeout       time.Duration
	ClockStatusBatchSize int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("storage.root", defaultStorageRoot)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)

	configViper.SetDefault("node.service_type", registry.ServiceTypeContentNode)
	configViper.SetDefault("node.version", defaultVersion)

	configViper.SetDefault("registry.cache_ttl", 5*time.Minute)

	thresholds := health.DefaultThresholds()
	configViper.SetDefault("health.max_storage_used_percent", thresholds.MaxStorageUsedPercent)
	configViper.SetDefault("health.minimum_memory_available", thresholds.MinimumMemoryAvailable)
	configViper.SetDefault("health.max_file_descriptors_allocated_percentage", thresholds.MaxFileDescriptorsAllocatedPercentage)
	configViper.SetDefault("health.minimum_daily_sync_count", thresholds.MinimumDailySyncCount)
	configViper.SetDefault("health.minimum_rolling_sync_count", thresholds.MinimumRollingSyncCount)
	configViper.SetDefault("health.minimum_successful_sync_count_percentage", thresholds.MinimumSuccessfulSyncCountPercentage)
	configViper.SetDefault("health.primary_grace", 5*time.Minute)
	configViper.SetDefault("health.secondary_grace", 2*time.Minute)
	configViper.SetDefault("health.probe_concurrency", 16)

	configViper.SetDefault("selection.health_check_timeout", 2*time.Second)
	configViper.SetDefault("selection.equivalency_delta", 200*time.Millisecond)
	configViper.SetDefault("selection.prefer_higher_version_for_primary", true)
	configViper.SetDefault("selection.prefer_higher_version_for_secondaries", false)
	configViper.SetDefault("selection.concurrency", 16)

	configViper.SetDefault("monitor.enabled", true)
	configViper.SetDefault("monitor.interval", time.Minute)
	configViper.SetDefault("monitor.users_per_job", 100)
	configViper.SetDefault("monitor.daily_failure_threshold", 20)
	configViper.SetDefault("monitor.minimum_secondary_success_percent", 50.0)
	configViper.SetDefault("monitor.minimum_secondary_sync_samples", 10)
	configViper.SetDefault("monitor.clock_concurrency", 8)
	configViper.SetDefault("monitor.history_prune_interval", time.Hour)

	configViper.SetDefault("sync.manual_concurrency", 4)
	configViper.SetDefault("sync.recurring_concurrency", 4)
	configViper.SetDefault("sync.issue_timeout", 5*time.Second)
	configViper.SetDefault("sync.manual_monitor_ceiling", 45*time.Second)
	configViper.SetDefault("sync.recurring_monitor_ceiling", 5*time.Minute)
	configViper.SetDefault("sync.poll_interval", time.Second)
	configViper.SetDefault("sync.pull_concurrency", 4)
	configViper.SetDefault("sync.content_concurrency", 4)
	configViper.SetDefault("sync.pull_timeout", 10*time.Minute)
	configViper.SetDefault("sync.max_export_clock_range", 10000)
	configViper.SetDefault("sync.max_clock_status_wallets", 500)

	configViper.SetDefault("reconfig.mode", "disabled")
	configViper.SetDefault("reconfig.concurrency", 2)

	configViper.SetDefault("peer.issuer", defaultPeerIssuer)
	configViper.SetDefault("peer.token_ttl", 2*time.Minute)
	configViper.SetDefault("peer.requests_per_second", 20.0)
	configViper.SetDefault("peer.burst", 40)
	configViper.SetDefault("peer.health_timeout", 2*time.Second)
	configViper.SetDefault("peer.clock_status_timeout", 5*time.Second)
	configViper.SetDefault("peer.export_timeout", 30*time.Second)
	configViper.SetDefault("peer.sync_timeout", 5*time.Second)
	configViper.SetDefault("peer.content_timeout", time.Minute)
	configViper.SetDefault("peer.clock_status_batch_size", 500)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	reconfigMode, err := reconfig.ParseMode(configViper.GetString("reconfig.mode"))
	if err != nil {
		return AppConfig{}, err
	}

	var providers []registry.ServiceProvider
	if err := configViper.UnmarshalKey("registry.providers", &providers); err != nil {
		return AppConfig{}, fmt.Errorf("registry.providers: %w", err)
	}

	nodeVersion := configViper.GetString("node.version")
	currentVersion := configViper.GetString("registry.current_version")
	if strings.TrimSpace(currentVersion) == "" {
		currentVersion = nodeVersion
	}

	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		StorageRoot:  configViper.GetString("storage.root"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
		Node: NodeConfig{
			SelfEndpoint: configViper.GetString("node.self_endpoint"),
			ServiceType:  configViper.GetString("node.service_type"),
			Version:      nodeVersion,
		},
		Registry: RegistryConfig{
			Providers:      providers,
			CurrentVersion: currentVersion,
			CacheTTL:       configViper.GetDuration("registry.cache_ttl"),
		},
		Health: HealthConfig{
			Thresholds: health.Thresholds{
				MaxStorageUsedPercent:                 configViper.GetFloat64("health.max_storage_used_percent"),
				MinimumMemoryAvailable:                configViper.GetInt64("health.minimum_memory_available"),
				MaxFileDescriptorsAllocatedPercentage: configViper.GetFloat64("health.max_file_descriptors_allocated_percentage"),
				MinimumDailySyncCount:                 configViper.GetInt64("health.minimum_daily_sync_count"),
				MinimumRollingSyncCount:               configViper.GetInt64("health.minimum_rolling_sync_count"),
				MinimumSuccessfulSyncCountPercentage:  configViper.GetFloat64("health.minimum_successful_sync_count_percentage"),
			},
			PrimaryGrace:     configViper.GetDuration("health.primary_grace"),
			SecondaryGrace:   configViper.GetDuration("health.secondary_grace"),
			ProbeConcurrency: configViper.GetInt("health.probe_concurrency"),
		},
		Selection: SelectionConfig{
			AllowList:                         configViper.GetStringSlice("selection.allow_list"),
			DenyList:                          configViper.GetStringSlice("selection.deny_list"),
			HealthCheckTimeout:                configViper.GetDuration("selection.health_check_timeout"),
			EquivalencyDelta:                  configViper.GetDuration("selection.equivalency_delta"),
			PreferHigherVersionForPrimary:     configViper.GetBool("selection.prefer_higher_version_for_primary"),
			PreferHigherVersionForSecondaries: configViper.GetBool("selection.prefer_higher_version_for_secondaries"),
			Concurrency:                       configViper.GetInt("selection.concurrency"),
		},
		Monitor: MonitorConfig{
			Enabled:                        configViper.GetBool("monitor.enabled"),
			Interval:                       configViper.GetDuration("monitor.interval"),
			UsersPerJob:                    configViper.GetInt("monitor.users_per_job"),
			DailyFailureThreshold:          configViper.GetInt64("monitor.daily_failure_threshold"),
			MinimumSecondarySuccessPercent: configViper.GetFloat64("monitor.minimum_secondary_success_percent"),
			MinimumSecondarySyncSamples:    configViper.GetInt64("monitor.minimum_secondary_sync_samples"),
			ClockConcurrency:               configViper.GetInt("monitor.clock_concurrency"),
			HistoryPruneInterval:           configViper.GetDuration("monitor.history_prune_interval"),
		},
		Sync: SyncConfig{
			ManualConcurrency:       configViper.GetInt("sync.manual_concurrency"),
			RecurringConcurrency:    configViper.GetInt("sync.recurring_concurrency"),
			IssueTimeout:            configViper.GetDuration("sync.issue_timeout"),
			ManualMonitorCeiling:    configViper.GetDuration("sync.manual_monitor_ceiling"),
			RecurringMonitorCeiling: configViper.GetDuration("sync.recurring_monitor_ceiling"),
			PollInterval:            configViper.GetDuration("sync.poll_interval"),
			PullConcurrency:         configViper.GetInt("sync.pull_concurrency"),
			ContentConcurrency:      configViper.GetInt("sync.content_concurrency"),
			PullTimeout:             configViper.GetDuration("sync.pull_timeout"),
			MaxExportClockRange:     configViper.GetInt64("sync.max_export_clock_range"),
			MaxClockStatusWallets:   configViper.GetInt("sync.max_clock_status_wallets"),
		},
		Reconfig: ReconfigConfig{
			Mode:        reconfigMode,
			Concurrency: configViper.GetInt("reconfig.concurrency"),
			DenyList:    configViper.GetStringSlice("reconfig.deny_list"),
		},
		Peer: PeerConfig{
			SigningSecret:        configViper.GetString("peer.signing_secret"),
			Issuer:               configViper.GetString("peer.issuer"),
			TokenTTL:             configViper.GetDuration("peer.token_ttl"),
			RequestsPerSecond:    configViper.GetFloat64("peer.requests_per_second"),
			Burst:                configViper.GetInt("peer.burst"),
			HealthTimeout:        configViper.GetDuration("peer.health_timeout"),
			ClockStatusTimeout:   configViper.GetDuration("peer.clock_status_timeout"),
			ExportTimeout:        configViper.GetDuration("peer.export_timeout"),
			SyncTimeout:          configViper.GetDuration("peer.sync_timeout"),
			ContentTimeout:       configViper.GetDuration("peer.content_timeout"),
			ClockStatusBatchSize: configViper.GetInt("peer.clock_status_batch_size"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Node.SelfEndpoint) == "" {
		return fmt.Errorf("node.self_endpoint is required")
	}
	if strings.TrimSpace(c.Peer.SigningSecret) == "" {
		return fmt.Errorf("peer.signing_secret is required")
	}
	if strings.TrimSpace(c.Peer.Issuer) == "" {
		return fmt.Errorf("peer.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.StorageRoot) == "" {
		return fmt.Errorf("storage.root is required")
	}
	if !semver.IsValid(canonicalVersion(c.Node.Version)) {
		return fmt.Errorf("node.version %q is not a semantic version", c.Node.Version)
	}
	if !semver.IsValid(canonicalVersion(c.Registry.CurrentVersion)) {
		return fmt.Errorf("registry.current_version %q is not a semantic version", c.Registry.CurrentVersion)
	}

	thresholds := c.Health.Thresholds
	if err := requirePercent("health.max_storage_used_percent", thresholds.MaxStorageUsedPercent); err != nil {
		return err
	}
	if err := requirePercent("health.max_file_descriptors_allocated_percentage", thresholds.MaxFileDescriptorsAllocatedPercentage); err != nil {
		return err
	}
	if err := requirePercent("health.minimum_successful_sync_count_percentage", thresholds.MinimumSuccessfulSyncCountPercentage); err != nil {
		return err
	}
	if thresholds.MinimumMemoryAvailable < 0 || thresholds.MinimumDailySyncCount < 0 || thresholds.MinimumRollingSyncCount < 0 {
		return fmt.Errorf("health thresholds must not be negative")
	}
	if c.Health.PrimaryGrace < 0 || c.Health.SecondaryGrace < 0 {
		return fmt.Errorf("health grace windows must not be negative")
	}
	if c.Monitor.Enabled && c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}

	// A zero concurrency pauses the matching queue.
	if c.Sync.ManualConcurrency < 0 || c.Sync.RecurringConcurrency < 0 || c.Sync.PullConcurrency < 0 || c.Reconfig.Concurrency < 0 {
		return fmt.Errorf("queue concurrency must not be negative")
	}
	if c.Sync.MaxClockStatusWallets <= 0 {
		return fmt.Errorf("sync.max_clock_status_wallets must be positive")
	}
	if c.Sync.MaxExportClockRange <= 0 {
		return fmt.Errorf("sync.max_export_clock_range must be positive")
	}
	return nil
}

func requirePercent(key string, value float64) error {
	if value <= 0 || value > 100 {
		return fmt.Errorf("%s must be within (0, 100]", key)
	}
	return nil
}

func canonicalVersion(version string) string {
	trimmed := strings.TrimSpace(version)
	if trimmed == "" || strings.HasPrefix(trimmed, "v") {
		return trimmed
	}
	return "v" + trimmed
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"booth-agent/agent/internal/device"
)

const DefaultFile = "config/agent.yaml"

type LogConfig struct {
	Path       string
	Level      string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type StoreConfig struct {
	Driver        string
	Path          string
	DSN           string
	MaxPendingAge time.Duration
	Retention     time.Duration
}

type ReconnectConfig struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

type CloudConfig struct {
	URL                string
	SharedSecret       string
	ConnectTimeout     time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int
	Reconnect          ReconnectConfig
}

type DispatchConfig struct {
	MaxAttempts         int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	DefaultTimeout      time.Duration
	SweepInterval       time.Duration
	DeliveryInterval    time.Duration
	ExecuteWhileOffline bool
}

type AppConfig struct {
	File string

	TenantID  string
	AgentID   string
	Inventory string

	Log            LogConfig
	Store          StoreConfig
	Cloud          CloudConfig
	HealthInterval time.Duration
	Dispatch       DispatchConfig
	Devices        []device.Config

	ConsolePINHash string
}

var ErrInvalid = errors.New("invalid configuration")

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BOOTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("agent.tenant_id", "")
	v.SetDefault("agent.agent_id", "")
	v.SetDefault("agent.inventory", "")

	v.SetDefault("agent.log.path", "")
	v.SetDefault("agent.log.level", "info")
	v.SetDefault("agent.log.max_size_mb", 50)
	v.SetDefault("agent.log.max_backups", 5)
	v.SetDefault("agent.log.max_age_days", 28)
	v.SetDefault("agent.log.compress", true)

	v.SetDefault("agent.store.driver", "sqlite")
	v.SetDefault("agent.store.path", filepath.Join(os.TempDir(), "booth-agent", "agent.db"))
	v.SetDefault("agent.store.dsn", "")
	v.SetDefault("agent.store.max_pending_age", 24*time.Hour)
	v.SetDefault("agent.store.retention", 7*24*time.Hour)

	v.SetDefault("agent.cloud.url", "")
	v.SetDefault("agent.cloud.shared_secret", "")
	v.SetDefault("agent.cloud.connect_timeout", 10*time.Second)
	v.SetDefault("agent.cloud.heartbeat_interval", 30*time.Second)
	v.SetDefault("agent.cloud.heartbeat_miss_limit", 3)
	v.SetDefault("agent.cloud.reconnect.base_delay", time.Second)
	v.SetDefault("agent.cloud.reconnect.max_delay", 30*time.Second)
	v.SetDefault("agent.cloud.reconnect.multiplier", 1.5)

	v.SetDefault("agent.health.interval", time.Minute)

	v.SetDefault("agent.dispatch.max_attempts", 3)
	v.SetDefault("agent.dispatch.backoff_base", time.Second)
	v.SetDefault("agent.dispatch.backoff_max", 10*time.Second)
	v.SetDefault("agent.dispatch.default_timeout", time.Minute)
	v.SetDefault("agent.dispatch.sweep_interval", 10*time.Second)
	v.SetDefault("agent.dispatch.delivery_interval", 15*time.Second)
	v.SetDefault("agent.dispatch.execute_while_offline", false)

	v.SetDefault("console.pin_hash", "")
	return v
}

// Load reads path (a missing file is not an error), applies env overrides
// and defaults, and validates the result.
func Load(path string) (AppConfig, error) {
	if path == "" {
		path = DefaultFile
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return AppConfig{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg := AppConfig{
		File:      path,
		TenantID:  v.GetString("agent.tenant_id"),
		AgentID:   v.GetString("agent.agent_id"),
		Inventory: v.GetString("agent.inventory"),
		Log: LogConfig{
			Path:       v.GetString("agent.log.path"),
			Level:      v.GetString("agent.log.level"),
			MaxSizeMB:  v.GetInt("agent.log.max_size_mb"),
			MaxBackups: v.GetInt("agent.log.max_backups"),
			MaxAgeDays: v.GetInt("agent.log.max_age_days"),
			Compress:   v.GetBool("agent.log.compress"),
		},
		Store: StoreConfig{
			Driver:        v.GetString("agent.store.driver"),
			Path:          v.GetString("agent.store.path"),
			DSN:           v.GetString("agent.store.dsn"),
			MaxPendingAge: v.GetDuration("agent.store.max_pending_age"),
			Retention:     v.GetDuration("agent.store.retention"),
		},
		Cloud: CloudConfig{
			URL:                v.GetString("agent.cloud.url"),
			SharedSecret:       v.GetString("agent.cloud.shared_secret"),
			ConnectTimeout:     v.GetDuration("agent.cloud.connect_timeout"),
			HeartbeatInterval:  v.GetDuration("agent.cloud.heartbeat_interval"),
			HeartbeatMissLimit: v.GetInt("agent.cloud.heartbeat_miss_limit"),
			Reconnect: ReconnectConfig{
				BaseDelay:  v.GetDuration("agent.cloud.reconnect.base_delay"),
				MaxDelay:   v.GetDuration("agent.cloud.reconnect.max_delay"),
				Multiplier: v.GetFloat64("agent.cloud.reconnect.multiplier"),
			},
		},
		HealthInterval: v.GetDuration("agent.health.interval"),
		Dispatch: DispatchConfig{
			MaxAttempts:         v.GetInt("agent.dispatch.max_attempts"),
			BackoffBase:         v.GetDuration("agent.dispatch.backoff_base"),
			BackoffMax:          v.GetDuration("agent.dispatch.backoff_max"),
			DefaultTimeout:      v.GetDuration("agent.dispatch.default_timeout"),
			SweepInterval:       v.GetDuration("agent.dispatch.sweep_interval"),
			DeliveryInterval:    v.GetDuration("agent.dispatch.delivery_interval"),
			ExecuteWhileOffline: v.GetBool("agent.dispatch.execute_while_offline"),
		},
		ConsolePINHash: v.GetString("console.pin_hash"),
	}
	if err := v.UnmarshalKey("agent.devices", &cfg.Devices); err != nil {
		return AppConfig{}, fmt.Errorf("%w: agent.devices: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if c.Cloud.URL == "" {
		bad("agent.cloud.url is required")
	} else if u, err := url.Parse(c.Cloud.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		bad("agent.cloud.url must be a ws:// or wss:// url")
	}
	if c.Cloud.HeartbeatInterval <= 0 || c.Cloud.HeartbeatMissLimit <= 0 {
		bad("heartbeat interval and miss limit must be positive")
	}
	if c.Cloud.Reconnect.BaseDelay <= 0 || c.Cloud.Reconnect.MaxDelay < c.Cloud.Reconnect.BaseDelay || c.Cloud.Reconnect.Multiplier < 1 {
		bad("reconnect delays must be positive with max >= base and multiplier >= 1")
	}
	if c.HealthInterval <= 0 {
		bad("agent.health.interval must be positive")
	}
	if c.Dispatch.MaxAttempts < 1 || c.Dispatch.BackoffBase <= 0 || c.Dispatch.BackoffMax < c.Dispatch.BackoffBase {
		bad("dispatch retry settings are inconsistent")
	}
	if c.Dispatch.DefaultTimeout <= 0 || c.Dispatch.SweepInterval <= 0 || c.Dispatch.DeliveryInterval <= 0 {
		bad("dispatch timeouts and intervals must be positive")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" && c.Store.DSN == "" {
			bad("agent.store.path is required for sqlite")
		}
	case "mysql":
		if c.Store.DSN == "" {
			bad("agent.store.dsn is required for mysql")
		}
	default:
		bad("unknown agent.store.driver %q", c.Store.Driver)
	}
	seen := map[string]bool{}
	for i, d := range c.Devices {
		if err := d.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: agent.devices[%d]: %v", ErrInvalid, i, err))
		}
		if seen[d.ID] {
			bad("duplicate device id %q", d.ID)
		}
		seen[d.ID] = true
	}
	return errors.Join(errs...)
}

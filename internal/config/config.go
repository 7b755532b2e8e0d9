package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	envPrefix           = "LECTIO"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "lectio.db"
	defaultLogLevel     = "info"
	defaultLogFormat    = "json"
	defaultIssuer       = "lectio-auth"
	defaultAudience     = "lectio-api"
	defaultTokenTTL     = 60

	defaultSyncMode          = SyncModeSynchronized
	defaultCoalesceWindow    = 500 * time.Millisecond
	defaultConflictWindowMax = 2 * time.Second
	defaultConflictTimeout   = 10 * time.Second
	defaultHistoryLimit      = 50
	defaultJoinTimeout       = 5 * time.Second
	defaultSnapshotInterval  = 15 * time.Second

	defaultReaperSchedule = "@every 30m"
	defaultMaxIdleMinutes = 30

	defaultSendBuffer      = 64
	defaultWriteWait       = 10 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultMaxMessageBytes = 64 * 1024

	defaultPersistenceAttempts = 5
	defaultPersistenceQueue    = 256
)

// Navigation modes selectable with sync.mode.
const (
	SyncModeSynchronized = "synchronized"
	SyncModePassThrough  = "passthrough"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogFormat    string

	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration

	SyncMode          string
	CoalesceWindow    time.Duration
	ConflictWindowMax time.Duration
	ConflictTimeout   time.Duration
	HistoryLimit      int
	JoinTimeout       time.Duration
	SnapshotInterval  time.Duration

	ReaperSchedule string
	MaxIdle        time.Duration

	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64

	PersistenceAttempts int
	PersistenceQueue    int
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)

	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTL)

	configViper.SetDefault("sync.mode", defaultSyncMode)
	configViper.SetDefault("sync.coalesce_window", defaultCoalesceWindow)
	configViper.SetDefault("sync.conflict_window_max", defaultConflictWindowMax)
	configViper.SetDefault("sync.conflict_timeout", defaultConflictTimeout)
	configViper.SetDefault("sync.history_limit", defaultHistoryLimit)
	configViper.SetDefault("rooms.join_timeout", defaultJoinTimeout)
	configViper.SetDefault("presence.snapshot_interval", defaultSnapshotInterval)

	configViper.SetDefault("reaper.schedule", defaultReaperSchedule)
	configViper.SetDefault("reaper.max_idle_minutes", defaultMaxIdleMinutes)

	configViper.SetDefault("gateway.send_buffer", defaultSendBuffer)
	configViper.SetDefault("gateway.write_wait", defaultWriteWait)
	configViper.SetDefault("gateway.pong_wait", defaultPongWait)
	configViper.SetDefault("gateway.max_message_bytes", defaultMaxMessageBytes)

	configViper.SetDefault("persistence.max_attempts", defaultPersistenceAttempts)
	configViper.SetDefault("persistence.queue_size", defaultPersistenceQueue)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),

		SigningSecret: configViper.GetString("auth.signing_secret"),
		Issuer:        configViper.GetString("auth.issuer"),
		Audience:      configViper.GetString("auth.audience"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,

		SyncMode:          strings.ToLower(strings.TrimSpace(configViper.GetString("sync.mode"))),
		CoalesceWindow:    configViper.GetDuration("sync.coalesce_window"),
		ConflictWindowMax: configViper.GetDuration("sync.conflict_window_max"),
		ConflictTimeout:   configViper.GetDuration("sync.conflict_timeout"),
		HistoryLimit:      configViper.GetInt("sync.history_limit"),
		JoinTimeout:       configViper.GetDuration("rooms.join_timeout"),
		SnapshotInterval:  configViper.GetDuration("presence.snapshot_interval"),

		ReaperSchedule: strings.TrimSpace(configViper.GetString("reaper.schedule")),
		MaxIdle:        time.Duration(configViper.GetInt("reaper.max_idle_minutes")) * time.Minute,

		SendBuffer:      configViper.GetInt("gateway.send_buffer"),
		WriteWait:       configViper.GetDuration("gateway.write_wait"),
		PongWait:        configViper.GetDuration("gateway.pong_wait"),
		MaxMessageBytes: configViper.GetInt64("gateway.max_message_bytes"),

		PersistenceAttempts: configViper.GetInt("persistence.max_attempts"),
		PersistenceQueue:    configViper.GetInt("persistence.queue_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.SyncMode != SyncModeSynchronized && c.SyncMode != SyncModePassThrough {
		return fmt.Errorf("sync.mode must be %q or %q", SyncModeSynchronized, SyncModePassThrough)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console")
	}
	if c.CoalesceWindow <= 0 {
		return fmt.Errorf("sync.coalesce_window must be positive")
	}
	if c.ConflictWindowMax < c.CoalesceWindow {
		return fmt.Errorf("sync.conflict_window_max must not be shorter than sync.coalesce_window")
	}
	if c.ConflictTimeout <= 0 || c.JoinTimeout <= 0 || c.SnapshotInterval <= 0 {
		return fmt.Errorf("sync.conflict_timeout, rooms.join_timeout and presence.snapshot_interval must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("sync.history_limit must be positive")
	}
	if c.MaxIdle <= 0 {
		return fmt.Errorf("reaper.max_idle_minutes must be positive")
	}
	if _, err := cron.ParseStandard(c.ReaperSchedule); err != nil {
		return fmt.Errorf("reaper.schedule is invalid: %w", err)
	}
	if c.SendBuffer <= 0 || c.MaxMessageBytes <= 0 {
		return fmt.Errorf("gateway.send_buffer and gateway.max_message_bytes must be positive")
	}
	if c.WriteWait <= 0 || c.PongWait <= 0 {
		return fmt.Errorf("gateway.write_wait and gateway.pong_wait must be positive")
	}
	if c.PersistenceAttempts <= 0 || c.PersistenceQueue <= 0 {
		return fmt.Errorf("persistence.max_attempts and persistence.queue_size must be positive")
	}
	return nil
}

package driftline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines engine configuration. All durations are expressed in
// seconds in the file format; use the accessor methods for time.Duration
// values. Config is read-only after load.
type Config struct {
	// DataDir is the root directory for the store file, media directory and
	// lock files. Required.
	DataDir string `yaml:"data_dir"`

	// Store holds local store settings.
	Store StoreConfig `yaml:"store"`

	// Queue holds retry queue settings.
	Queue QueueConfig `yaml:"queue"`

	// Breaker holds circuit breaker settings, shared by all named resources.
	Breaker BreakerConfig `yaml:"breaker"`

	// Disk holds disk guard thresholds and media retention.
	Disk DiskConfig `yaml:"disk"`

	// Remote configures the cloud API endpoint.
	Remote RemoteConfig `yaml:"remote"`

	// Sync configures the background sync worker.
	Sync SyncConfig `yaml:"sync"`

	// Media configures the media upload target.
	Media MediaConfig `yaml:"media"`

	// Encryption configures at-rest encryption of queued payload snapshots.
	// If nil or Enabled is false, payloads are stored unencrypted.
	Encryption *EncryptionConfig `yaml:"encryption,omitempty"`
}

// StoreConfig groups local store settings.
type StoreConfig struct {
	// LockTimeoutSeconds bounds acquisition of the store and media locks.
	// Default: 5.
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds"`

	// DuplicateCooldownSeconds suppresses repeat captures of the same
	// subject and event type. Default: 60.
	DuplicateCooldownSeconds int `yaml:"duplicate_cooldown_seconds"`

	// EventRetentionDays is how long synced events are kept before the
	// retention sweep removes them. 0 keeps them indefinitely.
	EventRetentionDays int `yaml:"event_retention_days"`

	// BusyTimeoutMillis is the SQLite busy timeout. Default: 5000.
	BusyTimeoutMillis int `yaml:"busy_timeout_millis"`
}

// QueueConfig groups retry queue settings.
type QueueConfig struct {
	// BaseRetryDelaySeconds is the first retry delay. Default: 30.
	BaseRetryDelaySeconds int `yaml:"base_retry_delay_seconds"`

	// MaxRetryDelaySeconds caps the exponential backoff. Default: 300.
	MaxRetryDelaySeconds int `yaml:"max_retry_delay_seconds"`

	// MaxRetries is the retry budget before an entry is dead-lettered.
	// Default: 5.
	MaxRetries int `yaml:"max_retries"`

	// MaxDepth caps the number of active queue entries. Enqueues past the
	// cap fail with ErrQueueFull. Default: 10000.
	MaxDepth int `yaml:"max_depth"`
}

// BreakerConfig groups circuit breaker settings.
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before the breaker opens.
	// Default: 5.
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryTimeoutSeconds is how long an open breaker fails fast before
	// probing recovery. Default: 60.
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`

	// HalfOpenSuccessThreshold is consecutive half-open successes required
	// to close. Default: 2.
	HalfOpenSuccessThreshold int `yaml:"half_open_success_threshold"`
}

// DiskConfig groups disk guard settings.
type DiskConfig struct {
	// WarnPercent is the free-space percentage below which warnings are
	// logged. Default: 15.
	WarnPercent float64 `yaml:"disk_warn_percent"`

	// CriticalPercent is the free-space percentage below which writes are
	// refused. Default: 5.
	CriticalPercent float64 `yaml:"disk_critical_percent"`

	// MediaRetentionDays is how long media files are kept. Default: 30.
	MediaRetentionDays int `yaml:"media_retention_days"`

	// MaxMediaBytes caps the total size of the media directory. 0 means
	// unlimited.
	MaxMediaBytes int64 `yaml:"max_media_bytes"`

	// CheckIntervalSeconds is the background guard tick. Default: 300.
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
}

// RemoteConfig groups remote API settings.
type RemoteConfig struct {
	// Endpoint is the base URL of the remote store API.
	Endpoint string `yaml:"endpoint"`

	// AuthType selects the auth header: "api_key" or "bearer".
	AuthType string `yaml:"auth_type"`

	// APIKey is sent as X-API-Key when AuthType is "api_key".
	APIKey string `yaml:"api_key,omitempty"`

	// BearerToken is sent as Authorization: Bearer when AuthType is
	// "bearer".
	BearerToken string `yaml:"bearer_token,omitempty"`

	// ConnectTimeoutSeconds bounds connection establishment. Default: 10.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`

	// ReadTimeoutSeconds bounds the full request/response exchange.
	// Default: 30.
	ReadTimeoutSeconds int `yaml:"read_timeout_seconds"`
}

// SyncConfig groups background sync worker settings.
type SyncConfig struct {
	// IntervalSeconds is the queue drain poll interval. Default: 15.
	IntervalSeconds int `yaml:"interval_seconds"`

	// BatchSize is the maximum due entries processed per drain pass.
	// Default: 50.
	BatchSize int `yaml:"batch_size"`

	// ShutdownGraceSeconds bounds how long Stop waits for the in-flight
	// entry. Default: 10.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// MediaConfig groups media upload settings.
type MediaConfig struct {
	// Target selects the upload destination: "http" uploads through the
	// remote API, "s3" uploads to S3-compatible object storage. Default:
	// "http".
	Target string `yaml:"target"`

	// Optional marks media as best-effort: a failed media enqueue does not
	// fail the event capture, and uploads that exhaust their retries are
	// dead-lettered. When false, a failed enqueue fails RecordEvent and
	// exhausted uploads are held at the backoff ceiling instead. Default:
	// true.
	Optional bool `yaml:"optional"`

	// S3 configures the "s3" target.
	S3 *S3MediaConfig `yaml:"s3,omitempty"`
}

// S3MediaConfig configures S3-compatible media storage.
type S3MediaConfig struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint,omitempty"` // for MinIO and other compatible services
	// AccessKeyID and SecretAccessKey authenticate static credentials.
	// Prefer environment credentials; never commit these to source control.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// EncryptionConfig configures at-rest encryption of payload snapshots.
type EncryptionConfig struct {
	// Enabled turns on AES-256-GCM encryption of queued payloads.
	Enabled bool `yaml:"enabled"`

	// Passphrase derives the key via PBKDF2. Required when Enabled.
	Passphrase string `yaml:"passphrase"`
}

// DefaultConfig returns a configuration with sensible defaults rooted at
// dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir: dataDir,
		Store: StoreConfig{
			LockTimeoutSeconds:       5,
			DuplicateCooldownSeconds: 60,
			EventRetentionDays:       90,
			BusyTimeoutMillis:        5000,
		},
		Queue: QueueConfig{
			BaseRetryDelaySeconds: 30,
			MaxRetryDelaySeconds:  300,
			MaxRetries:            5,
			MaxDepth:              10_000,
		},
		Breaker: BreakerConfig{
			FailureThreshold:         5,
			RecoveryTimeoutSeconds:   60,
			HalfOpenSuccessThreshold: 2,
		},
		Disk: DiskConfig{
			WarnPercent:          15,
			CriticalPercent:      5,
			MediaRetentionDays:   30,
			MaxMediaBytes:        0,
			CheckIntervalSeconds: 300,
		},
		Remote: RemoteConfig{
			AuthType:              "api_key",
			ConnectTimeoutSeconds: 10,
			ReadTimeoutSeconds:    30,
		},
		Sync: SyncConfig{
			IntervalSeconds:      15,
			BatchSize:            50,
			ShutdownGraceSeconds: 10,
		},
		Media: MediaConfig{
			Target:   "http",
			Optional: true,
		},
	}
}

// LoadConfig reads a YAML configuration file, fills defaults for omitted
// fields and validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fillDefaults replaces zero values with defaults so partially specified
// files behave predictably.
func (c *Config) fillDefaults() {
	def := DefaultConfig(c.DataDir)
	if c.Store.LockTimeoutSeconds <= 0 {
		c.Store.LockTimeoutSeconds = def.Store.LockTimeoutSeconds
	}
	if c.Store.DuplicateCooldownSeconds <= 0 {
		c.Store.DuplicateCooldownSeconds = def.Store.DuplicateCooldownSeconds
	}
	if c.Store.BusyTimeoutMillis <= 0 {
		c.Store.BusyTimeoutMillis = def.Store.BusyTimeoutMillis
	}
	if c.Queue.BaseRetryDelaySeconds <= 0 {
		c.Queue.BaseRetryDelaySeconds = def.Queue.BaseRetryDelaySeconds
	}
	if c.Queue.MaxRetryDelaySeconds <= 0 {
		c.Queue.MaxRetryDelaySeconds = def.Queue.MaxRetryDelaySeconds
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = def.Queue.MaxRetries
	}
	if c.Queue.MaxDepth <= 0 {
		c.Queue.MaxDepth = def.Queue.MaxDepth
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if c.Breaker.RecoveryTimeoutSeconds <= 0 {
		c.Breaker.RecoveryTimeoutSeconds = def.Breaker.RecoveryTimeoutSeconds
	}
	if c.Breaker.HalfOpenSuccessThreshold <= 0 {
		c.Breaker.HalfOpenSuccessThreshold = def.Breaker.HalfOpenSuccessThreshold
	}
	if c.Disk.WarnPercent <= 0 {
		c.Disk.WarnPercent = def.Disk.WarnPercent
	}
	if c.Disk.CriticalPercent <= 0 {
		c.Disk.CriticalPercent = def.Disk.CriticalPercent
	}
	if c.Disk.MediaRetentionDays <= 0 {
		c.Disk.MediaRetentionDays = def.Disk.MediaRetentionDays
	}
	if c.Disk.CheckIntervalSeconds <= 0 {
		c.Disk.CheckIntervalSeconds = def.Disk.CheckIntervalSeconds
	}
	if c.Remote.AuthType == "" {
		c.Remote.AuthType = def.Remote.AuthType
	}
	if c.Remote.ConnectTimeoutSeconds <= 0 {
		c.Remote.ConnectTimeoutSeconds = def.Remote.ConnectTimeoutSeconds
	}
	if c.Remote.ReadTimeoutSeconds <= 0 {
		c.Remote.ReadTimeoutSeconds = def.Remote.ReadTimeoutSeconds
	}
	if c.Sync.IntervalSeconds <= 0 {
		c.Sync.IntervalSeconds = def.Sync.IntervalSeconds
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = def.Sync.BatchSize
	}
	if c.Sync.ShutdownGraceSeconds <= 0 {
		c.Sync.ShutdownGraceSeconds = def.Sync.ShutdownGraceSeconds
	}
	if c.Media.Target == "" {
		c.Media.Target = def.Media.Target
	}
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.Disk.CriticalPercent >= c.Disk.WarnPercent {
		return fmt.Errorf("config: disk_critical_percent (%.1f) must be below disk_warn_percent (%.1f)",
			c.Disk.CriticalPercent, c.Disk.WarnPercent)
	}
	if c.Queue.MaxRetryDelaySeconds < c.Queue.BaseRetryDelaySeconds {
		return fmt.Errorf("config: max_retry_delay_seconds (%d) must be >= base_retry_delay_seconds (%d)",
			c.Queue.MaxRetryDelaySeconds, c.Queue.BaseRetryDelaySeconds)
	}
	switch c.Remote.AuthType {
	case "api_key", "bearer":
	default:
		return fmt.Errorf("config: unknown auth_type %q", c.Remote.AuthType)
	}
	switch c.Media.Target {
	case "http":
	case "s3":
		if c.Media.S3 == nil || c.Media.S3.Bucket == "" {
			return errors.New("config: media target s3 requires a bucket")
		}
	default:
		return fmt.Errorf("config: unknown media target %q", c.Media.Target)
	}
	if c.Encryption != nil && c.Encryption.Enabled && c.Encryption.Passphrase == "" {
		return errors.New("config: encryption enabled but no passphrase provided")
	}
	return nil
}

// StorePath returns the SQLite database path under DataDir.
func (c Config) StorePath() string { return filepath.Join(c.DataDir, "driftline.db") }

// MediaDir returns the media directory under DataDir.
func (c Config) MediaDir() string { return filepath.Join(c.DataDir, "media") }

// Duration accessors.

func (c StoreConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

func (c StoreConfig) DuplicateCooldown() time.Duration {
	return time.Duration(c.DuplicateCooldownSeconds) * time.Second
}

func (c QueueConfig) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelaySeconds) * time.Second
}

func (c QueueConfig) MaxRetryDelay() time.Duration {
	return time.Duration(c.MaxRetryDelaySeconds) * time.Second
}

func (c BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

func (c DiskConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

func (c DiskConfig) MediaRetention() time.Duration {
	return time.Duration(c.MediaRetentionDays) * 24 * time.Hour
}

func (c RemoteConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c RemoteConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c SyncConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

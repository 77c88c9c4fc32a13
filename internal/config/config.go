package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/picstash/picstash/pkg/errors"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global   GlobalConfig   `yaml:"global"`
	Storage  StorageConfig  `yaml:"storage"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Classify ClassifyConfig `yaml:"classify"`
	Quota    QuotaConfig    `yaml:"quota"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
	Stats    StatsConfig    `yaml:"stats"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StorageConfig represents on-disk layout and registry settings
type StorageConfig struct {
	BaseDir            string        `yaml:"base_dir"`
	DuplicateDetection bool          `yaml:"duplicate_detection"`
	RawRetention       time.Duration `yaml:"raw_retention"`
	SnapshotInterval   time.Duration `yaml:"snapshot_interval"`
}

// ThrottleMode selects the admission policy for incoming images.
type ThrottleMode string

const (
	ThrottleAlways      ThrottleMode = "always"
	ThrottleProbability ThrottleMode = "probability"
	ThrottleInterval    ThrottleMode = "interval"
	ThrottleCooldown    ThrottleMode = "cooldown"
)

// ThrottleConfig represents admission controller settings
type ThrottleConfig struct {
	Mode        ThrottleMode  `yaml:"mode"`
	Probability float64       `yaml:"probability"`
	MinGap      time.Duration `yaml:"min_gap"`
}

// ClassifyConfig represents classification gateway settings
type ClassifyConfig struct {
	ProviderID       string        `yaml:"provider_id"`
	EmotionLabels    []string      `yaml:"emotion_labels"`
	Timeout          time.Duration `yaml:"timeout"`
	ContentFilter    bool          `yaml:"content_filter"`
	ResultCacheSize  int           `yaml:"result_cache_size"`
	Retry            RetryConfig   `yaml:"retry"`
	Breaker          BreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig represents retry settings for the classification gateway
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// BreakerConfig represents circuit breaker settings
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	CoolDown         time.Duration `yaml:"cool_down"`
}

// QuotaStrategy selects how capacity limits are measured.
type QuotaStrategy string

const (
	StrategyCountBased QuotaStrategy = "count_based"
	StrategySizeBased  QuotaStrategy = "size_based"
	StrategyHybrid     QuotaStrategy = "hybrid"
)

// QuotaConfig represents quota manager settings
type QuotaConfig struct {
	MaxCount          int           `yaml:"max_count"`
	MaxSize           int64         `yaml:"max_size"`
	Strategy          QuotaStrategy `yaml:"strategy"`
	WarningThreshold  float64       `yaml:"warning_threshold"`
	CriticalThreshold float64       `yaml:"critical_threshold"`
}

// CleanupConfig represents maintenance cycle settings
type CleanupConfig struct {
	Enabled          bool   `yaml:"enabled"`
	RawExpiryEnabled bool   `yaml:"raw_expiry_enabled"`
	CapacityEnabled  bool   `yaml:"capacity_enabled"`
	RawExpirySpec    string `yaml:"raw_expiry_spec"`
	CapacitySpec     string `yaml:"capacity_spec"`
	AggregationSpec  string `yaml:"aggregation_spec"`
}

// StatsConfig represents statistics aggregator settings
type StatsConfig struct {
	BucketRetention time.Duration `yaml:"bucket_retention"`
}

// ArchiveConfig represents the optional S3 eviction archive
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Region  string `yaml:"region"`
	Prefix  string `yaml:"prefix"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Storage: StorageConfig{
			BaseDir:            "data",
			DuplicateDetection: true,
			RawRetention:       72 * time.Hour,
			SnapshotInterval:   time.Hour,
		},
		Throttle: ThrottleConfig{
			Mode:        ThrottleProbability,
			Probability: 0.4,
			MinGap:      time.Minute,
		},
		Classify: ClassifyConfig{
			EmotionLabels: []string{
				"happy", "neutral", "sad", "angry", "shy", "surprised",
				"smirk", "cry", "confused", "embarrassed", "sigh", "speechless",
			},
			Timeout:         30 * time.Second,
			ContentFilter:   false,
			ResultCacheSize: 1024,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				CoolDown:         60 * time.Second,
			},
		},
		Quota: QuotaConfig{
			MaxCount:          10000,
			MaxSize:           1024 * 1024 * 1024, // 1GB
			Strategy:          StrategyHybrid,
			WarningThreshold:  0.8,
			CriticalThreshold: 0.95,
		},
		Cleanup: CleanupConfig{
			Enabled:          true,
			RawExpiryEnabled: true,
			CapacityEnabled:  true,
			RawExpirySpec:    "@every 5m",
			CapacitySpec:     "@every 5m",
			AggregationSpec:  "@every 1h",
		},
		Stats: StatsConfig{
			BucketRetention: 90 * 24 * time.Hour,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Prefix:  "evicted",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.New(errors.ErrCodeConfigLoad, "failed to read config file").WithCause(err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.New(errors.ErrCodeConfigLoad, "failed to parse config file").WithCause(err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("PICSTASH_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("PICSTASH_BASE_DIR"); val != "" {
		c.Storage.BaseDir = val
	}
	if val := os.Getenv("PICSTASH_THROTTLE_MODE"); val != "" {
		c.Throttle.Mode = ThrottleMode(val)
	}
	if val := os.Getenv("PICSTASH_THROTTLE_PROBABILITY"); val != "" {
		if p, err := strconv.ParseFloat(val, 64); err == nil {
			c.Throttle.Probability = p
		}
	}
	if val := os.Getenv("PICSTASH_MAX_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Quota.MaxCount = n
		}
	}
	if val := os.Getenv("PICSTASH_MAX_SIZE"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Quota.MaxSize = n
		}
	}
	if val := os.Getenv("PICSTASH_RAW_RETENTION"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Storage.RawRetention = d
		}
	}
	if val := os.Getenv("PICSTASH_CLEANUP_ENABLED"); val != "" {
		c.Cleanup.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PICSTASH_ARCHIVE_BUCKET"); val != "" {
		c.Archive.Bucket = val
		c.Archive.Enabled = true
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.New(errors.ErrCodeInternalError, "failed to marshal config").WithCause(err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.New(errors.ErrCodeStorageWrite, "failed to create config directory").WithCause(err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.New(errors.ErrCodeStorageWrite, "failed to write config file").WithCause(err)
	}

	return nil
}

// Validate validates the configuration, failing fast on invalid parameters
func (c *Configuration) Validate() error {
	switch c.Throttle.Mode {
	case ThrottleAlways, ThrottleProbability, ThrottleInterval, ThrottleCooldown:
	default:
		return errors.Newf(errors.ErrCodeConfigValidation, "unknown throttle mode %q", c.Throttle.Mode)
	}

	if c.Throttle.Mode == ThrottleProbability {
		if c.Throttle.Probability < 0 || c.Throttle.Probability > 1 {
			return errors.Newf(errors.ErrCodeConfigValidation,
				"throttle probability %v outside [0,1]", c.Throttle.Probability)
		}
	}
	if (c.Throttle.Mode == ThrottleInterval || c.Throttle.Mode == ThrottleCooldown) && c.Throttle.MinGap <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "throttle min_gap must be positive")
	}

	switch c.Quota.Strategy {
	case StrategyCountBased, StrategySizeBased, StrategyHybrid:
	default:
		return errors.Newf(errors.ErrCodeConfigValidation, "unknown quota strategy %q", c.Quota.Strategy)
	}

	if c.Quota.MaxCount <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "quota max_count must be greater than 0")
	}
	if c.Quota.MaxSize <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "quota max_size must be greater than 0")
	}
	if c.Quota.WarningThreshold <= 0 || c.Quota.WarningThreshold > 1 {
		return errors.New(errors.ErrCodeConfigValidation, "quota warning_threshold must be in (0,1]")
	}
	if c.Quota.CriticalThreshold <= 0 || c.Quota.CriticalThreshold > 1 {
		return errors.New(errors.ErrCodeConfigValidation, "quota critical_threshold must be in (0,1]")
	}
	if c.Quota.WarningThreshold > c.Quota.CriticalThreshold {
		return errors.New(errors.ErrCodeConfigValidation,
			"quota warning_threshold cannot exceed critical_threshold")
	}

	if len(c.Classify.EmotionLabels) == 0 {
		return errors.New(errors.ErrCodeConfigValidation, "classify emotion_labels cannot be empty")
	}
	if c.Classify.Timeout <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "classify timeout must be positive")
	}
	if c.Classify.Retry.MaxAttempts <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "classify retry max_attempts must be greater than 0")
	}
	if c.Classify.Breaker.FailureThreshold <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "circuit breaker failure_threshold must be greater than 0")
	}

	if c.Storage.BaseDir == "" {
		return errors.New(errors.ErrCodeConfigValidation, "storage base_dir cannot be empty")
	}
	if c.Storage.RawRetention <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "storage raw_retention must be positive")
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return errors.New(errors.ErrCodeConfigValidation, "archive bucket required when archive is enabled")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return errors.Newf(errors.ErrCodeConfigValidation, "invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}

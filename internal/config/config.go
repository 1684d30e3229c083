// Package config loads and validates proxy configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage providers accepted by storage.provider.
const (
	ProviderAuto   = ""
	ProviderNone   = "none"
	ProviderS3     = "s3"
	ProviderGCS    = "gcs"
	ProviderLocal  = "local"
	ProviderMemory = "memory"
)

// DefaultUserAgent is the browser identity presented upstream.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Target    TargetConfig    `mapstructure:"target"`
	Session   SessionConfig   `mapstructure:"session"`
	Gallery   GalleryConfig   `mapstructure:"gallery"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TargetConfig describes the upstream site.
type TargetConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	UserAgent        string `mapstructure:"user_agent"`
	ThumbnailToken   string `mapstructure:"thumbnail_host_token"`
	ImageToken       string `mapstructure:"image_host_token"`
	ImageBaseURL     string `mapstructure:"image_base_url"`
	ThumbnailBaseURL string `mapstructure:"thumbnail_base_url"`
}

// SessionConfig governs the browser session lifecycle.
type SessionConfig struct {
	RenewalIntervalSeconds  int    `mapstructure:"renewal_interval_seconds"`
	MaxRetries              int    `mapstructure:"max_retries"`
	RenewingWaitMs          int    `mapstructure:"renewing_wait_ms"`
	ProbeTimeoutSeconds     int    `mapstructure:"probe_timeout_seconds"`
	FetchTimeoutSeconds     int    `mapstructure:"fetch_timeout_seconds"`
	ChallengeTimeoutSeconds int    `mapstructure:"challenge_timeout_seconds"`
	Headless                bool   `mapstructure:"headless"`
	ExecPath                string `mapstructure:"exec_path"`
}

// GalleryConfig tunes the record read path.
type GalleryConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

// CacheConfig locates and bounds the record cache.
type CacheConfig struct {
	Dir                  string `mapstructure:"dir"`
	TTLHours             int    `mapstructure:"ttl_hours"`
	MemoryEntries        int    `mapstructure:"memory_entries"`
	SweepIntervalMinutes int    `mapstructure:"sweep_interval_minutes"`
}

// ArtifactsConfig sizes the PDF pipeline.
type ArtifactsConfig struct {
	Workers                int     `mapstructure:"workers"`
	QueueDepth             int     `mapstructure:"queue_depth"`
	ImageRetries           int     `mapstructure:"image_retries"`
	DownloadTimeoutSeconds int     `mapstructure:"download_timeout_seconds"`
	RequestDelayMs         int     `mapstructure:"request_delay_ms"`
	RatePerSecond          float64 `mapstructure:"rate_per_second"`
	StatusTTLMinutes       int     `mapstructure:"status_ttl_minutes"`
	CleanupIntervalMinutes int     `mapstructure:"cleanup_interval_minutes"`
	DrainTimeoutSeconds    int     `mapstructure:"drain_timeout_seconds"`
	MirrorImages           bool    `mapstructure:"mirror_images"`
	Referer                string  `mapstructure:"referer"`
}

// StorageConfig selects and configures the object store.
type StorageConfig struct {
	Provider  string      `mapstructure:"provider"`
	PublicURL string      `mapstructure:"public_url"`
	S3        S3Config    `mapstructure:"s3"`
	GCS       GCSConfig   `mapstructure:"gcs"`
	Local     LocalConfig `mapstructure:"local"`
}

// S3Config holds S3 or Cloudflare R2 credentials.
type S3Config struct {
	AccountID       string `mapstructure:"account_id"`
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
}

// GCSConfig names the bucket used by the gcs provider.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// LocalConfig roots the local provider.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for artifact notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// legacyEnv maps keys onto the variable names older deployments export.
var legacyEnv = map[string]string{
	"server.port":                  "PORT",
	"storage.s3.account_id":        "CF_ACCOUNT_ID",
	"storage.s3.access_key_id":     "R2_ACCESS_KEY_ID",
	"storage.s3.secret_access_key": "R2_SECRET_ACCESS_KEY",
	"storage.s3.bucket":            "R2_BUCKET_NAME",
	"storage.public_url":           "R2_PUBLIC_URL",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GALLERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, env := range legacyEnv {
		envKey := "GALLERY_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Storage.Provider = cfg.Storage.resolveProvider()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5001)
	v.SetDefault("server.request_timeout_seconds", 120)
	v.SetDefault("logging.development", true)
	v.SetDefault("target.base_url", "https://nhentai.net")
	v.SetDefault("target.user_agent", DefaultUserAgent)
	v.SetDefault("target.thumbnail_host_token", "//t")
	v.SetDefault("target.image_host_token", "//i")
	v.SetDefault("target.image_base_url", "https://i.nhentai.net")
	v.SetDefault("target.thumbnail_base_url", "https://t.nhentai.net")
	v.SetDefault("session.renewal_interval_seconds", 30)
	v.SetDefault("session.max_retries", 3)
	v.SetDefault("session.renewing_wait_ms", 2000)
	v.SetDefault("session.probe_timeout_seconds", 15)
	v.SetDefault("session.fetch_timeout_seconds", 30)
	v.SetDefault("session.challenge_timeout_seconds", 30)
	v.SetDefault("session.headless", true)
	v.SetDefault("session.exec_path", "")
	v.SetDefault("gallery.max_retries", 3)
	v.SetDefault("cache.dir", "gallery_cache")
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.memory_entries", 256)
	v.SetDefault("cache.sweep_interval_minutes", 60)
	v.SetDefault("artifacts.workers", 2)
	v.SetDefault("artifacts.queue_depth", 64)
	v.SetDefault("artifacts.image_retries", 3)
	v.SetDefault("artifacts.download_timeout_seconds", 30)
	v.SetDefault("artifacts.request_delay_ms", 100)
	v.SetDefault("artifacts.rate_per_second", 0)
	v.SetDefault("artifacts.status_ttl_minutes", 60)
	v.SetDefault("artifacts.cleanup_interval_minutes", 60)
	v.SetDefault("artifacts.drain_timeout_seconds", 300)
	v.SetDefault("artifacts.mirror_images", false)
	v.SetDefault("artifacts.referer", "")
	v.SetDefault("storage.provider", ProviderAuto)
	v.SetDefault("storage.public_url", "")
	v.SetDefault("storage.s3.account_id", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.region", "auto")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.local.base_dir", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
}

// resolveProvider picks s3 when the provider is left blank and a complete
// set of R2 credentials is present.
func (s StorageConfig) resolveProvider() string {
	p := strings.ToLower(strings.TrimSpace(s.Provider))
	if p != ProviderAuto {
		return p
	}
	if s.r2Complete() {
		return ProviderS3
	}
	return ProviderNone
}

func (s StorageConfig) r2Complete() bool {
	c := s.S3
	return c.AccountID != "" && c.AccessKeyID != "" && c.SecretAccessKey != "" &&
		c.Bucket != "" && s.PublicURL != ""
}

// StorageConfigured reports whether an object store backs the PDF pipeline.
func (c Config) StorageConfigured() bool {
	p := c.Storage.resolveProvider()
	return p != ProviderNone
}

// NotificationsEnabled reports whether artifact events go to Pub/Sub.
func (c Config) NotificationsEnabled() bool {
	return c.PubSub.ProjectID != "" && c.PubSub.Topic != ""
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Target.BaseURL == "" {
		return fmt.Errorf("target.base_url must be set")
	}
	if c.Session.MaxRetries <= 0 {
		return fmt.Errorf("session.max_retries must be > 0")
	}
	if c.Gallery.MaxRetries <= 0 {
		return fmt.Errorf("gallery.max_retries must be > 0")
	}
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir must be set")
	}
	if c.Cache.TTLHours <= 0 {
		return fmt.Errorf("cache.ttl_hours must be > 0")
	}
	if c.Artifacts.Workers <= 0 {
		return fmt.Errorf("artifacts.workers must be > 0")
	}
	if c.Artifacts.QueueDepth <= 0 {
		return fmt.Errorf("artifacts.queue_depth must be > 0")
	}
	if c.Artifacts.ImageRetries <= 0 {
		return fmt.Errorf("artifacts.image_retries must be > 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	return c.Storage.validate()
}

func (s StorageConfig) validate() error {
	switch s.resolveProvider() {
	case ProviderNone, ProviderMemory:
		return nil
	case ProviderS3:
		if s.S3.Bucket == "" || s.S3.AccessKeyID == "" || s.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3 requires bucket, access_key_id and secret_access_key")
		}
		if s.S3.AccountID == "" && s.S3.Endpoint == "" && s.PublicURL == "" {
			return fmt.Errorf("storage.s3 requires account_id, endpoint or storage.public_url")
		}
		return nil
	case ProviderGCS:
		if s.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for the gcs provider")
		}
		return nil
	case ProviderLocal:
		if s.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local provider")
		}
		return nil
	default:
		return fmt.Errorf("storage.provider %q is not supported", s.Provider)
	}
}

// RequestTimeout bounds one API request end to end.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// CacheTTL is the record freshness window.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// Referer is sent with image downloads; it defaults to the target root.
func (c Config) Referer() string {
	if c.Artifacts.Referer != "" {
		return c.Artifacts.Referer
	}
	return strings.TrimRight(c.Target.BaseURL, "/") + "/"
}

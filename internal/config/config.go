// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/laoshu133/html2image-cdp/internal/browser"
	"github.com/laoshu133/html2image-cdp/internal/logging"
	"github.com/laoshu133/html2image-cdp/internal/render"
	"github.com/laoshu133/html2image-cdp/internal/storage/local"
	"github.com/laoshu133/html2image-cdp/internal/telemetry"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Browser   BrowserConfig    `mapstructure:"browser"`
	Pool      PoolConfig       `mapstructure:"pool"`
	Render    RenderConfig     `mapstructure:"render"`
	Intercept InterceptConfig  `mapstructure:"intercept"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Database  DatabaseConfig   `mapstructure:"database"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Logging   logging.Config   `mapstructure:"logging"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BrowserConfig selects how the browser is reached.
type BrowserConfig struct {
	Mode          string        `mapstructure:"mode"`
	Endpoint      string        `mapstructure:"endpoint"`
	ExecPath      string        `mapstructure:"exec_path"`
	Headless      bool          `mapstructure:"headless"`
	NoSandbox     bool          `mapstructure:"no_sandbox"`
	OpTimeout     time.Duration `mapstructure:"op_timeout"`
	AttachTimeout time.Duration `mapstructure:"attach_timeout"`
}

// PoolConfig sizes the session pool.
type PoolConfig struct {
	Capacity        int           `mapstructure:"capacity"`
	MaxUses         int           `mapstructure:"max_uses"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout"`
	AcquireInterval time.Duration `mapstructure:"acquire_interval"`
}

// RenderConfig holds job defaults and the limits requests are clamped to.
type RenderConfig struct {
	ViewportWidth  int           `mapstructure:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height"`
	Selector       string        `mapstructure:"selector"`
	FindTimeout    time.Duration `mapstructure:"find_timeout"`
	MaxFindTimeout time.Duration `mapstructure:"max_find_timeout"`
	FindInterval   time.Duration `mapstructure:"find_interval"`
	MinCount       int           `mapstructure:"min_count"`
	MaxCount       int           `mapstructure:"max_count"`
	ImageType      string        `mapstructure:"image_type"`
	ImageQuality   int           `mapstructure:"image_quality"`
	MaxWidth       int           `mapstructure:"max_width"`
	MaxHeight      int           `mapstructure:"max_height"`
	UnitSize       int           `mapstructure:"unit_size"`
	CaptureTimeout time.Duration `mapstructure:"capture_timeout"`
	LoadTimeout    time.Duration `mapstructure:"load_timeout"`
	ReadyInterval  time.Duration `mapstructure:"ready_interval"`
	RenderDelay    time.Duration `mapstructure:"render_delay"`
	MaxRenderDelay time.Duration `mapstructure:"max_render_delay"`
	ReferenceDPI   int           `mapstructure:"reference_dpi"`
	PDFDPI         int           `mapstructure:"pdf_dpi"`
}

// InterceptConfig feeds the request gate.
type InterceptConfig struct {
	// HostsMap is "host@target,host2#target"; an empty target blocks.
	HostsMap string   `mapstructure:"hosts_map"`
	Block    []string `mapstructure:"block"`
}

// StorageConfig sets where artifacts go and how long they live.
type StorageConfig struct {
	Backend     string        `mapstructure:"backend"`
	Bucket      string        `mapstructure:"bucket"`
	Prefix      string        `mapstructure:"prefix"`
	PublicURL   string        `mapstructure:"public_url"`
	Local       local.Config  `mapstructure:"local"`
	ArtifactTTL time.Duration `mapstructure:"artifact_ttl"`
	CleanEvery  int           `mapstructure:"clean_every"`
}

// DatabaseConfig controls the shot record database. An empty DSN disables
// it.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RedisConfig enables shared shot counters when Addr is set.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HTML2IMAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)

	v.SetDefault("browser.mode", browser.ModeExec)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.op_timeout", "10s")
	v.SetDefault("browser.attach_timeout", "15s")

	v.SetDefault("pool.capacity", 4)
	v.SetDefault("pool.max_uses", 100)
	v.SetDefault("pool.acquire_timeout", "30s")
	v.SetDefault("pool.acquire_interval", "50ms")

	d := render.DefaultSettings()
	v.SetDefault("render.viewport_width", d.Viewport.Width)
	v.SetDefault("render.viewport_height", d.Viewport.Height)
	v.SetDefault("render.selector", d.Selector)
	v.SetDefault("render.find_timeout", d.FindTimeout.String())
	v.SetDefault("render.max_find_timeout", d.MaxFindTimeout.String())
	v.SetDefault("render.find_interval", d.FindInterval.String())
	v.SetDefault("render.min_count", d.MinCount)
	v.SetDefault("render.max_count", d.MaxCount)
	v.SetDefault("render.image_type", d.ImageType)
	v.SetDefault("render.image_quality", d.ImageQuality)
	v.SetDefault("render.max_width", d.MaxWidth)
	v.SetDefault("render.max_height", d.MaxHeight)
	v.SetDefault("render.unit_size", d.UnitSize)
	v.SetDefault("render.capture_timeout", "10s")
	v.SetDefault("render.load_timeout", d.LoadTimeout.String())
	v.SetDefault("render.ready_interval", d.ReadyInterval.String())
	v.SetDefault("render.render_delay", d.RenderDelay.String())
	v.SetDefault("render.max_render_delay", d.MaxRenderDelay.String())
	v.SetDefault("render.reference_dpi", d.ReferenceDPI)
	v.SetDefault("render.pdf_dpi", d.PDFDPI)

	v.SetDefault("intercept.hosts_map", "")
	v.SetDefault("intercept.block", []string{})

	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.local.base_dir", "shots")
	v.SetDefault("storage.artifact_ttl", "24h")
	v.SetDefault("storage.clean_every", 100)

	v.SetDefault("database.table", "shots")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.max_conn_lifetime", "30m")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "html2image:shots")

	v.SetDefault("logging.development", false)
	v.SetDefault("telemetry.service_name", "html2image")
	v.SetDefault("telemetry.sample_ratio", 0.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Browser.Mode {
	case browser.ModeExec, browser.ModeLaunch:
	case browser.ModeRemote:
		if c.Browser.Endpoint == "" {
			return fmt.Errorf("browser.endpoint must be set in remote mode")
		}
	default:
		return fmt.Errorf("browser.mode must be exec, remote or launch, got %q", c.Browser.Mode)
	}
	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be > 0")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be > 0")
	}
	r := c.Render
	if r.ViewportWidth <= 0 || r.ViewportHeight <= 0 {
		return fmt.Errorf("render.viewport_width and render.viewport_height must be > 0")
	}
	if r.UnitSize <= 0 {
		return fmt.Errorf("render.unit_size must be > 0")
	}
	if r.MaxWidth <= 0 || r.MaxHeight <= 0 {
		return fmt.Errorf("render.max_width and render.max_height must be > 0")
	}
	if r.MinCount <= 0 || r.MaxCount < r.MinCount {
		return fmt.Errorf("render.min_count must be > 0 and <= render.max_count")
	}
	if r.ImageQuality < 1 || r.ImageQuality > 100 {
		return fmt.Errorf("render.image_quality must be within 1..100")
	}
	if r.ReferenceDPI <= 0 {
		return fmt.Errorf("render.reference_dpi must be > 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs, got %q", c.Storage.Backend)
	}
	if c.Storage.CleanEvery < 0 {
		return fmt.Errorf("storage.clean_every must be >= 0")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is")
	}
	return nil
}

// RenderSettings converts the render section into render.Settings.
func (c Config) RenderSettings() render.Settings {
	r := c.Render
	return render.Settings{
		Viewport:       browser.Size{Width: r.ViewportWidth, Height: r.ViewportHeight},
		Selector:       r.Selector,
		FindTimeout:    r.FindTimeout,
		MaxFindTimeout: r.MaxFindTimeout,
		FindInterval:   r.FindInterval,
		MinCount:       r.MinCount,
		MaxCount:       r.MaxCount,
		ImageType:      r.ImageType,
		ImageQuality:   r.ImageQuality,
		MaxWidth:       r.MaxWidth,
		MaxHeight:      r.MaxHeight,
		UnitSize:       r.UnitSize,
		LoadTimeout:    r.LoadTimeout,
		ReadyInterval:  r.ReadyInterval,
		RenderDelay:    r.RenderDelay,
		MaxRenderDelay: r.MaxRenderDelay,
		ReferenceDPI:   r.ReferenceDPI,
		PDFDPI:         r.PDFDPI,
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/laoshu133/html2image-cdp/internal/browser"
	"github.com/laoshu133/html2image-cdp/internal/render"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Fatalf("expected port 3000, got %d", cfg.Server.Port)
	}
	if cfg.Browser.Mode != browser.ModeExec || !cfg.Browser.Headless {
		t.Fatalf("expected headless exec browser, got %+v", cfg.Browser)
	}
	if cfg.Storage.Backend != BackendLocal || cfg.Storage.ArtifactTTL != 24*time.Hour {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if got, want := cfg.RenderSettings(), render.DefaultSettings(); got != want {
		t.Fatalf("render settings = %+v, want %+v", got, want)
	}
	if cfg.Render.CaptureTimeout != 10*time.Second {
		t.Fatalf("expected capture timeout 10s, got %v", cfg.Render.CaptureTimeout)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout: 30s
auth:
  enabled: true
  api_key: secret
browser:
  mode: remote
  endpoint: ws://chrome:9222/devtools/browser/abc
pool:
  capacity: 8
  max_uses: 20
render:
  viewport_width: 1280
  viewport_height: 720
  image_type: jpg
  find_timeout: 5s
  reference_dpi: 72
intercept:
  hosts_map: "cdn.test@127.0.0.1:8080,ads.test@"
  block: ["*.tracker.test"]
storage:
  backend: gcs
  bucket: shots-bucket
  prefix: html2image
  clean_every: 0
database:
  dsn: postgres://localhost/shots
  max_conns: 2
pubsub:
  project_id: proj
  topic_name: shots
redis:
  addr: localhost:6379
logging:
  development: true
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.RequestTimeout != 30*time.Second {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Browser.Mode != browser.ModeRemote || cfg.Pool.Capacity != 8 || cfg.Pool.MaxUses != 20 {
		t.Fatalf("expected browser and pool overrides, got %+v %+v", cfg.Browser, cfg.Pool)
	}
	s := cfg.RenderSettings()
	if s.Viewport != (browser.Size{Width: 1280, Height: 720}) || s.ImageType != "jpg" || s.FindTimeout != 5*time.Second {
		t.Fatalf("expected render overrides, got %+v", s)
	}
	if s.ReferenceDPI != 72 || s.Selector != "body" {
		t.Fatalf("expected dpi override with default selector, got %+v", s)
	}
	if len(cfg.Intercept.Block) != 1 || cfg.Intercept.Block[0] != "*.tracker.test" {
		t.Fatalf("expected block list, got %v", cfg.Intercept.Block)
	}
	if cfg.Storage.Bucket != "shots-bucket" || cfg.Storage.CleanEvery != 0 {
		t.Fatalf("expected storage overrides, got %+v", cfg.Storage)
	}
	if cfg.Database.MaxConns != 2 || cfg.Database.Table != "shots" {
		t.Fatalf("expected database overrides, got %+v", cfg.Database)
	}
	if !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTML2IMAGE_SERVER_PORT", "4444")
	t.Setenv("HTML2IMAGE_POOL_CAPACITY", "2")
	t.Setenv("HTML2IMAGE_RENDER_UNIT_SIZE", "1500")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 4444 || cfg.Pool.Capacity != 2 || cfg.Render.UnitSize != 1500 {
		t.Fatalf("expected env overrides, got port=%d capacity=%d unit=%d",
			cfg.Server.Port, cfg.Pool.Capacity, cfg.Render.UnitSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "unknown browser mode", mutate: func(c *Config) { c.Browser.Mode = "telepathy" }, want: "browser.mode"},
		{name: "remote without endpoint", mutate: func(c *Config) { c.Browser.Mode = browser.ModeRemote }, want: "browser.endpoint"},
		{name: "empty pool", mutate: func(c *Config) { c.Pool.Capacity = 0 }, want: "pool.capacity"},
		{name: "no acquire timeout", mutate: func(c *Config) { c.Pool.AcquireTimeout = 0 }, want: "pool.acquire_timeout"},
		{name: "zero viewport", mutate: func(c *Config) { c.Render.ViewportHeight = 0 }, want: "render.viewport_width"},
		{name: "zero unit size", mutate: func(c *Config) { c.Render.UnitSize = 0 }, want: "render.unit_size"},
		{name: "count range", mutate: func(c *Config) { c.Render.MaxCount = 0 }, want: "render.min_count"},
		{name: "quality range", mutate: func(c *Config) { c.Render.ImageQuality = 101 }, want: "render.image_quality"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = BackendGCS }, want: "storage.bucket"},
		{name: "local without dir", mutate: func(c *Config) { c.Storage.Local.BaseDir = " " }, want: "storage.local.base_dir"},
		{name: "topic without project", mutate: func(c *Config) { c.PubSub.TopicName = "t" }, want: "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			c.Intercept.Block = append([]string(nil), base.Intercept.Block...)
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

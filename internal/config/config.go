package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/market-history/internal/export"
	"github.com/atmx/market-history/internal/marketvalue"
	"github.com/atmx/market-history/internal/store"
)

// Regions served by the snapshot source.
var Regions = []string{"us", "eu", "kr", "tw"}

type Config struct {
	Region      string        `yaml:"region"`
	Concurrency int           `yaml:"concurrency"`
	Store       StoreConfig   `yaml:"store"`
	Export      ExportConfig  `yaml:"export"`
	Reducer     ReducerConfig `yaml:"reducer"`
	Source      SourceConfig  `yaml:"source"`
	Cache       CacheConfig   `yaml:"cache"`
	Mirror      MirrorConfig  `yaml:"mirror"`
	S3          S3Config      `yaml:"s3"`
	Metrics     MetricsConfig `yaml:"metrics"`
	Server      ServerConfig  `yaml:"server"`
	Logging     LoggingConfig `yaml:"logging"`
}

type StoreConfig struct {
	Dir       string        `yaml:"dir"`
	Codec     string        `yaml:"codec"`
	Retention time.Duration `yaml:"retention"`
}

type ExportConfig struct {
	// Path may contain {region}. A .xlsx path writes a spreadsheet.
	Path string `yaml:"path"`
	Mode string `yaml:"mode"`
}

// ReducerConfig holds decimal strings; empty fields keep the defaults.
type ReducerConfig struct {
	CoreFraction string `yaml:"core_fraction"`
	MaxFraction  string `yaml:"max_fraction"`
	StepRatio    string `yaml:"step_ratio"`
	StdDevLimit  string `yaml:"std_dev_limit"`
}

type SourceConfig struct {
	ClientID          string        `yaml:"client_id"`
	ClientSecret      string        `yaml:"client_secret"`
	OAuthURL          string        `yaml:"oauth_url"`
	APIBaseURL        string        `yaml:"api_base_url"`
	Locale            string        `yaml:"locale"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
	Retries           int           `yaml:"retries"`
}

type CacheConfig struct {
	RedisURL string `yaml:"redis_url"`
	Prefix   string `yaml:"prefix"`
}

type MirrorConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

type ServerConfig struct {
	Addr        string        `yaml:"addr"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// Regions served besides Region.
	Regions []string `yaml:"regions"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Concurrency: 4,
		Store: StoreConfig{
			Dir:       "db",
			Codec:     "json",
			Retention: 60 * 24 * time.Hour,
		},
		Export: ExportConfig{
			Path: "AuctionDB.lua",
			Mode: string(export.ModeFull),
		},
		Source: SourceConfig{
			RequestsPerSecond: 20,
			Timeout:           60 * time.Second,
			Retries:           2,
		},
		Cache:   CacheConfig{Prefix: "ahdb"},
		Metrics: MetricsConfig{Job: "ahdb"},
		Server:  ServerConfig{ReadTimeout: 30 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path skips the file. Unknown keys are
// rejected. The result is not validated; call Validate once flags have
// been applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Source.ClientID, "BATTLENET_CLIENT_ID")
	set(&c.Source.ClientSecret, "BATTLENET_CLIENT_SECRET")
	set(&c.Cache.RedisURL, "REDIS_URL")
	set(&c.Mirror.DatabaseURL, "DATABASE_URL")
	set(&c.Metrics.PushgatewayURL, "PUSHGATEWAY_URL")
	set(&c.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
	set(&c.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	set(&c.S3.Region, "AWS_REGION")
	if v := strings.TrimSpace(os.Getenv("S3_BUCKET")); v != "" {
		c.S3.Bucket = v
		c.S3.Enabled = true
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	c.Region = strings.ToLower(strings.TrimSpace(c.Region))
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if !slices.Contains(Regions, c.Region) {
		return fmt.Errorf("region '%s' is not one of %v", c.Region, Regions)
	}
	for _, r := range c.Server.Regions {
		if !slices.Contains(Regions, r) {
			return fmt.Errorf("server.regions: '%s' is not one of %v", r, Regions)
		}
	}
	if c.Source.ClientID == "" || c.Source.ClientSecret == "" {
		return fmt.Errorf("source.client_id and source.client_secret are required (or BATTLENET_CLIENT_ID / BATTLENET_CLIENT_SECRET)")
	}
	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}
	if _, err := c.Codec(); err != nil {
		return fmt.Errorf("store.codec: %w", err)
	}
	if c.Store.Retention < 0 {
		return fmt.Errorf("store.retention must not be negative")
	}
	if _, err := c.ExportMode(); err != nil {
		return fmt.Errorf("export.mode: %w", err)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Source.RequestsPerSecond < 0 {
		return fmt.Errorf("source.requests_per_second must not be negative")
	}
	if _, err := c.ReducerOptions(); err != nil {
		return fmt.Errorf("reducer: %w", err)
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when S3 is enabled")
	}
	if c.Logging.MaxAge < 0 {
		return fmt.Errorf("logging.max_age must not be negative")
	}
	return nil
}

// Codec returns the store encoding.
func (c *Config) Codec() (store.Codec, error) {
	return store.ParseCodec(c.Store.Codec)
}

// ExportMode returns the export mode.
func (c *Config) ExportMode() (export.Mode, error) {
	return export.ParseMode(c.Export.Mode)
}

// ReducerOptions returns the reducer parameters with the configured
// overrides applied and checked.
func (c *Config) ReducerOptions() (marketvalue.Options, error) {
	opts := marketvalue.DefaultOptions()
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"core_fraction", c.Reducer.CoreFraction, &opts.CoreFraction},
		{"max_fraction", c.Reducer.MaxFraction, &opts.MaxFraction},
		{"step_ratio", c.Reducer.StepRatio, &opts.StepRatio},
		{"std_dev_limit", c.Reducer.StdDevLimit, &opts.StdDevLimit},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return opts, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	if _, err := marketvalue.NewReducer(opts); err != nil {
		return opts, err
	}
	return opts, nil
}

// ExportPath returns the export file of a region.
func (c *Config) ExportPath(region string) string {
	return strings.ReplaceAll(c.Export.Path, "{region}", region)
}

// ServedRegions returns Region followed by the extra server regions.
func (c *Config) ServedRegions() []string {
	out := []string{c.Region}
	for _, r := range c.Server.Regions {
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

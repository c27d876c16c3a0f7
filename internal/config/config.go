// Package config holds the proxy's tunables and loads them from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults sized for a small classroom proxy: ten 100 KiB objects fit inside
// the ~1 MiB cache budget.
const (
	DefaultMaxObjectSize  = 102400
	DefaultMaxCacheSize   = 1049000
	DefaultCacheEntries   = 10
	DefaultWorkers        = 4
	DefaultQueueCapacity  = 16
	DefaultConnectTimeout = 5 * time.Second
	DefaultUserAgent      = "Mozilla/5.0 (X11; Linux x86_64; rv:10.0.3) Gecko/20120305 Firefox/10.0.3"
)

// Config is the full proxy configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	AdminAddr  string `yaml:"admin_addr"`

	Cache struct {
		MaxObjectSize int `yaml:"max_object_size"`
		MaxCacheSize  int `yaml:"max_cache_size"`
		Entries       int `yaml:"entries"`
	} `yaml:"cache"`

	Workers       int `yaml:"workers"`
	QueueCapacity int `yaml:"queue_capacity"`

	Upstream struct {
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		// IdleTimeout bounds each upstream read; zero waits forever.
		IdleTimeout time.Duration `yaml:"idle_timeout"`
		UserAgent   string        `yaml:"user_agent"`
	} `yaml:"upstream"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	NatsURL string `yaml:"nats_url"`
}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	cfg.ListenAddr = ":15213"
	cfg.AdminAddr = ":9091"
	cfg.Cache.MaxObjectSize = DefaultMaxObjectSize
	cfg.Cache.MaxCacheSize = DefaultMaxCacheSize
	cfg.Cache.Entries = DefaultCacheEntries
	cfg.Workers = DefaultWorkers
	cfg.QueueCapacity = DefaultQueueCapacity
	cfg.Upstream.ConnectTimeout = DefaultConnectTimeout
	cfg.Upstream.UserAgent = DefaultUserAgent
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load reads path on top of the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every setting that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.Cache.MaxObjectSize <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_object_size must be positive, got %d", c.Cache.MaxObjectSize))
	}
	if c.Cache.Entries <= 0 {
		errs = append(errs, fmt.Errorf("cache.entries must be positive, got %d", c.Cache.Entries))
	}
	if c.Cache.MaxObjectSize > 0 && c.Cache.Entries > 0 &&
		c.Cache.MaxObjectSize*c.Cache.Entries > c.Cache.MaxCacheSize {
		errs = append(errs, fmt.Errorf("cache.entries × cache.max_object_size (%d) exceeds cache.max_cache_size (%d)",
			c.Cache.MaxObjectSize*c.Cache.Entries, c.Cache.MaxCacheSize))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity))
	}
	if c.Upstream.ConnectTimeout < 0 || c.Upstream.IdleTimeout < 0 {
		errs = append(errs, errors.New("upstream timeouts must not be negative"))
	}
	if c.Upstream.UserAgent == "" {
		errs = append(errs, errors.New("upstream.user_agent is required"))
	}
	return errors.Join(errs...)
}

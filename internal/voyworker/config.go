package voyworker

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port    int    `yaml:"port"`
		Origin  string `yaml:"origin"`
		AppRoot string `yaml:"appRoot"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Cache struct {
		Version           string   `yaml:"version"`
		StaticPrefix      string   `yaml:"staticPrefix"`
		RuntimePrefix     string   `yaml:"runtimePrefix"`
		StaticMarker      string   `yaml:"staticMarker"`
		AppShell          string   `yaml:"appShell"`
		Manifest          []string `yaml:"manifest"`
		ManifestSitemaps  []string `yaml:"manifestSitemaps"`
		CredentialCookies []string `yaml:"credentialCookies"`
	} `yaml:"cache"`

	Lifecycle struct {
		RetryEvery string `yaml:"retryEvery"`

		retryEveryDur time.Duration
	} `yaml:"lifecycle"`

	Notifications struct {
		ProductName string `yaml:"productName"`
		DefaultIcon string `yaml:"defaultIcon"`
		Badge       string `yaml:"badge"`
		QueuePath   string `yaml:"queuePath"`
		SyncEvery   string `yaml:"syncEvery"`
		PendingTTL  string `yaml:"pendingOpenTTL"`

		syncEveryDur  time.Duration
		pendingTTLDur time.Duration
	} `yaml:"notifications"`

	MQTT struct {
		Broker   string `yaml:"broker"`
		Topic    string `yaml:"topic"`
		ClientID string `yaml:"clientId"`
		QoS      byte   `yaml:"qos"`
	} `yaml:"mqtt"`

	Logging struct {
		Level         string `yaml:"level"`
		Development   bool   `yaml:"development"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	ramMaxBytes int64
}

// StaticCacheName is the name of the app-shell store for the configured generation.
func (c Config) StaticCacheName() string {
	return c.Cache.StaticPrefix + "-" + c.Cache.Version
}

// RuntimeCacheName is the name of the dynamic-response store for the configured generation.
func (c Config) RuntimeCacheName() string {
	return c.Cache.RuntimePrefix + "-" + c.Cache.Version
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.origin: invalid origin %q", cfg.Server.Origin)
	}
	if cfg.Server.AppRoot == "" {
		cfg.Server.AppRoot = "/"
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/cache"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64mb"
	}
	ramMax, err := parseBytes(cfg.Storage.RAM.Max)
	if err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	cfg.ramMaxBytes = ramMax

	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v1"
	}
	if cfg.Cache.StaticPrefix == "" {
		cfg.Cache.StaticPrefix = "voy-static"
	}
	if cfg.Cache.RuntimePrefix == "" {
		cfg.Cache.RuntimePrefix = "voy-runtime"
	}
	if cfg.StaticCacheName() == cfg.RuntimeCacheName() {
		return fmt.Errorf("cache.staticPrefix and cache.runtimePrefix must differ")
	}
	if cfg.Cache.StaticMarker == "" {
		cfg.Cache.StaticMarker = "/assets/"
	}
	if cfg.Cache.AppShell == "" {
		cfg.Cache.AppShell = "/index.html"
	}
	for i, m := range cfg.Cache.Manifest {
		m = strings.TrimSpace(m)
		if m == "" {
			return fmt.Errorf("cache.manifest[%d]: empty url", i)
		}
		if _, err := url.Parse(m); err != nil {
			return fmt.Errorf("cache.manifest[%d]: %w", i, err)
		}
		cfg.Cache.Manifest[i] = m
	}
	for i, sm := range cfg.Cache.ManifestSitemaps {
		if _, err := url.Parse(strings.TrimSpace(sm)); err != nil {
			return fmt.Errorf("cache.manifestSitemaps[%d]: %w", i, err)
		}
	}

	if cfg.Lifecycle.RetryEvery == "" {
		cfg.Lifecycle.RetryEvery = "30s"
	}
	if cfg.Lifecycle.retryEveryDur, err = time.ParseDuration(cfg.Lifecycle.RetryEvery); err != nil {
		return fmt.Errorf("lifecycle.retryEvery: %w", err)
	}

	n := &cfg.Notifications
	if n.ProductName == "" {
		n.ProductName = "Voy al Aeropuerto"
	}
	if n.DefaultIcon == "" {
		n.DefaultIcon = "/assets/icons/icon-192x192.png"
	}
	if n.Badge == "" {
		n.Badge = "/assets/icons/badge-72x72.png"
	}
	if n.QueuePath == "" {
		n.QueuePath = "./data/" + QueueDatabaseName
	}
	if n.SyncEvery == "" {
		n.SyncEvery = "1m"
	}
	if n.syncEveryDur, err = time.ParseDuration(n.SyncEvery); err != nil {
		return fmt.Errorf("notifications.syncEvery: %w", err)
	}
	if n.PendingTTL == "" {
		n.PendingTTL = "5m"
	}
	if n.pendingTTLDur, err = time.ParseDuration(n.PendingTTL); err != nil {
		return fmt.Errorf("notifications.pendingOpenTTL: %w", err)
	}

	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "voyalaeropuerto/background-messages"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "voyworker"
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos: must be 0, 1 or 2")
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}
	return nil
}

package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type GeoServerCfg struct {
	URL        string        `yaml:"url"`
	RoleHeader string        `yaml:"role_header"`
	Timeout    time.Duration `yaml:"timeout"`
	Token      string        `yaml:"token"`
	// CredentialsMode is passthrough (caller bearer) or static (Token).
	CredentialsMode string `yaml:"credentials_mode"`
}

type PublishCfg struct {
	SharedWorkspace     string `yaml:"shared_workspace"`
	PrivilegedRole      string `yaml:"privileged_role"`
	VectorStore         string `yaml:"vector_store"`
	CoverageURLTemplate string `yaml:"coverage_url_template"`
	WorkspaceMode       string `yaml:"workspace_mode"`
	IndeterminatePolicy string `yaml:"indeterminate_policy"`
	StrictUpload        bool   `yaml:"strict_upload"`
	WorkspaceMemoSize   int    `yaml:"workspace_memo_size"`
	DeleteParallelism   int    `yaml:"delete_parallelism"`
	MaxUploadBytes      int64  `yaml:"max_upload_bytes"`
	VectorCRS           string `yaml:"vector_crs"`
}

type CatalogCfg struct {
	CacheEnabled bool          `yaml:"cache_enabled"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	RedisAddr    string        `yaml:"redis_addr"`
	RedisPool    int           `yaml:"redis_pool_size"`
}

type EventsCfg struct {
	Enabled bool   `yaml:"enabled"`
	Brokers string `yaml:"brokers"`
	Topic   string `yaml:"topic"`
	GroupID string `yaml:"group_id"`
	// Consume makes serve apply events published by other processes.
	Consume bool `yaml:"consume"`
}

type MetricsCfg struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

type Config struct {
	Addr       string       `yaml:"addr"`
	LogLevel   string       `yaml:"log_level"`
	LogConsole bool         `yaml:"log_console"`
	LogSampleN int          `yaml:"log_sample_n"`
	GeoServer  GeoServerCfg `yaml:"geoserver"`
	Publish    PublishCfg   `yaml:"publish"`
	Catalog    CatalogCfg   `yaml:"catalog"`
	Events     EventsCfg    `yaml:"events"`
	Metrics    MetricsCfg   `yaml:"metrics"`
}

func Defaults() Config {
	return Config{
		Addr:     ":8090",
		LogLevel: "info",
		GeoServer: GeoServerCfg{
			URL:             "http://localhost:8080/geoserver",
			RoleHeader:      "ADMIN",
			Timeout:         30 * time.Second,
			CredentialsMode: "passthrough",
		},
		Publish: PublishCfg{
			SharedWorkspace:     "geoportal",
			PrivilegedRole:      "provider",
			VectorStore:         "myvectorstore",
			CoverageURLTemplate: "file:data/%s.tif",
			WorkspaceMode:       "best-effort",
			IndeterminatePolicy: "default",
			WorkspaceMemoSize:   1024,
			DeleteParallelism:   4,
			MaxUploadBytes:      256 << 20,
			VectorCRS:           "EPSG:4326",
		},
		Catalog: CatalogCfg{
			CacheTTL:  5 * time.Minute,
			RedisAddr: "localhost:6379",
			RedisPool: 16,
		},
		Events: EventsCfg{
			Brokers: "localhost:9092",
			Topic:   "layer-changes",
			GroupID: "geoportal-catalog",
		},
		Metrics: MetricsCfg{
			Addr: ":9090",
			Path: "/metrics",
		},
	}
}

// FromEnv returns the defaults overridden by the environment.
func FromEnv() Config {
	cfg := Defaults()
	applyEnv(&cfg)
	return cfg
}

// Load layers defaults, the YAML file at path (skipped when path is empty)
// and the environment, in that order.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if len(bytes.TrimSpace(data)) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.GeoServer.URL) == "" {
		return fmt.Errorf("config: geoserver url is required")
	}
	switch c.GeoServer.CredentialsMode {
	case "passthrough", "static":
	default:
		return fmt.Errorf("config: credentials mode %q, want passthrough|static", c.GeoServer.CredentialsMode)
	}
	if c.Publish.SharedWorkspace == "" {
		return fmt.Errorf("config: shared workspace is required")
	}
	if c.Publish.MaxUploadBytes <= 0 {
		return fmt.Errorf("config: max upload bytes must be positive")
	}
	return nil
}

func (c EventsCfg) BrokerList() []string { return splitCSV(c.Brokers) }

func applyEnv(c *Config) {
	c.Addr = getenv("ADDR", c.Addr)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.LogConsole = getbool("LOG_CONSOLE", c.LogConsole)
	c.LogSampleN = getint("LOG_SAMPLE_N", c.LogSampleN)

	c.GeoServer.URL = getenv("GEOSERVER_URL", c.GeoServer.URL)
	c.GeoServer.RoleHeader = getenv("GEOSERVER_ROLE_HEADER", c.GeoServer.RoleHeader)
	c.GeoServer.Timeout = getduration("GEOSERVER_TIMEOUT", c.GeoServer.Timeout)
	c.GeoServer.Token = getenv("GEOSERVER_TOKEN", c.GeoServer.Token)
	c.GeoServer.CredentialsMode = strings.ToLower(getenv("CREDENTIALS_MODE", c.GeoServer.CredentialsMode))

	p := &c.Publish
	p.SharedWorkspace = getenv("SHARED_WORKSPACE", p.SharedWorkspace)
	p.PrivilegedRole = getenv("PRIVILEGED_ROLE", p.PrivilegedRole)
	p.VectorStore = getenv("VECTOR_STORE", p.VectorStore)
	p.CoverageURLTemplate = getenv("COVERAGE_URL_TEMPLATE", p.CoverageURLTemplate)
	p.WorkspaceMode = getenv("WORKSPACE_MODE", p.WorkspaceMode)
	p.IndeterminatePolicy = getenv("INDETERMINATE_POLICY", p.IndeterminatePolicy)
	p.StrictUpload = getbool("STRICT_UPLOAD", p.StrictUpload)
	p.WorkspaceMemoSize = getint("WORKSPACE_MEMO_SIZE", p.WorkspaceMemoSize)
	p.DeleteParallelism = getint("DELETE_PARALLELISM", p.DeleteParallelism)
	p.MaxUploadBytes = getint64("MAX_UPLOAD_BYTES", p.MaxUploadBytes)
	p.VectorCRS = getenv("VECTOR_CRS", p.VectorCRS)

	c.Catalog.RedisAddr = getenv("REDIS_ADDR", c.Catalog.RedisAddr)
	c.Catalog.RedisPool = getint("REDIS_POOL_SIZE", c.Catalog.RedisPool)
	c.Catalog.CacheEnabled = getbool("CATALOG_CACHE_ENABLED", c.Catalog.CacheEnabled)
	c.Catalog.CacheTTL = getduration("CATALOG_CACHE_TTL", c.Catalog.CacheTTL)

	c.Events.Enabled = getbool("EVENTS_ENABLED", c.Events.Enabled)
	c.Events.Brokers = getenv("KAFKA_BROKERS", c.Events.Brokers)
	c.Events.Topic = getenv("KAFKA_TOPIC", c.Events.Topic)
	c.Events.GroupID = getenv("KAFKA_GROUP_ID", c.Events.GroupID)
	c.Events.Consume = getbool("EVENTS_CONSUME", c.Events.Consume)

	c.Metrics.Enabled = getbool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Addr = getenv("METRICS_ADDR", c.Metrics.Addr)
	c.Metrics.Path = getenv("METRICS_PATH", c.Metrics.Path)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

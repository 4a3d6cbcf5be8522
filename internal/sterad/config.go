package sterad

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServingMode decides which clients are offered cached snapshots.
type ServingMode string

const (
	ServeCrawlersOnly ServingMode = "crawlers_only"
	ServeAllClients   ServingMode = "all_clients"
)

const (
	defaultPort             = 9081
	defaultCacheDir         = ".sterad_cache"
	defaultMemoryCacheLimit = 100
	defaultMaxContentLength = 1024 * 1024
	defaultMaxTitleLength   = 200
	defaultMaxTagRatio      = 0.7
	defaultPatternBudget    = 100 * time.Millisecond
	defaultTransformTimeout = 5 * time.Second
	defaultCaptureRate      = 30
	defaultCaptureBurst     = 10
	defaultLedgerDir        = "./data/ledger"

	minSecretLength = 32
)

var defaultAllowedTags = []string{
	"div", "span", "p", "a", "img", "br", "hr",
	"h1", "h2", "h3", "h4", "h5", "h6",
	"ul", "ol", "li", "dl", "dt", "dd",
	"strong", "em", "b", "i", "u", "s", "small", "sub", "sup", "mark",
	"code", "pre", "blockquote", "q", "cite", "abbr", "time",
	"section", "article", "header", "footer", "nav", "main", "aside",
	"figure", "figcaption", "picture", "source",
	"table", "thead", "tbody", "tfoot", "tr", "th", "td", "caption",
	"button", "label", "input", "select", "option", "textarea",
	"svg", "path", "g", "circle", "rect", "line", "polyline", "polygon", "use", "defs",
}

type Config struct {
	Server struct {
		Port          int         `yaml:"port"`
		DistDir       string      `yaml:"dist_dir"`
		CacheDir      string      `yaml:"cache_dir"`
		ServeCachedTo ServingMode `yaml:"serve_cached_to"`
		MetricsAddr   string      `yaml:"metrics_addr"`
	} `yaml:"server"`

	Cache struct {
		Routes           []string `yaml:"cache_routes"`
		ExcludeRoutes    []string `yaml:"not_cache_routes"`
		MemoryCacheLimit int      `yaml:"memory_cache_limit"`
	} `yaml:"cache"`

	Security struct {
		MaxContentLength      string   `yaml:"max_content_length"`
		MaxTitleLength        int      `yaml:"max_title_length"`
		AllowedTags           []string `yaml:"allowed_tags"`
		MaxTagRatio           float64  `yaml:"max_tag_ratio"`
		PatternBudget         string   `yaml:"pattern_budget"`
		ContentSecurityPolicy string   `yaml:"content_security_policy"`
		CaptureRatePerMinute  int      `yaml:"capture_rate_per_minute"`
		CaptureBurst          int      `yaml:"capture_burst"`
	} `yaml:"security"`

	Transform struct {
		Command string   `yaml:"intercept_script"`
		Args    []string `yaml:"args"`
		Timeout string   `yaml:"timeout"`
	} `yaml:"transform"`

	Storage struct {
		LedgerDir string `yaml:"ledger_dir"`
	} `yaml:"storage"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"log_stats_every"`
	} `yaml:"logging"`

	// Auth is populated from the environment, never from the file.
	Auth AuthConfig `yaml:"-"`

	// compiled
	distRoot         string
	cacheRoot        string
	maxContentBytes  int64
	patternBudget    time.Duration
	transformTimeout time.Duration
	logStatsEvery    time.Duration
	allowedTags      map[string]struct{}
}

// AuthConfig holds the signing material for admin invalidation tokens.
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// Enabled reports whether a signing secret is configured.
func (a AuthConfig) Enabled() bool { return a.Secret != "" }

func LoadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.Auth = AuthFromEnv()
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AuthFromEnv reads STERAD_JWT_SECRET, STERAD_JWT_ISSUER and STERAD_JWT_AUDIENCE.
func AuthFromEnv() AuthConfig {
	return AuthConfig{
		Secret:   strings.TrimSpace(os.Getenv("STERAD_JWT_SECRET")),
		Issuer:   firstNonEmpty(strings.TrimSpace(os.Getenv("STERAD_JWT_ISSUER")), "sterad"),
		Audience: firstNonEmpty(strings.TrimSpace(os.Getenv("STERAD_JWT_AUDIENCE")), "sterad-admin"),
	}
}

// finalize substitutes defaults, validates hard errors and compiles derived
// values. It is idempotent.
func (c *Config) finalize() error {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.DistDir) == "" {
		return fmt.Errorf("server.dist_dir is required")
	}
	distRoot, err := filepath.Abs(c.Server.DistDir)
	if err != nil {
		return fmt.Errorf("server.dist_dir: %w", err)
	}
	c.distRoot = distRoot

	if strings.TrimSpace(c.Server.CacheDir) == "" {
		c.Server.CacheDir = defaultCacheDir
	}
	cacheRoot := c.Server.CacheDir
	if !filepath.IsAbs(cacheRoot) {
		cacheRoot = filepath.Join(distRoot, cacheRoot)
	}
	cacheRoot = filepath.Clean(cacheRoot)
	rel, err := filepath.Rel(distRoot, cacheRoot)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("server.cache_dir %q must be a subdirectory of %q", c.Server.CacheDir, distRoot)
	}
	c.cacheRoot = cacheRoot

	switch c.Server.ServeCachedTo {
	case "":
		c.Server.ServeCachedTo = ServeCrawlersOnly
	case ServeCrawlersOnly, ServeAllClients:
	default:
		return fmt.Errorf("server.serve_cached_to: unknown mode %q", c.Server.ServeCachedTo)
	}

	if c.Cache.MemoryCacheLimit <= 0 {
		c.Cache.MemoryCacheLimit = defaultMemoryCacheLimit
	}

	c.maxContentBytes = defaultMaxContentLength
	if s := strings.TrimSpace(c.Security.MaxContentLength); s != "" {
		if n, err := parseBytes(s); err == nil && n > 0 {
			c.maxContentBytes = n
		}
	}
	if c.Security.MaxTitleLength <= 0 {
		c.Security.MaxTitleLength = defaultMaxTitleLength
	}
	if len(c.Security.AllowedTags) == 0 {
		c.Security.AllowedTags = append([]string(nil), defaultAllowedTags...)
	}
	c.allowedTags = make(map[string]struct{}, len(c.Security.AllowedTags))
	for _, t := range c.Security.AllowedTags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			c.allowedTags[t] = struct{}{}
		}
	}
	if c.Security.MaxTagRatio <= 0 || c.Security.MaxTagRatio > 1 {
		c.Security.MaxTagRatio = defaultMaxTagRatio
	}
	c.patternBudget = parseDurationOr(c.Security.PatternBudget, defaultPatternBudget)
	if c.Security.CaptureRatePerMinute <= 0 {
		c.Security.CaptureRatePerMinute = defaultCaptureRate
	}
	if c.Security.CaptureBurst <= 0 {
		c.Security.CaptureBurst = defaultCaptureBurst
	}

	c.transformTimeout = parseDurationOr(c.Transform.Timeout, defaultTransformTimeout)

	if strings.TrimSpace(c.Storage.LedgerDir) == "" {
		c.Storage.LedgerDir = defaultLedgerDir
	}

	if c.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(c.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.log_stats_every: %w", err)
		}
		c.logStatsEvery = d
	}

	if c.Auth.Secret != "" && len(c.Auth.Secret) < minSecretLength {
		return fmt.Errorf("STERAD_JWT_SECRET must be at least %d characters", minSecretLength)
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "sterad"
	}
	if c.Auth.Audience == "" {
		c.Auth.Audience = "sterad-admin"
	}
	return nil
}

// DistRoot is the absolute distribution directory.
func (c *Config) DistRoot() string { return c.distRoot }

// CacheRoot is the absolute snapshot directory inside DistRoot.
func (c *Config) CacheRoot() string { return c.cacheRoot }

func parseDurationOr(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

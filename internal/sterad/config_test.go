package sterad

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig returns a finalized config over a fresh dist directory with
// an in-memory ledger.
func testConfig(t *testing.T) Config {
	t.Helper()
	dist := t.TempDir()
	writeShell(t, dist, testShellHTML)

	var cfg Config
	cfg.Server.DistDir = dist
	cfg.Cache.Routes = []string{"/", "/*"}
	cfg.Cache.ExcludeRoutes = []string{"/admin/*"}
	cfg.Storage.LedgerDir = memLedgerDir
	require.NoError(t, cfg.finalize())
	return cfg
}

func TestLoadConfig(t *testing.T) {
	dist := t.TempDir()
	t.Setenv("STERAD_JWT_SECRET", testSecret)
	t.Setenv("STERAD_JWT_ISSUER", "")
	t.Setenv("STERAD_JWT_AUDIENCE", "ops")

	path := filepath.Join(t.TempDir(), "sterad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8080
  dist_dir: `+dist+`
  cache_dir: snapshots
  serve_cached_to: all_clients
cache:
  cache_routes: ["/", "/blog/*"]
  not_cache_routes: ["/blog/drafts*"]
  memory_cache_limit: 10
security:
  max_content_length: 256kb
  max_title_length: 80
  allowed_tags: [P, Div, span]
  max_tag_ratio: 0.5
  pattern_budget: 20ms
transform:
  intercept_script: ./hooks/transform
  args: ["--mode", "seo"]
  timeout: 2s
storage:
  ledger_dir: ./data/l
logging:
  level: debug
  format: json
  log_stats_every: 30s
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, dist, cfg.DistRoot())
	assert.Equal(t, filepath.Join(dist, "snapshots"), cfg.CacheRoot())
	assert.Equal(t, ServeAllClients, cfg.Server.ServeCachedTo)
	assert.Equal(t, []string{"/", "/blog/*"}, cfg.Cache.Routes)
	assert.Equal(t, 10, cfg.Cache.MemoryCacheLimit)
	assert.Equal(t, int64(256<<10), cfg.maxContentBytes)
	assert.Equal(t, 80, cfg.Security.MaxTitleLength)
	assert.Equal(t, map[string]struct{}{"p": {}, "div": {}, "span": {}}, cfg.allowedTags)
	assert.Equal(t, 0.5, cfg.Security.MaxTagRatio)
	assert.Equal(t, 20*time.Millisecond, cfg.patternBudget)
	assert.Equal(t, "./hooks/transform", cfg.Transform.Command)
	assert.Equal(t, []string{"--mode", "seo"}, cfg.Transform.Args)
	assert.Equal(t, 2*time.Second, cfg.transformTimeout)
	assert.Equal(t, "./data/l", cfg.Storage.LedgerDir)
	assert.Equal(t, 30*time.Second, cfg.logStatsEvery)
	assert.Equal(t, AuthConfig{Secret: testSecret, Issuer: "sterad", Audience: "ops"}, cfg.Auth)
}

func TestFinalizeDefaults(t *testing.T) {
	cfg := testConfig(t)

	assert.Equal(t, defaultPort, cfg.Server.Port)
	assert.Equal(t, filepath.Join(cfg.DistRoot(), defaultCacheDir), cfg.CacheRoot())
	assert.Equal(t, ServeCrawlersOnly, cfg.Server.ServeCachedTo)
	assert.Equal(t, defaultMemoryCacheLimit, cfg.Cache.MemoryCacheLimit)
	assert.Equal(t, int64(defaultMaxContentLength), cfg.maxContentBytes)
	assert.Equal(t, defaultPatternBudget, cfg.patternBudget)
	assert.Equal(t, defaultTransformTimeout, cfg.transformTimeout)
	assert.Equal(t, defaultCaptureRate, cfg.Security.CaptureRatePerMinute)
	assert.Equal(t, defaultCaptureBurst, cfg.Security.CaptureBurst)
	assert.Zero(t, cfg.logStatsEvery)
	assert.False(t, cfg.Auth.Enabled())

	// finalize is idempotent
	again := cfg
	require.NoError(t, again.finalize())
	assert.Equal(t, cfg.CacheRoot(), again.CacheRoot())
}

func TestFinalizeSoftDefaultsForBadValues(t *testing.T) {
	var cfg Config
	cfg.Server.DistDir = t.TempDir()
	cfg.Security.MaxContentLength = "lots"
	cfg.Security.MaxTagRatio = 3
	cfg.Security.PatternBudget = "-5ms"
	cfg.Transform.Timeout = "soon"
	require.NoError(t, cfg.finalize())

	assert.Equal(t, int64(defaultMaxContentLength), cfg.maxContentBytes)
	assert.Equal(t, defaultMaxTagRatio, cfg.Security.MaxTagRatio)
	assert.Equal(t, defaultPatternBudget, cfg.patternBudget)
	assert.Equal(t, defaultTransformTimeout, cfg.transformTimeout)
}

func TestFinalizeErrors(t *testing.T) {
	dist := t.TempDir()
	testCases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing dist", func(c *Config) { c.Server.DistDir = "" }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"cache dir outside dist", func(c *Config) { c.Server.CacheDir = "../elsewhere" }},
		{"cache dir is dist", func(c *Config) { c.Server.CacheDir = "." }},
		{"absolute cache dir outside", func(c *Config) { c.Server.CacheDir = os.TempDir() }},
		{"unknown mode", func(c *Config) { c.Server.ServeCachedTo = "everyone" }},
		{"bad stats interval", func(c *Config) { c.Logging.LogStatsEvery = "often" }},
		{"short secret", func(c *Config) { c.Auth.Secret = "tooshort" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			cfg.Server.DistDir = dist
			tc.mutate(&cfg)
			assert.Error(t, cfg.finalize())
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var cfg Config
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "warn"

	var buf bytes.Buffer
	logger := NewLogger(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"component":"sterad"`)
}

func TestRateLimitedLogger(t *testing.T) {
	var buf bytes.Buffer
	var cfg Config
	cfg.Logging.Format = "json"
	l := newRateLimitedLogger(NewLogger(cfg, &buf), time.Hour)

	l.Warn("probe", "first")
	l.Warn("probe", "second")
	l.Warn("other", "third")

	out := buf.String()
	assert.Contains(t, out, "first")
	assert.NotContains(t, out, "second")
	assert.Contains(t, out, "third")
	assert.Contains(t, out, `"event":"probe"`)

	l.interval = 0
	l.Warn("probe", "fourth")
	assert.Contains(t, buf.String(), `"suppressed":1`)
}

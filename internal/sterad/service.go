package sterad

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

const (
	htmlContentType = "text/html; charset=utf-8"

	// maxMemoryAssetBytes keeps large static files out of the memory cache.
	maxMemoryAssetBytes = 2 << 20

	// memLedgerDir selects an in-memory ledger.
	memLedgerDir = ":memory:"
)

type Service struct {
	cfg    Config
	logger *slog.Logger
	secLog *rateLimitedLogger

	routes      *RouteClassifier
	bots        *BotClassifier
	validator   *Validator
	sanitizer   *Sanitizer
	memory      *MemoryCache
	shell       *Shell
	transformer *Transformer
	verifier    *TokenVerifier
	ledger      *ledger
	limiter     *captureLimiter
	headers     securityHeaders

	metrics *metrics
	stats   *statsCollector

	reads singleflight.Group

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type serviceOptions struct {
	logger      *slog.Logger
	meter       metric.Meter
	watchShell  bool
	securityLog time.Duration
}

// Option customizes NewService.
type Option func(*serviceOptions)

// WithLogger sets the service logger; the default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(o *serviceOptions) { o.logger = l }
}

// WithMeter records metrics on m instead of the global MeterProvider.
func WithMeter(m metric.Meter) Option {
	return func(o *serviceOptions) { o.meter = m }
}

// WithShellWatch toggles reloading index.html on change (default on).
func WithShellWatch(enabled bool) Option {
	return func(o *serviceOptions) { o.watchShell = enabled }
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	o := serviceOptions{watchShell: true, securityLog: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = discardLogger()
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	routes, err := CompileRoutes(cfg.Cache.Routes, cfg.Cache.ExcludeRoutes)
	if err != nil {
		return nil, fmt.Errorf("compile routes: %w", err)
	}
	memory, err := NewMemoryCache(cfg.Cache.MemoryCacheLimit)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.cacheRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	shell, err := LoadShell(cfg.distRoot, captureScript)
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(o.meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	var led *ledger
	if cfg.Storage.LedgerDir == memLedgerDir {
		led, err = openMemLedger()
	} else {
		led, err = openLedger(cfg.Storage.LedgerDir)
	}
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:         cfg,
		logger:      o.logger,
		secLog:      newRateLimitedLogger(o.logger, o.securityLog),
		routes:      routes,
		bots:        NewBotClassifier(cfg.patternBudget),
		validator:   NewValidator(validatorConfigFrom(cfg)),
		sanitizer:   NewSanitizer(cfg.patternBudget),
		memory:      memory,
		shell:       shell,
		transformer: NewTransformer(cfg.Transform.Command, cfg.Transform.Args, cfg.transformTimeout),
		verifier:    NewTokenVerifier(cfg.Auth),
		ledger:      led,
		limiter:     newCaptureLimiter(cfg.Security.CaptureRatePerMinute, cfg.Security.CaptureBurst),
		headers:     newSecurityHeaders(cfg.Security.ContentSecurityPolicy, scriptHash(captureScript)),
		metrics:     m,
		stats:       newStatsCollector(),
		stopCh:      make(chan struct{}),
	}

	onPatternFailure := func(pattern string, err error) {
		s.metrics.patternFailure(context.Background())
		s.secLog.Warn("pattern_failure", "guarded pattern failed", "pattern", pattern, "error", err)
	}
	s.bots.withFailureHook(onPatternFailure)
	s.validator.withFailureHook(onPatternFailure)
	s.sanitizer.withFailureHook(onPatternFailure)

	if !cfg.Auth.Enabled() {
		s.logger.Warn("STERAD_JWT_SECRET not set, cache invalidation requests will be refused")
	}

	if o.watchShell {
		if err := s.startShellWatcher(); err != nil {
			s.logger.Warn("shell watcher disabled", "error", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.maintenanceLoop(time.Minute, cfg.logStatsEvery)
	}()

	s.logger.Info("service ready",
		"dist", cfg.distRoot,
		"cache", cfg.cacheRoot,
		"mode", cfg.Server.ServeCachedTo,
		"ledger_entries", led.Len(),
		"transform", cfg.Transform.Command != "",
	)
	return s, nil
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.ledger.close()
	})
}

func (s *Service) Handler() http.Handler {
	return chain(http.HandlerFunc(s.handle),
		withSecurityHeaders(s.headers),
		withRecover(s.logger),
		withAccessLog(s.logger),
	)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet:
		s.serveGet(w, r)
	case r.Method == http.MethodPost && r.URL.Path == CaptureEndpoint:
		s.handleCapture(w, r)
	case r.Method == http.MethodDelete && r.URL.Path == CaptureEndpoint:
		s.handleInvalidate(w, r)
	default:
		writeAck(w)
	}
}

// serveGet walks memory cache, static asset, disk snapshot and SPA shell in
// that order.
func (s *Service) serveGet(w http.ResponseWriter, r *http.Request) {
	path := NormalizeURLPath(r.URL.EscapedPath())
	serveCached := s.cfg.Server.ServeCachedTo == ServeAllClients || s.bots.IsBot(r.UserAgent())

	if serveCached {
		if ent, ok := s.memory.Get(path); ok {
			s.writeBody(w, r, ent.ContentType, ent.Body, sourceMemory)
			return
		}
	}

	if IsStaticAsset(path) {
		s.serveStatic(w, r, path)
		return
	}

	cacheable := s.routes.ShouldCache(path)
	if cacheable && serveCached {
		if body, ok := s.readSnapshot(r.Context(), path); ok {
			s.remember(r.Context(), path, CacheEntry{Body: body, ContentType: htmlContentType})
			s.writeBody(w, r, htmlContentType, body, sourceDisk)
			return
		}
	}

	if !cacheable || !serveCached {
		s.writeBody(w, r, htmlContentType, []byte(s.shell.Plain()), sourceShell)
		return
	}
	s.writeBody(w, r, htmlContentType, []byte(s.shell.WithCapture()), sourceCapture)
}

func (s *Service) serveStatic(w http.ResponseWriter, r *http.Request, path string) {
	file, err := ResolveWithin(path, s.cfg.distRoot)
	if err != nil {
		s.secLog.Warn("static_traversal", "static path rejected", "path", path, "remote", clientKey(r))
		s.notFound(w, r)
		return
	}
	if contained(s.cfg.cacheRoot, file) {
		s.notFound(w, r)
		return
	}
	info, err := os.Stat(file)
	if err != nil || info.IsDir() {
		s.notFound(w, r)
		return
	}
	body, err := os.ReadFile(file)
	if err != nil {
		s.logger.Warn("static read failed", "path", path, "error", err)
		s.notFound(w, r)
		return
	}
	ct := mime.TypeByExtension(filepath.Ext(file))
	if ct == "" {
		ct = http.DetectContentType(body)
	}
	if len(body) <= maxMemoryAssetBytes {
		s.remember(r.Context(), path, CacheEntry{Body: body, ContentType: ct})
	}
	s.writeBody(w, r, ct, body, sourceStatic)
}

// readSnapshot loads the disk snapshot for path. Concurrent readers of the
// same file share one read.
func (s *Service) readSnapshot(ctx context.Context, path string) ([]byte, bool) {
	file, err := ResolveCacheFile(path, s.cfg.cacheRoot)
	if err != nil {
		s.secLog.Warn("snapshot_traversal", "snapshot path rejected", "path", path)
		return nil, false
	}
	v, err, _ := s.reads.Do(file, func() (any, error) {
		return os.ReadFile(file)
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, known := s.ledger.Peek(path); known {
				s.ledger.Forget(path)
			}
		} else {
			s.logger.Warn("snapshot read failed", "path", path, "error", err)
		}
		return nil, false
	}
	return v.([]byte), true
}

func (s *Service) remember(ctx context.Context, path string, ent CacheEntry) {
	if s.memory.Put(path, ent) {
		s.metrics.eviction(ctx)
	}
}

func (s *Service) writeBody(w http.ResponseWriter, r *http.Request, contentType string, body []byte, source string) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	setSourceHeader(h, source)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)

	s.stats.Observe(len(body))
	s.metrics.response(r.Context(), source)
}

func (s *Service) notFound(w http.ResponseWriter, r *http.Request) {
	setSourceHeader(w.Header(), sourceStatic)
	http.NotFound(w, r)
	s.metrics.response(r.Context(), "not_found")
}

func (s *Service) maintenanceLoop(sweepEvery, statsEvery time.Duration) {
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	var statsC <-chan time.Time
	if statsEvery > 0 {
		t := time.NewTicker(statsEvery)
		defer t.Stop()
		statsC = t.C
	}

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-sweep.C:
			s.limiter.sweep(now)
		case <-statsC:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	args := []any{
		"cached_paths", s.ledger.Len(),
		"memory_entries", s.memory.Len(),
		"memory_usage", formatBytes(uint64(s.memory.TotalSize())),
		"disk_usage", formatBytes(uint64(s.ledger.TotalSize())),
		"resp_min", formatBytes(ss.MinRespBytes),
		"resp_avg", formatBytes(ss.AvgRespBytes),
		"resp_max", formatBytes(ss.MaxRespBytes),
		"captured", ss.Captured,
		"rejected", ss.Rejected,
	}
	if rss, ok := processRSSBytes(); ok {
		args = append(args, "rss", formatBytes(rss))
	}
	if vals, ok := processSmapsRollupBytes(); ok {
		args = append(args, "smaps", formatSmapsRollup(vals))
	}
	s.logger.Info("stats", args...)
}

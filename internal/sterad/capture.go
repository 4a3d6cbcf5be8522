package sterad

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"
)

// maxInvalidateBody bounds the DELETE payload, which only carries a path.
const maxInvalidateBody = 16 << 10

var errMalformedCapture = errors.New("malformed capture payload")

// CapturedContent is a decoded, still untrusted capture submission.
type CapturedContent struct {
	Title   string
	Content string
	Path    string
}

type captureRequest struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
	Path    *string `json:"path"`
}

// decodeCapture parses a capture body. Every field must be present and a
// string, the path non-empty and the title within maxTitle characters.
func decodeCapture(body io.Reader, maxTitle int) (CapturedContent, error) {
	var req captureRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return CapturedContent{}, fmt.Errorf("%w: %w", errMalformedCapture, err)
	}
	switch {
	case req.Title == nil:
		return CapturedContent{}, fmt.Errorf("%w: missing title", errMalformedCapture)
	case req.Content == nil:
		return CapturedContent{}, fmt.Errorf("%w: missing content", errMalformedCapture)
	case req.Path == nil || *req.Path == "":
		return CapturedContent{}, fmt.Errorf("%w: missing path", errMalformedCapture)
	case utf8.RuneCountInString(*req.Title) > maxTitle:
		return CapturedContent{}, fmt.Errorf("%w: title too long", errMalformedCapture)
	}
	return CapturedContent{Title: *req.Title, Content: *req.Content, Path: *req.Path}, nil
}

type invalidateRequest struct {
	Path *string `json:"path"`
}

func decodeInvalidate(body io.Reader) (string, error) {
	var req invalidateRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return "", fmt.Errorf("%w: %w", errMalformedCapture, err)
	}
	if req.Path == nil || *req.Path == "" {
		return "", fmt.Errorf("%w: missing path", errMalformedCapture)
	}
	return *req.Path, nil
}

// handleCapture always answers with the constant acknowledgement so that a
// client cannot probe which check rejected it.
func (s *Service) handleCapture(w http.ResponseWriter, r *http.Request) {
	outcome := s.capture(w, r)
	s.metrics.capture(r.Context(), outcome)
	writeAck(w)
}

func (s *Service) capture(w http.ResponseWriter, r *http.Request) string {
	if !s.limiter.Allow(r) {
		s.secLog.Warn("capture_rate_limited", "capture rate limit exceeded", "remote", clientKey(r))
		return "rate_limited"
	}

	// JSON escaping can grow content severalfold.
	limit := 4*s.cfg.maxContentBytes + 64<<10
	in, err := decodeCapture(http.MaxBytesReader(w, r.Body, limit), s.cfg.Security.MaxTitleLength)
	if err != nil {
		s.secLog.Warn("capture_malformed", "capture payload rejected", "remote", clientKey(r), "error", err)
		s.stats.rejected.Add(1)
		return "malformed"
	}

	path := NormalizeURLPath(in.Path)
	if !s.routes.ShouldCache(path) {
		s.logger.Debug("capture for uncacheable path ignored", "path", path)
		return "not_cacheable"
	}

	res := s.validator.Validate(in.Content, in.Title)
	if !res.Valid {
		s.secLog.Warn("capture_rejected", "capture failed validation",
			"path", path,
			"stage", res.Stage,
			"reason", res.Reason,
			"content_length", res.Metrics.ContentLength,
			"tag_count", res.Metrics.TagCount,
			"text_length", res.Metrics.TextLength,
			"tag_ratio", res.Metrics.TagRatio,
			"remote", clientKey(r),
		)
		s.stats.rejected.Add(1)
		return "rejected_" + string(res.Stage)
	}

	clean := s.sanitizer.Sanitize(in.Content)

	file, err := ResolveCacheFile(path, s.cfg.cacheRoot)
	if err != nil {
		s.secLog.Warn("capture_traversal", "capture path rejected", "path", in.Path, "remote", clientKey(r))
		return "path_rejected"
	}

	doc := s.shell.Render(clean, in.Title)
	if s.transformer != nil {
		doc = s.applyTransform(context.WithoutCancel(r.Context()), doc, InterceptContext{
			Path:         path,
			Title:        in.Title,
			Content:      clean,
			OriginalHTML: s.shell.Plain(),
			Timestamp:    time.Now().UnixMilli(),
		})
	}

	if err := s.storeSnapshot(r.Context(), path, file, []byte(doc)); err != nil {
		s.logger.Error("snapshot write failed", "path", path, "file", file, "error", err)
		return "write_failed"
	}
	s.stats.captured.Add(1)
	s.logger.Info("snapshot stored", "path", path, "bytes", len(doc))
	return "stored"
}

// applyTransform runs the external transform and falls back to doc on any
// failure.
func (s *Service) applyTransform(ctx context.Context, doc string, ic InterceptContext) string {
	start := time.Now()
	out, err := s.transformer.Transform(ctx, doc, ic)
	s.metrics.transform(ctx, time.Since(start), err)
	if err != nil {
		s.logger.Warn("transform failed, keeping untransformed html", "path", ic.Path, "error", err)
		return doc
	}
	return out
}

// storeSnapshot writes body to file unless the ledger shows the identical
// snapshot is already there, then refreshes the memory cache.
func (s *Service) storeSnapshot(ctx context.Context, path, file string, body []byte) error {
	sum := crc32.ChecksumIEEE(body)
	if rec, ok := s.ledger.Peek(path); ok && rec.Hash32 == sum && rec.Size == int64(len(body)) {
		if _, err := os.Stat(file); err == nil {
			s.remember(ctx, path, CacheEntry{Body: body, ContentType: htmlContentType})
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(file, body, 0o644); err != nil {
		return err
	}
	s.remember(ctx, path, CacheEntry{Body: body, ContentType: htmlContentType})
	if !s.ledger.Record(path, LedgerRecord{
		File:     filepath.Base(file),
		Size:     int64(len(body)),
		StoredAt: time.Now().Unix(),
		Hash32:   sum,
	}) {
		s.logger.Warn("ledger closed, snapshot not indexed", "path", path)
	}
	return nil
}

// writeFileAtomic writes through a temp file in the same directory and
// renames it over name.
func writeFileAtomic(name string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), ".sterad-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, name); err != nil {
		cleanup()
		return err
	}
	return nil
}

func (s *Service) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.VerifyRequest(r); err != nil {
		s.secLog.Warn("invalidate_unauthorized", "invalidation refused", "remote", clientKey(r), "error", err)
		s.metrics.invalidation(r.Context(), "unauthorized")
		w.Header().Set("WWW-Authenticate", "Bearer")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("Unauthorized"))
		return
	}
	outcome := s.invalidate(w, r)
	s.metrics.invalidation(r.Context(), outcome)
	writeAck(w)
}

func (s *Service) invalidate(w http.ResponseWriter, r *http.Request) string {
	raw, err := decodeInvalidate(http.MaxBytesReader(w, r.Body, maxInvalidateBody))
	if err != nil {
		s.logger.Debug("invalidation payload rejected", "error", err)
		return "malformed"
	}
	path := NormalizeURLPath(raw)
	s.memory.Delete(path)

	file, err := ResolveCacheFile(path, s.cfg.cacheRoot)
	if err != nil {
		s.secLog.Warn("invalidate_traversal", "invalidation path rejected", "path", raw, "remote", clientKey(r))
		return "path_rejected"
	}
	if err := os.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("snapshot delete failed", "path", path, "file", file, "error", err)
		return "delete_failed"
	}
	s.ledger.Forget(path)
	s.logger.Info("snapshot invalidated", "path", path)
	return "invalidated"
}

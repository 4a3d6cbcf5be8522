package sterad

import (
	"errors"
	"net/url"
	"path/filepath"
	"strings"
)

// ErrPathRejected marks a URL path that would escape its root.
var ErrPathRejected = errors.New("path rejected")

const maxDecodeRounds = 3

var unsafeFileChars = strings.NewReplacer(
	"/", "_", `\`, "_", ":", "_", "*", "_", "?", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_",
)

// NormalizeURLPath canonicalizes a request path: up to three rounds of
// percent-decoding, null bytes removed, backslashes turned into slashes,
// repeated slashes collapsed, one leading slash and no trailing slash
// (except for the root).
func NormalizeURLPath(raw string) string {
	p := raw
	for i := 0; i < maxDecodeRounds; i++ {
		dec, err := url.PathUnescape(p)
		if err != nil || dec == p {
			break
		}
		p = dec
	}
	p = strings.ReplaceAll(p, "\x00", "")
	p = strings.ReplaceAll(p, `\`, "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

func hasParentSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// ResolveWithin normalizes urlPath and joins it onto root. It fails when the
// normalized path holds a ".." segment or when the joined path does not stay
// inside root.
func ResolveWithin(urlPath, root string) (string, error) {
	norm := NormalizeURLPath(urlPath)
	if hasParentSegment(norm) {
		return "", ErrPathRejected
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	target, err := filepath.Abs(filepath.Join(absRoot, filepath.FromSlash(strings.TrimPrefix(norm, "/"))))
	if err != nil {
		return "", err
	}
	if !contained(absRoot, target) {
		return "", ErrPathRejected
	}
	return target, nil
}

func contained(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return false
	}
	return !hasParentSegment(filepath.ToSlash(rel))
}

// CacheFileName maps a normalized path to its flat snapshot file name.
func CacheFileName(norm string) string {
	if norm == "/" {
		return "index.html"
	}
	return unsafeFileChars.Replace(strings.TrimPrefix(norm, "/")) + ".html"
}

// ResolveCacheFile returns the snapshot file for urlPath inside cacheRoot.
func ResolveCacheFile(urlPath, cacheRoot string) (string, error) {
	if _, err := ResolveWithin(urlPath, cacheRoot); err != nil {
		return "", err
	}
	absRoot, err := filepath.Abs(cacheRoot)
	if err != nil {
		return "", err
	}
	file := filepath.Join(absRoot, CacheFileName(NormalizeURLPath(urlPath)))
	if !contained(absRoot, file) {
		return "", ErrPathRejected
	}
	return file, nil
}

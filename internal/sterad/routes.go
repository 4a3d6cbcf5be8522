package sterad

import (
	"regexp"
	"strings"
)

// RouteClassifier decides, per path, whether a response may be snapshotted.
// Patterns come from operator config, so plain regexps are used here.
type RouteClassifier struct {
	include     *regexp.Regexp
	exclude     *regexp.Regexp
	rootInclude bool
}

var staticAssetRe = regexp.MustCompile(`\.[A-Za-z0-9]{2,5}$`)

// CompileRoutes builds a classifier from include and exclude glob lists.
// A glob supports * (any run) and ? (one character); all other characters
// match literally. Matching is anchored and case-insensitive.
func CompileRoutes(include, exclude []string) (*RouteClassifier, error) {
	inc, err := compileGlobs(include)
	if err != nil {
		return nil, err
	}
	exc, err := compileGlobs(exclude)
	if err != nil {
		return nil, err
	}
	rc := &RouteClassifier{include: inc, exclude: exc}
	for _, p := range include {
		if strings.TrimSpace(p) == "/" {
			rc.rootInclude = true
			break
		}
	}
	return rc, nil
}

// compileGlobs returns nil for an empty list; a nil matcher matches nothing.
func compileGlobs(patterns []string) (*regexp.Regexp, error) {
	parts := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts = append(parts, globToRegexp(p))
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return regexp.Compile("(?i)^(?:" + strings.Join(parts, "|") + ")$")
}

func globToRegexp(glob string) string {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

func matches(re *regexp.Regexp, path string) bool {
	return re != nil && re.MatchString(path)
}

// ShouldCache reports whether path is eligible for snapshotting. The root
// path is only eligible when "/" is listed literally.
func (rc *RouteClassifier) ShouldCache(path string) bool {
	if path == "/" {
		return rc.rootInclude
	}
	return matches(rc.include, path) && !matches(rc.exclude, path)
}

// IsStaticAsset is a naming heuristic: the final segment ends in a 2-5
// character alphanumeric extension and the path carries no query.
func IsStaticAsset(path string) bool {
	if strings.Contains(path, "?") {
		return false
	}
	seg := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		seg = path[i+1:]
	}
	return staticAssetRe.MatchString(seg)
}

//go:build property
// +build property

package sterad

import (
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var pathAtoms = []string{
	"..", "%2e%2e", "%252e%252e", ".", "a", "blog", "post.html",
	"/", `\`, "%2f", "%5c", "%00", "%25", "x%2e", "...",
}

var markupAtoms = []string{
	"<p>", "</p>", "<em>", "</em>", "<b>", "</b>", "<br>",
	"hello world ", "some text ", "&amp; more ",
	`<a href="/docs">`, `<a href="javascript:alert(1)">`, "</a>",
	`<img src="/a.png">`, `<span onclick="x()">`, "</span>",
	"<script>", "</script>", "<style>", "</style>", ">", "<",
}

func joinAtoms(atoms []string, idx []int) string {
	var b strings.Builder
	for _, i := range idx {
		b.WriteString(atoms[i])
	}
	return b.String()
}

func TestPathResolverProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)
	root := t.TempDir()

	properties.Property("parent segments are always rejected", prop.ForAll(
		func(idx []int) bool {
			raw := joinAtoms(pathAtoms, idx)
			if !hasParentSegment(NormalizeURLPath(raw)) {
				return true
			}
			_, err1 := ResolveWithin(raw, root)
			_, err2 := ResolveCacheFile(raw, root)
			return err1 != nil && err2 != nil
		},
		gen.SliceOf(gen.IntRange(0, len(pathAtoms)-1)),
	))

	properties.Property("resolved files stay inside the root", prop.ForAll(
		func(idx []int) bool {
			raw := joinAtoms(pathAtoms, idx)
			if p, err := ResolveWithin(raw, root); err == nil && !contained(root, p) {
				return false
			}
			if f, err := ResolveCacheFile(raw, root); err == nil {
				return filepath.Dir(f) == root
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(pathAtoms)-1)),
	))

	properties.TestingRun(t)
}

func TestSanitizeRoundTripProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	allowed := map[string]struct{}{}
	for _, tag := range append(defaultAllowedTags, "script", "style") {
		allowed[tag] = struct{}{}
	}
	v := NewValidator(ValidatorConfig{
		MaxContentLength: 1 << 20,
		MaxTitleLength:   200,
		AllowedTags:      allowed,
		MaxTagRatio:      0.9,
		PatternBudget:    time.Second,
	})
	s := NewSanitizer(time.Second)

	properties.Property("sanitized valid content still validates", prop.ForAll(
		func(idx []int) bool {
			content := joinAtoms(markupAtoms, idx)
			if !v.Validate(content, "t").Valid {
				return true
			}
			return v.Validate(s.Sanitize(content), "t").Valid
		},
		gen.SliceOf(gen.IntRange(0, len(markupAtoms)-1)),
	))

	properties.Property("sanitizer output has no script blocks", prop.ForAll(
		func(idx []int) bool {
			out := strings.ToLower(s.Sanitize(joinAtoms(markupAtoms, idx) + "<script>x</script>"))
			return !strings.Contains(out, "<script>x</script>")
		},
		gen.SliceOf(gen.IntRange(0, len(markupAtoms)-1)),
	))

	properties.TestingRun(t)
}

func TestMemoryCacheLRUProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("distinct inserts keep exactly capacity keys", prop.ForAll(
		func(capacity, extra int) bool {
			mc, err := NewMemoryCache(capacity)
			if err != nil {
				return false
			}
			total := capacity + extra
			for i := 0; i < total; i++ {
				evicted := mc.Put(keyName(i), CacheEntry{})
				if evicted != (i >= capacity) {
					return false
				}
				if i >= capacity {
					if _, ok := mc.Get(keyName(i - capacity)); ok {
						return false
					}
				}
			}
			return mc.Len() == capacity
		},
		gen.IntRange(1, 20),
		gen.IntRange(1, 40),
	))

	properties.Property("eviction follows a recency model", prop.ForAll(
		func(capacity int, ops []int) bool {
			mc, err := NewMemoryCache(capacity)
			if err != nil {
				return false
			}
			var order []string
			for _, op := range ops {
				key := keyName(op)
				for i, k := range order {
					if k == key {
						order = append(order[:i], order[i+1:]...)
						break
					}
				}
				order = append(order, key)

				var victim string
				if len(order) > capacity {
					victim = order[0]
					order = order[1:]
				}
				evicted := mc.Put(key, CacheEntry{})
				if evicted != (victim != "") {
					return false
				}
				if victim != "" {
					if _, ok := mc.Get(victim); ok {
						return false
					}
				}
			}
			keys := mc.Keys()
			if len(keys) != len(order) {
				return false
			}
			for i := range keys {
				if keys[i] != order[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.SliceOf(gen.IntRange(0, 15)),
	))

	properties.TestingRun(t)
}

func TestValidatorBudgetProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	budget := 50 * time.Millisecond
	allowed := map[string]struct{}{"script": {}, "p": {}}
	v := NewValidator(ValidatorConfig{
		MaxContentLength: 1 << 20,
		MaxTitleLength:   200,
		AllowedTags:      allowed,
		MaxTagRatio:      1,
		PatternBudget:    budget,
	})
	ceiling := time.Duration(len(dangerousPatternSources))*budget + 500*time.Millisecond

	properties.Property("crafted inputs finish within the budget", prop.ForAll(
		func(reps, closers int) bool {
			content := strings.Repeat("<script>"+strings.Repeat(">", closers), reps) + "</script>"
			start := time.Now()
			_ = v.Validate(content, "t")
			return time.Since(start) < ceiling
		},
		gen.IntRange(1, 200),
		gen.IntRange(100, 1000),
	))

	properties.TestingRun(t)
}

func keyName(i int) string {
	return "/k/" + strconv.Itoa(i)
}

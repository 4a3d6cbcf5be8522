package sterad

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// ValidationStage names the pipeline stage that produced a verdict.
type ValidationStage string

const (
	StageLength    ValidationStage = "length"
	StageStructure ValidationStage = "structure"
	StageDensity   ValidationStage = "density"
	StageDangerous ValidationStage = "dangerous"
)

// ValidationMetrics are reported with every verdict for observability.
type ValidationMetrics struct {
	ContentLength int
	TagCount      int
	TextLength    int
	TagRatio      float64
}

// ValidationResult is logged and discarded; it is never sent to clients.
type ValidationResult struct {
	Valid   bool
	Stage   ValidationStage
	Reason  string
	Metrics ValidationMetrics
}

// voidElements are never pushed on the open-tag stack.
var voidElements = map[string]struct{}{
	"br": {}, "img": {}, "input": {}, "hr": {}, "meta": {}, "link": {},
	"area": {}, "base": {}, "col": {}, "source": {}, "track": {}, "wbr": {},
}

type dangerousPattern struct {
	name    string
	pattern *SafePattern
}

var dangerousPatternSources = []struct{ name, expr string }{
	{"script tag", `<\s*/?\s*script\b`},
	{"style tag", `<\s*/?\s*style\b`},
	{"inline event handler", `<[^>]*[\s/"']on[a-z]+\s*=`},
	{"javascript uri", `javascript\s*:`},
	{"vbscript uri", `vbscript\s*:`},
	{"data html uri", `data\s*:\s*text/html`},
	{"embedded frame", `<\s*(?:iframe|object|embed)\b`},
	{"form action uri", `<\s*form\b[^>]*\baction\s*=\s*["']?\s*(?:javascript|data)\s*:`},
}

// urlAttrs carry URLs a browser may navigate to or load.
var urlAttrs = map[string]struct{}{
	"href": {}, "src": {}, "action": {}, "formaction": {}, "xlink:href": {},
}

var unsafeSchemes = []string{"javascript:", "vbscript:", "data:text/html"}

func isEventHandlerAttr(key string) bool {
	return strings.HasPrefix(key, "on")
}

// isUnsafeURLAttr reports whether an entity-decoded attribute value carries
// a script-capable scheme. Browsers ignore whitespace and control characters
// inside the scheme, so those are dropped before comparing.
func isUnsafeURLAttr(key, val string) bool {
	if _, ok := urlAttrs[key]; !ok {
		return false
	}
	norm := strings.ToLower(strings.Map(func(r rune) rune {
		if r <= ' ' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return -1
		}
		return r
	}, val))
	for _, scheme := range unsafeSchemes {
		if strings.HasPrefix(norm, scheme) {
			return true
		}
	}
	return false
}

// ValidatorConfig carries the limits applied to captured content.
type ValidatorConfig struct {
	MaxContentLength int64
	MaxTitleLength   int
	AllowedTags      map[string]struct{}
	MaxTagRatio      float64
	PatternBudget    time.Duration
}

func validatorConfigFrom(cfg Config) ValidatorConfig {
	return ValidatorConfig{
		MaxContentLength: cfg.maxContentBytes,
		MaxTitleLength:   cfg.Security.MaxTitleLength,
		AllowedTags:      cfg.allowedTags,
		MaxTagRatio:      cfg.Security.MaxTagRatio,
		PatternBudget:    cfg.patternBudget,
	}
}

// Validator is the trust boundary for client-submitted HTML. Stages run in
// order and the first failure wins.
type Validator struct {
	cfg       ValidatorConfig
	dangerous []dangerousPattern
}

func NewValidator(cfg ValidatorConfig) *Validator {
	v := &Validator{cfg: cfg}
	for _, d := range dangerousPatternSources {
		v.dangerous = append(v.dangerous, dangerousPattern{
			name:    d.name,
			pattern: MustSafePattern(d.expr, "i", cfg.PatternBudget),
		})
	}
	return v
}

func (v *Validator) withFailureHook(fn func(string, error)) {
	for i := range v.dangerous {
		v.dangerous[i].pattern = v.dangerous[i].pattern.WithFailureHook(fn)
	}
}

func (v *Validator) Validate(content, title string) ValidationResult {
	res := ValidationResult{Metrics: ValidationMetrics{ContentLength: len(content)}}

	if int64(len(content)) > v.cfg.MaxContentLength {
		return reject(res, StageLength, fmt.Sprintf("content length %d exceeds %d", len(content), v.cfg.MaxContentLength))
	}
	if n := utf8.RuneCountInString(title); n > v.cfg.MaxTitleLength {
		return reject(res, StageLength, fmt.Sprintf("title length %d exceeds %d", n, v.cfg.MaxTitleLength))
	}

	scan := scanMarkup(content, v.cfg.AllowedTags)
	res.Metrics.TagCount = scan.tagCount
	res.Metrics.TextLength = scan.textChars
	if total := scan.tagChars + scan.textChars; total > 0 {
		res.Metrics.TagRatio = float64(scan.tagChars) / float64(total)
	}

	if scan.violation != "" {
		return reject(res, StageStructure, scan.violation)
	}

	if scan.textChars == 0 {
		return reject(res, StageDensity, "content has no text")
	}
	if res.Metrics.TagRatio > v.cfg.MaxTagRatio {
		return reject(res, StageDensity, fmt.Sprintf("tag ratio %.3f exceeds %.3f", res.Metrics.TagRatio, v.cfg.MaxTagRatio))
	}

	if scan.dangerous != "" {
		return reject(res, StageDangerous, scan.dangerous)
	}
	for _, d := range v.dangerous {
		// fail closed: a timed-out check counts as a hit
		if d.pattern.MatchString(content, true) {
			return reject(res, StageDangerous, "dangerous pattern: "+d.name)
		}
	}

	res.Valid = true
	return res
}

func reject(res ValidationResult, stage ValidationStage, reason string) ValidationResult {
	res.Valid = false
	res.Stage = stage
	res.Reason = reason
	return res
}

type markupScan struct {
	tagCount  int
	tagChars  int
	textChars int
	violation string
	dangerous string
}

// scanMarkup tokenizes content once, collecting density counts, the first
// whitelist or nesting violation and the first dangerous attribute.
func scanMarkup(content string, allowed map[string]struct{}) markupScan {
	var (
		out   markupScan
		stack []string
	)
	violate := func(format string, args ...any) {
		if out.violation == "" {
			out.violation = fmt.Sprintf(format, args...)
		}
	}

	z := html.NewTokenizer(strings.NewReader(content))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != nil && err != io.EOF {
				violate("tokenizer: %v", err)
			}
			break
		}
		raw := z.Raw()
		switch tt {
		case html.TextToken:
			out.textChars += utf8.RuneCount(bytes.TrimSpace(raw))
		case html.CommentToken, html.DoctypeToken:
			out.tagChars += utf8.RuneCount(raw)
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			out.tagCount++
			out.tagChars += utf8.RuneCount(raw)
			nameBytes, hasAttr := z.TagName()
			name := string(nameBytes)
			for hasAttr && tt != html.EndTagToken {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if out.dangerous != "" {
					continue
				}
				switch k := string(key); {
				case isEventHandlerAttr(k):
					out.dangerous = fmt.Sprintf("event handler attribute %q on <%s>", k, name)
				case isUnsafeURLAttr(k, string(val)):
					out.dangerous = fmt.Sprintf("script uri in %q on <%s>", k, name)
				}
			}
			if _, ok := allowed[name]; !ok {
				violate("tag %q not allowed", name)
				continue
			}
			_, void := voidElements[name]
			switch tt {
			case html.StartTagToken:
				if !void {
					stack = append(stack, name)
				}
			case html.EndTagToken:
				if void {
					continue
				}
				if len(stack) == 0 || stack[len(stack)-1] != name {
					violate("unexpected closing tag %q", name)
					continue
				}
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) > 0 {
		violate("unclosed tags: %s", strings.Join(stack, ", "))
	}
	return out
}

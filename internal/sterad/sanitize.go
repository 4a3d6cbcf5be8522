package sterad

import (
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Sanitizer strips executable constructs from content that already passed
// the Validator. The block substitutions are guarded; on timeout that
// substitution is skipped and its input kept. Attributes are rewritten from
// tokenizer output, so quoting and entity tricks see the values a browser
// would.
type Sanitizer struct {
	scriptBlock *SafePattern
	styleBlock  *SafePattern
}

func NewSanitizer(budget time.Duration) *Sanitizer {
	return &Sanitizer{
		scriptBlock: MustSafePattern(`<script\b[^>]*>.*?</script\s*>`, "is", budget),
		styleBlock:  MustSafePattern(`<style\b[^>]*>.*?</style\s*>`, "is", budget),
	}
}

func (s *Sanitizer) withFailureHook(fn func(string, error)) {
	s.scriptBlock = s.scriptBlock.WithFailureHook(fn)
	s.styleBlock = s.styleBlock.WithFailureHook(fn)
}

func (s *Sanitizer) Sanitize(content string) string {
	out := s.scriptBlock.ReplaceAllString(content, "")
	out = s.styleBlock.ReplaceAllString(out, "")
	return sanitizeTags(out)
}

// sanitizeTags drops event handler attributes, points script-capable URLs
// at "#" and removes any script or style element the patterns missed.
// Tokens that need no change are copied through byte for byte.
func sanitizeTags(content string) string {
	var (
		b    strings.Builder
		skip string
	)
	b.Grow(len(content))

	z := html.NewTokenizer(strings.NewReader(content))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		raw := string(z.Raw())

		if skip != "" {
			if tt == html.EndTagToken {
				if name, _ := z.TagName(); string(name) == skip {
					skip = ""
				}
			}
			continue
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			b.WriteString(raw)
			continue
		}

		tok := z.Token()
		if tok.Data == "script" || tok.Data == "style" {
			if tt == html.StartTagToken {
				skip = tok.Data
			}
			continue
		}

		changed := false
		attrs := tok.Attr[:0]
		for _, a := range tok.Attr {
			switch {
			case isEventHandlerAttr(a.Key):
				changed = true
				continue
			case isUnsafeURLAttr(a.Key, a.Val):
				a.Val = "#"
				changed = true
			}
			attrs = append(attrs, a)
		}
		if !changed {
			b.WriteString(raw)
			continue
		}
		tok.Attr = attrs
		b.WriteString(tok.String())
	}
	return b.String()
}

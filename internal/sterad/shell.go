package sterad

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"sync"

	xhtml "golang.org/x/net/html"
)

// rootSelector is one way of locating the element an SPA renders into.
type rootSelector struct {
	ID   string
	Attr string
	Tag  string
}

func (s rootSelector) css() string {
	switch {
	case s.ID != "":
		return "#" + s.ID
	case s.Attr != "":
		return "[" + s.Attr + "]"
	}
	return s.Tag
}

// rootSelectors are tried in order, both here and in the browser script.
var rootSelectors = []rootSelector{
	{ID: "root"},
	{ID: "app"},
	{ID: "__next"},
	{ID: "__nuxt"},
	{Attr: "data-reactroot"},
	{Tag: "main"},
}

// spliceSelectors adds the body fallback used server-side.
var spliceSelectors = append(append([]rootSelector(nil), rootSelectors...), rootSelector{Tag: "body"})

// Shell holds the SPA entry document and its capture-enabled variant.
type Shell struct {
	path   string
	script string

	mu          sync.RWMutex
	plain       string
	withCapture string
}

// LoadShell reads index.html from distRoot.
func LoadShell(distRoot, captureScript string) (*Shell, error) {
	s := &Shell{path: filepath.Join(distRoot, "index.html"), script: captureScript}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the shell from disk.
func (s *Shell) Reload() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read shell: %w", err)
	}
	plain := string(b)
	withCapture := injectBeforeBodyEnd(plain, "<script>"+s.script+"</script>")

	s.mu.Lock()
	s.plain = plain
	s.withCapture = withCapture
	s.mu.Unlock()
	return nil
}

func (s *Shell) Path() string { return s.path }

// Plain is the shell exactly as built.
func (s *Shell) Plain() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plain
}

// WithCapture is the shell with the inline capture script.
func (s *Shell) WithCapture() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.withCapture
}

// Render splices content into the shell's SPA root and sets its title.
func (s *Shell) Render(content, title string) string {
	return setTitle(spliceRoot(s.Plain(), content), title)
}

func injectBeforeBodyEnd(doc, snippet string) string {
	i := strings.LastIndex(strings.ToLower(doc), "</body")
	if i < 0 {
		return doc + snippet
	}
	return doc[:i] + snippet + doc[i:]
}

// elementSpan holds byte offsets of an element's tags within a document.
type elementSpan struct {
	openStart, openEnd   int
	closeStart, closeEnd int
}

// findElement returns the first element matching sel together with its
// matching close tag.
func findElement(doc string, sel rootSelector) (elementSpan, bool) {
	var (
		span  elementSpan
		name  string
		depth int
		found bool
		pos   int
	)
	z := xhtml.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		if tt == xhtml.ErrorToken {
			return elementSpan{}, false
		}
		start := pos
		pos += len(z.Raw())

		switch tt {
		case xhtml.StartTagToken:
			tn, hasAttr := z.TagName()
			tag := string(tn)
			if found {
				if tag == name {
					depth++
				}
				continue
			}
			if !sel.matches(tag, hasAttr, z) {
				continue
			}
			if _, void := voidElements[tag]; void {
				continue
			}
			found, name, depth = true, tag, 1
			span.openStart, span.openEnd = start, pos
		case xhtml.EndTagToken:
			if !found {
				continue
			}
			tn, _ := z.TagName()
			if string(tn) != name {
				continue
			}
			depth--
			if depth == 0 {
				span.closeStart, span.closeEnd = start, pos
				return span, true
			}
		}
	}
}

func (s rootSelector) matches(tag string, hasAttr bool, z *xhtml.Tokenizer) bool {
	if s.Tag != "" {
		return tag == s.Tag
	}
	for hasAttr {
		var k, v []byte
		k, v, hasAttr = z.TagAttr()
		if s.ID != "" && string(k) == "id" && string(v) == s.ID {
			return true
		}
		if s.Attr != "" && string(k) == s.Attr {
			return true
		}
	}
	return false
}

// spliceRoot replaces the inner HTML of the SPA root, keeping its opening
// tag and attributes. Without any root or body the content is appended.
func spliceRoot(doc, content string) string {
	for _, sel := range spliceSelectors {
		if span, ok := findElement(doc, sel); ok {
			return doc[:span.openEnd] + content + doc[span.closeStart:]
		}
	}
	return doc + content
}

// setTitle writes the entity-escaped title into <title>, creating the
// element inside <head> when the shell has none.
func setTitle(doc, title string) string {
	escaped := html.EscapeString(title)
	if span, ok := findElement(doc, rootSelector{Tag: "title"}); ok {
		return doc[:span.openEnd] + escaped + doc[span.closeStart:]
	}
	if span, ok := findElement(doc, rootSelector{Tag: "head"}); ok {
		return doc[:span.openEnd] + "<title>" + escaped + "</title>" + doc[span.openEnd:]
	}
	return doc
}

package sterad

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testShellHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>App</title></head>
<body><div id="root"></div><script src="/assets/app.js"></script></body>
</html>
`

func writeShell(t *testing.T, dir, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte(doc), 0o644))
}

func TestLoadShell(t *testing.T) {
	dir := t.TempDir()
	writeShell(t, dir, testShellHTML)

	s, err := LoadShell(dir, "console.log(1)")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "index.html"), s.Path())
	assert.Equal(t, testShellHTML, s.Plain())
	assert.Contains(t, s.WithCapture(), "<script>console.log(1)</script></body>")

	_, err = LoadShell(t.TempDir(), "")
	assert.Error(t, err)
}

func TestShellReload(t *testing.T) {
	dir := t.TempDir()
	writeShell(t, dir, testShellHTML)
	s, err := LoadShell(dir, "x")
	require.NoError(t, err)

	writeShell(t, dir, "<html><body><main></main></body></html>")
	require.NoError(t, s.Reload())
	assert.Equal(t, "<html><body><main></main></body></html>", s.Plain())

	require.NoError(t, os.Remove(filepath.Join(dir, "index.html")))
	assert.Error(t, s.Reload())
	assert.Equal(t, "<html><body><main></main></body></html>", s.Plain())
}

func TestShellRender(t *testing.T) {
	dir := t.TempDir()
	writeShell(t, dir, testShellHTML)
	s, err := LoadShell(dir, "x")
	require.NoError(t, err)

	out := s.Render("<p>Hello</p>", "Greeting & more")
	assert.Contains(t, out, `<div id="root"><p>Hello</p></div>`)
	assert.Contains(t, out, "<title>Greeting &amp; more</title>")
	assert.Contains(t, out, `<script src="/assets/app.js"></script>`)
	assert.NotContains(t, out, "<script>x</script>")
}

func TestRenderEscapesTitle(t *testing.T) {
	dir := t.TempDir()
	writeShell(t, dir, testShellHTML)
	s, err := LoadShell(dir, "x")
	require.NoError(t, err)

	out := s.Render("<p>hi</p>", "</title><script>x</script><title>")
	assert.NotContains(t, out, "<script>x</script>")
	assert.Contains(t, out, "&lt;/title&gt;&lt;script&gt;x&lt;/script&gt;&lt;title&gt;")
	assert.Equal(t, 1, strings.Count(out, "<title>"))
}

func TestSpliceRoot(t *testing.T) {
	testCases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "id root with nested divs",
			doc:  `<body><div id="root"><div>loading</div><div>x</div></div><footer>f</footer></body>`,
			want: `<body><div id="root">NEW</div><footer>f</footer></body>`,
		},
		{
			name: "app id keeps attributes",
			doc:  `<body><section class="shell" id="app" data-x="1">old</section></body>`,
			want: `<body><section class="shell" id="app" data-x="1">NEW</section></body>`,
		},
		{
			name: "first selector wins",
			doc:  `<body><main>m</main><div id="__next">n</div></body>`,
			want: `<body><main>m</main><div id="__next">NEW</div></body>`,
		},
		{
			name: "data-reactroot attribute",
			doc:  `<body><div data-reactroot="">r</div></body>`,
			want: `<body><div data-reactroot="">NEW</div></body>`,
		},
		{
			name: "body fallback",
			doc:  `<html><body class="b"><p>old</p></body></html>`,
			want: `<html><body class="b">NEW</body></html>`,
		},
		{
			name: "no root at all",
			doc:  `plain text`,
			want: `plain textNEW`,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, spliceRoot(tc.doc, "NEW"))
		})
	}
}

func TestSetTitleInsertsIntoHead(t *testing.T) {
	got := setTitle(`<html><head><meta charset="utf-8"></head><body></body></html>`, "T<1>")
	assert.Equal(t, `<html><head><title>T&lt;1&gt;</title><meta charset="utf-8"></head><body></body></html>`, got)

	assert.Equal(t, "<p>no head</p>", setTitle("<p>no head</p>", "T"))
}

func TestInjectBeforeBodyEnd(t *testing.T) {
	assert.Equal(t, "<body>a<x></BODY>", injectBeforeBodyEnd("<body>a</BODY>", "<x>"))
	assert.Equal(t, "fragment<x>", injectBeforeBodyEnd("fragment", "<x>"))
}

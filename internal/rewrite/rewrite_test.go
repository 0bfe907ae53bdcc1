package rewrite

import (
	"strings"
	"testing"
)

func TestRewriteAbsolutePath(t *testing.T) {
	in := `<a href="/x/y">`
	out := string(HTML([]byte(in), "/b/", "/index.html"))
	if out != `<a href="/b/x/y">` {
		t.Errorf("got %q", out)
	}
}

func TestRewriteLeavesAbsoluteURLUnchanged(t *testing.T) {
	in := `<a href="https://e/">`
	out := string(HTML([]byte(in), "/b/", "/index.html"))
	if out != in {
		t.Errorf("got %q, want unchanged", out)
	}
}

func TestRewriteSrcset(t *testing.T) {
	in := `<img srcset="/a 1x, /b 2x">`
	out := string(HTML([]byte(in), "/b/", "/index.html"))
	if !strings.Contains(out, `srcset="/b/a 1x, /b/b 2x"`) {
		t.Errorf("got %q", out)
	}
}

func TestRewriteSkipsFragmentsAndSchemes(t *testing.T) {
	for _, in := range []string{
		`<a href="#section">`,
		`<a href="mailto:x@example.com">`,
		`<a href="data:text/plain,hi">`,
		`<a href="//cdn.example.com/x.js">`,
	} {
		out := string(HTML([]byte(in), "/b/", "/index.html"))
		if out != in {
			t.Errorf("expected %q unchanged, got %q", in, out)
		}
	}
}

func TestRewriteRelativePathResolvesAgainstDocDir(t *testing.T) {
	in := `<script src="./chunk.js">`
	out := string(HTML([]byte(in), "/b/", "/assets/app.html"))
	if out != `<script src="/b/assets/chunk.js">` {
		t.Errorf("got %q", out)
	}
}

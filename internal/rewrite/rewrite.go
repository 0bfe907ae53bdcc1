// Package rewrite rebases absolute-path URL attributes inside HTML so a
// site can be served under a path prefix (e.g. /<identifier>/<site>/).
// It deliberately does not parse HTML: it scans with bounded-backtracking
// regexes, trading full correctness for predictable latency (see
// SPEC_FULL.md §9 design notes on ReDoS).
package rewrite

import (
	"path"
	"regexp"
	"strings"
)

// attrPattern matches one of the rewritable attributes in either quote
// style. Whitespace around "=" is bounded to at most 5 characters to keep
// backtracking bounded on adversarial input.
var attrPattern = regexp.MustCompile(
	`(?i)\b(src|href|action|data|poster|srcset)\s{0,5}=\s{0,5}("([^"]*)"|'([^']*)')`,
)

// HTML rewrites attribute URLs in doc so that site-relative references are
// rebased under base (e.g. "/b/"). docPath is the request path of the
// document being rewritten, used to resolve relative (non-absolute) URLs.
func HTML(doc []byte, base, docPath string) []byte {
	base = normalizeBase(base)
	dir := path.Dir(docPath)

	return attrPattern.ReplaceAllFunc(doc, func(m []byte) []byte {
		groups := attrPattern.FindSubmatch(m)
		attr := strings.ToLower(string(groups[1]))
		quote := byte('"')
		value := string(groups[3])
		if len(groups[2]) > 0 && groups[2][0] == '\'' {
			quote = '\''
			value = string(groups[4])
		}

		var rewritten string
		if attr == "srcset" {
			rewritten = rewriteSrcset(value, base, dir)
		} else {
			rewritten = rewriteURL(value, base, dir)
		}
		return []byte(attr + "=" + string(quote) + rewritten + string(quote))
	})
}

func normalizeBase(base string) string {
	base = strings.TrimSuffix(base, "/")
	return base
}

func rewriteSrcset(value, base, dir string) string {
	parts := strings.Split(value, ",")
	for i, part := range parts {
		part = strings.TrimSpace(part)
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		fields[0] = rewriteURL(fields[0], base, dir)
		parts[i] = strings.Join(fields, " ")
	}
	return strings.Join(parts, ", ")
}

func shouldSkip(u string) bool {
	if u == "" {
		return true
	}
	if strings.HasPrefix(u, "./") || strings.HasPrefix(u, "../") {
		return false
	}
	lower := strings.ToLower(u)
	switch {
	case strings.HasPrefix(lower, "http://"),
		strings.HasPrefix(lower, "https://"),
		strings.HasPrefix(lower, "//"),
		strings.HasPrefix(lower, "#"):
		return true
	}
	if i := strings.Index(lower, ":"); i > 0 && !strings.ContainsAny(lower[:i], "/\\") {
		// scheme:... where scheme has no path separators before the colon,
		// e.g. "mailto:", "data:", "javascript:" — left untouched.
		return true
	}
	return false
}

func rewriteURL(u, base, dir string) string {
	if shouldSkip(u) {
		return u
	}
	if strings.HasPrefix(u, "/") {
		return base + u
	}
	joined := path.Join(dir, u)
	if !strings.HasPrefix(joined, "/") {
		joined = "/" + joined
	}
	return base + joined
}

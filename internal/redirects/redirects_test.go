package redirects

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseAndMatchCaptures(t *testing.T) {
	rules, errs := Parse([]byte("/blog/:year/:month /posts/:year/:month 301\n"))
	if len(errs) != 0 {
		t.Fatalf("unexpected parse errors: %v", errs)
	}
	req := httptest.NewRequest(http.MethodGet, "/blog/2024/01", nil)
	m, ok := MatchRequest(rules, req, false)
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Captures["year"] != "2024" || m.Captures["month"] != "01" {
		t.Errorf("unexpected captures: %+v", m.Captures)
	}
	if m.Target != "/posts/2024/01" {
		t.Errorf("got target %q", m.Target)
	}
}

func TestSplatCapture(t *testing.T) {
	rules, _ := Parse([]byte("/old/* /new/:splat 301\n"))
	req := httptest.NewRequest(http.MethodGet, "/old/a/b/c", nil)
	m, ok := MatchRequest(rules, req, false)
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Captures["splat"] != "a/b/c" {
		t.Errorf("got splat %q", m.Captures["splat"])
	}
	if m.Target != "/new/a/b/c" {
		t.Errorf("got target %q", m.Target)
	}
}

func TestForcedRuleOverridesExistingFile(t *testing.T) {
	rules, errs := Parse([]byte("/old/:x /new/:x 301!\n"))
	if len(errs) != 0 {
		t.Fatalf("unexpected parse errors: %v", errs)
	}
	req := httptest.NewRequest(http.MethodGet, "/old/123", nil)
	m, ok := MatchRequest(rules, req, true) // file exists
	if !ok {
		t.Fatal("expected forced rule to match even though file exists")
	}
	if m.Target != "/new/123" || m.Rule.Status != 301 {
		t.Errorf("unexpected match: %+v", m)
	}
}

func TestUnforcedRuleSkippedWhenFileExists(t *testing.T) {
	rules, _ := Parse([]byte("/a /b 301\n"))
	req := httptest.NewRequest(http.MethodGet, "/a", nil)
	if _, ok := MatchRequest(rules, req, true); ok {
		t.Fatal("expected unforced rule to be skipped when file exists")
	}
	if _, ok := MatchRequest(rules, req, false); !ok {
		t.Fatal("expected unforced rule to match when file does not exist")
	}
}

func TestQueryStringPreserved(t *testing.T) {
	rules, _ := Parse([]byte("/a /b 301\n"))
	req := httptest.NewRequest(http.MethodGet, "/a?x=1", nil)
	m, ok := MatchRequest(rules, req, false)
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Target != "/b?x=1" {
		t.Errorf("got target %q, want query string preserved", m.Target)
	}
}

func TestCountryCondition(t *testing.T) {
	rules, _ := Parse([]byte("/geo /us-page 301 Country=us,ca\n"))
	req := httptest.NewRequest(http.MethodGet, "/geo", nil)
	if _, ok := MatchRequest(rules, req, false); ok {
		t.Fatal("expected no match without country header")
	}
	req.Header.Set("cf-ipcountry", "US")
	if _, ok := MatchRequest(rules, req, false); !ok {
		t.Fatal("expected match with matching country header")
	}
}

func TestMalformedLineSkippedRestParses(t *testing.T) {
	rules, errs := Parse([]byte("garbage-line-with-one-token\n/a /b 301\n"))
	if len(errs) != 1 {
		t.Fatalf("expected exactly 1 parse error, got %d", len(errs))
	}
	if len(rules) != 1 {
		t.Fatalf("expected the valid line to still parse, got %d rules", len(rules))
	}
}

package pathsafe

import "testing"

func TestSanitizePath(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd": "etc/passwd",
		"//":               "",
		"a//b//c":          "a/b/c",
		"/a/./b/../c":      "a/b/c",
		"a/b\x00c/d":       "a/d",
	}
	for in, want := range cases {
		if got := SanitizePath(in); got != want {
			t.Errorf("SanitizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidSiteName(t *testing.T) {
	good := []string{"blog", "my-site", "a.b_c~1:2"}
	for _, s := range good {
		if !ValidSiteName(s) {
			t.Errorf("ValidSiteName(%q) = false, want true", s)
		}
	}
	bad := []string{"", ".", "..", "a/b", "a\\b", "a\x00b"}
	for _, s := range bad {
		if ValidSiteName(s) {
			t.Errorf("ValidSiteName(%q) = true, want false", s)
		}
	}
}

func TestValidIdentifier(t *testing.T) {
	if !ValidIdentifier("did:plc:abc") {
		t.Error("expected valid identifier")
	}
	for _, s := range []string{"ab", "a..b", "a\x00b"} {
		if ValidIdentifier(s) {
			t.Errorf("ValidIdentifier(%q) = true, want false", s)
		}
	}
}

func TestUnderRoot(t *testing.T) {
	root := "/cache/did:plc:u1/blog"
	if !UnderRoot(root, root) {
		t.Error("root should be under itself")
	}
	if !UnderRoot(root, root+"/index.html") {
		t.Error("child path should be under root")
	}
	if UnderRoot(root, "/cache/did:plc:u1/blogger/index.html") {
		t.Error("sibling with shared prefix must not be under root")
	}
}

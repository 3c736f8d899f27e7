package util

import (
	"testing"
)

func TestGenSlugShape(t *testing.T) {
	for i := 0; i < 1000; i++ {
		slug, err := GenSlug()
		if err != nil {
			t.Fatalf("GenSlug failed: %v", err)
		}
		if len(slug) != 10 {
			t.Fatalf("slug %q has length %d, want 10", slug, len(slug))
		}
		for _, c := range slug {
			if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
				t.Fatalf("slug %q contains non lowercase hex %q", slug, c)
			}
		}
		if !IsSlug(slug) {
			t.Fatalf("IsSlug rejected generated slug %q", slug)
		}
	}
}

func TestGenSlugVaries(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		slug, _ := GenSlug()
		seen[slug] = struct{}{}
	}
	if len(seen) < 99 {
		t.Errorf("expected ~100 distinct slugs, got %d", len(seen))
	}
}

func TestIsSlug(t *testing.T) {
	cases := map[string]bool{
		"0123456789":  true,
		"abcdefabcd":  true,
		"ABCDEFABCD":  false,
		"012345678":   false,
		"0123456789a": false,
		"012345678g":  false,
	}
	for in, want := range cases {
		if got := IsSlug(in); got != want {
			t.Errorf("IsSlug(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRedactIP(t *testing.T) {
	if got := RedactIP("192.168.1.77:5555"); got != "192.168.1.0" {
		t.Errorf("RedactIP v4 = %q", got)
	}
	if got := RedactIP("2001:db8:1:2::5"); got != "2001:db8::" {
		t.Errorf("RedactIP v6 = %q", got)
	}
	if got := RedactIP("hmac-sha256:abcdef"); len(got) != len("hash:")+16 {
		t.Errorf("RedactIP pseudonym = %q", got)
	}
}

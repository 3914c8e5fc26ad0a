package imageref

import "testing"

func TestParseTagIdCanonicalizes(t *testing.T) {
	a, err := ParseTagId("ubuntu:18.04")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := ParseTagId("docker.io/library/ubuntu:18.04")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.String() != b.String() {
		t.Fatalf("expected canonicalized forms to match: %q vs %q", a.String(), b.String())
	}
}

func TestParseTagIdDefaultsTag(t *testing.T) {
	tag, err := ParseTagId("ubuntu")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tag.String() != "docker.io/library/ubuntu:latest" {
		t.Fatalf("expected implicit latest tag, got %q", tag.String())
	}
}

func TestParseTagIdRejectsGarbage(t *testing.T) {
	if _, err := ParseTagId("not a tag!!"); err == nil {
		t.Fatalf("expected error for malformed tag")
	}
}

func TestParseHashValueRoundTrip(t *testing.T) {
	raw := "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	h, err := ParseHashValue(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.String() != raw {
		t.Fatalf("expected round-trip, got %q", h.String())
	}
}

func TestParseHashValueRejectsMalformed(t *testing.T) {
	cases := []string{"", "not-a-digest", "sha256:tooshort", "md5:deadbeef"}
	for _, c := range cases {
		if _, err := ParseHashValue(c); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
}

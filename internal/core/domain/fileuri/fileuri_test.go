package fileuri

import "testing"

func TestBuild_WithMediaType(t *testing.T) {
	if got := Build("abc123", "image/png"); got != "#!B64!#image/png::abc123" {
		t.Fatalf("got %q", got)
	}
}

func TestBuild_WithoutMediaType(t *testing.T) {
	if got := Build("abc123", ""); got != "#!B64!#::abc123" {
		t.Fatalf("got %q", got)
	}
}

func TestParse_WithMediaType(t *testing.T) {
	p, ok := Parse("#!B64!#image/png::abc123")
	if !ok || p.Hash != "abc123" || p.MediaType != "image/png" {
		t.Fatalf("got %+v ok=%v", p, ok)
	}
}

func TestParse_WithoutMediaType(t *testing.T) {
	p, ok := Parse("#!B64!#::abc123")
	if !ok || p.Hash != "abc123" || p.MediaType != "" {
		t.Fatalf("got %+v ok=%v", p, ok)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []string{"not-a-uri", "#!B64!#no-separator", "", "#!B64!#::", "#!B64!#image/png::"}
	for _, c := range cases {
		if _, ok := Parse(c); ok {
			t.Fatalf("expected Parse(%q) to fail", c)
		}
	}
}

func TestIs(t *testing.T) {
	if !Is("#!B64!#::abc123") || !Is("#!B64!#image/jpeg::abc123") || !Is("#!B64!#application/pdf::hash") {
		t.Fatal("expected valid URIs to be recognized")
	}
	if Is("data:image/png;base64,abc") || Is("https://example.com") {
		t.Fatal("expected non-sentinel strings to be rejected")
	}
}

func TestIs_ConsistentWithParse(t *testing.T) {
	cases := []string{
		"#!B64!#::", "#!B64!#image/png::", "#!B64!#no-separator", "",
		"#!B64!#::abc123", "#!B64!#image/png::abc123",
	}
	for _, c := range cases {
		_, parseOK := Parse(c)
		if Is(c) != parseOK {
			t.Fatalf("Is/Parse disagree on %q", c)
		}
	}
}

func TestRoundtrip(t *testing.T) {
	uri := Build("deadbeef1234", "image/png")
	p, ok := Parse(uri)
	if !ok || p.Hash != "deadbeef1234" || p.MediaType != "image/png" {
		t.Fatalf("got %+v ok=%v", p, ok)
	}

	uri = Build("abc123", "")
	p, ok = Parse(uri)
	if !ok || p.Hash != "abc123" || p.MediaType != "" {
		t.Fatalf("got %+v ok=%v", p, ok)
	}
}

func TestParse_DoubleSeparatorInHash(t *testing.T) {
	p, ok := Parse("#!B64!#image/png::hash::extra")
	if !ok || p.Hash != "hash::extra" || p.MediaType != "image/png" {
		t.Fatalf("got %+v ok=%v", p, ok)
	}
}

func TestBuild_EmptyHashNotParseable(t *testing.T) {
	uri := Build("", "image/png")
	if uri != "#!B64!#image/png::" {
		t.Fatalf("got %q", uri)
	}
	if Is(uri) {
		t.Fatal("expected empty-hash URI to be rejected")
	}
}

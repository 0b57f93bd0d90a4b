package digest

import (
	"strings"
	"testing"
)

func TestParseValid(t *testing.T) {
	s := "sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4"
	d, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q) returned error: %v", s, err)
	}
	if d.String() != s {
		t.Fatalf("String() = %q, want %q", d.String(), s)
	}
}

func TestParseRejectsUnknownAlgorithm(t *testing.T) {
	if _, err := Parse("sha512:" + strings.Repeat("a", 128)); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}

func TestParseRejectsBadLength(t *testing.T) {
	if _, err := Parse("sha256:abc"); err == nil {
		t.Fatal("expected error for short hex")
	}
}

func TestParseRejectsUppercase(t *testing.T) {
	if _, err := Parse("sha256:" + strings.Repeat("A", 64)); err == nil {
		t.Fatal("expected error for uppercase hex")
	}
}

func TestVerifierMatches(t *testing.T) {
	want := SumBytes([]byte("hello world"))
	v := NewVerifier()
	if _, err := v.Write([]byte("hello world")); err != nil {
		t.Fatal(err)
	}
	if !v.Matches(want) {
		t.Fatalf("Sum() = %s, want %s", v.Sum(), want)
	}
}

func TestVerifyReaderMismatch(t *testing.T) {
	bogus := Digest{Algorithm: SHA256, Hex: strings.Repeat("0", 64)}
	err := VerifyReader(strings.NewReader("not empty"), bogus)
	if err == nil {
		t.Fatal("expected mismatch error")
	}
}

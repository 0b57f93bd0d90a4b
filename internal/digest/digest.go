// Package digest implements the algorithm:hex content-addressing scheme
// used throughout the registry and save-archive formats.
package digest

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"strings"
)

// SHA256 is the only digest algorithm this module understands.
const SHA256 = "sha256"

// EmptyTarSHA256 is the well-known digest of a gzip-compressed empty tar
// stream. Docker Registry V2 manifests reference it for layers that add no
// filesystem content; it is never fetched.
const EmptyTarSHA256 = "sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4"

// Digest is a parsed "algorithm:hex" content hash.
type Digest struct {
	Algorithm string
	Hex       string
}

// String renders the digest in canonical "algorithm:hex" form.
func (d Digest) String() string {
	return d.Algorithm + ":" + d.Hex
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool {
	return d.Algorithm == "" && d.Hex == ""
}

// Parse splits a digest string of the form "algorithm:hex" and validates
// that the algorithm is supported and the hex portion is well-formed.
func Parse(s string) (Digest, error) {
	alg, hex, ok := strings.Cut(s, ":")
	if !ok {
		return Digest{}, fmt.Errorf("digest: %q is missing an algorithm prefix", s)
	}
	if alg != SHA256 {
		return Digest{}, fmt.Errorf("digest: unsupported algorithm %q", alg)
	}
	if len(hex) != sha256.Size*2 {
		return Digest{}, fmt.Errorf("digest: %q has the wrong length for %s", s, alg)
	}
	for _, c := range hex {
		if !isLowerHex(c) {
			return Digest{}, fmt.Errorf("digest: %q is not lower-hex", s)
		}
	}
	return Digest{Algorithm: alg, Hex: strings.ToLower(hex)}, nil
}

func isLowerHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

// SumBytes returns the sha256 digest of b.
func SumBytes(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest{Algorithm: SHA256, Hex: fmt.Sprintf("%x", sum)}
}

// Verifier wraps an io.Writer, accumulating a running sha256 hash of every
// byte written through it. It is used to verify blob and manifest content
// while it streams to disk, rather than buffering the whole payload first.
type Verifier struct {
	h hash.Hash
}

// NewVerifier returns a Verifier ready to accept writes.
func NewVerifier() *Verifier {
	return &Verifier{h: sha256.New()}
}

// Write implements io.Writer.
func (v *Verifier) Write(p []byte) (int, error) {
	return v.h.Write(p)
}

// Sum returns the digest accumulated so far.
func (v *Verifier) Sum() Digest {
	return Digest{Algorithm: SHA256, Hex: fmt.Sprintf("%x", v.h.Sum(nil))}
}

// Matches reports whether the accumulated digest equals want.
func (v *Verifier) Matches(want Digest) bool {
	got := v.Sum()
	return got.Algorithm == want.Algorithm && got.Hex == want.Hex
}

// VerifyReader consumes r entirely, returning an error if its content does
// not hash to want.
func VerifyReader(r io.Reader, want Digest) error {
	v := NewVerifier()
	if _, err := io.Copy(v, r); err != nil {
		return err
	}
	if !v.Matches(want) {
		return fmt.Errorf("digest: content hashes to %s, want %s", v.Sum(), want)
	}
	return nil
}

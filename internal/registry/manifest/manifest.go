// Package manifest fetches and verifies the schema-v1 Docker manifest
// document.
package manifest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/ociassemble/ociassemble/internal/digest"
	"github.com/ociassemble/ociassemble/internal/ocierr"
	"github.com/ociassemble/ociassemble/internal/registry/auth"
	"github.com/ociassemble/ociassemble/internal/transport"
)

// FSLayer is one entry of the manifest's fsLayers sequence.
type FSLayer struct {
	BlobSum string `json:"blobSum"`
}

// HistoryEntry is one entry of the manifest's history sequence, still
// carrying its v1Compatibility payload as a raw string; ParseHistory
// decodes it into a History.
type HistoryEntry struct {
	V1Compatibility string `json:"v1Compatibility"`
}

// Signature is one entry of the manifest's signatures sequence.
type Signature struct {
	Protected string `json:"protected"`
}

// Manifest is the schema-v1 manifest document.
type Manifest struct {
	SchemaVersion int            `json:"schemaVersion"`
	FSLayers      []FSLayer      `json:"fsLayers"`
	History       []HistoryEntry `json:"history"`
	Signatures    []Signature    `json:"signatures"`
}

// ImageConfig is the subset of a history entry's decoded v1Compatibility
// config object this module cares about.
type ImageConfig struct {
	Env        []string `json:"Env"`
	Entrypoint []string `json:"Entrypoint"`
	Cmd        []string `json:"Cmd"`
	WorkingDir string   `json:"WorkingDir"`
}

// History is one parsed v1Compatibility payload.
type History struct {
	ID     string       `json:"id"`
	Parent string       `json:"parent"`
	Config *ImageConfig `json:"config"`
}

// Fetched bundles the validated manifest with its parsed history, ready
// for the layer-graph resolver.
type Fetched struct {
	Manifest Manifest
	Histories []History
	Digest    digest.Digest
}

// Fetch retrieves and verifies the manifest at manifestURL, retrying exactly once after a successful auth negotiation on a 401
// response. A second 401 is fatal.
func Fetch(ctx context.Context, client *transport.Client, negotiator *auth.Negotiator, manifestURL string) (Fetched, error) {
	resp, err := doRequest(ctx, client, negotiator, manifestURL)
	if err != nil {
		return Fetched{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if err := negotiator.Negotiate(ctx, resp); err != nil {
			return Fetched{}, err
		}
		resp2, err := doRequest(ctx, client, negotiator, manifestURL)
		if err != nil {
			return Fetched{}, err
		}
		defer resp2.Body.Close()
		if resp2.StatusCode == http.StatusUnauthorized {
			return Fetched{}, ocierr.New(ocierr.AuthFailed, "manifest request returned 401 twice after token exchange")
		}
		return parse(resp2)
	}

	return parse(resp)
}

func doRequest(ctx context.Context, client *transport.Client, negotiator *auth.Negotiator, manifestURL string) (*http.Response, error) {
	headers := http.Header{}
	headers.Set("Accept", "application/vnd.docker.distribution.manifest.v1+prettyjws, application/vnd.docker.distribution.manifest.v1+json")
	if h := negotiator.AuthHeader(); h != "" {
		headers.Set("Authorization", h)
	}
	resp, err := client.Request(ctx, http.MethodGet, manifestURL, headers)
	if err != nil {
		return nil, ocierr.Wrap(ocierr.TransportError, "requesting manifest", err)
	}
	return resp, nil
}

func parse(resp *http.Response) (Fetched, error) {
	if resp.StatusCode != http.StatusOK {
		return Fetched{}, ocierr.New(ocierr.TransportError, fmt.Sprintf("manifest request returned status %d", resp.StatusCode))
	}

	declaredDigest := resp.Header.Get("Docker-Content-Digest")
	if declaredDigest == "" {
		return Fetched{}, ocierr.New(ocierr.ManifestMalformed, "response carried no Docker-Content-Digest header")
	}
	wantDigest, err := digest.Parse(declaredDigest)
	if err != nil {
		return Fetched{}, ocierr.Wrap(ocierr.ManifestMalformed, "parsing Docker-Content-Digest", err)
	}

	contentLength := resp.ContentLength
	if contentLength < 0 {
		lenHeader := resp.Header.Get("Content-Length")
		if lenHeader == "" {
			return Fetched{}, ocierr.New(ocierr.ManifestMalformed, "response carried no Content-Length header")
		}
		contentLength, err = strconv.ParseInt(lenHeader, 10, 64)
		if err != nil {
			return Fetched{}, ocierr.Wrap(ocierr.ManifestMalformed, "parsing Content-Length", err)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, contentLength+1))
	if err != nil {
		return Fetched{}, ocierr.Wrap(ocierr.TransportError, "reading manifest body", err)
	}
	if int64(len(body)) != contentLength {
		return Fetched{}, ocierr.New(ocierr.TransportError, fmt.Sprintf("manifest body is %d bytes, Content-Length declared %d", len(body), contentLength))
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return Fetched{}, ocierr.Wrap(ocierr.ManifestMalformed, "parsing manifest JSON", err)
	}
	if m.SchemaVersion != 1 {
		return Fetched{}, ocierr.New(ocierr.ManifestMalformed, fmt.Sprintf("unsupported schemaVersion %d", m.SchemaVersion))
	}
	if len(m.FSLayers) != len(m.History) {
		return Fetched{}, ocierr.New(ocierr.ManifestMalformed, fmt.Sprintf("fsLayers has %d entries, history has %d", len(m.FSLayers), len(m.History)))
	}
	if len(m.Signatures) == 0 {
		return Fetched{}, ocierr.New(ocierr.ManifestMalformed, "manifest carries no signatures")
	}

	if err := verifyDigest(body, m.Signatures, wantDigest); err != nil {
		return Fetched{}, err
	}

	histories := make([]History, 0, len(m.History))
	for i, h := range m.History {
		var parsed History
		if err := json.Unmarshal([]byte(h.V1Compatibility), &parsed); err != nil {
			return Fetched{}, ocierr.Wrap(ocierr.ManifestMalformed, fmt.Sprintf("parsing history[%d].v1Compatibility", i), err)
		}
		if parsed.ID == "" {
			return Fetched{}, ocierr.New(ocierr.ManifestMalformed, fmt.Sprintf("history[%d] has no id", i))
		}
		histories = append(histories, parsed)
	}

	return Fetched{Manifest: m, Histories: histories, Digest: wantDigest}, nil
}

// protectedHeader is the small JSON object a signature's "protected"
// field base64-decodes to.
type protectedHeader struct {
	FormatLength int    `json:"formatLength"`
	FormatTail   string `json:"formatTail"`
}

// verifyDigest recomputes the canonical signed-subrange digest and
// compares it to want. All signatures must agree on
// formatLength/formatTail.
func verifyDigest(body []byte, sigs []Signature, want digest.Digest) error {
	var formatLength = -1
	var formatTail string

	for i, sig := range sigs {
		decoded, err := base64.RawURLEncoding.DecodeString(sig.Protected)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(sig.Protected)
		}
		if err != nil {
			return ocierr.Wrap(ocierr.ManifestMalformed, fmt.Sprintf("base64-decoding signatures[%d].protected", i), err)
		}
		var hdr protectedHeader
		if err := json.Unmarshal(decoded, &hdr); err != nil {
			return ocierr.Wrap(ocierr.ManifestMalformed, fmt.Sprintf("parsing signatures[%d].protected", i), err)
		}
		if formatLength == -1 {
			formatLength = hdr.FormatLength
			formatTail = hdr.FormatTail
			continue
		}
		if hdr.FormatLength != formatLength || hdr.FormatTail != formatTail {
			return ocierr.New(ocierr.ManifestMalformed, "signatures disagree on formatLength/formatTail")
		}
	}

	if formatLength < 0 || formatLength > len(body) {
		return ocierr.New(ocierr.ManifestMalformed, fmt.Sprintf("formatLength %d is out of range for a %d-byte body", formatLength, len(body)))
	}

	tail, err := base64.RawURLEncoding.DecodeString(formatTail)
	if err != nil {
		tail, err = base64.RawStdEncoding.DecodeString(formatTail)
	}
	if err != nil {
		return ocierr.Wrap(ocierr.ManifestMalformed, "base64-decoding formatTail", err)
	}

	canonical := append(append([]byte{}, body[:formatLength]...), tail...)
	got := digest.SumBytes(canonical)
	if got.Hex != want.Hex {
		return ocierr.New(ocierr.DigestMismatch, fmt.Sprintf("manifest canonical digest %s does not match declared %s", got, want))
	}
	return nil
}

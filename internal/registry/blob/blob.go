// Package blob downloads and validates the fs-layer blobs of a resolved
// layer chain into the content-addressed cache.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/ociassemble/ociassemble/internal/cache"
	"github.com/ociassemble/ociassemble/internal/digest"
	"github.com/ociassemble/ociassemble/internal/ocierr"
	"github.com/ociassemble/ociassemble/internal/registry/auth"
	"github.com/ociassemble/ociassemble/internal/transport"
)

// chunkSize is the streaming copy buffer size.
const chunkSize = 4 << 20 // 4 MiB

// Excluded is the set of digests the downloader never fetches, seeded
// with the well-known empty-tar digest.
func Excluded() map[string]bool {
	return map[string]bool{digest.EmptyTarSHA256: true}
}

// Fetcher downloads blobs for one Coordinate's repository into a Store.
type Fetcher struct {
	Client     *transport.Client
	Negotiator *auth.Negotiator
	Store      cache.Store
	Mirror     cache.Mirror // optional, nil if unconfigured

	// BlobURL builds the /v2/<repo>/blobs/<digest> URL for a digest.
	BlobURL func(d digest.Digest) string
}

// Ensure downloads the blob for d into f.Store if it is not already
// present and valid, skipping digests in the exclusion set. It is safe
// to call concurrently for distinct digests.
func (f *Fetcher) Ensure(ctx context.Context, d digest.Digest) error {
	if Excluded()[d.String()] {
		return nil
	}

	if ok, err := f.Store.Head(ctx, d); err != nil {
		return ocierr.Wrap(ocierr.IOError, "checking cache for "+d.String(), err)
	} else if ok {
		return nil
	}

	if f.Mirror != nil {
		if err := f.tryMirror(ctx, d); err == nil {
			return nil
		}
	}

	return f.download(ctx, d)
}

// tryMirror attempts to satisfy d from the optional mirror, copying it
// into the local store on success. Mirror failures are never fatal —
// the caller falls back to the origin registry.
func (f *Fetcher) tryMirror(ctx context.Context, d digest.Digest) error {
	ok, err := f.Mirror.Head(ctx, d)
	if err != nil || !ok {
		return fmt.Errorf("mirror miss")
	}
	rc, err := f.Mirror.Get(ctx, d)
	if err != nil {
		return err
	}
	defer rc.Close()
	verifier := digest.NewVerifier()
	body, err := io.ReadAll(io.TeeReader(rc, verifier))
	if err != nil {
		return err
	}
	if !verifier.Matches(d) {
		return fmt.Errorf("mirror blob %s failed digest verification", d)
	}
	return f.Store.Put(ctx, d, bytes.NewReader(body), int64(len(body)))
}

// download performs the GET / redirect / stream / verify / commit
// sequence.
func (f *Fetcher) download(ctx context.Context, d digest.Digest) error {
	url := f.BlobURL(d)
	headers := http.Header{}
	if h := f.Negotiator.AuthHeader(); h != "" {
		headers.Set("Authorization", h)
	}

	resp, err := f.Client.Request(ctx, http.MethodGet, url, headers)
	if err != nil {
		return ocierr.Wrap(ocierr.TransportError, "requesting blob "+d.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if err := f.Negotiator.Negotiate(ctx, resp); err != nil {
			return err
		}
		resp.Body.Close()
		headers.Set("Authorization", f.Negotiator.AuthHeader())
		resp, err = f.Client.Request(ctx, http.MethodGet, url, headers)
		if err != nil {
			return ocierr.Wrap(ocierr.TransportError, "re-requesting blob "+d.String()+" after token exchange", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized {
			return ocierr.New(ocierr.AuthFailed, "blob request returned 401 twice after token exchange")
		}
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		location := resp.Header.Get("Location")
		if location == "" {
			return ocierr.New(ocierr.TransportError, fmt.Sprintf("blob request returned %d with no Location header", resp.StatusCode))
		}
		resp.Body.Close()

		// The redirected host receives no Authorization header: blob
		// CDNs reject it and it would otherwise leak the registry
		// token cross-origin.
		resp, err = f.Client.Request(ctx, http.MethodGet, location, http.Header{})
		if err != nil {
			return ocierr.Wrap(ocierr.TransportError, "following blob redirect for "+d.String(), err)
		}
		defer resp.Body.Close()
	}

	if resp.StatusCode != http.StatusOK {
		return ocierr.New(ocierr.TransportError, fmt.Sprintf("blob request for %s returned status %d", d, resp.StatusCode))
	}

	return f.streamAndCommit(ctx, d, resp)
}

// streamAndCommit writes resp's body to a temp file in chunkSize chunks,
// verifies its digest, and commits it atomically.
func (f *Fetcher) streamAndCommit(_ context.Context, d digest.Digest, resp *http.Response) error {
	fsStore, ok := f.Store.(*cache.FSStore)
	if !ok {
		// A non-filesystem Store implements its own atomicity; hand it
		// the body directly after verifying through a tee.
		return f.streamToGenericStore(d, resp)
	}

	tmp, err := fsStore.OpenTemp()
	if err != nil {
		return ocierr.Wrap(ocierr.IOError, "opening temp file for "+d.String(), err)
	}

	verifier := digest.NewVerifier()
	w := io.MultiWriter(tmp, verifier)

	buf := make([]byte, chunkSize)
	_, copyErr := io.CopyBuffer(w, resp.Body, buf)
	closeErr := tmp.Close()

	if copyErr != nil || closeErr != nil {
		fsStore.Discard(tmp.Name())
		if copyErr != nil {
			return ocierr.Wrap(ocierr.TransportError, "streaming blob "+d.String(), copyErr)
		}
		return ocierr.Wrap(ocierr.IOError, "closing temp file for "+d.String(), closeErr)
	}

	if !verifier.Matches(d) {
		fsStore.Discard(tmp.Name())
		return ocierr.New(ocierr.DigestMismatch, fmt.Sprintf("blob %s failed digest verification", d))
	}

	if err := fsStore.Commit(tmp.Name(), d); err != nil {
		return ocierr.Wrap(ocierr.IOError, "committing blob "+d.String(), err)
	}
	return nil
}

func (f *Fetcher) streamToGenericStore(d digest.Digest, resp *http.Response) error {
	verifier := digest.NewVerifier()
	tee := io.TeeReader(resp.Body, verifier)
	body, err := io.ReadAll(tee)
	if err != nil {
		return ocierr.Wrap(ocierr.TransportError, "streaming blob "+d.String(), err)
	}
	if !verifier.Matches(d) {
		return ocierr.New(ocierr.DigestMismatch, fmt.Sprintf("blob %s failed digest verification", d))
	}
	return f.Store.Put(context.Background(), d, bytes.NewReader(body), int64(len(body)))
}

// EnsureAll downloads every non-excluded digest in digests concurrently.
func (f *Fetcher) EnsureAll(ctx context.Context, digests []digest.Digest) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range digests {
		d := d
		g.Go(func() error {
			return f.Ensure(ctx, d)
		})
	}
	return g.Wait()
}

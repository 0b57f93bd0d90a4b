// Package materialize is the orchestrator façade: it composes the
// registry client (transport → auth → manifest → graph → blob) or the
// save-archive loader with the layerfs compositor, emitting progress
// events and returning the image metadata.
package materialize

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ociassemble/ociassemble/internal/cache"
	"github.com/ociassemble/ociassemble/internal/digest"
	"github.com/ociassemble/ociassemble/internal/layerfs"
	"github.com/ociassemble/ociassemble/internal/ocierr"
	"github.com/ociassemble/ociassemble/internal/registry"
	"github.com/ociassemble/ociassemble/internal/registry/auth"
	"github.com/ociassemble/ociassemble/internal/registry/blob"
	"github.com/ociassemble/ociassemble/internal/registry/graph"
	"github.com/ociassemble/ociassemble/internal/registry/manifest"
	"github.com/ociassemble/ociassemble/internal/savearchive"
	"github.com/ociassemble/ociassemble/internal/status"
	"github.com/ociassemble/ociassemble/internal/transport"
)

// Metadata is the orchestrator's output record.
type Metadata struct {
	ID           string
	Repo         string
	Tag          string
	Env          []string
	Entrypoint   []string
	WorkDir      string
	ExpandedPath string
}

// Materializer bundles the collaborators a pull or load needs.
type Materializer struct {
	Transport *transport.Client
	Store     cache.Store
	Mirror    cache.Mirror
}

// Pull fetches the manifest, resolves the layer chain, downloads every
// layer blob, and composes them into expandDir/<image_id>, reporting
// progress through reporter.
func (m *Materializer) Pull(ctx context.Context, c registry.Coordinate, expandDir string, reporter status.Reporter) (Metadata, error) {
	if reporter == nil {
		reporter = status.Nop{}
	}

	negotiator := auth.New(m.Transport, c.AuthMethod, c.Username, c.Password)

	reporter.ReportStatus(status.Pulling, "getting manifest")
	manifestURL := c.Registry.BaseURL() + c.ManifestPath(c.Tag)
	fetched, err := manifest.Fetch(ctx, m.Transport, negotiator, manifestURL)
	if err != nil {
		reporter.ReportStatus(status.Failure, err.Error())
		return Metadata{}, err
	}

	chain, err := graph.Resolve(fetched)
	if err != nil {
		reporter.ReportStatus(status.Failure, err.Error())
		return Metadata{}, err
	}

	fetcher := &blob.Fetcher{
		Client:     m.Transport,
		Negotiator: negotiator,
		Store:      m.Store,
		Mirror:     m.Mirror,
		BlobURL: func(d digest.Digest) string {
			return c.Registry.BaseURL() + c.BlobPath(d.String())
		},
	}

	for _, node := range chain.Nodes {
		d, err := digest.Parse(node.BlobSum)
		if err != nil {
			err = ocierr.Wrap(ocierr.ManifestMalformed, "parsing blobSum for layer "+node.ID, err)
			reporter.ReportStatus(status.Failure, err.Error())
			return Metadata{}, err
		}
		reporter.ReportStatus(status.Pulling, fmt.Sprintf("pulling layer %s", d))
		if err := fetcher.Ensure(ctx, d); err != nil {
			reporter.ReportStatus(status.Failure, err.Error())
			return Metadata{}, err
		}
	}

	youngest := chain.Youngest()
	imageID := youngest.ID
	dest := filepath.Join(expandDir, imageID)

	reporter.ReportStatus(status.Pulling, "extracting layers")
	layers := make([]layerfs.Layer, 0, len(chain.Nodes))
	fsStore, _ := m.Store.(*cache.FSStore)
	for _, node := range chain.Nodes {
		node := node
		if blob.Excluded()[node.BlobSum] {
			// Never fetched, so never in the cache; it adds no content.
			continue
		}
		layers = append(layers, layerfs.Layer{
			Name: node.ID,
			Open: func() (io.ReadCloser, error) {
				d, err := digest.Parse(node.BlobSum)
				if err != nil {
					return nil, err
				}
				if fsStore != nil {
					return os.Open(fsStore.Path(d))
				}
				return m.Store.Get(ctx, d)
			},
		})
	}
	if err := layerfs.Compose(ctx, layers, dest); err != nil {
		os.RemoveAll(dest)
		reporter.ReportStatus(status.Failure, err.Error())
		return Metadata{}, err
	}

	meta := Metadata{
		ID:           imageID,
		Repo:         c.Repository,
		Tag:          c.Tag,
		ExpandedPath: dest,
	}
	if youngest.Config != nil {
		meta.Env = youngest.Config.Env
		meta.Entrypoint = firstNonEmpty(youngest.Config.Entrypoint, youngest.Config.Cmd)
		meta.WorkDir = youngest.Config.WorkingDir
	}

	reporter.ReportStatus(status.Ready, "pull complete")
	return meta, nil
}

func firstNonEmpty(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}

// Load unpacks a Docker save archive and composes its layers into
// expandDir/<image_id>, reporting progress through reporter.
func (m *Materializer) Load(ctx context.Context, archivePath, scratchDir, expandDir string, reporter status.Reporter) (Metadata, error) {
	if reporter == nil {
		reporter = status.Nop{}
	}

	reporter.ReportStatus(status.Loading, "extracting layers")
	saMeta, err := savearchive.Load(ctx, archivePath, scratchDir, expandDir)
	if err != nil {
		reporter.ReportStatus(status.Failure, err.Error())
		return Metadata{}, err
	}

	meta := Metadata{
		ID:           saMeta.ID,
		Repo:         saMeta.Repo,
		Tag:          saMeta.Tag,
		Env:          saMeta.Env,
		Entrypoint:   saMeta.Entrypoint,
		WorkDir:      saMeta.WorkDir,
		ExpandedPath: saMeta.ExpandedPath,
	}

	reporter.ReportStatus(status.Ready, "load complete")
	return meta, nil
}

// Package savearchive loads a Docker "docker save" tarball and feeds its
// layers to the layerfs compositor, skipping registry and digest
// verification entirely — the trust root for a save archive is the
// local filesystem.
package savearchive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ociassemble/ociassemble/internal/layerfs"
	"github.com/ociassemble/ociassemble/internal/ocierr"
)

// manifestEntry is element 0 of manifest.json — the only element this
// loader honors.
type manifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// imageConfig is the subset of the youngest layer's "json" file this
// loader reads.
type imageConfig struct {
	Config struct {
		Env        []string `json:"Env"`
		Entrypoint []string `json:"Entrypoint"`
		WorkingDir string   `json:"WorkingDir"`
	} `json:"config"`
}

// Metadata is the orchestrator-facing result of Load.
type Metadata struct {
	ID           string
	Repo         string
	Tag          string
	Env          []string
	Entrypoint   []string
	WorkDir      string
	ExpandedPath string
}

// Load unpacks archivePath into scratchDir, reads its manifest and the
// youngest layer's config, composes its layers into expandDirParent/<image_id>,
// and returns the image metadata.
func Load(ctx context.Context, archivePath, scratchDir, expandDirParent string) (Metadata, error) {
	if err := unpack(archivePath, scratchDir); err != nil {
		return Metadata{}, err
	}

	entries, err := readManifestJSON(filepath.Join(scratchDir, "manifest.json"))
	if err != nil {
		return Metadata{}, err
	}
	if len(entries) == 0 {
		return Metadata{}, ocierr.New(ocierr.ArchiveMalformed, "manifest.json has no entries")
	}
	entry := entries[0]

	if entry.Config == "" || len(entry.Layers) == 0 {
		return Metadata{}, ocierr.New(ocierr.ArchiveMalformed, "manifest.json element 0 is missing Config or Layers")
	}
	if len(entry.RepoTags) == 0 {
		return Metadata{}, ocierr.New(ocierr.ArchiveMalformed, "manifest.json element 0 has no RepoTags")
	}

	imageID := strings.TrimSuffix(entry.Config, filepath.Ext(entry.Config))

	repo, tag, ok := strings.Cut(entry.RepoTags[0], ":")
	if !ok {
		return Metadata{}, ocierr.New(ocierr.ArchiveMalformed, "RepoTags[0] is not of the form repo:tag")
	}

	cfg, err := readImageConfig(filepath.Join(scratchDir, filepath.FromSlash(strings.TrimSuffix(entry.Layers[len(entry.Layers)-1], "/layer.tar")), "json"))
	if err != nil {
		return Metadata{}, err
	}

	layers := make([]layerfs.Layer, 0, len(entry.Layers))
	for _, rel := range entry.Layers {
		path := filepath.Join(scratchDir, filepath.FromSlash(rel))
		layers = append(layers, layerfs.Layer{
			Name: rel,
			Open: func() (io.ReadCloser, error) {
				return os.Open(path)
			},
		})
	}

	dest := filepath.Join(expandDirParent, imageID)
	if err := layerfs.Compose(ctx, layers, dest); err != nil {
		os.RemoveAll(dest)
		return Metadata{}, err
	}

	return Metadata{
		ID:           imageID,
		Repo:         repo,
		Tag:          tag,
		Env:          cfg.Config.Env,
		Entrypoint:   cfg.Config.Entrypoint,
		WorkDir:      cfg.Config.WorkingDir,
		ExpandedPath: dest,
	}, nil
}

// readManifestJSON reads and parses the top-level manifest.json array.
func readManifestJSON(path string) ([]manifestEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ocierr.Wrap(ocierr.ArchiveMalformed, "save archive has no manifest.json", err)
		}
		return nil, ocierr.Wrap(ocierr.IOError, "reading manifest.json", err)
	}
	var entries []manifestEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, ocierr.Wrap(ocierr.ArchiveMalformed, "parsing manifest.json", err)
	}
	return entries, nil
}

// readImageConfig reads the youngest layer's per-layer "json" config,
// which carries the runtime metadata (Env/Entrypoint/WorkingDir).
func readImageConfig(path string) (imageConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return imageConfig{}, ocierr.Wrap(ocierr.ArchiveMalformed, "reading layer config at "+path, err)
	}
	var cfg imageConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return imageConfig{}, ocierr.Wrap(ocierr.ArchiveMalformed, "parsing layer config at "+path, err)
	}
	return cfg, nil
}

// unpack extracts archivePath (gzipped or plain tar) into scratchDir.
func unpack(archivePath, scratchDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return ocierr.Wrap(ocierr.IOError, "opening save archive", err)
	}
	defer f.Close()

	var r io.Reader = f
	magic := make([]byte, 2)
	if n, _ := io.ReadFull(f, magic); n == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return ocierr.Wrap(ocierr.IOError, "seeking save archive", err)
		}
		gz, err := gzip.NewReader(f)
		if err != nil {
			return ocierr.Wrap(ocierr.ArchiveMalformed, "opening gzip save archive", err)
		}
		defer gz.Close()
		r = gz
	} else {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return ocierr.Wrap(ocierr.IOError, "seeking save archive", err)
		}
	}

	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return ocierr.Wrap(ocierr.IOError, "creating scratch directory", err)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ocierr.Wrap(ocierr.ArchiveMalformed, "reading save archive tar", err)
		}
		target := filepath.Join(scratchDir, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return ocierr.Wrap(ocierr.IOError, "creating "+target, err)
			}
		case tar.TypeReg, tar.TypeRegA:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return ocierr.Wrap(ocierr.IOError, "creating parent directory for "+target, err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return ocierr.Wrap(ocierr.IOError, "creating "+target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return ocierr.Wrap(ocierr.IOError, "writing "+target, err)
			}
			out.Close()
		}
	}
	return nil
}

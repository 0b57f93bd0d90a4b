package graph

import (
	"testing"

	"github.com/ociassemble/ociassemble/internal/ocierr"
	"github.com/ociassemble/ociassemble/internal/registry/manifest"
)

func fixture(histories []manifest.History, blobSums []string) manifest.Fetched {
	fsLayers := make([]manifest.FSLayer, len(blobSums))
	for i, b := range blobSums {
		fsLayers[i] = manifest.FSLayer{BlobSum: b}
	}
	return manifest.Fetched{
		Manifest:  manifest.Manifest{FSLayers: fsLayers},
		Histories: histories,
	}
}

func TestResolveLinearChain(t *testing.T) {
	// history is given out of order; parent pointers must reconstruct
	// root -> middle -> tip regardless.
	f := fixture([]manifest.History{
		{ID: "tip", Parent: "middle"},
		{ID: "root"},
		{ID: "middle", Parent: "root"},
	}, []string{"sha256:tip", "sha256:root", "sha256:middle"})

	chain, err := Resolve(f)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(chain.Nodes) != 3 {
		t.Fatalf("len(Nodes) = %d, want 3", len(chain.Nodes))
	}
	if chain.Eldest().ID != "root" {
		t.Fatalf("Eldest = %q, want root", chain.Eldest().ID)
	}
	if chain.Youngest().ID != "tip" {
		t.Fatalf("Youngest = %q, want tip", chain.Youngest().ID)
	}
	order := []string{chain.Nodes[0].ID, chain.Nodes[1].ID, chain.Nodes[2].ID}
	want := []string{"root", "middle", "tip"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if chain.Nodes[0].BlobSum != "sha256:root" || chain.Nodes[2].BlobSum != "sha256:tip" {
		t.Fatalf("blobSums not carried along with their reordered history entries: %+v", chain.Nodes)
	}
}

func TestResolveRejectsMultipleRoots(t *testing.T) {
	f := fixture([]manifest.History{
		{ID: "a"},
		{ID: "b"},
	}, []string{"sha256:a", "sha256:b"})

	_, err := Resolve(f)
	if !ocierr.Is(err, ocierr.ManifestMalformed) {
		t.Fatalf("expected ManifestMalformed, got %v", err)
	}
}

func TestResolveRejectsNoRoot(t *testing.T) {
	f := fixture([]manifest.History{
		{ID: "a", Parent: "b"},
		{ID: "b", Parent: "a"},
	}, []string{"sha256:a", "sha256:b"})

	_, err := Resolve(f)
	if !ocierr.Is(err, ocierr.ManifestMalformed) {
		t.Fatalf("expected ManifestMalformed, got %v", err)
	}
}

func TestResolveRejectsDuplicateParent(t *testing.T) {
	f := fixture([]manifest.History{
		{ID: "root"},
		{ID: "a", Parent: "root"},
		{ID: "b", Parent: "root"},
	}, []string{"sha256:root", "sha256:a", "sha256:b"})

	_, err := Resolve(f)
	if !ocierr.Is(err, ocierr.ManifestMalformed) {
		t.Fatalf("expected ManifestMalformed, got %v", err)
	}
}

func TestResolveRejectsDisconnectedEntries(t *testing.T) {
	// "root" chains to nothing else; "orphan" has a parent that doesn't
	// exist in the history at all, so it's never visited.
	f := fixture([]manifest.History{
		{ID: "root"},
		{ID: "orphan", Parent: "nonexistent"},
	}, []string{"sha256:root", "sha256:orphan"})

	_, err := Resolve(f)
	if !ocierr.Is(err, ocierr.ManifestMalformed) {
		t.Fatalf("expected ManifestMalformed, got %v", err)
	}
}

func TestResolveRejectsEmptyHistory(t *testing.T) {
	f := fixture(nil, nil)
	_, err := Resolve(f)
	if !ocierr.Is(err, ocierr.ManifestMalformed) {
		t.Fatalf("expected ManifestMalformed, got %v", err)
	}
}

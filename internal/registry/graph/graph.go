// Package graph reconstructs the linear parent→child layer chain from a
// manifest's unordered history list.
package graph

import (
	"fmt"

	"github.com/ociassemble/ociassemble/internal/ocierr"
	"github.com/ociassemble/ociassemble/internal/registry/manifest"
)

// Node is one layer of the resolved chain. ParentIndex/ChildIndex are
// indices into the Chain's Nodes slice, -1 when absent — an index-based representation
// avoids pointer ownership ambiguity and supports index-based work queues
// for parallel blob fetching.
type Node struct {
	ID      string
	Parent  string
	BlobSum string
	Config  *manifest.ImageConfig

	ParentIndex int
	ChildIndex  int
}

// Chain is the resolved, ordered (eldest-to-youngest) layer sequence.
type Chain struct {
	Nodes []Node
}

// Eldest is the root layer, with no parent.
func (c Chain) Eldest() Node { return c.Nodes[0] }

// Youngest is the tip layer, with no child — its Config carries the
// image's runtime metadata.
func (c Chain) Youngest() Node { return c.Nodes[len(c.Nodes)-1] }

// Resolve builds a Chain from a manifest's index-aligned fsLayers and
// history entries by walking parent pointers from the single root entry.
func Resolve(fetched manifest.Fetched) (Chain, error) {
	fsLayers := fetched.Manifest.FSLayers
	histories := fetched.Histories

	if len(fsLayers) != len(histories) {
		return Chain{}, ocierr.New(ocierr.ManifestMalformed, "fsLayers and history are not index-aligned")
	}
	if len(histories) == 0 {
		return Chain{}, ocierr.New(ocierr.ManifestMalformed, "manifest has no layers")
	}

	byID := make(map[string]int, len(histories))
	byParent := make(map[string]int, len(histories))
	var rootIdx = -1

	for i, h := range histories {
		if _, exists := byID[h.ID]; exists {
			return Chain{}, ocierr.New(ocierr.ManifestMalformed, fmt.Sprintf("duplicate layer id %q", h.ID))
		}
		byID[h.ID] = i

		if h.Parent == "" {
			if rootIdx != -1 {
				return Chain{}, ocierr.New(ocierr.ManifestMalformed, "manifest history has more than one layer with no parent")
			}
			rootIdx = i
			continue
		}
		if other, exists := byParent[h.Parent]; exists {
			return Chain{}, ocierr.New(ocierr.ManifestMalformed, fmt.Sprintf("layers %q and %q both claim parent %q", histories[other].ID, h.ID, h.Parent))
		}
		byParent[h.Parent] = i
	}
	if rootIdx == -1 {
		return Chain{}, ocierr.New(ocierr.ManifestMalformed, "manifest history has no layer with an empty parent")
	}

	nodes := make([]Node, 0, len(histories))
	visited := make(map[string]bool, len(histories))

	cur := rootIdx
	for {
		h := histories[cur]
		if visited[h.ID] {
			return Chain{}, ocierr.New(ocierr.ManifestMalformed, fmt.Sprintf("layer graph contains a cycle at %q", h.ID))
		}
		visited[h.ID] = true

		nodes = append(nodes, Node{
			ID:          h.ID,
			Parent:      h.Parent,
			BlobSum:     fsLayers[cur].BlobSum,
			Config:      h.Config,
			ParentIndex: -1,
			ChildIndex:  -1,
		})
		if len(nodes) > 1 {
			nodes[len(nodes)-2].ChildIndex = len(nodes) - 1
			nodes[len(nodes)-1].ParentIndex = len(nodes) - 2
		}

		next, ok := byParent[h.ID]
		if !ok {
			break
		}
		cur = next
	}

	if len(nodes) != len(histories) {
		return Chain{}, ocierr.New(ocierr.ManifestMalformed, fmt.Sprintf("layer chain reached %d of %d entries; history is not a single linear chain", len(nodes), len(histories)))
	}

	return Chain{Nodes: nodes}, nil
}

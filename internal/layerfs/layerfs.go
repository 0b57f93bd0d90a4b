// Package layerfs implements the two-pass layered filesystem compositor:
// classification and whiteout pruning over ordered tar layers, followed
// by extraction of each layer's surviving members.
package layerfs

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ociassemble/ociassemble/internal/ocierr"
)

// Layer is one tar stream to compose, in eldest-to-youngest order. Open
// must return a fresh reader positioned at the start of the tar each time
// it is called, since Pass 1 and Pass 2 each read the layer once.
type Layer struct {
	Name string // for diagnostics only
	Open func() (io.ReadCloser, error)
}

// retained is one surviving tar member, carrying enough of its header to
// extract it in Pass 2 without re-scanning the tar for it.
type retained struct {
	header *tar.Header
}

// isForbidden reports whether name is one of the unconditionally
// removed entries: the root, "dev" and everything under it, or any
// path containing a ".." segment.
func isForbidden(name string) bool {
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" || clean == "dev" {
		return true
	}
	if strings.HasPrefix(clean, "dev/") {
		return true
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// whiteoutTarget translates a whiteout member's name to the target path
// it deletes. A member is a whiteout if any path segment starts with
// ".wh." — not just its basename — matching a name containing "/.wh." or
// starting with ".wh.": "a/b/.wh.c" -> "a/b/c", ".wh.c" -> "c",
// "a/.wh.b/c" -> "a/b/c". An opaque-directory marker ".wh..wh..opq" is a
// whiteout of its containing directory: "a/.wh..wh..opq" -> "a".
func whiteoutTarget(name string) (target string, isWhiteout bool) {
	segs := strings.Split(name, "/")
	for i, seg := range segs {
		if seg == ".wh..wh..opq" {
			return strings.Join(segs[:i], "/"), true
		}
		if strings.HasPrefix(seg, ".wh.") {
			out := append([]string(nil), segs...)
			out[i] = strings.TrimPrefix(seg, ".wh.")
			return strings.Join(out, "/"), true
		}
	}
	return "", false
}

// isUnderOrEqual reports whether name equals target or is a path
// underneath it, used for directory-whiteout pruning.
func isUnderOrEqual(name, target string) bool {
	name = strings.TrimPrefix(name, "/")
	target = strings.TrimPrefix(target, "/")
	if name == target {
		return true
	}
	return strings.HasPrefix(name, target+"/")
}

// Compose runs Pass 1 (classification and pruning) then Pass 2
// (extraction) over layers in order, writing the merged tree to dest.
// ctx is checked between layers in both passes; a cancelled ctx aborts
// the walk with ctx.Err().
func Compose(ctx context.Context, layers []Layer, dest string) error {
	retainedByLayer, err := classify(ctx, layers)
	if err != nil {
		return err
	}
	return extract(ctx, layers, retainedByLayer, dest)
}

// classify is Pass 1: for each layer in order, filter forbidden members,
// split whiteouts from live members, prune earlier layers' retained
// lists accordingly, and append this layer's retained live members.
func classify(ctx context.Context, layers []Layer) ([][]retained, error) {
	retainedByLayer := make([][]retained, len(layers))

	for i, l := range layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rc, err := l.Open()
		if err != nil {
			return nil, ocierr.Wrap(ocierr.IOError, "opening layer "+l.Name, err)
		}
		members, err := readMembers(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}

		var whiteoutTargets []string
		var live []retained

		for _, m := range members {
			name := cleanName(m.header.Name)
			if isForbidden(name) {
				continue
			}
			if target, ok := whiteoutTarget(name); ok {
				whiteoutTargets = append(whiteoutTargets, cleanName(target))
				continue
			}
			live = append(live, m)
		}

		for _, target := range whiteoutTargets {
			for j := 0; j < i; j++ {
				retainedByLayer[j] = pruneUnder(retainedByLayer[j], target)
			}
		}

		for _, m := range live {
			if m.header.Typeflag == tar.TypeDir {
				continue
			}
			name := cleanName(m.header.Name)
			for j := 0; j < i; j++ {
				retainedByLayer[j] = pruneExact(retainedByLayer[j], name)
			}
		}

		retainedByLayer[i] = live
	}

	return retainedByLayer, nil
}

func pruneUnder(list []retained, target string) []retained {
	out := list[:0]
	for _, m := range list {
		if !isUnderOrEqual(cleanName(m.header.Name), target) {
			out = append(out, m)
		}
	}
	return out
}

func pruneExact(list []retained, name string) []retained {
	out := list[:0]
	for _, m := range list {
		if cleanName(m.header.Name) != name {
			out = append(out, m)
		}
	}
	return out
}

// cleanName normalizes a tar member name for comparison: strips a
// leading "/" and "./".
func cleanName(name string) string {
	name = strings.TrimPrefix(name, "./")
	return strings.TrimPrefix(name, "/")
}

// readMembers enumerates every header in a (possibly gzipped) tar stream.
func readMembers(r io.Reader) ([]retained, error) {
	tr, err := tarReader(r)
	if err != nil {
		return nil, err
	}

	var out []retained
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ocierr.Wrap(ocierr.ArchiveMalformed, "reading tar header", err)
		}
		hdrCopy := *hdr
		out = append(out, retained{header: &hdrCopy})
	}
	return out, nil
}

// tarReader wraps r in a gzip.Reader if it looks gzip-compressed
// (magic bytes 0x1f 0x8b), otherwise reads it as a plain tar stream.
func tarReader(r io.Reader) (*tar.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, ocierr.Wrap(ocierr.ArchiveMalformed, "peeking tar stream", err)
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, ocierr.Wrap(ocierr.ArchiveMalformed, "opening gzip layer", err)
		}
		return tar.NewReader(gz), nil
	}
	return tar.NewReader(br), nil
}

// extract is Pass 2: for each layer in order, extract only its retained
// members into dest. Later extractions naturally overwrite earlier ones.
func extract(ctx context.Context, layers []Layer, retainedByLayer [][]retained, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return ocierr.Wrap(ocierr.IOError, "creating expand directory", err)
	}

	for i, l := range layers {
		if err := ctx.Err(); err != nil {
			return err
		}

		want := make(map[string]*tar.Header, len(retainedByLayer[i]))
		for _, m := range retainedByLayer[i] {
			want[cleanName(m.header.Name)] = m.header
		}
		if len(want) == 0 {
			continue
		}

		rc, err := l.Open()
		if err != nil {
			return ocierr.Wrap(ocierr.IOError, "re-opening layer "+l.Name+" for extraction", err)
		}
		err = extractLayer(rc, want, dest)
		rc.Close()
		if err != nil {
			return err
		}
	}

	return fixupPermissions(dest)
}

func extractLayer(r io.Reader, want map[string]*tar.Header, dest string) error {
	tr, err := tarReader(r)
	if err != nil {
		return err
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ocierr.Wrap(ocierr.ArchiveMalformed, "reading tar header during extraction", err)
		}
		name := cleanName(hdr.Name)
		if _, ok := want[name]; !ok {
			continue
		}

		target := filepath.Join(dest, filepath.FromSlash(name))
		if err := extractMember(tr, hdr, target); err != nil {
			return err
		}
	}
	return nil
}

func extractMember(tr *tar.Reader, hdr *tar.Header, target string) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700)
	case tar.TypeReg, tar.TypeRegA:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return ocierr.Wrap(ocierr.IOError, "creating parent directory for "+target, err)
		}
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)|0o200)
		if err != nil {
			return ocierr.Wrap(ocierr.IOError, "creating "+target, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return ocierr.Wrap(ocierr.IOError, "writing "+target, err)
		}
		return f.Close()
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return ocierr.Wrap(ocierr.IOError, "creating parent directory for "+target, err)
		}
		os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		linkTarget := filepath.Join(filepath.Dir(target), filepath.FromSlash(hdr.Linkname))
		os.Remove(target)
		return os.Link(linkTarget, target)
	default:
		// Device nodes, fifos etc. are not meaningful in a container
		// rootfs snapshot and are silently skipped.
		return nil
	}
}

// fixupPermissions walks dest, applying a+rX,u+w to every entry so that
// images built with restrictive modes remain readable by downstream
// converters. Done in-process rather than shelling out to chmod.
func fixupPermissions(dest string) error {
	return filepath.Walk(dest, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		mode := info.Mode()
		perm := mode.Perm() | 0o444 | 0o200 // a+r, u+w always; a+x conditionally below
		if info.IsDir() {
			perm |= 0o111 // a+X for directories
		} else if mode.Perm()&0o111 != 0 {
			perm |= 0o111 // preserve a+x only where already executable
		}
		if mode.Perm() == perm {
			return nil
		}
		return os.Chmod(p, perm)
	})
}

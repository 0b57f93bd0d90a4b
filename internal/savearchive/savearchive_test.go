package savearchive

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

// buildSaveTar constructs a minimal two-layer save archive on disk,
// returning its path.
func buildSaveTar(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	manifest := `[{"Config":"abc.json","RepoTags":["repo:v1"],"Layers":["L1/layer.tar","L2/layer.tar"]}]`
	writeFile(t, dir, "manifest.json", manifest)
	writeFile(t, dir, "abc.json", `{}`)

	writeFile(t, dir, "L1/json", `{"config":{"Env":["A=1"],"WorkingDir":"/old"}}`)
	writeFile(t, dir, "L1/VERSION", "1.0")
	writeTarFile(t, filepath.Join(dir, "L1", "layer.tar"), []tarFile{{name: "etc/a", body: "a"}, {name: "etc/b", body: "b"}})

	writeFile(t, dir, "L2/json", `{"config":{"Env":["B=2"],"Entrypoint":["/bin/app"],"WorkingDir":"/app"}}`)
	writeFile(t, dir, "L2/VERSION", "1.0")
	writeTarFile(t, filepath.Join(dir, "L2", "layer.tar"), []tarFile{{name: "etc/.wh.a", body: ""}})

	archivePath := filepath.Join(t.TempDir(), "image.tar")
	writeOuterTar(t, archivePath, dir)
	return archivePath
}

type tarFile struct {
	name string
	body string
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeTarFile(t *testing.T, path string, files []tarFile) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		hdr := &tar.Header{Name: f.name, Mode: 0o644, Size: int64(len(f.body))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(f.body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

// writeOuterTar walks srcDir and writes every file into a tar at
// destPath, simulating the outer "docker save" bundle.
func writeOuterTar(t *testing.T, destPath, srcDir string) {
	t.Helper()
	out, err := os.Create(destPath)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	tw := tar.NewWriter(out)
	defer tw.Close()

	err = filepath.Walk(srcDir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		hdr := &tar.Header{Name: filepath.ToSlash(rel), Mode: 0o644, Size: int64(len(b))}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err = tw.Write(b)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestLoad covers scenario S6.
func TestLoad(t *testing.T) {
	archivePath := buildSaveTar(t)
	scratch := t.TempDir()
	expand := t.TempDir()

	meta, err := Load(context.Background(), archivePath, scratch, expand)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if meta.ID != "abc" {
		t.Errorf("ID = %q, want abc", meta.ID)
	}
	if meta.Repo != "repo" || meta.Tag != "v1" {
		t.Errorf("Repo/Tag = %q/%q, want repo/v1", meta.Repo, meta.Tag)
	}
	if len(meta.Entrypoint) != 1 || meta.Entrypoint[0] != "/bin/app" {
		t.Errorf("Entrypoint = %v, want [/bin/app] (from the youngest layer's config)", meta.Entrypoint)
	}

	if meta.ExpandedPath != filepath.Join(expand, "abc") {
		t.Errorf("ExpandedPath = %q, want %q", meta.ExpandedPath, filepath.Join(expand, "abc"))
	}
	if _, err := os.Stat(filepath.Join(meta.ExpandedPath, "etc", "a")); err == nil {
		t.Error("etc/a should have been removed by L2's whiteout")
	}
	if b, err := os.ReadFile(filepath.Join(meta.ExpandedPath, "etc", "b")); err != nil || string(b) != "b" {
		t.Errorf("etc/b missing or wrong content: %v, %q", err, b)
	}
}

func TestLoadRejectsEmptyRepoTags(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "manifest.json", `[{"Config":"abc.json","RepoTags":[],"Layers":["L1/layer.tar"]}]`)
	writeFile(t, dir, "abc.json", `{}`)
	writeTarFile(t, filepath.Join(dir, "L1", "layer.tar"), []tarFile{{name: "a", body: "a"}})
	writeFile(t, dir, "L1/json", `{"config":{}}`)

	archivePath := filepath.Join(t.TempDir(), "image.tar")
	writeOuterTar(t, archivePath, dir)

	_, err := Load(context.Background(), archivePath, t.TempDir(), t.TempDir())
	if err == nil {
		t.Fatal("expected ArchiveMalformed for empty RepoTags")
	}
}

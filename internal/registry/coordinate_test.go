package registry

import (
	"os"
	"testing"

	"github.com/ociassemble/ociassemble/internal/ocierr"
	"github.com/ociassemble/ociassemble/internal/registry/auth"
)

func TestParseEndpointDefaults(t *testing.T) {
	e, err := ParseEndpoint("https://registry-1.docker.io")
	if err != nil {
		t.Fatal(err)
	}
	if e.Scheme != "https" || e.Host != "registry-1.docker.io" || e.BasePath != "/v2" {
		t.Fatalf("unexpected endpoint: %+v", e)
	}
}

func TestParseEndpointWithBasePath(t *testing.T) {
	e, err := ParseEndpoint("http://localhost:5000/v2")
	if err != nil {
		t.Fatal(err)
	}
	if e.Host != "localhost:5000" || e.BasePath != "/v2" {
		t.Fatalf("unexpected endpoint: %+v", e)
	}
}

func TestParseEndpointRejectsEmpty(t *testing.T) {
	_, err := ParseEndpoint("")
	if !ocierr.Is(err, ocierr.CoordinateInvalid) {
		t.Fatalf("expected CoordinateInvalid, got %v", err)
	}
}

func TestNewCoordinatePrependsLibraryForDockerHub(t *testing.T) {
	e, _ := ParseEndpoint("https://registry-1.docker.io")
	c, err := NewCoordinate(e, "alpine", "latest", auth.MethodToken, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if c.Repository != "library/alpine" {
		t.Fatalf("Repository = %q, want library/alpine", c.Repository)
	}
}

func TestNewCoordinateLeavesQualifiedRepositoryAlone(t *testing.T) {
	e, _ := ParseEndpoint("https://registry-1.docker.io")
	c, err := NewCoordinate(e, "myorg/myimage", "latest", auth.MethodToken, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if c.Repository != "myorg/myimage" {
		t.Fatalf("Repository = %q, want myorg/myimage", c.Repository)
	}
}

func TestNewCoordinateRejectsCredentialsOverHTTP(t *testing.T) {
	e, _ := ParseEndpoint("http://localhost:5000")
	_, err := NewCoordinate(e, "app", "latest", auth.MethodBasic, "user", "pass", "")
	if !ocierr.Is(err, ocierr.CoordinateInvalid) {
		t.Fatalf("expected CoordinateInvalid, got %v", err)
	}
}

func TestNewCoordinateRejectsUnpairedCredentials(t *testing.T) {
	e, _ := ParseEndpoint("https://registry-1.docker.io")
	_, err := NewCoordinate(e, "app", "latest", auth.MethodBasic, "user", "", "")
	if !ocierr.Is(err, ocierr.CoordinateInvalid) {
		t.Fatalf("expected CoordinateInvalid, got %v", err)
	}
}

func TestNewCoordinateRejectsMissingCACert(t *testing.T) {
	e, _ := ParseEndpoint("https://registry-1.docker.io")
	_, err := NewCoordinate(e, "app", "latest", auth.MethodToken, "", "", "/nonexistent/ca.pem")
	if !ocierr.Is(err, ocierr.CoordinateInvalid) {
		t.Fatalf("expected CoordinateInvalid, got %v", err)
	}
}

func TestNewCoordinateAcceptsExistingCACert(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "ca-*.pem")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	e, _ := ParseEndpoint("https://registry-1.docker.io")
	_, err = NewCoordinate(e, "app", "latest", auth.MethodToken, "", "", f.Name())
	if err != nil {
		t.Fatalf("NewCoordinate: %v", err)
	}
}

func TestManifestAndBlobPaths(t *testing.T) {
	e, _ := ParseEndpoint("https://registry-1.docker.io")
	c, err := NewCoordinate(e, "alpine", "latest", auth.MethodToken, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if got := c.ManifestPath("latest"); got != "/v2/library/alpine/manifests/latest" {
		t.Fatalf("ManifestPath = %q", got)
	}
	if got := c.BlobPath("sha256:abc"); got != "/v2/library/alpine/blobs/sha256:abc" {
		t.Fatalf("BlobPath = %q", got)
	}
}

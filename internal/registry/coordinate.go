// Package registry defines the image coordinate and registry endpoint a
// Docker Registry V2 pull is addressed by. The client itself lives in the
// auth, manifest, graph, and blob sub-packages, which internal/materialize
// composes.
package registry

import (
	"fmt"
	"os"
	"strings"

	"github.com/ociassemble/ociassemble/internal/ocierr"
	"github.com/ociassemble/ociassemble/internal/registry/auth"
)

// Coordinate identifies a single image to pull: a registry endpoint, a
// repository and tag, and the credentials to use against it.
type Coordinate struct {
	Registry   Endpoint
	Repository string
	Tag        string
	AuthMethod auth.Method
	Username   string
	Password   string
	CACertPath string
	SOCKSProxy string
}

// Endpoint is the registry host a Coordinate talks to.
type Endpoint struct {
	Scheme   string // "http" or "https"
	Host     string
	BasePath string // defaults to "/v2"
}

// BaseURL returns "<scheme>://<host>".
func (e Endpoint) BaseURL() string {
	return e.Scheme + "://" + e.Host
}

// ParseEndpoint parses a baseUrl option of the form
// "<scheme>://<host>[/basePath]", defaulting scheme to https and
// basePath to "/v2".
func ParseEndpoint(raw string) (Endpoint, error) {
	if raw == "" {
		return Endpoint{}, ocierr.New(ocierr.CoordinateInvalid, "baseUrl must not be empty")
	}

	scheme := "https"
	rest := raw
	if idx := strings.Index(raw, "://"); idx >= 0 {
		scheme = raw[:idx]
		rest = raw[idx+3:]
	}

	basePath := "/v2"
	host := rest
	if idx := strings.Index(rest, "/"); idx >= 0 {
		host = rest[:idx]
		basePath = rest[idx:]
	}

	if host == "" {
		return Endpoint{}, ocierr.New(ocierr.CoordinateInvalid, fmt.Sprintf("unable to parse baseUrl %q: no host found", raw))
	}

	return Endpoint{Scheme: scheme, Host: host, BasePath: basePath}, nil
}

// NewCoordinate validates and canonicalizes a pull request, applying the
// "library/" prefix rule and the construction-time invariants below.
func NewCoordinate(endpoint Endpoint, repository, tag string, method auth.Method, username, password, cacertPath string) (Coordinate, error) {
	if tag == "" {
		return Coordinate{}, ocierr.New(ocierr.CoordinateInvalid, "tag must not be empty")
	}
	if repository == "" {
		return Coordinate{}, ocierr.New(ocierr.CoordinateInvalid, "repository must not be empty")
	}

	if (username == "") != (password == "") {
		return Coordinate{}, ocierr.New(ocierr.CoordinateInvalid, "username and password must be supplied together or not at all")
	}

	if endpoint.Scheme != "https" && username != "" {
		return Coordinate{}, ocierr.New(ocierr.CoordinateInvalid, "authentication is not allowed over cleartext HTTP")
	}

	if cacertPath != "" {
		if _, err := os.Stat(cacertPath); err != nil {
			return Coordinate{}, ocierr.Wrap(ocierr.CoordinateInvalid, fmt.Sprintf("specified cacert file does not exist: %s", cacertPath), err)
		}
	}

	if method == "" {
		method = auth.MethodToken
	}

	repository = canonicalRepository(endpoint.Host, repository)

	return Coordinate{
		Registry:   endpoint,
		Repository: repository,
		Tag:        tag,
		AuthMethod: method,
		Username:   username,
		Password:   password,
		CACertPath: cacertPath,
	}, nil
}

// canonicalRepository prepends "library/" when pulling an unqualified
// repository from Docker Hub, matching what the docker CLI itself does
// when "familiarizing" a short image reference.
func canonicalRepository(host, repository string) string {
	if strings.HasSuffix(host, "docker.io") && !strings.Contains(repository, "/") {
		return "library/" + repository
	}
	return repository
}

// ManifestPath returns the /v2/<repo>/manifests/<ref> path for this
// coordinate's repository.
func (c Coordinate) ManifestPath(ref string) string {
	return fmt.Sprintf("%s/%s/manifests/%s", c.Registry.BasePath, c.Repository, ref)
}

// BlobPath returns the /v2/<repo>/blobs/<digest> path for this
// coordinate's repository.
func (c Coordinate) BlobPath(digestStr string) string {
	return fmt.Sprintf("%s/%s/blobs/%s", c.Registry.BasePath, c.Repository, digestStr)
}

// Package config loads ociassemble's runtime configuration from the
// environment, following the same envOr/Load shape the rest of this
// codebase's ancestry uses for its server configuration.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// AWS SDK environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY,
// AWS_REGION, AWS_ENDPOINT_URL) are read directly by the SDK's default
// credential chain and do not appear in this struct.

// Config holds every environment-tunable knob for a materialization run.
// Per-pull overrides (repository, tag, credentials) layer on top of this
// via registry.Coordinate and are not read from the environment except as
// defaults for a CLI invocation.
type Config struct {
	BaseURL          string // e.g. "https://registry-1.docker.io"
	CACertPath       string
	Username         string
	Password         string
	AuthMethod       string // "token" or "basic"
	AllProxy         string // SOCKS5, e.g. "socks5:127.0.0.1:1080"
	CacheDir         string
	ExpandDir        string
	StorageBackend   string // "fs" or "s3", selects the blob cache backend
	S3Bucket         string
	S3Prefix         string
	S3ForcePathStyle bool
	S3LifecycleDays  int
	LogLevel         slog.Level
}

// Load reads configuration from the environment, applying the same
// defaults a bare `docker pull` against Docker Hub would use.
func Load() Config {
	lifecycleDays, _ := strconv.Atoi(envOr("OCIASSEMBLE_S3_LIFECYCLE_DAYS", "0"))

	return Config{
		BaseURL:          envOr("OCIASSEMBLE_BASE_URL", "https://registry-1.docker.io"),
		CACertPath:       os.Getenv("OCIASSEMBLE_CACERT"),
		Username:         os.Getenv("OCIASSEMBLE_USERNAME"),
		Password:         os.Getenv("OCIASSEMBLE_PASSWORD"),
		AuthMethod:       envOr("OCIASSEMBLE_AUTH_METHOD", "token"),
		AllProxy:         os.Getenv("all_proxy"),
		CacheDir:         envOr("OCIASSEMBLE_CACHE_DIR", "/var/tmp/ociassemble/cache"),
		ExpandDir:        envOr("OCIASSEMBLE_EXPAND_DIR", "/var/tmp/ociassemble/expand"),
		StorageBackend:   envOr("OCIASSEMBLE_STORAGE_BACKEND", "fs"),
		S3Bucket:         envOr("OCIASSEMBLE_S3_BUCKET", "ociassemble-cache"),
		S3Prefix:         os.Getenv("OCIASSEMBLE_S3_PREFIX"),
		S3ForcePathStyle: envOr("OCIASSEMBLE_S3_FORCE_PATH_STYLE", "true") == "true",
		S3LifecycleDays:  lifecycleDays,
		LogLevel:         parseLogLevel(envOr("OCIASSEMBLE_LOG_LEVEL", "info")),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package config

import (
	"log/slog"
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"OCIASSEMBLE_BASE_URL", "OCIASSEMBLE_CACERT", "OCIASSEMBLE_USERNAME",
		"OCIASSEMBLE_PASSWORD", "OCIASSEMBLE_AUTH_METHOD", "all_proxy",
		"OCIASSEMBLE_CACHE_DIR", "OCIASSEMBLE_EXPAND_DIR", "OCIASSEMBLE_STORAGE_BACKEND",
		"OCIASSEMBLE_LOG_LEVEL",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.BaseURL != "https://registry-1.docker.io" {
		t.Fatalf("unexpected default BaseURL: %q", cfg.BaseURL)
	}
	if cfg.AuthMethod != "token" {
		t.Fatalf("unexpected default AuthMethod: %q", cfg.AuthMethod)
	}
	if cfg.StorageBackend != "fs" {
		t.Fatalf("unexpected default StorageBackend: %q", cfg.StorageBackend)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected default LogLevel: %v", cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OCIASSEMBLE_BASE_URL", "https://registry.example.com")
	t.Setenv("OCIASSEMBLE_AUTH_METHOD", "basic")
	t.Setenv("OCIASSEMBLE_LOG_LEVEL", "debug")

	cfg := Load()
	if cfg.BaseURL != "https://registry.example.com" {
		t.Fatalf("BaseURL override not applied: %q", cfg.BaseURL)
	}
	if cfg.AuthMethod != "basic" {
		t.Fatalf("AuthMethod override not applied: %q", cfg.AuthMethod)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel override not applied: %v", cfg.LogLevel)
	}
}

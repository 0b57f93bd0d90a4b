package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ociassemble/ociassemble/internal/cache"
	"github.com/ociassemble/ociassemble/internal/config"
	"github.com/ociassemble/ociassemble/internal/materialize"
	"github.com/ociassemble/ociassemble/internal/registry"
	"github.com/ociassemble/ociassemble/internal/registry/auth"
	"github.com/ociassemble/ociassemble/internal/status"
	"github.com/ociassemble/ociassemble/internal/transport"
)

func newPullCmd(cfg config.Config) *cobra.Command {
	var (
		tag        string
		baseURL    string
		cacert     string
		username   string
		password   string
		authMethod string
	)

	cmd := &cobra.Command{
		Use:   "pull <repository>",
		Short: "Pull an image from a Docker Registry V2 endpoint and extract its merged filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repository := args[0]
			if baseURL == "" {
				baseURL = cfg.BaseURL
			}
			if cacert == "" {
				cacert = cfg.CACertPath
			}
			if username == "" {
				username = cfg.Username
			}
			if password == "" {
				password = cfg.Password
			}
			if authMethod == "" {
				authMethod = cfg.AuthMethod
			}

			endpoint, err := registry.ParseEndpoint(baseURL)
			if err != nil {
				return err
			}
			coord, err := registry.NewCoordinate(endpoint, repository, tag, auth.Method(authMethod), username, password, cacert)
			if err != nil {
				return err
			}

			transportClient, err := transport.New(transport.Options{CACertPath: cacert, SOCKSProxy: cfg.AllProxy})
			if err != nil {
				return err
			}

			store, err := newStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}

			m := &materialize.Materializer{Transport: transportClient, Store: store}
			meta, err := m.Pull(cmd.Context(), coord, cfg.ExpandDir, status.NewLog(nil))
			if err != nil {
				return err
			}

			fmt.Printf("id=%s repo=%s tag=%s expanded=%s\n", meta.ID, meta.Repo, meta.Tag, meta.ExpandedPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&tag, "tag", "latest", "image tag to pull")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "registry base URL (overrides OCIASSEMBLE_BASE_URL)")
	cmd.Flags().StringVar(&cacert, "cacert", "", "path to a PEM CA bundle")
	cmd.Flags().StringVar(&username, "username", "", "registry username")
	cmd.Flags().StringVar(&password, "password", "", "registry password")
	cmd.Flags().StringVar(&authMethod, "auth-method", "", "token or basic (default: token)")
	return cmd
}

func newStore(ctx context.Context, cfg config.Config) (cache.Store, error) {
	switch cfg.StorageBackend {
	case "s3":
		return cache.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3ForcePathStyle, cfg.S3LifecycleDays)
	case "fs":
		return cache.NewFSStore(cfg.CacheDir), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.StorageBackend)
	}
}

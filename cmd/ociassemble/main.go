package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ociassemble/ociassemble/internal/config"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	root := newRootCmd(cfg)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(cfg config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "ociassemble",
		Short: "Materialize OCI/Docker images into on-disk root filesystems",
	}

	root.AddCommand(newPullCmd(cfg))
	root.AddCommand(newLoadCmd(cfg))
	return root
}

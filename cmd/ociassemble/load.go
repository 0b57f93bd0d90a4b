package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ociassemble/ociassemble/internal/config"
	"github.com/ociassemble/ociassemble/internal/materialize"
	"github.com/ociassemble/ociassemble/internal/status"
)

func newLoadCmd(cfg config.Config) *cobra.Command {
	var scratchDir string

	cmd := &cobra.Command{
		Use:   "load <archive-path>",
		Short: "Load a Docker save archive and extract its merged filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archivePath := args[0]
			if scratchDir == "" {
				dir, err := os.MkdirTemp("", "ociassemble-scratch-*")
				if err != nil {
					return err
				}
				defer os.RemoveAll(dir)
				scratchDir = dir
			}

			m := &materialize.Materializer{}
			meta, err := m.Load(cmd.Context(), archivePath, scratchDir, cfg.ExpandDir, status.NewLog(nil))
			if err != nil {
				return err
			}

			fmt.Printf("id=%s repo=%s tag=%s expanded=%s\n", meta.ID, meta.Repo, meta.Tag, meta.ExpandedPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&scratchDir, "scratch-dir", "", "directory to unpack the archive into (default: a new "+filepath.Join(os.TempDir(), "ociassemble-scratch-*")+" directory, removed afterwards)")
	return cmd
}

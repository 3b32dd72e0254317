package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"annihilator/internal/services"
	"annihilator/internal/storage"
)

func newFetchCommand(ctx *commandContext) *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "fetch <job-id> <stem.ext>",
		Short: "Download a processed stem from the object store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			jobID, name := args[0], args[1]
			key, err := storage.ObjectKey(cfg.Storage.KeyPrefix, jobID, name)
			if err != nil {
				return err
			}

			logger := ctx.cliLogger(cfg, cmd.ErrOrStderr())
			client, err := ctx.storageClient(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("connect to storage: %w", err)
			}
			obj, err := client.Fetch(cmd.Context(), key)
			if err != nil {
				if errors.Is(err, services.ErrNotFound) {
					return fmt.Errorf("%s not found for job %s", name, jobID)
				}
				return err
			}
			defer obj.Body.Close()

			if outputPath == "-" {
				_, err := io.Copy(cmd.OutOrStdout(), obj.Body)
				return err
			}
			target := outputPath
			if target == "" {
				target = name
			}
			if info, err := os.Stat(target); err == nil && info.IsDir() {
				target = filepath.Join(target, name)
			}
			written, err := writeObject(target, obj.Body)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes, %s)\n", target, written, obj.ContentType)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Destination file or directory (- for stdout)")
	return cmd
}

// writeObject streams r to a temp file beside target and renames it into
// place so a failed download never leaves a partial file.
func writeObject(target string, r io.Reader) (int64, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".fetch-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	written, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("write %s: %w", target, errors.Join(copyErr, closeErr))
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("finalize %s: %w", target, err)
	}
	return written, nil
}

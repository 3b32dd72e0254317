package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"annihilator/internal/history"
	"annihilator/internal/job"
	"annihilator/internal/progress"
	"annihilator/internal/separator"
	"annihilator/internal/storage"
)

var errJobFailed = errors.New("separation failed")

func newSeparateCommand(ctx *commandContext) *cobra.Command {
	var params separator.Params

	cmd := &cobra.Command{
		Use:   "separate <file>",
		Short: "Separate one audio file and upload its stems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := separator.ValidateParams(params); err != nil {
				return err
			}

			input := args[0]
			file, err := os.Open(input)
			if err != nil {
				return fmt.Errorf("open input: %w", err)
			}
			defer file.Close()

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			logger := ctx.cliLogger(cfg, cmd.ErrOrStderr())

			client, err := ctx.storageClient(cmd.Context(), cfg, logger)
			if err != nil {
				fmt.Fprintln(out, renderEvent(progress.Error{Message: job.MsgProcessingFailed, Detail: err.Error()}, colorize))
				return errJobFailed
			}

			runner, err := separator.NewFromConfig(cfg, separator.WithLogger(logger))
			if err != nil {
				return err
			}
			opts := []job.Option{job.WithLogger(logger)}
			if cfg.History.Enabled {
				store, err := history.Open(cfg)
				if err != nil {
					return fmt.Errorf("open job history: %w", err)
				}
				defer store.Close()
				opts = append(opts, job.WithRecorder(store))
			}
			jobs := job.New(runner, storage.NewUploader(client, logger), job.SettingsFromConfig(cfg), opts...)

			stream := jobs.Start(cmd.Context(), job.Submission{
				Filename: filepath.Base(input),
				Data:     file,
				Params:   params,
			})
			defer jobs.Wait()
			defer stream.Close()

			var last progress.Event
			for ev := range stream.All() {
				fmt.Fprintln(out, renderEvent(ev, colorize))
				last = ev
			}
			result, ok := last.(progress.Result)
			if !ok {
				return errJobFailed
			}
			fmt.Fprintf(out, "Download stems with: annihilator fetch %s <stem>.%s\n", result.ID, strings.ToLower(effectiveCodec(params.Codec, cfg.Separator.Codec)))
			return nil
		},
	}

	cmd.Flags().StringVar(&params.Model, "model", "", "Separation model (2stems, 4stems, 5stems)")
	cmd.Flags().StringVar(&params.Codec, "codec", "", "Output codec (wav, mp3, ogg, m4a, wma, flac)")
	cmd.Flags().StringVar(&params.Bitrate, "bitrate", "", "Output bitrate, e.g. 192k")
	return cmd
}

func effectiveCodec(override, configured string) string {
	if override != "" {
		return override
	}
	return configured
}

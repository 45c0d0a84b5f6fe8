package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/mcules/opus-mt-server/internal/catalog"
	"github.com/mcules/opus-mt-server/internal/config"
	"github.com/mcules/opus-mt-server/internal/download"
	"github.com/mcules/opus-mt-server/internal/logger"
	"github.com/mcules/opus-mt-server/internal/route"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	v := config.New()
	var (
		cfgFile   string
		source    string
		target    string
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:          "download-model --source en --target es",
		Short:        "Download an opus-mt model into the models directory",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			log := logger.New(cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			src, err := download.NewSource(cfg.DownloadBaseURL, download.S3Config(cfg.S3), cfg.DownloadTimeout)
			if err != nil {
				return err
			}
			store, err := catalog.Open(cfg.CatalogPath)
			if err != nil {
				return fmt.Errorf("open catalog: %w", err)
			}
			defer store.Close()

			dl := download.New(cfg.ModelsDir, src, log)
			dl.Timeout = cfg.DownloadTimeout
			dl.Concurrency = cfg.DownloadConcurrency
			dl.Catalog = store

			rec, err := dl.Download(ctx, route.New(source, target), download.Options{Overwrite: overwrite})
			switch {
			case errors.Is(err, download.ErrExists):
				return fmt.Errorf("%w (use --overwrite to replace it)", err)
			case errors.Is(err, context.DeadlineExceeded):
				return fmt.Errorf("download timed out after %s", cfg.DownloadTimeout)
			case err != nil:
				return err
			}

			w := cmd.OutOrStdout()
			for _, f := range rec.Files {
				fmt.Fprintf(w, "%-22s %10d  %s\n", f.Name, f.SizeBytes, f.Digest)
			}
			fmt.Fprintf(w, "Model %s saved to %s\n", rec.Route, rec.Dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.opus-mt-server.yaml or ./.opus-mt-server.yaml)")
	cmd.Flags().StringVar(&source, "source", "", "source language code, e.g. en")
	cmd.Flags().StringVar(&target, "target", "", "target language code, e.g. es")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing model directory")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")

	cmd.Flags().String("models-dir", v.GetString("models.dir"), "directory holding opus-mt-<src>-<tgt> model folders")
	_ = v.BindPFlag("models.dir", cmd.Flags().Lookup("models-dir"))
	return cmd
}

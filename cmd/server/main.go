package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mcules/opus-mt-server/internal/activity"
	"github.com/mcules/opus-mt-server/internal/api"
	"github.com/mcules/opus-mt-server/internal/catalog"
	"github.com/mcules/opus-mt-server/internal/config"
	"github.com/mcules/opus-mt-server/internal/control"
	"github.com/mcules/opus-mt-server/internal/download"
	"github.com/mcules/opus-mt-server/internal/engine/remote"
	"github.com/mcules/opus-mt-server/internal/logger"
	"github.com/mcules/opus-mt-server/internal/metrics"
	"github.com/mcules/opus-mt-server/internal/observability"
	"github.com/mcules/opus-mt-server/internal/translator"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()
	var cfgFile string

	load := func() (*config.Config, zerolog.Logger, error) {
		cfg, err := config.Load(v, cfgFile)
		if err != nil {
			return nil, zerolog.Nop(), err
		}
		return cfg, logger.New(cfg.LogLevel, cfg.LogFormat), nil
	}

	serve := func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := load()
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg, log)
	}

	root := &cobra.Command{
		Use:          "opus-mt-server",
		Short:        "Offline OPUS-MT translation server",
		Long:         "opus-mt-server loads opus-mt-<source>-<target> models on demand and serves translations over HTTP and gRPC.",
		Version:      version,
		SilenceUsage: true,
		RunE:         serve,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.opus-mt-server.yaml or ./.opus-mt-server.yaml)")
	if err := config.RegisterFlags(v, root.PersistentFlags()); err != nil {
		panic(err)
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and gRPC control plane (default)",
		Args:  cobra.NoArgs,
		RunE:  serve,
	})

	root.AddCommand(&cobra.Command{
		Use:   "routes",
		Short: "List language routes installed in the models directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			routes, err := translator.DiscoverRoutes(cfg.ModelsDir)
			if err != nil {
				return err
			}
			for _, r := range routes {
				fmt.Fprintln(cmd.OutOrStdout(), r.String())
			}
			return nil
		},
	})

	root.AddCommand(newStatusCommand(v, &cfgFile))
	return root
}

// newStatusCommand asks a running server for its routes over gRPC.
func newStatusCommand(v *viper.Viper, cfgFile *string) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show routes and loaded models of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if target == "" {
				cfg, err := config.Load(v, *cfgFile)
				if err != nil {
					return err
				}
				target = dialAddr(cfg.GRPCAddr)
			}
			conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("grpc dial: %w", err)
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			out, err := control.NewClient(conn).ListRoutes(ctx)
			if err != nil {
				return err
			}
			m := out.AsMap()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "routes:  %v\n", m["routes"])
			fmt.Fprintf(w, "loaded:  %v\n", m["loaded"])
			fmt.Fprintf(w, "loading: %v\n", m["loading"])
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "gRPC address of the server (default derived from grpc.addr)")
	return cmd
}

func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func run(parent context.Context, cfg *config.Config, log zerolog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, cfg.TracingEnabled, cfg.TracingEndpoint, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	store, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer store.Close()

	events := activity.New(cfg.ActivitySize)

	client := remote.New(cfg.EngineURL, cfg.EngineTimeout)
	if err := client.Health(ctx); err != nil {
		// Loads fail until the sidecar is up; the server still serves discovery.
		log.Warn().Err(err).Str("url", cfg.EngineURL).Msg("inference sidecar not reachable")
	}

	tr := translator.New(cfg.ModelsDir, remote.NewLoader(client), log)
	tr.Activity = events
	tr.Latency = metrics.NewLatencyTracker(0.2)
	defer tr.ClearAll()

	src, err := download.NewSource(cfg.DownloadBaseURL, download.S3Config(cfg.S3), cfg.DownloadTimeout)
	if err != nil {
		return fmt.Errorf("download source: %w", err)
	}
	dl := download.New(cfg.ModelsDir, src, log)
	dl.Timeout = cfg.DownloadTimeout
	dl.Concurrency = cfg.DownloadConcurrency
	dl.Catalog = store
	dl.Activity = events

	if routes, err := tr.DiscoverRoutes(); err == nil {
		log.Info().Str("models_dir", cfg.ModelsDir).Int("routes", len(routes)).Msg("models discovered")
	}

	httpSrv, err := api.New(api.Options{
		Addr:            cfg.HTTPAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
		MaxTextLength:   cfg.MaxTextLength,
		MaxBatchSize:    cfg.MaxBatchSize,
		CORSAllowOrigin: cfg.CORSAllowOrigin,
	}, api.Deps{
		Translator: tr,
		Downloader: dl,
		Catalog:    store,
		Activity:   events,
	}, log)
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	var lis net.Listener
	if cfg.GRPCAddr != "" {
		if lis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Run(gctx) })

	if lis != nil {
		svc := control.NewModelControlService(tr)
		svc.MaxTextLength = cfg.MaxTextLength
		svc.MaxBatchSize = cfg.MaxBatchSize
		grpcSrv, health := control.NewServer(svc, log)

		g.Go(func() error {
			log.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC listening")
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			health.Shutdown()
			grpcSrv.GracefulStop()
			return nil
		})
	}

	err = g.Wait()
	log.Info().Msg("server stopped")
	return err
}

// Package api exposes the translator and model provisioning over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mcules/opus-mt-server/internal/activity"
	"github.com/mcules/opus-mt-server/internal/catalog"
	"github.com/mcules/opus-mt-server/internal/download"
	"github.com/mcules/opus-mt-server/internal/httpx"
	"github.com/mcules/opus-mt-server/internal/translator"
	"github.com/mcules/opus-mt-server/internal/ui"
)

type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
	MaxTextLength   int
	MaxBatchSize    int
	CORSAllowOrigin string
}

type Deps struct {
	Translator *translator.Translator
	Downloader *download.Downloader
	// Optional.
	Catalog  *catalog.Store
	Activity *activity.Log
}

// Server wraps the gin engine with graceful shutdown helpers.
type Server struct {
	opts   Options
	engine *gin.Engine
	log    zerolog.Logger

	tr       *translator.Translator
	dl       *download.Downloader
	catalog  *catalog.Store
	activity *activity.Log
}

func New(opts Options, deps Deps, log zerolog.Logger) (*Server, error) {
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = 5000
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 100
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		opts:     opts,
		log:      log.With().Str("component", "http").Logger(),
		tr:       deps.Translator,
		dl:       deps.Downloader,
		catalog:  deps.Catalog,
		activity: deps.Activity,
	}

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(
		httpx.Recovery(s.log),
		httpx.RequestID(),
		httpx.AccessLog(s.log),
		httpx.CORS{AllowOrigin: opts.CORSAllowOrigin}.Middleware(),
	)

	pages, err := ui.NewHandler(deps.Translator)
	if err != nil {
		return nil, err
	}
	pages.Activity = deps.Activity
	pages.Latency = deps.Translator.Latency
	pages.MaxTextLength = opts.MaxTextLength
	pages.Register(engine)

	s.engine = engine
	s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	e := s.engine
	e.GET("/", func(c *gin.Context) { c.Redirect(http.StatusFound, "/chat") })
	e.GET("/api", s.status)
	e.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "healthy"}) })
	e.GET("/lang_routes", s.langRoutes)
	e.GET("/supported_languages", s.supportedLanguages)

	e.POST("/translate", s.translate)
	e.POST("/translate/batch", s.translateBatch)

	e.GET("/models", s.models)
	e.POST("/models/load", s.loadModel)
	e.POST("/models/unload", s.unloadModel)
	e.POST("/models/clear", s.clearModels)

	e.POST("/download_model", s.downloadModel)
	e.POST("/delete_model", s.deleteModel)

	e.GET("/activity", func(c *gin.Context) {
		events := s.activity.List()
		if events == nil {
			events = []activity.Event{}
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))

	e.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Endpoint not found"})
	})
	e.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})
}

// Run starts the HTTP listener and shuts down gracefully when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.opts.Addr).Msg("HTTP server listening")
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server error")
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.log.Info().Msg("context cancelled, shutting down HTTP server")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

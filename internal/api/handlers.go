package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/mcules/opus-mt-server/internal/catalog"
	"github.com/mcules/opus-mt-server/internal/download"
	"github.com/mcules/opus-mt-server/internal/route"
	"github.com/mcules/opus-mt-server/internal/translator"
)

// discover lists installed routes, answering 500 itself on failure.
func (s *Server) discover(c *gin.Context) ([]route.Route, bool) {
	routes, err := s.tr.DiscoverRoutes()
	if err != nil {
		s.log.Error().Err(err).Msg("discover routes")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return routes, true
}

func (s *Server) status(c *gin.Context) {
	routes, ok := s.discover(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":              "healthy",
		"message":             "Machine translation service is up and running.",
		"loaded_models":       s.tr.LoadedModels(),
		"supported_languages": pairs(routes),
	})
}

func (s *Server) langRoutes(c *gin.Context) {
	lang := c.Query("lang")
	if lang == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing 'lang' parameter"})
		return
	}
	routes, ok := s.discover(c)
	if !ok {
		return
	}
	var from []route.Route
	for _, r := range routes {
		if r.Source == lang {
			from = append(from, r)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"source_language":   lang,
		"available_targets": pairs(from),
		"count":             len(from),
	})
}

func (s *Server) supportedLanguages(c *gin.Context) {
	routes, ok := s.discover(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"supported_pairs":   pairs(routes),
		"grouped_by_source": grouped(routes),
		"total_pairs":       len(routes),
	})
}

// requireSupported answers 400 unless r is installed.
func (s *Server) requireSupported(c *gin.Context, r route.Route) bool {
	routes, ok := s.discover(c)
	if !ok {
		return false
	}
	if translator.Contains(routes, r) {
		return true
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":           fmt.Sprintf("Language pair '%s' not supported", r),
		"supported_pairs": pairs(routes),
	})
	return false
}

// translatorError maps a translator failure to a 500 body that keeps the
// failure kind.
func translatorError(err error) gin.H {
	return gin.H{
		"error": err.Error(),
		"kind":  translator.KindOf(err).String(),
	}
}

func (s *Server) translate(c *gin.Context) {
	var req translateRequest
	switch kind, _ := bindJSON(c, &req); kind {
	case bindOK:
	case bindMissing:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields. Need: source, target, text"})
		return
	case bindWrongType:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Fields source, target and text must be strings"})
		return
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request must be JSON"})
		return
	}

	if blank(req.Text) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Text cannot be empty"})
		return
	}
	if utf8.RuneCountInString(req.Text) > s.opts.MaxTextLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Text too long. Maximum length is %d characters", s.opts.MaxTextLength),
		})
		return
	}

	r := route.New(req.Source, req.Target)
	if !s.requireSupported(c, r) {
		return
	}

	res := s.tr.Translate(c.Request.Context(), req.Source, req.Target, req.Text)
	if res.Err != nil {
		c.JSON(http.StatusInternalServerError, translatorError(res.Err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"source_language": req.Source,
		"target_language": req.Target,
		"original_text":   req.Text,
		"translated_text": res.Text,
		"success":         true,
	})
}

type batchItem struct {
	Original    string `json:"original"`
	Translation string `json:"translation"`
}

func (s *Server) translateBatch(c *gin.Context) {
	var req batchRequest
	switch kind, field := bindJSON(c, &req); kind {
	case bindOK:
	case bindMissing:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields. Need: source, target, texts"})
		return
	case bindWrongType:
		if field == "texts" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Field 'texts' must be a list"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Fields source and target must be strings"})
		return
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request must be JSON"})
		return
	}

	if len(req.Texts) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Texts list cannot be empty"})
		return
	}
	if len(req.Texts) > s.opts.MaxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Too many texts. Maximum batch size is %d", s.opts.MaxBatchSize),
		})
		return
	}
	texts := make([]string, 0, len(req.Texts))
	for _, v := range req.Texts {
		text, ok := v.(string)
		if !ok || blank(text) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "All texts must be non-empty strings"})
			return
		}
		if utf8.RuneCountInString(text) > s.opts.MaxTextLength {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("Text too long. Maximum length is %d characters", s.opts.MaxTextLength),
			})
			return
		}
		texts = append(texts, text)
	}

	r := route.New(req.Source, req.Target)
	if !s.requireSupported(c, r) {
		return
	}

	res := s.tr.TranslateBatch(c.Request.Context(), req.Source, req.Target, texts)
	outputs := res.Outputs()
	results := make([]batchItem, len(texts))
	for i, text := range texts {
		results[i] = batchItem{Original: text, Translation: outputs[i]}
	}

	if res.Err != nil {
		body := translatorError(res.Err)
		body["results"] = results
		body["count"] = len(results)
		c.JSON(http.StatusInternalServerError, body)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"source_language": req.Source,
		"target_language": req.Target,
		"results":         results,
		"count":           len(results),
		"success":         true,
	})
}

func (s *Server) models(c *gin.Context) {
	routes, ok := s.discover(c)
	if !ok {
		return
	}

	installed, err := s.catalog.List(c.Request.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("catalog list")
	}
	if installed == nil {
		installed = []catalog.ModelRecord{}
	}

	residency := make([]gin.H, 0)
	for _, r := range s.tr.Residency() {
		residency = append(residency, gin.H{
			"route":        r.Route,
			"state":        r.State,
			"loaded_since": r.LoadedSince,
			"last_used":    r.LastUsed,
			"generation":   r.Generation,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"loaded_models":       s.tr.LoadedModels(),
		"loading_models":      s.tr.Loading(),
		"supported_languages": pairs(routes),
		"models_directory":    s.tr.ModelsDir(),
		"installed":           installed,
		"residency":           residency,
		"latency":             s.tr.Latency.Snapshot(),
	})
}

// bindRoute decodes a {source, target} body, answering 400 itself.
func (s *Server) bindRoute(c *gin.Context) (routeRequest, bool) {
	var req routeRequest
	switch kind, _ := bindJSON(c, &req); kind {
	case bindOK:
		return req, true
	case bindNotJSON:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request must be JSON"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields. Need: source, target"})
	}
	return req, false
}

func (s *Server) loadModel(c *gin.Context) {
	req, ok := s.bindRoute(c)
	if !ok {
		return
	}
	r := req.route()
	msg, err := s.tr.Load(c.Request.Context(), r)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, translator.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, translatorError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg, "route": r.String()})
}

func (s *Server) unloadModel(c *gin.Context) {
	req, ok := s.bindRoute(c)
	if !ok {
		return
	}
	r := req.route()
	c.JSON(http.StatusOK, gin.H{"route": r.String(), "unloaded": s.tr.Unload(r)})
}

func (s *Server) clearModels(c *gin.Context) {
	n := len(s.tr.LoadedModels())
	s.tr.ClearAll()
	c.JSON(http.StatusOK, gin.H{"success": true, "cleared": n})
}

func (s *Server) downloadModel(c *gin.Context) {
	req, ok := s.bindRoute(c)
	if !ok {
		return
	}
	if req.Source == req.Target {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Source and target languages must be different"})
		return
	}
	r := req.route()
	if err := r.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := s.dl.Download(c.Request.Context(), r, download.Options{})
	switch {
	case err == nil:
	case errors.Is(err, download.ErrExists):
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"message": fmt.Sprintf("Model %s is already installed", r),
			"error":   err.Error(),
		})
		return
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Download timeout - model download taking too long",
			"error":   err.Error(),
		})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": fmt.Sprintf("Failed to download model: %v", err),
			"error":   err.Error(),
		})
		return
	}

	// Availability changed on disk; start from a clean cache.
	s.tr.ClearAll()

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"message":         fmt.Sprintf("Model %s downloaded successfully", r),
		"source_language": req.Source,
		"target_language": req.Target,
		"files":           len(rec.Files),
		"size_bytes":      rec.SizeBytes,
	})
}

func (s *Server) deleteModel(c *gin.Context) {
	req, ok := s.bindRoute(c)
	if !ok {
		return
	}
	r := req.route()
	if r.Validate() != nil || !s.dl.Installed(r) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Model %s not found", r)})
		return
	}

	s.tr.Unload(r)
	if err := s.dl.Delete(c.Request.Context(), r); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, download.ErrNotInstalled) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"success": false,
			"error":   fmt.Sprintf("Failed to delete model: %v", err),
		})
		return
	}
	s.tr.ClearAll()

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"message":         fmt.Sprintf("Model %s deleted successfully", r),
		"source_language": req.Source,
		"target_language": req.Target,
	})
}

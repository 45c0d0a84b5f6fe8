// Package translator owns the model cache and dispatches translation requests
// to loaded models.
//
// Routes become available when a directory named opus-mt-<source>-<target>
// exists under the models directory. Models are loaded lazily on first use
// and stay resident until Unload or ClearAll; there is no implicit eviction.
// Concurrent first requests for the same route share a single load.
package translator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcules/opus-mt-server/internal/activity"
	"github.com/mcules/opus-mt-server/internal/engine"
	"github.com/mcules/opus-mt-server/internal/metrics"
	"github.com/mcules/opus-mt-server/internal/route"
	"github.com/mcules/opus-mt-server/internal/state"
)

const (
	modeSingle = "single"
	modeBatch  = "batch"
)

type Translator struct {
	modelsDir string
	loader    engine.Loader
	cache     *state.Cache
	gates     *gates
	log       zerolog.Logger
	tracer    trace.Tracer

	// Optional lifecycle event log.
	Activity *activity.Log

	// Optional per-route inference latency tracker.
	Latency *metrics.LatencyTracker
}

func New(modelsDir string, loader engine.Loader, log zerolog.Logger) *Translator {
	return &Translator{
		modelsDir: modelsDir,
		loader:    loader,
		cache:     state.NewCache(),
		gates:     newGates(),
		log:       log.With().Str("component", "translator").Logger(),
		tracer:    otel.Tracer("github.com/mcules/opus-mt-server/internal/translator"),
	}
}

func (t *Translator) ModelsDir() string { return t.modelsDir }

// DiscoverRoutes scans the models directory. The result is never cached.
func (t *Translator) DiscoverRoutes() ([]route.Route, error) {
	return DiscoverRoutes(t.modelsDir)
}

// ModelPath returns the directory a route is loaded from.
func (t *Translator) ModelPath(r route.Route) string {
	return filepath.Join(t.modelsDir, r.DirName())
}

// Load loads r and stores it in the cache, replacing any previous entry.
// Failures leave the cache untouched and are returned as *Error.
func (t *Translator) Load(ctx context.Context, r route.Route) (string, error) {
	key := r.String()
	for {
		c, owner := t.gates.acquire(key)
		if owner {
			t.startLoad(ctx, r, c)
		}
		if err := t.wait(ctx, r, c); err != nil {
			return "", err
		}
		if owner {
			return fmt.Sprintf("Successfully loaded model for %s translation", key), nil
		}
		// Someone else was loading this route; load our own copy.
	}
}

// ensure returns the cached entry for r, loading it if needed, and holds it
// until the caller passes it to done. Callers racing on the same route wait
// for the first load and share its outcome.
func (t *Translator) ensure(ctx context.Context, r route.Route) (*state.Entry, error) {
	key := r.String()
	for {
		if e, ok := t.cache.Acquire(key); ok {
			return e, nil
		}

		c, owner := t.gates.acquire(key)
		if owner {
			if e, ok := t.cache.Acquire(key); ok {
				t.gates.release(key, c, nil)
				return e, nil
			}
			t.startLoad(ctx, r, c)
		}
		if err := t.wait(ctx, r, c); err != nil {
			return nil, err
		}
	}
}

// startLoad runs the load for claim c detached from the caller, so a caller
// that goes away does not fail the others waiting on c.
func (t *Translator) startLoad(ctx context.Context, r route.Route, c *claim) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		t.gates.release(r.String(), c, t.load(ctx, r))
	}()
}

// wait blocks until claim c resolves or ctx ends.
func (t *Translator) wait(ctx context.Context, r route.Route, c *claim) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return &Error{Kind: KindLoad, Route: r, Path: t.ModelPath(r), Err: ctx.Err()}
	}
}

// done ends a use of e started by ensure.
func (t *Translator) done(e *state.Entry) {
	if t.cache.Release(e) {
		t.closeEntry(e)
	}
}

// retire drops an entry removed from the cache, closing it once idle.
func (t *Translator) retire(e *state.Entry) {
	if t.cache.Retire(e) {
		t.closeEntry(e)
	}
}

func (t *Translator) load(ctx context.Context, r route.Route) (err error) {
	key := r.String()
	path := t.ModelPath(r)

	ctx, span := t.tracer.Start(ctx, "translator.load", trace.WithAttributes(
		attribute.String("route", key),
		attribute.String("path", path),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Codes that cannot form a directory name never match one on disk.
	if r.Validate() != nil {
		metrics.ModelLoads.WithLabelValues(key, metrics.OutcomeNotFound).Inc()
		return &Error{Kind: KindNotFound, Route: r, Path: path}
	}

	if _, statErr := os.Stat(path); statErr != nil {
		if errors.Is(statErr, fs.ErrNotExist) {
			metrics.ModelLoads.WithLabelValues(key, metrics.OutcomeNotFound).Inc()
			return &Error{Kind: KindNotFound, Route: r, Path: path}
		}
		metrics.ModelLoads.WithLabelValues(key, metrics.OutcomeError).Inc()
		return &Error{Kind: KindLoad, Route: r, Path: path, Err: statErr}
	}

	t.log.Info().Str("route", key).Str("path", path).Msg("loading model")
	start := time.Now()

	m, tok, loadErr := t.loader.Load(ctx, path)
	if loadErr != nil {
		metrics.ModelLoads.WithLabelValues(key, metrics.OutcomeError).Inc()
		t.log.Error().Err(loadErr).Str("route", key).Msg("model load failed")
		t.Activity.Add(activity.Event{Type: activity.EventLoadFailed, Route: key, Note: loadErr.Error()})
		return &Error{Kind: KindLoad, Route: r, Path: path, Err: loadErr}
	}

	_, prev := t.cache.Put(key, m, tok)
	if prev != nil {
		t.retire(prev)
	}

	took := time.Since(start)
	metrics.ModelLoads.WithLabelValues(key, metrics.OutcomeOK).Inc()
	metrics.ModelLoadDuration.WithLabelValues(key).Observe(took.Seconds())
	metrics.LoadedModels.Set(float64(t.cache.Len()))
	t.Activity.Add(activity.Event{Type: activity.EventLoad, Route: key, Note: took.Round(time.Millisecond).String()})
	t.log.Info().Str("route", key).Dur("took", took).Bool("replaced", prev != nil).Msg("model loaded")
	return nil
}

// Translate translates a single text. Load and inference failures are
// reported in Result.Err.
func (t *Translator) Translate(ctx context.Context, source, target, text string) Result {
	r := route.New(source, target)

	e, err := t.ensure(ctx, r)
	if err != nil {
		metrics.Translations.WithLabelValues(r.String(), modeSingle, outcomeOf(err)).Inc()
		return Result{Route: r, Err: err}
	}
	defer t.done(e)

	out, err := t.infer(ctx, r, e, []string{text}, engine.EncodeOptions{}, modeSingle)
	if err != nil {
		return Result{Route: r, Err: &Error{Kind: KindInference, Route: r, Path: t.ModelPath(r), Err: err}}
	}
	if len(out) == 0 {
		metrics.Translations.WithLabelValues(r.String(), modeSingle, metrics.OutcomeEmpty).Inc()
		return Result{Route: r, Text: TranslationFailed, Empty: true}
	}
	metrics.Translations.WithLabelValues(r.String(), modeSingle, metrics.OutcomeOK).Inc()
	return Result{Route: r, Text: out[0]}
}

// TranslateBatch translates texts in one engine call. On success the outputs
// are aligned with texts; on failure the error covers every input.
func (t *Translator) TranslateBatch(ctx context.Context, source, target string, texts []string) BatchResult {
	r := route.New(source, target)
	res := BatchResult{Route: r, n: len(texts)}
	if len(texts) == 0 {
		res.Texts = []string{}
		return res
	}

	e, err := t.ensure(ctx, r)
	if err != nil {
		metrics.Translations.WithLabelValues(r.String(), modeBatch, outcomeOf(err)).Inc()
		res.Err = err
		return res
	}
	defer t.done(e)

	out, err := t.infer(ctx, r, e, texts, engine.EncodeOptions{Padding: true, Truncation: true}, modeBatch)
	if err == nil && len(out) != len(texts) {
		metrics.Translations.WithLabelValues(r.String(), modeBatch, metrics.OutcomeError).Inc()
		err = fmt.Errorf("engine returned %d outputs for %d inputs", len(out), len(texts))
	}
	if err != nil {
		res.Err = &Error{Kind: KindInference, Route: r, Path: t.ModelPath(r), Err: err, batch: true}
		return res
	}
	metrics.Translations.WithLabelValues(r.String(), modeBatch, metrics.OutcomeOK).Inc()
	res.Texts = out
	return res
}

func (t *Translator) infer(ctx context.Context, r route.Route, e *state.Entry, texts []string, opts engine.EncodeOptions, mode string) (out []string, err error) {
	key := r.String()
	ctx, span := t.tracer.Start(ctx, "translator.infer", trace.WithAttributes(
		attribute.String("route", key),
		attribute.String("mode", mode),
		attribute.Int("texts", len(texts)),
	))
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("engine panic: %v", p)
		}
		took := time.Since(start)
		metrics.TranslationDuration.WithLabelValues(key, mode).Observe(took.Seconds())
		if err != nil {
			metrics.Translations.WithLabelValues(key, mode, metrics.OutcomeError).Inc()
			t.Latency.ObserveError(key, took)
			t.log.Warn().Err(err).Str("route", key).Str("mode", mode).Msg("inference failed")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			t.Latency.ObserveOK(key, took)
		}
		span.End()
	}()

	t.cache.Touch(key)
	return engine.Run(ctx, e.Model, e.Tokenizer, texts, opts)
}

// LoadedModels returns the routes currently held in the cache.
func (t *Translator) LoadedModels() []string {
	return t.cache.Keys()
}

// Loading returns the routes with a load in progress.
func (t *Translator) Loading() []string {
	return t.gates.keys()
}

// Residency returns per-route cache details.
func (t *Translator) Residency() []state.Residency {
	return t.cache.Snapshot()
}

// State reports where r stands in its lifecycle.
func (t *Translator) State(r route.Route) state.ModelState {
	key := r.String()
	if _, ok := t.cache.Get(key); ok {
		return state.ModelLoaded
	}
	for _, k := range t.gates.keys() {
		if k == key {
			return state.ModelLoading
		}
	}
	if fi, err := os.Stat(t.ModelPath(r)); err == nil && fi.IsDir() {
		return state.ModelAvailable
	}
	return state.ModelUnavailable
}

// Unload drops r from the cache. It reports whether an entry was removed.
func (t *Translator) Unload(r route.Route) bool {
	key := r.String()
	e, ok := t.cache.Delete(key)
	if !ok {
		return false
	}
	t.retire(e)
	t.Latency.Delete(key)
	metrics.LoadedModels.Set(float64(t.cache.Len()))
	t.Activity.Add(activity.Event{Type: activity.EventUnload, Route: key})
	t.log.Info().Str("route", key).Msg("model unloaded")
	return true
}

// ClearAll empties the cache.
func (t *Translator) ClearAll() {
	entries := t.cache.Clear()
	for _, e := range entries {
		t.retire(e)
		t.Latency.Delete(e.Route)
	}
	metrics.LoadedModels.Set(0)
	t.Activity.Add(activity.Event{Type: activity.EventClear, Note: fmt.Sprintf("%d models", len(entries))})
	t.log.Info().Int("count", len(entries)).Msg("model cache cleared")
}

// closeEntry frees engine-side resources of a retired entry.
func (t *Translator) closeEntry(e *state.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, h := range []any{e.Model, e.Tokenizer} {
		c, ok := h.(engine.Closer)
		if !ok {
			continue
		}
		if err := c.Close(ctx); err != nil {
			t.log.Warn().Err(err).Str("route", e.Route).Msg("release model handle")
		}
	}
}

func outcomeOf(err error) string {
	if errors.Is(err, ErrNotFound) {
		return metrics.OutcomeNotFound
	}
	return metrics.OutcomeError
}

// Package metrics provides Prometheus collectors and an in-process latency
// tracker for translation routes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoadedModels tracks the number of routes resident in the model cache.
	LoadedModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opusmt_loaded_models",
			Help: "Number of translation models currently loaded",
		},
	)

	// ModelLoads counts load attempts by route and outcome.
	ModelLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opusmt_model_loads_total",
			Help: "Total number of model load attempts",
		},
		[]string{"route", "outcome"},
	)

	// ModelLoadDuration tracks how long successful loads take.
	ModelLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opusmt_model_load_duration_seconds",
			Help:    "Duration of model loads",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"route"},
	)

	// Translations counts translation requests by route, mode and outcome.
	Translations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opusmt_translations_total",
			Help: "Total number of translation requests",
		},
		[]string{"route", "mode", "outcome"},
	)

	// TranslationDuration tracks inference time.
	TranslationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opusmt_translation_duration_seconds",
			Help:    "Duration of encode, generate and decode",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "mode"},
	)

	// Downloads counts model downloads by outcome.
	Downloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opusmt_model_downloads_total",
			Help: "Total number of model downloads",
		},
		[]string{"outcome"},
	)

	// DownloadedBytes counts bytes written by model downloads.
	DownloadedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opusmt_model_download_bytes_total",
			Help: "Total bytes written by model downloads",
		},
	)
)

// Outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
	OutcomeEmpty    = "empty"
)

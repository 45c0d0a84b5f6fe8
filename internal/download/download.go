// Package download provisions model directories under the models directory.
//
// Files are fetched into a hidden staging directory and renamed into place
// only when every file has arrived, so discovery never sees a partial model.
package download

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mcules/opus-mt-server/internal/activity"
	"github.com/mcules/opus-mt-server/internal/catalog"
	"github.com/mcules/opus-mt-server/internal/metrics"
	"github.com/mcules/opus-mt-server/internal/route"
)

// Files is the file set every model directory is provisioned with.
var Files = []string{
	"config.json",
	"pytorch_model.bin",
	"source.spm",
	"target.spm",
	"tokenizer_config.json",
	"vocab.json",
}

const (
	DefaultTimeout     = 5 * time.Minute
	DefaultConcurrency = 3
)

var (
	ErrExists       = errors.New("model already installed")
	ErrNotInstalled = errors.New("model not installed")
	ErrSameLanguage = errors.New("source and target languages must differ")
)

type Options struct {
	Overwrite bool
}

type Downloader struct {
	dir    string
	source Source
	log    zerolog.Logger
	group  singleflight.Group

	Concurrency int
	Timeout     time.Duration

	// Optional.
	Catalog  *catalog.Store
	Activity *activity.Log
}

func New(modelsDir string, src Source, log zerolog.Logger) *Downloader {
	return &Downloader{
		dir:         modelsDir,
		source:      src,
		log:         log.With().Str("component", "download").Logger(),
		Concurrency: DefaultConcurrency,
		Timeout:     DefaultTimeout,
	}
}

func (d *Downloader) Path(r route.Route) string {
	return filepath.Join(d.dir, r.DirName())
}

// Installed reports whether the model directory for r exists.
func (d *Downloader) Installed(r route.Route) bool {
	fi, err := os.Stat(d.Path(r))
	return err == nil && fi.IsDir()
}

// Download fetches the model for r. Concurrent calls for the same route share
// one download.
func (d *Downloader) Download(ctx context.Context, r route.Route, opts Options) (catalog.ModelRecord, error) {
	if err := r.Validate(); err != nil {
		return catalog.ModelRecord{}, err
	}
	if r.Source == r.Target {
		return catalog.ModelRecord{}, ErrSameLanguage
	}
	if !opts.Overwrite && d.Installed(r) {
		return catalog.ModelRecord{}, fmt.Errorf("%w: %s", ErrExists, d.Path(r))
	}

	// The shared download outlives any single caller; Timeout still bounds it.
	detached := context.WithoutCancel(ctx)
	ch := d.group.DoChan(r.String(), func() (interface{}, error) {
		return d.download(detached, r, opts)
	})

	select {
	case res := <-ch:
		if res.Shared {
			d.log.Debug().Str("route", r.String()).Msg("joined in-flight download")
		}
		if res.Err != nil {
			return catalog.ModelRecord{}, res.Err
		}
		return res.Val.(catalog.ModelRecord), nil
	case <-ctx.Done():
		return catalog.ModelRecord{}, ctx.Err()
	}
}

func (d *Downloader) download(ctx context.Context, r route.Route, opts Options) (rec catalog.ModelRecord, err error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if err != nil {
			metrics.Downloads.WithLabelValues(metrics.OutcomeError).Inc()
			d.log.Error().Err(err).Str("route", r.String()).Msg("model download failed")
		}
	}()

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return rec, fmt.Errorf("create models dir: %w", err)
	}

	name := r.DirName()
	staging := filepath.Join(d.dir, "."+name+".partial-"+uuid.NewString())
	if err := os.Mkdir(staging, 0o755); err != nil {
		return rec, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	d.log.Info().Str("route", r.String()).Str("source", d.source.String()).Msg("downloading model")

	files := make([]catalog.FileRecord, len(Files))
	g, gctx := errgroup.WithContext(ctx)
	limit := d.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	g.SetLimit(limit)
	for i, f := range Files {
		g.Go(func() error {
			fr, err := d.fetchFile(gctx, name, f, filepath.Join(staging, f))
			if err != nil {
				return err
			}
			files[i] = fr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return rec, fmt.Errorf("download timed out after %s: %w", timeout, err)
		}
		return rec, err
	}

	final := d.Path(r)
	if err := d.swapIn(staging, final, opts.Overwrite); err != nil {
		return rec, err
	}

	rec = catalog.ModelRecord{
		Route:        r.String(),
		Dir:          final,
		Source:       d.source.String(),
		DownloadedAt: time.Now().UTC(),
		Files:        files,
	}
	for _, f := range files {
		rec.SizeBytes += f.SizeBytes
	}

	if err := d.Catalog.RecordDownload(context.WithoutCancel(ctx), rec); err != nil {
		d.log.Warn().Err(err).Str("route", r.String()).Msg("catalog record failed")
	}
	metrics.Downloads.WithLabelValues(metrics.OutcomeOK).Inc()
	metrics.DownloadedBytes.Add(float64(rec.SizeBytes))
	d.Activity.Add(activity.Event{
		Type:  activity.EventDownload,
		Route: r.String(),
		Note:  fmt.Sprintf("%d bytes in %s", rec.SizeBytes, time.Since(start).Round(time.Millisecond)),
	})
	d.log.Info().
		Str("route", r.String()).
		Int64("bytes", rec.SizeBytes).
		Dur("took", time.Since(start)).
		Msg("model downloaded")
	return rec, nil
}

func (d *Downloader) fetchFile(ctx context.Context, dirName, file, dst string) (catalog.FileRecord, error) {
	f, err := os.Create(dst)
	if err != nil {
		return catalog.FileRecord{}, err
	}

	h, _ := blake2b.New256(nil)
	n, err := d.source.Fetch(ctx, dirName, file, io.MultiWriter(f, h))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return catalog.FileRecord{}, fmt.Errorf("%s: %w", file, err)
	}
	return catalog.FileRecord{
		Name:      file,
		SizeBytes: n,
		Digest:    hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// swapIn renames staging to final. An existing final directory is moved
// aside first and removed once the new one is in place.
func (d *Downloader) swapIn(staging, final string, overwrite bool) error {
	_, err := os.Stat(final)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return os.Rename(staging, final)
	case err != nil:
		return err
	case !overwrite:
		return fmt.Errorf("%w: %s", ErrExists, final)
	}

	old := filepath.Join(d.dir, "."+filepath.Base(final)+".old-"+uuid.NewString())
	if err := os.Rename(final, old); err != nil {
		return fmt.Errorf("move previous model aside: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		_ = os.Rename(old, final)
		return err
	}
	return os.RemoveAll(old)
}

// Delete removes the model directory for r and its catalog record.
func (d *Downloader) Delete(ctx context.Context, r route.Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	path := d.Path(r)
	if !d.Installed(r) {
		return fmt.Errorf("%w: %s", ErrNotInstalled, path)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if err := d.Catalog.Delete(ctx, r.String()); err != nil {
		d.log.Warn().Err(err).Str("route", r.String()).Msg("catalog delete failed")
	}
	d.Activity.Add(activity.Event{Type: activity.EventDelete, Route: r.String()})
	d.log.Info().Str("route", r.String()).Msg("model deleted")
	return nil
}

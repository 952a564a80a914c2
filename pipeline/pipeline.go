package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/aluiziolira/icsd-queryer/config"
	"github.com/aluiziolira/icsd-queryer/models"
)

const (
	// StageFetch marks entries whose detail view, fields, or files could not be retrieved.
	StageFetch = "fetch"
	// StagePersist marks entries whose folder could not be written.
	StagePersist = "persist"
)

// Source is the remote side of a run.
type Source interface {
	Authenticate(ctx context.Context) error
	Search(ctx context.Context, criteria models.SearchCriteria) (*models.SearchResult, error)
	FetchEntry(ctx context.Context, code string) (*models.Entry, error)
}

// OutputWriter defines the interface for the run index.
type OutputWriter interface {
	Write(records []*models.EntryRecord) error
	Close() error
	Validate() error
}

// Pipeline runs one query end to end: authenticate, search, then fetch and
// persist every result in order.
type Pipeline struct {
	source    Source
	writer    OutputWriter
	basePath  string
	batchSize int

	metrics *metrics

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline writing entry folders under cfg.OutputDir.
// writer may be nil when no run index is wanted.
func NewPipeline(source Source, writer OutputWriter, cfg *config.Config) *Pipeline {
	return &Pipeline{
		source:    source,
		writer:    writer,
		basePath:  cfg.OutputDir,
		batchSize: 64,
		metrics:   newMetrics(),
		shutdown:  make(chan struct{}),
	}
}

// Run executes criteria. Authentication and search failures are returned
// before anything is written. Entry failures are recorded in the result and
// the run continues. A failure while walking result pages ends the run with
// the entries persisted so far.
func (p *Pipeline) Run(ctx context.Context, criteria models.SearchCriteria) (*models.RunResult, error) {
	result := &models.RunResult{StartTime: time.Now()}
	finish := func(err error) (*models.RunResult, error) {
		result.EndTime = time.Now()
		return result, err
	}

	if err := p.source.Authenticate(ctx); err != nil {
		return finish(err)
	}

	found, err := p.source.Search(ctx, criteria)
	if err != nil {
		return finish(err)
	}
	result.Hits = found.Hits
	if found.IDs == nil {
		return finish(nil)
	}

	batch := make([]*models.EntryRecord, 0, p.batchSize)
	flush := func() error {
		if p.writer == nil || len(batch) == 0 {
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return fmt.Errorf("write index: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	var walkErr error
	for code, err := range found.IDs {
		if err != nil {
			walkErr = err
			break
		}
		if err := ctx.Err(); err != nil {
			walkErr = err
			break
		}

		record, ok := p.process(ctx, result, code)
		if !ok {
			continue
		}
		batch = append(batch, record)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				return finish(err)
			}
		}
	}

	if err := flush(); err != nil {
		return finish(errors.Join(walkErr, err))
	}
	return finish(walkErr)
}

// process fetches and persists one entry. ok is false when the entry failed;
// the failure is already recorded in result.
func (p *Pipeline) process(ctx context.Context, result *models.RunResult, code string) (*models.EntryRecord, bool) {
	entry, err := p.source.FetchEntry(ctx, code)
	if err != nil {
		p.fail(result, code, StageFetch, err)
		return nil, false
	}

	folder, err := Persist(entry, p.basePath)
	if err != nil {
		p.fail(result, code, StagePersist, err)
		return nil, false
	}

	result.Persisted = append(result.Persisted, code)
	p.metrics.incrementPersisted()
	slog.Info("entry persisted", slog.String("code", code), slog.String("folder", folder))

	return &models.EntryRecord{
		CollectionCode: code,
		Folder:         folder,
		HasCIF:         len(entry.CIF) > 0,
		HasScreenshot:  entry.Screenshot != nil,
		FieldCount:     len(entry.Fields),
		SourceURL:      entry.SourceURL,
		FetchedAt:      entry.FetchedAt,
	}, true
}

func (p *Pipeline) fail(result *models.RunResult, code, stage string, err error) {
	result.Failures = append(result.Failures, models.EntryFailure{
		CollectionCode: code,
		Stage:          stage,
		Err:            err,
	})
	p.metrics.addFailure(stage)
	slog.Warn("entry skipped",
		slog.String("code", code),
		slog.String("stage", stage),
		slog.Any("error", err),
	)
}

// Close stops metrics reporting.
func (p *Pipeline) Close() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

// Register exposes the pipeline counters on reg, usually the queryer's
// registry so one endpoint serves the whole run.
func (p *Pipeline) Register(reg prometheus.Registerer) error {
	return reg.Register(p.metrics.entries)
}

// Progress is a point-in-time view of the entry outcome counters.
type Progress struct {
	Persisted     int
	FetchFailed   int
	PersistFailed int
}

// GetMetrics returns a snapshot of the entry outcome counters.
func (p *Pipeline) GetMetrics() Progress {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs until Close.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				progress := p.GetMetrics()
				slog.Info("pipeline progress",
					slog.Int("persisted", progress.Persisted),
					slog.Int("fetch_failures", progress.FetchFailed),
					slog.Int("persist_failures", progress.PersistFailed),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

const (
	outcomePersisted     = "persisted"
	outcomeFetchFailed   = "fetch_failed"
	outcomePersistFailed = "persist_failed"
)

type metrics struct {
	entries *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queryer_entries_total",
			Help: "Search results processed, by outcome (persisted, fetch_failed, persist_failed).",
		}, []string{"outcome"}),
	}
	for _, outcome := range []string{outcomePersisted, outcomeFetchFailed, outcomePersistFailed} {
		m.entries.WithLabelValues(outcome)
	}
	return m
}

func (m *metrics) incrementPersisted() {
	m.entries.WithLabelValues(outcomePersisted).Inc()
}

func (m *metrics) addFailure(stage string) {
	outcome := outcomeFetchFailed
	if stage == StagePersist {
		outcome = outcomePersistFailed
	}
	m.entries.WithLabelValues(outcome).Inc()
}

func (m *metrics) snapshot() Progress {
	return Progress{
		Persisted:     m.count(outcomePersisted),
		FetchFailed:   m.count(outcomeFetchFailed),
		PersistFailed: m.count(outcomePersistFailed),
	}
}

func (m *metrics) count(outcome string) int {
	var out dto.Metric
	if err := m.entries.WithLabelValues(outcome).Write(&out); err != nil {
		return 0
	}
	return int(out.GetCounter().GetValue())
}

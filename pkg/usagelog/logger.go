// Package usagelog records sampled, redacted search-usage telemetry.
// Writer follows the teacher's async audit writer shape exactly: a
// buffered channel drained by a ticker-driven background goroutine, so the
// request path never blocks on persistence and a full buffer drops rows
// with a warning rather than applying backpressure.
package usagelog

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/wisbric/tavilybridge/internal/telemetry"
)

// Outcome is whether a tool invocation succeeded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Row is one append-only usage record.
type Row struct {
	ToolName          string
	Outcome           Outcome
	LatencyMs         int64
	ClientTokenID     string
	ClientTokenPrefix string
	UpstreamKeyID     string
	QueryHash         string
	QueryPreview      string
	ArgsJSON          string
	ErrorMessage      string
	Timestamp         time.Time
}

// Store persists usage rows and supports retention cleanup.
type Store interface {
	InsertRows(ctx context.Context, rows []Row) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Mode selects how much query metadata a row records.
type Mode string

const (
	ModeNone    Mode = "none"
	ModeHash    Mode = "hash"
	ModePreview Mode = "preview"
	ModeFull    Mode = "full"
)

const previewMaxLen = 180

// Config holds the Usage Logger's environment-overridable tunables.
type Config struct {
	Mode                Mode
	SampleRate          float64
	HashSecret          string
	RetentionDays       int
	CleanupProbability  float64
	FlushInterval       time.Duration
	BufferSize          int
}

// Writer buffers usage rows and flushes them in batches on a ticker,
// mirroring the teacher's audit.Writer.
type Writer struct {
	store  Store
	logger *slog.Logger
	cfg    Config
	rand   *rand.Rand
	randMu sync.Mutex

	entries chan Row
	wg      sync.WaitGroup
	stop    chan struct{}
}

// NewWriter constructs a Writer. Call Start to begin the flush loop.
func NewWriter(store Store, logger *slog.Logger, cfg Config) *Writer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &Writer{
		store:   store,
		logger:  logger,
		cfg:     cfg,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		entries: make(chan Row, cfg.BufferSize),
		stop:    make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.run()
}

// Close stops the flush loop and waits for it to drain.
func (w *Writer) Close() {
	close(w.stop)
	w.wg.Wait()
}

// BuildRow assembles a Row from a completed tool invocation, applying the
// configured Mode's query-metadata gating and redaction.
func (w *Writer) BuildRow(toolName string, outcome Outcome, latencyMs int64, clientTokenID, clientTokenPrefix, upstreamKeyID, query, argsJSON, errorMessage string) Row {
	row := Row{
		ToolName:          toolName,
		Outcome:           outcome,
		LatencyMs:         latencyMs,
		ClientTokenID:     clientTokenID,
		ClientTokenPrefix: clientTokenPrefix,
		UpstreamKeyID:     upstreamKeyID,
		ArgsJSON:          argsJSON,
		ErrorMessage:      errorMessage,
		Timestamp:         time.Now(),
	}

	switch w.cfg.Mode {
	case ModeNone:
	case ModeHash:
		row.QueryHash = HashQuery(query, w.cfg.HashSecret)
	case ModeFull:
		row.QueryHash = HashQuery(query, w.cfg.HashSecret)
		row.QueryPreview = Redact(query)
	default: // ModePreview
		row.QueryHash = HashQuery(query, w.cfg.HashSecret)
		row.QueryPreview = Preview(query, previewMaxLen)
	}
	return row
}

// ShouldSample reports whether this invocation should be logged, per
// BRAVE_USAGE_SAMPLE_RATE (P10). A rate outside [0,1] is clamped.
func (w *Writer) ShouldSample() bool {
	rate := w.cfg.SampleRate
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	w.randMu.Lock()
	defer w.randMu.Unlock()
	return w.rand.Float64() < rate
}

// Log enqueues row for asynchronous, fire-and-forget persistence. A full
// buffer drops the row and logs a warning rather than blocking the
// request path.
func (w *Writer) Log(row Row) {
	if w.cfg.Mode == ModeNone {
		return
	}
	select {
	case w.entries <- row:
	default:
		telemetry.UsageLogRowsTotal.WithLabelValues("dropped_buffer_full").Inc()
		w.logger.Warn("usage log buffer full, dropping row", "tool", row.ToolName)
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []Row
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.store.InsertRows(context.Background(), batch); err != nil {
			w.logger.Error("flushing usage log rows", "count", len(batch), "error", err)
		} else {
			telemetry.UsageLogRowsTotal.WithLabelValues("written").Add(float64(len(batch)))
		}
		batch = batch[:0]
		w.maybeCleanup()
	}

	for {
		select {
		case row := <-w.entries:
			batch = append(batch, row)
			if len(batch) >= w.cfg.BufferSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stop:
			for {
				select {
				case row := <-w.entries:
					batch = append(batch, row)
				default:
					flush()
					return
				}
			}
		}
	}
}

// maybeCleanup runs retention cleanup with probability
// BRAVE_USAGE_CLEANUP_PROBABILITY, deleting rows older than
// BRAVE_USAGE_RETENTION_DAYS.
func (w *Writer) maybeCleanup() {
	if w.cfg.RetentionDays <= 0 || w.cfg.CleanupProbability <= 0 {
		return
	}
	w.randMu.Lock()
	roll := w.rand.Float64()
	w.randMu.Unlock()
	if roll >= w.cfg.CleanupProbability {
		return
	}
	cutoff := time.Now().Add(-time.Duration(w.cfg.RetentionDays) * 24 * time.Hour)
	n, err := w.store.DeleteOlderThan(context.Background(), cutoff)
	if err != nil {
		w.logger.Error("usage log retention cleanup", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("usage log retention cleanup", "deleted", n)
	}
}

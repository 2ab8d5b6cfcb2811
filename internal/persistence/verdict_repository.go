package persistence

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/nsfw-gate/internal/model"
	"github.com/IliaW/nsfw-gate/internal/telemetry"
	"golang.org/x/time/rate"
)

const insertVerdict = `INSERT INTO nsfw_gate.verdict_log
	(url, censored, score, mime_type, category, frames_scored, request_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

type VerdictStorage interface {
	SaveVerdict(ctx context.Context, event *model.VerdictEvent) error
}

type VerdictRepository struct {
	db *sql.DB
}

func NewVerdictRepository(db *sql.DB) *VerdictRepository {
	return &VerdictRepository{db: db}
}

// SaveVerdict appends one verdict to the audit log.
func (vr *VerdictRepository) SaveVerdict(ctx context.Context, event *model.VerdictEvent) error {
	_, err := vr.db.ExecContext(ctx, insertVerdict,
		event.URL,
		event.Censored,
		event.Score,
		event.MIMEType,
		string(event.Category),
		event.FramesScored,
		event.RequestID,
		event.CreatedAt,
	)
	return err
}

// AuditWriter stores verdict events in the background. The log is write-only:
// nothing reads it back into the cache.
type AuditWriter struct {
	storage VerdictStorage
	events  chan *model.VerdictEvent
	metrics *telemetry.AuditMetrics
	timeout time.Duration
	dropLog rate.Sometimes
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
}

func NewAuditWriter(storage VerdictStorage, bufferSize int, metrics *telemetry.AuditMetrics) *AuditWriter {
	return &AuditWriter{
		storage: storage,
		events:  make(chan *model.VerdictEvent, bufferSize),
		metrics: metrics,
		timeout: 5 * time.Second,
		dropLog: rate.Sometimes{Interval: time.Minute},
		done:    make(chan struct{}),
	}
}

// Publish queues the event without blocking.
func (a *AuditWriter) Publish(event *model.VerdictEvent) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- event:
	default:
		a.metrics.FailedCnt(1)
		a.dropLog.Do(func() {
			slog.Warn("audit buffer is full. Dropping verdicts.", slog.Int("buffer", cap(a.events)))
		})
	}
}

func (a *AuditWriter) Run() {
	slog.Info("starting audit writer...")
	defer close(a.done)
	for event := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.storage.SaveVerdict(ctx, event)
		cancel()
		if err != nil {
			slog.Error("failed to save verdict to the database.", slog.String("url", event.URL),
				slog.String("err", err.Error()))
			a.metrics.FailedCnt(1)
			continue
		}
		a.metrics.WrittenCnt(1)
	}
	slog.Info("audit writer stopped.")
}

// Close stops accepting events and waits until the buffered ones are stored.
func (a *AuditWriter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.events)
	a.mu.Unlock()
	<-a.done
}

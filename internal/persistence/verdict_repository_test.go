package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/IliaW/nsfw-gate/internal/model"
	"github.com/IliaW/nsfw-gate/internal/telemetry"
)

type memoryStorage struct {
	mu    sync.Mutex
	saved []*model.VerdictEvent
	err   error
}

func (m *memoryStorage) SaveVerdict(_ context.Context, event *model.VerdictEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, event)
	return nil
}

func TestAuditWriter_StoresBufferedEventsOnClose(t *testing.T) {
	storage := &memoryStorage{}
	var written int64
	metrics := telemetry.Noop().AuditMetrics
	metrics.WrittenCnt = func(n int64) { written += n }

	a := NewAuditWriter(storage, 8, metrics)
	for _, url := range []string{"a", "b", "c"} {
		a.Publish(&model.VerdictEvent{URL: url})
	}
	go a.Run()
	a.Close()

	if len(storage.saved) != 3 || storage.saved[2].URL != "c" {
		t.Errorf("saved = %v", storage.saved)
	}
	if written != 3 {
		t.Errorf("written metric = %d, want 3", written)
	}
}

func TestAuditWriter_FailuresAreCounted(t *testing.T) {
	storage := &memoryStorage{err: errors.New("connection refused")}
	var failed int64
	metrics := telemetry.Noop().AuditMetrics
	metrics.FailedCnt = func(n int64) { failed += n }

	a := NewAuditWriter(storage, 2, metrics)
	a.Publish(&model.VerdictEvent{URL: "a"})
	a.Publish(&model.VerdictEvent{URL: "b"})
	a.Publish(&model.VerdictEvent{URL: "dropped"}) // buffer full
	go a.Run()
	a.Close()
	a.Publish(&model.VerdictEvent{URL: "after close"})

	if failed != 3 {
		t.Errorf("failed metric = %d, want 3", failed)
	}
}

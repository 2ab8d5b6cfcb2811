package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IliaW/nsfw-gate/config"
	"github.com/IliaW/nsfw-gate/internal/model"
	"github.com/IliaW/nsfw-gate/internal/telemetry"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]kafka.Message
	closed  bool
	err     error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, append([]kafka.Message(nil), msgs...))
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) snapshot() ([][]kafka.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]kafka.Message(nil), w.batches...), w.closed
}

func TestVerdictProducer_WritesFullBatches(t *testing.T) {
	w := &fakeWriter{}
	p := newVerdictProducer(w, telemetry.Noop().KafkaMetrics,
		&config.ProducerConfig{BatchSize: 2, BatchTimeout: time.Hour})
	go p.Run()

	for _, url := range []string{"a", "b", "c"} {
		p.Publish(&model.VerdictEvent{URL: url, Censored: url == "b"})
	}
	p.Close()

	batches, closed := w.snapshot()
	if !closed {
		t.Error("writer not closed")
	}
	if len(batches) != 2 || len(batches[0]) != 2 || len(batches[1]) != 1 {
		t.Fatalf("batches = %v", batches)
	}
	if string(batches[0][0].Key) != "a" {
		t.Errorf("key = %q, want url", batches[0][0].Key)
	}
	var ev model.VerdictEvent
	if err := json.Unmarshal(batches[0][1].Value, &ev); err != nil || !ev.Censored {
		t.Errorf("value = %s, err %v", batches[0][1].Value, err)
	}
}

func TestVerdictProducer_FlushesOnTimeout(t *testing.T) {
	w := &fakeWriter{}
	p := newVerdictProducer(w, telemetry.Noop().KafkaMetrics,
		&config.ProducerConfig{BatchSize: 100, BatchTimeout: 10 * time.Millisecond})
	go p.Run()
	defer p.Close()

	p.Publish(&model.VerdictEvent{URL: "a"})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if batches, _ := w.snapshot(); len(batches) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("batch was not flushed by the ticker")
}

func TestVerdictProducer_PublishAfterCloseIsDropped(t *testing.T) {
	w := &fakeWriter{}
	p := newVerdictProducer(w, telemetry.Noop().KafkaMetrics,
		&config.ProducerConfig{BatchSize: 1, BatchTimeout: time.Hour})
	go p.Run()
	p.Close()
	p.Close()

	p.Publish(&model.VerdictEvent{URL: "late"}) // must not panic
	if batches, _ := w.snapshot(); len(batches) != 0 {
		t.Errorf("batches = %v", batches)
	}
}

func TestVerdictProducer_FullBufferDoesNotBlock(t *testing.T) {
	var failed int64
	metrics := telemetry.Noop().KafkaMetrics
	metrics.FailMsgCnt = func(n int64) { failed += n }
	p := newVerdictProducer(&fakeWriter{}, metrics, &config.ProducerConfig{BatchSize: 1, BatchTimeout: time.Hour})

	// Run is not started, so the buffer of 2 fills up
	for i := 0; i < 5; i++ {
		p.Publish(&model.VerdictEvent{URL: "u"})
	}
	if failed != 3 {
		t.Errorf("dropped = %d, want 3", failed)
	}
}

func TestKafkaDLQ_SendUrlToDLQ(t *testing.T) {
	w := &fakeWriter{}
	dlq := &KafkaDLQClient{kafkaWriter: w, serviceName: "nsfw-gate", cfg: &config.ProducerConfig{}}

	dlq.SendUrlToDLQ("http://x/a.png", errors.New("media download failed"))

	batches, _ := w.snapshot()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	var msg DLQMessage
	if err := json.Unmarshal(batches[0][0].Value, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.URL != "http://x/a.png" || msg.ServiceName != "nsfw-gate" || msg.ErrorMessage != "media download failed" {
		t.Errorf("message = %+v", msg)
	}
	if msg.Kind != "internal" {
		t.Errorf("kind = %q", msg.Kind)
	}
}

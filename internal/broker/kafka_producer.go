package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/nsfw-gate/config"
	"github.com/IliaW/nsfw-gate/internal/model"
	"github.com/IliaW/nsfw-gate/internal/telemetry"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
	"golang.org/x/time/rate"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// VerdictProducer publishes verdict events to a kafka topic in batches. A batch
// is written when it is full or when the batch timeout elapses.
type VerdictProducer struct {
	events  chan *model.VerdictEvent
	writer  messageWriter
	metrics *telemetry.KafkaMetrics
	cfg     *config.ProducerConfig
	dropLog rate.Sometimes
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
}

func NewVerdictProducer(metrics *telemetry.KafkaMetrics, cfg *config.ProducerConfig) *VerdictProducer {
	kafkaWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Addr...),
		Topic:        cfg.WriteTopicName,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  cfg.MaxAttempts,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: 100 * time.Millisecond,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAsks),
		Async:        cfg.Async,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("failed to send verdicts to kafka.", slog.String("err", err.Error()))
			}
		},
		Compression: kafka.Compression(new(lz4.Codec).Code()),
	}

	return newVerdictProducer(kafkaWriter, metrics, cfg)
}

func newVerdictProducer(w messageWriter, metrics *telemetry.KafkaMetrics, cfg *config.ProducerConfig) *VerdictProducer {
	return &VerdictProducer{
		events:  make(chan *model.VerdictEvent, cfg.BatchSize*2),
		writer:  w,
		metrics: metrics,
		cfg:     cfg,
		dropLog: rate.Sometimes{Interval: time.Minute},
		done:    make(chan struct{}),
	}
}

// Publish queues the event without blocking. Events are dropped when the
// buffer is full or the producer is closed.
func (p *VerdictProducer) Publish(event *model.VerdictEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- event:
	default:
		p.metrics.FailMsgCnt(1)
		p.dropLog.Do(func() {
			slog.Warn("kafka buffer is full. Dropping verdict events.", slog.Int("buffer", cap(p.events)))
		})
	}
}

func (p *VerdictProducer) Run() {
	slog.Info("starting kafka producer...", slog.String("topic", p.cfg.WriteTopicName))
	defer close(p.done)
	defer func() {
		if err := p.writer.Close(); err != nil {
			slog.Error("failed to close kafka writer.", slog.String("err", err.Error()))
		}
	}()

	batch := make([]kafka.Message, 0, p.cfg.BatchSize)
	batchTicker := time.NewTicker(p.cfg.BatchTimeout)
	defer batchTicker.Stop()
	for {
		select {
		case <-batchTicker.C:
			if len(batch) == 0 {
				continue
			}
			p.writeMessages(batch)
			batch = batch[:0]
		case event, ok := <-p.events:
			if !ok {
				if len(batch) > 0 {
					p.writeMessages(batch)
				}
				slog.Info("stopping kafka producer.")
				return
			}
			body, err := json.Marshal(event)
			if err != nil {
				slog.Error("marshaling error.", slog.String("err", err.Error()), slog.Any("event", event))
				p.metrics.FailMsgCnt(1)
				continue
			}
			batch = append(batch, kafka.Message{
				Key:   []byte(event.URL),
				Value: body,
			})
			if len(batch) >= p.cfg.BatchSize {
				p.writeMessages(batch)
				batch = batch[:0]
				batchTicker.Reset(p.cfg.BatchTimeout)
			}
		}
	}
}

// Close stops accepting events and waits until the buffered ones are written.
func (p *VerdictProducer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()
	<-p.done
}

func (p *VerdictProducer) writeMessages(batch []kafka.Message) {
	err := p.writer.WriteMessages(context.Background(), batch...)
	if err != nil {
		slog.Error("failed to send verdicts to kafka.", slog.String("err", err.Error()))
		p.metrics.FailMsgCnt(int64(len(batch)))
		return
	}
	p.metrics.SuccessMsgCnt(int64(len(batch)))
	slog.Debug("successfully sent verdicts to kafka.", slog.Int("batch length", len(batch)))
}

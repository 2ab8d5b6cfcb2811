package broker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/IliaW/nsfw-gate/config"
	"github.com/IliaW/nsfw-gate/internal/censor"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
)

type KafkaDLQClient struct {
	kafkaWriter messageWriter
	serviceName string
	cfg         *config.ProducerConfig
}

type DLQMessage struct {
	ServiceName  string `json:"service_name"`
	URL          string `json:"url"`
	Kind         string `json:"kind"`
	ErrorMessage string `json:"error_message"`
}

// NewKafkaDLQ - kafka client for dead-letter queue topic. Writes are async so
// that a slow broker never delays a response.
func NewKafkaDLQ(serviceName string, cfg *config.ProducerConfig) *KafkaDLQClient {
	kafkaWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Addr...),
		Topic:    cfg.DeadLetterTopicName,
		Balancer: &kafka.Hash{},
		Async:    true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("failed to send messages to kafka DLQ.", slog.String("err", err.Error()),
					slog.Int("batch length", len(messages)))
			}
		},
		Compression: kafka.Compression(new(lz4.Codec).Code()),
	}
	return &KafkaDLQClient{
		kafkaWriter: kafkaWriter,
		serviceName: serviceName,
		cfg:         cfg,
	}
}

func (dlq *KafkaDLQClient) SendUrlToDLQ(url string, err error) {
	msg := DLQMessage{
		ServiceName:  dlq.serviceName,
		URL:          url,
		Kind:         censor.KindOf(err).String(),
		ErrorMessage: err.Error(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshaling error.", slog.String("err", err.Error()), slog.Any("message", msg))
		return
	}

	err = dlq.kafkaWriter.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(url),
		Value: body,
	})
	if err != nil {
		slog.Error("failed to send message to dead-letter queue.", slog.String("err", err.Error()))
		return
	}
	slog.Debug("message queued for dead-letter queue.", slog.String("url", url))
}

func (dlq *KafkaDLQClient) Close() {
	slog.Info("closing kafka DLQ writer.")
	if err := dlq.kafkaWriter.Close(); err != nil {
		slog.Error("failed to close kafka DLQ writer.", slog.String("err", err.Error()))
	}
}

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/IliaW/nsfw-gate/internal/model"
	"github.com/google/uuid"
)

type Processor interface {
	Process(ctx context.Context, raw []byte) (*model.Document, error)
}

type FailureSink interface {
	SendUrlToDLQ(url string, err error)
}

// QueueWorker classifies request documents received from the queue. Verdicts
// land in the cache and the event sinks; nothing is answered back.
type QueueWorker struct {
	InputSqsChan  <-chan *string
	OutputSqsChan chan<- *string
	Processor     Processor
	KafkaDLQ      FailureSink
	Wg            *sync.WaitGroup
}

func (w *QueueWorker) Run() {
	defer w.Wg.Done()
	slog.Debug("start queue worker.")

	for str := range w.InputSqsChan {
		// Expected string format: {"url": "https://example.com/a.png", "headers": {...}}
		requestID := uuid.New().String()
		ctx := model.WithRequestID(context.Background(), requestID)

		doc, err := w.Processor.Process(ctx, []byte(*str))
		if err != nil {
			// the pool could not take the job; let another instance or a later attempt do it
			if errors.Is(err, PoolBusyError) {
				slog.Debug("pool is busy. Sending the message back.", slog.String("request_id", requestID))
				w.OutputSqsChan <- str
				continue
			}
			if isMalformed(err) && w.KafkaDLQ != nil {
				w.KafkaDLQ.SendUrlToDLQ(*str, err)
			}
			slog.Warn("failed to process queue message.", slog.String("request_id", requestID),
				slog.String("err", err.Error()))
			continue
		}
		slog.Debug("queue message processed.", slog.String("request_id", requestID),
			slog.String("result", string(doc.Bytes())))
	}
	slog.Debug("queue worker stopped.")
}

// Malformed requests never reach the DLQ inside the processor, so the raw
// message body is sent from here.
func isMalformed(err error) bool {
	var e interface{ Malformed() bool }
	return errors.As(err, &e) && e.Malformed()
}

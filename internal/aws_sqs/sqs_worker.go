package aws_sqs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/IliaW/nsfw-gate/config"
	"github.com/IliaW/nsfw-gate/internal/telemetry"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const receiveErrorBackoff = 5 * time.Second

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSWorker moves request documents between the queue and the queue workers.
// The consumer feeds getSqsChan; the producer returns messages from
// sendSqsChan to the queue.
type SQSWorker struct {
	client      sqsAPI
	url         *string
	getSqsChan  chan<- *string
	sendSqsChan <-chan *string
	metrics     *telemetry.SQSMetrics
	cfg         *config.SQSConfig
	wg          *sync.WaitGroup
}

func NewSQSWorker(getSqsChan chan<- *string, metrics *telemetry.SQSMetrics, sendSqsChan <-chan *string,
	cfg *config.Config, wg *sync.WaitGroup) *SQSWorker {
	slog.Info("connecting to sqs...")

	c, err := connect(cfg)
	if err != nil {
		slog.Error("failed to connect to sqs.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	queueUrl, err := c.GetQueueUrl(context.Background(), &sqs.GetQueueUrlInput{QueueName: &cfg.SQSSettings.QueueName})
	if err != nil {
		slog.Error("failed to get queue url.", slog.String("err", err.Error()),
			slog.String("queue_name", cfg.SQSSettings.QueueName))
		os.Exit(1)
	}

	return &SQSWorker{
		client:      c,
		url:         queueUrl.QueueUrl,
		getSqsChan:  getSqsChan,
		sendSqsChan: sendSqsChan,
		metrics:     metrics,
		cfg:         cfg.SQSSettings,
		wg:          wg,
	}
}

// SQSConsumer receives messages until ctx is cancelled, then closes getSqsChan.
// Messages are deleted once handed over; a message the workers cannot take
// because the pool is busy comes back through the producer.
func (w *SQSWorker) SQSConsumer(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		close(w.getSqsChan)
		slog.Info("close getSqsChan.")
	}()
	slog.Info("starting sqs consumer...", slog.String("queue_url", *w.url))

	getInput := &sqs.ReceiveMessageInput{
		QueueUrl:            w.url,
		MaxNumberOfMessages: w.cfg.MaxNumberOfMessages,
		WaitTimeSeconds:     w.cfg.WaitTimeSeconds,
		VisibilityTimeout:   w.cfg.VisibilityTimeout,
	}

	for {
		if ctx.Err() != nil {
			slog.Info("stopping sqs consumer...")
			return
		}
		output, err := w.client.ReceiveMessage(ctx, getInput)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			slog.Error("failed to receive message from sqs.", slog.String("err", err.Error()))
			select {
			case <-ctx.Done():
			case <-time.After(receiveErrorBackoff):
			}
			continue
		}
		if len(output.Messages) == 0 {
			slog.Debug("no messages received from sqs.")
			continue
		}

		entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(output.Messages))
		for _, m := range output.Messages {
			if m.Body == nil {
				continue
			}
			w.getSqsChan <- m.Body
			entries = append(entries, types.DeleteMessageBatchRequestEntry{
				Id:            m.MessageId,
				ReceiptHandle: m.ReceiptHandle,
			})
		}
		if len(entries) == 0 {
			continue
		}
		slog.Debug("deleting messages from sqs.", slog.Int("size", len(entries)))
		_, err = w.client.DeleteMessageBatch(context.Background(), &sqs.DeleteMessageBatchInput{
			QueueUrl: w.url,
			Entries:  entries,
		})
		if err != nil {
			slog.Error("failed to delete messages from sqs.", slog.String("err", err.Error()))
			w.metrics.FailMsgCnt(int64(len(entries))) // messages will be received again
		} else {
			w.metrics.SuccessMsgCnt(int64(len(entries)))
		}
	}
}

func (w *SQSWorker) SQSProducer() {
	defer w.wg.Done()
	slog.Info("starting sqs producer...", slog.String("queue_url", *w.url))

	ctx := context.Background()
	for m := range w.sendSqsChan {
		slog.Debug("sending message back to sqs.", slog.String("message", *m))
		_, err := w.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:     w.url,
			MessageBody:  m,
			DelaySeconds: w.cfg.SendBackDelaySeconds,
		})
		if err != nil {
			slog.Error("failed to send message to sqs.", slog.String("message", *m),
				slog.String("err", err.Error()))
			continue
		}
		w.metrics.SentBackToSqsMsgCnt(1)
	}
	slog.Info("stopping sqs producer.")
}

func connect(cfg *config.Config) (*sqs.Client, error) {
	sqsConfig, err := awsCfg.LoadDefaultConfig(context.Background(), awsCfg.WithRegion(cfg.SQSSettings.Region))
	if err != nil {
		slog.Error("failed to load sqs config.", slog.String("err", err.Error()))
		return nil, err
	}

	if cfg.Env == "local" {
		sqsConfig.BaseEndpoint = &cfg.SQSSettings.AwsBaseEndpoint // for LocalStack
		sqsConfig.Credentials = crd.NewStaticCredentialsProvider("test", "test", "")
	}

	return sqs.NewFromConfig(sqsConfig), nil
}

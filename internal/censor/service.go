package censor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/IliaW/nsfw-gate/internal/cache"
	"github.com/IliaW/nsfw-gate/internal/format"
	"github.com/IliaW/nsfw-gate/internal/model"
	"github.com/IliaW/nsfw-gate/internal/telemetry"
)

const (
	censorKey = "censor"
	urlKey    = "url"
	imageKey  = "image"
)

type Fetcher interface {
	Fetch(ctx context.Context, media *model.MediaRequest) ([]byte, error)
}

type FrameExtractor interface {
	Extract(ctx context.Context, video []byte) ([][]byte, error)
}

type Scorer interface {
	IsCensored(ctx context.Context, img []byte) (model.Verdict, error)
}

// EventSink receives every freshly computed verdict. Publish must not block.
type EventSink interface {
	Publish(event *model.VerdictEvent)
}

// FailureSink receives URLs whose classification failed.
type FailureSink interface {
	SendUrlToDLQ(url string, err error)
}

type Service struct {
	fetcher     Fetcher
	classifier  *format.Classifier
	extractor   FrameExtractor
	scorer      Scorer
	cache       cache.VerdictCache
	metrics     *telemetry.AppMetrics
	serviceName string
	sinks       []EventSink
	dlq         FailureSink
}

type Option func(*Service)

func WithEventSink(sink EventSink) Option {
	return func(s *Service) {
		s.sinks = append(s.sinks, sink)
	}
}

func WithFailureSink(sink FailureSink) Option {
	return func(s *Service) {
		s.dlq = sink
	}
}

func WithServiceName(name string) Option {
	return func(s *Service) {
		s.serviceName = name
	}
}

func NewService(fetcher Fetcher, classifier *format.Classifier, extractor FrameExtractor, scorer Scorer,
	verdictCache cache.VerdictCache, metrics *telemetry.AppMetrics, opts ...Option) *Service {
	s := &Service{
		fetcher:    fetcher,
		classifier: classifier,
		extractor:  extractor,
		scorer:     scorer,
		cache:      verdictCache,
		metrics:    metrics,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Process runs one request document through the pipeline and returns the same
// document with the censor key set. Every failure is an *Error.
func (s *Service) Process(ctx context.Context, raw []byte) (doc *model.Document, err error) {
	log := slog.With(slog.String("request_id", model.RequestID(ctx)))
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered panic while processing request.", slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			doc, err = nil, newError(KindInternal, MsgRequestFailed, fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			s.metrics.FailedRequestCnt(1)
		} else {
			s.metrics.SuccessRequestCnt(1)
		}
	}()

	doc, err = model.ParseDocument(raw)
	if err != nil {
		return nil, newError(KindMalformedRequest, MsgBadJSON, err)
	}
	url, err := requestURL(doc)
	if err != nil {
		return nil, err
	}
	media := &model.MediaRequest{
		URL:     url,
		Headers: doc.StringMap("headers"),
		Cookies: doc.StringMap("cookies"),
	}

	log.Debug("checking verdict cache.", slog.String("url", url))
	verdict, hit, err := s.cache.Resolve(ctx, url, func(ctx context.Context) (model.Verdict, error) {
		return s.compute(ctx, media)
	})
	if err != nil {
		e := stageError(KindInternal, MsgRequestFailed, err)
		log.Warn("request failed.", slog.String("url", url), slog.String("kind", e.Kind().String()),
			slog.String("err", err.Error()))
		return nil, e
	}
	if hit {
		s.metrics.CacheHitCnt(1)
		log.Debug("verdict served from cache.", slog.String("url", url), slog.Bool("censor", verdict.Censored))
	}

	if err = doc.Set(censorKey, verdict.Censored); err != nil {
		return nil, newError(KindInternal, MsgRequestFailed, err)
	}

	return doc, nil
}

// requestURL reads url, falling back to the legacy image key.
func requestURL(doc *model.Document) (string, error) {
	if url, ok := doc.String(urlKey); ok && url != "" {
		return url, nil
	}
	if url, ok := doc.String(imageKey); ok && url != "" {
		return url, nil
	}
	if !doc.Has(urlKey) && doc.Has(imageKey) {
		return "", newError(KindMalformedRequest, MsgMissingImage, nil)
	}

	return "", newError(KindMalformedRequest, MsgMissingURL, nil)
}

// compute runs once per cache miss, shared by all concurrent requests for the
// same URL.
func (s *Service) compute(ctx context.Context, media *model.MediaRequest) (model.Verdict, error) {
	s.metrics.CacheMissCnt(1)
	verdict, err := s.classify(ctx, media)
	if err != nil {
		if s.dlq != nil {
			s.dlq.SendUrlToDLQ(media.URL, err)
		}
		return model.Verdict{}, err
	}

	if verdict.Censored {
		s.metrics.CensoredCnt(1)
	} else {
		s.metrics.CleanCnt(1)
	}
	s.publish(ctx, media.URL, &verdict)

	return verdict, nil
}

func (s *Service) classify(ctx context.Context, media *model.MediaRequest) (model.Verdict, error) {
	log := slog.With(slog.String("request_id", model.RequestID(ctx)), slog.String("url", media.URL))

	log.Debug("fetching media.")
	data, err := s.fetcher.Fetch(ctx, media)
	if err != nil {
		return model.Verdict{}, stageError(KindFetch, MsgDownloadFailed, err)
	}

	mime, category := s.classifier.Classify(data)
	log.Debug("media sniffed.", slog.String("mime", mime), slog.String("category", string(category)))
	buf := &model.MediaBuffer{Data: data, MIMEType: mime, Category: category}

	var verdict model.Verdict
	switch buf.Category {
	case model.CategoryImage:
		verdict, err = s.classifyImage(ctx, buf)
	case model.CategoryVideo:
		verdict, err = s.classifyVideo(ctx, buf)
	default:
		return model.Verdict{}, newError(KindUnsupportedFormat, MsgFormatUnsupported,
			fmt.Errorf("sniffed type %s", mime))
	}
	if err != nil {
		return model.Verdict{}, err
	}
	verdict.MIMEType = buf.MIMEType
	verdict.Category = buf.Category
	log.Debug("media classified.", slog.Bool("censor", verdict.Censored), slog.Float64("score", verdict.Score),
		slog.Int("frames_scored", verdict.FramesScored))

	return verdict, nil
}

func (s *Service) classifyImage(ctx context.Context, buf *model.MediaBuffer) (model.Verdict, error) {
	verdict, err := s.scorer.IsCensored(ctx, buf.Data)
	if err != nil {
		return model.Verdict{}, stageError(KindInference, MsgCorruptImage, err)
	}
	verdict.FramesScored = 1

	return verdict, nil
}

// classifyVideo scores frames in order and stops at the first positive one.
// A frame that cannot be scored fails the whole request.
func (s *Service) classifyVideo(ctx context.Context, buf *model.MediaBuffer) (model.Verdict, error) {
	frames, err := s.extractor.Extract(ctx, buf.Data)
	if err != nil {
		return model.Verdict{}, stageError(KindDecode, MsgCorruptVideo, err)
	}
	if len(frames) == 0 {
		return model.Verdict{}, newError(KindDecode, MsgCorruptVideo, errors.New("no frames"))
	}

	var result model.Verdict
	for i, frame := range frames {
		v, err := s.scorer.IsCensored(ctx, frame)
		if err != nil {
			return model.Verdict{}, stageError(KindInference, MsgCorruptVideo,
				fmt.Errorf("frame %d: %w", i, err))
		}
		result.FramesScored = i + 1
		if i == 0 || v.Score > result.Score {
			result.Score = v.Score
		}
		if v.Censored {
			result.Censored = true
			break
		}
	}

	return result, nil
}

func (s *Service) publish(ctx context.Context, url string, verdict *model.Verdict) {
	if len(s.sinks) == 0 {
		return
	}
	event := &model.VerdictEvent{
		RequestID:    model.RequestID(ctx),
		ServiceName:  s.serviceName,
		URL:          url,
		Censored:     verdict.Censored,
		Score:        verdict.Score,
		MIMEType:     verdict.MIMEType,
		Category:     verdict.Category,
		FramesScored: verdict.FramesScored,
		CreatedAt:    time.Now().UTC(),
	}
	for _, sink := range s.sinks {
		sink.Publish(event)
	}
}

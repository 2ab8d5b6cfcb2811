package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/IliaW/nsfw-gate/config"
	"github.com/IliaW/nsfw-gate/internal/model"
)

var (
	BadStatusError    = errors.New("unexpected response status")
	BodyTooLargeError = errors.New("response body exceeds the size limit")
	EmptyBodyError    = errors.New("response body is empty")
)

// Fetcher downloads media with a single attempt. The whole exchange, from
// dialing to the last body byte, is bounded by the request timeout.
type Fetcher struct {
	client   *http.Client
	cfg      *config.HttpClientConfig
	maxBytes int64
}

func NewFetcher(client *http.Client, cfg *config.HttpClientConfig) *Fetcher {
	return &Fetcher{
		client:   client,
		cfg:      cfg,
		maxBytes: cfg.MaxBodyBytes,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, media *model.MediaRequest) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, media.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	for k, v := range media.Headers {
		req.Header.Set(k, v)
	}
	for name, value := range media.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func(Body io.ReadCloser) {
		if err = Body.Close(); err != nil {
			slog.Warn("failed to close the response body.", slog.String("err", err.Error()))
		}
	}(resp.Body)

	if !isSuccess(resp.StatusCode) {
		return nil, fmt.Errorf("%w: %d", BadStatusError, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", BodyTooLargeError, f.maxBytes)
	}
	if len(data) == 0 {
		return nil, EmptyBodyError
	}

	slog.Debug("media downloaded.", slog.String("url", media.URL), slog.Int("size", len(data)))
	return data, nil
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

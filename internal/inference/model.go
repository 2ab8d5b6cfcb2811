package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/IliaW/nsfw-gate/config"
)

var ModelError = errors.New("model invocation failed")

// Model is the classifier boundary: one preprocessed JPEG in, the raw output
// vector out.
type Model interface {
	Predict(ctx context.Context, img []byte) ([]float64, error)
}

type predictResponse struct {
	Outputs []float64 `json:"outputs"`
}

// HTTPModel calls a model server that accepts image/jpeg bodies and answers
// with {"outputs": [...]}.
type HTTPModel struct {
	client  *http.Client
	url     string
	timeout time.Duration
}

// NewModelClient builds the client for the model server. It is separate from
// the media download client: its timeout is nsfw.request_timeout and it always
// verifies certificates.
func NewModelClient(cfg *config.NsfwConfig) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}
}

func NewHTTPModel(client *http.Client, url string, timeout time.Duration) *HTTPModel {
	return &HTTPModel{client: client, url: url, timeout: timeout}
}

func (m *HTTPModel) Predict(ctx context.Context, img []byte) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", ModelError, err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ModelError, err)
	}
	defer func(Body io.ReadCloser) {
		if err = Body.Close(); err != nil {
			slog.Warn("failed to close the model response body.", slog.String("err", err.Error()))
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ModelError, resp.StatusCode)
	}
	var out predictResponse
	if err = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ModelError, err)
	}

	return out.Outputs, nil
}

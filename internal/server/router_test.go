package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/IliaW/nsfw-gate/config"
	"github.com/IliaW/nsfw-gate/internal/censor"
	"github.com/IliaW/nsfw-gate/internal/model"
	"github.com/IliaW/nsfw-gate/internal/telemetry"
)

type processorFunc func(ctx context.Context, raw []byte) (*model.Document, error)

func (f processorFunc) Process(ctx context.Context, raw []byte) (*model.Document, error) {
	return f(ctx, raw)
}

func echoCensor(ctx context.Context, raw []byte) (*model.Document, error) {
	doc, err := model.ParseDocument(raw)
	if err != nil {
		return nil, err
	}
	if err = doc.Set("censor", true); err != nil {
		return nil, err
	}
	return doc, nil
}

func newTestRouter(p Processor) http.Handler {
	return NewRouter(p, &config.ServerConfig{MaxBodyBytes: 1024})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Success(t *testing.T) {
	rec := do(t, newTestRouter(processorFunc(echoCensor)), http.MethodPost, "/", `{"url":"http://x/a.png","id":1}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := rec.Body.String(); got != `{"url":"http://x/a.png","id":1,"censor":true}` {
		t.Errorf("body = %s", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}
}

func TestRouter_ErrorsAre400WithMessage(t *testing.T) {
	failing := processorFunc(func(context.Context, []byte) (*model.Document, error) {
		return nil, censorErr(t)
	})
	rec := do(t, newTestRouter(failing), http.MethodPost, "/", `{}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := rec.Body.String(); got != `{"error":"Missing URL"}` {
		t.Errorf("body = %s", got)
	}
}

// censorErr produces a real *censor.Error through the public service surface.
func censorErr(t *testing.T) error {
	t.Helper()
	svc := censor.NewService(nil, nil, nil, nil, nil, telemetry.Noop().AppMetrics)
	_, err := svc.Process(context.Background(), []byte(`{}`))
	if err == nil {
		t.Fatal("expected an error")
	}
	return err
}

func TestRouter_UnknownErrorIsGeneric(t *testing.T) {
	failing := processorFunc(func(context.Context, []byte) (*model.Document, error) {
		return nil, context.DeadlineExceeded
	})
	rec := do(t, newTestRouter(failing), http.MethodPost, "/", `{"url":"u"}`)

	if rec.Code != http.StatusBadRequest || rec.Body.String() != `{"error":"Request Failed"}` {
		t.Errorf("got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_BodyTooLarge(t *testing.T) {
	called := false
	p := processorFunc(func(context.Context, []byte) (*model.Document, error) {
		called = true
		return nil, nil
	})
	rec := do(t, newTestRouter(p), http.MethodPost, "/", `{"url":"`+strings.Repeat("a", 2048)+`"}`)

	if rec.Code != http.StatusBadRequest || rec.Body.String() != `{"error":"Bad JSON"}` {
		t.Errorf("got %d %s", rec.Code, rec.Body.String())
	}
	if called {
		t.Error("processor called for an oversized body")
	}
}

func TestRouter_PanicIsRecovered(t *testing.T) {
	p := processorFunc(func(context.Context, []byte) (*model.Document, error) {
		panic("boom")
	})
	rec := do(t, newTestRouter(p), http.MethodPost, "/", `{"url":"u"}`)

	if rec.Code != http.StatusBadRequest || rec.Body.String() != `{"error":"Request Failed"}` {
		t.Errorf("got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_RequestIDIsPropagated(t *testing.T) {
	var seen string
	p := processorFunc(func(ctx context.Context, raw []byte) (*model.Document, error) {
		seen = model.RequestID(ctx)
		return echoCensor(ctx, raw)
	})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"url":"u"}`))
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	newTestRouter(p).ServeHTTP(rec, req)

	if seen != "req-123" {
		t.Errorf("request id in context = %q", seen)
	}
	if rec.Header().Get("X-Request-ID") != "req-123" {
		t.Errorf("response header = %q", rec.Header().Get("X-Request-ID"))
	}
}

func TestRouter_Ping(t *testing.T) {
	rec := do(t, newTestRouter(processorFunc(echoCensor)), http.MethodGet, "/ping", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	rec := do(t, newTestRouter(processorFunc(echoCensor)), http.MethodGet, "/", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

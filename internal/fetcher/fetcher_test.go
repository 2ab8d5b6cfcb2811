package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/IliaW/nsfw-gate/config"
	"github.com/IliaW/nsfw-gate/internal/model"
)

func testConfig() *config.HttpClientConfig {
	return &config.HttpClientConfig{
		RequestTimeout: 2 * time.Second,
		MaxBodyBytes:   1024,
		UserAgent:      "nsfw-gate-test",
	}
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain") // declared type is irrelevant
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\npayload"))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), testConfig())
	data, err := f.Fetch(context.Background(), &model.MediaRequest{URL: srv.URL + "/a.png"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "\x89PNG\r\n\x1a\npayload" {
		t.Errorf("data = %q", data)
	}
}

func TestFetch_ForwardsHeadersAndCookies(t *testing.T) {
	var gotReferer, gotSession, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		gotUA = r.Header.Get("User-Agent")
		if c, err := r.Cookie("session"); err == nil {
			gotSession = c.Value
		}
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), testConfig())
	_, err := f.Fetch(context.Background(), &model.MediaRequest{
		URL:     srv.URL,
		Headers: map[string]string{"Referer": "http://origin/", "User-Agent": "custom-agent"},
		Cookies: map[string]string{"session": "abc123"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotReferer != "http://origin/" {
		t.Errorf("Referer = %q", gotReferer)
	}
	if gotSession != "abc123" {
		t.Errorf("session cookie = %q", gotSession)
	}
	if gotUA != "custom-agent" {
		t.Errorf("User-Agent = %q, caller headers must win over the default", gotUA)
	}
}

func TestFetch_Non2xxIsAnError(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", status)
			}))
			defer srv.Close()

			f := NewFetcher(srv.Client(), testConfig())
			_, err := f.Fetch(context.Background(), &model.MediaRequest{URL: srv.URL})
			if !errors.Is(err, BadStatusError) {
				t.Fatalf("err = %v, want BadStatusError", err)
			}
		})
	}
}

func TestFetch_BodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("X", 2048)))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), testConfig())
	_, err := f.Fetch(context.Background(), &model.MediaRequest{URL: srv.URL})
	if !errors.Is(err, BodyTooLargeError) {
		t.Fatalf("err = %v, want BodyTooLargeError", err)
	}
}

func TestFetch_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), testConfig())
	_, err := f.Fetch(context.Background(), &model.MediaRequest{URL: srv.URL})
	if !errors.Is(err, EmptyBodyError) {
		t.Fatalf("err = %v, want EmptyBodyError", err)
	}
}

func TestFetch_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	f := NewFetcher(srv.Client(), cfg)

	start := time.Now()
	_, err := f.Fetch(context.Background(), &model.MediaRequest{URL: srv.URL})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("fetch took %s, timeout not enforced", elapsed)
	}
}

func TestNewHttpClient_VerifiesCertificatesByDefault(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	cfg := testConfig()
	f := NewFetcher(NewHttpClient(cfg), cfg)
	if _, err := f.Fetch(context.Background(), &model.MediaRequest{URL: srv.URL}); err == nil {
		t.Fatal("expected certificate verification error for self-signed server")
	}

	cfg.TlsInsecureSkipVerify = true
	f = NewFetcher(NewHttpClient(cfg), cfg)
	if _, err := f.Fetch(context.Background(), &model.MediaRequest{URL: srv.URL}); err != nil {
		t.Fatalf("insecure mode should accept self-signed certificate: %v", err)
	}
}

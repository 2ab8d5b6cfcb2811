package fetcher

import (
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"

	"github.com/IliaW/nsfw-gate/config"
)

// NewHttpClient builds the outbound client. Certificates are verified unless
// tls_insecure_skip_verify is explicitly enabled.
func NewHttpClient(cfg *config.HttpClientConfig) *http.Client {
	if cfg.TlsInsecureSkipVerify {
		slog.Warn("tls certificate verification is disabled for media downloads.")
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConnections,
		MaxIdleConnsPerHost: cfg.MaxIdleConnectionsPerHost,
		MaxConnsPerHost:     cfg.MaxConnectionsPerHost,
		IdleConnTimeout:     cfg.IdleConnectionTimeout,
		TLSHandshakeTimeout: cfg.TlsHandshakeTimeout,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.DialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TlsInsecureSkipVerify,
		},
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}
}

package server

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/IliaW/nsfw-gate/internal/censor"
	"github.com/IliaW/nsfw-gate/internal/model"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// requestID propagates X-Request-ID or generates one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(model.WithRequestID(r.Context(), id)))
	})
}

type captureWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	n, err := cw.ResponseWriter.Write(b)
	cw.bytes += n
	return n, err
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(cw, r)

		slog.Info("request done.",
			slog.String("request_id", model.RequestID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", cw.status),
			slog.Int("bytes", cw.bytes),
			slog.Duration("elapsed", time.Since(start)))
	})
}

// recoverJSON turns a panic into the generic 400 error body.
func recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				slog.Error("panic recovered.", slog.String("request_id", model.RequestID(r.Context())),
					slog.Any("panic", v), slog.String("stack", string(debug.Stack())))
				writeError(w, censor.MsgRequestFailed)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/IliaW/nsfw-gate/config"
	"github.com/IliaW/nsfw-gate/internal/censor"
	"github.com/IliaW/nsfw-gate/internal/model"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type Processor interface {
	Process(ctx context.Context, raw []byte) (*model.Document, error)
}

type errorBody struct {
	Error string `json:"error"`
}

func NewRouter(p Processor, cfg *config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(requestID)
	r.Use(accessLog)
	r.Use(recoverJSON)

	r.Post("/", censorHandler(p, cfg.MaxBodyBytes))
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("pong"))
	})

	return r
}

func censorHandler(p Processor, maxBodyBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				slog.Warn("request body too large.", slog.String("request_id", model.RequestID(r.Context())),
					slog.Int64("limit", tooLarge.Limit))
			}
			writeError(w, censor.MsgBadJSON)
			return
		}

		doc, err := p.Process(r.Context(), raw)
		if err != nil {
			writeError(w, censor.MessageOf(err))
			return
		}
		writeJSON(w, http.StatusOK, doc.Bytes())
	}
}

// writeError answers every failure with 400 and a single error field.
func writeError(w http.ResponseWriter, msg string) {
	body, err := json.Marshal(errorBody{Error: msg})
	if err != nil {
		body = []byte(`{"error":"Request Failed"}`)
	}
	writeJSON(w, http.StatusBadRequest, body)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Debug("failed to write response.", slog.String("err", err.Error()))
	}
}

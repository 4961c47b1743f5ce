package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"authmon/internal/config"
	"authmon/internal/normalize"
)

const maxBodyBytes = 2 << 20

type batchResponse struct {
	Accepted int      `json:"accepted"`
	Failed   int      `json:"failed"`
	Dropped  int      `json:"dropped,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Handler decodes POST bodies holding one event object or an array of
// them. A single rejected event answers 400 (503 when the queue is full);
// a batch always answers 200 with per-item counts.
type Handler struct {
	sink   Sink
	now    func() time.Time
	logger *slog.Logger
	source string
}

func NewHandler(sink Sink, now func() time.Time, logger *slog.Logger) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{sink: sink, now: now, logger: logger, source: "rest"}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	trim := bytesTrim(body)
	if len(trim) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	if trim[0] == '[' {
		var list []map[string]interface{}
		if err := decodeJSON(trim, &list); err != nil {
			writeError(w, http.StatusBadRequest, "decode: "+err.Error())
			return
		}
		var resp batchResponse
		for i, obj := range list {
			err := h.process(r.Context(), obj)
			switch {
			case err == nil:
				resp.Accepted++
			case errors.Is(err, ErrQueueFull):
				resp.Dropped++
			default:
				resp.Failed++
				if len(resp.Errors) < 20 {
					resp.Errors = append(resp.Errors, itemError(i, err))
				}
			}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	var obj map[string]interface{}
	if err := decodeJSON(trim, &obj); err != nil {
		writeError(w, http.StatusBadRequest, "decode: "+err.Error())
		return
	}
	if err := h.process(r.Context(), obj); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, batchResponse{Accepted: 1})
}

func (h *Handler) process(ctx context.Context, obj map[string]interface{}) error {
	ev, err := normalize.Normalize(*ParseJSONMap(obj), h.now)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("rest normalize error", "err", err)
		}
		return err
	}
	ev.Source = h.source
	return h.sink.Accept(ctx, ev)
}

// StartREST serves the ingest handler on its own listener, feeding sink.
func StartREST(ctx context.Context, cfg config.RESTConfig, sink Sink, now func() time.Time, logger *slog.Logger) *http.Server {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", cfg.Addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/events", NewHandler(sink, now, logger))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	httpServer := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func itemError(i int, err error) string {
	return "item " + strconv.Itoa(i) + ": " + err.Error()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func bytesTrim(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}

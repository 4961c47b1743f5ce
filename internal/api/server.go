package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"authmon/internal/config"
	"authmon/internal/ingest"
	"authmon/internal/model"
	"authmon/internal/monitor"
	"authmon/internal/scheduler"
)

const actorHeader = "X-Actor"

type Server struct {
	cfg      *config.Manager
	monitor  *monitor.Monitor
	logger   *slog.Logger
	version  string
	now      func() time.Time
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

type statusResponse struct {
	Status     string           `json:"status"`
	Time       string           `json:"time"`
	Version    string           `json:"version"`
	ConfigPath string           `json:"config_path"`
	Ingest     ingestStatus     `json:"ingest"`
	API        apiStatus        `json:"api"`
	Scheduler  scheduler.Status `json:"scheduler"`
	Rules      int              `json:"alert_rules"`
	Channels   []string         `json:"alert_channels"`
	Health     model.HealthTier `json:"tier"`
}

type ingestStatus struct {
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func NewServer(cfg *config.Manager, m *monitor.Monitor, logger *slog.Logger, version string) *Server {
	s := &Server{
		cfg:     cfg,
		monitor: m,
		logger:  logger,
		version: version,
		now:     time.Now,
	}
	s.requests = registerOrExisting(m.Registry(), prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authmon_http_requests_total",
		Help: "Total number of API requests.",
	}, []string{"method", "route", "status"}))
	s.duration = registerOrExisting(m.Registry(), prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authmon_http_request_duration_seconds",
		Help:    "Duration of API requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"}))
	return s
}

func registerOrExisting[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// Router builds the HTTP surface over the monitor.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	events := ingest.NewHandler(ingest.SinkFunc(func(_ context.Context, ev model.Event) error {
		return s.monitor.RecordEvent(ev)
	}), s.now, s.logger)
	r.Handle("/events", events).Methods(http.MethodPost)

	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.Handle("/metrics/prometheus", promhttp.HandlerFor(s.monitor.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/metrics/subjects/{id}", s.handleSubjectMetrics).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/checks", s.handleHealthChecks).Methods(http.MethodGet)
	r.HandleFunc("/health/history", s.handleHealthHistory).Methods(http.MethodGet)
	r.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/history", s.handleAlertHistory).Methods(http.MethodGet)
	r.HandleFunc("/alerts/rules", s.handleAlertRules).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{id}", s.handleAlert).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{id}/ack", s.handleAck).Methods(http.MethodPost)
	r.HandleFunc("/alerts/{id}/resolve", s.handleResolve).Methods(http.MethodPost)
	r.HandleFunc("/export", s.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/admin/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/admin/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/admin/clear", s.handleClear).Methods(http.MethodPost)
	return r
}

func Start(ctx context.Context, cfg *config.Manager, m *monitor.Monitor, logger *slog.Logger, version string) *http.Server {
	if cfg == nil || m == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, m, logger, version)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		s.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	channels := make([]string, 0, len(cfg.Alerts.Channels))
	for _, ch := range cfg.Alerts.Channels {
		if ch.Enabled {
			channels = append(channels, ch.Name)
		}
	}
	health := s.monitor.HealthStatus(r.Context())
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     string(health.Status),
		Time:       s.now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			REST:  cfg.Ingest.REST.Enabled,
			Kafka: cfg.Ingest.Kafka.Enabled,
		},
		API:       apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Scheduler: s.monitor.Status(),
		Rules:     len(s.monitor.AlertRules()),
		Channels:  channels,
		Health:    health.Tier,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	doc, err := s.monitor.Metrics("")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSubjectMetrics(w http.ResponseWriter, r *http.Request) {
	doc, err := s.monitor.Metrics(mux.Vars(r)["id"])
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, monitor.ErrUnknownSubject) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc := s.monitor.HealthStatus(r.Context())
	status := http.StatusOK
	if doc.Status == model.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, doc)
}

func (s *Server) handleHealthChecks(w http.ResponseWriter, r *http.Request) {
	names := r.URL.Query()["name"]
	overall := s.monitor.CheckHealth(r.Context(), names...)
	status := http.StatusOK
	if overall.Status == model.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, overall)
}

func (s *Server) handleHealthHistory(w http.ResponseWriter, r *http.Request) {
	list := s.monitor.HealthHistory(limitParam(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"history": list,
		"count":   len(list),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	severity := model.Severity(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("severity"))))
	if severity != "" && !severity.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown severity"))
		return
	}
	list := s.monitor.ActiveAlerts(severity)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	list := s.monitor.AlertHistory(limitParam(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleAlertRules(w http.ResponseWriter, _ *http.Request) {
	rules := s.monitor.AlertRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	a, ok := s.monitor.Alert(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("alert not found"))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type alertAction struct {
	Actor string `json:"actor"`
	Note  string `json:"note"`
}

func (s *Server) decodeAction(w http.ResponseWriter, r *http.Request) (alertAction, bool) {
	var req alertAction
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return req, false
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return req, false
		}
	}
	if req.Actor == "" {
		req.Actor = actor(r)
	}
	return req, true
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if !s.monitor.AcknowledgeAlert(id, req.Actor) {
		writeError(w, http.StatusNotFound, errors.New("no active alert with that id"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "id": id})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if !s.monitor.ResolveAlert(id, req.Actor, req.Note) {
		writeError(w, http.StatusNotFound, errors.New("no open alert with that id"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "id": id})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	out, err := s.monitor.ExportMetrics(r.Context(), r.URL.Query().Get("format"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, monitor.ErrUnknownFormat) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	w.Header().Set("Content-Type", out.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Body)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.monitor.Pause(actor(r))
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.monitor.Resume(actor(r))
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.monitor.Clear(actor(r))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func actor(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(actorHeader)); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.URL.Query().Get("actor")); v != "" {
		return v
	}
	return "api"
}

func limitParam(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

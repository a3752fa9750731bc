// Package server exposes gated location requests over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsgate/internal/config"
	"github.com/shaunagostinho/gpsgate/internal/gate"
	"github.com/shaunagostinho/gpsgate/internal/gps"
	"github.com/shaunagostinho/gpsgate/internal/obs"
)

// DefaultKind is formatted when a request names no kind.
const DefaultKind gate.RequestKind = "location"

// Server answers location requests, one gate.Params per HTTP request.
type Server struct {
	cfg       *config.Config
	locator   gate.Locator
	provider  string
	formatter gate.Formatter
	log       *zap.Logger
	metrics   *obs.Metrics
	gatherer  prometheus.Gatherer
}

// Deps are the collaborators of a Server. Only Locator is required.
type Deps struct {
	Locator   gate.Locator
	Provider  string // reported in responses
	Formatter gate.Formatter
	Log       *zap.Logger
	Metrics   *obs.Metrics
	Gatherer  prometheus.Gatherer
}

// LocationResponse is the body of /api/location.
type LocationResponse struct {
	Provider string        `json:"provider,omitempty"`
	State    string        `json:"state"`
	Location *gps.Location `json:"location"`
	Params   url.Values    `json:"params"`
}

// New creates a new Server.
func New(cfg *config.Config, d Deps) *Server {
	s := &Server{
		cfg:       cfg,
		locator:   d.Locator,
		provider:  d.Provider,
		formatter: d.Formatter,
		log:       d.Log,
		metrics:   d.Metrics,
		gatherer:  d.Gatherer,
	}
	if s.formatter == nil {
		s.formatter = gate.QueryFormatter{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("server")
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/location", s.handleLocation)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn("shutdown failed", zap.Error(err))
		}
	}()

	s.log.Info("listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := RequestFromQuery(s.cfg.RequestDefaults(), r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	kind := DefaultKind
	if k := r.URL.Query().Get("kind"); k != "" {
		kind = gate.RequestKind(k)
	}

	p := NewParams(s.locator, s.formatter, req, s.log, s.metrics)
	params, err := p.Format(r.Context(), kind)
	if err != nil {
		s.log.Debug("format failed", zap.String("kind", string(kind)), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, Response(s.provider, p, params))
}

// NewParams builds the gate for one request from resolved settings.
func NewParams(loc gate.Locator, f gate.Formatter, req config.RequestConfig, log *zap.Logger, m *obs.Metrics) *gate.Params {
	opts := []gate.Option{
		gate.WithLogger(log),
		gate.WithMetrics(m),
		gate.WithRequired(req.Required),
		gate.WithTimeout(req.WaitTimeout()),
	}
	if req.WantsFresh() {
		opts = append(opts, gate.WithPriority(req.Priority))
	}
	return gate.New(loc, f, opts...)
}

// Response describes a formatted gate.
func Response(provider string, p *gate.Params, params url.Values) LocationResponse {
	resp := LocationResponse{
		Provider: provider,
		State:    p.State().String(),
		Params:   params,
	}
	if loc, ok := p.Location(); ok {
		resp.Location = &loc
	}
	return resp
}

// RequestFromQuery applies mode, priority, required and timeout_ms
// overrides to the configured defaults.
func RequestFromQuery(req config.RequestConfig, q url.Values) (config.RequestConfig, error) {
	if v := q.Get("priority"); v != "" {
		p, err := gps.ParsePriority(v)
		if err != nil {
			return req, err
		}
		req.Priority = p
		req.Fresh = true
	}
	switch q.Get("mode") {
	case "":
	case "current":
		req.Fresh = true
	case "last_known":
		req.Fresh = false
		req.Priority = gps.PriorityDefault
	default:
		return req, errors.New("mode must be last_known or current")
	}
	if v := q.Get("required"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, errors.New("required must be a boolean")
		}
		req.Required = b
	}
	if v := q.Get("timeout_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return req, errors.New("timeout_ms must be a positive integer")
		}
		req.WaitTimeoutMs = n
	}
	return req, nil
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateRequestFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if s.cfg.Path() != "" {
			if err := s.cfg.Save(); err != nil {
				s.log.Warn("config save failed", zap.Error(err))
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

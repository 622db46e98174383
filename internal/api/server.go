package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/laoshu133/html2image-cdp/internal/browser"
	"github.com/laoshu133/html2image-cdp/internal/capture"
	"github.com/laoshu133/html2image-cdp/internal/config"
	"github.com/laoshu133/html2image-cdp/internal/errs"
	"github.com/laoshu133/html2image-cdp/internal/metrics"
	"github.com/laoshu133/html2image-cdp/internal/pool"
	"github.com/laoshu133/html2image-cdp/internal/render"
	"github.com/laoshu133/html2image-cdp/internal/service"
	"github.com/laoshu133/html2image-cdp/internal/stats"
)

// maxBodyBytes bounds request bodies, inline HTML included.
const maxBodyBytes = 16 << 20

// Shooter renders and stores shots. *service.Service implements it.
type Shooter interface {
	Shoot(ctx context.Context, cfg render.Config) (*service.Shot, error)
	Clean(ctx context.Context) (int, error)
}

// SessionPool is the slice of *pool.Pool the API needs.
type SessionPool interface {
	Stats() pool.Stats
	Reset(ctx context.Context) int
}

// TargetLister reports the browser's open tabs. *browser.CDPBrowser
// implements it.
type TargetLister interface {
	Targets(ctx context.Context) ([]browser.TargetInfo, error)
}

// SharedCounts reads cross-process shot counts. *stats.Redis implements it.
type SharedCounts interface {
	Snapshot(ctx context.Context) (stats.Counts, error)
}

// Deps are the Server's collaborators. Shots, Sessions and Counters are
// required; the rest are optional.
type Deps struct {
	Shots    Shooter
	Sessions SessionPool
	Counters *stats.Counters
	Shared   SharedCounts
	Targets  TargetLister
	// Files serves stored artifacts under /file/; nil leaves the route out.
	Files  http.Handler
	Logger *zap.Logger
}

// Server wires HTTP handlers to the shot service and the session pool.
type Server struct {
	router   chi.Router
	deps     Deps
	settings render.Settings
	cfg      config.Config
	logger   *zap.Logger
	started  time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Counters == nil {
		deps.Counters = &stats.Counters{}
	}
	s := &Server{
		deps:     deps,
		settings: cfg.RenderSettings(),
		cfg:      cfg,
		logger:   logger.Named("api"),
		started:  time.Now(),
	}

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger, cfg.Logging.Development))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/", s.shot)
		r.Post("/", s.shot)
		r.Get("/status", s.status)
		r.Get("/reset", s.reset)
		r.Post("/reset", s.reset)
		r.Get("/clean", s.clean)
		r.Post("/clean", s.clean)
		if deps.Files != nil {
			r.Handle("/file/*", http.StripPrefix("/file", deps.Files))
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready while the pool can still admit work.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Sessions.Stats().Closed {
		writeJSON(s.logger, w, http.StatusServiceUnavailable, map[string]string{"status": "closed"})
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

type shotResponse struct {
	ID       string          `json:"id"`
	Image    string          `json:"image"`
	Images   []string        `json:"images"`
	Metadata render.Metadata `json:"metadata"`
	Elapsed  int64           `json:"elapsed"`
}

func (s *Server) shot(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(w, r)
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindConfig, err, "invalid request"))
		return
	}
	cfg, err := render.Normalize(req, s.settings)
	if err != nil {
		s.writeError(w, err)
		return
	}

	shot, err := s.deps.Shots.Shoot(r.Context(), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if cfg.DataType != render.DataJSON && len(shot.Result.Outputs) > 0 {
		out := shot.Result.Outputs[0]
		w.Header().Set("Content-Type", out.MIME)
		w.Header().Set("Content-Length", strconv.Itoa(len(out.Buffer)))
		w.Header().Set("X-Shot-ID", shot.ID)
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out.Buffer); err != nil {
			s.logger.Warn("write artifact failed", zap.String("shot_id", shot.ID), zap.Error(err))
		}
		return
	}

	resp := shotResponse{
		ID:       shot.ID,
		Images:   shot.URLs,
		Metadata: shot.Result.Metadata,
		Elapsed:  shot.Result.Elapsed.Milliseconds(),
	}
	if resp.Images == nil {
		resp.Images = []string{}
	}
	if resp.Metadata.Crops == nil {
		resp.Metadata.Crops = []capture.Rect{}
	}
	if len(shot.URLs) > 0 {
		resp.Image = shot.URLs[0]
	}
	writeJSON(s.logger, w, http.StatusOK, resp)
}

// decodeRequest reads query parameters, a form body or a JSON body.
func decodeRequest(w http.ResponseWriter, r *http.Request) (render.Request, error) {
	if r.Method != http.MethodPost {
		return render.RequestFromValues(r.URL.Query())
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/json" {
		var req render.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return render.Request{}, fmt.Errorf("invalid JSON: %w", err)
		}
		return req, nil
	}
	if err := r.ParseForm(); err != nil {
		return render.Request{}, fmt.Errorf("invalid form: %w", err)
	}
	return render.RequestFromValues(r.Form)
}

type statusResponse struct {
	Status  string        `json:"status"`
	Uptime  int64         `json:"uptime"`
	Shots   stats.Counts  `json:"shots"`
	Shared  *stats.Counts `json:"shared,omitempty"`
	Pool    pool.Stats    `json:"pool"`
	Targets *int          `json:"targets,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.started).Seconds()),
		Shots:  s.deps.Counters.Snapshot(),
		Pool:   s.deps.Sessions.Stats(),
	}
	if s.deps.Shared != nil {
		counts, err := s.deps.Shared.Snapshot(r.Context())
		if err != nil {
			s.logger.Warn("read shared counts failed", zap.Error(err))
		} else {
			resp.Shared = &counts
		}
	}
	if s.deps.Targets != nil {
		targets, err := s.deps.Targets.Targets(r.Context())
		if err != nil {
			s.logger.Warn("list targets failed", zap.Error(err))
		} else {
			n := len(targets)
			resp.Targets = &n
		}
	}
	writeJSON(s.logger, w, http.StatusOK, resp)
}

func forced(r *http.Request) bool {
	n, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("force")))
	return err == nil && n >= 1
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if !forced(r) {
		writeJSON(s.logger, w, http.StatusForbidden, map[string]string{"error": "Not allowed"})
		return
	}
	removed := s.deps.Sessions.Reset(r.Context())
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"status": "success", "removed": removed})
}

func (s *Server) clean(w http.ResponseWriter, r *http.Request) {
	if !forced(r) {
		writeJSON(s.logger, w, http.StatusForbidden, map[string]string{"error": "Not allowed"})
		return
	}
	removed, err := s.deps.Shots.Clean(r.Context())
	if errors.Is(err, service.ErrCleanUnsupported) {
		writeJSON(s.logger, w, http.StatusNotImplemented, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"status": "success", "removed": removed})
}

type errorResponse struct {
	Error string    `json:"error"`
	Kind  errs.Kind `json:"kind"`
	Stack []string  `json:"stack,omitempty"`
}

// writeError maps err's Kind onto a status code. Development builds add the
// wrapped error chain.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)
	if errors.Is(err, context.DeadlineExceeded) && !errs.Classified(err) {
		status = http.StatusGatewayTimeout
	}
	resp := errorResponse{Error: err.Error(), Kind: kind}
	if s.cfg.Logging.Development {
		resp.Stack = chain(err)
	}
	writeJSON(s.logger, w, status, resp)
}

func chain(err error) []string {
	var out []string
	for err != nil {
		out = append(out, fmt.Sprintf("%T: %v", err, err))
		err = errors.Unwrap(err)
	}
	return out
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

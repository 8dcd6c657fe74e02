package licenseserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/kdyw/my-tv/internal/config"
	apierrors "github.com/kdyw/my-tv/internal/errors"
	"github.com/kdyw/my-tv/internal/infrastructure"
	"github.com/kdyw/my-tv/internal/middleware"
	"github.com/kdyw/my-tv/internal/security"
)

// Response codes in the body of a verification answer.
const (
	CodeApproved = 200
	CodeDenied   = 403
)

// VerifyRequest is the body of POST <verify_path>.
type VerifyRequest struct {
	AndroidIDStr string `json:"androidIdStr" validate:"required,max=256"`
	AuthCode     string `json:"authCode" validate:"max=256"`
}

// VerifyResponse is the answer body. Data is present only on approval.
type VerifyResponse struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data *VerifyData `json:"data,omitempty"`
}

// VerifyData carries the grant details.
type VerifyData struct {
	RemainingDays int    `json:"remaining_days"`
	Config        string `json:"config,omitempty"`
}

// TimestampResponse is the mtop getTimestamp shape.
type TimestampResponse struct {
	API  string   `json:"api"`
	V    string   `json:"v"`
	Ret  []string `json:"ret"`
	Data struct {
		T string `json:"t"`
	} `json:"data"`
}

// Option configures a Server.
type Option func(*Server)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithTelemetry instruments requests with the given tracer and meter.
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(s *Server) {
		s.tracer = tracer
		s.meter = meter
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithRateLimit limits requests across all clients.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rps = rps
		s.burst = burst
	}
}

// Server answers verification and timestamp requests.
type Server struct {
	cfg      config.ServerConfig
	registry *Registry
	cipher   *security.ConfigCipher
	now      func() time.Time
	logger   *slog.Logger
	validate *validator.Validate

	tracer         trace.Tracer
	meter          metric.Meter
	metricsHandler http.Handler
	rps            float64
	burst          int

	verifications metric.Int64Counter
	router        chi.Router
}

// New builds a server. A nil cipher sends approvals without a config
// payload.
func New(cfg config.ServerConfig, cipher *security.ConfigCipher, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.VerifyPath == "" {
		cfg.VerifyPath = config.DefaultVerifyPath
	}

	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(cfg.Codes, cfg.TrialDays),
		cipher:   cipher,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "license_server")),
		validate: validator.New(),
		tracer:   tracenoop.NewTracerProvider().Tracer(infrastructure.MeterName),
		meter:    metricnoop.NewMeterProvider().Meter(infrastructure.MeterName),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	s.verifications, err = s.meter.Int64Counter("mytv_server_verifications_total",
		metric.WithDescription("Verification requests answered by the development server"))
	if err != nil {
		return nil, fmt.Errorf("create verification counter: %w", err)
	}

	otelmw, err := middleware.NewOTel(s.tracer, s.meter)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(otelmw.Handler)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewRateLimiter(s.rps, s.burst, s.logger).Handler)
		r.Post(cfg.VerifyPath, s.handleVerify)
		r.Get(config.DefaultTimestampPath, s.handleTimestamp)
	})
	if cfg.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/codes/{code}/ban", s.handleBan)
		})
	}
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = render.Render(w, r, apierrors.ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = render.Render(w, r, apierrors.ErrMethodNotAllowed)
	})
	s.router = r

	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry exposes the code table.
func (s *Server) Registry() *Registry {
	return s.registry
}

// ListenAndServe serves on cfg.Addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "License server listening",
			slog.String("addr", s.cfg.Addr),
			slog.String("verify_path", s.cfg.VerifyPath))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("License server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VerifyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.logger.WarnContext(ctx, "Malformed verification request", slog.String("error", err.Error()))
		_ = render.Render(w, r, apierrors.ErrInvalidRequest)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		_ = render.Render(w, r, apierrors.ErrValidation(validationDetails(err)))
		return
	}

	d := s.registry.Check(req.AuthCode, req.AndroidIDStr, s.now())
	resp := VerifyResponse{Code: CodeDenied, Msg: d.Reason}
	if d.Approved {
		resp = VerifyResponse{Code: CodeApproved, Msg: "ok", Data: &VerifyData{RemainingDays: d.RemainingDays}}
		if cfg, err := s.configPayload(); err != nil {
			s.logger.ErrorContext(ctx, "Failed to encrypt config payload", slog.String("error", err.Error()))
		} else {
			resp.Data.Config = cfg
		}
	}

	result := "approved"
	if !d.Approved {
		result = "denied"
	}
	s.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.Bool("trial", req.AuthCode == "")))
	s.logger.InfoContext(ctx, "Verification answered",
		slog.String("device_id", req.AndroidIDStr),
		slog.String("license_key", infrastructure.MaskLicenseKey(req.AuthCode)),
		slog.String("result", result),
		slog.String("reason", d.Reason),
		slog.Int("remaining_days", d.RemainingDays))

	render.JSON(w, r, resp)
}

// configPayload encrypts the configured payload, or returns "" when there
// is nothing to send.
func (s *Server) configPayload() (string, error) {
	if s.cipher == nil || s.cfg.Payload == "" {
		return "", nil
	}
	ct, err := s.cipher.Encrypt(s.cfg.Payload)
	if err != nil {
		return "", err
	}
	return security.ConfigPrefix + ct, nil
}

// requireAdmin accepts only requests carrying the configured bearer token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	want := []byte("Bearer " + s.cfg.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			s.logger.WarnContext(r.Context(), "Rejected admin request",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))
			_ = render.Render(w, r, apierrors.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleBan disables a code; later verifications of it are denied.
func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if !s.registry.Ban(code) {
		_ = render.Render(w, r, apierrors.ErrNotFound)
		return
	}
	s.logger.InfoContext(r.Context(), "License code banned",
		slog.String("action", "ban"),
		slog.String("license_key", infrastructure.MaskLicenseKey(code)))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"code": code, "status": "banned"})
}

func (s *Server) handleTimestamp(w http.ResponseWriter, r *http.Request) {
	var resp TimestampResponse
	resp.API = "mtop.common.getTimestamp"
	resp.V = "*"
	resp.Ret = []string{"SUCCESS::接口调用成功"}
	resp.Data.T = strconv.FormatInt(s.now().UnixMilli(), 10)
	render.JSON(w, r, resp)
}

func validationDetails(err error) []apierrors.ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []apierrors.ValidationError{{Message: err.Error()}}
	}
	out := make([]apierrors.ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, apierrors.ValidationError{
			Field:   fe.Field(),
			Message: fmt.Sprintf("failed '%s'", fe.Tag()),
		})
	}
	return out
}

package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kdyw/my-tv/internal/config"
	licenseErrors "github.com/kdyw/my-tv/internal/errors"
	"github.com/kdyw/my-tv/internal/infrastructure"
	"github.com/kdyw/my-tv/internal/security"
	"github.com/kdyw/my-tv/internal/shared"
)

// MaxResponseBody bounds how much of a verification response is read.
const MaxResponseBody = 1 << 20

// successCode is the only response code that approves a request.
const successCode = 200

// OutcomeKind classifies a verification result
type OutcomeKind int

const (
	OutcomeApproved OutcomeKind = iota + 1
	OutcomeRejected
	OutcomeNetworkError
	OutcomeProtocolError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeApproved:
		return "approved"
	case OutcomeRejected:
		return "rejected"
	case OutcomeNetworkError:
		return "network_error"
	case OutcomeProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one verification request. Err is set
// for every kind except OutcomeApproved.
type Outcome struct {
	Kind            OutcomeKind
	StatusCode      int // code field of the response body
	Message         string
	RemainingDays   int
	EncryptedConfig string
	Err             error
}

// DeviceIDProvider supplies the device fingerprint sent with each request.
type DeviceIDProvider interface {
	DeviceID() string
}

// verifyRequest is the wire body. Field names are fixed by the server.
type verifyRequest struct {
	AndroidIDStr string `json:"androidIdStr"`
	AuthCode     string `json:"authCode"`
}

type verifyResponse struct {
	Code *shared.FlexInt `json:"code"`
	Msg  json.RawMessage `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type verifyData struct {
	RemainingDays shared.FlexInt `json:"remaining_days"`
	Config        string         `json:"config"`
}

// Client performs verification requests and classifies their results. It
// neither persists nor decrypts anything.
type Client struct {
	http    *resty.Client
	url     string
	device  DeviceIDProvider
	logger  *slog.Logger
	metrics *Metrics
}

// ClientOption customizes a Client
type ClientOption func(*Client)

// WithClientMetrics records verification metrics.
func WithClientMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient builds a client for the configured endpoint. Configured SPKI
// pins are enforced on TLS connections.
func NewClient(cfg config.LicenseConfig, device DeviceIDProvider, logger *slog.Logger, opts ...ClientOption) (*Client, error) {
	if cfg.URL == "" {
		return nil, licenseErrors.Config("license.new_client", "license url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultLicenseTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.UserAgent != "" {
		httpClient.SetHeader("User-Agent", cfg.UserAgent)
	}

	if len(cfg.PinnedSPKI) > 0 {
		pinner, err := security.NewCertificatePinner(cfg.PinnedSPKI)
		if err != nil {
			return nil, licenseErrors.Config("license.new_client", err.Error())
		}
		httpClient.SetTLSClientConfig(pinner.TLSConfig())
	}

	c := &Client{
		http:    httpClient,
		url:     cfg.URL,
		device:  device,
		logger:  logger.With(slog.String("component", "license_client")),
		metrics: NoopMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Verify posts code with the device fingerprint. An empty code requests a
// trial. The call honors ctx cancellation and the configured timeout.
func (c *Client) Verify(ctx context.Context, code string) Outcome {
	trial := code == ""
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.verify",
		trace.WithAttributes(
			attribute.Bool("license.trial", trial),
			attribute.String("license.key_prefix", infrastructure.MaskLicenseKey(code)),
		),
	)
	defer span.End()

	start := time.Now()
	out := c.verify(ctx, code)
	duration := time.Since(start)

	c.metrics.recordVerification(ctx, out, trial, duration)
	span.SetAttributes(
		attribute.String("license.outcome", out.Kind.String()),
		attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
	)

	attrs := []any{
		slog.String("action", "verify"),
		slog.String("license_key", infrastructure.MaskLicenseKey(code)),
		slog.String("outcome", out.Kind.String()),
		slog.Duration("duration", duration),
	}
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		attrs = append(attrs, slog.String("error", out.Err.Error()))
		if out.Kind == OutcomeRejected {
			c.logger.InfoContext(ctx, "License code rejected", attrs...)
		} else {
			c.logger.WarnContext(ctx, "License verification failed", attrs...)
		}
		return out
	}

	span.SetStatus(codes.Ok, "approved")
	c.logger.InfoContext(ctx, "License verification approved",
		append(attrs, slog.Int("remaining_days", out.RemainingDays))...)
	return out
}

func (c *Client) verify(ctx context.Context, code string) Outcome {
	const op = "license.verify"

	deviceID := security.UnknownDeviceID
	if c.device != nil {
		deviceID = c.device.DeviceID()
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(verifyRequest{AndroidIDStr: deviceID, AuthCode: code}).
		SetDoNotParseResponse(true).
		Post(c.url)
	if err != nil {
		return failure(OutcomeNetworkError, licenseErrors.Network(op, err))
	}
	body := resp.RawBody()
	defer body.Close()

	if status := resp.StatusCode(); status < 200 || status > 299 {
		return failure(OutcomeProtocolError,
			licenseErrors.Protocol(op, fmt.Sprintf("unexpected HTTP status %d", status), nil))
	}

	data, err := io.ReadAll(io.LimitReader(body, MaxResponseBody+1))
	if err != nil {
		return failure(OutcomeNetworkError, licenseErrors.Network(op, err))
	}
	if len(data) > MaxResponseBody {
		return failure(OutcomeProtocolError,
			licenseErrors.Protocol(op, "response body exceeds limit", nil))
	}

	return classify(op, data)
}

// classify maps a 2xx response body onto an outcome.
func classify(op string, data []byte) Outcome {
	var resp verifyResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return failure(OutcomeProtocolError, licenseErrors.Protocol(op, "malformed response body", err))
	}
	if resp.Code == nil {
		return failure(OutcomeProtocolError, licenseErrors.Protocol(op, "response has no code", nil))
	}

	msg := looseString(resp.Msg)
	code := resp.Code.Int()

	if code != successCode {
		out := failure(OutcomeRejected, licenseErrors.Rejected(op, msg))
		out.StatusCode = code
		out.Message = msg
		return out
	}

	out := Outcome{Kind: OutcomeApproved, StatusCode: code, Message: msg}
	if d, ok := decodeData(resp.Data); ok {
		out.RemainingDays = d.RemainingDays.Int()
		out.EncryptedConfig = strings.TrimSpace(d.Config)
	}
	return out
}

// decodeData accepts only a JSON object; anything else means no data.
func decodeData(raw json.RawMessage) (verifyData, bool) {
	var d verifyData
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return d, false
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return verifyData{}, false
	}
	return d, true
}

// looseString returns a JSON string's value, "" for null or absent, and the
// raw text for any other JSON value.
func looseString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func failure(kind OutcomeKind, err error) Outcome {
	return Outcome{Kind: kind, Err: err}
}

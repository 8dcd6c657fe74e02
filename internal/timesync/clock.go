// Package timesync anchors local time to a remote time source so that trial
// periods cannot be extended by winding the device clock back.
package timesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/kdyw/my-tv/internal/config"
	"github.com/kdyw/my-tv/internal/shared"
)

// maxTimeBody bounds the time source response.
const maxTimeBody = 64 << 10

// timestampResponse is the mtop getTimestamp shape: {"data":{"t":"<ms>"}}.
type timestampResponse struct {
	Data struct {
		T shared.FlexInt `json:"t"`
	} `json:"data"`
}

// TrustedClock corrects local time by an offset measured once against a
// remote source. A failed measurement leaves the offset at zero.
type TrustedClock struct {
	client  *resty.Client
	url     string
	enabled bool
	loc     *time.Location
	logger  *slog.Logger
	now     func() time.Time

	syncs   metric.Int64Counter
	offsetG metric.Int64Gauge

	once   sync.Once
	mu     sync.RWMutex
	offset time.Duration
	synced bool
}

// Option customizes a TrustedClock
type Option func(*TrustedClock)

// WithLocalClock replaces time.Now as the local time source.
func WithLocalClock(now func() time.Time) Option {
	return func(c *TrustedClock) { c.now = now }
}

// WithMeter records sync results and the measured offset.
func WithMeter(m metric.Meter) Option {
	return func(c *TrustedClock) {
		c.syncs, _ = m.Int64Counter("mytv_clock_sync_total",
			metric.WithDescription("Remote clock synchronization attempts by result"))
		c.offsetG, _ = m.Int64Gauge("mytv_clock_offset_ms",
			metric.WithDescription("Local minus remote time in milliseconds"),
			metric.WithUnit("ms"))
	}
}

// New builds a clock from configuration. The remote fetch happens in Init.
func New(cfg config.ClockConfig, logger *slog.Logger, opts ...Option) (*TrustedClock, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loc := time.Local
	if cfg.Location != "" {
		l, err := time.LoadLocation(cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("load clock location %q: %w", cfg.Location, err)
		}
		loc = l
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		DisableKeepAlives:     true,
	}

	m := noop.NewMeterProvider().Meter("timesync")
	c := &TrustedClock{
		client: resty.New().
			SetTransport(transport).
			SetTimeout(cfg.ConnectTimeout+cfg.ReadTimeout).
			SetHeader("Accept", "application/json"),
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		loc:     loc,
		logger:  logger.With(slog.String("component", "trusted_clock")),
		now:     time.Now,
	}
	c.syncs, _ = m.Int64Counter("mytv_clock_sync_total")
	c.offsetG, _ = m.Int64Gauge("mytv_clock_offset_ms")

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Init samples the remote clock once. It never returns an error and never
// blocks beyond the configured timeouts; later calls are no-ops.
func (c *TrustedClock) Init(ctx context.Context) {
	c.once.Do(func() {
		if !c.enabled {
			c.logger.DebugContext(ctx, "Remote clock disabled")
			return
		}

		remote, err := c.fetch(ctx)
		if err != nil {
			c.syncs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failure")))
			c.logger.WarnContext(ctx, "Remote clock unavailable, using local time",
				slog.String("action", "clock_sync"),
				slog.String("error", err.Error()))
			return
		}

		c.SetReference(remote)
		off := c.Offset()
		c.syncs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "success")))
		c.offsetG.Record(ctx, off.Milliseconds())
		c.logger.InfoContext(ctx, "Remote clock synchronized",
			slog.String("action", "clock_sync"),
			slog.Duration("offset", off))
	})
}

func (c *TrustedClock) fetch(ctx context.Context) (time.Time, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(c.url)
	if err != nil {
		return time.Time{}, fmt.Errorf("request time source: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return time.Time{}, fmt.Errorf("time source returned status %d", resp.StatusCode())
	}

	data, err := io.ReadAll(io.LimitReader(body, maxTimeBody))
	if err != nil {
		return time.Time{}, fmt.Errorf("read time source: %w", err)
	}

	var ts timestampResponse
	if err := json.Unmarshal(data, &ts); err != nil {
		return time.Time{}, fmt.Errorf("decode time source: %w", err)
	}
	if ts.Data.T <= 0 {
		return time.Time{}, fmt.Errorf("time source returned no timestamp")
	}
	return time.UnixMilli(int64(ts.Data.T)), nil
}

// SetReference anchors the clock to a known-good remote time.
func (c *TrustedClock) SetReference(remote time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = c.now().Sub(remote)
	c.synced = true
}

// Now returns local time corrected by the measured offset.
func (c *TrustedClock) Now() time.Time {
	c.mu.RLock()
	off := c.offset
	c.mu.RUnlock()
	return c.now().Add(-off).In(c.loc)
}

// Unix returns the trusted time in seconds.
func (c *TrustedClock) Unix() int64 {
	return c.Now().Unix()
}

// Format renders the trusted time in the configured location.
func (c *TrustedClock) Format(layout string) string {
	return c.Now().Format(layout)
}

// Offset returns local minus remote time; zero until a sample succeeds.
func (c *TrustedClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Synced reports whether a remote sample was applied.
func (c *TrustedClock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	TracerName = "github.com/kdyw/my-tv/internal/license"
	MeterName  = "github.com/kdyw/my-tv/internal/license"
)

// Metrics holds the license gate instruments
type Metrics struct {
	VerifyAttempts   metric.Int64Counter
	VerifyDuration   metric.Float64Histogram
	DecryptFailures  metric.Int64Counter
	StoreErrors      metric.Int64Counter
	Authorizations   metric.Int64Counter
	DiscardedResults metric.Int64Counter
}

// NewMetrics creates the instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.VerifyAttempts, err = meter.Int64Counter(
		"mytv_license_verify_total",
		metric.WithDescription("License verifications by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify counter: %w", err)
	}

	m.VerifyDuration, err = meter.Float64Histogram(
		"mytv_license_verify_duration_seconds",
		metric.WithDescription("License verification round trip duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify duration histogram: %w", err)
	}

	m.DecryptFailures, err = meter.Int64Counter(
		"mytv_license_config_decrypt_failures_total",
		metric.WithDescription("Config payloads that could not be decrypted"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decrypt failures counter: %w", err)
	}

	m.StoreErrors, err = meter.Int64Counter(
		"mytv_license_store_errors_total",
		metric.WithDescription("Credential store failures by operation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store errors counter: %w", err)
	}

	m.Authorizations, err = meter.Int64Counter(
		"mytv_license_authorizations_total",
		metric.WithDescription("Sessions authorized, by grant type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorizations counter: %w", err)
	}

	m.DiscardedResults, err = meter.Int64Counter(
		"mytv_license_discarded_results_total",
		metric.WithDescription("Verification results dropped after session teardown"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discarded results counter: %w", err)
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

func (m *Metrics) recordVerification(ctx context.Context, out Outcome, trial bool, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", out.Kind.String()),
		attribute.Bool("trial", trial),
	)
	m.VerifyAttempts.Add(ctx, 1, attrs)
	m.VerifyDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) recordStoreError(ctx context.Context, op string) {
	m.StoreErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

func (m *Metrics) recordAuthorization(ctx context.Context, trial bool) {
	grant := "license"
	if trial {
		grant = "trial"
	}
	m.Authorizations.Add(ctx, 1, metric.WithAttributes(attribute.String("grant", grant)))
}

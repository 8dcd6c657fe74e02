package license

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdyw/my-tv/internal/config"
	licenseErrors "github.com/kdyw/my-tv/internal/errors"
	"github.com/kdyw/my-tv/internal/security"
	"github.com/kdyw/my-tv/internal/shared/testutil"
)

type staticDevice string

func (d staticDevice) DeviceID() string { return string(d) }

func newTestClient(t *testing.T, url string, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(config.LicenseConfig{URL: url, Timeout: 2 * time.Second, UserAgent: "my-tv-test"},
		staticDevice("device-1"), nil, opts...)
	require.NoError(t, err)
	return c
}

func TestClientClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   OutcomeKind
		wantDays   int
		wantConfig string
		wantMsg    string
		wantErr    error
	}{
		{
			name:     "approved without config",
			status:   http.StatusOK,
			body:     testutil.ApprovedBody(30, ""),
			wantKind: OutcomeApproved,
			wantDays: 30,
		},
		{
			name:       "approved with config",
			status:     http.StatusOK,
			body:       testutil.ApprovedBody(3, "ENC:abcd"),
			wantKind:   OutcomeApproved,
			wantDays:   3,
			wantConfig: "ENC:abcd",
		},
		{
			name:     "numbers as strings",
			status:   http.StatusOK,
			body:     `{"code":"200","msg":"ok","data":{"remaining_days":"12"}}`,
			wantKind: OutcomeApproved,
			wantDays: 12,
		},
		{
			name:     "missing data",
			status:   http.StatusOK,
			body:     `{"code":200,"msg":"ok"}`,
			wantKind: OutcomeApproved,
		},
		{
			name:     "data is an empty array",
			status:   http.StatusOK,
			body:     `{"code":200,"msg":"ok","data":[]}`,
			wantKind: OutcomeApproved,
		},
		{
			name:     "rejected expired",
			status:   http.StatusOK,
			body:     testutil.RejectedBody(403, "expired"),
			wantKind: OutcomeRejected,
			wantMsg:  "expired",
			wantErr:  licenseErrors.ErrRejected,
		},
		{
			name:     "rejected with array data",
			status:   http.StatusOK,
			body:     `{"code":404,"msg":"invalid code","data":[]}`,
			wantKind: OutcomeRejected,
			wantMsg:  "invalid code",
			wantErr:  licenseErrors.ErrRejected,
		},
		{
			name:     "non 2xx status",
			status:   http.StatusBadGateway,
			body:     `bad gateway`,
			wantKind: OutcomeProtocolError,
			wantErr:  licenseErrors.ErrProtocol,
		},
		{
			name:     "non 2xx status with valid body",
			status:   http.StatusInternalServerError,
			body:     testutil.ApprovedBody(30, ""),
			wantKind: OutcomeProtocolError,
			wantErr:  licenseErrors.ErrProtocol,
		},
		{
			name:     "malformed body",
			status:   http.StatusOK,
			body:     `<html>maintenance</html>`,
			wantKind: OutcomeProtocolError,
			wantErr:  licenseErrors.ErrProtocol,
		},
		{
			name:     "missing code",
			status:   http.StatusOK,
			body:     `{"msg":"ok"}`,
			wantKind: OutcomeProtocolError,
			wantErr:  licenseErrors.ErrProtocol,
		},
		{
			name:     "non numeric code",
			status:   http.StatusOK,
			body:     `{"code":"ok"}`,
			wantKind: OutcomeProtocolError,
			wantErr:  licenseErrors.ErrProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := testutil.NewLicenseStub(t, testutil.Respond(tt.status, tt.body))

			out := newTestClient(t, stub.URL()).Verify(context.Background(), "CODE-1234")

			assert.Equal(t, tt.wantKind, out.Kind)
			assert.Equal(t, tt.wantDays, out.RemainingDays)
			assert.Equal(t, tt.wantConfig, out.EncryptedConfig)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, out.Message)
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, out.Err, tt.wantErr)
			} else {
				assert.NoError(t, out.Err)
			}
		})
	}
}

func TestClientRequestBody(t *testing.T) {
	stub := testutil.NewLicenseStub(t, testutil.Respond(http.StatusOK, testutil.ApprovedBody(3, "")))
	c := newTestClient(t, stub.URL())

	c.Verify(context.Background(), "")
	c.Verify(context.Background(), "CODE-1234")

	assert.Equal(t, []testutil.VerifyRequest{
		{AndroidIDStr: "device-1", AuthCode: ""},
		{AndroidIDStr: "device-1", AuthCode: "CODE-1234"},
	}, stub.Requests())
}

func TestClientUnknownDevice(t *testing.T) {
	stub := testutil.NewLicenseStub(t, testutil.Respond(http.StatusOK, testutil.ApprovedBody(3, "")))
	c, err := NewClient(config.LicenseConfig{URL: stub.URL()}, nil, nil)
	require.NoError(t, err)

	c.Verify(context.Background(), "")
	require.Len(t, stub.Requests(), 1)
	assert.Equal(t, security.UnknownDeviceID, stub.Requests()[0].AndroidIDStr)
}

func TestClientNetworkErrors(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		out := newTestClient(t, url).Verify(context.Background(), "CODE")
		assert.Equal(t, OutcomeNetworkError, out.Kind)
		assert.ErrorIs(t, out.Err, licenseErrors.ErrNetwork)
		assert.True(t, licenseErrors.IsRetryable(out.Err))
	})

	t.Run("timeout", func(t *testing.T) {
		stub := testutil.NewLicenseStub(t, testutil.Respond(http.StatusOK, testutil.ApprovedBody(1, "")))
		stub.Hold()

		c, err := NewClient(config.LicenseConfig{URL: stub.URL(), Timeout: 100 * time.Millisecond}, staticDevice("d"), nil)
		require.NoError(t, err)

		out := c.Verify(context.Background(), "CODE")
		assert.Equal(t, OutcomeNetworkError, out.Kind)
	})

	t.Run("cancelled", func(t *testing.T) {
		stub := testutil.NewLicenseStub(t, testutil.Respond(http.StatusOK, testutil.ApprovedBody(1, "")))
		stub.Hold()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-stub.Started()
			cancel()
		}()

		out := newTestClient(t, stub.URL()).Verify(ctx, "CODE")
		assert.Equal(t, OutcomeNetworkError, out.Kind)
		assert.True(t, errors.Is(out.Err, context.Canceled))
	})
}

func TestClientBodyLimit(t *testing.T) {
	big := `{"code":200,"msg":"` + strings.Repeat("x", MaxResponseBody) + `"}`
	stub := testutil.NewLicenseStub(t, testutil.Respond(http.StatusOK, big))

	out := newTestClient(t, stub.URL()).Verify(context.Background(), "CODE")
	assert.Equal(t, OutcomeProtocolError, out.Kind)
}

func TestClientMetrics(t *testing.T) {
	metrics, reader := newTestMetrics(t)
	stub := testutil.NewLicenseStub(t, testutil.Respond(http.StatusOK, testutil.ApprovedBody(3, "")))
	c := newTestClient(t, stub.URL(), WithClientMetrics(metrics))

	c.Verify(context.Background(), "A")
	c.Verify(context.Background(), "")

	assert.Equal(t, int64(2), counterSum(t, reader, "mytv_license_verify_total"))
}

func TestClientLogsMaskedCode(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	stub := testutil.NewLicenseStub(t, testutil.Respond(http.StatusOK, testutil.RejectedBody(403, "expired")))

	c, err := NewClient(config.LicenseConfig{URL: stub.URL()}, staticDevice("d"), logger)
	require.NoError(t, err)
	c.Verify(context.Background(), "SECRET-CODE-9876")

	assert.True(t, logs.ContainsMessage("License code rejected"))
	assert.False(t, logs.ContainsText("SECRET-CODE-9876"))
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(config.LicenseConfig{}, nil, nil)
	assert.ErrorIs(t, err, licenseErrors.ErrConfig)

	_, err = NewClient(config.LicenseConfig{URL: "https://example.com", PinnedSPKI: []string{"nothex"}}, nil, nil)
	assert.ErrorIs(t, err, licenseErrors.ErrConfig)
}

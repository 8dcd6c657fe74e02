package app

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdyw/my-tv/internal/config"
	"github.com/kdyw/my-tv/internal/license"
	"github.com/kdyw/my-tv/internal/shared/testutil"
)

type grantCollector struct {
	grants  chan license.Grant
	dialogs chan string
}

func newGrantCollector() *grantCollector {
	return &grantCollector{grants: make(chan license.Grant, 4), dialogs: make(chan string, 4)}
}

func (g *grantCollector) OnAuthorized(_ context.Context, grant license.Grant) { g.grants <- grant }

func (g *grantCollector) OnDialogNeeded(_ context.Context, msg string, _ bool) { g.dialogs <- msg }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Dir = t.TempDir()
	cfg.Store.Backend = config.StoreBackendBolt
	cfg.Clock.Enabled = false
	cfg.Clock.Location = "UTC"
	cfg.Crypto.ConfigKey = "hex:000102030405060708090a0b0c0d0e0f"
	cfg.Identity.Override = "box-under-test"
	cfg.Server.Payload = `{"epg":"on"}`
	cfg.Server.Codes = []config.ServerCode{{Code: "GOOD", Days: 7}}
	return cfg
}

func TestApplicationEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	logger, _ := testutil.NewTestLogger(t)

	// The development server shares the config key with the client.
	a, err := NewWithConfig(cfg, logger, nil)
	require.NoError(t, err)
	srv, err := a.NewLicenseServer()
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg.License.URL = ts.URL + config.DefaultVerifyPath
	require.NoError(t, a.Bootstrap(context.Background()))
	defer a.Close(context.Background())
	assert.Equal(t, "box-under-test", a.DeviceID)

	ui := newGrantCollector()
	ctrl, err := a.NewController(ui)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	defer ctrl.Close()

	select {
	case msg := <-ui.dialogs:
		assert.NotEmpty(t, msg)
	case <-time.After(3 * time.Second):
		t.Fatal("no prompt")
	}

	require.NoError(t, ctrl.SubmitCode("GOOD"))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	grant, err := ctrl.AwaitAuthorization(ctx)
	require.NoError(t, err)

	assert.Equal(t, "GOOD", grant.Code)
	assert.Equal(t, 7, grant.RemainingDays)
	require.NotNil(t, grant.Config)
	assert.Equal(t, `{"epg":"on"}`, *grant.Config)

	stored, err := a.Store.Get()
	require.NoError(t, err)
	assert.Equal(t, "GOOD", stored)
}

func TestNewControllerBeforeBootstrap(t *testing.T) {
	a, err := NewWithConfig(testConfig(t), nil, nil)
	require.NoError(t, err)

	_, err = a.NewController(newGrantCollector())
	assert.Error(t, err)
}

func TestNewWithConfigRejectsBadKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crypto.ConfigKey = "short"

	_, err := NewWithConfig(cfg, nil, nil)
	assert.Error(t, err)
}

func TestServeMetricsDisabled(t *testing.T) {
	a, err := NewWithConfig(testConfig(t), nil, nil)
	require.NoError(t, err)
	assert.NoError(t, a.ServeMetrics(context.Background()))
}

package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/canopy-network/relayx/app/relay/types"
	"github.com/canopy-network/relayx/pkg/balancer"
	"github.com/canopy-network/relayx/pkg/chain"
	"github.com/canopy-network/relayx/pkg/config"
	"github.com/canopy-network/relayx/pkg/manager"
	"github.com/canopy-network/relayx/pkg/metrics"
)

// testStack wires a full App over one fake chain.
type testStack struct {
	node     *httptest.Server
	registry *httptest.Server
	front    *httptest.Server
	app      *types.App
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	s := &testStack{}

	s.node = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			_, _ = w.Write([]byte(`{"result":{"sync_info":{"latest_block_height":"1000","earliest_block_height":"1","catching_up":false}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":"upstream says hi"}`))
	}))
	s.registry = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `[{"RPC Address":%q,"Team or Contributor Name":"T"}]`, s.node.URL)
	}))

	cfg := &config.Config{
		Port:                   0,
		HealthCheckInterval:    time.Hour,
		RegistryUpdateInterval: time.Hour,
		SyncThresholdBlocks:    50,
		RequestTimeout:         2 * time.Second,
		HealthCheckTimeout:     2 * time.Second,
		RegistryTimeout:        2 * time.Second,
		RetryAttempts:          3,
		RetryDelay:             time.Millisecond,
		RegistryMaxRetries:     1,
		Chains: []config.ChainConfig{{
			Name:          "alpha",
			DisplayName:   "Alpha",
			RegistryURL:   s.registry.URL,
			BasePrefix:    "/alpha",
			ArchivePrefix: "/alpha/archive",
		}},
	}

	logger := zap.NewNop()
	app := &types.App{
		Config:  cfg,
		Metrics: metrics.New(),
		Hub:     types.NewHub(logger),
		Logger:  logger,
	}
	mgr, err := manager.New(cfg, manager.Opts{Metrics: app.Metrics, Seed: 1}, logger)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))
	app.Manager = mgr
	s.app = app

	router, err := NewController(app).NewRouter()
	require.NoError(t, err)
	s.front = httptest.NewServer(WithCORS(router))

	t.Cleanup(func() {
		s.front.Close()
		mgr.Shutdown()
		app.Hub.Close()
		s.registry.Close()
		s.node.Close()
	})
	return s
}

// TestProxy_GetHappyPath: a GET routed through the full HTTP surface,
// observability headers included.
func TestProxy_GetHappyPath(t *testing.T) {
	s := newTestStack(t)

	resp, err := http.Get(s.front.URL + "/alpha/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, s.node.URL, resp.Header.Get("X-Selected-RPC"))
	assert.Equal(t, "false", resp.Header.Get("X-Is-Archive"))
	assert.NotEmpty(t, resp.Header.Get("X-Response-Time"))
	assert.NotEmpty(t, resp.Header.Get("X-RPC-Response-Time"))

	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	assert.Contains(t, body.String(), "sync_info")
}

// TestProxy_PostForwardsBody
func TestProxy_PostForwardsBody(t *testing.T) {
	s := newTestStack(t)

	resp, err := http.Post(s.front.URL+"/alpha/tx", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"broadcast_tx"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	assert.Equal(t, `{"result":"upstream says hi"}`, body.String())
}

// TestProxy_ArchiveHeader
func TestProxy_ArchiveHeader(t *testing.T) {
	s := newTestStack(t)

	resp, err := http.Get(s.front.URL + "/alpha/archive/block")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "true", resp.Header.Get("X-Is-Archive"))
}

// TestProxy_UnknownChain404: stable JSON error body with kind, message,
// path, timestamp.
func TestProxy_UnknownChain404(t *testing.T) {
	s := newTestStack(t)

	resp, err := http.Get(s.front.URL + "/gamma/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "chain_not_found", body.Error)
	assert.Equal(t, "/gamma/status", body.Path)
	assert.NotEmpty(t, body.Message)
	assert.NotEmpty(t, body.Timestamp)
}

// TestHealthEndpoints
func TestHealthEndpoints(t *testing.T) {
	s := newTestStack(t)

	resp, err := http.Get(s.front.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(s.front.URL + "/api/health/detailed")
	require.NoError(t, err)
	defer resp.Body.Close()
	var summary manager.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.True(t, summary.Ready)
	assert.Equal(t, 1, summary.ChainsTotal)
	assert.Equal(t, 1, summary.EndpointsHealthy)
}

// TestChainStatusEndpoint
func TestChainStatusEndpoint(t *testing.T) {
	s := newTestStack(t)

	resp, err := http.Get(s.front.URL + "/api/chains/alpha/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st chain.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "alpha", st.Chain)
	assert.Equal(t, int64(1000), st.MedianHeight)

	resp, err = http.Get(s.front.URL + "/api/chains/nope/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestForceRefresh_RequiresAuth: 401 bare, 200 with the admin bearer token.
func TestForceRefresh_RequiresAuth(t *testing.T) {
	s := newTestStack(t)

	resp, err := http.Post(s.front.URL+"/api/chains/alpha/refresh", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, s.front.URL+"/api/chains/alpha/refresh", nil)
	req.Header.Set("Authorization", "Bearer devtoken")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestLoginFlow: bad credentials rejected, good ones yield a session cookie
// that unlocks the admin routes.
func TestLoginFlow(t *testing.T) {
	s := newTestStack(t)

	resp, err := http.Post(s.front.URL+"/api/auth/login", "application/json",
		strings.NewReader(`{"username":"admin","password":"wrong"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Post(s.front.URL+"/api/auth/login", "application/json",
		strings.NewReader(`{"username":"admin","password":"admin"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			session = c
		}
	}
	require.NotNil(t, session, "login must set the session cookie")

	req, _ := http.NewRequest(http.MethodPost, s.front.URL+"/api/chains/alpha/probe", nil)
	req.AddCookie(session)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestClassify maps every core error kind onto its status code.
func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   string
		wantStatus int
	}{
		{
			name:       "no upstreams",
			err:        fmt.Errorf("wrapped: %w", balancer.ErrNoUpstreams),
			wantKind:   "no_upstreams_available",
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "not ready",
			err:        fmt.Errorf("wrapped: %w", chain.ErrNotReady),
			wantKind:   "not_ready",
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "chain not found",
			err:        fmt.Errorf("wrapped: %w", manager.ErrChainNotFound),
			wantKind:   "chain_not_found",
			wantStatus: http.StatusNotFound,
		},
		{
			name: "timeout through exhausted wrapper",
			err: &balancer.ExhaustedError{Chain: "alpha", Attempts: 3, Cause: &balancer.TransportError{
				Endpoint: "https://a", Kind: "timeout", Err: errors.New("deadline"),
			}},
			wantKind:   "upstream_timeout",
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name: "refused through exhausted wrapper",
			err: &balancer.ExhaustedError{Chain: "alpha", Attempts: 3, Cause: &balancer.TransportError{
				Endpoint: "https://a", Kind: "connection_refused", Err: errors.New("refused"),
			}},
			wantKind:   "upstream_transport_error",
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "exhausted with opaque cause",
			err:        &balancer.ExhaustedError{Chain: "alpha", Attempts: 3, Cause: errors.New("mystery")},
			wantKind:   "all_attempts_failed",
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "anything else",
			err:        errors.New("boom"),
			wantKind:   "internal_error",
			wantStatus: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, status := classify(tt.err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}

// TestWriteProxyError_UpstreamPassThrough: an upstream HTTP error passes its
// status and body through verbatim.
func TestWriteProxyError_UpstreamPassThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	writeProxyError(rec, "/alpha/tx", &balancer.ExhaustedError{
		Chain:    "alpha",
		Attempts: 2,
		Cause: &balancer.HTTPError{
			Endpoint:   "https://a",
			StatusCode: http.StatusBadGateway,
			Body:       []byte(`{"upstream":"error body"}`),
		},
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, `{"upstream":"error body"}`, rec.Body.String())
}

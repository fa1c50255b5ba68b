package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/relayx/pkg/balancer"
	"github.com/canopy-network/relayx/pkg/config"
	"github.com/canopy-network/relayx/pkg/health"
	"github.com/canopy-network/relayx/pkg/metrics"
	"github.com/canopy-network/relayx/pkg/registry"
)

// ErrNotReady is returned for requests arriving before initialization
// completes or after shutdown begins.
var ErrNotReady = errors.New("chain is not ready")

// State is the chain instance lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDegraded
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "uninitialized"
	}
}

// Event is a chain-level notification published to observers (logging,
// websocket stream).
type Event struct {
	Chain     string    `json:"chain"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EndpointDetail is an endpoint's observed state merged with the balancer's
// view of it.
type EndpointDetail struct {
	registry.Endpoint
	Weight             float64 `json:"weight"`
	Breaker            string  `json:"breaker"`
	TotalRequests      uint64  `json:"total_requests"`
	SuccessfulRequests uint64  `json:"successful_requests"`
}

// Status is the point-in-time view of one chain.
type Status struct {
	Chain            string           `json:"chain"`
	DisplayName      string           `json:"display_name"`
	State            string           `json:"state"`
	TotalEndpoints   int              `json:"total_endpoints"`
	HealthyEndpoints int              `json:"healthy_endpoints"`
	ArchiveEndpoints int              `json:"archive_endpoints"`
	MedianHeight     int64            `json:"median_height"`
	LastProbeTime    time.Time        `json:"last_probe_time"`
	Endpoints        []EndpointDetail `json:"endpoints"`
}

// Metrics is the per-chain request counters view.
type Metrics struct {
	TotalRequests      uint64  `json:"total_requests"`
	SuccessfulRequests uint64  `json:"successful_requests"`
	FailedRequests     uint64  `json:"failed_requests"`
	AvgResponseTimeMs  float64 `json:"avg_response_time_ms"`
	SuccessRate        float64 `json:"success_rate"`
}

// RouteRequest is one inbound request after prefix matching.
type RouteRequest struct {
	Body        []byte
	IsArchive   bool
	IsGet       bool
	RequestPath string
}

// Opts carries the process-wide knobs into an instance.
type Opts struct {
	Global  *config.Config
	Metrics *metrics.Metrics
	// Per-component HTTP clients, optional (tests inject their own).
	RegistryClient *http.Client
	ProbeClient    *http.Client
	ForwardClient  *http.Client
	Seed           int64
}

// Instance composes a registry poller, health monitor and load balancer for
// exactly one chain, mediates their events, and exposes the chain's routing
// and status surface.
type Instance struct {
	cfg    config.ChainConfig
	logger *zap.Logger

	poller   *registry.Poller
	monitor  *health.Monitor
	balancer *balancer.Balancer
	prom     *metrics.Metrics

	state atomic.Int32

	onEvent func(Event)

	statsMu sync.Mutex
	total   uint64
	success uint64
	failed  uint64
	emaMs   float64

	stopOnce sync.Once
}

// NewInstance wires the three components for one chain. Each chain gets its
// own HTTP clients so one chain's slow upstreams cannot starve another's
// connection pool.
func NewInstance(cfg config.ChainConfig, o Opts, logger *zap.Logger) *Instance {
	g := o.Global

	inst := &Instance{
		cfg:    cfg,
		logger: logger.With(zap.String("chain", cfg.Name)),
		prom:   o.Metrics,
	}

	inst.poller = registry.NewPoller(registry.Opts{
		Chain:      cfg.Name,
		URL:        cfg.RegistryURL,
		Interval:   g.RegistryUpdateInterval,
		Timeout:    g.RegistryTimeout,
		MaxRetries: g.RegistryMaxRetries,
		HTTPClient: o.RegistryClient,
	}, logger)

	inst.monitor = health.NewMonitor(health.Opts{
		Chain:         cfg.Name,
		Interval:      g.HealthCheckInterval,
		Timeout:       g.HealthCheckTimeout,
		SyncThreshold: g.SyncThresholdBlocks,
		HTTPClient:    o.ProbeClient,
	}, logger)

	inst.balancer = balancer.New(balancer.Opts{
		Chain:          cfg.Name,
		RetryAttempts:  g.RetryAttempts,
		RetryDelay:     g.RetryDelay,
		RequestTimeout: g.RequestTimeout,
		EndpointRPS:    g.EndpointRPS,
		HTTPClient:     o.ForwardClient,
		Seed:           o.Seed,
	}, logger)

	inst.poller.OnUpdate(func(eps []registry.Endpoint) {
		inst.monitor.SetEndpoints(eps)
	})
	inst.monitor.OnHealthChange(func(healthy, archive []registry.Endpoint) {
		inst.balancer.SetPools(healthy, archive)
		inst.refreshState(len(healthy))
		inst.prom.SetPoolState(cfg.Name, len(inst.monitor.Endpoints()), len(healthy), len(archive), inst.monitor.MedianHeight())
		inst.emit("health_changed", map[string]any{
			"healthy":       len(healthy),
			"archive":       len(archive),
			"median_height": inst.monitor.MedianHeight(),
		})
	})
	inst.monitor.OnRecover(func(ep registry.Endpoint) {
		inst.emit("endpoint_recovered", map[string]any{"endpoint": ep.URL})
	})
	inst.monitor.OnAllUnhealthy(func() {
		inst.emit("all_unhealthy", nil)
	})

	return inst
}

// OnEvent registers the event observer. Set before Initialize.
func (i *Instance) OnEvent(fn func(Event)) { i.onEvent = fn }

// Name returns the chain's internal key.
func (i *Instance) Name() string { return i.cfg.Name }

// Config returns the chain's static configuration.
func (i *Instance) Config() config.ChainConfig { return i.cfg }

// State returns the current lifecycle state.
func (i *Instance) State() State { return State(i.state.Load()) }

// Initialize performs the ordered startup: one synchronous registry fetch
// (failure aborts), one synchronous probe round, pools published to the
// balancer, then periodic schedulers. After it returns the instance is ready
// or degraded.
func (i *Instance) Initialize(ctx context.Context) error {
	if !i.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return fmt.Errorf("chain %s: initialize called in state %s", i.cfg.Name, i.State())
	}

	eps, err := i.poller.Fetch(ctx)
	if err != nil {
		i.state.Store(int32(StateStopped))
		return fmt.Errorf("chain %s: initial registry fetch: %w", i.cfg.Name, err)
	}

	// The poller emitted the first snapshot through OnUpdate already; feeding
	// it again is harmless and covers the no-change edge on restart.
	i.monitor.SetEndpoints(eps)
	i.monitor.ProbeAll(ctx)

	healthy, archive := i.monitor.Pools()
	i.balancer.SetPools(healthy, archive)

	if err := i.poller.Start(ctx); err != nil {
		return fmt.Errorf("chain %s: start poller: %w", i.cfg.Name, err)
	}
	if err := i.monitor.Start(ctx); err != nil {
		i.poller.Stop()
		return fmt.Errorf("chain %s: start monitor: %w", i.cfg.Name, err)
	}

	if len(healthy) > 0 {
		i.state.Store(int32(StateReady))
	} else {
		i.state.Store(int32(StateDegraded))
	}
	i.logger.Info("Chain initialized",
		zap.Int("endpoints", len(eps)),
		zap.Int("healthy", len(healthy)),
		zap.String("state", i.State().String()))
	i.emit("state_changed", map[string]any{"state": i.State().String()})
	return nil
}

// Route forwards one request through the balancer and folds the outcome into
// the chain metrics.
func (i *Instance) Route(ctx context.Context, req RouteRequest) (*balancer.Result, error) {
	switch i.State() {
	case StateReady, StateDegraded:
	default:
		return nil, fmt.Errorf("%w: chain %s is %s", ErrNotReady, i.cfg.Name, i.State())
	}

	start := time.Now()
	res, err := i.balancer.Execute(ctx, balancer.Request{
		Body:        req.Body,
		IsArchive:   req.IsArchive,
		IsGet:       req.IsGet,
		RequestPath: req.RequestPath,
	})
	elapsed := time.Since(start)

	i.recordOutcome(err == nil, elapsed)
	if err != nil {
		i.prom.ObserveRequest(i.cfg.Name, "error", elapsed)
		return nil, err
	}
	i.prom.ObserveRequest(i.cfg.Name, "success", elapsed)
	return res, nil
}

// Status snapshots counts, median height, last probe time and per-endpoint
// detail.
func (i *Instance) Status() Status {
	eps := i.monitor.Endpoints()
	healthy, archive := i.monitor.Pools()
	stats := i.balancer.Stats()

	details := make([]EndpointDetail, 0, len(eps))
	for _, ep := range eps {
		d := EndpointDetail{Endpoint: ep, Weight: 1.0, Breaker: balancer.BreakerClosed.String()}
		if st, ok := stats[ep.URL]; ok {
			d.Weight = st.Weight
			d.Breaker = st.Breaker
			d.TotalRequests = st.TotalRequests
			d.SuccessfulRequests = st.SuccessfulRequests
		}
		details = append(details, d)
	}

	return Status{
		Chain:            i.cfg.Name,
		DisplayName:      i.cfg.DisplayName,
		State:            i.State().String(),
		TotalEndpoints:   len(eps),
		HealthyEndpoints: len(healthy),
		ArchiveEndpoints: len(archive),
		MedianHeight:     i.monitor.MedianHeight(),
		LastProbeTime:    i.monitor.LastProbeTime(),
		Endpoints:        details,
	}
}

// Metrics returns the chain's request counters.
func (i *Instance) Metrics() Metrics {
	i.statsMu.Lock()
	defer i.statsMu.Unlock()
	m := Metrics{
		TotalRequests:      i.total,
		SuccessfulRequests: i.success,
		FailedRequests:     i.failed,
		AvgResponseTimeMs:  i.emaMs,
	}
	if i.total > 0 {
		m.SuccessRate = float64(i.success) / float64(i.total)
	}
	return m
}

// RefreshRegistry forces one off-schedule registry poll.
func (i *Instance) RefreshRegistry(ctx context.Context) error {
	_, err := i.poller.Force(ctx)
	return err
}

// ProbeNow forces one off-schedule probe round.
func (i *Instance) ProbeNow(ctx context.Context) {
	i.monitor.ProbeAll(ctx)
}

// Shutdown stops the schedulers and clears balancer state. Idempotent: the
// second and later calls observe the terminal state and do nothing.
func (i *Instance) Shutdown() {
	i.stopOnce.Do(func() {
		i.state.Store(int32(StateStopping))
		i.poller.Stop()
		i.monitor.Stop()
		i.balancer.Reset()
		i.state.Store(int32(StateStopped))
		i.logger.Info("Chain stopped")
		i.emit("state_changed", map[string]any{"state": i.State().String()})
	})
}

// refreshState flips ready/degraded on the ≥1-healthy threshold, leaving
// initialization and shutdown states alone.
func (i *Instance) refreshState(healthyCount int) {
	for {
		cur := i.state.Load()
		if cur != int32(StateReady) && cur != int32(StateDegraded) {
			return
		}
		want := int32(StateReady)
		if healthyCount == 0 {
			want = int32(StateDegraded)
		}
		if cur == want {
			return
		}
		if i.state.CompareAndSwap(cur, want) {
			i.logger.Info("Chain state changed", zap.String("state", State(want).String()))
			i.emit("state_changed", map[string]any{"state": State(want).String()})
			return
		}
	}
}

func (i *Instance) recordOutcome(ok bool, d time.Duration) {
	i.statsMu.Lock()
	defer i.statsMu.Unlock()
	i.total++
	if ok {
		i.success++
	} else {
		i.failed++
	}
	ms := float64(d.Milliseconds())
	if i.emaMs == 0 {
		i.emaMs = ms
	} else {
		i.emaMs = 0.8*i.emaMs + 0.2*ms
	}
}

func (i *Instance) emit(typ string, payload any) {
	if i.onEvent == nil {
		return
	}
	i.onEvent(Event{
		Chain:     i.cfg.Name,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

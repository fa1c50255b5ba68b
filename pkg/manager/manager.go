package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/canopy-network/relayx/pkg/balancer"
	"github.com/canopy-network/relayx/pkg/chain"
	"github.com/canopy-network/relayx/pkg/config"
	"github.com/canopy-network/relayx/pkg/metrics"
)

// ErrChainNotFound is returned when no configured prefix matches the request
// path.
var ErrChainNotFound = errors.New("no chain matches the request path")

// route maps one URL prefix to a chain instance. Archive prefixes strictly
// extend base prefixes, so longest-prefix-first matching is unambiguous.
type route struct {
	prefix  string
	archive bool
	inst    *chain.Instance
}

// Summary is the aggregate status consumed by the health API.
type Summary struct {
	Ready            bool           `json:"ready"`
	ChainsTotal      int            `json:"chains_total"`
	ChainsHealthy    int            `json:"chains_healthy"`
	EndpointsTotal   int            `json:"endpoints_total"`
	EndpointsHealthy int            `json:"endpoints_healthy"`
	Chains           []chain.Status `json:"chains"`
}

// Opts carries shared collaborators into the manager's chain instances.
type Opts struct {
	Metrics *metrics.Metrics
	OnEvent func(chain.Event)
	// Test hooks: shared HTTP clients and a deterministic balancer seed.
	RegistryClient *http.Client
	ProbeClient    *http.Client
	ForwardClient  *http.Client
	Seed           int64
}

// Manager owns one chain instance per configured chain, routes inbound
// requests by URL prefix, and aggregates status. Requests for different
// chains never contend for the same state.
type Manager struct {
	logger    *zap.Logger
	instances []*chain.Instance
	byName    map[string]*chain.Instance
	routes    []route
	started   atomic.Bool
}

// New builds the manager and its instances. Call Start to initialize them.
func New(cfg *config.Config, o Opts, logger *zap.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		logger: logger,
		byName: make(map[string]*chain.Instance, len(cfg.Chains)),
	}

	for _, cc := range cfg.Chains {
		inst := chain.NewInstance(cc, chain.Opts{
			Global:         cfg,
			Metrics:        o.Metrics,
			RegistryClient: o.RegistryClient,
			ProbeClient:    o.ProbeClient,
			ForwardClient:  o.ForwardClient,
			Seed:           o.Seed,
		}, logger)
		if o.OnEvent != nil {
			inst.OnEvent(o.OnEvent)
		}
		m.instances = append(m.instances, inst)
		m.byName[cc.Name] = inst
		m.routes = append(m.routes,
			route{prefix: strings.TrimRight(cc.ArchivePrefix, "/"), archive: true, inst: inst},
			route{prefix: strings.TrimRight(cc.BasePrefix, "/"), archive: false, inst: inst},
		)
	}

	// Longest prefix wins, so /x/archive shadows /x.
	sort.SliceStable(m.routes, func(i, j int) bool {
		return len(m.routes[i].prefix) > len(m.routes[j].prefix)
	})

	return m, nil
}

// Start initializes all chain instances in parallel. Startup fails if any
// single instance fails; the ones already initialized are shut down again.
func (m *Manager) Start(ctx context.Context) error {
	pool := pond.NewPool(len(m.instances))
	group := pool.NewGroupContext(ctx)
	for _, inst := range m.instances {
		group.SubmitErr(func() error {
			return inst.Initialize(ctx)
		})
	}
	err := group.Wait()
	pool.StopAndWait()
	if err != nil {
		m.Shutdown()
		return fmt.Errorf("chain initialization failed: %w", err)
	}

	m.started.Store(true)
	m.logger.Info("All chains initialized", zap.Int("chains", len(m.instances)))
	return nil
}

// Route matches the request path against the configured prefixes and hands
// the request to the owning chain. The boolean result reports whether the
// archive pool served the request.
func (m *Manager) Route(ctx context.Context, method, path, rawQuery string, body []byte) (*balancer.Result, bool, error) {
	if !m.started.Load() {
		return nil, false, fmt.Errorf("%w: manager still initializing", chain.ErrNotReady)
	}

	r, ok := m.match(path)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrChainNotFound, path)
	}

	requestPath := strings.TrimPrefix(path, r.prefix)
	if requestPath == "" {
		requestPath = "/"
	}
	if rawQuery != "" {
		requestPath += "?" + rawQuery
	}

	res, err := r.inst.Route(ctx, chain.RouteRequest{
		Body:        body,
		IsArchive:   r.archive,
		IsGet:       method == http.MethodGet,
		RequestPath: requestPath,
	})
	return res, r.archive, err
}

// Chain returns the instance for an internal chain key.
func (m *Manager) Chain(name string) (*chain.Instance, bool) {
	inst, ok := m.byName[name]
	return inst, ok
}

// Chains returns all instances in configuration order.
func (m *Manager) Chains() []*chain.Instance {
	return m.instances
}

// Ready reports whether every chain is in the ready state.
func (m *Manager) Ready() bool {
	if !m.started.Load() {
		return false
	}
	for _, inst := range m.instances {
		if inst.State() != chain.StateReady {
			return false
		}
	}
	return true
}

// Status aggregates per-chain status into the summary shape of the health
// API.
func (m *Manager) Status() Summary {
	s := Summary{
		Ready:       m.Ready(),
		ChainsTotal: len(m.instances),
	}
	for _, inst := range m.instances {
		cs := inst.Status()
		s.Chains = append(s.Chains, cs)
		if cs.State == chain.StateReady.String() {
			s.ChainsHealthy++
		}
		s.EndpointsTotal += cs.TotalEndpoints
		s.EndpointsHealthy += cs.HealthyEndpoints
	}
	return s
}

// ForceRefresh triggers one off-schedule registry poll for a chain.
func (m *Manager) ForceRefresh(ctx context.Context, name string) error {
	inst, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChainNotFound, name)
	}
	return inst.RefreshRegistry(ctx)
}

// ProbeNow triggers one off-schedule probe round for a chain.
func (m *Manager) ProbeNow(ctx context.Context, name string) error {
	inst, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChainNotFound, name)
	}
	inst.ProbeNow(ctx)
	return nil
}

// Shutdown stops every chain in parallel, best-effort: one chain's cleanup
// never blocks another's. Idempotent.
func (m *Manager) Shutdown() {
	m.started.Store(false)
	if len(m.instances) == 0 {
		return
	}
	pool := pond.NewPool(len(m.instances))
	group := pool.NewGroup()
	for _, inst := range m.instances {
		group.Submit(func() {
			inst.Shutdown()
		})
	}
	_ = group.Wait()
	pool.StopAndWait()
	m.logger.Info("All chains stopped")
}

func (m *Manager) match(path string) (route, bool) {
	for _, r := range m.routes {
		if path == r.prefix || strings.HasPrefix(path, r.prefix+"/") {
			return r, true
		}
	}
	return route{}, false
}

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/canopy-network/relayx/pkg/registry"
	"github.com/canopy-network/relayx/pkg/utils"
)

// archiveEarliestHeight is compared against the raw earliest_block_height
// payload string. The field is a quoted decimal on every CometBFT build we
// have seen; an endpoint returning integer 1 would not match, and that is the
// historical behavior we keep.
const archiveEarliestHeight = "1"

// livenessFraction scales the probe timeout down for the liveness check: a
// probe that succeeds but takes longer than this fraction of the timeout is
// too slow to serve traffic.
const livenessFraction = 0.8

// statusResponse is the CometBFT-shaped /status payload. Heights arrive as
// quoted decimal strings.
type statusResponse struct {
	Result struct {
		SyncInfo struct {
			LatestBlockHeight   string `json:"latest_block_height"`
			EarliestBlockHeight string `json:"earliest_block_height"`
			CatchingUp          bool   `json:"catching_up"`
		} `json:"sync_info"`
	} `json:"result"`
}

// record is the mutable probe history for one URL. rounds counts completed
// classification rounds so a first-ever healthy verdict is not mistaken for a
// recovery.
type record struct {
	mu     sync.Mutex
	ep     registry.Endpoint
	rounds int
}

func (r *record) snapshot() (registry.Endpoint, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ep, r.rounds
}

// Opts configures a Monitor.
type Opts struct {
	Chain         string
	Interval      time.Duration
	Timeout       time.Duration
	SyncThreshold int64
	HTTPClient    *http.Client
}

// Monitor probes every tracked endpoint on a fixed cadence, classifies each
// as healthy/archive, and maintains the per-chain median height used for the
// sync gate. Pool changes are delivered to exactly one downstream consumer.
type Monitor struct {
	chain         string
	logger        *zap.Logger
	client        *http.Client
	interval      time.Duration
	timeout       time.Duration
	syncThreshold int64

	records *xsync.Map[string, *record]

	mu       sync.Mutex // guards everything below
	cron     *cron.Cron
	runCtx   context.Context
	running  bool
	tracked  []registry.Endpoint
	healthy  []registry.Endpoint
	archive  []registry.Endpoint
	median   int64
	lastTime time.Time
	lastSig  poolSignature
	sigKnown bool
	allDown  bool

	probeGate sync.Mutex // serializes ProbeAll rounds

	onChange   func(healthy, archive []registry.Endpoint)
	onRecover  func(registry.Endpoint)
	onAllUnhlt func()
}

// poolSignature is the change-detection tuple for healthChanged emission.
type poolSignature struct {
	healthy int
	archive int
	median  int64
}

// NewMonitor creates a Monitor. Register callbacks before Start.
func NewMonitor(o Opts, logger *zap.Logger) *Monitor {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.SyncThreshold <= 0 {
		o.SyncThreshold = 50
	}
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	}
	return &Monitor{
		chain:         o.Chain,
		logger:        logger.With(zap.String("chain", o.Chain)),
		client:        client,
		interval:      o.Interval,
		timeout:       o.Timeout,
		syncThreshold: o.SyncThreshold,
		records:       xsync.NewMap[string, *record](),
	}
}

// OnHealthChange registers the pool-change consumer (the load balancer).
func (m *Monitor) OnHealthChange(fn func(healthy, archive []registry.Endpoint)) { m.onChange = fn }

// OnRecover registers the unhealthy-to-healthy transition observer.
func (m *Monitor) OnRecover(fn func(registry.Endpoint)) { m.onRecover = fn }

// OnAllUnhealthy registers the observer fired exactly when the healthy pool
// drops to zero while endpoints are still tracked.
func (m *Monitor) OnAllUnhealthy(fn func()) { m.onAllUnhlt = fn }

// SetEndpoints replaces the tracked set. Probe history for URLs no longer in
// the set is discarded; surviving URLs keep theirs. If the monitor is running
// a probe round is triggered immediately so new endpoints get classified
// without waiting a full interval.
func (m *Monitor) SetEndpoints(eps []registry.Endpoint) {
	m.mu.Lock()
	keep := registry.URLSet(eps)
	m.records.Range(func(url string, _ *record) bool {
		if _, ok := keep[url]; !ok {
			m.records.Delete(url)
		}
		return true
	})
	m.tracked = make([]registry.Endpoint, len(eps))
	copy(m.tracked, eps)
	running := m.running
	ctx := m.runCtx
	m.mu.Unlock()

	m.logger.Info("Tracking endpoint set", zap.Int("endpoints", len(eps)))

	if running {
		go m.ProbeAll(ctx)
	}
}

// Start begins periodic probing, with an immediate first round.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor for %s already started", m.chain)
	}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
		cron.Recover(cron.DefaultLogger),
	))
	spec := fmt.Sprintf("@every %s", m.interval)
	if _, err := c.AddFunc(spec, func() {
		tickCtx, cancel := context.WithTimeout(ctx, m.interval)
		defer cancel()
		m.ProbeAll(tickCtx)
	}); err != nil {
		m.mu.Unlock()
		return err
	}
	m.running = true
	m.runCtx = ctx
	m.cron = c
	m.mu.Unlock()

	c.Start()
	m.ProbeAll(ctx)
	m.logger.Info("Health monitor started", zap.Duration("interval", m.interval))
	return nil
}

// Stop cancels the probe scheduler.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.running = false
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// ProbeAll probes every tracked endpoint concurrently, waits for all probes
// to settle, recomputes the healthy and archive pools, and emits one
// healthChanged event if the (healthy, archive, median) tuple changed since
// the last emission. Rounds never overlap.
func (m *Monitor) ProbeAll(ctx context.Context) {
	m.probeGate.Lock()
	defer m.probeGate.Unlock()

	m.mu.Lock()
	tracked := make([]registry.Endpoint, len(m.tracked))
	copy(tracked, m.tracked)
	m.mu.Unlock()

	if len(tracked) > 0 {
		// Fan-out bounded by the tracked set size: every endpoint probes in
		// parallel, none queue behind a slow peer.
		pool := pond.NewPool(len(tracked))
		group := pool.NewGroupContext(ctx)
		for _, ep := range tracked {
			url, name := ep.URL, ep.Name
			group.Submit(func() {
				m.probeOne(ctx, url, name)
			})
		}
		_ = group.Wait()
		pool.StopAndWait()
	}

	m.recompute(tracked)
}

// Pools returns the current healthy and archive pools.
func (m *Monitor) Pools() (healthy, archive []registry.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	healthy = make([]registry.Endpoint, len(m.healthy))
	copy(healthy, m.healthy)
	archive = make([]registry.Endpoint, len(m.archive))
	copy(archive, m.archive)
	return healthy, archive
}

// MedianHeight returns the median height from the last probe round.
func (m *Monitor) MedianHeight() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.median
}

// LastProbeTime returns when the last probe round completed.
func (m *Monitor) LastProbeTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTime
}

// Endpoints returns the tracked set with the latest observed state merged in.
func (m *Monitor) Endpoints() []registry.Endpoint {
	m.mu.Lock()
	tracked := make([]registry.Endpoint, len(m.tracked))
	copy(tracked, m.tracked)
	m.mu.Unlock()

	out := make([]registry.Endpoint, 0, len(tracked))
	for _, ep := range tracked {
		if rec, ok := m.records.Load(ep.URL); ok {
			snap, _ := rec.snapshot()
			snap.Name = ep.Name
			out = append(out, snap)
		} else {
			out = append(out, ep)
		}
	}
	return out
}

// probeOne issues one /status probe and folds the outcome into the URL's
// record: liveness, height, catching_up, archive flag, response time and
// failure counters. Full healthy classification happens in recompute, where
// the round's median is known.
func (m *Monitor) probeOne(ctx context.Context, url, name string) {
	rec, _ := m.records.LoadOrStore(url, &record{ep: registry.Endpoint{URL: url, Name: name}})

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	status, err := m.fetchStatus(probeCtx, url)
	elapsed := time.Since(start)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.ep.Name = name
	rec.ep.LastChecked = time.Now()
	rec.ep.ResponseTimeMs = elapsed.Milliseconds()

	if err == nil {
		var height int64
		if height, err = strconv.ParseInt(status.Result.SyncInfo.LatestBlockHeight, 10, 64); err != nil {
			err = fmt.Errorf("unparseable latest_block_height %q", status.Result.SyncInfo.LatestBlockHeight)
		} else {
			rec.ep.ConsecutiveFails = 0
			rec.ep.LastError = ""
			rec.ep.Height = height
			rec.ep.HasHeight = true
			rec.ep.CatchingUp = status.Result.SyncInfo.CatchingUp
			// Archive classification is only ever updated on success.
			rec.ep.Archive = status.Result.SyncInfo.EarliestBlockHeight == archiveEarliestHeight

			rec.ep.Live = float64(elapsed) <= livenessFraction*float64(m.timeout)
			if !rec.ep.Live {
				rec.ep.LastError = fmt.Sprintf("probe took %s, over %.0f%% of timeout", elapsed, livenessFraction*100)
			}
			return
		}
	}

	rec.ep.Live = false
	rec.ep.ErrorCount++
	rec.ep.ConsecutiveFails++
	rec.ep.LastError = err.Error()
}

func (m *Monitor) fetchStatus(ctx context.Context, url string) (*statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status probe returned http %d", resp.StatusCode)
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status body: %w", err)
	}
	if out.Result.SyncInfo.LatestBlockHeight == "" {
		return nil, fmt.Errorf("status body missing sync_info")
	}
	return &out, nil
}

// recompute applies the sync gate against this round's median, derives the
// healthy and archive pools, flips per-endpoint Healthy flags, and emits
// events.
func (m *Monitor) recompute(tracked []registry.Endpoint) {
	type urlSnap struct {
		rec    *record
		snap   registry.Endpoint
		rounds int
	}
	snaps := make([]urlSnap, 0, len(tracked))
	for _, ep := range tracked {
		rec, ok := m.records.Load(ep.URL)
		if !ok {
			continue
		}
		snap, rounds := rec.snapshot()
		snaps = append(snaps, urlSnap{rec: rec, snap: snap, rounds: rounds})
	}

	heights := make([]int64, 0, len(snaps))
	for _, s := range snaps {
		if s.snap.Live && s.snap.HasHeight {
			heights = append(heights, s.snap.Height)
		}
	}
	median := medianOf(heights)

	healthy := make([]registry.Endpoint, 0, len(snaps))
	archive := make([]registry.Endpoint, 0, len(snaps))
	recovered := make([]registry.Endpoint, 0)

	for i := range snaps {
		s := &snaps[i]
		isHealthy := s.snap.Live && !s.snap.CatchingUp && s.snap.HasHeight && median > 0 &&
			abs64(s.snap.Height-median) <= m.syncThreshold

		if isHealthy && !s.snap.Healthy && s.rounds > 0 {
			recovered = append(recovered, s.snap)
		}
		s.snap.Healthy = isHealthy

		s.rec.mu.Lock()
		s.rec.ep.Healthy = isHealthy
		s.rec.rounds++
		s.rec.mu.Unlock()

		if isHealthy {
			healthy = append(healthy, s.snap)
			if s.snap.Archive {
				archive = append(archive, s.snap)
			}
		}
	}

	m.mu.Lock()
	m.healthy = healthy
	m.archive = archive
	m.median = median
	m.lastTime = time.Now()

	sig := poolSignature{healthy: len(healthy), archive: len(archive), median: median}
	changed := !m.sigKnown || sig != m.lastSig
	m.lastSig = sig
	m.sigKnown = true

	wasAllDown := m.allDown
	m.allDown = len(healthy) == 0 && len(tracked) > 0
	fireAllDown := m.allDown && !wasAllDown

	onChange := m.onChange
	onRecover := m.onRecover
	onAllUnhlt := m.onAllUnhlt
	m.mu.Unlock()

	if onRecover != nil {
		for _, ep := range recovered {
			m.logger.Info("Endpoint recovered", zap.String("endpoint", ep.URL))
			onRecover(ep)
		}
	}

	if changed {
		m.logger.Info("Pool state changed",
			zap.Int("healthy", len(healthy)),
			zap.Int("archive", len(archive)),
			zap.Int64("median_height", median))
		if onChange != nil {
			onChange(healthy, archive)
		}
	}

	if fireAllDown {
		m.logger.Warn("All endpoints unhealthy", zap.Int("tracked", len(tracked)))
		if onAllUnhlt != nil {
			onAllUnhlt()
		}
	}
}

// medianOf returns the lower-middle element of the sorted heights, or 0 for
// an empty set. Order of the input does not matter.
func medianOf(heights []int64) int64 {
	if len(heights) == 0 {
		return 0
	}
	sorted := make([]int64, len(heights))
	copy(sorted, heights)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[(len(sorted)-1)/2]
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

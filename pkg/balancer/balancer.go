package balancer

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/canopy-network/relayx/pkg/registry"
)

// weightScale converts floating weights to integer slots for the prefix-sum
// draw, sidestepping float accumulation and making seeded runs deterministic.
const weightScale = 1000

// Opts configures a Balancer.
type Opts struct {
	Chain          string
	RetryAttempts  int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	UserAgent      string
	EndpointRPS    float64 // outbound per-endpoint cap, 0 = unlimited
	HTTPClient     *http.Client
	Seed           int64 // 0 = time-seeded
}

// poolPair is an immutable pool snapshot, swapped atomically so a request in
// flight observes either the pre-update or post-update pools, never a mix.
type poolPair struct {
	healthy []registry.Endpoint
	archive []registry.Endpoint
}

// EndpointStats is the observable per-endpoint balancer state.
type EndpointStats struct {
	Weight             float64      `json:"weight"`
	TotalRequests      uint64       `json:"total_requests"`
	SuccessfulRequests uint64       `json:"successful_requests"`
	AvgResponseTimeMs  float64      `json:"avg_response_time_ms"`
	BreakerState       BreakerState `json:"-"`
	Breaker            string       `json:"breaker"`
}

// Balancer picks an upstream for each request by weighted random selection
// with per-endpoint circuit breaking, forwards it, and retries across the
// pool on failure.
type Balancer struct {
	chain     string
	logger    *zap.Logger
	client    *http.Client
	userAgent string

	retryAttempts int
	retryDelay    time.Duration

	pools    atomic.Pointer[poolPair]
	weights  *xsync.Map[string, *weightRecord]
	breakers *xsync.Map[string, *breaker]
	limiters *xsync.Map[string, *rate.Limiter]
	rps      float64

	// cursor advances on every first pick and drives the round-robin
	// fallback when every breaker is open. Retries walk from the first
	// pick's index instead (see retryPick).
	cursor atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand

	// sleep is the inter-retry delay hook, context-aware and injectable.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Balancer with empty pools.
func New(o Opts, logger *zap.Logger) *Balancer {
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = "relayx-proxy/1.0"
	}
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.RequestTimeout}
	}
	seed := o.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	b := &Balancer{
		chain:         o.Chain,
		logger:        logger.With(zap.String("chain", o.Chain)),
		client:        client,
		userAgent:     o.UserAgent,
		retryAttempts: o.RetryAttempts,
		retryDelay:    o.RetryDelay,
		weights:       xsync.NewMap[string, *weightRecord](),
		breakers:      xsync.NewMap[string, *breaker](),
		limiters:      xsync.NewMap[string, *rate.Limiter](),
		rps:           o.EndpointRPS,
		rng:           rand.New(rand.NewSource(seed)),
		sleep:         sleepCtx,
	}
	b.pools.Store(&poolPair{})
	return b
}

// SetPools atomically replaces both pools.
func (b *Balancer) SetPools(healthy, archive []registry.Endpoint) {
	h := make([]registry.Endpoint, len(healthy))
	copy(h, healthy)
	a := make([]registry.Endpoint, len(archive))
	copy(a, archive)
	b.pools.Store(&poolPair{healthy: h, archive: a})
}

// Pools returns the current snapshot.
func (b *Balancer) Pools() (healthy, archive []registry.Endpoint) {
	p := b.pools.Load()
	return p.healthy, p.archive
}

// Pick selects an endpoint for a first attempt: weighted random over pool
// members whose breaker admits traffic, falling back to plain round-robin
// over the whole pool when every breaker is tripped so the chain is never
// completely unreachable. The second return value is the picked index in the
// pool, which seeds the retry walk.
func (b *Balancer) Pick(isArchive bool) (registry.Endpoint, int, error) {
	pool := b.targetPool(isArchive)
	if len(pool) == 0 {
		return registry.Endpoint{}, 0, fmt.Errorf("%w: chain %s, archive=%t", ErrNoUpstreams, b.chain, isArchive)
	}
	ep, idx := b.pickFrom(pool)
	return ep, idx, nil
}

// pickFrom runs the first-attempt selection against one pool snapshot.
func (b *Balancer) pickFrom(pool []registry.Endpoint) (registry.Endpoint, int) {
	admissible := make([]int, 0, len(pool))
	for i := range pool {
		if !b.breakerFor(pool[i].URL).tripped() {
			admissible = append(admissible, i)
		}
	}

	var idx int
	if len(admissible) == 0 {
		idx = int(b.cursor.Add(1) % uint64(len(pool)))
	} else {
		idx = admissible[b.drawWeighted(pool, admissible)]
		b.cursor.Add(1)
	}

	ep := pool[idx]
	b.breakerFor(ep.URL).admit()
	return ep, idx
}

// Execute runs the full request cycle: weighted first pick, deterministic
// walk from the first pick's index on retries, linear backoff between attempts, weight and breaker
// updates on every outcome. The caller sees the upstream body verbatim or the
// last error wrapped in ExhaustedError.
func (b *Balancer) Execute(ctx context.Context, req Request) (*Result, error) {
	pool := b.targetPool(req.IsArchive)
	if len(pool) == 0 {
		return nil, fmt.Errorf("%w: chain %s, archive=%t", ErrNoUpstreams, b.chain, req.IsArchive)
	}

	attempts := b.retryAttempts
	if attempts > len(pool) {
		attempts = len(pool)
	}
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	base := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		var ep registry.Endpoint
		if attempt == 1 {
			ep, base = b.pickFrom(pool)
		} else {
			ep = b.retryPick(pool, base, attempt-1)
			b.breakerFor(ep.URL).admit()
		}

		res, err := b.forward(ctx, ep, req)
		b.observe(ep.URL, res, err)
		if err == nil {
			return res, nil
		}
		lastErr = err
		b.logger.Warn("Upstream attempt failed",
			zap.String("endpoint", ep.URL),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < attempts {
			if sleepErr := b.sleep(ctx, b.retryDelay*time.Duration(attempt)); sleepErr != nil {
				lastErr = sleepErr
				break
			}
		}
	}

	return nil, &ExhaustedError{Chain: b.chain, Attempts: attempts, Cause: lastErr}
}

// Stats returns the balancer's view of every endpoint it has touched.
func (b *Balancer) Stats() map[string]EndpointStats {
	out := map[string]EndpointStats{}
	b.weights.Range(func(url string, w *weightRecord) bool {
		weight, total, successful, avgRT := w.stats()
		st := EndpointStats{
			Weight:             weight,
			TotalRequests:      total,
			SuccessfulRequests: successful,
			AvgResponseTimeMs:  avgRT,
		}
		if br, ok := b.breakers.Load(url); ok {
			state, _, _ := br.snapshot()
			st.BreakerState = state
		}
		st.Breaker = st.BreakerState.String()
		out[url] = st
		return true
	})
	return out
}

// BreakerStateFor exposes the breaker state for one URL.
func (b *Balancer) BreakerStateFor(url string) BreakerState {
	if br, ok := b.breakers.Load(url); ok {
		state, _, _ := br.snapshot()
		return state
	}
	return BreakerClosed
}

// Reset clears weights, breakers, limiters and pools. Used at shutdown.
func (b *Balancer) Reset() {
	b.weights.Range(func(url string, _ *weightRecord) bool {
		b.weights.Delete(url)
		return true
	})
	b.breakers.Range(func(url string, _ *breaker) bool {
		b.breakers.Delete(url)
		return true
	})
	b.limiters.Range(func(url string, _ *rate.Limiter) bool {
		b.limiters.Delete(url)
		return true
	})
	b.pools.Store(&poolPair{})
}

func (b *Balancer) targetPool(isArchive bool) []registry.Endpoint {
	p := b.pools.Load()
	if isArchive {
		return p.archive
	}
	return p.healthy
}

// drawWeighted draws an index into admissible proportionally to endpoint
// weights, using integer prefix sums.
func (b *Balancer) drawWeighted(pool []registry.Endpoint, admissible []int) int {
	total := 0
	slots := make([]int, len(admissible))
	for i, idx := range admissible {
		w := int(b.weightFor(pool[idx].URL)*weightScale + 0.5)
		if w < 1 {
			w = 1
		}
		slots[i] = w
		total += w
	}

	b.rngMu.Lock()
	r := b.rng.Intn(total)
	b.rngMu.Unlock()

	for i, w := range slots {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(admissible) - 1
}

// retryPick walks the pool deterministically from the first pick's index,
// skipping tripped breakers; if every slot is tripped it settles for the
// unskipped candidate so a retry is always attempted.
func (b *Balancer) retryPick(pool []registry.Endpoint, base, k int) registry.Endpoint {
	n := len(pool)
	candidate := pool[(base+k)%n]
	for off := 0; off < n; off++ {
		ep := pool[(base+k+off)%n]
		if !b.breakerFor(ep.URL).tripped() {
			return ep
		}
	}
	return candidate
}

// observe folds one outcome into the endpoint's weight record and breaker.
func (b *Balancer) observe(url string, res *Result, err error) {
	w, _ := b.weights.LoadOrStore(url, newWeightRecord())
	br := b.breakerFor(url)
	if err == nil {
		w.recordSuccess(float64(res.Duration.Milliseconds()))
		br.success()
		return
	}
	w.recordFailure()
	br.failure()
}

func (b *Balancer) breakerFor(url string) *breaker {
	br, _ := b.breakers.LoadOrStore(url, newBreaker())
	return br
}

func (b *Balancer) weightFor(url string) float64 {
	if w, ok := b.weights.Load(url); ok {
		return w.current()
	}
	return 1.0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/canopy-network/relayx/pkg/retry"
	"github.com/canopy-network/relayx/pkg/utils"
)

// Registry entries are free-form JSON objects maintained by chain
// contributors; the recognized keys have drifted over time, so each field is
// resolved through an ordered list of fallbacks.
var (
	urlKeys  = []string{"RPC Address", "rpc_address", "rpc", "url"}
	nameKeys = []string{"Team or Contributor Name", "team_name", "team", "name"}
)

// FetchError wraps any failure to obtain a usable snapshot from a registry:
// transport errors, non-2xx statuses, parse failures, or an empty result.
type FetchError struct {
	Chain string
	URL   string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("registry fetch for %s (%s): %v", e.Chain, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Opts configures a Poller.
type Opts struct {
	Chain      string
	URL        string
	Interval   time.Duration // poll cadence, min enforced by config
	Timeout    time.Duration // per-request timeout
	MaxRetries int           // attempts per Fetch before giving up
	HTTPClient *http.Client
}

// Poller maintains the endpoint set for one chain by polling its registry
// URL. Snapshots are replaced atomically and re-emitted only when the URL
// membership actually changes.
type Poller struct {
	chain    string
	url      string
	client   *http.Client
	logger   *zap.Logger
	interval time.Duration
	retryCfg retry.Config

	cron *cron.Cron

	mu       sync.Mutex
	current  []Endpoint
	fetched  bool
	onUpdate func([]Endpoint)
}

// NewPoller creates a Poller. Call OnUpdate before Start.
func NewPoller(o Opts, logger *zap.Logger) *Poller {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Interval <= 0 {
		o.Interval = 10 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	}
	return &Poller{
		chain:    o.Chain,
		url:      o.URL,
		client:   client,
		logger:   logger.With(zap.String("chain", o.Chain)),
		interval: o.Interval,
		retryCfg: retry.Config{
			MaxRetries:   o.MaxRetries,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
	}
}

// OnUpdate registers the single downstream consumer of snapshot changes.
func (p *Poller) OnUpdate(fn func([]Endpoint)) { p.onUpdate = fn }

// Current returns the latest successfully fetched snapshot.
func (p *Poller) Current() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Endpoint, len(p.current))
	copy(out, p.current)
	return out
}

// Fetch performs one poll. It retries transient failures with exponential
// backoff, keeps the previous snapshot on total failure, and emits the new
// snapshot iff its URL membership differs from the previously emitted one.
// An empty parsed list counts as a failure so a flapping registry can never
// wipe a populated pool.
func (p *Poller) Fetch(ctx context.Context) ([]Endpoint, error) {
	var eps []Endpoint
	err := retry.WithBackoff(ctx, p.retryCfg, p.logger, "registry fetch", func() error {
		var attemptErr error
		eps, attemptErr = p.fetchOnce(ctx)
		return attemptErr
	})
	if err != nil {
		return nil, &FetchError{Chain: p.chain, URL: p.url, Err: err}
	}

	p.mu.Lock()
	changed := !p.fetched || !SameURLSet(p.current, eps)
	p.current = eps
	p.fetched = true
	emit := p.onUpdate
	p.mu.Unlock()

	if changed {
		p.logger.Info("Registry snapshot changed", zap.Int("endpoints", len(eps)))
		if emit != nil {
			emit(eps)
		}
	}
	return eps, nil
}

// Force runs one off-schedule fetch. Identical to an on-schedule tick
// occurring at this instant.
func (p *Poller) Force(ctx context.Context) ([]Endpoint, error) {
	return p.Fetch(ctx)
}

// Start runs an immediate fetch (skipped when a synchronous Fetch already
// populated the snapshot, as chain initialization does for fail-fast
// startup), then schedules periodic fetches. Errors in periodic fetches are
// logged and the previous snapshot remains in effect.
func (p *Poller) Start(ctx context.Context) error {
	if p.cron != nil {
		return fmt.Errorf("poller for %s already started", p.chain)
	}

	p.mu.Lock()
	fetched := p.fetched
	p.mu.Unlock()
	if !fetched {
		if _, err := p.Fetch(ctx); err != nil {
			p.logger.Error("Initial registry fetch failed, keeping empty snapshot", zap.Error(err))
		}
	}
	p.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
		cron.Recover(cron.DefaultLogger),
	))
	spec := fmt.Sprintf("@every %s", p.interval)
	_, err := p.cron.AddFunc(spec, func() {
		tickCtx, cancel := context.WithTimeout(ctx, p.interval)
		defer cancel()
		if _, fetchErr := p.Fetch(tickCtx); fetchErr != nil {
			p.logger.Error("Periodic registry fetch failed, keeping previous snapshot",
				zap.Error(fetchErr))
		}
	})
	if err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Info("Registry poller started", zap.Duration("interval", p.interval))
	return nil
}

// Stop cancels the scheduler. No further events are emitted by the schedule;
// an explicit Force afterwards still works.
func (p *Poller) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
		p.cron = nil
	}
}

func (p *Poller) fetchOnce(ctx context.Context) ([]Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("registry returned http %d", resp.StatusCode)
	}

	var raw []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode registry body: %w", err)
	}

	eps := parseEntries(raw)
	if len(eps) == 0 {
		return nil, fmt.Errorf("registry yielded no usable endpoints")
	}
	return eps, nil
}

// parseEntries normalizes raw registry objects into Endpoints, silently
// dropping entries without a parseable http(s) URL and deduplicating by
// normalized URL (first entry wins).
func parseEntries(raw []map[string]any) []Endpoint {
	out := make([]Endpoint, 0, len(raw))
	seen := map[string]bool{}
	for _, entry := range raw {
		rawURL := stringField(entry, urlKeys)
		if rawURL == "" {
			continue
		}
		normalized, err := utils.NormalizeURL(rawURL)
		if err != nil {
			continue
		}
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, Endpoint{
			URL:  normalized,
			Name: stringField(entry, nameKeys),
		})
	}
	return out
}

func stringField(entry map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := entry[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

package health

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultProbeConcurrency = 16

// HealthClient fetches a peer's verbose health report.
type HealthClient interface {
	VerboseHealth(ctx context.Context, endpoint string) (peer.VerboseHealth, time.Duration, error)
}

// ProberConfig configures a Prober.
type ProberConfig struct {
	Client           HealthClient
	Thresholds       Thresholds
	PrimaryGrace     time.Duration
	SecondaryGrace   time.Duration
	ProbeConcurrency int
	Retry            peer.RetryPolicy
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Probe is one endpoint's health for a monitoring round.
type Probe struct {
	Endpoint  string              `json:"endpoint"`
	Report    *peer.VerboseHealth `json:"report,omitempty"`
	Latency   time.Duration       `json:"latency"`
	Verdict   Verdict             `json:"verdict"`
	CheckedAt time.Time           `json:"checkedAt"`
}

// Prober classifies peers and keeps the continuously-failing bookkeeping behind the primary and
// secondary grace windows.
type Prober struct {
	client      HealthClient
	thresholds  Thresholds
	concurrency int
	retry       peer.RetryPolicy
	clock       func() time.Time
	logger      *zap.Logger
	primary     *failureTracker
	secondary   *failureTracker
}

// NewProber constructs a Prober.
func NewProber(cfg ProberConfig) *Prober {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.ProbeConcurrency
	if concurrency <= 0 {
		concurrency = defaultProbeConcurrency
	}
	retry := cfg.Retry
	if retry.Attempts <= 0 {
		retry = peer.RetryPolicy{Attempts: 1}
	}
	return &Prober{
		client:      cfg.Client,
		thresholds:  cfg.Thresholds,
		concurrency: concurrency,
		retry:       retry,
		clock:       clock,
		logger:      logger,
		primary:     newFailureTracker(cfg.PrimaryGrace),
		secondary:   newFailureTracker(cfg.SecondaryGrace),
	}
}

// Thresholds returns the configured thresholds.
func (p *Prober) Thresholds() Thresholds {
	return p.thresholds
}

// QueryVerboseHealth fetches the report. Timeouts and non-2xx responses are errors; no partial
// report is returned.
func (p *Prober) QueryVerboseHealth(ctx context.Context, endpoint string) (peer.VerboseHealth, time.Duration, error) {
	var report peer.VerboseHealth
	var latency time.Duration
	err := peer.Retry(ctx, p.retry, func(callCtx context.Context) error {
		var callErr error
		report, latency, callErr = p.client.VerboseHealth(callCtx, endpoint)
		return callErr
	})
	if err != nil {
		return peer.VerboseHealth{}, latency, err
	}
	return report, latency, nil
}

// Probe queries endpoint and evaluates it. simple skips the threshold checks.
func (p *Prober) Probe(ctx context.Context, endpoint string, simple bool) Probe {
	result := Probe{Endpoint: endpoint, CheckedAt: p.clock().UTC()}
	report, latency, err := p.QueryVerboseHealth(ctx, endpoint)
	result.Latency = latency
	if err != nil {
		p.logger.Debug("health probe failed", zap.String("endpoint", endpoint), zap.Error(err))
		result.Verdict = unhealthy(ReasonProbeFailed, "%v", err)
		return result
	}
	result.Report = &report
	result.Verdict = Evaluate(report, p.thresholds, simple)
	return result
}

// Evaluate classifies a successfully fetched report.
func Evaluate(report peer.VerboseHealth, thresholds Thresholds, simple bool) Verdict {
	if !report.Healthy {
		return unhealthy(ReasonReportedUnhealthy, "node reports healthy=false")
	}
	if simple {
		return healthyVerdict()
	}
	return DeterminePeerHealth(report, thresholds)
}

// IsNodeHealthy probes endpoint once.
func (p *Prober) IsNodeHealthy(ctx context.Context, endpoint string, simple bool) bool {
	return p.Probe(ctx, endpoint, simple).Verdict.Healthy
}

// IsPrimaryHealthy runs a deep check and reports healthy until the primary has been failing
// continuously for longer than the primary grace window.
func (p *Prober) IsPrimaryHealthy(ctx context.Context, endpoint string) bool {
	return p.ObservePrimary(endpoint, p.IsNodeHealthy(ctx, endpoint, false))
}

// IsSecondaryHealthy is IsPrimaryHealthy with the secondary grace window.
func (p *Prober) IsSecondaryHealthy(ctx context.Context, endpoint string) bool {
	return p.ObserveSecondary(endpoint, p.IsNodeHealthy(ctx, endpoint, false))
}

// ObservePrimary feeds an already computed result into the primary grace window.
func (p *Prober) ObservePrimary(endpoint string, healthy bool) bool {
	return p.primary.observe(endpoint, healthy, p.clock())
}

// ObserveSecondary feeds an already computed result into the secondary grace window.
func (p *Prober) ObserveSecondary(endpoint string, healthy bool) bool {
	return p.secondary.observe(endpoint, healthy, p.clock())
}

// ComputePeerHealth deep-probes each distinct endpoint once with bounded concurrency.
func (p *Prober) ComputePeerHealth(ctx context.Context, endpoints []string) map[string]Probe {
	unique := make([]string, 0, len(endpoints))
	seen := make(map[string]struct{}, len(endpoints))
	for _, endpoint := range endpoints {
		trimmed := strings.TrimSpace(endpoint)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		unique = append(unique, trimmed)
	}

	results := make(map[string]Probe, len(unique))
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.concurrency)
	for _, endpoint := range unique {
		group.Go(func() error {
			probe := p.Probe(groupCtx, endpoint, false)
			mu.Lock()
			results[endpoint] = probe
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// failureTracker remembers since when each endpoint has been failing without interruption.
type failureTracker struct {
	grace time.Duration
	mu    sync.Mutex
	since map[string]time.Time
}

func newFailureTracker(grace time.Duration) *failureTracker {
	return &failureTracker{grace: grace, since: make(map[string]time.Time)}
}

func (t *failureTracker) observe(endpoint string, healthy bool, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if healthy {
		delete(t.since, endpoint)
		return true
	}
	failingSince, ok := t.since[endpoint]
	if !ok {
		failingSince = now
		t.since[endpoint] = now
	}
	return now.Sub(failingSince) < t.grace
}

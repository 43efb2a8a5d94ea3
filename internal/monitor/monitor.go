package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/health"
	"github.com/MarcoPoloResearchLab/contentnode/internal/peer"
	"github.com/MarcoPoloResearchLab/contentnode/internal/reconciler"
	"github.com/MarcoPoloResearchLab/contentnode/internal/reconfig"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replicaset"
	"github.com/MarcoPoloResearchLab/contentnode/internal/synchistory"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

const (
	defaultUsersPerJob      = 100
	defaultInterval         = time.Minute
	defaultClockConcurrency = 8
)

// Directory lists the users whose replica set contains an endpoint.
type Directory interface {
	UsersForEndpoint(ctx context.Context, endpoint string, afterUserID uint, limit int) ([]replicaset.Assignment, error)
}

// Prober probes peers and applies the role grace windows.
type Prober interface {
	ComputePeerHealth(ctx context.Context, endpoints []string) map[string]health.Probe
	ObservePrimary(endpoint string, healthy bool) bool
	ObserveSecondary(endpoint string, healthy bool) bool
}

// ClockClient fetches wallet clocks from a peer.
type ClockClient interface {
	BatchClockStatus(ctx context.Context, endpoint string, wallets []string, returnFilesHash bool) ([]peer.WalletClockStatus, error)
}

// LocalStore reads this node's clocks.
type LocalStore interface {
	GetClocks(ctx context.Context, wallets []string) (map[string]int64, error)
	FilesHash(ctx context.Context, wallet string, clockMin int64, clockMax int64) (string, error)
}

// History reads the rolling sync counters.
type History interface {
	SecondaryDailyFailures(ctx context.Context, wallets []string) (map[synchistory.Pair]int64, error)
	SecondarySuccessRates(ctx context.Context, wallets []string) (map[synchistory.Pair]synchistory.Rate, error)
}

// SyncQueue accepts sync requests.
type SyncQueue interface {
	Enqueue(request reconciler.SyncRequest) (bool, error)
}

// ReconfigQueue accepts reconfiguration requests.
type ReconfigQueue interface {
	Enqueue(request reconfig.Request) (bool, error)
}

// Config configures a Monitor.
type Config struct {
	Directory                      Directory
	Prober                         Prober
	Clocks                         ClockClient
	Store                          LocalStore
	History                        History
	Syncs                          SyncQueue
	Reconfigs                      ReconfigQueue
	SelfEndpoint                   string
	UsersPerJob                    int
	Interval                       time.Duration
	DailyFailureThreshold          int64
	MinimumSecondarySuccessPercent float64
	MinimumSecondarySyncSamples    int64
	ClockRetry                     peer.RetryPolicy
	ClockConcurrency               int
	Clock                          func() time.Time
	Logger                         *zap.Logger
	OnRun                          func(JobResult)
}

// Monitor sweeps the users this node serves, a bounded batch per run, and turns what it observes
// into sync and reconfiguration requests.
type Monitor struct {
	cfg    Config
	self   string
	clock  func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	cursor    uint
	lastTrace *Trace
}

// New constructs a Monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Directory == nil || cfg.Prober == nil || cfg.Clocks == nil || cfg.Store == nil {
		return nil, errors.New("monitor: directory, prober, clock client and store are required")
	}
	self := replicaset.NormalizeEndpoint(cfg.SelfEndpoint)
	if self == "" {
		return nil, errors.New("monitor: self endpoint required")
	}
	if cfg.UsersPerJob <= 0 {
		cfg.UsersPerJob = defaultUsersPerJob
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ClockRetry.Attempts <= 0 {
		cfg.ClockRetry = peer.RetryPolicy{Attempts: 2, InitialBackoff: 100 * time.Millisecond}
	}
	if cfg.ClockRetry.Retryable == nil {
		cfg.ClockRetry.Retryable = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if cfg.ClockConcurrency <= 0 {
		cfg.ClockConcurrency = defaultClockConcurrency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{cfg: cfg, self: self, clock: clock, logger: logger}, nil
}

// Start runs a monitoring job immediately and then on every interval until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("state monitor started", zap.Duration("interval", m.cfg.Interval), zap.Int("users_per_job", m.cfg.UsersPerJob))
	m.runLogged(ctx)
	for {
		select {
		case <-ticker.C:
			m.runLogged(ctx)
		case <-ctx.Done():
			m.logger.Info("state monitor stopped")
			return
		}
	}
}

func (m *Monitor) runLogged(ctx context.Context) {
	result, err := m.RunOnce(ctx)
	if err != nil {
		m.logger.Warn("monitoring job interrupted", zap.String("job_id", result.Trace.JobID), zap.Error(err))
		return
	}
	if m.cfg.OnRun != nil {
		m.cfg.OnRun(result)
	}
	m.logger.Info("monitoring job completed",
		zap.String("job_id", result.Trace.JobID),
		zap.Duration("duration", result.Trace.Duration),
		zap.Uint("cursor", result.Trace.CursorEnd),
		zap.Int("sync_requests", len(result.SyncRequests)),
		zap.Int("reconfigs", len(result.Reconfigs)),
	)
}

// LastTrace returns the trace of the most recent run.
func (m *Monitor) LastTrace() (Trace, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastTrace == nil {
		return Trace{}, false
	}
	return *m.lastTrace, true
}

// Cursor returns the user id the next run resumes after.
func (m *Monitor) Cursor() uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// round carries the state shared by the stages of one run.
type round struct {
	users       []replicaset.Assignment
	probes      map[string]health.Probe
	peerClocks  map[string]map[string]peer.WalletClockStatus
	failedPeers map[string]bool
	localClocks map[string]int64
	failures    map[synchistory.Pair]int64
	rates       map[synchistory.Pair]synchistory.Rate
	primaryOK   map[string]bool
	secondaryOK map[string]bool
}

// RunOnce runs one monitoring job. A failing stage is recorded in the trace and the run moves on;
// the cursor always advances past whatever batch was fetched. Only cancellation is returned as an
// error.
func (m *Monitor) RunOnce(ctx context.Context) (JobResult, error) {
	jobID, err := uuid.NewV7()
	if err != nil {
		return JobResult{}, fmt.Errorf("monitor: job id: %w", err)
	}
	m.mu.Lock()
	cursor := m.cursor
	m.mu.Unlock()

	started := m.clock()
	result := JobResult{
		Trace: Trace{JobID: jobID.String(), StartedAt: started.UTC(), CursorStart: cursor, CursorEnd: cursor},
	}
	state := &round{
		peerClocks:  make(map[string]map[string]peer.WalletClockStatus),
		failedPeers: make(map[string]bool),
		localClocks: make(map[string]int64),
		failures:    make(map[synchistory.Pair]int64),
		rates:       make(map[synchistory.Pair]synchistory.Rate),
		primaryOK:   make(map[string]bool),
		secondaryOK: make(map[string]bool),
	}

	m.stage(ctx, &result.Trace, StageFetchUsers, func() (map[string]int, error) {
		users, err := m.cfg.Directory.UsersForEndpoint(ctx, m.self, cursor, m.cfg.UsersPerJob)
		state.users = users
		if len(users) < m.cfg.UsersPerJob {
			result.Trace.CursorEnd = 0
		} else {
			result.Trace.CursorEnd = users[len(users)-1].UserID
		}
		if err != nil {
			result.Trace.CursorEnd = cursor
		}
		return map[string]int{"users": len(users)}, err
	})

	m.stage(ctx, &result.Trace, StageProbePeers, func() (map[string]int, error) {
		peers := m.peers(state.users)
		state.probes = m.cfg.Prober.ComputePeerHealth(ctx, peers)
		healthy := 0
		for _, probe := range state.probes {
			if probe.Verdict.Healthy {
				healthy++
			}
		}
		return map[string]int{"peers": len(peers), "healthy": healthy, "unhealthy": len(state.probes) - healthy}, ctx.Err()
	})

	m.stage(ctx, &result.Trace, StageFetchClocks, func() (map[string]int, error) {
		return m.fetchClocks(ctx, state)
	})

	m.stage(ctx, &result.Trace, StageSyncSuccessRates, func() (map[string]int, error) {
		if m.cfg.History == nil {
			return map[string]int{}, nil
		}
		wallets := m.walletsServedAs(state.users, replicaset.RolePrimary)
		failures, err := m.cfg.History.SecondaryDailyFailures(ctx, wallets)
		if err != nil {
			return map[string]int{"wallets": len(wallets)}, err
		}
		state.failures = failures
		rates, err := m.cfg.History.SecondarySuccessRates(ctx, wallets)
		if err != nil {
			return map[string]int{"wallets": len(wallets)}, err
		}
		state.rates = rates
		poor := 0
		for _, rate := range rates {
			if m.poorRate(rate) {
				poor++
			}
		}
		return map[string]int{"wallets": len(wallets), "pairs": len(rates), "poor_rate_pairs": poor}, nil
	})

	m.stage(ctx, &result.Trace, StageComputeDecisions, func() (map[string]int, error) {
		counts := make(map[string]int)
		for _, user := range state.users {
			if err := ctx.Err(); err != nil {
				return counts, err
			}
			m.decide(ctx, state, user, &result, counts)
		}
		counts["sync_requests"] = len(result.SyncRequests)
		counts["reconfigs"] = len(result.Reconfigs)
		return counts, nil
	})

	m.stage(ctx, &result.Trace, StageEnqueue, func() (map[string]int, error) {
		return m.enqueue(result)
	})

	result.Trace.Duration = m.clock().Sub(started)
	m.mu.Lock()
	m.cursor = result.Trace.CursorEnd
	trace := result.Trace
	m.lastTrace = &trace
	m.mu.Unlock()
	return result, ctx.Err()
}

func (m *Monitor) stage(ctx context.Context, trace *Trace, name string, run func() (map[string]int, error)) {
	started := m.clock()
	entry := TraceStage{Name: name, StartedAt: started.UTC()}
	if err := ctx.Err(); err != nil {
		entry.Error = err.Error()
		entry.Counts = map[string]int{}
		trace.Stages = append(trace.Stages, entry)
		return
	}
	counts, err := run()
	entry.Duration = m.clock().Sub(started)
	entry.Counts = counts
	if entry.Counts == nil {
		entry.Counts = map[string]int{}
	}
	if err != nil {
		entry.Error = err.Error()
		m.logger.Warn("monitoring stage failed",
			zap.String("job_id", trace.JobID),
			zap.String("stage", name),
			zap.Any("counts", entry.Counts),
			zap.Error(err),
		)
	} else {
		m.logger.Debug("monitoring stage completed",
			zap.String("job_id", trace.JobID),
			zap.String("stage", name),
			zap.Duration("duration", entry.Duration),
			zap.Any("counts", entry.Counts),
		)
	}
	trace.Stages = append(trace.Stages, entry)
}

// peers returns every distinct replica set member of users other than this node.
func (m *Monitor) peers(users []replicaset.Assignment) []string {
	peers := make([]string, 0, len(users)*2)
	for _, user := range users {
		for _, member := range user.ReplicaSet().Members() {
			if member != m.self {
				peers = append(peers, member)
			}
		}
	}
	slices.Sort(peers)
	return slices.Compact(peers)
}

func (m *Monitor) fetchClocks(ctx context.Context, state *round) (map[string]int, error) {
	walletsByPeer := make(map[string][]string)
	wallets := make([]string, 0, len(state.users))
	for _, user := range state.users {
		wallets = append(wallets, user.Wallet)
		for _, member := range user.ReplicaSet().Members() {
			if member == m.self {
				continue
			}
			if probe, ok := state.probes[member]; !ok || !probe.Verdict.Healthy {
				continue
			}
			walletsByPeer[member] = append(walletsByPeer[member], user.Wallet)
		}
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.cfg.ClockConcurrency)
	for endpoint, peerWallets := range walletsByPeer {
		group.Go(func() error {
			var statuses []peer.WalletClockStatus
			policy := m.cfg.ClockRetry
			policy.Notify = func(err error, wait time.Duration) {
				m.logger.Debug("clock fetch retrying", zap.String("endpoint", endpoint), zap.Duration("wait", wait), zap.Error(err))
			}
			err := peer.Retry(groupCtx, policy, func(callCtx context.Context) error {
				var callErr error
				statuses, callErr = m.cfg.Clocks.BatchClockStatus(callCtx, endpoint, peerWallets, true)
				return callErr
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.logger.Warn("clock fetch failed; peer unhealthy for this round", zap.String("endpoint", endpoint), zap.Error(err))
				state.failedPeers[endpoint] = true
				return nil
			}
			byWallet := make(map[string]peer.WalletClockStatus, len(statuses))
			for _, status := range statuses {
				byWallet[status.WalletPublicKey] = status
			}
			state.peerClocks[endpoint] = byWallet
			return nil
		})
	}
	_ = group.Wait()

	counts := map[string]int{
		"peers_queried": len(walletsByPeer),
		"peers_failed":  len(state.failedPeers),
		"wallets":       len(wallets),
	}
	if len(wallets) == 0 {
		return counts, nil
	}
	localClocks, err := m.cfg.Store.GetClocks(ctx, wallets)
	if err != nil {
		return counts, fmt.Errorf("monitor: local clocks: %w", err)
	}
	state.localClocks = localClocks
	return counts, nil
}

// peerHealthy reports this round's raw health of endpoint.
func (m *Monitor) peerHealthy(state *round, endpoint string) bool {
	probe, ok := state.probes[endpoint]
	return ok && probe.Verdict.Healthy && !state.failedPeers[endpoint]
}

// primaryWithinGrace reports whether endpoint is healthy or still inside the primary grace window.
func (m *Monitor) primaryWithinGrace(state *round, endpoint string) bool {
	if ok, seen := state.primaryOK[endpoint]; seen {
		return ok
	}
	ok := m.cfg.Prober.ObservePrimary(endpoint, m.peerHealthy(state, endpoint))
	state.primaryOK[endpoint] = ok
	return ok
}

func (m *Monitor) secondaryWithinGrace(state *round, endpoint string) bool {
	if ok, seen := state.secondaryOK[endpoint]; seen {
		return ok
	}
	ok := m.cfg.Prober.ObserveSecondary(endpoint, m.peerHealthy(state, endpoint))
	state.secondaryOK[endpoint] = ok
	return ok
}

func (m *Monitor) poorRate(rate synchistory.Rate) bool {
	if m.cfg.MinimumSecondarySuccessPercent <= 0 {
		return false
	}
	return rate.Total() >= m.cfg.MinimumSecondarySyncSamples && rate.Percent() < m.cfg.MinimumSecondarySuccessPercent
}

func (m *Monitor) decide(ctx context.Context, state *round, user replicaset.Assignment, result *JobResult, counts map[string]int) {
	set := user.ReplicaSet()
	wallet := user.Wallet
	localClock, known := state.localClocks[wallet]
	if !known {
		localClock = -1
	}

	switch set.RoleOf(m.self) {
	case replicaset.RolePrimary:
		clocks := map[string]int64{m.self: localClock}
		var unhealthy []string
		for _, secondary := range set.Secondaries() {
			status, hasData := state.peerClocks[secondary][wallet]
			if hasData {
				clocks[secondary] = status.Clock
			}
			pair := synchistory.Pair{Wallet: wallet, Secondary: secondary}
			if !m.secondaryWithinGrace(state, secondary) || m.poorRate(state.rates[pair]) {
				unhealthy = append(unhealthy, secondary)
			}
			if localClock < 0 {
				counts["primary_clock_unavailable"]++
				continue
			}

			pairState := reconciler.PairState{
				Wallet:             wallet,
				Primary:            m.self,
				Secondary:          secondary,
				PrimaryClock:       localClock,
				SecondaryClock:     status.Clock,
				SecondaryFilesHash: status.FilesHash,
				SecondaryHealthy:   m.peerHealthy(state, secondary),
				HasSecondaryData:   hasData,
				DailyFailures:      state.failures[pair],
			}
			if hasData && status.Clock == localClock && status.FilesHash != nil {
				if hash, err := m.cfg.Store.FilesHash(ctx, wallet, 0, -1); err == nil {
					pairState.PrimaryFilesHash = &hash
				} else {
					m.logger.Debug("files hash unavailable", zap.String("wallet", wallet), zap.Error(err))
				}
			}

			decision := reconciler.Decide(pairState, m.cfg.DailyFailureThreshold)
			counts[string(decision.Action)]++
			counts[decision.Reason]++
			result.Decisions = append(result.Decisions, PairDecision{
				Wallet:         wallet,
				Secondary:      secondary,
				PrimaryClock:   localClock,
				SecondaryClock: pairState.SecondaryClock,
				Decision:       decision,
			})
			if decision.Action == reconciler.ActionSync {
				request := reconciler.SyncRequest{
					Wallet:       wallet,
					Secondary:    secondary,
					Primary:      m.self,
					Priority:     reconciler.PriorityRecurring,
					SyncMode:     reconciler.SyncModeSecondaryFromPrimary,
					PrimaryClock: localClock,
				}
				// Equal clocks cannot be repaired by pulling forward.
				if decision.Reason == reconciler.ReasonFilesHashMismatch {
					request.SyncMode = reconciler.SyncModeForceResync
					request.PrimaryFilesHash = pairState.PrimaryFilesHash
				}
				result.SyncRequests = append(result.SyncRequests, request)
			}
		}
		if len(unhealthy) > 0 {
			result.Reconfigs = append(result.Reconfigs, reconfig.Request{Wallet: wallet, Current: set, Unhealthy: unhealthy, Clocks: clocks})
		}

	case replicaset.RoleSecondary:
		if m.primaryWithinGrace(state, set.Primary) {
			return
		}
		unhealthy := []string{set.Primary}
		clocks := map[string]int64{m.self: localClock}
		for _, secondary := range set.Secondaries() {
			if secondary == m.self {
				continue
			}
			if status, ok := state.peerClocks[secondary][wallet]; ok {
				clocks[secondary] = status.Clock
			}
			if !m.secondaryWithinGrace(state, secondary) {
				unhealthy = append(unhealthy, secondary)
			}
		}
		counts["primary_unhealthy"]++
		result.Reconfigs = append(result.Reconfigs, reconfig.Request{Wallet: wallet, Current: set, Unhealthy: unhealthy, Clocks: clocks})
	}
}

func (m *Monitor) walletsServedAs(users []replicaset.Assignment, role replicaset.Role) []string {
	wallets := make([]string, 0, len(users))
	for _, user := range users {
		if user.ReplicaSet().RoleOf(m.self) == role {
			wallets = append(wallets, user.Wallet)
		}
	}
	return wallets
}

func (m *Monitor) enqueue(result JobResult) (map[string]int, error) {
	counts := map[string]int{}
	var errs []error
	if m.cfg.Syncs != nil {
		for _, request := range result.SyncRequests {
			queued, err := m.cfg.Syncs.Enqueue(request)
			switch {
			case err != nil:
				counts["sync_failed"]++
				errs = append(errs, err)
			case queued:
				counts["sync_enqueued"]++
			default:
				counts["sync_duplicate"]++
			}
		}
	}
	if m.cfg.Reconfigs != nil {
		for _, request := range result.Reconfigs {
			queued, err := m.cfg.Reconfigs.Enqueue(request)
			switch {
			case err != nil:
				counts["reconfig_failed"]++
				errs = append(errs, err)
			case queued:
				counts["reconfig_enqueued"]++
			default:
				counts["reconfig_duplicate"]++
			}
		}
	}
	return counts, errors.Join(errs...)
}

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/peer"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultIssueTimeout            = 5 * time.Second
	defaultManualMonitorCeiling    = 45 * time.Second
	defaultRecurringMonitorCeiling = 5 * time.Minute
	defaultPollInterval            = time.Second
	recentOutcomeLimit             = 200
)

// Priority orders sync requests at dequeue time.
type Priority int

const (
	PriorityManual Priority = iota
	PriorityRecurring
)

func (p Priority) String() string {
	switch p {
	case PriorityManual:
		return "manual"
	case PriorityRecurring:
		return "recurring"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// MarshalText renders the priority name in JSON.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "manual":
		*p = PriorityManual
	case "recurring":
		*p = PriorityRecurring
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPriority, text)
	}
	return nil
}

// Sync modes.
const (
	// SyncModeSecondaryFromPrimary asks the secondary to pull from the primary.
	SyncModeSecondaryFromPrimary = "sync_secondary_from_primary"
	// SyncModeForceResync asks the secondary to replace its records with the primary's. The
	// request completes once the secondary reports PrimaryFilesHash.
	SyncModeForceResync = "force_resync"
)

var (
	// ErrInvalidRequest indicates a sync request missing a wallet, secondary or primary.
	ErrInvalidRequest = errors.New("reconciler: invalid sync request")
	// ErrInvalidPriority indicates an unknown priority.
	ErrInvalidPriority = errors.New("reconciler: invalid priority")
	// ErrInvalidSyncMode indicates an unknown sync mode, or a resync without a primary files hash.
	ErrInvalidSyncMode = errors.New("reconciler: invalid sync mode")
)

// SyncRequest asks Secondary to catch Wallet up to PrimaryClock from Primary.
// PrimaryFilesHash is set for SyncModeForceResync.
type SyncRequest struct {
	ID               string    `json:"id"`
	Wallet           string    `json:"wallet"`
	Secondary        string    `json:"secondary"`
	Primary          string    `json:"primary"`
	Priority         Priority  `json:"priority"`
	SyncMode         string    `json:"syncMode"`
	PrimaryClock     int64     `json:"primaryClock"`
	PrimaryFilesHash *string   `json:"primaryFilesHash,omitempty"`
	EnqueuedAt       time.Time `json:"enqueuedAt"`
}

// Outcome is the resolution of one sync request.
type Outcome struct {
	Request     SyncRequest `json:"request"`
	Success     bool        `json:"success"`
	Reason      string      `json:"reason"`
	Issued      bool        `json:"issued"`
	FinalClock  int64       `json:"finalClock"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt time.Time   `json:"completedAt"`
}

// Outcome reasons.
const (
	OutcomeCaughtUp       = "caught_up"
	OutcomeHashMatched    = "files_hash_matched"
	OutcomeIssueFailed    = "issue_failed"
	OutcomeMonitorExpired = "monitor_ceiling_reached"
	OutcomeCanceled       = "canceled"
)

// Client is the subset of the peer client the reconciler calls.
type Client interface {
	IssueSync(ctx context.Context, endpoint string, payload peer.SyncPayload) error
	SyncStatus(ctx context.Context, endpoint string, wallet string) (peer.SyncStatus, error)
	BatchClockStatus(ctx context.Context, endpoint string, wallets []string, returnFilesHash bool) ([]peer.WalletClockStatus, error)
}

// History receives every resolved outcome.
type History interface {
	RecordSecondaryOutcome(ctx context.Context, wallet string, secondary string, success bool) error
}

// Config configures a Reconciler.
type Config struct {
	Client                  Client
	History                 History
	ManualConcurrency       int
	RecurringConcurrency    int
	IssueTimeout            time.Duration
	ManualMonitorCeiling    time.Duration
	RecurringMonitorCeiling time.Duration
	PollInterval            time.Duration
	Clock                   func() time.Time
	Logger                  *zap.Logger
	OnComplete              func(Outcome)
}

type pairKey struct {
	wallet    string
	secondary string
}

// Reconciler runs sync requests on bounded per-priority worker pools. Manual requests are always
// dequeued before recurring ones, at most one request per (wallet, secondary) is outstanding and
// at most one request per wallet runs at a time.
type Reconciler struct {
	client                  Client
	history                 History
	issueTimeout            time.Duration
	manualMonitorCeiling    time.Duration
	recurringMonitorCeiling time.Duration
	pollInterval            time.Duration
	clock                   func() time.Time
	logger                  *zap.Logger
	onComplete              func(Outcome)

	mu          sync.Mutex
	queues      [2][]SyncRequest
	limits      [2]int
	inFlight    [2]int
	outstanding map[pairKey]struct{}
	busyWallets map[string]struct{}
	recent      []Outcome
	wake        chan struct{}
	workers     sync.WaitGroup
}

// New constructs a Reconciler. Call Run to start processing.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Client == nil {
		return nil, errors.New("reconciler: client required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		client:                  cfg.Client,
		history:                 cfg.History,
		issueTimeout:            durationOrDefault(cfg.IssueTimeout, defaultIssueTimeout),
		manualMonitorCeiling:    durationOrDefault(cfg.ManualMonitorCeiling, defaultManualMonitorCeiling),
		recurringMonitorCeiling: durationOrDefault(cfg.RecurringMonitorCeiling, defaultRecurringMonitorCeiling),
		pollInterval:            durationOrDefault(cfg.PollInterval, defaultPollInterval),
		clock:                   clock,
		logger:                  logger,
		onComplete:              cfg.OnComplete,
		limits:                  [2]int{nonNegative(cfg.ManualConcurrency), nonNegative(cfg.RecurringConcurrency)},
		outstanding:             make(map[pairKey]struct{}),
		busyWallets:             make(map[string]struct{}),
		wake:                    make(chan struct{}, 1),
	}, nil
}

// Enqueue queues request unless one is already outstanding for the same (wallet, secondary).
// It reports whether the request was queued.
func (r *Reconciler) Enqueue(request SyncRequest) (bool, error) {
	request.Wallet = strings.ToLower(strings.TrimSpace(request.Wallet))
	request.Secondary = normalizeEndpoint(request.Secondary)
	request.Primary = normalizeEndpoint(request.Primary)
	if request.Wallet == "" || request.Secondary == "" || request.Primary == "" {
		return false, ErrInvalidRequest
	}
	if request.Priority != PriorityManual && request.Priority != PriorityRecurring {
		return false, ErrInvalidPriority
	}
	switch request.SyncMode {
	case "":
		request.SyncMode = SyncModeSecondaryFromPrimary
	case SyncModeSecondaryFromPrimary:
	case SyncModeForceResync:
		if request.PrimaryFilesHash == nil {
			return false, ErrInvalidSyncMode
		}
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidSyncMode, request.SyncMode)
	}

	key := pairKey{wallet: request.Wallet, secondary: request.Secondary}
	r.mu.Lock()
	if _, exists := r.outstanding[key]; exists {
		r.mu.Unlock()
		return false, nil
	}
	if request.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			r.mu.Unlock()
			return false, fmt.Errorf("reconciler: request id: %w", err)
		}
		request.ID = id.String()
	}
	if request.EnqueuedAt.IsZero() {
		request.EnqueuedAt = r.clock().UTC()
	}
	r.outstanding[key] = struct{}{}
	r.queues[request.Priority] = append(r.queues[request.Priority], request)
	r.mu.Unlock()

	r.logger.Debug("sync request enqueued",
		zap.String("id", request.ID),
		zap.String("wallet", request.Wallet),
		zap.String("secondary", request.Secondary),
		zap.Stringer("priority", request.Priority),
		zap.Int64("primary_clock", request.PrimaryClock),
		zap.String("sync_mode", request.SyncMode),
	)
	r.signal()
	return true, nil
}

// SetConcurrency changes a pool's limit. Zero pauses the pool; queued work is kept.
func (r *Reconciler) SetConcurrency(priority Priority, limit int) {
	if priority != PriorityManual && priority != PriorityRecurring {
		return
	}
	r.mu.Lock()
	r.limits[priority] = nonNegative(limit)
	r.mu.Unlock()
	r.signal()
}

// Depths returns the queued (not yet running) request counts for manual and recurring.
func (r *Reconciler) Depths() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[PriorityManual]), len(r.queues[PriorityRecurring])
}

// Outstanding reports whether a request for the pair is queued or running.
func (r *Reconciler) Outstanding(wallet string, secondary string) bool {
	key := pairKey{wallet: strings.ToLower(strings.TrimSpace(wallet)), secondary: normalizeEndpoint(secondary)}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.outstanding[key]
	return exists
}

// RecentOutcomes returns the most recent outcomes, oldest first.
func (r *Reconciler) RecentOutcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.recent...)
}

// Run dispatches queued requests until ctx ends, then waits for running requests.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("sync reconciler started")
	for {
		for {
			request, ok := r.claim()
			if !ok {
				break
			}
			r.workers.Add(1)
			go func() {
				defer r.workers.Done()
				r.process(ctx, request)
			}()
		}
		select {
		case <-ctx.Done():
			r.workers.Wait()
			r.logger.Info("sync reconciler stopped")
			return
		case <-r.wake:
		}
	}
}

// claim picks the next runnable request. Recurring work is only considered when no manual
// request is waiting, unless the manual pool is paused.
func (r *Reconciler) claim() (SyncRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if request, ok := r.claimFrom(PriorityManual); ok {
		return request, true
	}
	if len(r.queues[PriorityManual]) > 0 && r.limits[PriorityManual] > 0 {
		return SyncRequest{}, false
	}
	return r.claimFrom(PriorityRecurring)
}

func (r *Reconciler) claimFrom(priority Priority) (SyncRequest, bool) {
	if r.inFlight[priority] >= r.limits[priority] {
		return SyncRequest{}, false
	}
	queue := r.queues[priority]
	for index, request := range queue {
		if _, busy := r.busyWallets[request.Wallet]; busy {
			continue
		}
		r.queues[priority] = append(queue[:index:index], queue[index+1:]...)
		r.inFlight[priority]++
		r.busyWallets[request.Wallet] = struct{}{}
		return request, true
	}
	return SyncRequest{}, false
}

func (r *Reconciler) release(request SyncRequest) {
	r.mu.Lock()
	r.inFlight[request.Priority]--
	delete(r.busyWallets, request.Wallet)
	delete(r.outstanding, pairKey{wallet: request.Wallet, secondary: request.Secondary})
	r.mu.Unlock()
	r.signal()
}

func (r *Reconciler) process(ctx context.Context, request SyncRequest) {
	defer r.release(request)

	outcome := Outcome{Request: request, StartedAt: r.clock().UTC(), FinalClock: -1}
	outcome.Success, outcome.Reason, outcome.Issued, outcome.FinalClock = r.execute(ctx, request)
	outcome.CompletedAt = r.clock().UTC()

	if r.history != nil && outcome.Reason != OutcomeCanceled {
		historyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.issueTimeout)
		if err := r.history.RecordSecondaryOutcome(historyCtx, request.Wallet, request.Secondary, outcome.Success); err != nil {
			r.logger.Warn("sync outcome not recorded", zap.String("id", request.ID), zap.Error(err))
		}
		cancel()
	}

	fields := []zap.Field{
		zap.String("id", request.ID),
		zap.String("wallet", request.Wallet),
		zap.String("secondary", request.Secondary),
		zap.Stringer("priority", request.Priority),
		zap.Bool("success", outcome.Success),
		zap.String("reason", outcome.Reason),
		zap.Int64("primary_clock", request.PrimaryClock),
		zap.Int64("final_clock", outcome.FinalClock),
		zap.Duration("duration", outcome.CompletedAt.Sub(outcome.StartedAt)),
	}
	if outcome.Success {
		r.logger.Info("sync request completed", fields...)
	} else {
		r.logger.Warn("sync request failed", fields...)
	}

	r.mu.Lock()
	r.recent = append(r.recent, outcome)
	if len(r.recent) > recentOutcomeLimit {
		r.recent = r.recent[len(r.recent)-recentOutcomeLimit:]
	}
	r.mu.Unlock()
	if r.onComplete != nil {
		r.onComplete(outcome)
	}
}

// execute issues the sync unless the secondary already runs one, then polls until the secondary
// reaches the primary clock or the monitoring ceiling elapses. A force resync is always issued
// and completes only once the secondary's files hash matches the primary's.
func (r *Reconciler) execute(ctx context.Context, request SyncRequest) (bool, string, bool, int64) {
	resync := request.SyncMode == SyncModeForceResync
	finalClock := int64(-1)
	statusCtx, cancelStatus := context.WithTimeout(ctx, r.issueTimeout)
	status, statusErr := r.client.SyncStatus(statusCtx, request.Secondary, request.Wallet)
	cancelStatus()
	if statusErr == nil {
		finalClock = status.ClockValue
		if !resync && status.ClockValue >= request.PrimaryClock && !status.SyncInProgress {
			return true, OutcomeCaughtUp, false, finalClock
		}
	}

	issued := false
	if resync || statusErr != nil || !status.SyncInProgress {
		issueCtx, cancelIssue := context.WithTimeout(ctx, r.issueTimeout)
		err := r.client.IssueSync(issueCtx, request.Secondary, peer.SyncPayload{
			Wallet:              []string{request.Wallet},
			CreatorNodeEndpoint: request.Primary,
			Immediate:           request.Priority == PriorityManual,
			ForceResync:         resync,
		})
		cancelIssue()
		if err != nil {
			if ctx.Err() != nil {
				return false, OutcomeCanceled, false, finalClock
			}
			r.logger.Debug("sync issue failed", zap.String("id", request.ID), zap.Error(err))
			return false, OutcomeIssueFailed, false, finalClock
		}
		issued = true
	}

	ceiling := r.recurringMonitorCeiling
	if request.Priority == PriorityManual {
		ceiling = r.manualMonitorCeiling
	}
	monitorCtx, cancelMonitor := context.WithTimeout(ctx, ceiling)
	defer cancelMonitor()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-monitorCtx.Done():
			if ctx.Err() != nil {
				return false, OutcomeCanceled, issued, finalClock
			}
			return false, OutcomeMonitorExpired, issued, finalClock
		case <-ticker.C:
		}
		pollCtx, cancelPoll := context.WithTimeout(monitorCtx, r.issueTimeout)
		if resync {
			clock, matched, err := r.filesHashMatches(pollCtx, request)
			cancelPoll()
			if err != nil {
				continue
			}
			finalClock = clock
			if matched {
				return true, OutcomeHashMatched, issued, finalClock
			}
			continue
		}
		status, err := r.client.SyncStatus(pollCtx, request.Secondary, request.Wallet)
		cancelPoll()
		if err != nil {
			continue
		}
		finalClock = status.ClockValue
		if status.ClockValue >= request.PrimaryClock {
			return true, OutcomeCaughtUp, issued, finalClock
		}
	}
}

// filesHashMatches reports the secondary's clock for the wallet and whether it has reached the
// primary clock with the primary's files hash.
func (r *Reconciler) filesHashMatches(ctx context.Context, request SyncRequest) (int64, bool, error) {
	statuses, err := r.client.BatchClockStatus(ctx, request.Secondary, []string{request.Wallet}, true)
	if err != nil {
		return -1, false, err
	}
	for _, status := range statuses {
		if !strings.EqualFold(status.WalletPublicKey, request.Wallet) {
			continue
		}
		matched := status.Clock >= request.PrimaryClock &&
			status.FilesHash != nil && request.PrimaryFilesHash != nil &&
			*status.FilesHash == *request.PrimaryFilesHash
		return status.Clock, matched, nil
	}
	return -1, false, nil
}

func (r *Reconciler) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func normalizeEndpoint(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}

func durationOrDefault(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func nonNegative(value int) int {
	if value < 0 {
		return 0
	}
	return value
}

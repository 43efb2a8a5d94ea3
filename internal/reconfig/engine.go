package reconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/replicaset"
	"github.com/MarcoPoloResearchLab/contentnode/internal/selector"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const (
	maxSecondaries     = 2
	recentOutcomeLimit = 200
)

var (
	// ErrInvalidRequest indicates a request without a wallet or primary.
	ErrInvalidRequest = errors.New("reconfig: invalid request")
	// ErrNoReplacement indicates the selector found no node to fill a vacated slot.
	ErrNoReplacement = errors.New("reconfig: no replacement node available")
	// ErrStaleReplicaSet indicates the wallet's replica set changed after the request was made.
	ErrStaleReplicaSet = errors.New("reconfig: replica set changed since request")
)

// Directory reads and writes replica set assignments.
type Directory interface {
	Get(ctx context.Context, wallet string) (replicaset.ReplicaSet, error)
	Update(ctx context.Context, wallet string, replicaSet replicaset.ReplicaSet) error
}

// Selector picks replacement nodes.
type Selector interface {
	Select(ctx context.Context, request selector.Request) (selector.Selection, error)
}

// Request asks the engine to repair Current for Wallet. Unhealthy lists the members that
// stayed unhealthy past their grace window; Clocks carries the members' last known clocks.
type Request struct {
	Wallet    string                `json:"wallet"`
	Current   replicaset.ReplicaSet `json:"current"`
	Unhealthy []string              `json:"unhealthy"`
	Clocks    map[string]int64      `json:"clocks,omitempty"`
}

// Plan is the engine's decision for one request.
type Plan struct {
	ID        string                `json:"id"`
	Wallet    string                `json:"wallet"`
	Type      Type                  `json:"type"`
	Promoted  string                `json:"promoted,omitempty"`
	Current   replicaset.ReplicaSet `json:"current"`
	Proposed  replicaset.ReplicaSet `json:"proposed"`
	Unhealthy []string              `json:"unhealthy"`
	DryRun    bool                  `json:"dryRun"`
}

// Outcome records what happened to a plan.
type Outcome struct {
	Plan        Plan      `json:"plan"`
	Executed    bool      `json:"executed"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
}

// Config configures an Engine.
type Config struct {
	Directory   Directory
	Selector    Selector
	Mode        Type
	Concurrency int
	DenyList    []string
	Clock       func() time.Time
	Logger      *zap.Logger
	OnComplete  func(Outcome)
}

// Engine replaces unhealthy replica set members on a bounded worker pool.
type Engine struct {
	directory  Directory
	selector   Selector
	mode       Type
	denyList   []string
	clock      func() time.Time
	logger     *zap.Logger
	onComplete func(Outcome)

	mu       sync.Mutex
	queue    []Request
	pending  map[string]struct{}
	limit    int
	inFlight int
	recent   []Outcome
	wake     chan struct{}
	workers  sync.WaitGroup
}

// NewEngine constructs an Engine. Call Run to start processing.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Directory == nil {
		return nil, errors.New("reconfig: directory required")
	}
	if cfg.Selector == nil {
		return nil, errors.New("reconfig: selector required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	denyList := make([]string, 0, len(cfg.DenyList))
	for _, endpoint := range cfg.DenyList {
		if normalized := replicaset.NormalizeEndpoint(endpoint); normalized != "" {
			denyList = append(denyList, normalized)
		}
	}
	limit := cfg.Concurrency
	if limit < 0 {
		limit = 0
	}
	return &Engine{
		directory:  cfg.Directory,
		selector:   cfg.Selector,
		mode:       cfg.Mode,
		denyList:   denyList,
		clock:      clock,
		logger:     logger,
		onComplete: cfg.OnComplete,
		pending:    make(map[string]struct{}),
		limit:      limit,
		wake:       make(chan struct{}, 1),
	}, nil
}

// Mode returns the most severe type the engine executes.
func (e *Engine) Mode() Type {
	return e.mode
}

// Enqueue queues request unless the wallet already has one pending. It reports whether the
// request was queued.
func (e *Engine) Enqueue(request Request) (bool, error) {
	request.Wallet = strings.ToLower(strings.TrimSpace(request.Wallet))
	current, err := request.Current.Normalize()
	if request.Wallet == "" || err != nil {
		return false, ErrInvalidRequest
	}
	request.Current = current
	unhealthy := make([]string, 0, len(request.Unhealthy))
	for _, endpoint := range request.Unhealthy {
		if normalized := replicaset.NormalizeEndpoint(endpoint); normalized != "" {
			unhealthy = append(unhealthy, normalized)
		}
	}
	request.Unhealthy = unhealthy

	e.mu.Lock()
	if _, exists := e.pending[request.Wallet]; exists {
		e.mu.Unlock()
		return false, nil
	}
	e.pending[request.Wallet] = struct{}{}
	e.queue = append(e.queue, request)
	e.mu.Unlock()
	e.signal()
	return true, nil
}

// SetConcurrency changes the worker limit. Zero pauses the queue; queued work is kept.
func (e *Engine) SetConcurrency(limit int) {
	if limit < 0 {
		limit = 0
	}
	e.mu.Lock()
	e.limit = limit
	e.mu.Unlock()
	e.signal()
}

// Depth returns the number of queued requests.
func (e *Engine) Depth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Pending reports whether wallet has a queued or running request.
func (e *Engine) Pending(wallet string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, exists := e.pending[strings.ToLower(strings.TrimSpace(wallet))]
	return exists
}

// RecentOutcomes returns the most recent outcomes, oldest first.
func (e *Engine) RecentOutcomes() []Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Outcome(nil), e.recent...)
}

// Run processes queued requests until ctx ends, then waits for running ones.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("reconfiguration engine started", zap.Stringer("mode", e.mode))
	for {
		for {
			request, ok := e.claim()
			if !ok {
				break
			}
			e.workers.Add(1)
			go func() {
				defer e.workers.Done()
				e.process(ctx, request)
			}()
		}
		select {
		case <-ctx.Done():
			e.workers.Wait()
			e.logger.Info("reconfiguration engine stopped")
			return
		case <-e.wake:
		}
	}
}

func (e *Engine) claim() (Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight >= e.limit || len(e.queue) == 0 {
		return Request{}, false
	}
	request := e.queue[0]
	e.queue = e.queue[1:]
	e.inFlight++
	return request, true
}

func (e *Engine) process(ctx context.Context, request Request) {
	outcome := Outcome{StartedAt: e.clock().UTC()}
	plan, err := e.Apply(ctx, request)
	outcome.Plan = plan
	outcome.Executed = err == nil && !plan.DryRun && plan.Type != TypeNone
	if err != nil {
		outcome.Error = err.Error()
	}
	outcome.CompletedAt = e.clock().UTC()

	e.mu.Lock()
	e.inFlight--
	delete(e.pending, request.Wallet)
	e.recent = append(e.recent, outcome)
	if len(e.recent) > recentOutcomeLimit {
		e.recent = e.recent[len(e.recent)-recentOutcomeLimit:]
	}
	e.mu.Unlock()
	e.signal()

	if e.onComplete != nil {
		e.onComplete(outcome)
	}
}

// Apply plans and, unless the plan exceeds the configured mode, executes one reconfiguration.
// Dry-run plans still carry the proposed replica set.
func (e *Engine) Apply(ctx context.Context, request Request) (Plan, error) {
	unhealthy := make(map[string]bool, len(request.Unhealthy))
	for _, endpoint := range request.Unhealthy {
		unhealthy[endpoint] = true
	}
	reconfigType, promote := Determine(request.Current, unhealthy, request.Clocks)

	plan := Plan{
		Wallet:    request.Wallet,
		Type:      reconfigType,
		Promoted:  promote,
		Current:   request.Current,
		Proposed:  request.Current,
		Unhealthy: request.Unhealthy,
		DryRun:    reconfigType > e.mode,
	}
	id, err := uuid.NewV7()
	if err != nil {
		return plan, fmt.Errorf("reconfig: plan id: %w", err)
	}
	plan.ID = id.String()

	fields := []zap.Field{
		zap.String("plan_id", plan.ID),
		zap.String("wallet", plan.Wallet),
		zap.Stringer("type", plan.Type),
		zap.Stringer("mode", e.mode),
		zap.Bool("dry_run", plan.DryRun),
		zap.Strings("unhealthy", plan.Unhealthy),
	}
	if reconfigType == TypeNone {
		e.logger.Debug("reconfiguration not required", fields...)
		return plan, nil
	}

	proposed, err := e.propose(ctx, request, reconfigType, promote, unhealthy)
	if err != nil {
		e.logger.Warn("reconfiguration planning failed", append(fields, zap.Error(err))...)
		return plan, err
	}
	plan.Proposed = proposed
	fields = append(fields,
		zap.String("proposed_primary", proposed.Primary),
		zap.Strings("proposed_secondaries", proposed.Secondaries()),
	)

	if plan.DryRun {
		e.logger.Info("reconfiguration dry run", fields...)
		return plan, nil
	}

	stored, err := e.directory.Get(ctx, request.Wallet)
	if err != nil {
		e.logger.Error("reconfiguration lookup failed", append(fields, zap.Error(err))...)
		return plan, fmt.Errorf("reconfig: load replica set: %w", err)
	}
	if stored != request.Current {
		e.logger.Warn("reconfiguration skipped", append(fields, zap.Error(ErrStaleReplicaSet))...)
		return plan, ErrStaleReplicaSet
	}
	if err := e.directory.Update(ctx, request.Wallet, proposed); err != nil {
		e.logger.Error("reconfiguration update failed", append(fields, zap.Error(err))...)
		return plan, fmt.Errorf("reconfig: update replica set: %w", err)
	}
	e.logger.Info("reconfiguration applied", fields...)
	return plan, nil
}

// propose fills the vacated slots with freshly selected nodes.
func (e *Engine) propose(ctx context.Context, request Request, reconfigType Type, promote string, unhealthy map[string]bool) (replicaset.ReplicaSet, error) {
	current := request.Current
	var (
		primary string
		kept    []string
		needed  int
	)
	switch reconfigType {
	case TypeOneSecondary, TypeMultipleSecondaries:
		primary = current.Primary
		for _, secondary := range current.Secondaries() {
			if unhealthy[secondary] {
				needed++
				continue
			}
			kept = append(kept, secondary)
		}
	case TypePrimaryAndOrSecondaries:
		primary = promote
		for _, secondary := range current.Secondaries() {
			if secondary != promote && !unhealthy[secondary] {
				kept = append(kept, secondary)
			}
		}
		needed = maxSecondaries - len(kept)
	case TypeEntireReplicaSet:
		needed = 1 + maxSecondaries
	}

	exclude := append(current.Members(), e.denyList...)
	selection, err := e.selector.Select(ctx, selector.Request{
		NumberOfNodes: needed,
		Wallet:        request.Wallet,
		Exclude:       exclude,
	})
	if err != nil {
		return replicaset.ReplicaSet{}, err
	}
	var replacements []string
	if !selection.NoPrimarySelected {
		replacements = append(replacements, selection.Primary)
		replacements = append(replacements, selection.Secondaries...)
	}
	replacements = slices.DeleteFunc(replacements, func(endpoint string) bool {
		return slices.Contains(exclude, endpoint)
	})
	if len(replacements) == 0 && reconfigType != TypePrimaryAndOrSecondaries {
		return replicaset.ReplicaSet{}, ErrNoReplacement
	}
	if len(replacements) > needed {
		replacements = replacements[:needed]
	}

	if reconfigType == TypeEntireReplicaSet {
		primary, replacements = replacements[0], replacements[1:]
	}
	secondaries := append(kept, replacements...)
	proposed := replicaset.ReplicaSet{Primary: primary}
	if len(secondaries) > 0 {
		proposed.Secondary1 = secondaries[0]
	}
	if len(secondaries) > 1 {
		proposed.Secondary2 = secondaries[1]
	}
	return proposed.Normalize()
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

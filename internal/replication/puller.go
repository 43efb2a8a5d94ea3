package replication

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/contentaddr"
	"github.com/MarcoPoloResearchLab/contentnode/internal/versioning"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency        = 4
	defaultContentConcurrency = 4
	defaultMaxPages           = 1000
	defaultPullTimeout        = 10 * time.Minute
)

var (
	// ErrUnknownWallet indicates the primary holds no state for the wallet.
	ErrUnknownWallet = errors.New("replication: primary has no state for wallet")
	// ErrInvalidPull indicates a pull without a wallet or primary.
	ErrInvalidPull = errors.New("replication: wallet and primary required")
)

// Store is the local versioning store.
type Store interface {
	GetClock(ctx context.Context, wallet string) (int64, error)
	ImportBatch(ctx context.Context, batch versioning.Export) (versioning.ImportResult, error)
	ReplaceWallet(ctx context.Context, wallet string, data versioning.WalletExport) (versioning.WalletImport, error)
}

// Client exports state and content from the primary.
type Client interface {
	Export(ctx context.Context, endpoint string, wallets []string, clockMin int64) (versioning.Export, error)
	FetchContent(ctx context.Context, endpoint string, identifier string, destination string) error
}

// History counts the syncs this node runs as a secondary.
type History interface {
	RecordSelfOutcome(ctx context.Context, success bool) error
}

// Config configures a Puller.
type Config struct {
	Store              Store
	Client             Client
	Addresser          *contentaddr.Addresser
	History            History
	Concurrency        int
	ContentConcurrency int
	MaxPages           int
	PullTimeout        time.Duration
	Logger             *zap.Logger
	OnComplete         func(Result, error)
}

// Result summarizes one pull.
type Result struct {
	Wallet        string `json:"wallet"`
	Primary       string `json:"primary"`
	PreviousClock int64  `json:"previousClock"`
	Clock         int64  `json:"clock"`
	Pages         int    `json:"pages"`
	Files         int    `json:"files"`
	Resync        bool   `json:"resync,omitempty"`
}

type job struct {
	wallet  string
	primary string
	resync  bool
}

// Puller catches this node up with a wallet's primary. At most one pull per wallet is queued or
// running at any time.
type Puller struct {
	store              Store
	client             Client
	addresser          *contentaddr.Addresser
	history            History
	contentConcurrency int
	maxPages           int
	pullTimeout        time.Duration
	logger             *zap.Logger
	onComplete         func(Result, error)

	mu       sync.Mutex
	queue    []job
	pending  map[string]struct{}
	followUp map[string]job
	limit    int
	inFlight int
	wake     chan struct{}
	workers  sync.WaitGroup
}

// New constructs a Puller. Call Run to process queued pulls.
func New(cfg Config) (*Puller, error) {
	if cfg.Store == nil || cfg.Client == nil {
		return nil, errors.New("replication: store and client required")
	}
	if cfg.Addresser == nil {
		return nil, contentaddr.ErrMissingRoot
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := cfg.Concurrency
	if limit < 0 {
		limit = 0
	} else if limit == 0 {
		limit = defaultConcurrency
	}
	return &Puller{
		store:              cfg.Store,
		client:             cfg.Client,
		addresser:          cfg.Addresser,
		history:            cfg.History,
		contentConcurrency: positiveOrDefault(cfg.ContentConcurrency, defaultContentConcurrency),
		maxPages:           positiveOrDefault(cfg.MaxPages, defaultMaxPages),
		pullTimeout:        durationOrDefault(cfg.PullTimeout, defaultPullTimeout),
		logger:             logger,
		onComplete:         cfg.OnComplete,
		pending:            make(map[string]struct{}),
		followUp:           make(map[string]job),
		limit:              limit,
		wake:               make(chan struct{}, 1),
	}, nil
}

// Enqueue schedules a pull of wallet from primary. Immediate pulls jump the queue. It reports
// whether a new pull was queued.
func (p *Puller) Enqueue(wallet string, primary string, immediate bool) (bool, error) {
	return p.enqueue(newJob(wallet, primary, false), immediate)
}

// EnqueueResync schedules a full resync of wallet: local records are replaced by the primary's
// from clock 0. A plain pull already queued for wallet is upgraded; one already running is
// followed by the resync.
func (p *Puller) EnqueueResync(wallet string, primary string, immediate bool) (bool, error) {
	return p.enqueue(newJob(wallet, primary, true), immediate)
}

func newJob(wallet string, primary string, resync bool) job {
	return job{
		wallet:  strings.ToLower(strings.TrimSpace(wallet)),
		primary: strings.TrimRight(strings.TrimSpace(primary), "/"),
		resync:  resync,
	}
}

func (p *Puller) enqueue(next job, immediate bool) (bool, error) {
	if next.wallet == "" || next.primary == "" {
		return false, ErrInvalidPull
	}
	p.mu.Lock()
	if _, exists := p.pending[next.wallet]; exists {
		upgraded := next.resync && p.upgradeLocked(next)
		p.mu.Unlock()
		return upgraded, nil
	}
	p.pending[next.wallet] = struct{}{}
	if immediate {
		p.queue = append([]job{next}, p.queue...)
	} else {
		p.queue = append(p.queue, next)
	}
	p.mu.Unlock()
	p.signal()
	return true, nil
}

// upgradeLocked turns the pending pull for next.wallet into a resync. It reports false when a
// resync is already pending.
func (p *Puller) upgradeLocked(next job) bool {
	for index := range p.queue {
		if p.queue[index].wallet != next.wallet {
			continue
		}
		if p.queue[index].resync {
			return false
		}
		p.queue[index] = next
		return true
	}
	if queued, ok := p.followUp[next.wallet]; ok && queued.resync {
		return false
	}
	p.followUp[next.wallet] = next
	return true
}

// InProgress reports whether a pull for wallet is queued or running.
func (p *Puller) InProgress(wallet string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, exists := p.pending[strings.ToLower(strings.TrimSpace(wallet))]
	return exists
}

// Run processes queued pulls until ctx ends, then waits for running pulls.
func (p *Puller) Run(ctx context.Context) {
	for {
		for {
			next, ok := p.claim()
			if !ok {
				break
			}
			p.workers.Add(1)
			go func() {
				defer p.workers.Done()
				defer p.release(next)
				pullCtx, cancel := context.WithTimeout(ctx, p.pullTimeout)
				defer cancel()
				_, _ = p.run(pullCtx, next)
			}()
		}
		select {
		case <-ctx.Done():
			p.workers.Wait()
			return
		case <-p.wake:
		}
	}
}

func (p *Puller) claim() (job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight >= p.limit || len(p.queue) == 0 {
		return job{}, false
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	p.inFlight++
	return next, true
}

func (p *Puller) release(done job) {
	p.mu.Lock()
	p.inFlight--
	if next, ok := p.followUp[done.wallet]; ok {
		delete(p.followUp, done.wallet)
		p.queue = append([]job{next}, p.queue...)
	} else {
		delete(p.pending, done.wallet)
	}
	p.mu.Unlock()
	p.signal()
}

// Pull pages the primary's export forward from the local clock until nothing new arrives. A
// clock gap re-reads the local clock and requests the page again once.
func (p *Puller) Pull(ctx context.Context, wallet string, primary string) (Result, error) {
	return p.run(ctx, newJob(wallet, primary, false))
}

// Resync replaces this node's records for wallet with the primary's first export page, then
// pages forward like Pull. It repairs a secondary whose clock matches but whose content does not.
func (p *Puller) Resync(ctx context.Context, wallet string, primary string) (Result, error) {
	return p.run(ctx, newJob(wallet, primary, true))
}

func (p *Puller) run(ctx context.Context, next job) (Result, error) {
	wallet := next.wallet
	result, err := p.pull(ctx, next)
	if p.history != nil {
		historyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if recordErr := p.history.RecordSelfOutcome(historyCtx, err == nil); recordErr != nil {
			p.logger.Warn("sync outcome not recorded", zap.String("wallet", wallet), zap.Error(recordErr))
		}
		cancel()
	}
	fields := []zap.Field{
		zap.String("wallet", result.Wallet),
		zap.String("primary", result.Primary),
		zap.Int64("previous_clock", result.PreviousClock),
		zap.Int64("clock", result.Clock),
		zap.Int("pages", result.Pages),
		zap.Int("files", result.Files),
		zap.Bool("resync", result.Resync),
	}
	if p.onComplete != nil {
		p.onComplete(result, err)
	}
	if err != nil {
		p.logger.Warn("pull failed", append(fields, zap.Error(err))...)
		return result, err
	}
	p.logger.Info("pull completed", fields...)
	return result, nil
}

func (p *Puller) pull(ctx context.Context, next job) (Result, error) {
	wallet, primary := next.wallet, next.primary
	result := Result{Wallet: wallet, Primary: primary, PreviousClock: -1, Clock: -1, Resync: next.resync}
	if wallet == "" || primary == "" {
		return result, ErrInvalidPull
	}

	local, err := p.store.GetClock(ctx, wallet)
	if err != nil {
		return result, err
	}
	result.PreviousClock = local
	result.Clock = local

	if next.resync {
		if local, err = p.replace(ctx, wallet, primary, &result); err != nil {
			return result, err
		}
		result.Clock = local
	}

	gapRetried := false
	for result.Pages < p.maxPages {
		clockMin := local + 1
		batch, err := p.client.Export(ctx, primary, []string{wallet}, clockMin)
		if err != nil {
			return result, fmt.Errorf("replication: export from %s: %w", primary, err)
		}
		data, ok := batch.Users[wallet]
		if !ok {
			if local < 0 {
				return result, ErrUnknownWallet
			}
			return result, nil
		}
		if data.ClockInfo.LocalClockMax < clockMin || len(data.ClockRecords) == 0 {
			return result, nil
		}
		result.Pages++

		fetched, err := p.fetchContent(ctx, primary, data.Files)
		result.Files += fetched
		if err != nil {
			return result, err
		}

		imported, err := p.store.ImportBatch(ctx, versioning.Export{Users: map[string]versioning.WalletExport{wallet: data}})
		var gap *versioning.ClockGapError
		if errors.As(err, &gap) && !gapRetried {
			gapRetried = true
			p.logger.Debug("clock gap on import", zap.String("wallet", wallet), zap.Int64("next_clock_min", gap.NextClockMin()))
			if local, err = p.store.GetClock(ctx, wallet); err != nil {
				return result, err
			}
			result.Clock = local
			continue
		}
		if err != nil {
			return result, err
		}
		gapRetried = false

		next := imported.Wallets[wallet].Clock
		if next <= local {
			return result, nil
		}
		local = next
		result.Clock = local
	}
	return result, nil
}

// replace swaps the local records for wallet with the primary's export from clock 0.
func (p *Puller) replace(ctx context.Context, wallet string, primary string, result *Result) (int64, error) {
	batch, err := p.client.Export(ctx, primary, []string{wallet}, 0)
	if err != nil {
		return 0, fmt.Errorf("replication: export from %s: %w", primary, err)
	}
	data, ok := batch.Users[wallet]
	if !ok {
		return 0, ErrUnknownWallet
	}
	result.Pages++

	fetched, err := p.fetchContent(ctx, primary, data.Files)
	result.Files += fetched
	if err != nil {
		return 0, err
	}
	replaced, err := p.store.ReplaceWallet(ctx, wallet, data)
	if err != nil {
		return 0, err
	}
	p.logger.Debug("wallet records replaced",
		zap.String("wallet", wallet),
		zap.Int64("previous_clock", replaced.PreviousClock),
		zap.Int64("clock", replaced.Clock),
	)
	return replaced.Clock, nil
}

// fetchContent downloads every file in files that is not stored locally yet. It always waits for
// the downloads it started before returning.
func (p *Puller) fetchContent(ctx context.Context, primary string, files []versioning.ContentFile) (int, error) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.contentConcurrency)
	var (
		mu      sync.Mutex
		fetched int
		pathErr error
	)
	for _, file := range files {
		if file.Type == versioning.FileTypeDir {
			if _, err := p.addresser.EnsurePath(file.Multihash); err != nil {
				pathErr = err
				break
			}
			continue
		}
		var (
			destination string
			err         error
		)
		if file.DirMultihash != nil && *file.DirMultihash != "" {
			destination, err = p.addresser.EnsureDirChildPath(*file.DirMultihash, file.Multihash)
		} else {
			destination, err = p.addresser.EnsurePath(file.Multihash)
		}
		if err != nil {
			pathErr = err
			break
		}
		if _, statErr := os.Stat(destination); statErr == nil {
			continue
		}
		identifier := file.Multihash
		group.Go(func() error {
			if err := p.client.FetchContent(groupCtx, primary, identifier, destination); err != nil {
				return fmt.Errorf("replication: fetch %s: %w", identifier, err)
			}
			mu.Lock()
			fetched++
			mu.Unlock()
			return nil
		})
	}
	waitErr := group.Wait()
	if pathErr != nil {
		return fetched, pathErr
	}
	return fetched, waitErr
}

func (p *Puller) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func positiveOrDefault(value int, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func durationOrDefault(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

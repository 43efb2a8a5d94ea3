package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/health"
	"github.com/MarcoPoloResearchLab/contentnode/internal/peer"
	"github.com/MarcoPoloResearchLab/contentnode/internal/reconciler"
	"github.com/MarcoPoloResearchLab/contentnode/internal/reconfig"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replicaset"
	"github.com/MarcoPoloResearchLab/contentnode/internal/synchistory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	self       = "https://self.example"
	secondaryA = "https://s1.example"
	secondaryB = "https://s2.example"
	secondaryC = "https://s3.example"
	otherNode  = "https://p1.example"
)

type fakeDirectory struct {
	users []replicaset.Assignment
	err   error
}

func (d *fakeDirectory) UsersForEndpoint(ctx context.Context, endpoint string, afterUserID uint, limit int) ([]replicaset.Assignment, error) {
	if d.err != nil {
		return nil, d.err
	}
	var page []replicaset.Assignment
	for _, user := range d.users {
		if user.UserID > afterUserID && len(page) < limit {
			page = append(page, user)
		}
	}
	return page, nil
}

type fakeProber struct {
	mu        sync.Mutex
	unhealthy map[string]bool
	calls     [][]string
	observed  map[string]int
}

func (p *fakeProber) ComputePeerHealth(ctx context.Context, endpoints []string) map[string]health.Probe {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, append([]string(nil), endpoints...))
	probes := make(map[string]health.Probe, len(endpoints))
	for _, endpoint := range endpoints {
		probes[endpoint] = health.Probe{Endpoint: endpoint, Verdict: health.Verdict{Healthy: !p.unhealthy[endpoint]}}
	}
	return probes
}

func (p *fakeProber) ObservePrimary(endpoint string, healthy bool) bool {
	return p.observe("primary:"+endpoint, healthy)
}

func (p *fakeProber) ObserveSecondary(endpoint string, healthy bool) bool {
	return p.observe("secondary:"+endpoint, healthy)
}

func (p *fakeProber) observe(key string, healthy bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.observed == nil {
		p.observed = make(map[string]int)
	}
	p.observed[key]++
	return healthy
}

type fakeClocks struct {
	mu       sync.Mutex
	statuses map[string]map[string]peer.WalletClockStatus
	failing  map[string]bool
	calls    map[string]int
}

func (c *fakeClocks) BatchClockStatus(ctx context.Context, endpoint string, wallets []string, returnFilesHash bool) ([]peer.WalletClockStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[endpoint]++
	if c.failing[endpoint] {
		return nil, &peer.StatusError{Endpoint: endpoint, StatusCode: 502}
	}
	var statuses []peer.WalletClockStatus
	for _, wallet := range wallets {
		if status, ok := c.statuses[endpoint][wallet]; ok {
			statuses = append(statuses, status)
		}
	}
	return statuses, nil
}

type fakeStore struct {
	clocks map[string]int64
	hash   string
}

func (s *fakeStore) GetClocks(ctx context.Context, wallets []string) (map[string]int64, error) {
	clocks := make(map[string]int64, len(wallets))
	for _, wallet := range wallets {
		clock, ok := s.clocks[wallet]
		if !ok {
			clock = -1
		}
		clocks[wallet] = clock
	}
	return clocks, nil
}

func (s *fakeStore) FilesHash(ctx context.Context, wallet string, clockMin int64, clockMax int64) (string, error) {
	return s.hash, nil
}

type fakeHistory struct {
	failures map[synchistory.Pair]int64
	rates    map[synchistory.Pair]synchistory.Rate
	err      error
}

func (h *fakeHistory) SecondaryDailyFailures(ctx context.Context, wallets []string) (map[synchistory.Pair]int64, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.failures, nil
}

func (h *fakeHistory) SecondarySuccessRates(ctx context.Context, wallets []string) (map[synchistory.Pair]synchistory.Rate, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.rates, nil
}

type recordingQueues struct {
	syncs     []reconciler.SyncRequest
	reconfigs []reconfig.Request
}

func (q *recordingQueues) syncQueue() SyncQueue {
	return syncQueueFunc(func(request reconciler.SyncRequest) (bool, error) {
		q.syncs = append(q.syncs, request)
		return true, nil
	})
}

func (q *recordingQueues) reconfigQueue() ReconfigQueue {
	return reconfigQueueFunc(func(request reconfig.Request) (bool, error) {
		q.reconfigs = append(q.reconfigs, request)
		return true, nil
	})
}

type syncQueueFunc func(reconciler.SyncRequest) (bool, error)

func (f syncQueueFunc) Enqueue(request reconciler.SyncRequest) (bool, error) { return f(request) }

type reconfigQueueFunc func(reconfig.Request) (bool, error)

func (f reconfigQueueFunc) Enqueue(request reconfig.Request) (bool, error) { return f(request) }

func hashOf(value string) *string {
	return &value
}

type fixture struct {
	directory *fakeDirectory
	prober    *fakeProber
	clocks    *fakeClocks
	store     *fakeStore
	history   *fakeHistory
	queues    *recordingQueues
}

func newFixture() *fixture {
	return &fixture{
		directory: &fakeDirectory{users: []replicaset.Assignment{
			{UserID: 1, Wallet: "w1", Primary: self, Secondary1: secondaryA, Secondary2: secondaryB},
			{UserID: 2, Wallet: "w2", Primary: self, Secondary1: secondaryA, Secondary2: secondaryC},
			{UserID: 3, Wallet: "w3", Primary: otherNode, Secondary1: self, Secondary2: secondaryA},
		}},
		prober: &fakeProber{unhealthy: map[string]bool{secondaryC: true, otherNode: true}},
		clocks: &fakeClocks{statuses: map[string]map[string]peer.WalletClockStatus{
			secondaryA: {
				"w1": {WalletPublicKey: "w1", Clock: 10, FilesHash: hashOf("h")},
				"w2": {WalletPublicKey: "w2", Clock: 7},
				"w3": {WalletPublicKey: "w3", Clock: 12},
			},
			secondaryB: {
				"w1": {WalletPublicKey: "w1", Clock: 4},
			},
		}},
		store:   &fakeStore{clocks: map[string]int64{"w1": 10, "w2": 7, "w3": 9}, hash: "h"},
		history: &fakeHistory{},
		queues:  &recordingQueues{},
	}
}

func (f *fixture) monitor(t *testing.T, configure func(*Config)) *Monitor {
	t.Helper()
	cfg := Config{
		Directory:             f.directory,
		Prober:                f.prober,
		Clocks:                f.clocks,
		Store:                 f.store,
		History:               f.history,
		Syncs:                 f.queues.syncQueue(),
		Reconfigs:             f.queues.reconfigQueue(),
		SelfEndpoint:          self + "/",
		UsersPerJob:           10,
		DailyFailureThreshold: 20,
		ClockRetry:            peer.RetryPolicy{Attempts: 2, InitialBackoff: time.Millisecond},
	}
	if configure != nil {
		configure(&cfg)
	}
	monitor, err := New(cfg)
	require.NoError(t, err)
	return monitor
}

func TestRunOnceProducesSyncAndReconfigRequests(t *testing.T) {
	f := newFixture()
	monitor := f.monitor(t, nil)

	result, err := monitor.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, f.prober.calls, 1)
	assert.ElementsMatch(t, []string{secondaryA, secondaryB, secondaryC, otherNode}, f.prober.calls[0])

	require.Len(t, result.SyncRequests, 1)
	assert.Equal(t, reconciler.SyncRequest{
		Wallet:       "w1",
		Secondary:    secondaryB,
		Primary:      self,
		Priority:     reconciler.PriorityRecurring,
		SyncMode:     reconciler.SyncModeSecondaryFromPrimary,
		PrimaryClock: 10,
	}, result.SyncRequests[0])
	assert.Equal(t, result.SyncRequests, f.queues.syncs)

	reasons := map[string]string{}
	for _, decision := range result.Decisions {
		reasons[decision.Wallet+" "+decision.Secondary] = decision.Decision.Reason
	}
	assert.Equal(t, map[string]string{
		"w1 " + secondaryA: reconciler.ReasonInSync,
		"w1 " + secondaryB: reconciler.ReasonSecondaryBehind,
		"w2 " + secondaryA: reconciler.ReasonInSync,
		"w2 " + secondaryC: reconciler.ReasonSecondaryUnhealthy,
	}, reasons)

	require.Len(t, result.Reconfigs, 2)
	assert.Equal(t, "w2", result.Reconfigs[0].Wallet)
	assert.Equal(t, []string{secondaryC}, result.Reconfigs[0].Unhealthy)
	assert.Equal(t, "w3", result.Reconfigs[1].Wallet)
	assert.Equal(t, []string{otherNode}, result.Reconfigs[1].Unhealthy)
	assert.Equal(t, map[string]int64{self: 9, secondaryA: 12}, result.Reconfigs[1].Clocks)
	assert.Len(t, f.queues.reconfigs, 2)

	names := make([]string, 0, len(result.Trace.Stages))
	for _, stage := range result.Trace.Stages {
		names = append(names, stage.Name)
		assert.Empty(t, stage.Error, "stage %s", stage.Name)
	}
	assert.Equal(t, []string{StageFetchUsers, StageProbePeers, StageFetchClocks, StageSyncSuccessRates, StageComputeDecisions, StageEnqueue}, names)
	enqueue, ok := result.Trace.Stage(StageEnqueue)
	require.True(t, ok)
	assert.Equal(t, 1, enqueue.Counts["sync_enqueued"])
	assert.Equal(t, 2, enqueue.Counts["reconfig_enqueued"])

	assert.Equal(t, 1, f.prober.observed["secondary:"+secondaryA])
	last, ok := monitor.LastTrace()
	require.True(t, ok)
	assert.Equal(t, result.Trace.JobID, last.JobID)
}

func TestCursorSweepsAndWraps(t *testing.T) {
	f := newFixture()
	for id := uint(4); id <= 5; id++ {
		f.directory.users = append(f.directory.users, replicaset.Assignment{UserID: id, Wallet: "extra", Primary: self})
	}
	monitor := f.monitor(t, func(cfg *Config) { cfg.UsersPerJob = 2 })

	var cursors []uint
	for run := 0; run < 4; run++ {
		result, err := monitor.RunOnce(context.Background())
		require.NoError(t, err)
		cursors = append(cursors, result.Trace.CursorEnd)
	}
	assert.Equal(t, []uint{2, 4, 0, 2}, cursors)
	assert.Equal(t, uint(2), monitor.Cursor())
}

func TestClockFetchRetriedOnceThenPeerMarkedUnhealthy(t *testing.T) {
	f := newFixture()
	f.clocks.failing = map[string]bool{secondaryB: true}
	monitor := f.monitor(t, nil)

	result, err := monitor.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, f.clocks.calls[secondaryB])
	assert.Equal(t, 1, f.clocks.calls[secondaryA])
	assert.Empty(t, result.SyncRequests)

	stage, ok := result.Trace.Stage(StageFetchClocks)
	require.True(t, ok)
	assert.Equal(t, 1, stage.Counts["peers_failed"])
	assert.Empty(t, stage.Error)

	for _, decision := range result.Decisions {
		if decision.Secondary == secondaryB {
			assert.Equal(t, reconciler.ReasonSecondaryUnhealthy, decision.Decision.Reason)
		}
	}
	require.Len(t, result.Reconfigs, 3)
	assert.Equal(t, []string{secondaryB}, result.Reconfigs[0].Unhealthy)
}

func TestFilesHashMismatchRequestsSync(t *testing.T) {
	f := newFixture()
	f.store.hash = "different"
	monitor := f.monitor(t, nil)

	result, err := monitor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, result.SyncRequests, 2)
	assert.Equal(t, secondaryA, result.SyncRequests[0].Secondary)
	assert.Equal(t, reconciler.SyncModeForceResync, result.SyncRequests[0].SyncMode)
	require.NotNil(t, result.SyncRequests[0].PrimaryFilesHash)
	assert.Equal(t, "different", *result.SyncRequests[0].PrimaryFilesHash)
	assert.Equal(t, secondaryB, result.SyncRequests[1].Secondary)
	assert.Equal(t, reconciler.SyncModeSecondaryFromPrimary, result.SyncRequests[1].SyncMode)
	assert.Nil(t, result.SyncRequests[1].PrimaryFilesHash)
}

// resyncingSecondary answers the reconciler like a secondary that holds w1 at the primary clock
// with divergent files until it is told to resync.
type resyncingSecondary struct {
	mu      sync.Mutex
	clock   int64
	hash    string
	target  string
	resyncs int
}

func (s *resyncingSecondary) IssueSync(ctx context.Context, endpoint string, payload peer.SyncPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if payload.ForceResync {
		s.resyncs++
		s.hash = s.target
	}
	return nil
}

func (s *resyncingSecondary) SyncStatus(ctx context.Context, endpoint string, wallet string) (peer.SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return peer.SyncStatus{LatestBlockNumber: -1, ClockValue: s.clock}, nil
}

func (s *resyncingSecondary) BatchClockStatus(ctx context.Context, endpoint string, wallets []string, returnFilesHash bool) ([]peer.WalletClockStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash := s.hash
	return []peer.WalletClockStatus{{WalletPublicKey: wallets[0], Clock: s.clock, FilesHash: &hash}}, nil
}

func TestFilesHashMismatchIsRepairedThroughReconciler(t *testing.T) {
	f := newFixture()
	f.store.hash = "aaa"
	f.clocks.statuses[secondaryA]["w1"] = peer.WalletClockStatus{WalletPublicKey: "w1", Clock: 10, FilesHash: hashOf("bbb")}
	delete(f.clocks.statuses[secondaryB], "w1")
	f.prober.unhealthy[secondaryB] = true

	secondary := &resyncingSecondary{clock: 10, hash: "bbb", target: "aaa"}
	outcomes := make(chan reconciler.Outcome, 4)
	syncs, err := reconciler.New(reconciler.Config{
		Client:                  secondary,
		RecurringConcurrency:    1,
		RecurringMonitorCeiling: time.Second,
		PollInterval:            2 * time.Millisecond,
		OnComplete:              func(outcome reconciler.Outcome) { outcomes <- outcome },
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		syncs.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	monitor := f.monitor(t, func(cfg *Config) { cfg.Syncs = syncs })
	result, err := monitor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, result.SyncRequests, 1)
	assert.Equal(t, reconciler.ReasonFilesHashMismatch, result.Decisions[0].Decision.Reason)

	select {
	case outcome := <-outcomes:
		assert.True(t, outcome.Success)
		assert.True(t, outcome.Issued)
		assert.Equal(t, reconciler.OutcomeHashMatched, outcome.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the resync outcome")
	}
	secondary.mu.Lock()
	defer secondary.mu.Unlock()
	assert.Equal(t, 1, secondary.resyncs)
	assert.Equal(t, "aaa", secondary.hash)
}

func TestDailyFailureThresholdSuppressesSync(t *testing.T) {
	f := newFixture()
	f.history.failures = map[synchistory.Pair]int64{{Wallet: "w1", Secondary: secondaryB}: 20}
	monitor := f.monitor(t, nil)

	result, err := monitor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.SyncRequests)
}

func TestPoorSuccessRateFlagsSecondaryForReconfig(t *testing.T) {
	f := newFixture()
	f.history.rates = map[synchistory.Pair]synchistory.Rate{
		{Wallet: "w1", Secondary: secondaryA}: {SuccessCount: 1, FailCount: 9},
	}
	monitor := f.monitor(t, func(cfg *Config) {
		cfg.MinimumSecondarySuccessPercent = 50
		cfg.MinimumSecondarySyncSamples = 10
	})

	result, err := monitor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Reconfigs, 3)
	assert.Equal(t, "w1", result.Reconfigs[0].Wallet)
	assert.Equal(t, []string{secondaryA}, result.Reconfigs[0].Unhealthy)
}

func TestStageFailureOnlyAbortsThatStage(t *testing.T) {
	f := newFixture()
	f.history.err = errors.New("database is locked")
	monitor := f.monitor(t, nil)

	result, err := monitor.RunOnce(context.Background())
	require.NoError(t, err)
	stage, ok := result.Trace.Stage(StageSyncSuccessRates)
	require.True(t, ok)
	assert.Contains(t, stage.Error, "database is locked")
	assert.Len(t, result.SyncRequests, 1)
	assert.Len(t, result.Trace.Stages, 6)
}

func TestFetchUsersFailureKeepsCursor(t *testing.T) {
	f := newFixture()
	f.directory.err = errors.New("unavailable")
	monitor := f.monitor(t, nil)

	result, err := monitor.RunOnce(context.Background())
	require.NoError(t, err)
	stage, ok := result.Trace.Stage(StageFetchUsers)
	require.True(t, ok)
	assert.NotEmpty(t, stage.Error)
	assert.Equal(t, uint(0), result.Trace.CursorEnd)
	assert.Empty(t, result.SyncRequests)
}

func TestRunOnceReportsCancellation(t *testing.T) {
	f := newFixture()
	monitor := f.monitor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := monitor.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, result.Trace.Stages, 6)
	assert.Empty(t, f.prober.calls)
}

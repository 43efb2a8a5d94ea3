package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/auth"
	"github.com/MarcoPoloResearchLab/contentnode/internal/contentaddr"
	"github.com/MarcoPoloResearchLab/contentnode/internal/monitor"
	"github.com/MarcoPoloResearchLab/contentnode/internal/peer"
	"github.com/MarcoPoloResearchLab/contentnode/internal/reconciler"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replicaset"
	"github.com/MarcoPoloResearchLab/contentnode/internal/synchistory"
	"github.com/MarcoPoloResearchLab/contentnode/internal/sysinfo"
	"github.com/MarcoPoloResearchLab/contentnode/internal/versioning"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testSecret    = "peer-secret"
	testIssuer    = "content-network"
	selfEndpoint  = "https://cn1.example.com"
	primaryPeer   = "https://cn2.example.com"
	secondaryPeer = "https://cn3.example.com"
	testWallet    = "0xabc0000000000000000000000000000000000001"
)

type serverFixture struct {
	store       *versioning.Service
	addresser   *contentaddr.Addresser
	issuer      *auth.TokenIssuer
	puller      *stubPuller
	syncs       *stubSyncQueue
	replicaSets stubReplicaSets
	traces      *stubTraces
	events      *EventDispatcher
	handler     http.Handler
}

func newServerFixture(t *testing.T, configure func(*Dependencies)) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(versioning.Models()...))

	store, err := versioning.NewService(versioning.ServiceConfig{Database: database})
	require.NoError(t, err)
	addresser, err := contentaddr.New(t.TempDir())
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSecret), Issuer: testIssuer})
	require.NoError(t, err)
	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{SigningSecret: []byte(testSecret), Issuer: testIssuer})
	require.NoError(t, err)

	fixture := &serverFixture{
		store:     store,
		addresser: addresser,
		issuer:    issuer,
		puller:    &stubPuller{inProgress: map[string]bool{}},
		syncs:     &stubSyncQueue{},
		replicaSets: stubReplicaSets{sets: map[string]replicaset.ReplicaSet{
			testWallet: {Primary: selfEndpoint, Secondary1: primaryPeer, Secondary2: secondaryPeer},
		}},
		traces: &stubTraces{},
		events: NewEventDispatcher(),
	}
	deps := Dependencies{
		Store:                 store,
		Addresser:             addresser,
		Authenticator:         validator,
		Puller:                fixture.puller,
		Syncs:                 fixture.syncs,
		ReplicaSets:           fixture.replicaSets,
		Traces:                fixture.traces,
		Events:                fixture.events,
		SelfEndpoint:          selfEndpoint,
		Version:               "0.3.58",
		MaxStorageUsedPercent: 95,
		HeartbeatInterval:     time.Hour,
	}
	if configure != nil {
		configure(&deps)
	}
	fixture.handler, err = NewHTTPHandler(deps)
	require.NoError(t, err)
	return fixture
}

func (f *serverFixture) token(t *testing.T, endpoint string) string {
	t.Helper()
	token, _, err := f.issuer.IssuePeerToken(context.Background(), endpoint)
	require.NoError(t, err)
	return token
}

func (f *serverFixture) do(t *testing.T, method string, target string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func mustCID(t *testing.T, content string) string {
	t.Helper()
	hash, err := multihash.Sum([]byte(content), multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV0(hash).String()
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) peer.ErrorResponse {
	t.Helper()
	var envelope peer.ErrorResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	return envelope
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHTTPHandler(Dependencies{})
	assert.ErrorIs(t, err, errMissingStore)
}

func TestVerboseHealthReportsHostStatsAndSyncCounts(t *testing.T) {
	size, used := int64(1000), int64(250)
	fixture := newServerFixture(t, func(deps *Dependencies) {
		deps.Sampler = stubSampler{stats: sysinfo.Stats{StoragePathSize: &size, StoragePathUsed: &used}}
		deps.History = stubSelfHistory{counts: synchistory.SelfCounts{
			Daily:   synchistory.Rate{SuccessCount: 4, FailCount: 1},
			Rolling: synchistory.Rate{SuccessCount: 40, FailCount: 2},
		}}
	})

	recorder := fixture.do(t, http.MethodGet, peer.PathVerboseHealth, nil, "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var report peer.VerboseHealth
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &report))
	assert.True(t, report.Healthy)
	assert.Equal(t, "0.3.58", report.Version)
	require.NotNil(t, report.StoragePathSize)
	assert.Equal(t, int64(1000), *report.StoragePathSize)
	require.NotNil(t, report.MaxStorageUsedPercent)
	assert.Equal(t, 95.0, *report.MaxStorageUsedPercent)
	require.NotNil(t, report.DailySyncFailCount)
	assert.Equal(t, int64(1), *report.DailySyncFailCount)
	require.NotNil(t, report.ThirtyDayRollingSyncSuccessCount)
	assert.Equal(t, int64(40), *report.ThirtyDayRollingSyncSuccessCount)
	assert.Nil(t, report.TotalMemory)
}

func TestBatchClockStatusReturnsClocksAndFilesHashes(t *testing.T) {
	fixture := newServerFixture(t, func(deps *Dependencies) { deps.MaxClockStatusWallets = 3 })
	ctx := context.Background()
	_, err := fixture.store.AppendMutation(ctx, testWallet, versioning.SourceTableTracks)
	require.NoError(t, err)
	_, err = fixture.store.RecordFile(ctx, testWallet, versioning.FileInput{Multihash: mustCID(t, "a"), Type: versioning.FileTypeFile})
	require.NoError(t, err)
	expectedHash, err := fixture.store.FilesHash(ctx, testWallet, 0, -1)
	require.NoError(t, err)

	unknown := "0xabc0000000000000000000000000000000000009"
	body := peer.BatchClockStatusRequest{WalletPublicKeys: []string{testWallet, unknown, strings.ToUpper(testWallet)}}
	recorder := fixture.do(t, http.MethodPost, peer.PathBatchClockStatus+"?returnFilesHash=true", body, "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var response peer.BatchClockStatusResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Len(t, response.Users, 2)
	assert.Equal(t, testWallet, response.Users[0].WalletPublicKey)
	assert.Equal(t, int64(2), response.Users[0].Clock)
	require.NotNil(t, response.Users[0].FilesHash)
	assert.Equal(t, expectedHash, *response.Users[0].FilesHash)
	assert.Equal(t, int64(-1), response.Users[1].Clock)

	tooMany := peer.BatchClockStatusRequest{WalletPublicKeys: []string{"a", "b", "c", "d"}}
	recorder = fixture.do(t, http.MethodPost, peer.PathBatchClockStatus, tooMany, "")
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, codeTooManyWallets, decodeError(t, recorder).Code)

	recorder = fixture.do(t, http.MethodPost, peer.PathBatchClockStatus+"?returnFilesHash=maybe", body, "")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestExportRequiresPeerTokenAndPagesFromClockMin(t *testing.T) {
	fixture := newServerFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := fixture.store.AppendMutation(ctx, testWallet, versioning.SourceTableTracks)
		require.NoError(t, err)
	}

	target := peer.PathExport + "?wallet_public_key=" + testWallet + "&clock_range_min=2"
	recorder := fixture.do(t, http.MethodGet, target, nil, "")
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, codeUnauthorized, decodeError(t, recorder).Code)

	recorder = fixture.do(t, http.MethodGet, target, nil, fixture.token(t, secondaryPeer))
	require.Equal(t, http.StatusOK, recorder.Code)
	var export versioning.Export
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &export))
	walletExport, ok := export.Users[testWallet]
	require.True(t, ok)
	require.Len(t, walletExport.ClockRecords, 2)
	assert.Equal(t, int64(2), walletExport.ClockRecords[0].Clock)
	assert.Equal(t, int64(3), walletExport.ClockInfo.LocalClockMax)

	recorder = fixture.do(t, http.MethodGet, peer.PathExport+"?wallet_public_key="+testWallet+"&clock_range_min=-4", nil, fixture.token(t, secondaryPeer))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestSyncEnqueuesPullWhenSignerIsCreatorNode(t *testing.T) {
	fixture := newServerFixture(t, nil)
	payload := peer.SyncPayload{Wallet: []string{testWallet}, CreatorNodeEndpoint: primaryPeer + "/", Immediate: true}

	recorder := fixture.do(t, http.MethodPost, peer.PathSync, payload, fixture.token(t, primaryPeer))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Len(t, fixture.puller.enqueued, 1)
	assert.Equal(t, pullCall{wallet: testWallet, primary: primaryPeer + "/", immediate: true}, fixture.puller.enqueued[0])

	recorder = fixture.do(t, http.MethodPost, peer.PathSync, payload, fixture.token(t, secondaryPeer))
	require.Equal(t, http.StatusForbidden, recorder.Code)
	assert.Equal(t, codeForbidden, decodeError(t, recorder).Code)
	assert.Len(t, fixture.puller.enqueued, 1)

	recorder = fixture.do(t, http.MethodPost, peer.PathSync, peer.SyncPayload{CreatorNodeEndpoint: primaryPeer}, fixture.token(t, primaryPeer))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestSyncForceResyncEnqueuesResync(t *testing.T) {
	fixture := newServerFixture(t, nil)
	payload := peer.SyncPayload{Wallet: []string{testWallet}, CreatorNodeEndpoint: primaryPeer, ForceResync: true}

	recorder := fixture.do(t, http.MethodPost, peer.PathSync, payload, fixture.token(t, primaryPeer))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Len(t, fixture.puller.enqueued, 1)
	assert.Equal(t, pullCall{wallet: testWallet, primary: primaryPeer, resync: true}, fixture.puller.enqueued[0])
}

func TestSyncStatusReportsClockAndPullProgress(t *testing.T) {
	fixture := newServerFixture(t, nil)

	recorder := fixture.do(t, http.MethodGet, peer.PathSyncStatus+testWallet, nil, "")
	require.Equal(t, http.StatusOK, recorder.Code)
	var status peer.SyncStatus
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &status))
	assert.Equal(t, peer.SyncStatus{LatestBlockNumber: -1, ClockValue: -1}, status)

	_, err := fixture.store.AppendMutation(context.Background(), testWallet, versioning.SourceTableUserProfiles)
	require.NoError(t, err)
	fixture.puller.setInProgress(testWallet, true)

	recorder = fixture.do(t, http.MethodGet, peer.PathSyncStatus+strings.ToUpper(testWallet), nil, "")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &status))
	assert.Equal(t, int64(1), status.ClockValue)
	assert.True(t, status.SyncInProgress)
}

func TestContentServesFilesAndDirectoryChildren(t *testing.T) {
	fixture := newServerFixture(t, nil)
	ctx := context.Background()

	fileCID := mustCID(t, "file")
	path, err := fixture.addresser.EnsurePath(fileCID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("file body"), 0o644))

	dirCID := mustCID(t, "dir")
	childCID := mustCID(t, "child")
	_, err = fixture.store.RecordFile(ctx, testWallet, versioning.FileInput{Multihash: dirCID, Type: versioning.FileTypeDir})
	require.NoError(t, err)
	_, err = fixture.store.RecordFile(ctx, testWallet, versioning.FileInput{Multihash: childCID, Type: versioning.FileTypeImage, DirMultihash: dirCID})
	require.NoError(t, err)
	childPath, err := fixture.addresser.EnsureDirChildPath(dirCID, childCID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(childPath, []byte("child body"), 0o644))

	recorder := fixture.do(t, http.MethodGet, peer.PathContent+fileCID, nil, "")
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "file body", recorder.Body.String())

	recorder = fixture.do(t, http.MethodGet, peer.PathContent+childCID, nil, "")
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "child body", recorder.Body.String())

	recorder = fixture.do(t, http.MethodGet, peer.PathContent+mustCID(t, "missing"), nil, "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = fixture.do(t, http.MethodGet, peer.PathContent+"not-a-cid", nil, "")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestManualSyncEnqueuesManualRequestsForSecondaries(t *testing.T) {
	fixture := newServerFixture(t, nil)
	for i := 0; i < 4; i++ {
		_, err := fixture.store.AppendMutation(context.Background(), testWallet, versioning.SourceTableTracks)
		require.NoError(t, err)
	}

	recorder := fixture.do(t, http.MethodPost, "/manual_sync", manualSyncRequestPayload{Wallet: testWallet}, fixture.token(t, selfEndpoint))
	require.Equal(t, http.StatusAccepted, recorder.Code)

	var response manualSyncResponsePayload
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, []string{primaryPeer, secondaryPeer}, response.Enqueued)
	assert.Equal(t, int64(4), response.PrimaryClock)
	require.Len(t, fixture.syncs.requests, 2)
	for _, request := range fixture.syncs.requests {
		assert.Equal(t, reconciler.PriorityManual, request.Priority)
		assert.Equal(t, selfEndpoint, request.Primary)
		assert.Equal(t, int64(4), request.PrimaryClock)
	}

	fixture.syncs.refuse = true
	recorder = fixture.do(t, http.MethodPost, "/manual_sync", manualSyncRequestPayload{Wallet: testWallet}, fixture.token(t, selfEndpoint))
	require.Equal(t, http.StatusAccepted, recorder.Code)
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Empty(t, response.Enqueued)
	assert.Equal(t, []string{primaryPeer, secondaryPeer}, response.Outstanding)
}

func TestManualSyncRejectsWalletsThisNodeDoesNotLead(t *testing.T) {
	other := "0xabc0000000000000000000000000000000000002"
	fixture := newServerFixture(t, nil)
	fixture.replicaSets.sets[other] = replicaset.ReplicaSet{Primary: primaryPeer, Secondary1: selfEndpoint}

	recorder := fixture.do(t, http.MethodPost, "/manual_sync", manualSyncRequestPayload{Wallet: other}, fixture.token(t, selfEndpoint))
	require.Equal(t, http.StatusConflict, recorder.Code)
	assert.Equal(t, codeNotPrimary, decodeError(t, recorder).Code)

	recorder = fixture.do(t, http.MethodPost, "/manual_sync", manualSyncRequestPayload{Wallet: "0xabc0000000000000000000000000000000000003"}, fixture.token(t, selfEndpoint))
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = fixture.do(t, http.MethodPost, "/manual_sync", manualSyncRequestPayload{Wallet: testWallet}, fixture.token(t, selfEndpoint))
	assert.Equal(t, http.StatusNotFound, recorder.Code, "primary without local state has nothing to sync")
}

func TestMonitorTraceReturnsLatestRun(t *testing.T) {
	fixture := newServerFixture(t, nil)
	token := fixture.token(t, selfEndpoint)

	recorder := fixture.do(t, http.MethodGet, "/monitor/trace", nil, token)
	require.Equal(t, http.StatusNotFound, recorder.Code)

	fixture.traces.set(monitor.Trace{JobID: "job-1", CursorEnd: 100, Stages: []monitor.TraceStage{{Name: monitor.StageFetchUsers}}})
	recorder = fixture.do(t, http.MethodGet, "/monitor/trace", nil, token)
	require.Equal(t, http.StatusOK, recorder.Code)
	var trace monitor.Trace
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &trace))
	assert.Equal(t, "job-1", trace.JobID)
	assert.Equal(t, uint(100), trace.CursorEnd)
}

type pullCall struct {
	wallet    string
	primary   string
	immediate bool
	resync    bool
}

type stubPuller struct {
	mu         sync.Mutex
	enqueued   []pullCall
	inProgress map[string]bool
}

func (s *stubPuller) Enqueue(wallet string, primary string, immediate bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, pullCall{wallet: wallet, primary: primary, immediate: immediate})
	return true, nil
}

func (s *stubPuller) EnqueueResync(wallet string, primary string, immediate bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, pullCall{wallet: wallet, primary: primary, immediate: immediate, resync: true})
	return true, nil
}

func (s *stubPuller) InProgress(wallet string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress[wallet]
}

func (s *stubPuller) setInProgress(wallet string, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inProgress[wallet] = value
}

type stubSyncQueue struct {
	requests []reconciler.SyncRequest
	refuse   bool
}

func (s *stubSyncQueue) Enqueue(request reconciler.SyncRequest) (bool, error) {
	if s.refuse {
		return false, nil
	}
	s.requests = append(s.requests, request)
	return true, nil
}

type stubReplicaSets struct {
	sets map[string]replicaset.ReplicaSet
}

func (s stubReplicaSets) Get(_ context.Context, wallet string) (replicaset.ReplicaSet, error) {
	set, ok := s.sets[wallet]
	if !ok {
		return replicaset.ReplicaSet{}, replicaset.ErrUnknownWallet
	}
	return set, nil
}

type stubSampler struct {
	stats sysinfo.Stats
}

func (s stubSampler) Sample() sysinfo.Stats {
	return s.stats
}

type stubSelfHistory struct {
	counts synchistory.SelfCounts
}

func (s stubSelfHistory) SelfCounts(context.Context) (synchistory.SelfCounts, error) {
	return s.counts, nil
}

type stubTraces struct {
	mu    sync.Mutex
	trace *monitor.Trace
}

func (s *stubTraces) LastTrace() (monitor.Trace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trace == nil {
		return monitor.Trace{}, false
	}
	return *s.trace, true
}

func (s *stubTraces) set(trace monitor.Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = &trace
}

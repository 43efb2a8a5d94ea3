package selector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/health"
	"github.com/MarcoPoloResearchLab/contentnode/internal/peer"
	"github.com/MarcoPoloResearchLab/contentnode/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"
)

const (
	defaultNumberOfNodes      = 3
	defaultHealthCheckTimeout = 5 * time.Second
	defaultConcurrency        = 16
)

// Rejection reasons recorded on Selection.Rejected.
const (
	RejectSelf           = "self"
	RejectNotAllowed     = "not_allowlisted"
	RejectDenied         = "denylisted"
	RejectExcluded       = "excluded"
	RejectSyncing        = "sync_in_progress"
	RejectProbeFailed    = "probe_failed"
	RejectUnhealthy      = "reported_unhealthy"
	RejectVersion        = "version_mismatch"
	RejectStorage        = "insufficient_storage"
	RejectInvalidVersion = "invalid_version"
)

var errMissingRegistry = errors.New("selector: registry lookup required")

// Prober probes a candidate's verbose health.
type Prober interface {
	Probe(ctx context.Context, endpoint string, simple bool) health.Probe
}

// SyncStatusClient reports whether a candidate is mid-sync for a wallet.
type SyncStatusClient interface {
	SyncStatus(ctx context.Context, endpoint string, wallet string) (peer.SyncStatus, error)
}

// Config configures a Selector.
type Config struct {
	Registry                          registry.Lookup
	Prober                            Prober
	SyncStatus                        SyncStatusClient
	ServiceType                       string
	SelfEndpoint                      string
	AllowList                         []string
	DenyList                          []string
	HealthCheckTimeout                time.Duration
	EquivalencyDelta                  time.Duration
	PreferHigherVersionForPrimary     bool
	PreferHigherVersionForSecondaries bool
	DefaultMaxStorageUsedPercent      float64
	Concurrency                       int
	Rand                              *rand.Rand
	Logger                            *zap.Logger
}

// Request describes one selection round.
type Request struct {
	NumberOfNodes  int
	Wallet         string
	ExcludeSyncing bool
	Exclude        []string
}

// Candidate is the transient scoring record of a surviving node.
type Candidate struct {
	Endpoint           string        `json:"endpoint"`
	Version            string        `json:"version"`
	Healthy            bool          `json:"healthy"`
	ResponseTime       time.Duration `json:"responseTime"`
	StorageUsedPercent *float64      `json:"storageUsedPercent,omitempty"`
}

// Rejection records why a node did not survive.
type Rejection struct {
	Endpoint string `json:"endpoint"`
	Reason   string `json:"reason"`
}

// Selection is the outcome of Select. NoPrimarySelected is a terminal failure for the round.
type Selection struct {
	Primary           string      `json:"primary,omitempty"`
	Secondaries       []string    `json:"secondaries"`
	Candidates        []Candidate `json:"candidates"`
	Rejected          []Rejection `json:"rejected"`
	NoPrimarySelected bool        `json:"noPrimarySelected"`
}

// Selector picks a primary and secondaries from the registry's content nodes.
type Selector struct {
	cfg       Config
	allowList map[string]struct{}
	denyList  map[string]struct{}
	randMu    sync.Mutex
	rand      *rand.Rand
	logger    *zap.Logger
}

// New constructs a Selector.
func New(cfg Config) (*Selector, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Prober == nil {
		return nil, errors.New("selector: prober required")
	}
	if strings.TrimSpace(cfg.ServiceType) == "" {
		cfg.ServiceType = registry.ServiceTypeContentNode
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = defaultHealthCheckTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	random := cfg.Rand
	if random == nil {
		random = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.SelfEndpoint = normalize(cfg.SelfEndpoint)
	return &Selector{
		cfg:       cfg,
		allowList: toSet(cfg.AllowList),
		denyList:  toSet(cfg.DenyList),
		rand:      random,
		logger:    logger,
	}, nil
}

// Select runs one selection round.
func (s *Selector) Select(ctx context.Context, request Request) (Selection, error) {
	numberOfNodes := request.NumberOfNodes
	if numberOfNodes <= 0 {
		numberOfNodes = defaultNumberOfNodes
	}
	selection := Selection{Secondaries: []string{}, Candidates: []Candidate{}, Rejected: []Rejection{}}

	providers, err := s.cfg.Registry.ServiceProviderList(ctx, s.cfg.ServiceType)
	if err != nil {
		return selection, fmt.Errorf("selector: list providers: %w", err)
	}
	expectedVersion, err := s.cfg.Registry.CurrentVersion(ctx, s.cfg.ServiceType)
	if err != nil {
		return selection, fmt.Errorf("selector: current version: %w", err)
	}

	excluded := toSet(request.Exclude)
	endpoints := make([]string, 0, len(providers))
	for _, provider := range providers {
		endpoint := normalize(provider.Endpoint)
		if endpoint == "" || slices.Contains(endpoints, endpoint) {
			continue
		}
		reason := s.filterReason(endpoint, excluded)
		if reason != "" {
			selection.Rejected = append(selection.Rejected, Rejection{Endpoint: endpoint, Reason: reason})
			continue
		}
		endpoints = append(endpoints, endpoint)
	}

	if request.ExcludeSyncing && s.cfg.SyncStatus != nil && strings.TrimSpace(request.Wallet) != "" {
		var syncing []string
		endpoints, syncing = s.dropSyncing(ctx, endpoints, request.Wallet)
		for _, endpoint := range syncing {
			selection.Rejected = append(selection.Rejected, Rejection{Endpoint: endpoint, Reason: RejectSyncing})
		}
	}

	survivors, rejected := s.healthCheck(ctx, endpoints, expectedVersion)
	selection.Rejected = append(selection.Rejected, rejected...)

	if len(survivors) == 0 {
		selection.NoPrimarySelected = true
		s.logger.Warn("no primary selected",
			zap.Int("providers", len(providers)),
			zap.Int("rejected", len(selection.Rejected)),
		)
		return selection, nil
	}

	primaryOrder := s.rank(survivors, s.cfg.PreferHigherVersionForPrimary)
	selection.Primary = primaryOrder[0].Endpoint

	remaining := append([]Candidate(nil), primaryOrder[1:]...)
	if s.cfg.PreferHigherVersionForSecondaries != s.cfg.PreferHigherVersionForPrimary {
		remaining = s.rank(remaining, s.cfg.PreferHigherVersionForSecondaries)
	}
	for _, candidate := range remaining {
		if len(selection.Secondaries) >= numberOfNodes-1 {
			break
		}
		selection.Secondaries = append(selection.Secondaries, candidate.Endpoint)
	}
	selection.Candidates = primaryOrder
	return selection, nil
}

func (s *Selector) filterReason(endpoint string, excluded map[string]struct{}) string {
	if endpoint == s.cfg.SelfEndpoint {
		return RejectSelf
	}
	if len(s.allowList) > 0 {
		if _, ok := s.allowList[endpoint]; !ok {
			return RejectNotAllowed
		}
	}
	if _, ok := s.denyList[endpoint]; ok {
		return RejectDenied
	}
	if _, ok := excluded[endpoint]; ok {
		return RejectExcluded
	}
	return ""
}

func (s *Selector) dropSyncing(ctx context.Context, endpoints []string, wallet string) ([]string, []string) {
	checkCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthCheckTimeout)
	defer cancel()

	inProgress := make([]bool, len(endpoints))
	group, groupCtx := errgroup.WithContext(checkCtx)
	group.SetLimit(s.cfg.Concurrency)
	for index, endpoint := range endpoints {
		group.Go(func() error {
			status, err := s.cfg.SyncStatus.SyncStatus(groupCtx, endpoint, wallet)
			if err == nil && status.SyncInProgress {
				inProgress[index] = true
			}
			return nil
		})
	}
	_ = group.Wait()

	kept := make([]string, 0, len(endpoints))
	syncing := make([]string, 0)
	for index, endpoint := range endpoints {
		if inProgress[index] {
			syncing = append(syncing, endpoint)
			continue
		}
		kept = append(kept, endpoint)
	}
	return kept, syncing
}

func (s *Selector) healthCheck(ctx context.Context, endpoints []string, expectedVersion string) ([]Candidate, []Rejection) {
	checkCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthCheckTimeout)
	defer cancel()

	probes := make([]health.Probe, len(endpoints))
	group, groupCtx := errgroup.WithContext(checkCtx)
	group.SetLimit(s.cfg.Concurrency)
	for index, endpoint := range endpoints {
		group.Go(func() error {
			probes[index] = s.cfg.Prober.Probe(groupCtx, endpoint, true)
			return nil
		})
	}
	_ = group.Wait()

	expectedMajorMinor := semver.MajorMinor(registry.CanonicalVersion(expectedVersion))
	survivors := make([]Candidate, 0, len(endpoints))
	rejected := make([]Rejection, 0)
	for index, probe := range probes {
		endpoint := endpoints[index]
		if probe.Report == nil {
			rejected = append(rejected, Rejection{Endpoint: endpoint, Reason: RejectProbeFailed})
			continue
		}
		report := *probe.Report
		if !report.Healthy || !probe.Verdict.Healthy {
			rejected = append(rejected, Rejection{Endpoint: endpoint, Reason: RejectUnhealthy})
			continue
		}
		version := registry.CanonicalVersion(report.Version)
		if !semver.IsValid(version) {
			rejected = append(rejected, Rejection{Endpoint: endpoint, Reason: RejectInvalidVersion})
			continue
		}
		if semver.MajorMinor(version) != expectedMajorMinor {
			rejected = append(rejected, Rejection{Endpoint: endpoint, Reason: RejectVersion})
			continue
		}
		maxStorage := s.cfg.DefaultMaxStorageUsedPercent
		if report.MaxStorageUsedPercent != nil {
			maxStorage = *report.MaxStorageUsedPercent
		}
		if maxStorage > 0 && health.StorageExceeded(report, maxStorage) {
			rejected = append(rejected, Rejection{Endpoint: endpoint, Reason: RejectStorage})
			continue
		}
		survivors = append(survivors, Candidate{
			Endpoint:           endpoint,
			Version:            version,
			Healthy:            true,
			ResponseTime:       probe.Latency,
			StorageUsedPercent: storageUsedPercent(report),
		})
	}
	return survivors, rejected
}

// rank orders candidates by version (when preferVersion) then latency, shuffling runs of
// candidates whose latency is within the equivalency delta of the run's fastest member.
func (s *Selector) rank(candidates []Candidate, preferVersion bool) []Candidate {
	ordered := append([]Candidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if preferVersion {
			if comparison := semver.Compare(ordered[i].Version, ordered[j].Version); comparison != 0 {
				return comparison > 0
			}
		}
		return ordered[i].ResponseTime < ordered[j].ResponseTime
	})

	s.randMu.Lock()
	defer s.randMu.Unlock()
	for start := 0; start < len(ordered); {
		end := start + 1
		for end < len(ordered) && s.equivalent(ordered[start], ordered[end], preferVersion) {
			end++
		}
		bucket := ordered[start:end]
		s.rand.Shuffle(len(bucket), func(i, j int) {
			bucket[i], bucket[j] = bucket[j], bucket[i]
		})
		start = end
	}
	return ordered
}

func (s *Selector) equivalent(anchor Candidate, other Candidate, preferVersion bool) bool {
	if preferVersion && semver.Compare(anchor.Version, other.Version) != 0 {
		return false
	}
	return other.ResponseTime-anchor.ResponseTime < s.cfg.EquivalencyDelta
}

func storageUsedPercent(report peer.VerboseHealth) *float64 {
	if report.StoragePathSize == nil || report.StoragePathUsed == nil || *report.StoragePathSize <= 0 {
		return nil
	}
	percent := float64(*report.StoragePathUsed) * 100 / float64(*report.StoragePathSize)
	return &percent
}

func toSet(endpoints []string) map[string]struct{} {
	set := make(map[string]struct{}, len(endpoints))
	for _, endpoint := range endpoints {
		if normalized := normalize(endpoint); normalized != "" {
			set[normalized] = struct{}{}
		}
	}
	return set
}

func normalize(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}

package monitor

import (
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/reconciler"
	"github.com/MarcoPoloResearchLab/contentnode/internal/reconfig"
)

// Stage names in execution order.
const (
	StageFetchUsers       = "fetch_users"
	StageProbePeers       = "probe_peers"
	StageFetchClocks      = "fetch_clocks"
	StageSyncSuccessRates = "sync_success_rates"
	StageComputeDecisions = "compute_decisions"
	StageEnqueue          = "enqueue"
)

// TraceStage records one stage of a monitoring run.
type TraceStage struct {
	Name      string         `json:"name"`
	StartedAt time.Time      `json:"startedAt"`
	Duration  time.Duration  `json:"duration"`
	Counts    map[string]int `json:"counts"`
	Error     string         `json:"error,omitempty"`
}

// Trace is the decision trace of one monitoring run.
type Trace struct {
	JobID       string        `json:"jobId"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"duration"`
	CursorStart uint          `json:"cursorStart"`
	CursorEnd   uint          `json:"cursorEnd"`
	Stages      []TraceStage  `json:"stages"`
}

// Stage returns the named stage and whether it ran.
func (t Trace) Stage(name string) (TraceStage, bool) {
	for _, stage := range t.Stages {
		if stage.Name == name {
			return stage, true
		}
	}
	return TraceStage{}, false
}

// PairDecision is the reconciliation verdict for one (wallet, secondary) pair.
type PairDecision struct {
	Wallet         string              `json:"wallet"`
	Secondary      string              `json:"secondary"`
	PrimaryClock   int64               `json:"primaryClock"`
	SecondaryClock int64               `json:"secondaryClock"`
	Decision       reconciler.Decision `json:"decision"`
}

// JobResult is everything one monitoring run produced.
type JobResult struct {
	Trace        Trace                    `json:"trace"`
	Decisions    []PairDecision           `json:"decisions"`
	SyncRequests []reconciler.SyncRequest `json:"syncRequests"`
	Reconfigs    []reconfig.Request       `json:"reconfigs"`
}

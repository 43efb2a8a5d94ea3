package reconciler

// Action is the reconciliation verdict for a (wallet, secondary) pair.
type Action string

const (
	ActionNoSync Action = "no_sync"
	ActionSync   Action = "sync"
)

// Decision reasons.
const (
	ReasonInSync                = "in_sync"
	ReasonSecondaryAhead        = "secondary_ahead"
	ReasonSecondaryUnhealthy    = "secondary_unhealthy"
	ReasonSecondaryClockUnknown = "secondary_clock_unavailable"
	ReasonDailyFailureThreshold = "daily_failure_threshold"
	ReasonSecondaryBehind       = "secondary_behind"
	ReasonFilesHashMismatch     = "files_hash_mismatch"
)

// PairState is what the monitor learned about one (wallet, secondary) pair this round.
type PairState struct {
	Wallet             string
	Primary            string
	Secondary          string
	PrimaryClock       int64
	SecondaryClock     int64
	PrimaryFilesHash   *string
	SecondaryFilesHash *string
	SecondaryHealthy   bool
	HasSecondaryData   bool
	DailyFailures      int64
}

// Decision is the outcome of Decide.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// Decide classifies a pair. A dailyFailureThreshold of zero disables the failure cut-off.
func Decide(state PairState, dailyFailureThreshold int64) Decision {
	if !state.SecondaryHealthy {
		return Decision{Action: ActionNoSync, Reason: ReasonSecondaryUnhealthy}
	}
	if !state.HasSecondaryData {
		return Decision{Action: ActionNoSync, Reason: ReasonSecondaryClockUnknown}
	}
	if dailyFailureThreshold > 0 && state.DailyFailures >= dailyFailureThreshold {
		return Decision{Action: ActionNoSync, Reason: ReasonDailyFailureThreshold}
	}
	switch {
	case state.SecondaryClock < state.PrimaryClock:
		return Decision{Action: ActionSync, Reason: ReasonSecondaryBehind}
	case state.SecondaryClock > state.PrimaryClock:
		return Decision{Action: ActionNoSync, Reason: ReasonSecondaryAhead}
	}
	if state.PrimaryFilesHash != nil && state.SecondaryFilesHash != nil && *state.PrimaryFilesHash != *state.SecondaryFilesHash {
		return Decision{Action: ActionSync, Reason: ReasonFilesHashMismatch}
	}
	return Decision{Action: ActionNoSync, Reason: ReasonInSync}
}

package synchistory

import "time"

// Scopes distinguish what a counter row measures.
const (
	// ScopeSecondary counts syncs this node issued to a secondary for a wallet.
	ScopeSecondary = "secondary"
	// ScopeSelf counts syncs this node ran as a secondary.
	ScopeSelf = "self"
)

// Counter is one day's sync outcomes for a (scope, wallet, endpoint) key.
type Counter struct {
	Day          string    `gorm:"column:day;primaryKey;size:10;not null"`
	Scope        string    `gorm:"column:scope;primaryKey;size:16;not null"`
	Wallet       string    `gorm:"column:wallet_public_key;primaryKey;size:190;not null;default:''"`
	Endpoint     string    `gorm:"column:endpoint;primaryKey;size:512;not null;default:''"`
	SuccessCount int64     `gorm:"column:success_count;not null;default:0"`
	FailCount    int64     `gorm:"column:fail_count;not null;default:0"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing sync counters.
func (Counter) TableName() string {
	return "sync_counters"
}

// Pair identifies a (wallet, secondary) pair.
type Pair struct {
	Wallet    string
	Secondary string
}

// Rate is a success/fail tally.
type Rate struct {
	SuccessCount int64 `json:"successCount"`
	FailCount    int64 `json:"failCount"`
}

// Total returns the number of recorded attempts.
func (r Rate) Total() int64 {
	return r.SuccessCount + r.FailCount
}

// Percent returns the success percentage, or 100 without samples.
func (r Rate) Percent() float64 {
	if r.Total() == 0 {
		return 100
	}
	return float64(r.SuccessCount) * 100 / float64(r.Total())
}

// SelfCounts feeds this node's own verbose health report.
type SelfCounts struct {
	Daily   Rate `json:"daily"`
	Rolling Rate `json:"rolling"`
}

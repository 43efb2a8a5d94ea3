package peer

import (
	"errors"
	"fmt"
)

// Peer API paths.
const (
	PathVerboseHealth    = "/health_check/verbose"
	PathBatchClockStatus = "/users/batch_clock_status"
	PathExport           = "/export"
	PathSync             = "/sync"
	PathSyncStatus       = "/sync_status/"
	PathContent          = "/ipfs/"
)

var (
	// ErrMissingEndpoint indicates a call without a peer endpoint.
	ErrMissingEndpoint = errors.New("peer: endpoint required")
	// ErrUnexpectedStatus is matched by every *StatusError.
	ErrUnexpectedStatus = errors.New("peer: unexpected status")
)

// StatusError reports a non-2xx response from a peer.
type StatusError struct {
	Endpoint   string
	Path       string
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("peer: %s%s returned %d (%s)", e.Endpoint, e.Path, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("peer: %s%s returned %d", e.Endpoint, e.Path, e.StatusCode)
}

// Is allows errors.Is(err, ErrUnexpectedStatus).
func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}

// VerboseHealth is a node's self-reported health. Optional fields are pointers; nil means the
// node did not report the value.
type VerboseHealth struct {
	Healthy                          bool     `json:"healthy"`
	Version                          string   `json:"version"`
	Service                          string   `json:"service,omitempty"`
	StoragePathSize                  *int64   `json:"storagePathSize,omitempty"`
	StoragePathUsed                  *int64   `json:"storagePathUsed,omitempty"`
	MaxStorageUsedPercent            *float64 `json:"maxStorageUsedPercent,omitempty"`
	TotalMemory                      *int64   `json:"totalMemory,omitempty"`
	UsedMemory                       *int64   `json:"usedMemory,omitempty"`
	MaxFileDescriptors               *int64   `json:"maxFileDescriptors,omitempty"`
	AllocatedFileDescriptors         *int64   `json:"allocatedFileDescriptors,omitempty"`
	DailySyncSuccessCount            *int64   `json:"dailySyncSuccessCount,omitempty"`
	DailySyncFailCount               *int64   `json:"dailySyncFailCount,omitempty"`
	ThirtyDayRollingSyncSuccessCount *int64   `json:"thirtyDayRollingSyncSuccessCount,omitempty"`
	ThirtyDayRollingSyncFailCount    *int64   `json:"thirtyDayRollingSyncFailCount,omitempty"`
}

// Int64 returns a pointer to value, for building reports.
func Int64(value int64) *int64 {
	return &value
}

// Float64 returns a pointer to value, for building reports.
func Float64(value float64) *float64 {
	return &value
}

// BatchClockStatusRequest is the body of POST /users/batch_clock_status.
type BatchClockStatusRequest struct {
	WalletPublicKeys []string `json:"walletPublicKeys"`
}

// WalletClockStatus is one entry of a batch clock status response.
type WalletClockStatus struct {
	WalletPublicKey string  `json:"walletPublicKey"`
	Clock           int64   `json:"clock"`
	FilesHash       *string `json:"filesHash,omitempty"`
}

// BatchClockStatusResponse is the body returned by POST /users/batch_clock_status.
type BatchClockStatusResponse struct {
	Users []WalletClockStatus `json:"users"`
}

// SyncPayload asks a secondary to pull the listed wallets from creator_node_endpoint.
type SyncPayload struct {
	Wallet              []string `json:"wallet"`
	CreatorNodeEndpoint string   `json:"creator_node_endpoint"`
	Immediate           bool     `json:"immediate"`
	ForceResync         bool     `json:"force_resync,omitempty"`
}

// SyncStatus is the body returned by GET /sync_status/:wallet.
type SyncStatus struct {
	LatestBlockNumber int64 `json:"latestBlockNumber"`
	ClockValue        int64 `json:"clockValue"`
	SyncInProgress    bool  `json:"syncInProgress"`
}

// ErrorResponse is the JSON error envelope every node returns.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

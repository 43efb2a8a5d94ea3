package health

import (
	"fmt"
	"math/big"

	"github.com/MarcoPoloResearchLab/contentnode/internal/peer"
)

// UnhealthyReason names the first violated health rule.
type UnhealthyReason int

const (
	ReasonNone UnhealthyReason = iota
	ReasonProbeFailed
	ReasonReportedUnhealthy
	ReasonLowStorage
	ReasonLowMemory
	ReasonLowFileDescriptors
	ReasonPoorDailySyncRate
	ReasonPoorRollingSyncRate
)

func (r UnhealthyReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonProbeFailed:
		return "probe_failed"
	case ReasonReportedUnhealthy:
		return "reported_unhealthy"
	case ReasonLowStorage:
		return "low_storage"
	case ReasonLowMemory:
		return "low_memory"
	case ReasonLowFileDescriptors:
		return "low_file_descriptors"
	case ReasonPoorDailySyncRate:
		return "poor_daily_sync_rate"
	case ReasonPoorRollingSyncRate:
		return "poor_rolling_sync_rate"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// MarshalText renders the reason name in JSON traces.
func (r UnhealthyReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Thresholds configures DeterminePeerHealth. MaxStorageUsedPercent applies only when the report
// omits its own value.
type Thresholds struct {
	MaxStorageUsedPercent                 float64
	MinimumMemoryAvailable                int64
	MaxFileDescriptorsAllocatedPercentage float64
	MinimumDailySyncCount                 int64
	MinimumRollingSyncCount               int64
	MinimumSuccessfulSyncCountPercentage  float64
}

// DefaultThresholds mirrors the network defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxStorageUsedPercent:                 95,
		MinimumMemoryAvailable:                2 << 30,
		MaxFileDescriptorsAllocatedPercentage: 95,
		MinimumDailySyncCount:                 50,
		MinimumRollingSyncCount:               5000,
		MinimumSuccessfulSyncCountPercentage:  50,
	}
}

// Verdict is the outcome of a health evaluation.
type Verdict struct {
	Healthy bool            `json:"healthy"`
	Reason  UnhealthyReason `json:"reason"`
	Detail  string          `json:"detail,omitempty"`
}

func healthyVerdict() Verdict {
	return Verdict{Healthy: true, Reason: ReasonNone}
}

func unhealthy(reason UnhealthyReason, format string, args ...any) Verdict {
	return Verdict{Healthy: false, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// DeterminePeerHealth applies the ordered threshold checks and stops at the first violation.
// Absent or zero-sized values pass their check.
func DeterminePeerHealth(report peer.VerboseHealth, thresholds Thresholds) Verdict {
	maxStorage := thresholds.MaxStorageUsedPercent
	if report.MaxStorageUsedPercent != nil {
		maxStorage = *report.MaxStorageUsedPercent
	}
	if StorageExceeded(report, maxStorage) {
		return unhealthy(ReasonLowStorage, "used %d of %d bytes exceeds %.2f%%", *report.StoragePathUsed, *report.StoragePathSize, maxStorage)
	}

	if report.TotalMemory != nil && report.UsedMemory != nil {
		available := *report.TotalMemory - *report.UsedMemory
		if available < thresholds.MinimumMemoryAvailable {
			return unhealthy(ReasonLowMemory, "available memory %d below %d", available, thresholds.MinimumMemoryAvailable)
		}
	}

	if report.MaxFileDescriptors != nil && report.AllocatedFileDescriptors != nil && *report.MaxFileDescriptors > 0 {
		if exceedsPercent(*report.AllocatedFileDescriptors, *report.MaxFileDescriptors, thresholds.MaxFileDescriptorsAllocatedPercentage) {
			return unhealthy(ReasonLowFileDescriptors, "allocated %d of %d file descriptors exceeds %.2f%%",
				*report.AllocatedFileDescriptors, *report.MaxFileDescriptors, thresholds.MaxFileDescriptorsAllocatedPercentage)
		}
	}

	if poorRate(report.DailySyncSuccessCount, report.DailySyncFailCount, thresholds.MinimumDailySyncCount, thresholds.MinimumSuccessfulSyncCountPercentage) {
		return unhealthy(ReasonPoorDailySyncRate, "daily sync success %d/%d below %.2f%%",
			valueOf(report.DailySyncSuccessCount), valueOf(report.DailySyncSuccessCount)+valueOf(report.DailySyncFailCount),
			thresholds.MinimumSuccessfulSyncCountPercentage)
	}

	if poorRate(report.ThirtyDayRollingSyncSuccessCount, report.ThirtyDayRollingSyncFailCount, thresholds.MinimumRollingSyncCount, thresholds.MinimumSuccessfulSyncCountPercentage) {
		return unhealthy(ReasonPoorRollingSyncRate, "rolling sync success %d/%d below %.2f%%",
			valueOf(report.ThirtyDayRollingSyncSuccessCount),
			valueOf(report.ThirtyDayRollingSyncSuccessCount)+valueOf(report.ThirtyDayRollingSyncFailCount),
			thresholds.MinimumSuccessfulSyncCountPercentage)
	}

	return healthyVerdict()
}

// StorageExceeded reports whether used/size is strictly above maxPercent. Reports without both
// storage fields have enough space.
func StorageExceeded(report peer.VerboseHealth, maxPercent float64) bool {
	if report.StoragePathSize == nil || report.StoragePathUsed == nil || *report.StoragePathSize <= 0 {
		return false
	}
	return exceedsPercent(*report.StoragePathUsed, *report.StoragePathSize, maxPercent)
}

// poorRate applies only when the peer reports both counters.
func poorRate(success *int64, fail *int64, minimumSamples int64, minimumPercent float64) bool {
	if success == nil || fail == nil {
		return false
	}
	successes := *success
	total := successes + *fail
	if total <= 0 || total < minimumSamples {
		return false
	}
	return belowPercent(successes, total, minimumPercent)
}

// exceedsPercent reports part/whole*100 > percent using exact rational arithmetic so the
// boundary value itself is never misclassified.
func exceedsPercent(part int64, whole int64, percent float64) bool {
	return comparePercent(part, whole, percent) > 0
}

func belowPercent(part int64, whole int64, percent float64) bool {
	return comparePercent(part, whole, percent) < 0
}

func comparePercent(part int64, whole int64, percent float64) int {
	left := new(big.Rat).SetInt64(part)
	left.Mul(left, big.NewRat(100, 1))
	right := new(big.Rat).SetInt64(whole)
	threshold := new(big.Rat)
	if threshold.SetFloat64(percent) == nil {
		threshold.SetInt64(100)
	}
	right.Mul(right, threshold)
	return left.Cmp(right)
}

func valueOf(value *int64) int64 {
	if value == nil {
		return 0
	}
	return *value
}

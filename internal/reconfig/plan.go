package reconfig

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/contentnode/internal/replicaset"
)

// Type is a reconfiguration kind, ordered by increasing severity.
type Type int

const (
	TypeNone Type = iota
	TypeOneSecondary
	TypeMultipleSecondaries
	TypePrimaryAndOrSecondaries
	TypeEntireReplicaSet
)

var typeNames = map[Type]string{
	TypeNone:                    "none",
	TypeOneSecondary:            "one_secondary",
	TypeMultipleSecondaries:     "multiple_secondaries",
	TypePrimaryAndOrSecondaries: "primary_and_or_secondaries",
	TypeEntireReplicaSet:        "entire_replica_set",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// MarshalText renders the type name in JSON.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a type name.
func (t *Type) UnmarshalText(text []byte) error {
	normalized := strings.ToLower(strings.TrimSpace(string(text)))
	for candidate, name := range typeNames {
		if name == normalized {
			*t = candidate
			return nil
		}
	}
	return fmt.Errorf("reconfig: unknown type %q", text)
}

// ParseMode maps a configured mode to the most severe type allowed to execute. "disabled" runs
// every plan as a dry run.
func ParseMode(raw string) (Type, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" || normalized == "disabled" {
		return TypeNone, nil
	}
	for candidate, name := range typeNames {
		if name == normalized && candidate != TypeNone {
			return candidate, nil
		}
	}
	return TypeNone, fmt.Errorf("reconfig: unknown mode %q", raw)
}

// Determine picks the reconfiguration type for current given the members that stayed unhealthy
// past their grace window. An unhealthy primary takes precedence: the healthy secondary with the
// highest clock is promoted, and when no secondary is healthy the whole set is replaced.
func Determine(current replicaset.ReplicaSet, unhealthy map[string]bool, clocks map[string]int64) (Type, string) {
	secondaries := current.Secondaries()
	healthySecondaries := make([]string, 0, len(secondaries))
	for _, secondary := range secondaries {
		if !unhealthy[secondary] {
			healthySecondaries = append(healthySecondaries, secondary)
		}
	}

	if unhealthy[current.Primary] {
		if len(healthySecondaries) == 0 {
			return TypeEntireReplicaSet, ""
		}
		promote := healthySecondaries[0]
		for _, secondary := range healthySecondaries[1:] {
			if clockOf(clocks, secondary) > clockOf(clocks, promote) {
				promote = secondary
			}
		}
		return TypePrimaryAndOrSecondaries, promote
	}

	switch len(secondaries) - len(healthySecondaries) {
	case 0:
		return TypeNone, ""
	case 1:
		return TypeOneSecondary, ""
	default:
		return TypeMultipleSecondaries, ""
	}
}

func clockOf(clocks map[string]int64, endpoint string) int64 {
	if clock, ok := clocks[endpoint]; ok {
		return clock
	}
	return -1
}

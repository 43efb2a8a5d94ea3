package replicaset

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidReplicaSet indicates a replica set without a primary or with repeated members.
	ErrInvalidReplicaSet = errors.New("replicaset: invalid replica set")
	// ErrUnknownWallet indicates that no replica set is assigned to the wallet.
	ErrUnknownWallet = errors.New("replicaset: unknown wallet")
)

// Role is a node's position in a replica set.
type Role string

const (
	RoleNone      Role = ""
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// ReplicaSet is the primary and up to two secondaries responsible for one wallet.
type ReplicaSet struct {
	Primary    string `json:"primary"`
	Secondary1 string `json:"secondary1"`
	Secondary2 string `json:"secondary2"`
}

// Secondaries returns the non-empty secondaries in slot order.
func (r ReplicaSet) Secondaries() []string {
	secondaries := make([]string, 0, 2)
	for _, endpoint := range []string{r.Secondary1, r.Secondary2} {
		if endpoint != "" {
			secondaries = append(secondaries, endpoint)
		}
	}
	return secondaries
}

// Members returns the primary followed by the secondaries.
func (r ReplicaSet) Members() []string {
	members := make([]string, 0, 3)
	if r.Primary != "" {
		members = append(members, r.Primary)
	}
	return append(members, r.Secondaries()...)
}

// RoleOf reports endpoint's role in the set.
func (r ReplicaSet) RoleOf(endpoint string) Role {
	endpoint = NormalizeEndpoint(endpoint)
	switch {
	case endpoint == "":
		return RoleNone
	case endpoint == r.Primary:
		return RolePrimary
	case endpoint == r.Secondary1 || endpoint == r.Secondary2:
		return RoleSecondary
	default:
		return RoleNone
	}
}

// Normalize trims every endpoint and validates the set.
func (r ReplicaSet) Normalize() (ReplicaSet, error) {
	normalized := ReplicaSet{
		Primary:    NormalizeEndpoint(r.Primary),
		Secondary1: NormalizeEndpoint(r.Secondary1),
		Secondary2: NormalizeEndpoint(r.Secondary2),
	}
	if normalized.Primary == "" {
		return ReplicaSet{}, fmt.Errorf("%w: primary required", ErrInvalidReplicaSet)
	}
	if normalized.Secondary1 == "" && normalized.Secondary2 != "" {
		normalized.Secondary1, normalized.Secondary2 = normalized.Secondary2, ""
	}
	seen := make(map[string]struct{}, 3)
	for _, member := range normalized.Members() {
		if _, ok := seen[member]; ok {
			return ReplicaSet{}, fmt.Errorf("%w: %s appears twice", ErrInvalidReplicaSet, member)
		}
		seen[member] = struct{}{}
	}
	return normalized, nil
}

// NormalizeEndpoint trims whitespace and trailing slashes.
func NormalizeEndpoint(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}

// Assignment persists the replica set of one wallet. UserID orders the monitoring sweep.
type Assignment struct {
	UserID     uint      `gorm:"column:user_id;primaryKey;autoIncrement"`
	Wallet     string    `gorm:"column:wallet_public_key;size:190;not null;uniqueIndex"`
	Primary    string    `gorm:"column:primary_endpoint;size:512;not null;index"`
	Secondary1 string    `gorm:"column:secondary1_endpoint;size:512;index"`
	Secondary2 string    `gorm:"column:secondary2_endpoint;size:512;index"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing replica set assignments.
func (Assignment) TableName() string {
	return "replica_set_assignments"
}

// ReplicaSet returns the assignment's members.
func (a Assignment) ReplicaSet() ReplicaSet {
	return ReplicaSet{Primary: a.Primary, Secondary1: a.Secondary1, Secondary2: a.Secondary2}
}

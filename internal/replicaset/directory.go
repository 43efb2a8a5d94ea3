package replicaset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultPageSize = 100

// DirectoryConfig describes the dependencies of the replica set directory.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Directory maps wallets to their replica sets.
type Directory struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewDirectory constructs the directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("replicaset: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Directory{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Get returns the wallet's replica set.
func (d *Directory) Get(ctx context.Context, wallet string) (ReplicaSet, error) {
	key := normalizeWallet(wallet)
	if key == "" {
		return ReplicaSet{}, ErrUnknownWallet
	}
	if cached, ok := d.cache.Load(key); ok {
		if replicaSet, ok := cached.(ReplicaSet); ok {
			return replicaSet, nil
		}
	}

	var assignment Assignment
	err := d.db.WithContext(ctx).Where("wallet_public_key = ?", key).First(&assignment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ReplicaSet{}, fmt.Errorf("%w: %s", ErrUnknownWallet, key)
	}
	if err != nil {
		return ReplicaSet{}, err
	}
	replicaSet := assignment.ReplicaSet()
	d.cache.Store(key, replicaSet)
	return replicaSet, nil
}

// Update assigns replicaSet to wallet, creating the assignment when absent.
func (d *Directory) Update(ctx context.Context, wallet string, replicaSet ReplicaSet) error {
	key := normalizeWallet(wallet)
	if key == "" {
		return ErrUnknownWallet
	}
	normalized, err := replicaSet.Normalize()
	if err != nil {
		return err
	}
	now := d.now().UTC()
	assignment := Assignment{
		Wallet:     key,
		Primary:    normalized.Primary,
		Secondary1: normalized.Secondary1,
		Secondary2: normalized.Secondary2,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_public_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"primary_endpoint", "secondary1_endpoint", "secondary2_endpoint", "updated_at"}),
	}).Create(&assignment).Error
	d.cache.Delete(key)
	return err
}

// UsersForEndpoint returns up to limit assignments that include endpoint, ordered by user id and
// starting after afterUserID.
func (d *Directory) UsersForEndpoint(ctx context.Context, endpoint string, afterUserID uint, limit int) ([]Assignment, error) {
	endpoint = NormalizeEndpoint(endpoint)
	if limit <= 0 {
		limit = defaultPageSize
	}
	var assignments []Assignment
	err := d.db.WithContext(ctx).
		Where("user_id > ?", afterUserID).
		Where("primary_endpoint = ? OR secondary1_endpoint = ? OR secondary2_endpoint = ?", endpoint, endpoint, endpoint).
		Order("user_id ASC").
		Limit(limit).
		Find(&assignments).
		Error
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

func normalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

package synchistory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dayLayout         = "2006-01-02"
	rollingWindowDays = 30
)

var errMissingDatabase = errors.New("synchistory: database handle is required")

// StoreConfig describes the dependencies of the counter store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store aggregates sync outcomes into daily counters.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// RecordSecondaryOutcome counts one sync this node issued to secondary for wallet.
func (s *Store) RecordSecondaryOutcome(ctx context.Context, wallet string, secondary string, success bool) error {
	return s.record(ctx, ScopeSecondary, normalizeWallet(wallet), normalizeEndpoint(secondary), success)
}

// RecordSelfOutcome counts one sync this node ran as a secondary.
func (s *Store) RecordSelfOutcome(ctx context.Context, success bool) error {
	return s.record(ctx, ScopeSelf, "", "", success)
}

func (s *Store) record(ctx context.Context, scope string, wallet string, endpoint string, success bool) error {
	now := s.clock().UTC()
	row := Counter{
		Day:       now.Format(dayLayout),
		Scope:     scope,
		Wallet:    wallet,
		Endpoint:  endpoint,
		UpdatedAt: now,
	}
	column := "fail_count"
	if success {
		row.SuccessCount = 1
		column = "success_count"
	} else {
		row.FailCount = 1
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}, {Name: "scope"}, {Name: "wallet_public_key"}, {Name: "endpoint"}},
		DoUpdates: clause.Assignments(map[string]any{
			column:       gorm.Expr(column + " + 1"),
			"updated_at": now,
		}),
	}).Create(&row).Error
	if err != nil {
		s.logger.Error("sync counter update failed",
			zap.String("scope", scope),
			zap.String("wallet", wallet),
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		return fmt.Errorf("synchistory: record %s outcome: %w", scope, err)
	}
	return nil
}

// SecondaryDailyFailures returns today's failure count per (wallet, secondary) for wallets.
func (s *Store) SecondaryDailyFailures(ctx context.Context, wallets []string) (map[Pair]int64, error) {
	rates, err := s.secondaryRates(ctx, wallets, s.today())
	if err != nil {
		return nil, err
	}
	failures := make(map[Pair]int64, len(rates))
	for pair, rate := range rates {
		failures[pair] = rate.FailCount
	}
	return failures, nil
}

// SecondarySuccessRates returns the rolling 30-day tally per (wallet, secondary) for wallets.
func (s *Store) SecondarySuccessRates(ctx context.Context, wallets []string) (map[Pair]Rate, error) {
	return s.secondaryRates(ctx, wallets, s.windowStart())
}

func (s *Store) secondaryRates(ctx context.Context, wallets []string, fromDay string) (map[Pair]Rate, error) {
	rates := make(map[Pair]Rate)
	if len(wallets) == 0 {
		return rates, nil
	}
	normalized := make([]string, 0, len(wallets))
	for _, wallet := range wallets {
		normalized = append(normalized, normalizeWallet(wallet))
	}

	var rows []struct {
		Wallet       string `gorm:"column:wallet_public_key"`
		Endpoint     string `gorm:"column:endpoint"`
		SuccessCount int64  `gorm:"column:success_count"`
		FailCount    int64  `gorm:"column:fail_count"`
	}
	err := s.db.WithContext(ctx).Model(&Counter{}).
		Select("wallet_public_key, endpoint, SUM(success_count) AS success_count, SUM(fail_count) AS fail_count").
		Where("scope = ? AND day >= ? AND wallet_public_key IN ?", ScopeSecondary, fromDay, normalized).
		Group("wallet_public_key, endpoint").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("synchistory: secondary rates: %w", err)
	}
	for _, row := range rows {
		rates[Pair{Wallet: row.Wallet, Secondary: row.Endpoint}] = Rate{SuccessCount: row.SuccessCount, FailCount: row.FailCount}
	}
	return rates, nil
}

// SelfCounts returns today's and the rolling 30-day tallies of syncs this node ran.
func (s *Store) SelfCounts(ctx context.Context) (SelfCounts, error) {
	var rows []Counter
	err := s.db.WithContext(ctx).
		Where("scope = ? AND day >= ?", ScopeSelf, s.windowStart()).
		Find(&rows).Error
	if err != nil {
		return SelfCounts{}, fmt.Errorf("synchistory: self counts: %w", err)
	}
	today := s.today()
	var counts SelfCounts
	for _, row := range rows {
		counts.Rolling.SuccessCount += row.SuccessCount
		counts.Rolling.FailCount += row.FailCount
		if row.Day == today {
			counts.Daily.SuccessCount += row.SuccessCount
			counts.Daily.FailCount += row.FailCount
		}
	}
	return counts, nil
}

// Prune deletes counters that fell out of the rolling window.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where("day < ?", s.windowStart()).Delete(&Counter{})
	if result.Error != nil {
		return 0, fmt.Errorf("synchistory: prune: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Store) today() string {
	return s.clock().UTC().Format(dayLayout)
}

func (s *Store) windowStart() string {
	return s.clock().UTC().AddDate(0, 0, -(rollingWindowDays - 1)).Format(dayLayout)
}

func normalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

func normalizeEndpoint(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}

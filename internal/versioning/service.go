package versioning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/contentaddr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// DefaultMaxExportClockRange bounds the width of a single export page.
const DefaultMaxExportClockRange int64 = 10000

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "versioning.service.new"
	opCreateUser       = "versioning.create_user"
	opAppendMutation   = "versioning.append_mutation"
	opGetClock         = "versioning.get_clock"
	opFilesHash        = "versioning.files_hash"
	opExportRange      = "versioning.export_range"
	opImportBatch      = "versioning.import_batch"
	opReplaceWallet    = "versioning.replace_wallet"
	opListWalletFiles  = "versioning.list_wallet_files"
	opLookupFile       = "versioning.lookup_file"
	fieldWallet        = "wallet"
	queryWallet        = "wallet_public_key = ?"
	queryWalletIn      = "wallet_public_key IN ?"
	queryWalletClock   = "wallet_public_key = ? AND clock = ?"
	queryWalletRange   = "wallet_public_key = ? AND clock >= ? AND clock <= ?"
	orderClockAsc      = "clock ASC"
	reasonMissingDB    = "missing_database"
	reasonInvalidInput = "invalid_input"
	reasonQueryFailed  = "query_failed"
	reasonInsertFailed = "insert_failed"
	reasonUpdateFailed = "update_failed"
	reasonDeleteFailed = "delete_failed"
	reasonConflict     = "concurrent_mutation"
	reasonClockGap     = "clock_gap"
	reasonApplyFailed  = "apply_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database            *gorm.DB
	Clock               func() time.Time
	Logger              *zap.Logger
	MaxExportClockRange int64
}

// MutationFunc writes the entity row belonging to a freshly assigned clock value.
type MutationFunc func(tx *gorm.DB, clock int64) error

// Service is the per-wallet versioning store. The wallet clock is mutated only while holding
// that wallet's lock and inside a transaction that compare-and-swaps the user row.
type Service struct {
	db             *gorm.DB
	clock          func() time.Time
	logger         *zap.Logger
	maxExportRange int64
	locks          *walletLocks
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	maxRange := cfg.MaxExportClockRange
	if maxRange <= 0 {
		maxRange = DefaultMaxExportClockRange
	}

	return &Service{
		db:             cfg.Database,
		clock:          clock,
		logger:         logger,
		maxExportRange: maxRange,
		locks:          newWalletLocks(),
	}, nil
}

// MaxExportClockRange returns the configured export page width.
func (s *Service) MaxExportClockRange() int64 {
	return s.maxExportRange
}

// CreateUser inserts the wallet with clock 0 unless it already exists.
func (s *Service) CreateUser(ctx context.Context, rawWallet string) error {
	wallet, err := NormalizeWallet(rawWallet)
	if err != nil {
		return newServiceError(opCreateUser, reasonInvalidInput, err)
	}
	if s.db == nil {
		return newServiceError(opCreateUser, reasonMissingDB, errMissingDatabase)
	}
	if err := ensureUser(s.db.WithContext(ctx), wallet); err != nil {
		s.logError(opCreateUser, reasonInsertFailed, err, zap.String(fieldWallet, wallet))
		return newServiceError(opCreateUser, reasonInsertFailed, err)
	}
	return nil
}

// AppendMutation advances the wallet clock by one and appends the matching clock record.
func (s *Service) AppendMutation(ctx context.Context, rawWallet string, sourceTable string) (int64, error) {
	return s.AppendMutationWith(ctx, rawWallet, sourceTable, nil)
}

// AppendMutationWith behaves like AppendMutation and lets the caller write the entity row for
// the new clock inside the same transaction.
func (s *Service) AppendMutationWith(ctx context.Context, rawWallet string, sourceTable string, apply MutationFunc) (int64, error) {
	wallet, err := NormalizeWallet(rawWallet)
	if err != nil {
		return 0, newServiceError(opAppendMutation, reasonInvalidInput, err)
	}
	table := strings.TrimSpace(sourceTable)
	if table == "" {
		return 0, newServiceError(opAppendMutation, reasonInvalidInput, ErrInvalidSourceTable)
	}
	if s.db == nil {
		return 0, newServiceError(opAppendMutation, reasonMissingDB, errMissingDatabase)
	}

	unlock := s.locks.lock(wallet)
	defer unlock()

	var nextClock int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := lockUser(tx, wallet)
		if err != nil {
			return newServiceError(opAppendMutation, reasonQueryFailed, err)
		}

		nextClock = user.Clock + 1
		now := s.clock().UTC()
		update := tx.Model(&User{}).
			Where(queryWalletClock, wallet, user.Clock).
			Updates(map[string]any{"clock": nextClock, "updated_at": now})
		if update.Error != nil {
			return newServiceError(opAppendMutation, reasonUpdateFailed, update.Error)
		}
		if update.RowsAffected == 0 {
			return newServiceError(opAppendMutation, reasonConflict, ErrConcurrentMutationConflict)
		}

		record := ClockRecord{
			WalletAddress: wallet,
			Clock:         nextClock,
			SourceTable:   table,
			CreatedAt:     now,
		}
		if err := tx.Create(&record).Error; err != nil {
			if isDuplicateKey(err) {
				return newServiceError(opAppendMutation, reasonConflict, ErrConcurrentMutationConflict)
			}
			return newServiceError(opAppendMutation, reasonInsertFailed, err)
		}

		if apply != nil {
			if err := apply(tx, nextClock); err != nil {
				return newServiceError(opAppendMutation, reasonApplyFailed, err)
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opAppendMutation, "transaction_failed", txErr, zap.String(fieldWallet, wallet))
		return 0, txErr
	}
	return nextClock, nil
}

// RecordFile appends a files mutation for validated content.
func (s *Service) RecordFile(ctx context.Context, rawWallet string, input FileInput) (int64, error) {
	if _, err := contentaddr.Parse(input.Multihash); err != nil {
		return 0, newServiceError(opAppendMutation, reasonInvalidInput, err)
	}
	fileType, err := ParseFileType(string(input.Type))
	if err != nil {
		return 0, newServiceError(opAppendMutation, reasonInvalidInput, err)
	}
	var dirMultihash *string
	if trimmed := strings.TrimSpace(input.DirMultihash); trimmed != "" {
		if _, err := contentaddr.Parse(trimmed); err != nil {
			return 0, newServiceError(opAppendMutation, reasonInvalidInput, err)
		}
		dirMultihash = &trimmed
	}
	return s.AppendMutationWith(ctx, rawWallet, SourceTableFiles, func(tx *gorm.DB, clock int64) error {
		wallet, _ := NormalizeWallet(rawWallet)
		return tx.Create(&ContentFile{
			WalletAddress: wallet,
			Clock:         clock,
			Multihash:     strings.TrimSpace(input.Multihash),
			Type:          fileType,
			DirMultihash:  dirMultihash,
			FileName:      strings.TrimSpace(input.FileName),
		}).Error
	})
}

// RecordTrack appends a tracks mutation carrying the track metadata snapshot.
func (s *Service) RecordTrack(ctx context.Context, rawWallet string, blockchainID int64, metadataJSON string) (int64, error) {
	return s.AppendMutationWith(ctx, rawWallet, SourceTableTracks, func(tx *gorm.DB, clock int64) error {
		wallet, _ := NormalizeWallet(rawWallet)
		return tx.Create(&Track{
			WalletAddress: wallet,
			Clock:         clock,
			BlockchainID:  blockchainID,
			MetadataJSON:  metadataJSON,
		}).Error
	})
}

// RecordUserProfile appends a user_profiles mutation carrying the profile metadata snapshot.
func (s *Service) RecordUserProfile(ctx context.Context, rawWallet string, metadataJSON string) (int64, error) {
	return s.AppendMutationWith(ctx, rawWallet, SourceTableUserProfiles, func(tx *gorm.DB, clock int64) error {
		wallet, _ := NormalizeWallet(rawWallet)
		return tx.Create(&UserProfile{
			WalletAddress: wallet,
			Clock:         clock,
			MetadataJSON:  metadataJSON,
		}).Error
	})
}

// GetClock returns the wallet clock, or -1 when the wallet is unknown.
func (s *Service) GetClock(ctx context.Context, rawWallet string) (int64, error) {
	wallet, err := NormalizeWallet(rawWallet)
	if err != nil {
		return -1, newServiceError(opGetClock, reasonInvalidInput, err)
	}
	if s.db == nil {
		return -1, newServiceError(opGetClock, reasonMissingDB, errMissingDatabase)
	}
	var user User
	err = s.db.WithContext(ctx).Where(queryWallet, wallet).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return -1, nil
	}
	if err != nil {
		s.logError(opGetClock, reasonQueryFailed, err, zap.String(fieldWallet, wallet))
		return -1, newServiceError(opGetClock, reasonQueryFailed, err)
	}
	return user.Clock, nil
}

// GetUser returns the wallet's user row; found is false for unknown wallets.
func (s *Service) GetUser(ctx context.Context, rawWallet string) (User, bool, error) {
	wallet, err := NormalizeWallet(rawWallet)
	if err != nil {
		return User{}, false, newServiceError(opGetClock, reasonInvalidInput, err)
	}
	if s.db == nil {
		return User{}, false, newServiceError(opGetClock, reasonMissingDB, errMissingDatabase)
	}
	var user User
	err = s.db.WithContext(ctx).Where(queryWallet, wallet).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, false, nil
	}
	if err != nil {
		s.logError(opGetClock, reasonQueryFailed, err, zap.String(fieldWallet, wallet))
		return User{}, false, newServiceError(opGetClock, reasonQueryFailed, err)
	}
	return user, true, nil
}

// GetClocks returns clocks for a set of wallets; unknown wallets map to -1.
func (s *Service) GetClocks(ctx context.Context, rawWallets []string) (map[string]int64, error) {
	if s.db == nil {
		return nil, newServiceError(opGetClock, reasonMissingDB, errMissingDatabase)
	}
	wallets := make([]string, 0, len(rawWallets))
	clocks := make(map[string]int64, len(rawWallets))
	for _, rawWallet := range rawWallets {
		wallet, err := NormalizeWallet(rawWallet)
		if err != nil {
			return nil, newServiceError(opGetClock, reasonInvalidInput, err)
		}
		if _, seen := clocks[wallet]; seen {
			continue
		}
		clocks[wallet] = -1
		wallets = append(wallets, wallet)
	}
	if len(wallets) == 0 {
		return clocks, nil
	}

	var users []User
	if err := s.db.WithContext(ctx).Where(queryWalletIn, wallets).Find(&users).Error; err != nil {
		s.logError(opGetClock, reasonQueryFailed, err, zap.Int("wallet_count", len(wallets)))
		return nil, newServiceError(opGetClock, reasonQueryFailed, err)
	}
	for _, user := range users {
		clocks[user.WalletAddress] = user.Clock
	}
	return clocks, nil
}

// FilesHash digests the wallet's file multihashes ordered by clock. A negative clockMax means
// no upper bound. Wallets without files hash to the empty string.
func (s *Service) FilesHash(ctx context.Context, rawWallet string, clockMin int64, clockMax int64) (string, error) {
	wallet, err := NormalizeWallet(rawWallet)
	if err != nil {
		return "", newServiceError(opFilesHash, reasonInvalidInput, err)
	}
	if s.db == nil {
		return "", newServiceError(opFilesHash, reasonMissingDB, errMissingDatabase)
	}

	query := s.db.WithContext(ctx).Model(&ContentFile{}).Where(queryWallet, wallet).Where("clock >= ?", clockMin)
	if clockMax >= 0 {
		query = query.Where("clock <= ?", clockMax)
	}
	var multihashes []string
	if err := query.Order(orderClockAsc).Pluck("multihash", &multihashes).Error; err != nil {
		s.logError(opFilesHash, reasonQueryFailed, err, zap.String(fieldWallet, wallet))
		return "", newServiceError(opFilesHash, reasonQueryFailed, err)
	}
	if len(multihashes) == 0 {
		return "", nil
	}
	sum := sha256.Sum256([]byte(strings.Join(multihashes, ",")))
	return hex.EncodeToString(sum[:]), nil
}

// ListWalletFiles returns the wallet's files ordered by clock.
func (s *Service) ListWalletFiles(ctx context.Context, rawWallet string) ([]ContentFile, error) {
	wallet, err := NormalizeWallet(rawWallet)
	if err != nil {
		return nil, newServiceError(opListWalletFiles, reasonInvalidInput, err)
	}
	if s.db == nil {
		return nil, newServiceError(opListWalletFiles, reasonMissingDB, errMissingDatabase)
	}
	var files []ContentFile
	if err := s.db.WithContext(ctx).Where(queryWallet, wallet).Order(orderClockAsc).Find(&files).Error; err != nil {
		s.logError(opListWalletFiles, reasonQueryFailed, err, zap.String(fieldWallet, wallet))
		return nil, newServiceError(opListWalletFiles, reasonQueryFailed, err)
	}
	return files, nil
}

// LookupFile returns any file row referencing multihash; found is false when none does.
func (s *Service) LookupFile(ctx context.Context, multihash string) (ContentFile, bool, error) {
	multihash = strings.TrimSpace(multihash)
	if multihash == "" {
		return ContentFile{}, false, newServiceError(opLookupFile, reasonInvalidInput, errors.New("multihash required"))
	}
	if s.db == nil {
		return ContentFile{}, false, newServiceError(opLookupFile, reasonMissingDB, errMissingDatabase)
	}
	var file ContentFile
	err := s.db.WithContext(ctx).Where("multihash = ?", multihash).Order(orderClockAsc).Take(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ContentFile{}, false, nil
	}
	if err != nil {
		s.logError(opLookupFile, reasonQueryFailed, err)
		return ContentFile{}, false, newServiceError(opLookupFile, reasonQueryFailed, err)
	}
	return file, true, nil
}

func ensureUser(tx *gorm.DB, wallet string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&User{
		WalletAddress:     wallet,
		Clock:             0,
		LatestBlockNumber: -1,
	}).Error
}

func lockUser(tx *gorm.DB, wallet string) (User, error) {
	var user User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryWallet, wallet).Take(&user).Error
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, err
	}
	if err := ensureUser(tx, wallet); err != nil {
		return User{}, err
	}
	if err := tx.Where(queryWallet, wallet).Take(&user).Error; err != nil {
		return User{}, err
	}
	return user, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("versioning service error", attrs...)
}

type walletLocks struct {
	mu      sync.Mutex
	entries map[string]*walletLock
}

type walletLock struct {
	mu   sync.Mutex
	refs int
}

func newWalletLocks() *walletLocks {
	return &walletLocks{entries: make(map[string]*walletLock)}
}

func (l *walletLocks) lock(wallet string) func() {
	l.mu.Lock()
	entry, ok := l.entries[wallet]
	if !ok {
		entry = &walletLock{}
		l.entries[wallet] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, wallet)
		}
		l.mu.Unlock()
	}
}

package versioning

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ExportRange returns clock records and entity snapshots for each known wallet within
// [clockMin, clockMax]. The window is capped at the configured maximum width; when a wallet's
// clock exceeds the effective clockMax the exported clock is capped so the caller pages forward.
func (s *Service) ExportRange(ctx context.Context, rawWallets []string, clockMin int64, clockMax int64) (Export, error) {
	if s.db == nil {
		return Export{}, newServiceError(opExportRange, reasonMissingDB, errMissingDatabase)
	}
	if clockMin < 0 {
		clockMin = 0
	}
	widestMax := clockMin + s.maxExportRange - 1
	if clockMax < clockMin || clockMax > widestMax {
		clockMax = widestMax
	}

	wallets, err := normalizeWallets(rawWallets)
	if err != nil {
		return Export{}, newServiceError(opExportRange, reasonInvalidInput, err)
	}

	result := Export{Users: make(map[string]WalletExport, len(wallets))}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, wallet := range wallets {
			exported, found, err := exportWallet(tx, wallet, clockMin, clockMax)
			if err != nil {
				s.logError(opExportRange, reasonQueryFailed, err, zap.String(fieldWallet, wallet))
				return newServiceError(opExportRange, reasonQueryFailed, err)
			}
			if found {
				result.Users[wallet] = exported
			}
		}
		return nil
	})
	if txErr != nil {
		return Export{}, txErr
	}
	return result, nil
}

func exportWallet(tx *gorm.DB, wallet string, clockMin int64, clockMax int64) (WalletExport, bool, error) {
	var user User
	err := tx.Where(queryWallet, wallet).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return WalletExport{}, false, nil
	}
	if err != nil {
		return WalletExport{}, false, err
	}

	localClockMax := user.Clock
	if localClockMax > clockMax {
		localClockMax = clockMax
	}
	user.Clock = localClockMax

	exported := WalletExport{
		User: user,
		ClockInfo: ClockInfo{
			RequestedClockRangeMin: clockMin,
			RequestedClockRangeMax: clockMax,
			LocalClockMax:          localClockMax,
		},
		ClockRecords: []ClockRecord{},
		Files:        []ContentFile{},
		Tracks:       []Track{},
		UserProfiles: []UserProfile{},
	}
	if err := tx.Where(queryWalletRange, wallet, clockMin, clockMax).Order(orderClockAsc).Find(&exported.ClockRecords).Error; err != nil {
		return WalletExport{}, false, err
	}
	if err := tx.Where(queryWalletRange, wallet, clockMin, clockMax).Order(orderClockAsc).Find(&exported.Files).Error; err != nil {
		return WalletExport{}, false, err
	}
	if err := tx.Where(queryWalletRange, wallet, clockMin, clockMax).Order(orderClockAsc).Find(&exported.Tracks).Error; err != nil {
		return WalletExport{}, false, err
	}
	if err := tx.Where(queryWalletRange, wallet, clockMin, clockMax).Order(orderClockAsc).Find(&exported.UserProfiles).Error; err != nil {
		return WalletExport{}, false, err
	}
	return exported, true, nil
}

// ImportBatch applies exported records in clock order. Replaying a batch the importer already
// holds is a no-op; a batch that does not start at local clock + 1 fails with *ClockGapError.
// Wallets are applied independently: the first failing wallet stops the import and earlier
// wallets stay applied.
func (s *Service) ImportBatch(ctx context.Context, batch Export) (ImportResult, error) {
	if s.db == nil {
		return ImportResult{}, newServiceError(opImportBatch, reasonMissingDB, errMissingDatabase)
	}

	keys := make([]string, 0, len(batch.Users))
	for key := range batch.Users {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := ImportResult{Wallets: make(map[string]WalletImport, len(keys))}
	for _, key := range keys {
		wallet, err := NormalizeWallet(key)
		if err != nil {
			return result, newServiceError(opImportBatch, reasonInvalidInput, err)
		}
		outcome, err := s.importWallet(ctx, wallet, batch.Users[key])
		if err != nil {
			return result, err
		}
		result.Wallets[wallet] = outcome
	}
	return result, nil
}

func (s *Service) importWallet(ctx context.Context, wallet string, data WalletExport) (WalletImport, error) {
	records := data.ClockRecords
	if err := validateBatch(wallet, data); err != nil {
		s.logError(opImportBatch, reasonInvalidInput, err, zap.String(fieldWallet, wallet))
		return WalletImport{}, newServiceError(opImportBatch, reasonInvalidInput, err)
	}

	unlock := s.locks.lock(wallet)
	defer unlock()

	var outcome WalletImport
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := lockUser(tx, wallet)
		if err != nil {
			return newServiceError(opImportBatch, reasonQueryFailed, err)
		}
		local := user.Clock
		outcome = WalletImport{PreviousClock: local, Clock: local}

		if len(records) == 0 {
			return nil
		}
		batchMin := records[0].Clock
		batchMax := records[len(records)-1].Clock

		switch {
		case batchMax <= local:
			return nil
		case batchMin != local+1:
			gap := &ClockGapError{Wallet: wallet, LocalClock: local, BatchMin: batchMin}
			if batchMin <= local {
				gap.Detail = "batch overlaps local clock"
			}
			return newServiceError(opImportBatch, reasonClockGap, gap)
		}

		if err := insertBatch(tx, wallet, data); err != nil {
			return newServiceError(opImportBatch, reasonInsertFailed, err)
		}

		updates := map[string]any{"clock": batchMax, "updated_at": s.clock().UTC()}
		if data.User.LatestBlockNumber > user.LatestBlockNumber {
			updates["latest_block_number"] = data.User.LatestBlockNumber
		}
		update := tx.Model(&User{}).Where(queryWalletClock, wallet, local).Updates(updates)
		if update.Error != nil {
			return newServiceError(opImportBatch, reasonUpdateFailed, update.Error)
		}
		if update.RowsAffected == 0 {
			return newServiceError(opImportBatch, reasonConflict, ErrConcurrentMutationConflict)
		}
		outcome.Clock = batchMax
		outcome.Applied = len(records)
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrClockGap) {
			s.logError(opImportBatch, "transaction_failed", txErr, zap.String(fieldWallet, wallet))
		}
		return WalletImport{}, txErr
	}
	return outcome, nil
}

// ReplaceWallet discards every record this node holds for wallet and applies data in its place,
// inside one transaction. data must start at clock 1; later pages go through ImportBatch.
func (s *Service) ReplaceWallet(ctx context.Context, rawWallet string, data WalletExport) (WalletImport, error) {
	if s.db == nil {
		return WalletImport{}, newServiceError(opReplaceWallet, reasonMissingDB, errMissingDatabase)
	}
	wallet, err := NormalizeWallet(rawWallet)
	if err != nil {
		return WalletImport{}, newServiceError(opReplaceWallet, reasonInvalidInput, err)
	}
	if err := validateBatch(wallet, data); err != nil {
		return WalletImport{}, newServiceError(opReplaceWallet, reasonInvalidInput, err)
	}
	records := data.ClockRecords
	if len(records) > 0 && records[0].Clock != 1 {
		gap := &ClockGapError{Wallet: wallet, LocalClock: 0, BatchMin: records[0].Clock}
		return WalletImport{}, newServiceError(opReplaceWallet, reasonClockGap, gap)
	}

	unlock := s.locks.lock(wallet)
	defer unlock()

	var outcome WalletImport
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := lockUser(tx, wallet)
		if err != nil {
			return newServiceError(opReplaceWallet, reasonQueryFailed, err)
		}
		outcome = WalletImport{PreviousClock: user.Clock}
		for _, model := range []any{&ContentFile{}, &Track{}, &UserProfile{}, &ClockRecord{}} {
			if err := tx.Where(queryWallet, wallet).Delete(model).Error; err != nil {
				return newServiceError(opReplaceWallet, reasonDeleteFailed, err)
			}
		}
		if len(records) > 0 {
			if err := insertBatch(tx, wallet, data); err != nil {
				return newServiceError(opReplaceWallet, reasonInsertFailed, err)
			}
			outcome.Clock = records[len(records)-1].Clock
			outcome.Applied = len(records)
		}
		updates := map[string]any{
			"clock":               outcome.Clock,
			"latest_block_number": data.User.LatestBlockNumber,
			"updated_at":          s.clock().UTC(),
		}
		if err := tx.Model(&User{}).Where(queryWallet, wallet).Updates(updates).Error; err != nil {
			return newServiceError(opReplaceWallet, reasonUpdateFailed, err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opReplaceWallet, "transaction_failed", txErr, zap.String(fieldWallet, wallet))
		return WalletImport{}, txErr
	}
	return outcome, nil
}

func validateBatch(wallet string, data WalletExport) error {
	records := data.ClockRecords
	covered := make(map[int64]struct{}, len(records))
	for index, record := range records {
		if index > 0 && record.Clock != records[index-1].Clock+1 {
			return fmt.Errorf("%w: clock records not contiguous at %d", ErrInvalidExport, record.Clock)
		}
		if record.Clock <= 0 {
			return fmt.Errorf("%w: non-positive clock %d", ErrInvalidExport, record.Clock)
		}
		covered[record.Clock] = struct{}{}
	}
	if len(records) > 0 && data.User.Clock > 0 && records[len(records)-1].Clock > data.User.Clock {
		return fmt.Errorf("%w: records exceed exported clock %d", ErrInvalidExport, data.User.Clock)
	}

	entityClocks := make([]int64, 0, len(data.Files)+len(data.Tracks)+len(data.UserProfiles))
	for _, file := range data.Files {
		entityClocks = append(entityClocks, file.Clock)
	}
	for _, track := range data.Tracks {
		entityClocks = append(entityClocks, track.Clock)
	}
	for _, profile := range data.UserProfiles {
		entityClocks = append(entityClocks, profile.Clock)
	}
	for _, clock := range entityClocks {
		if _, ok := covered[clock]; !ok {
			return fmt.Errorf("%w: entity at clock %d has no clock record for %s", ErrInvalidExport, clock, wallet)
		}
	}
	return nil
}

func insertBatch(tx *gorm.DB, wallet string, data WalletExport) error {
	records := make([]ClockRecord, len(data.ClockRecords))
	for index, record := range data.ClockRecords {
		record.WalletAddress = wallet
		records[index] = record
	}
	if err := tx.Create(&records).Error; err != nil {
		return err
	}

	if len(data.Files) > 0 {
		files := make([]ContentFile, len(data.Files))
		for index, file := range data.Files {
			file.WalletAddress = wallet
			files[index] = file
		}
		if err := tx.Create(&files).Error; err != nil {
			return err
		}
	}
	if len(data.Tracks) > 0 {
		tracks := make([]Track, len(data.Tracks))
		for index, track := range data.Tracks {
			track.WalletAddress = wallet
			tracks[index] = track
		}
		if err := tx.Create(&tracks).Error; err != nil {
			return err
		}
	}
	if len(data.UserProfiles) > 0 {
		profiles := make([]UserProfile, len(data.UserProfiles))
		for index, profile := range data.UserProfiles {
			profile.WalletAddress = wallet
			profiles[index] = profile
		}
		if err := tx.Create(&profiles).Error; err != nil {
			return err
		}
	}
	return nil
}

func normalizeWallets(rawWallets []string) ([]string, error) {
	seen := make(map[string]struct{}, len(rawWallets))
	wallets := make([]string, 0, len(rawWallets))
	for _, rawWallet := range rawWallets {
		wallet, err := NormalizeWallet(rawWallet)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[wallet]; ok {
			continue
		}
		seen[wallet] = struct{}{}
		wallets = append(wallets, wallet)
	}
	return wallets, nil
}

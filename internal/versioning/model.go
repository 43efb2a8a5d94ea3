package versioning

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxWalletLength = 190

// Source tables recorded on every clock record.
const (
	SourceTableFiles        = "files"
	SourceTableTracks       = "tracks"
	SourceTableUserProfiles = "user_profiles"
)

// FileType enumerates stored content kinds.
type FileType string

const (
	// FileTypeFile is a standalone content blob.
	FileTypeFile FileType = "file"
	// FileTypeDir is a directory CID whose children are stored beneath it.
	FileTypeDir FileType = "dir"
	// FileTypeImage is a resized image stored inside a directory CID.
	FileTypeImage FileType = "image"
)

var (
	// ErrInvalidWallet indicates that a wallet address is empty or exceeds storage bounds.
	ErrInvalidWallet = errors.New("versioning: invalid wallet")
	// ErrInvalidSourceTable indicates that a mutation was recorded without a source table.
	ErrInvalidSourceTable = errors.New("versioning: invalid source table")
	// ErrInvalidFileType indicates an unknown file type.
	ErrInvalidFileType = errors.New("versioning: invalid file type")
	// ErrConcurrentMutationConflict indicates that another writer advanced the wallet clock first.
	ErrConcurrentMutationConflict = errors.New("versioning: concurrent mutation conflict")
	// ErrClockGap is matched by every *ClockGapError.
	ErrClockGap = errors.New("versioning: clock gap")
	// ErrInvalidExport indicates an export payload that cannot be applied as-is.
	ErrInvalidExport = errors.New("versioning: invalid export")
)

// ClockGapError reports that an import batch does not start right after the importer's clock.
type ClockGapError struct {
	Wallet     string
	LocalClock int64
	BatchMin   int64
	Detail     string
}

func (e *ClockGapError) Error() string {
	message := fmt.Sprintf("versioning: clock gap for %s: local clock %d, batch starts at %d", e.Wallet, e.LocalClock, e.BatchMin)
	if e.Detail != "" {
		message += " (" + e.Detail + ")"
	}
	return message
}

// Is allows errors.Is(err, ErrClockGap).
func (e *ClockGapError) Is(target error) bool {
	return target == ErrClockGap
}

// NextClockMin returns the clock the caller should request next.
func (e *ClockGapError) NextClockMin() int64 {
	if e.LocalClock < 0 {
		return 0
	}
	return e.LocalClock + 1
}

// NormalizeWallet validates and lower-cases a wallet address.
func NormalizeWallet(rawInput string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidWallet)
	}
	if len(trimmed) > maxWalletLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidWallet, maxWalletLength)
	}
	return trimmed, nil
}

// ParseFileType validates a file type string.
func ParseFileType(rawInput string) (FileType, error) {
	switch FileType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case FileTypeFile:
		return FileTypeFile, nil
	case FileTypeDir:
		return FileTypeDir, nil
	case FileTypeImage:
		return FileTypeImage, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFileType, rawInput)
	}
}

// User holds the canonical clock for one wallet.
type User struct {
	WalletAddress     string    `gorm:"column:wallet_public_key;primaryKey;size:190;not null" json:"walletPublicKey"`
	Clock             int64     `gorm:"column:clock;not null;default:0" json:"clock"`
	LatestBlockNumber int64     `gorm:"column:latest_block_number;not null;default:-1" json:"latestBlockNumber"`
	CreatedAt         time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt         time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// ClockRecord is the append-only log entry written for every accepted mutation.
type ClockRecord struct {
	WalletAddress string    `gorm:"column:wallet_public_key;primaryKey;size:190;not null" json:"walletPublicKey"`
	Clock         int64     `gorm:"column:clock;primaryKey;autoIncrement:false;not null" json:"clock"`
	SourceTable   string    `gorm:"column:source_table;size:64;not null" json:"sourceTable"`
	CreatedAt     time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (ClockRecord) TableName() string {
	return "clock_records"
}

// ContentFile references stored content by CID. Its storage path is always derived from the CID.
type ContentFile struct {
	WalletAddress string   `gorm:"column:wallet_public_key;primaryKey;size:190;not null" json:"walletPublicKey"`
	Clock         int64    `gorm:"column:clock;primaryKey;autoIncrement:false;not null" json:"clock"`
	Multihash     string   `gorm:"column:multihash;size:128;not null;index:idx_files_multihash" json:"multihash"`
	Type          FileType `gorm:"column:type;size:16;not null" json:"type"`
	DirMultihash  *string  `gorm:"column:dir_multihash;size:128" json:"dirMultihash,omitempty"`
	FileName      string   `gorm:"column:file_name;size:255;not null;default:''" json:"fileName"`
}

// TableName provides the explicit table binding for GORM.
func (ContentFile) TableName() string {
	return "files"
}

// Track is the snapshot of a track entity at a clock value.
type Track struct {
	WalletAddress string `gorm:"column:wallet_public_key;primaryKey;size:190;not null" json:"walletPublicKey"`
	Clock         int64  `gorm:"column:clock;primaryKey;autoIncrement:false;not null" json:"clock"`
	BlockchainID  int64  `gorm:"column:blockchain_id;not null;default:0" json:"blockchainId"`
	MetadataJSON  string `gorm:"column:metadata_json;type:text;not null" json:"metadataJSON"`
}

// TableName provides the explicit table binding for GORM.
func (Track) TableName() string {
	return "tracks"
}

// UserProfile is the snapshot of a user's profile metadata at a clock value.
type UserProfile struct {
	WalletAddress string `gorm:"column:wallet_public_key;primaryKey;size:190;not null" json:"walletPublicKey"`
	Clock         int64  `gorm:"column:clock;primaryKey;autoIncrement:false;not null" json:"clock"`
	MetadataJSON  string `gorm:"column:metadata_json;type:text;not null" json:"metadataJSON"`
}

// TableName provides the explicit table binding for GORM.
func (UserProfile) TableName() string {
	return "user_profiles"
}

// Models lists every table owned by the versioning store, for migrations.
func Models() []any {
	return []any{&User{}, &ClockRecord{}, &ContentFile{}, &Track{}, &UserProfile{}}
}

// ClockInfo describes the clock window an export covers.
type ClockInfo struct {
	RequestedClockRangeMin int64 `json:"requestedClockRangeMin"`
	RequestedClockRangeMax int64 `json:"requestedClockRangeMax"`
	LocalClockMax          int64 `json:"localClockMax"`
}

// WalletExport carries one wallet's clock-ranged slice of state.
type WalletExport struct {
	User         User          `json:"user"`
	ClockRecords []ClockRecord `json:"clockRecords"`
	Files        []ContentFile `json:"files"`
	Tracks       []Track       `json:"tracks"`
	UserProfiles []UserProfile `json:"userProfiles"`
	ClockInfo    ClockInfo     `json:"clockInfo"`
}

// Export is the paginated export payload keyed by wallet.
type Export struct {
	Users map[string]WalletExport `json:"users"`
}

// WalletImport summarizes the effect of importing one wallet.
type WalletImport struct {
	PreviousClock int64
	Clock         int64
	Applied       int
}

// ImportResult aggregates per-wallet import outcomes.
type ImportResult struct {
	Wallets map[string]WalletImport
}

// FileInput describes a content file recorded by the primary.
type FileInput struct {
	Multihash    string
	Type         FileType
	DirMultihash string
	FileName     string
}

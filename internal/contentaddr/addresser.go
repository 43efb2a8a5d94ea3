package contentaddr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var (
	// ErrInvalidContentIdentifier indicates that a CID is malformed or not hash-derived.
	ErrInvalidContentIdentifier = errors.New("contentaddr: invalid content identifier")
	// ErrMissingRoot indicates that the addresser was constructed without a storage root.
	ErrMissingRoot = errors.New("contentaddr: storage root is required")
)

const (
	filesDirectory = "files"
	shardLength    = 3
	directoryMode  = 0o755
)

// Addresser maps content identifiers onto sharded storage paths beneath a root.
type Addresser struct {
	root string
}

// New constructs an Addresser rooted at the provided directory.
func New(root string) (*Addresser, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, ErrMissingRoot
	}
	return &Addresser{root: filepath.Clean(trimmed)}, nil
}

// Root returns the storage root.
func (a *Addresser) Root() string {
	return a.root
}

// Parse validates the raw identifier and returns the decoded CID.
func Parse(rawInput string) (cid.Cid, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return cid.Undef, fmt.Errorf("%w: empty", ErrInvalidContentIdentifier)
	}
	if len(trimmed) <= shardLength {
		return cid.Undef, fmt.Errorf("%w: too short", ErrInvalidContentIdentifier)
	}
	decoded, err := cid.Decode(trimmed)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", ErrInvalidContentIdentifier, err)
	}
	hashInfo, err := multihash.Decode(decoded.Hash())
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", ErrInvalidContentIdentifier, err)
	}
	if hashInfo.Code == multihash.IDENTITY {
		return cid.Undef, fmt.Errorf("%w: identity multihash", ErrInvalidContentIdentifier)
	}
	return decoded, nil
}

// Valid reports whether the raw identifier parses.
func Valid(rawInput string) bool {
	_, err := Parse(rawInput)
	return err == nil
}

// Shard returns the three characters preceding the final character of the identifier.
func Shard(rawInput string) (string, error) {
	if _, err := Parse(rawInput); err != nil {
		return "", err
	}
	trimmed := strings.TrimSpace(rawInput)
	end := len(trimmed) - 1
	return trimmed[end-shardLength : end], nil
}

// Path returns root/files/<shard>/<CID> for the identifier.
func (a *Addresser) Path(rawInput string) (string, error) {
	shard, err := Shard(rawInput)
	if err != nil {
		return "", err
	}
	return filepath.Join(a.root, filesDirectory, shard, strings.TrimSpace(rawInput)), nil
}

// DirChildPath returns root/files/<shard>/<dirCID>/<childCID>, sharded by the directory CID.
func (a *Addresser) DirChildPath(dirCID string, childCID string) (string, error) {
	dirPath, err := a.Path(dirCID)
	if err != nil {
		return "", err
	}
	if _, err := Parse(childCID); err != nil {
		return "", err
	}
	return filepath.Join(dirPath, strings.TrimSpace(childCID)), nil
}

// EnsurePath computes Path and creates its parent directory.
func (a *Addresser) EnsurePath(rawInput string) (string, error) {
	path, err := a.Path(rawInput)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), directoryMode); err != nil {
		return "", err
	}
	return path, nil
}

// EnsureDirChildPath computes DirChildPath and creates the directory holding the child.
func (a *Addresser) EnsureDirChildPath(dirCID string, childCID string) (string, error) {
	path, err := a.DirChildPath(dirCID, childCID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), directoryMode); err != nil {
		return "", err
	}
	return path, nil
}

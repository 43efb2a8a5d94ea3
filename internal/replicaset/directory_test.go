package replicaset

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustDirectory(t *testing.T) *Directory {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "directory.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Assignment{}); err != nil {
		t.Fatalf("failed to migrate assignment schema: %v", err)
	}
	directory, err := NewDirectory(DirectoryConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	return directory
}

func TestDirectoryUpdateAndGet(t *testing.T) {
	directory := mustDirectory(t)
	ctx := context.Background()

	if _, err := directory.Get(ctx, "0xabc"); !errors.Is(err, ErrUnknownWallet) {
		t.Fatalf("expected unknown wallet, got %v", err)
	}

	initial := ReplicaSet{Primary: "https://a/", Secondary1: "https://b", Secondary2: "https://c"}
	if err := directory.Update(ctx, "0xABC", initial); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	replicaSet, err := directory.Get(ctx, "0xabc")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if replicaSet.Primary != "https://a" || replicaSet.RoleOf("https://c") != RoleSecondary {
		t.Fatalf("unexpected replica set %+v", replicaSet)
	}

	// the cached value must be invalidated by the next update.
	promoted := ReplicaSet{Primary: "https://b", Secondary1: "https://c", Secondary2: "https://d"}
	if err := directory.Update(ctx, "0xabc", promoted); err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	replicaSet, err = directory.Get(ctx, "0xabc")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if replicaSet != promoted {
		t.Fatalf("expected %+v, got %+v", promoted, replicaSet)
	}
}

func TestDirectoryRejectsInvalidReplicaSets(t *testing.T) {
	directory := mustDirectory(t)
	ctx := context.Background()

	if err := directory.Update(ctx, "0xabc", ReplicaSet{Secondary1: "https://b"}); !errors.Is(err, ErrInvalidReplicaSet) {
		t.Fatalf("expected missing primary to be rejected, got %v", err)
	}
	if err := directory.Update(ctx, "0xabc", ReplicaSet{Primary: "https://a", Secondary1: "https://a/"}); !errors.Is(err, ErrInvalidReplicaSet) {
		t.Fatalf("expected repeated member to be rejected, got %v", err)
	}
}

func TestUsersForEndpointPagesInUserOrder(t *testing.T) {
	directory := mustDirectory(t)
	ctx := context.Background()
	wallets := []string{"0x1", "0x2", "0x3", "0x4", "0x5"}
	for index, wallet := range wallets {
		replicaSet := ReplicaSet{Primary: "https://self", Secondary1: "https://b", Secondary2: "https://c"}
		if index%2 == 1 {
			replicaSet = ReplicaSet{Primary: "https://b", Secondary1: "https://self", Secondary2: "https://c"}
		}
		if index == 4 {
			replicaSet = ReplicaSet{Primary: "https://b", Secondary1: "https://c"}
		}
		if err := directory.Update(ctx, wallet, replicaSet); err != nil {
			t.Fatalf("update failed: %v", err)
		}
	}

	first, err := directory.UsersForEndpoint(ctx, "https://self", 0, 3)
	if err != nil {
		t.Fatalf("page failed: %v", err)
	}
	if len(first) != 3 || first[0].Wallet != "0x1" || first[2].Wallet != "0x3" {
		t.Fatalf("unexpected first page %+v", first)
	}
	second, err := directory.UsersForEndpoint(ctx, "https://self", first[len(first)-1].UserID, 3)
	if err != nil {
		t.Fatalf("page failed: %v", err)
	}
	if len(second) != 1 || second[0].Wallet != "0x4" {
		t.Fatalf("unexpected second page %+v", second)
	}
}

package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

func TestLoadIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")

	p, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	first, err := p.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	p.Close()

	if !strings.HasPrefix(first.UserID, "user-") || len(strings.Fields(first.UserName)) != 2 {
		t.Errorf("Unexpected identity %+v", first)
	}

	p, err = Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer p.Close()

	second, _ := p.Load()
	if second != first {
		t.Errorf("Expected %+v after reopen, got %+v", first, second)
	}
}

func TestMissingNameRegeneratesBoth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")

	p, _ := Open(path, zerolog.Nop())
	first, _ := p.Load()

	p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(keyUserName))
	})

	second, _ := p.Load()
	p.Close()

	if second.UserID == first.UserID {
		t.Error("A missing name should regenerate the id too")
	}
	if second.UserName == "" {
		t.Error("Expected a regenerated name")
	}
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")
	if err := os.WriteFile(path, []byte(strings.Repeat("not a database ", 512)), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path, zerolog.Nop()); err == nil {
		t.Error("Expected an error for a corrupt file")
	}
}

// Package identity issues the anonymous per-install identity and keeps it
// in a local bbolt file.
package identity

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"afteryou/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

// ErrCorrupt means the identity file exists but is not a readable database.
var ErrCorrupt = errors.New("identity store is corrupt")

const (
	bucketName  = "identity"
	keyUserID   = "afteryou-user-id"
	keyUserName = "afteryou-user-name"
)

var (
	adjectives = []string{
		"Swift", "Quiet", "Gentle", "Wise", "Brave", "Kind",
		"Calm", "Bold", "Clever", "Noble", "Bright", "Silent",
	}
	animals = []string{
		"Owl", "Fox", "Deer", "Rabbit", "Bear", "Wolf",
		"Hawk", "Raven", "Lynx", "Otter", "Panda", "Tiger",
	}
)

type Provider struct {
	db     *bolt.DB
	logger zerolog.Logger
}

func Open(path string, logger zerolog.Logger) (*Provider, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create identity directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrInvalid) || errors.Is(err, bolt.ErrVersionMismatch) || errors.Is(err, bolt.ErrChecksum) {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return nil, fmt.Errorf("failed to open identity store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare identity store: %w", err)
	}

	return &Provider{db: db, logger: logger}, nil
}

// Load returns the stored identity. If either half is missing both are
// regenerated and stored.
func (p *Provider) Load() (models.Identity, error) {
	var id models.Identity

	err := p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		userID := string(b.Get([]byte(keyUserID)))
		userName := string(b.Get([]byte(keyUserName)))

		if userID != "" && userName != "" {
			id = models.Identity{UserID: userID, UserName: userName}
			return nil
		}

		id = Generate()
		if err := b.Put([]byte(keyUserID), []byte(id.UserID)); err != nil {
			return err
		}
		return b.Put([]byte(keyUserName), []byte(id.UserName))
	})
	if err != nil {
		return models.Identity{}, fmt.Errorf("failed to load identity: %w", err)
	}

	p.logger.Debug().Str("user_id", id.UserID).Str("user_name", id.UserName).Msg("identity loaded")
	return id, nil
}

func (p *Provider) Close() error {
	return p.db.Close()
}

// Generate makes a fresh identity without storing it.
func Generate() models.Identity {
	return models.Identity{
		UserID:   "user-" + uuid.NewString(),
		UserName: adjectives[rand.Intn(len(adjectives))] + " " + animals[rand.Intn(len(animals))],
	}
}

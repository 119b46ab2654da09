package services

import (
	"context"
)

// EntryRepository is what the persistence pool needs from durable storage.
// Loading at start-up reads the repository directly.
type EntryRepository interface {
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

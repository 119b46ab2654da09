package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"afteryou/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EntryRepositoryImpl stores persisted units of the gateway tree.
type EntryRepositoryImpl struct {
	db *gorm.DB
}

// NewEntryRepository creates a new entry repository
func NewEntryRepository(db *gorm.DB) *EntryRepositoryImpl {
	return &EntryRepositoryImpl{db: db}
}

// Put inserts or replaces the value stored under key.
func (r *EntryRepositoryImpl) Put(ctx context.Context, key string, value []byte) error {
	entry := &models.Entry{
		Key:   key,
		Value: value,
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "path"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "revision", "updated_at"}),
		}).
		Create(entry).Error
	if err != nil {
		return fmt.Errorf("failed to put entry %s: %w", key, err)
	}

	return nil
}

// Get returns nil, nil when the key does not exist.
func (r *EntryRepositoryImpl) Get(ctx context.Context, key string) (*models.Entry, error) {
	var entry models.Entry

	err := r.db.WithContext(ctx).First(&entry, "path = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry %s: %w", key, err)
	}

	return &entry, nil
}

// Delete removes key and every key below it.
func (r *EntryRepositoryImpl) Delete(ctx context.Context, key string) error {
	result := r.db.WithContext(ctx).
		Where("path = ? OR path LIKE ? ESCAPE '\\'", key, escapeLike(key)+"/%").
		Delete(&models.Entry{})

	if result.Error != nil {
		return fmt.Errorf("failed to delete entry %s: %w", key, result.Error)
	}

	return nil
}

// List returns entries whose key equals prefix or lies below it, ordered by
// key. An empty prefix lists everything.
func (r *EntryRepositoryImpl) List(ctx context.Context, prefix string) ([]*models.Entry, error) {
	var entries []*models.Entry

	q := r.db.WithContext(ctx).Order("path ASC")
	if prefix != "" {
		q = q.Where("path = ? OR path LIKE ? ESCAPE '\\'", prefix, escapeLike(prefix)+"/%")
	}

	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	return entries, nil
}

// Count returns the number of stored entries below prefix.
func (r *EntryRepositoryImpl) Count(ctx context.Context, prefix string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Entry{}).
		Where("path LIKE ? ESCAPE '\\'", escapeLike(prefix)+"/%").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

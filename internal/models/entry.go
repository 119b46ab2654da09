package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Entry is one persisted unit of the gateway tree: a top-level key such as
// "paper", or one member of a collection such as "snapshots/1700000000000".
// Value holds the encoded JSON subtree.
type Entry struct {
	Key       string    `gorm:"column:path;type:varchar(512);primaryKey" json:"key"`
	Value     []byte    `gorm:"not null" json:"-"`
	Revision  string    `gorm:"type:varchar(27);not null" json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

// BeforeSave stamps a fresh KSUID revision on every write.
func (e *Entry) BeforeSave(tx *gorm.DB) error {
	e.Revision = ksuid.New().String()
	return nil
}

func (Entry) TableName() string {
	return "gateway_entries"
}

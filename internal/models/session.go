package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents an active gateway connection.
type Session struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func NewSession(remoteAddr string) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}

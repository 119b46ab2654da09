package models

// Identity is the anonymous, per-install identity of a client. It is never
// reconciled with other clients.
type Identity struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

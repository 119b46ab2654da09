package models

import "encoding/json"

// ServerTimestamp is replaced by the gateway's clock when written.
var ServerTimestamp = map[string]any{".sv": "timestamp"}

// TypingStatus occupies a single slot for the whole document; the last
// writer wins.
type TypingStatus struct {
	IsTyping  bool   `json:"isTyping"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Timestamp int64  `json:"timestamp"`
}

// CurrentLineBuffer mirrors the in-progress line of whichever client wrote it
// last.
type CurrentLineBuffer struct {
	Text      string   `json:"text"`
	Color     InkColor `json:"color"`
	UserID    string   `json:"userId"`
	Timestamp int64    `json:"timestamp"`
}

// PresenceEntry exists while its owner is connected.
type PresenceEntry struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// DecodeTypingStatus returns nil for absent, malformed or not-typing values.
func DecodeTypingStatus(raw json.RawMessage) *TypingStatus {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var ts TypingStatus
	if err := json.Unmarshal(raw, &ts); err != nil || !ts.IsTyping {
		return nil
	}
	return &ts
}

// DecodeCurrentLine returns nil for absent or malformed values.
func DecodeCurrentLine(raw json.RawMessage) *CurrentLineBuffer {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var b CurrentLineBuffer
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil
	}
	b.Color = b.Color.OrDefault()
	return &b
}

// CountChildren counts the keys of an object value; anything else counts as
// zero.
func CountChildren(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var children map[string]json.RawMessage
	if err := json.Unmarshal(raw, &children); err != nil {
		return 0
	}
	return len(children)
}

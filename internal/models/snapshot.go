package models

import (
	"encoding/json"
	"sort"
	"strconv"
)

// Snapshot is an immutable capture of a page.
type Snapshot struct {
	ID        string `json:"id"`
	Lines     []Line `json:"lines"`
	Timestamp int64  `json:"timestamp"`
}

// SnapshotID derives the id from the creation timestamp only. Two captures in
// the same millisecond share an id and the later write wins.
func SnapshotID(timestamp int64) string {
	return strconv.FormatInt(timestamp, 10)
}

// NewSnapshot keeps the last SnapshotLineCount lines.
func NewSnapshot(lines []Line, timestamp int64) Snapshot {
	if len(lines) > SnapshotLineCount {
		lines = lines[len(lines)-SnapshotLineCount:]
	}
	return Snapshot{
		ID:        SnapshotID(timestamp),
		Lines:     CloneLines(lines),
		Timestamp: timestamp,
	}
}

// HasColor reports whether any line was typed in the given color.
func (s Snapshot) HasColor(c InkColor) bool {
	for _, l := range s.Lines {
		if l.Color == c {
			return true
		}
	}
	return false
}

// DecodeSnapshots reads the "snapshots" collection, skipping malformed
// children, newest first.
func DecodeSnapshots(raw json.RawMessage) []Snapshot {
	out := []Snapshot{}
	if len(raw) == 0 || string(raw) == "null" {
		return out
	}

	var children map[string]json.RawMessage
	if err := json.Unmarshal(raw, &children); err != nil {
		return out
	}

	for key, child := range children {
		var s Snapshot
		if err := json.Unmarshal(child, &s); err != nil {
			continue
		}
		if s.ID == "" {
			s.ID = key
		}
		for i := range s.Lines {
			s.Lines[i].Color = s.Lines[i].Color.OrDefault()
		}
		out = append(out, s)
	}

	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders by timestamp descending, id descending on ties.
func SortNewestFirst(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		if snaps[i].Timestamp != snaps[j].Timestamp {
			return snaps[i].Timestamp > snaps[j].Timestamp
		}
		return snaps[i].ID > snaps[j].ID
	})
}

// FilterAll keeps every snapshot.
const FilterAll = "all"

// FilterSnapshots keeps snapshots containing at least one line of the given
// color. "all" and "" keep everything; unknown colors match nothing.
func FilterSnapshots(snaps []Snapshot, filter string) []Snapshot {
	if filter == "" || filter == FilterAll {
		return snaps
	}
	out := make([]Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if s.HasColor(InkColor(filter)) {
			out = append(out, s)
		}
	}
	return out
}

package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Page geometry shared by every client. Changing any of these changes what
// other clients see, so they are not configurable.
const (
	CharsPerLine      = 30
	MaxLinesPerPaper  = 11
	SnapshotLineCount = 15

	CarriageStart = 100.0
	CarriageStep  = 8.0
	CarriageMin   = -350.0
	CarriageMax   = 150.0
	LineHeight    = 20.0
)

// InkColor is the ribbon color a line was typed with.
type InkColor string

const (
	InkBlack InkColor = "black"
	InkRed   InkColor = "red"
)

func (c InkColor) Valid() bool {
	return c == InkBlack || c == InkRed
}

// Toggle returns the other ribbon color.
func (c InkColor) Toggle() InkColor {
	if c == InkRed {
		return InkBlack
	}
	return InkRed
}

// OrDefault maps anything unknown to black.
func (c InkColor) OrDefault() InkColor {
	if c.Valid() {
		return c
	}
	return InkBlack
}

// Line is a committed line. The color is fixed at commit time.
type Line struct {
	Text  string   `json:"text"`
	Color InkColor `json:"color"`
}

// Paper is the shared page as stored under the "paper" key. The in-progress
// line of each client lives in CurrentLineBuffer, not here.
type Paper struct {
	Lines            []Line   `json:"content"`
	InkColor         InkColor `json:"inkColor"`
	CarriagePosition float64  `json:"carriagePosition"`
	UpdatedAt        int64    `json:"updatedAt,omitempty"`
}

// EmptyPaper is what an absent or unreadable paper key means.
func EmptyPaper() Paper {
	return Paper{
		Lines:            []Line{},
		InkColor:         InkBlack,
		CarriagePosition: CarriageStart,
	}
}

// paperWire tolerates missing fields so that defaults can be told apart from
// zero values.
type paperWire struct {
	Lines            []Line   `json:"content"`
	InkColor         InkColor `json:"inkColor"`
	CarriagePosition *float64 `json:"carriagePosition"`
	UpdatedAt        int64    `json:"updatedAt"`
}

// DecodePaper turns a raw gateway value into a Paper. Absent or malformed
// data decodes to EmptyPaper and ok is false.
func DecodePaper(raw json.RawMessage) (p Paper, ok bool) {
	p = EmptyPaper()
	if len(raw) == 0 || string(raw) == "null" {
		return p, false
	}

	var w paperWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return p, false
	}

	for _, l := range w.Lines {
		p.Lines = append(p.Lines, Line{Text: l.Text, Color: l.Color.OrDefault()})
	}
	p.InkColor = w.InkColor.OrDefault()
	if w.CarriagePosition != nil {
		p.CarriagePosition = *w.CarriagePosition
	}
	p.UpdatedAt = w.UpdatedAt
	return p, true
}

// EpochMillis is the timestamp format used on the wire.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// CloneLines copies a line slice so callers cannot alias engine state.
func CloneLines(lines []Line) []Line {
	out := make([]Line, len(lines))
	copy(out, lines)
	return out
}

// WordCount counts whitespace separated words across the committed lines
// and the in-progress line.
func WordCount(lines []Line, current string) int {
	n := 0
	for _, l := range lines {
		n += len(strings.Fields(l.Text))
	}
	return n + len(strings.Fields(current))
}

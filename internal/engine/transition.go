package engine

import (
	"time"
	"unicode"
	"unicode/utf8"

	"afteryou/internal/lww"
	"afteryou/internal/models"

	"github.com/rivo/uniseg"
)

const (
	ThrottleWindow      = 100 * time.Millisecond
	TypingIdle          = 2 * time.Second
	CarriageGrace       = 2 * time.Second
	FlashDuration       = 800 * time.Millisecond
	ResetDelay          = 1500 * time.Millisecond
	DragReturnThreshold = 50.0
)

// State is the client's view of the paper. Lines and Ink always take remote
// writes; Carriage ignores them for CarriageGrace after local typing.
type State struct {
	Lines    lww.Cell[[]models.Line]
	Ink      lww.Cell[models.InkColor]
	Carriage lww.Cell[float64]
	Current  string
	Scroll   float64

	// ResetPending is set between a paginating commit and the page reset.
	ResetPending bool
}

func NewState() State {
	return State{
		Lines:    lww.NewCell([]models.Line{}, 0),
		Ink:      lww.NewCell(models.InkBlack, 0),
		Carriage: lww.NewCell(models.CarriageStart, CarriageGrace),
	}
}

// View is a read-only copy of State for presentation.
type View struct {
	Lines        []models.Line
	Current      string
	Ink          models.InkColor
	Carriage     float64
	Scroll       float64
	WordCount    int
	ResetPending bool
}

func (s State) View() View {
	lines := models.CloneLines(s.Lines.Get())
	return View{
		Lines:        lines,
		Current:      s.Current,
		Ink:          s.Ink.Get(),
		Carriage:     s.Carriage.Get(),
		Scroll:       s.Scroll,
		WordCount:    models.WordCount(lines, s.Current),
		ResetPending: s.ResetPending,
	}
}

// Input is anything that moves the engine.
type Input interface {
	input()
}

type (
	TypeChar     struct{ Char string }
	Backspace    struct{}
	Commit       struct{}
	SetInkColor  struct{ Color models.InkColor }
	ToggleInk    struct{}
	MoveCarriage struct{ Position float64 }
	// Drag is a carriage drag from Start to End. Pulling right past
	// DragReturnThreshold is a carriage return.
	Drag         struct{ Start, End float64 }
	TakeSnapshot struct{}
	RemotePaper  struct{ Paper models.Paper }
	ResetPaper   struct{}
	Shutdown     struct{}
)

func (TypeChar) input()     {}
func (Backspace) input()    {}
func (Commit) input()       {}
func (SetInkColor) input()  {}
func (ToggleInk) input()    {}
func (MoveCarriage) input() {}
func (Drag) input()         {}
func (TakeSnapshot) input() {}
func (RemotePaper) input()  {}
func (ResetPaper) input()   {}
func (Shutdown) input()     {}

// Rejection says why an input left the state unchanged.
type Rejection int

const (
	RejectNone Rejection = iota
	RejectLineFull
	RejectPaperFull
	RejectLineStart
	RejectInvalidChar
	RejectInvalidColor
)

func (r Rejection) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectLineFull:
		return "line full"
	case RejectPaperFull:
		return "paper full"
	case RejectLineStart:
		return "line start"
	case RejectInvalidChar:
		return "invalid character"
	case RejectInvalidColor:
		return "invalid color"
	}
	return "unknown"
}

// Event is presentation feedback produced by a transition.
type Event int

const (
	EventCarriageBounce Event = iota + 1
	EventPaperVibrate
	EventSnapshotFlash
	EventPaperReset
	EventCommitted
	EventRemoteApplied
)

func (e Event) String() string {
	switch e {
	case EventCarriageBounce:
		return "carriage bounce"
	case EventPaperVibrate:
		return "paper vibrate"
	case EventSnapshotFlash:
		return "snapshot flash"
	case EventPaperReset:
		return "paper reset"
	case EventCommitted:
		return "committed"
	case EventRemoteApplied:
		return "remote applied"
	}
	return "unknown"
}

type Outcome struct {
	Rejection Rejection
	Events    []Event
}

func (o Outcome) Rejected() bool {
	return o.Rejection != RejectNone
}

func (o Outcome) Has(e Event) bool {
	for _, got := range o.Events {
		if got == e {
			return true
		}
	}
	return false
}

func rejected(r Rejection, events ...Event) Outcome {
	return Outcome{Rejection: r, Events: events}
}

// IntentKind names a side effect the engine must carry out.
type IntentKind int

const (
	// IntentPushLine mirrors the in-progress line, carriage and typing flag.
	IntentPushLine IntentKind = iota + 1
	// IntentArmIdle restarts the typing idle timer.
	IntentArmIdle
	// IntentClearLine removes the line mirror and clears the typing flag.
	IntentClearLine
	IntentPushCarriage
	IntentSavePaper
	// IntentSaveInk writes only the ink color, leaving the lines alone.
	IntentSaveInk
	IntentCaptureSnapshot
	IntentScheduleReset
)

type Intent struct {
	Kind      IntentKind
	Text      string
	Color     models.InkColor
	Carriage  float64
	Throttled bool
	Paper     models.Paper
	Snapshot  models.Snapshot
}

// Step is the whole document state machine. It never performs I/O.
func Step(s State, in Input, now time.Time) (State, Outcome, []Intent) {
	switch in := in.(type) {
	case TypeChar:
		return stepType(s, in.Char, now)
	case Backspace:
		return stepBackspace(s, now)
	case Commit:
		return stepCommit(s, now)
	case SetInkColor:
		return stepInk(s, in.Color, now)
	case ToggleInk:
		return stepInk(s, s.Ink.Get().Toggle(), now)
	case MoveCarriage:
		s.Carriage.Force(clampCarriage(in.Position))
		return s, Outcome{}, nil
	case Drag:
		if in.End-in.Start > DragReturnThreshold {
			next, out, intents := stepCommit(s, now)
			if !out.Rejected() {
				next.Carriage.Force(models.CarriageStart)
			}
			return next, out, intents
		}
		s.Carriage.Force(clampCarriage(in.End))
		return s, Outcome{}, nil
	case TakeSnapshot:
		lines := append(models.CloneLines(s.Lines.Get()), models.Line{Text: s.Current, Color: s.Ink.Get()})
		snap := models.NewSnapshot(lines, models.EpochMillis(now))
		return s, Outcome{}, []Intent{{Kind: IntentCaptureSnapshot, Snapshot: snap}}
	case RemotePaper:
		return stepRemote(s, in.Paper, now)
	case ResetPaper:
		return stepReset(s, now)
	case Shutdown:
		intents := []Intent{{Kind: IntentClearLine}}
		if s.ResetPending {
			next, _, reset := stepReset(s, now)
			return next, Outcome{Events: []Event{EventPaperReset}}, append(intents, reset...)
		}
		return s, Outcome{}, intents
	}
	return s, Outcome{}, nil
}

func stepType(s State, ch string, now time.Time) (State, Outcome, []Intent) {
	if !validChar(ch) {
		return s, rejected(RejectInvalidChar), nil
	}
	if len(s.Lines.Get()) >= models.MaxLinesPerPaper && s.Current == "" {
		return s, rejected(RejectPaperFull, EventPaperVibrate), nil
	}
	if uniseg.GraphemeClusterCount(s.Current) >= models.CharsPerLine {
		return s, rejected(RejectLineFull, EventCarriageBounce), nil
	}

	s.Current += ch
	s.Carriage.SetLocal(s.Carriage.Get()-models.CarriageStep, now)

	return s, Outcome{}, []Intent{
		{Kind: IntentPushLine, Text: s.Current, Color: s.Ink.Get(), Carriage: s.Carriage.Get(), Throttled: true},
		{Kind: IntentArmIdle},
	}
}

func stepBackspace(s State, now time.Time) (State, Outcome, []Intent) {
	if s.Current == "" {
		return s, rejected(RejectLineStart, EventCarriageBounce), nil
	}

	s.Current = dropLastGrapheme(s.Current)
	s.Carriage.SetLocal(s.Carriage.Get()+models.CarriageStep, now)

	return s, Outcome{}, []Intent{
		{Kind: IntentPushLine, Text: s.Current, Color: s.Ink.Get(), Carriage: s.Carriage.Get()},
		{Kind: IntentArmIdle},
	}
}

// stepCommit paginates whenever the page reaches MaxLinesPerPaper. A page
// that arrives already full from another client (one that left before its
// reset) is paginated by the next commit here.
func stepCommit(s State, now time.Time) (State, Outcome, []Intent) {
	if s.ResetPending {
		return s, rejected(RejectPaperFull, EventPaperVibrate), nil
	}
	lines := s.Lines.Get()

	ink := s.Ink.Get()
	next := append(models.CloneLines(lines), models.Line{Text: s.Current, Color: ink})

	s.Lines.SetLocal(next, now)
	s.Current = ""
	s.Carriage.Force(models.CarriageStart)
	s.Scroll += models.LineHeight

	if len(next) >= models.MaxLinesPerPaper {
		s.ResetPending = true
		snap := models.NewSnapshot(next, models.EpochMillis(now))
		return s, Outcome{Events: []Event{EventCommitted, EventSnapshotFlash}}, []Intent{
			{Kind: IntentPushCarriage, Carriage: models.CarriageStart},
			{Kind: IntentClearLine},
			{Kind: IntentCaptureSnapshot, Snapshot: snap},
			{Kind: IntentScheduleReset},
		}
	}

	paper := models.Paper{
		Lines:            models.CloneLines(next),
		InkColor:         ink,
		CarriagePosition: models.CarriageStart,
		UpdatedAt:        models.EpochMillis(now),
	}
	return s, Outcome{Events: []Event{EventCommitted}}, []Intent{
		{Kind: IntentSavePaper, Paper: paper},
		{Kind: IntentClearLine},
	}
}

func stepInk(s State, c models.InkColor, now time.Time) (State, Outcome, []Intent) {
	if !c.Valid() {
		return s, rejected(RejectInvalidColor), nil
	}
	s.Ink.SetLocal(c, now)

	// The remote page must not get the line that paginated it.
	if s.ResetPending {
		return s, Outcome{}, []Intent{{Kind: IntentSaveInk, Color: c}}
	}

	paper := models.Paper{
		Lines:            models.CloneLines(s.Lines.Get()),
		InkColor:         c,
		CarriagePosition: s.Carriage.Get(),
		UpdatedAt:        models.EpochMillis(now),
	}
	return s, Outcome{}, []Intent{{Kind: IntentSavePaper, Paper: paper}}
}

func stepRemote(s State, p models.Paper, now time.Time) (State, Outcome, []Intent) {
	// The page about to be reset still shows its last committed line
	// locally; the remote copy never got it.
	if !s.ResetPending {
		s.Lines.ApplyRemote(models.CloneLines(p.Lines), now)
	}
	s.Ink.ApplyRemote(p.InkColor.OrDefault(), now)
	s.Carriage.ApplyRemote(p.CarriagePosition, now)
	return s, Outcome{Events: []Event{EventRemoteApplied}}, nil
}

func stepReset(s State, now time.Time) (State, Outcome, []Intent) {
	s.Lines.SetLocal([]models.Line{}, now)
	s.Scroll = 0
	s.Carriage.Force(models.CarriageStart)
	s.ResetPending = false

	paper := models.Paper{
		Lines:            []models.Line{},
		InkColor:         s.Ink.Get(),
		CarriagePosition: models.CarriageStart,
		UpdatedAt:        models.EpochMillis(now),
	}
	return s, Outcome{Events: []Event{EventPaperReset}}, []Intent{{Kind: IntentSavePaper, Paper: paper}}
}

func clampCarriage(x float64) float64 {
	if x < models.CarriageMin {
		return models.CarriageMin
	}
	if x > models.CarriageMax {
		return models.CarriageMax
	}
	return x
}

// validChar accepts exactly one printable grapheme cluster.
func validChar(ch string) bool {
	if uniseg.GraphemeClusterCount(ch) != 1 {
		return false
	}
	r, _ := utf8.DecodeRuneInString(ch)
	return r != utf8.RuneError && unicode.IsPrint(r)
}

func dropLastGrapheme(s string) string {
	g := uniseg.NewGraphemes(s)
	last := 0
	for g.Next() {
		last, _ = g.Positions()
	}
	return s[:last]
}

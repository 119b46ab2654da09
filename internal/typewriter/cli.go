package typewriter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"afteryou/internal/engine"
	"afteryou/internal/models"

	"github.com/rivo/uniseg"
)

// ErrQuit is returned by Exec for :quit.
var ErrQuit = errors.New("quit")

const helpText = `text            type the line and return the carriage
::text          type a line starting with ':'
:type <text>    type without returning the carriage
:enter          return the carriage
:back [n]       backspace n times (default 1)
:red :black     select the ribbon color
:ink            switch ribbon color
:drag <dx>      drag the carriage by dx
:snap           snapshot the page
:list [color]   list snapshots (black, red or all)
:rm <id>        delete a snapshot
:who            show who else is here
:show           print the page
:quit           leave`

// CLI drives a Session from text commands and prints feedback to out.
type CLI struct {
	s   *Session
	out io.Writer
}

func NewCLI(s *Session, out io.Writer) *CLI {
	return &CLI{s: s, out: out}
}

// Exec runs one input line.
func (c *CLI) Exec(ctx context.Context, line string) error {
	if strings.HasPrefix(line, "::") {
		c.typeText(line[1:])
		c.commit()
		return nil
	}
	if !strings.HasPrefix(line, ":") {
		c.typeText(line)
		c.commit()
		return nil
	}

	cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	arg = strings.TrimSpace(arg)
	e := c.s.Engine

	switch cmd {
	case "type":
		c.typeText(arg)
	case "enter":
		c.commit()
	case "back":
		n := 1
		if arg != "" {
			v, err := strconv.Atoi(arg)
			if err != nil || v < 1 {
				return fmt.Errorf("invalid backspace count %q", arg)
			}
			n = v
		}
		for i := 0; i < n; i++ {
			if out := e.Backspace(); out.Rejected() {
				c.feedback(out)
				break
			}
		}
	case "red":
		c.feedback(e.SetInkColor(models.InkRed))
	case "black":
		c.feedback(e.SetInkColor(models.InkBlack))
	case "ink":
		e.ToggleInk()
		fmt.Fprintf(c.out, "ribbon: %s\n", e.View().Ink)
	case "drag":
		dx, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return fmt.Errorf("invalid drag distance %q", arg)
		}
		pos := e.View().Carriage
		c.feedback(e.Drag(pos, pos+dx))
	case "snap":
		e.TakeSnapshot()
		fmt.Fprintln(c.out, "📸 snap")
	case "list":
		c.list(arg)
	case "rm":
		if err := c.s.Snapshots.Delete(ctx, arg); err != nil {
			return err
		}
	case "who":
		c.who()
	case "show":
		c.show()
	case "help":
		fmt.Fprintln(c.out, helpText)
	case "quit", "q":
		return ErrQuit
	default:
		return fmt.Errorf("unknown command :%s (try :help)", cmd)
	}
	return nil
}

func (c *CLI) typeText(text string) {
	dropped := 0
	var last engine.Outcome

	g := uniseg.NewGraphemes(text)
	for g.Next() {
		out := c.s.Engine.Type(g.Str())
		if out.Rejected() {
			dropped++
			last = out
		}
	}
	if dropped > 0 {
		fmt.Fprintf(c.out, "%s (%d dropped)\n", describe(last), dropped)
	}
}

func (c *CLI) commit() {
	out := c.s.Engine.Commit()
	if out.Rejected() {
		c.feedback(out)
		return
	}
	if out.Has(engine.EventSnapshotFlash) {
		fmt.Fprintln(c.out, "📸 page full, snapshot taken")
	}
}

func (c *CLI) feedback(out engine.Outcome) {
	if out.Rejected() {
		fmt.Fprintln(c.out, describe(out))
	}
}

func describe(out engine.Outcome) string {
	switch {
	case out.Has(engine.EventCarriageBounce):
		return "ding! " + out.Rejection.String()
	case out.Has(engine.EventPaperVibrate):
		return "bzz! " + out.Rejection.String()
	}
	return out.Rejection.String()
}

func (c *CLI) list(filter string) {
	if filter == "" {
		filter = "all"
	}
	snaps := c.s.Snapshots.Filter(filter)
	if len(snaps) == 0 {
		fmt.Fprintln(c.out, "no snapshots")
		return
	}
	for _, snap := range snaps {
		first := ""
		if len(snap.Lines) > 0 {
			first = snap.Lines[0].Text
		}
		at := time.UnixMilli(snap.Timestamp).Format(time.DateTime)
		fmt.Fprintf(c.out, "%s  %s  %2d lines  %q\n", snap.ID, at, len(snap.Lines), first)
	}
}

func (c *CLI) who() {
	ind := c.s.Presence.Indicators()
	fmt.Fprintf(c.out, "you are %s, %d here (%s)\n", c.s.Identity.UserName, ind.ActiveUsers, c.s.Mode)
	if ind.Typist != nil {
		fmt.Fprintf(c.out, "%s is typing...\n", ind.Typist.UserName)
	}
	if ind.RemoteLine != nil {
		fmt.Fprintf(c.out, "  > %s\n", ind.RemoteLine.Text)
	}
}

func (c *CLI) show() {
	v := c.s.Engine.View()
	for i, l := range v.Lines {
		mark := " "
		if l.Color == models.InkRed {
			mark = "*"
		}
		fmt.Fprintf(c.out, "%2d%s %s\n", i+1, mark, l.Text)
	}
	if v.Current != "" {
		fmt.Fprintf(c.out, " > %s\n", v.Current)
	}
	fmt.Fprintf(c.out, "-- %d/%d lines, %d words, ribbon %s\n", len(v.Lines), models.MaxLinesPerPaper, v.WordCount, v.Ink)
}

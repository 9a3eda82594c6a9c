package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/stagelive/internal/director"
)

// performer is the part of the director the console drives.
type performer interface {
	Advance() bool
	Interrupt()
	SubmitInput(ctx context.Context, text string) error
	OnStateChange(fn func(director.View))
	OnReveal(fn func(director.View))
}

// console renders director views as a running transcript and turns typed
// lines into director commands.
type console struct {
	d performer

	mu         sync.Mutex
	out        io.Writer
	segment    string
	shownText  int
	shownThink int
}

func newConsole(out io.Writer, d performer) *console {
	c := &console{d: d, out: out}
	d.OnStateChange(c.onState)
	d.OnReveal(c.onReveal)
	return c
}

func (c *console) onState(v director.View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch v.State {
	case director.Performance:
		c.segment = v.SegmentID
		c.shownText, c.shownThink = 0, 0
		fmt.Fprintf(c.out, "\n%s:\n", v.CurrentName)
		c.flushLocked(v)
	case director.Waiting:
		c.flushLocked(v)
		fmt.Fprint(c.out, " ▼\n")
	case director.InputStandby:
		c.segment = ""
		fmt.Fprintf(c.out, "\n%s> ", v.CurrentName)
	}
}

func (c *console) onReveal(v director.View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.SegmentID == "" || v.SegmentID != c.segment {
		return
	}
	c.flushLocked(v)
}

// flushLocked prints whatever part of the revealed text has not been printed
// yet. Listeners run on several goroutines, so a stale view may arrive after
// a newer one; shorter prefixes are ignored.
func (c *console) flushLocked(v director.View) {
	if n := len(v.ThinkText); n > c.shownThink && c.shownText == 0 {
		if c.shownThink == 0 {
			fmt.Fprint(c.out, "  (")
		}
		fmt.Fprint(c.out, v.ThinkText[c.shownThink:])
		c.shownThink = n
	}
	if n := len(v.DisplayedText); n > c.shownText {
		if c.shownText == 0 && c.shownThink > 0 {
			fmt.Fprint(c.out, ")\n")
		}
		fmt.Fprint(c.out, v.DisplayedText[c.shownText:])
		c.shownText = n
	}
}

// Handle executes one typed line. It reports false when the user asked to
// quit.
func (c *console) Handle(ctx context.Context, line string) bool {
	switch cmd := strings.TrimSpace(line); cmd {
	case "/quit":
		return false
	case "/interrupt":
		c.d.Interrupt()
	case "":
		c.d.Advance()
	default:
		err := c.d.SubmitInput(ctx, cmd)
		switch {
		case errors.Is(err, director.ErrNotAccepting):
			c.printf("(wait for the reply to finish, or /interrupt)\n")
		case err != nil:
			slog.Warn("console: message not sent", "err", err)
		}
	}
	return true
}

// ReadLoop feeds lines from r to Handle until EOF, /quit or ctx ends.
func (c *console) ReadLoop(ctx context.Context, r io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || !c.Handle(ctx, line) {
				return
			}
		}
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

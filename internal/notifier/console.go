package notifier

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
)

// ConsoleTransport prints notifications to a terminal, coloured by level.
type ConsoleTransport struct {
	mu    sync.Mutex
	out   io.Writer
	title map[Level]*color.Color
	plain bool
}

func NewConsoleTransport() *ConsoleTransport {
	return NewConsoleTransportTo(color.Output, false)
}

// NewConsoleTransportTo writes to out. With plain set no escape codes are
// emitted.
func NewConsoleTransportTo(out io.Writer, plain bool) *ConsoleTransport {
	if out == nil {
		out = os.Stdout
	}
	t := &ConsoleTransport{
		out:   out,
		plain: plain,
		title: map[Level]*color.Color{
			LevelInfo:     color.New(color.FgCyan),
			LevelDanger:   color.New(color.FgYellow, color.Bold),
			LevelCritical: color.New(color.FgRed, color.Bold),
		},
	}
	if plain {
		for _, c := range t.title {
			c.DisableColor()
		}
	}
	return t
}

func (t *ConsoleTransport) Name() string { return "console" }

func (t *ConsoleTransport) Send(_ context.Context, rec Record) error {
	c, ok := t.title[rec.Level]
	if !ok {
		c = t.title[LevelInfo]
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.out, "%s %s\n", c.Sprintf("%s:", rec.Title), rec.Description)
	return err
}

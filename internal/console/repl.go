package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Run evaluates r line by line until EOF or an exit command. Errors are
// printed and do not end the session. Nothing is prompted, so Run suits
// piped scripts.
func (c *Console) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.evalLine(ctx, scanner.Text()) {
			return nil
		}
	}
	return scanner.Err()
}

// RunTerminal runs an interactive session with line editing and history
// when in is a terminal, and falls back to Run otherwise.
func (c *Console) RunTerminal(ctx context.Context, in *os.File, out io.Writer) error {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return c.Run(ctx, in)
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("console: raw mode: %w", err)
	}
	defer term.Restore(fd, old)

	return c.runTerminal(ctx, struct {
		io.Reader
		io.Writer
	}{in, out})
}

func (c *Console) runTerminal(ctx context.Context, rw io.ReadWriter) error {
	t := term.NewTerminal(rw, c.Prompt())
	prev := c.out
	c.out = t
	defer func() { c.out = prev }()
	if c.logs != nil {
		// Raw mode drops the tty's \n to \r\n translation; the terminal
		// writer adds it back.
		prevLogs := c.logs.Set(t)
		defer c.logs.Set(prevLogs)
	}

	for {
		line, err := t.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("console: read: %w", err)
		}
		if c.evalLine(ctx, line) {
			return nil
		}
		t.SetPrompt(c.Prompt())
	}
}

// LogWriter forwards log output to a destination that can change while
// loggers built on it stay in place.
type LogWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLogWriter(w io.Writer) *LogWriter {
	return &LogWriter{w: w}
}

// Set changes the destination and returns the previous one.
func (l *LogWriter) Set(w io.Writer) io.Writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.w
	l.w = w
	return prev
}

func (l *LogWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// evalLine reports whether the session should end.
func (c *Console) evalLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case "exit", "quit":
		return true
	}
	if err := c.Eval(ctx, line); err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
	return false
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"gorepl/internal/eval"
	"gorepl/internal/segment"
	"gorepl/internal/version"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive session (the default)",
	Args:  cobra.NoArgs,
	RunE:  runREPL,
}

const (
	promptFirst     = ">> "
	promptContinue  = ".. "
	completeTimeout = 5 * time.Second
)

func runREPL(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetMultiLineMode(true)

	histPath := historyPath()
	if f, err := os.Open(histPath); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}
	defer saveHistory(line, histPath)

	out := cmd.OutOrStdout()
	tty := newTerminal(out, line)
	quit := false
	sess, err := openSession(ctx, cmd, loaded, sessionOptions{
		handler: tty,
		commands: []eval.Command{{
			Name: "quit",
			Help: "leave the session",
			Run: func(context.Context, *eval.CommandContext, string) error {
				quit = true
				return nil
			},
		}},
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	go func() {
		for l := range sess.Stderr() {
			fmt.Fprintln(cmd.ErrOrStderr(), l)
		}
	}()

	// the prompt reads Ctrl-C itself; a signal means an evaluation is running
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			_ = sess.Kill()
		}
	}()

	var pending strings.Builder
	line.SetWordCompleter(wordCompleter(ctx, sess, &pending))

	rep := &reporter{out: out, errOut: cmd.ErrOrStderr(), color: colorEnabled(cmd, os.Stderr)}
	fmt.Fprintf(out, "gorepl %s, :help lists commands\n", version.Version)
	for !quit {
		prompt := promptFirst
		if pending.Len() > 0 {
			prompt = promptContinue
		}
		text, err := line.Prompt(prompt)
		switch {
		case errors.Is(err, liner.ErrPromptAborted):
			pending.Reset()
			continue
		case errors.Is(err, io.EOF):
			fmt.Fprintln(out)
			return nil
		case err != nil:
			return err
		}

		pending.WriteString(text)
		pending.WriteByte('\n')
		input := pending.String()
		if segment.Incomplete(input) {
			continue
		}
		pending.Reset()
		if strings.TrimSpace(input) == "" {
			continue
		}
		line.AppendHistory(strings.TrimRight(input, "\n"))

		res, err := sess.Evaluate(ctx, input)
		tty.reset()
		rep.report(input, res, err)
	}
	return nil
}

// wordCompleter asks the session for candidates. pending holds the lines
// of an unfinished input above the one being edited.
func wordCompleter(ctx context.Context, sess *eval.Session, pending *strings.Builder) liner.WordCompleter {
	return func(line string, pos int) (string, []string, string) {
		runes := []rune(line)
		pos = min(max(pos, 0), len(runes))
		off := len(string(runes[:pos]))
		head, tail := line[:off], line[off:]

		prefix := pending.String()
		ctx, cancel := context.WithTimeout(ctx, completeTimeout)
		defer cancel()
		c, err := sess.Completions(ctx, prefix+line, len(prefix)+off)
		if err != nil || len(c.Items) == 0 {
			return head, nil, tail
		}
		start, end := c.Start-len(prefix), c.End-len(prefix)
		if start < 0 || start > off || end < off || end > len(line) {
			return head, nil, tail
		}
		names := make([]string, len(c.Items))
		for i, item := range c.Items {
			names[i] = item.Name
		}
		return line[:start], names, line[end:]
	}
}

func historyPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "gorepl", "history")
}

func saveHistory(line *liner.State, path string) {
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = line.WriteHistory(f)
}

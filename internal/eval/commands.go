package eval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gorepl/internal/segment"
	"gorepl/internal/state"
	"gorepl/internal/trace"
	"gorepl/internal/worker"
)

// Command is a `:name args` meta-command.
type Command struct {
	Name  string
	Usage string // argument synopsis shown by :help
	Help  string
	// Check runs the command for Check as well; leave it false for commands
	// with effects outside the session state.
	Check bool
	Run   func(ctx context.Context, c *CommandContext, args string) error
}

// CommandContext is what a command may touch: the state clone of the input
// being evaluated and the session.
type CommandContext struct {
	Session *Session
	State   *state.State
	attempt *attempt
}

// Printf appends text to the evaluation output and passes it to the
// session handler.
func (c *CommandContext) Printf(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	c.attempt.out.addText(text)
	if h := c.Session.opts.Handler; h != nil && !c.attempt.check {
		h.Output(Part{MIME: worker.TextPlain, Content: text})
	}
}

// RestartWorker clears the variables and replaces the worker before the
// next run.
func (c *CommandContext) RestartWorker() {
	c.attempt.out.Dropped = append(c.attempt.out.Dropped, c.State.VariableNames()...)
	c.State.ClearVariables()
	c.attempt.restart = true
}

var errUnknownCommand = errors.New("unknown command, see :help")

func (s *Session) registerCommands(extra []Command) {
	s.commands = map[string]Command{}
	for _, c := range builtinCommands() {
		s.commands[c.Name] = c
	}
	for _, c := range extra {
		s.commands[c.Name] = c
	}
}

func (s *Session) runCommand(ctx context.Context, a *attempt, cmd segment.Command) error {
	c, ok := s.commands[cmd.Name]
	if !ok {
		return &CommandError{Command: cmd.Name, Err: errUnknownCommand}
	}
	if a.check && !c.Check {
		return nil
	}
	trace.Point(ctx, trace.ScopePhase, "command", cmd.Name)
	if err := c.Run(ctx, &CommandContext{Session: s, State: a.st, attempt: a}, cmd.Args); err != nil {
		return &CommandError{Command: cmd.Name, Err: err}
	}
	return nil
}

// commandCompletions completes command names on a line that starts with ':'.
func (s *Session) commandCompletions(input string, offset int) (Completions, bool) {
	lineStart := strings.LastIndexByte(input[:offset], '\n') + 1
	line := input[lineStart:offset]
	trimmed := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(trimmed, ":") || strings.ContainsAny(trimmed, " \t") {
		return Completions{}, false
	}
	prefix := trimmed[1:]
	out := Completions{Start: offset - len(prefix), End: offset}
	for name, c := range s.commands {
		if strings.HasPrefix(name, prefix) {
			out.Items = append(out.Items, Candidate{Name: name, Kind: "command", Detail: c.Help})
		}
	}
	sort.Slice(out.Items, func(i, j int) bool { return out.Items[i].Name < out.Items[j].Name })
	return out, true
}

func builtinCommands() []Command {
	return []Command{
		{Name: "dep", Usage: "module[@version][=>dir]", Help: "add a module dependency", Check: true, Run: cmdDep},
		{Name: "clear", Help: "forget every item, import, dependency and variable", Run: cmdClear},
		{Name: "vars", Help: "list variables and their types", Run: cmdVars},
		{Name: "trace", Usage: "[build]", Help: "show the traced events of the last or a given build", Run: cmdTrace},
		{Name: "opt", Usage: "[0|1|2]", Help: "set the optimization level", Check: true, Run: cmdOpt},
		toggle("async", "wrap evaluations in a context-carrying driver", func(st *state.State) *bool { return &st.AsyncMode }),
		toggle("fallible", "let evaluations return an error", func(st *state.State) *bool { return &st.FallibleMode }),
		toggle("preserve_vars_on_panic", "keep variables when an evaluation panics", func(st *state.State) *bool { return &st.Config.PreserveVarsOnPanic }),
		toggle("types", "print the type of displayed values", func(st *state.State) *bool { return &st.Config.ShowTypes }),
		toggle("timing", "report phase timings after each evaluation", func(st *state.State) *bool { return &st.Config.ShowTimings }),
		{Name: "last_compile_dir", Help: "print the session directory", Run: cmdLastCompileDir},
		{Name: "cache", Usage: "[stats|clear|<MiB>]", Help: "inspect, clear or resize the dependency cache", Run: cmdCache},
		{Name: "help", Help: "list commands", Run: cmdHelp},
	}
}

func toggle(name, help string, field func(*state.State) *bool) Command {
	return Command{
		Name:  name,
		Usage: "[on|off]",
		Help:  help,
		Check: true,
		Run: func(_ context.Context, c *CommandContext, args string) error {
			p := field(c.State)
			v, err := parseSwitch(args, *p)
			if err != nil {
				return err
			}
			*p = v
			if !c.attempt.check {
				c.Printf("%s: %s\n", name, onOff(v))
			}
			return nil
		},
	}
}

func parseSwitch(args string, cur bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "":
		return !cur, nil
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return cur, fmt.Errorf("expected on or off, got %q", args)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func cmdDep(_ context.Context, c *CommandContext, args string) error {
	if args == "" {
		for _, d := range c.State.SortedDeps() {
			c.Printf("%s\n", d)
		}
		return nil
	}
	base, err := os.Getwd()
	if err != nil {
		return err
	}
	dep, err := state.NewExternalDep(args, base)
	if err != nil {
		return err
	}
	c.State.AddDep(dep)
	return nil
}

func cmdClear(_ context.Context, c *CommandContext, _ string) error {
	c.RestartWorker()
	c.State.ClearAll()
	return nil
}

func cmdVars(_ context.Context, c *CommandContext, _ string) error {
	for _, name := range c.State.VariableNames() {
		v := c.State.Variables[name]
		typ := v.Type
		if v.Pending() {
			typ = "?"
		}
		c.Printf("%s: %s\n", name, typ)
	}
	return nil
}

func cmdOpt(_ context.Context, c *CommandContext, args string) error {
	level := 0
	switch args = strings.TrimSpace(args); args {
	case "":
		if c.State.Config.OptLevel == 0 {
			level = 2
		}
	default:
		n, err := strconv.Atoi(args)
		if err != nil || n < 0 || n > 2 {
			return fmt.Errorf("optimization level must be 0, 1 or 2, got %q", args)
		}
		level = n
	}
	c.State.Config.OptLevel = level
	if !c.attempt.check {
		c.Printf("optimization level: %d\n", level)
	}
	return nil
}

func cmdTrace(ctx context.Context, c *CommandContext, args string) error {
	ring := trace.FindRing(trace.FromContext(ctx))
	if ring == nil {
		c.Printf("no trace ring, start with --trace-mode=ring or --trace-mode=both\n")
		return nil
	}
	n := ring.LastBuild()
	if args = strings.TrimSpace(args); args != "" {
		v, err := strconv.Atoi(args)
		if err != nil || v <= 0 {
			return fmt.Errorf("not a build number: %q", args)
		}
		n = v
	}
	var sb strings.Builder
	if err := trace.WriteEvents(&sb, ring.Build(n), trace.FormatText); err != nil {
		return err
	}
	if sb.Len() == 0 {
		c.Printf("no traced events for build %d\n", n)
		return nil
	}
	c.Printf("%s", sb.String())
	return nil
}

func cmdLastCompileDir(_ context.Context, c *CommandContext, _ string) error {
	c.Printf("%s\n", c.Session.ws.Dir())
	return nil
}

func cmdCache(_ context.Context, c *CommandContext, args string) error {
	cache := c.Session.opts.Cache
	if cache == nil {
		return errors.New("no dependency cache configured")
	}
	switch args = strings.TrimSpace(args); args {
	case "", "stats":
		st, err := cache.Stats()
		if err != nil {
			return err
		}
		c.Printf("%s: %d entries, %d MiB of %d MiB, %d hits\n",
			cache.Dir(), st.Entries, st.Bytes>>20, c.State.Config.CacheBytes>>20, st.Hits)
	case "clear":
		if err := cache.Clear(); err != nil {
			return err
		}
		c.Printf("cache cleared\n")
	default:
		mib, err := strconv.ParseInt(args, 10, 64)
		if err != nil || mib < 0 {
			return fmt.Errorf("expected stats, clear or a size in MiB, got %q", args)
		}
		c.State.Config.CacheBytes = mib << 20
		c.Printf("cache budget: %d MiB\n", mib)
	}
	return nil
}

func cmdHelp(_ context.Context, c *CommandContext, _ string) error {
	names := make([]string, 0, len(c.Session.commands))
	for name := range c.Session.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := c.Session.commands[name]
		head := ":" + name
		if cmd.Usage != "" {
			head += " " + cmd.Usage
		}
		c.Printf("%-32s %s\n", head, cmd.Help)
	}
	return nil
}

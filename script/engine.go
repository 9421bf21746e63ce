package script

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// An Engine executes scripts against a command and condition registry.
// The registries must not change while a script runs.
type Engine struct {
	Cmds  map[string]Cmd
	Conds map[string]Cond

	// Quiet suppresses logging of script lines and section comments.
	Quiet bool
}

// NewEngine returns an engine with the default commands and conditions.
func NewEngine() *Engine {
	e := &Engine{
		Cmds:  DefaultCmds(),
		Conds: DefaultConds(),
	}
	e.Cmds["help"] = helpCmd(e)
	return e
}

// Execute runs script, whose lines are reported as coming from file.
// It returns nil when the script completes or stops, an error matching
// ErrSkip when it is skipped, and an *Error otherwise.
func (e *Engine) Execute(s *State, file, script string) error {
	lineno := 0
	for script != "" {
		var line string
		line, script = getLine(script)
		lineno++

		if strings.HasPrefix(line, "#") {
			if !e.Quiet {
				s.Logf("%s", strings.TrimRight(line, "\r"))
			}
			continue
		}

		d, err := ParseLine(line, lineno)
		if err != nil {
			var perr *ParseError
			msg := err.Error()
			if errors.As(err, &perr) {
				msg = perr.Msg
			}
			return (&Error{Kind: KindParse, Msg: msg, Err: err}).withLocation(file, lineno)
		}
		if d == nil {
			continue
		}

		if !e.Quiet {
			s.Logf("> %s", strings.TrimRight(line, "\r"))
		}
		stop, err := e.exec(s, d)
		if err != nil {
			serr := asError(err)
			if serr.File == "" {
				serr.withLocation(file, lineno)
			}
			return serr
		}
		if stop {
			return nil
		}
	}
	return nil
}

// getLine returns the first line and the remainder of the input.
func getLine(s string) (line, rest string) {
	i := strings.Index(s, "\n")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

// exec runs one directive. It reports whether the script must stop.
func (e *Engine) exec(s *State, d *Directive) (bool, error) {
	for _, g := range d.Guards {
		ok, err := e.evalGuard(s, g)
		if err != nil {
			return false, err
		}
		if !ok {
			s.Logf("[condition not met]")
			return false, nil
		}
	}

	cmd, ok := e.Cmds[d.Command]
	if !ok {
		return false, newError(KindUnknownCommand, "unknown command %q", d.Command)
	}
	usage := cmd.Usage()
	if d.Background && !usage.Async {
		return false, newError(KindParse, "command %q cannot be run in the background", d.Command)
	}

	rawArgs := make([]string, len(d.RawArgs))
	for i, arg := range d.RawArgs {
		rawArgs[i] = arg.String()
	}
	var regexpArgs []int
	if usage.RegexpArgs != nil {
		regexpArgs = usage.RegexpArgs(rawArgs...)
	}
	args := expandArgs(s, d.RawArgs, regexpArgs)

	out, err := cmd.Run(s, args...)
	if err != nil {
		if errors.Is(err, ErrUsage) {
			return false, usageError(d.Command, usage, err).withCommand(d.Command, args)
		}
		if serr := asError(err); serr.Kind.fatal() {
			return false, serr.withCommand(d.Command, args)
		}
	}

	if def, ok := out.(Deferred); ok && err == nil {
		if d.Background {
			s.background = append(s.background, backgroundOp{
				handle:  def.Handle,
				name:    d.Command,
				args:    args,
				negate:  d.Negate,
				mayFail: d.MayFail,
			})
			s.stdout, s.stderr = "", ""
			return false, nil
		}
		stdout, stderr, werr := def.Handle.Wait()
		s.SetOutput(stdout, stderr)
		if werr != nil {
			if serr := asError(werr); serr.Kind.fatal() {
				return false, serr.withCommand(d.Command, args)
			}
		}
		out, err = Done{}, werr
	}

	if err != nil {
		return false, checkFailure(s, d, args, err)
	}

	switch o := out.(type) {
	case Stopped:
		if o.Msg != "" {
			s.Logf("STOP: %s", o.Msg)
		} else {
			s.Logf("STOP")
		}
		return true, nil
	case Skipped:
		msg := o.Msg
		if msg == "" {
			msg = "skip"
		}
		s.Logf("SKIP: %s", msg)
		return false, newError(KindSkip, "%s", msg)
	}
	if d.Negate {
		return false, newError(KindUnexpectedSuccess, "succeeded unexpectedly").withCommand(d.Command, args)
	}
	return false, nil
}

// checkFailure applies the '!' and '?' markers to a command failure.
func checkFailure(s *State, d *Directive, args []string, err error) error {
	switch {
	case d.Negate:
		s.Logf("[expected failure: %v]", err)
		return nil
	case d.MayFail:
		s.Logf("[allowed failure: %v]", err)
		return nil
	}
	return asError(err).withCommand(d.Command, args)
}

func usageError(name string, usage *CmdUsage, err error) *Error {
	syntax := strings.TrimSpace(name + " " + usage.Args)
	if errors.Is(err, ErrUsage) && err.Error() != ErrUsage.Error() {
		return &Error{Kind: KindUsage, Msg: fmt.Sprintf("%v (usage: %s)", err, syntax), Err: err}
	}
	return &Error{Kind: KindUsage, Msg: "usage: " + syntax, Err: err}
}

func (e *Engine) evalGuard(s *State, g Guard) (bool, error) {
	name, suffix, hasSuffix := strings.Cut(g.Tag, ":")
	cond, ok := e.Conds[name]
	if !ok {
		return false, newError(KindUnknownCondition, "unknown condition %q", name)
	}
	prefix := cond.Usage().Prefix
	switch {
	case hasSuffix && !prefix:
		return false, newError(KindConditionSyntax, "condition %q cannot be used with a suffix", name)
	case !hasSuffix && prefix:
		return false, newError(KindConditionSyntax, "condition %q requires a suffix", name)
	}
	ok, err := cond.Eval(s, suffix)
	if err != nil {
		return false, &Error{Kind: KindConditionSyntax, Msg: fmt.Sprintf("[%s]: %v", g.Tag, err), Err: err}
	}
	return ok != g.Negate, nil
}

// expandArgs substitutes variables into the unquoted fragments of rawArgs.
// Values substituted into the arguments listed in regexpArgs are quoted.
func expandArgs(s *State, rawArgs []Argument, regexpArgs []int) []string {
	args := make([]string, 0, len(rawArgs))
	for i, arg := range rawArgs {
		inRegexp := slices.Contains(regexpArgs, i)
		var b strings.Builder
		for _, f := range arg {
			if f.Quoted {
				b.WriteString(f.Text)
			} else {
				b.WriteString(s.ExpandEnv(f.Text, inRegexp))
			}
		}
		args = append(args, b.String())
	}
	return args
}

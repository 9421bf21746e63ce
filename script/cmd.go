package script

import "strings"

// A Cmd is a command usable in scripts.
type Cmd interface {
	// Run executes the command with expanded arguments. Failures are
	// returned as errors; ErrUsage reports malformed arguments.
	Run(s *State, args ...string) (Outcome, error)

	Usage() *CmdUsage
}

// CmdUsage describes a command.
type CmdUsage struct {
	Summary string // one-line summary
	Args    string // argument syntax, e.g. "[-q] file1 file2"

	// RegexpArgs reports which arguments are regular expressions, given the
	// raw unexpanded arguments. Variables substituted into those arguments
	// are quoted.
	RegexpArgs func(rawArgs ...string) []int

	// Async commands return Deferred outcomes and may be suffixed with '&'.
	Async bool
}

// An Outcome is the result of a successful command: Done, Stopped, Skipped
// or Deferred.
type Outcome interface {
	outcome()
}

// Done reports that the command completed.
type Done struct{}

// Stopped ends the script successfully.
type Stopped struct{ Msg string }

// Skipped ends the script and marks the test as skipped.
type Skipped struct{ Msg string }

// Deferred is an operation still in flight.
type Deferred struct{ Handle *WaitHandle }

func (Done) outcome()     {}
func (Stopped) outcome()  {}
func (Skipped) outcome()  {}
func (Deferred) outcome() {}

type funcCmd struct {
	usage CmdUsage
	run   func(*State, ...string) (Outcome, error)
}

func (c *funcCmd) Run(s *State, args ...string) (Outcome, error) { return c.run(s, args...) }

func (c *funcCmd) Usage() *CmdUsage { return &c.usage }

// Command returns a Cmd described by usage and implemented by run.
func Command(usage CmdUsage, run func(s *State, args ...string) (Outcome, error)) Cmd {
	return &funcCmd{usage: usage, run: run}
}

// FirstNonFlag is a RegexpArgs function selecting the first argument not
// starting with '-', or the argument following "--".
func FirstNonFlag(rawArgs ...string) []int {
	for i, arg := range rawArgs {
		if !strings.HasPrefix(arg, "-") {
			return []int{i}
		}
		if arg == "--" {
			return []int{i + 1}
		}
	}
	return nil
}

package script

import (
	"fmt"
	"runtime"
)

// A Cond is a condition usable in a [name] or [name:suffix] guard.
type Cond interface {
	// Eval reports whether the condition holds. suffix is the text after
	// the first ':' of the guard tag, or "" for non-prefix conditions.
	Eval(s *State, suffix string) (bool, error)

	Usage() *CondUsage
}

// CondUsage describes a condition.
type CondUsage struct {
	Summary string
	// Prefix conditions require a suffix; other conditions reject one.
	Prefix bool
}

type funcCond struct {
	usage CondUsage
	eval  func(*State, string) (bool, error)
}

func (c *funcCond) Eval(s *State, suffix string) (bool, error) {
	if !c.usage.Prefix && suffix != "" {
		return false, fmt.Errorf("condition does not accept a suffix")
	}
	return c.eval(s, suffix)
}

func (c *funcCond) Usage() *CondUsage { return &c.usage }

// BoolCondition returns a condition with a fixed value.
func BoolCondition(summary string, v bool) Cond {
	return &funcCond{
		usage: CondUsage{Summary: summary},
		eval:  func(*State, string) (bool, error) { return v, nil },
	}
}

// Condition returns a condition evaluated by eval.
func Condition(summary string, eval func(*State) (bool, error)) Cond {
	return &funcCond{
		usage: CondUsage{Summary: summary},
		eval:  func(s *State, _ string) (bool, error) { return eval(s) },
	}
}

// PrefixCondition returns a condition taking a suffix.
func PrefixCondition(summary string, eval func(s *State, suffix string) (bool, error)) Cond {
	return &funcCond{
		usage: CondUsage{Summary: summary, Prefix: true},
		eval:  eval,
	}
}

var unixOS = map[string]bool{
	"aix":       true,
	"android":   true,
	"darwin":    true,
	"dragonfly": true,
	"freebsd":   true,
	"hurd":      true,
	"illumos":   true,
	"ios":       true,
	"linux":     true,
	"netbsd":    true,
	"openbsd":   true,
	"solaris":   true,
}

// DefaultConds returns the host conditions.
func DefaultConds() map[string]Cond {
	conds := map[string]Cond{
		"unix": BoolCondition("host OS is a Unix system", unixOS[runtime.GOOS]),
		"GOOS": PrefixCondition("runtime.GOOS == <suffix>", func(_ *State, suffix string) (bool, error) {
			return suffix == runtime.GOOS, nil
		}),
		"GOARCH": PrefixCondition("runtime.GOARCH == <suffix>", func(_ *State, suffix string) (bool, error) {
			return suffix == runtime.GOARCH, nil
		}),
		"exec": PrefixCondition("<suffix> names an executable in the script PATH", func(s *State, suffix string) (bool, error) {
			_, err := lookPath(s, suffix)
			return err == nil, nil
		}),
		"env": PrefixCondition("environment variable <suffix> is set and non-empty", func(s *State, suffix string) (bool, error) {
			return s.Getenv(suffix) != "", nil
		}),
	}
	for _, goos := range []string{"windows", "darwin", "linux"} {
		conds[goos] = BoolCondition("host OS is "+goos, runtime.GOOS == goos)
	}
	for _, arch := range []string{"amd64", "arm64"} {
		conds[arch] = BoolCondition("host architecture is "+arch, runtime.GOARCH == arch)
	}
	return conds
}

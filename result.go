package testspec

import (
	"fmt"
	"time"
)

// Status is the outcome of a single test script.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Result describes a finished test script.
type Result struct {
	Name     string
	File     string
	Status   Status
	Err      error // nil when the test passed
	Log      string
	Duration time.Duration
	WorkDir  string

	kept bool // work directory retained on disk
}

// Kept reports whether the work directory of the test was left on disk.
func (r Result) Kept() bool { return r.kept }

// Summary aggregates the results of a run.
type Summary struct {
	Passed   int
	Failed   int
	Skipped  int
	Duration time.Duration
}

// Summarize counts results by status.
func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			s.Passed++
		case StatusFail:
			s.Failed++
		case StatusSkip:
			s.Skipped++
		}
		s.Duration += r.Duration
	}
	return s
}

// OK reports whether no test failed.
func (s Summary) OK() bool { return s.Failed == 0 }

func (s Summary) String() string {
	return fmt.Sprintf("%d passed, %d failed, %d skipped (%s)", s.Passed, s.Failed, s.Skipped, formatDuration(s.Duration))
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}

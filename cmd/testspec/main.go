package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/oklog/ulid/v2"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/gfanton/testspec"
)

var errTestsFailed = errors.New("tests failed")

type config struct {
	verbose            bool
	short              bool
	testWork           bool
	workdirRoot        string
	continueOnError    bool
	requireUniqueNames bool
	filter             string
	extensions         []string
	env                []string
	killBackground     bool
	count              int
	listCommands       bool
	format             string
	noColor            bool
}

func (cfg *config) registerFlags(fs *ff.FlagSet) {
	fs.BoolVar(&cfg.verbose, 'v', "verbose", "enable verbose output")
	fs.BoolVar(&cfg.short, 's', "short", "run tests in short mode")
	fs.BoolVar(&cfg.testWork, 'k', "test-work", "preserve work directories after tests")
	fs.StringVar(&cfg.workdirRoot, 'w', "workdir-root", "", "root directory for work directories")
	fs.BoolVar(&cfg.continueOnError, 'c', "continue-on-error", "continue executing tests after an error")
	fs.BoolVar(&cfg.requireUniqueNames, 'u', "require-unique-names", "require unique test names")
	fs.StringVar(&cfg.filter, 'f', "filter", "", "run only tests whose name matches this regexp")
	fs.StringListVar(&cfg.extensions, 0, "ext", "test script extension (repeatable, default .txtar and .tsar)")
	fs.StringListVar(&cfg.env, 'e', "env", "KEY=VALUE added to every script environment (repeatable)")
	fs.BoolVar(&cfg.killBackground, 0, "kill-background", "kill background commands left running at the end of a test")
	fs.IntVar(&cfg.count, 0, "count", 1, "run each test N times")
	fs.BoolVar(&cfg.listCommands, 0, "list-commands", "print available commands and conditions, then exit")
	fs.StringVar(&cfg.format, 0, "format", "text", "output format: text, json or yaml")
	fs.BoolVar(&cfg.noColor, 0, "no-color", "disable colored output")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	tsCmd := NewCommand(os.Stdout, os.Stderr)

	// Parse flags with ff for environment variable support
	err := tsCmd.ParseAndRun(ctx, os.Args[1:], ff.WithEnvVarPrefix("TESTSPEC"))
	switch {
	case err == nil:
	case errors.Is(err, ff.ErrHelp):
		fmt.Fprint(os.Stderr, ffhelp.Command(tsCmd))
	case errors.Is(err, errTestsFailed):
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// NewCommand creates the root ff.Command for the testspec CLI.
func NewCommand(stdout, stderr io.Writer) *ff.Command {
	var cfg config

	fs := ff.NewFlagSet("testspec")
	cfg.registerFlags(fs)

	return &ff.Command{
		Name:      "testspec",
		Usage:     "testspec [FLAGS] PATH...",
		ShortHelp: "run script tests from directories or files",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			return execTestRunner(ctx, &cfg, args, stdout, stderr)
		},
	}
}

func execTestRunner(ctx context.Context, cfg *config, args []string, stdout, stderr io.Writer) error {
	switch cfg.format {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown format %q", cfg.format)
	}
	if cfg.count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}

	params := testspec.Params{
		Extensions:         cfg.extensions,
		Filter:             cfg.filter,
		Env:                cfg.env,
		TestWork:           cfg.testWork,
		WorkdirRoot:        cfg.workdirRoot,
		ContinueOnError:    cfg.continueOnError,
		RequireUniqueNames: cfg.requireUniqueNames,
		KillBackground:     cfg.killBackground,
		Short:              cfg.short,
		Verbose:            cfg.verbose,
	}

	if cfg.listCommands {
		return testspec.Help(stdout, params)
	}
	if len(args) == 0 {
		return fmt.Errorf("at least one argument required")
	}

	// Progress goes to stdout only when it does not carry a report.
	progress := stdout
	if cfg.format != "text" {
		progress = stderr
	}
	runner := &testResultCapture{out: progress, verbose: cfg.verbose}

	var results []testspec.Result
run:
	for i := 0; i < cfg.count; i++ {
		for _, target := range args {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := runTarget(runner, params, target)
			results = append(results, res...)
			if err != nil {
				return err
			}
			if runner.failed && !cfg.continueOnError {
				break run
			}
		}
	}

	summary := testspec.Summarize(results)
	var err error
	switch cfg.format {
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(newReport(results, summary))
	case "yaml":
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		if err = enc.Encode(newReport(results, summary)); err == nil {
			err = enc.Close()
		}
	default:
		newPrinter(stdout, cfg.noColor).print(results, summary, cfg.verbose)
	}
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	if runner.failed || !summary.OK() {
		return errTestsFailed
	}
	return nil
}

// runTarget runs a single script file or a directory of scripts.
func runTarget(runner *testResultCapture, params testspec.Params, target string) ([]testspec.Result, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("cannot access %s: %w", target, err)
	}
	absPath, err := filepath.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("cannot get absolute path for %s: %w", target, err)
	}

	if info.IsDir() {
		params.Dir = absPath
		return testspec.RunStandaloneWithProject(runner, params)
	}

	exts := params.Extensions
	if len(exts) == 0 {
		exts = testspec.DefaultExtensions
	}
	if !slices.Contains(exts, filepath.Ext(absPath)) {
		return nil, fmt.Errorf("file must have one of the extensions %s: %s", strings.Join(exts, ", "), target)
	}
	params.Dir = filepath.Dir(absPath)
	return testspec.RunFilesStandaloneWithProject(runner, params, absPath)
}

// testResultCapture implements TestingT to capture test results
type testResultCapture struct {
	out     io.Writer
	failed  bool
	verbose bool
}

func (t *testResultCapture) Skip(args ...any) {
	if t.verbose {
		fmt.Fprint(t.out, "SKIP: ")
		fmt.Fprintln(t.out, args...)
	}
}

func (t *testResultCapture) Fatal(args ...any) {
	t.failed = true
	fmt.Fprint(t.out, "FAIL: ")
	fmt.Fprintln(t.out, args...)
	// Don't exit here like testing.T does, just mark as failed
}

func (t *testResultCapture) Fatalf(format string, args ...any) {
	t.failed = true
	fmt.Fprint(t.out, "FAIL: ")
	fmt.Fprintf(t.out, format, args...)
	fmt.Fprintln(t.out)
}

func (t *testResultCapture) Log(args ...any) {
	if t.verbose {
		fmt.Fprintln(t.out, args...)
	}
}

func (t *testResultCapture) Logf(format string, args ...any) {
	if t.verbose {
		fmt.Fprintf(t.out, format, args...)
		fmt.Fprintln(t.out)
	}
}

func (t *testResultCapture) Failed() bool {
	return t.failed
}

func (t *testResultCapture) Helper() {}

// ---- Reports

type report struct {
	RunID   string        `json:"run_id" yaml:"run_id"`
	Results []reportEntry `json:"results" yaml:"results"`
	Summary reportSummary `json:"summary" yaml:"summary"`
}

type reportEntry struct {
	Name       string `json:"name" yaml:"name"`
	File       string `json:"file" yaml:"file"`
	Status     string `json:"status" yaml:"status"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
	DurationMS int64  `json:"duration_ms" yaml:"duration_ms"`
	WorkDir    string `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Log        string `json:"log,omitempty" yaml:"log,omitempty"`
}

type reportSummary struct {
	Passed     int   `json:"passed" yaml:"passed"`
	Failed     int   `json:"failed" yaml:"failed"`
	Skipped    int   `json:"skipped" yaml:"skipped"`
	DurationMS int64 `json:"duration_ms" yaml:"duration_ms"`
}

func newReport(results []testspec.Result, summary testspec.Summary) report {
	r := report{
		RunID:   ulid.Make().String(),
		Results: make([]reportEntry, 0, len(results)),
		Summary: reportSummary{
			Passed:     summary.Passed,
			Failed:     summary.Failed,
			Skipped:    summary.Skipped,
			DurationMS: summary.Duration.Milliseconds(),
		},
	}
	for _, res := range results {
		entry := reportEntry{
			Name:       res.Name,
			File:       res.File,
			Status:     string(res.Status),
			DurationMS: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			entry.Error = res.Err.Error()
		}
		if res.Kept() {
			entry.WorkDir = res.WorkDir
		}
		if res.Status == testspec.StatusFail {
			entry.Log = res.Log
		}
		r.Results = append(r.Results, entry)
	}
	return r
}

// printer renders results as colored text.
type printer struct {
	w                io.Writer
	pass, fail, skip *color.Color
	faint            *color.Color
}

func newPrinter(w io.Writer, noColor bool) *printer {
	p := &printer{
		w:     w,
		pass:  color.New(color.FgGreen, color.Bold),
		fail:  color.New(color.FgRed, color.Bold),
		skip:  color.New(color.FgYellow),
		faint: color.New(color.Faint),
	}
	if noColor || !isTerminal(w) {
		for _, c := range []*color.Color{p.pass, p.fail, p.skip, p.faint} {
			c.DisableColor()
		}
	}
	return p
}

func (p *printer) print(results []testspec.Result, summary testspec.Summary, verbose bool) {
	for _, res := range results {
		label := p.pass.Sprint("PASS")
		switch res.Status {
		case testspec.StatusFail:
			label = p.fail.Sprint("FAIL")
		case testspec.StatusSkip:
			label = p.skip.Sprint("SKIP")
		}
		fmt.Fprintf(p.w, "%s %s %s\n", label, res.Name, p.faint.Sprintf("(%dms)", res.Duration.Milliseconds()))

		if res.Status != testspec.StatusFail {
			continue
		}
		// Verbose runs already printed the transcript.
		if !verbose && res.Log != "" {
			for _, line := range strings.Split(strings.TrimRight(res.Log, "\n"), "\n") {
				fmt.Fprintf(p.w, "    %s\n", line)
			}
		}
		fmt.Fprintf(p.w, "    %s\n", p.fail.Sprint(res.Err))
		if res.Kept() {
			fmt.Fprintf(p.w, "    work directory: %s\n", res.WorkDir)
		}
	}

	line := summary.String()
	if summary.OK() {
		fmt.Fprintln(p.w, p.pass.Sprint(line))
	} else {
		fmt.Fprintln(p.w, p.fail.Sprint(line))
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

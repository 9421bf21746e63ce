package testspec

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"

	"golang.org/x/tools/txtar"

	"github.com/gfanton/testspec/script"
)

// DefaultExtensions are the test script extensions used when
// Params.Extensions is empty.
var DefaultExtensions = []string{".txtar", ".tsar"}

// TestingT is the interface common to *testing.T and *testing.B.
type TestingT interface {
	Skip(args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Log(args ...any)
	Logf(format string, args ...any)
	Failed() bool
	Helper()
}

// Params holds parameters for a call to Run.
type Params struct {
	// Dir is the directory holding the test scripts.
	// All files in the directory with one of Extensions are considered to be test scripts.
	Dir string

	// Extensions lists the test script file extensions, including the dot.
	// It defaults to DefaultExtensions.
	Extensions []string

	// Filter, if set, is a regular expression selecting the tests to run by name.
	Filter string

	// Cmds holds additional commands, by name. They take precedence over
	// the built-in commands.
	Cmds map[string]script.Cmd

	// Conds holds additional conditions, by name.
	Conds map[string]script.Cond

	// Env holds "key=value" entries added to every script environment.
	Env []string

	// TestWork specifies that working directories should be
	// retained for inspection after the test completes.
	TestWork bool

	// WorkdirRoot specifies the directory within which scripts' work
	// directories will be created. Setting WorkdirRoot implies TestWork=true.
	// If empty, the work directories will be created inside $TMPDIR.
	WorkdirRoot string

	// Setup is called, if non-nil, to complete any setup required for the test.
	// The working directory and environment variables are set up
	// before calling Setup; see the package documentation for details.
	Setup func(*Env) error

	// TestSetup and TestTeardown are shell scripts run in the work
	// directory before and after each test script.
	TestSetup    string
	TestTeardown string

	// RequireUniqueNames, if true, requires that all script files
	// have unique base names (excluding extensions).
	RequireUniqueNames bool

	// ContinueOnError causes standalone runs to continue executing tests
	// after a failure. If ContinueOnError is false (the default), any
	// failure stops execution of later tests.
	ContinueOnError bool

	// Quiet omits script lines and comments from the transcript.
	Quiet bool

	// KillBackground stops background commands that were never waited
	// for when a test ends. By default they are left running.
	KillBackground bool

	// Short and Verbose set the [short] and [verbose] conditions. Under
	// go test, they are also set by the -short and -v flags.
	Short   bool
	Verbose bool
}

// An Env holds the environment variables to use for a test script invocation.
type Env struct {
	WorkDir string
	Values  []string
}

// Getenv retrieves the value of the environment variable named by the key.
func (e *Env) Getenv(key string) string {
	for _, kv := range e.Values {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

// Setenv sets the value of the environment variable named by the key.
func (e *Env) Setenv(key, value string) {
	entry := key + "=" + value
	for i, kv := range e.Values {
		if k, _, ok := strings.Cut(kv, "="); ok && k == key {
			e.Values[i] = entry
			return
		}
	}
	e.Values = append(e.Values, entry)
}

// Run runs the test scripts in the given directory as subtests of t.
func Run(t *testing.T, p Params) {
	files := globTestFiles(t, p.Dir, p.extensions())
	runFiles(t, p, files)
}

// RunFiles runs the test scripts with the given file names as subtests of t.
// The files need not be in the same directory.
func RunFiles(t *testing.T, p Params, filenames ...string) {
	runFiles(t, p, filenames)
}

// RunStandalone runs the test scripts in the given directory without using t.Run for subtest execution.
// This is useful for command-line tools that don't need the full testing framework.
func RunStandalone(t TestingT, p Params) []Result {
	files := globTestFiles(t, p.Dir, p.extensions())
	return runFilesStandalone(t, p, files)
}

// RunFilesStandalone runs the test scripts without using t.Run for subtest execution.
func RunFilesStandalone(t TestingT, p Params, filenames ...string) []Result {
	return runFilesStandalone(t, p, filenames)
}

func (p *Params) extensions() []string {
	if len(p.Extensions) > 0 {
		return p.Extensions
	}
	return DefaultExtensions
}

// engine returns the engine shared by the tests of one run.
func (p *Params) engine(short, verbose bool) *script.Engine {
	e := script.NewEngine()
	e.Quiet = p.Quiet
	e.Conds["short"] = script.BoolCondition("short mode is enabled", short)
	e.Conds["verbose"] = script.BoolCondition("verbose mode is enabled", verbose)
	maps.Copy(e.Cmds, p.Cmds)
	maps.Copy(e.Conds, p.Conds)
	return e
}

// Help writes the commands and conditions available to scripts run with p.
func Help(w io.Writer, p Params) error {
	dir, err := os.MkdirTemp("", "testspec-help-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	s, err := script.NewState(dir, nil)
	if err != nil {
		return err
	}
	if err := p.engine(p.Short, p.Verbose).Execute(s, "help", "help"); err != nil {
		return err
	}
	_, err = io.WriteString(w, s.Stdout())
	return err
}

type testCase struct {
	name string
	file string
}

func buildTestCases(t TestingT, p Params, filenames []string) []testCase {
	var filter *regexp.Regexp
	if p.Filter != "" {
		var err error
		if filter, err = regexp.Compile(p.Filter); err != nil {
			t.Fatalf("invalid filter %q: %v", p.Filter, err)
			return nil
		}
	}

	var tests []testCase
	seen := make(map[string]bool)
	for _, filename := range filenames {
		base := filepath.Base(filename)
		name := strings.TrimSuffix(base, filepath.Ext(base))
		if p.RequireUniqueNames {
			if seen[name] {
				t.Fatalf("duplicate test name %q", name)
				return nil
			}
			seen[name] = true
		}
		if filter != nil && !filter.MatchString(name) {
			continue
		}
		tests = append(tests, testCase{name, filename})
	}
	return tests
}

func globTestFiles(t TestingT, dir string, exts []string) []string {
	var files []string
	for _, ext := range exts {
		matches, err := filepath.Glob(filepath.Join(dir, "*"+ext))
		if err != nil {
			t.Fatal(err)
			return nil
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		t.Fatal("no test script files found")
		return nil
	}
	slices.Sort(files)
	return slices.Compact(files)
}

func runFiles(t *testing.T, p Params, filenames []string) {
	tests := buildTestCases(t, p, filenames)
	e := p.engine(p.Short || testing.Short(), p.Verbose || testing.Verbose())
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := runTest(p, e, tc)
			if res.Log != "" {
				t.Log(res.Log)
			}
			if res.kept {
				t.Logf("work directory: %s", res.WorkDir)
			}
			switch res.Status {
			case StatusFail:
				t.Fatal(res.Err)
			case StatusSkip:
				t.Skip(skipMessage(res.Err))
			}
		})
	}
}

func runFilesStandalone(t TestingT, p Params, filenames []string) []Result {
	tests := buildTestCases(t, p, filenames)
	e := p.engine(p.Short, p.Verbose)

	var results []Result
	for _, tc := range tests {
		t.Logf("=== RUN   %s", tc.name)
		res := runTest(p, e, tc)
		results = append(results, res)

		if p.Verbose || res.Status == StatusFail {
			if res.Log != "" {
				t.Log(res.Log)
			}
		}
		if res.kept {
			t.Logf("work directory: %s", res.WorkDir)
		}
		switch res.Status {
		case StatusFail:
			t.Logf("--- FAIL: %s (%s)", tc.name, formatDuration(res.Duration))
			t.Fatalf("%s: %v", tc.name, res.Err)
		case StatusSkip:
			t.Logf("--- SKIP: %s (%s): %s", tc.name, formatDuration(res.Duration), skipMessage(res.Err))
		default:
			t.Logf("--- PASS: %s (%s)", tc.name, formatDuration(res.Duration))
		}
		if res.Status == StatusFail && !p.ContinueOnError {
			break
		}
	}
	return results
}

func skipMessage(err error) string {
	var serr *script.Error
	if errors.As(err, &serr) {
		return serr.Msg
	}
	return fmt.Sprint(err)
}

// testScript holds execution state for a single test script.
type testScript struct {
	p       Params
	engine  *script.Engine
	name    string // short name of test ("foo")
	file    string // full path to test file
	workdir string // temporary work directory ($WORK)
	state   *script.State
}

// runTest runs one test script and classifies its outcome.
func runTest(p Params, e *script.Engine, tc testCase) Result {
	start := time.Now()
	ts := &testScript{p: p, engine: e, name: tc.name, file: tc.file}
	err := ts.run()

	res := Result{
		Name:     tc.name,
		File:     tc.file,
		Err:      err,
		WorkDir:  ts.workdir,
		Duration: time.Since(start),
	}
	if ts.state != nil {
		res.Log = ts.state.Log()
	}
	switch {
	case err == nil:
		res.Status = StatusPass
	case errors.Is(err, script.ErrSkip):
		res.Status = StatusSkip
	default:
		res.Status = StatusFail
	}
	res.kept = ts.finalize(res.Status)
	return res
}

// run sets up the work directory and executes the script.
func (ts *testScript) run() (err error) {
	data, err := os.ReadFile(ts.file)
	if err != nil {
		return err
	}
	ar := txtar.Parse(data)

	if err := ts.setup(); err != nil {
		return err
	}
	env, err := ts.environ()
	if err != nil {
		return err
	}

	var opts []script.StateOption
	if ts.p.KillBackground {
		opts = append(opts, script.WithBackgroundPolicy(script.KillBackground))
	}
	ts.state, err = script.NewState(ts.workdir, env, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ts.state.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := ts.state.ExtractFiles(ar); err != nil {
		return fmt.Errorf("extract files: %w", err)
	}

	if ts.p.TestSetup != "" {
		if err := ts.runHook("test setup", ts.p.TestSetup); err != nil {
			return err
		}
	}

	err = ts.engine.Execute(ts.state, filepath.Base(ts.file), string(ar.Comment))

	if ts.p.TestTeardown != "" {
		if herr := ts.runHook("test teardown", ts.p.TestTeardown); herr != nil && err == nil {
			err = herr
		}
	}
	return err
}

// setup creates the test execution temporary directory.
func (ts *testScript) setup() error {
	root := os.TempDir()
	if ts.p.WorkdirRoot != "" {
		root = ts.p.WorkdirRoot
		ts.p.TestWork = true
		if err := os.MkdirAll(root, 0o755); err != nil {
			return err
		}
	}
	dir, err := os.MkdirTemp(root, "testspec-*")
	if err != nil {
		return err
	}
	// $WORK must match the sandbox root, which has symlinks resolved.
	if ts.workdir, err = filepath.EvalSymlinks(dir); err != nil {
		ts.workdir = dir
		return err
	}
	return os.MkdirAll(filepath.Join(ts.workdir, "tmp"), 0o755)
}

// environ returns the initial script environment.
func (ts *testScript) environ() ([]string, error) {
	env := &Env{
		WorkDir: ts.workdir,
		Values: []string{
			"WORK=" + ts.workdir,
			"PATH=" + os.Getenv("PATH"),
			homeEnvName() + "=/no-home",
			tempEnvName() + "=" + filepath.Join(ts.workdir, "tmp"),
		},
	}
	if runtime.GOOS == "windows" {
		env.Values = append(env.Values, "exe=.exe", "SYSTEMROOT="+os.Getenv("SYSTEMROOT"))
	} else {
		env.Values = append(env.Values, "exe=")
	}
	for _, kv := range ts.p.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("malformed environment entry %q", kv)
		}
		env.Setenv(k, v)
	}

	if ts.p.Setup != nil {
		if err := ts.p.Setup(env); err != nil {
			return nil, fmt.Errorf("setup failed: %w", err)
		}
	}
	return env.Values, nil
}

// runHook runs a per-test shell script in the current script directory.
func (ts *testScript) runHook(desc, path string) error {
	cmd := exec.Command("/bin/sh", path)
	cmd.Dir = ts.state.Getwd()
	cmd.Env = ts.state.Environ()
	output, err := cmd.CombinedOutput()
	if len(output) > 0 {
		ts.state.Logf("[%s]\n%s", desc, output)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", desc, filepath.Base(path), err)
	}
	return nil
}

// finalize cleans up after script execution. It reports whether the work
// directory was kept.
func (ts *testScript) finalize(status Status) bool {
	if ts.workdir == "" {
		return false
	}
	if ts.p.TestWork || status == StatusFail {
		return true
	}
	removeAll(ts.workdir)
	return false
}

// Utility functions

func removeAll(dir string) error {
	// Scripts may leave read-only directories behind.
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			os.Chmod(path, 0o777)
		}
		return nil
	})
	return os.RemoveAll(dir)
}

func homeEnvName() string {
	switch runtime.GOOS {
	case "windows":
		return "USERPROFILE"
	case "plan9":
		return "home"
	default:
		return "HOME"
	}
}

func tempEnvName() string {
	switch runtime.GOOS {
	case "windows":
		return "TMP"
	case "plan9":
		return "TMPDIR" // actually plan 9 doesn't have one at all but this is fine
	default:
		return "TMPDIR"
	}
}

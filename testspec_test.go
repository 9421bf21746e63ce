package testspec

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gfanton/testspec/script"
)

func TestScripts(t *testing.T) {
	Run(t, Params{
		Dir: "testdata",
		Cmds: map[string]script.Cmd{
			"custom": script.Command(
				script.CmdUsage{Summary: "log its arguments", Args: "args..."},
				func(s *script.State, args ...string) (script.Outcome, error) {
					s.Logf("custom command executed with args: %v", args)
					return script.Done{}, nil
				}),
		},
		Conds: map[string]script.Cond{
			"hasmarker": script.Condition("MARKER is set by the setup hook", func(s *script.State) (bool, error) {
				return s.Getenv("MARKER") != "", nil
			}),
		},
		Env: []string{"FROM_PARAMS=params"},
		Setup: func(env *Env) error {
			env.Setenv("MARKER", "setup")
			return os.WriteFile(filepath.Join(env.WorkDir, "from-setup.txt"), []byte("setup\n"), 0o666)
		},
		RequireUniqueNames: true,
	})
}

func writeScripts(t *testing.T, scripts map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range scripts {
		writeFile(t, filepath.Join(dir, name), []byte(content), 0o644)
	}
	return dir
}

func TestRunStandalone_Results(t *testing.T) {
	dir := writeScripts(t, map[string]string{
		"a_pass.txtar": "echo ok\nstdout ok\n",
		"b_fail.txtar": "echo ok\nstdout nope\n",
		"c_skip.tsar":  "skip 'not here'\necho unreachable\n",
	})

	runner := &testResultCapture{}
	results := RunStandalone(runner, Params{Dir: dir, ContinueOnError: true})
	require.Len(t, results, 3)

	assert.Equal(t, "a_pass", results[0].Name)
	assert.Equal(t, StatusPass, results[0].Status)
	assert.NoError(t, results[0].Err)
	assert.False(t, results[0].Kept())
	assert.NoDirExists(t, results[0].WorkDir)

	assert.Equal(t, StatusFail, results[1].Status)
	var serr *script.Error
	require.ErrorAs(t, results[1].Err, &serr)
	assert.Equal(t, 2, serr.Line)
	assert.Equal(t, "b_fail.txtar", serr.File)
	assert.Contains(t, results[1].Log, "> stdout nope")
	assert.True(t, results[1].Kept(), "failed tests keep their work directory")
	assert.DirExists(t, results[1].WorkDir)
	t.Cleanup(func() { removeAll(results[1].WorkDir) })

	assert.Equal(t, StatusSkip, results[2].Status)
	assert.True(t, errors.Is(results[2].Err, script.ErrSkip))
	assert.Equal(t, "not here", skipMessage(results[2].Err))

	assert.True(t, runner.Failed())
	out := runner.output()
	assert.Contains(t, out, "--- PASS: a_pass")
	assert.Contains(t, out, "--- FAIL: b_fail")
	assert.Contains(t, out, "--- SKIP: c_skip")

	sum := Summarize(results)
	assert.Equal(t, Summary{Passed: 1, Failed: 1, Skipped: 1, Duration: sum.Duration}, sum)
	assert.False(t, sum.OK())
	assert.True(t, strings.HasPrefix(sum.String(), "1 passed, 1 failed, 1 skipped ("))
}

func TestRunStandalone_StopsOnFailure(t *testing.T) {
	dir := writeScripts(t, map[string]string{
		"a.txtar": "! echo ok\n",
		"b.txtar": "echo ok\n",
	})
	runner := &testResultCapture{}
	results := RunStandalone(runner, Params{Dir: dir, WorkdirRoot: t.TempDir()})
	require.Len(t, results, 1)
	assert.Equal(t, StatusFail, results[0].Status)
}

func TestRunStandalone_Filter(t *testing.T) {
	dir := writeScripts(t, map[string]string{
		"alpha.txtar": "echo a\n",
		"beta.txtar":  "echo b\n",
	})
	runner := &testResultCapture{}
	results := RunStandalone(runner, Params{Dir: dir, Filter: "^be"})
	require.Len(t, results, 1)
	assert.Equal(t, "beta", results[0].Name)

	runner = &testResultCapture{}
	assert.Empty(t, RunStandalone(runner, Params{Dir: dir, Filter: "("}))
	assert.True(t, runner.Failed())
}

func TestRunStandalone_UniqueNames(t *testing.T) {
	dir := writeScripts(t, map[string]string{
		"same.txtar": "echo a\n",
		"same.tsar":  "echo b\n",
	})
	runner := &testResultCapture{}
	RunStandalone(runner, Params{Dir: dir, RequireUniqueNames: true})
	assert.True(t, runner.Failed())
	assert.Contains(t, runner.output(), `duplicate test name "same"`)
}

func TestRunStandalone_NoFiles(t *testing.T) {
	runner := &testResultCapture{}
	RunStandalone(runner, Params{Dir: t.TempDir()})
	assert.True(t, runner.Failed())
	assert.Contains(t, runner.output(), "no test script files found")
}

func TestRunStandalone_TestWork(t *testing.T) {
	root := t.TempDir()
	dir := writeScripts(t, map[string]string{"keep.txtar": "echo kept\n-- f.txt --\nfixture\n"})
	runner := &testResultCapture{}
	results := RunStandalone(runner, Params{Dir: dir, WorkdirRoot: root})
	require.Len(t, results, 1)
	assert.True(t, results[0].Kept())
	canon, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, canon, filepath.Dir(results[0].WorkDir))
	assert.FileExists(t, filepath.Join(results[0].WorkDir, "f.txt"))
	assert.Contains(t, runner.output(), "work directory: ")
}

func TestRunStandalone_KillBackground(t *testing.T) {
	dir := writeScripts(t, map[string]string{"bg.txtar": "sleep 10s &\n"})
	runner := &testResultCapture{}
	start := time.Now()
	results := RunStandalone(runner, Params{Dir: dir, KillBackground: true, Verbose: true})
	require.Len(t, results, 1)
	assert.Equal(t, StatusPass, results[0].Status, results[0].Log)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Contains(t, results[0].Log, "[killed background] sleep 10s")
}

func TestRunStandalone_Hooks(t *testing.T) {
	hooks := t.TempDir()
	writeFile(t, filepath.Join(hooks, "before.sh"), []byte("#!/bin/sh\necho ready > hook.txt\n"), 0o755)
	writeFile(t, filepath.Join(hooks, "after.sh"), []byte("#!/bin/sh\necho teardown output\nexit 3\n"), 0o755)

	dir := writeScripts(t, map[string]string{"hooked.txtar": "cat hook.txt\nstdout ready\n"})
	runner := &testResultCapture{}
	results := RunStandalone(runner, Params{
		Dir:          dir,
		TestSetup:    filepath.Join(hooks, "before.sh"),
		TestTeardown: filepath.Join(hooks, "after.sh"),
	})
	require.Len(t, results, 1)
	assert.Equal(t, StatusFail, results[0].Status)
	assert.ErrorContains(t, results[0].Err, "test teardown after.sh")
	assert.Contains(t, results[0].Log, "[test teardown]\nteardown output\n")
	t.Cleanup(func() { removeAll(results[0].WorkDir) })
}

func TestRunStandalone_SetupError(t *testing.T) {
	dir := writeScripts(t, map[string]string{"x.txtar": "echo x\n"})
	runner := &testResultCapture{}
	results := RunStandalone(runner, Params{
		Dir:   dir,
		Setup: func(*Env) error { return errors.New("boom") },
	})
	require.Len(t, results, 1)
	assert.ErrorContains(t, results[0].Err, "setup failed: boom")
	t.Cleanup(func() { removeAll(results[0].WorkDir) })
}

func TestEnv(t *testing.T) {
	env := &Env{Values: []string{"A=1", "B=2"}}
	assert.Equal(t, "1", env.Getenv("A"))
	assert.Equal(t, "", env.Getenv("C"))

	env.Setenv("A", "3")
	env.Setenv("C", "x=y")
	assert.Equal(t, []string{"A=3", "B=2", "C=x=y"}, env.Values)
	assert.Equal(t, "x=y", env.Getenv("C"))
}

func TestRunFiles(t *testing.T) {
	RunFiles(t, Params{}, filepath.Join("testdata", "fixtures.txtar"))
}

func TestHelp(t *testing.T) {
	var buf strings.Builder
	err := Help(&buf, Params{
		Cmds: map[string]script.Cmd{"greet": script.Program("echo", "hello")},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "greet [args...]\n")
	assert.Contains(t, buf.String(), "[short]\n\tshort mode is enabled\n")
	assert.Contains(t, buf.String(), "[verbose]\n")
}

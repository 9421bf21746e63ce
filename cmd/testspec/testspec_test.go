package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gfanton/testspec"
	"github.com/gfanton/testspec/script"
)

func TestTestspec(t *testing.T) {
	p := testspec.Params{
		Dir: "testdata",
		Cmds: map[string]script.Cmd{
			// Register the testspec command for test scripts. Paths must be
			// absolute since the command resolves them against the process
			// working directory.
			"testspec": script.Command(
				script.CmdUsage{Summary: "run the testspec command", Args: "[flags] path..."},
				func(s *script.State, args ...string) (script.Outcome, error) {
					var stdout, stderr bytes.Buffer
					err := NewCommand(&stdout, &stderr).ParseAndRun(context.Background(), args)
					s.SetOutput(stdout.String(), stderr.String())
					if err != nil {
						return nil, err
					}
					return script.Done{}, nil
				}),
		},
	}

	testspec.Run(t, p)
}

func TestNewCommand_Flags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := NewCommand(&stdout, &stderr).ParseAndRun(context.Background(), []string{"--format", "xml", "."})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown format "xml"`)

	err = NewCommand(&stdout, &stderr).ParseAndRun(context.Background(), nil)
	assert.EqualError(t, err, "at least one argument required")

	err = NewCommand(&stdout, &stderr).ParseAndRun(context.Background(), []string{"--count", "0", "."})
	assert.Error(t, err)
}

func TestPrinter_NoColor(t *testing.T) {
	var buf bytes.Buffer
	results := []testspec.Result{
		{Name: "ok", Status: testspec.StatusPass},
		{Name: "meh", Status: testspec.StatusSkip},
	}
	newPrinter(&buf, false).print(results, testspec.Summarize(results), false)
	assert.Equal(t, "PASS ok (0ms)\nSKIP meh (0ms)\n1 passed, 0 failed, 1 skipped (0ms)\n", buf.String())
}

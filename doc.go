// Copyright 2024 The testscript Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package testspec runs filesystem-based tests written as scripts in txtar
archives (.txtar or .tsar files). The script language itself is implemented
by package [github.com/gfanton/testspec/script].

To invoke the tests, call [Run]:

	func TestFoo(t *testing.T) {
		testspec.Run(t, testspec.Params{
			Dir: "testdata",
		})
	}

The package scans the directory for files with one of [Params].Extensions
and runs each one as a separate subtest named after the file.

# Work directory

Each script runs in a fresh work directory created under
[Params].WorkdirRoot or the system temporary directory. The files of the
archive are extracted into it before the script starts. The environment
holds:

	WORK=<path to the work directory>
	PATH=<actual PATH>
	HOME=/no-home
	TMPDIR=$WORK/tmp
	exe=<.exe on windows, empty elsewhere>

followed by [Params].Env and whatever [Params].Setup adds. The work
directory is removed after the test unless [Params].TestWork is set or the
test failed.

# Script example

	# comments are copied to the transcript
	exec cat input.txt
	stdout 'hello'
	! exists missing.txt
	[short] skip 'slow below'
	exec sh -c 'sleep 1; echo late' &
	wait
	stdout late

	-- input.txt --
	hello world

The transcript of a failed script is logged before the failure. Run the
help command in a script, or testspec --list-commands, for the full list
of commands and conditions.

# Custom commands and conditions

	testspec.Run(t, testspec.Params{
		Dir: "testdata",
		Cmds: map[string]script.Cmd{
			"greet": script.Program("echo", "hello"),
		},
		Conds: map[string]script.Cond{
			"net": script.BoolCondition("network is available", hasNetwork()),
		},
	})

The runner also defines the [short] and [verbose] conditions.

# Projects

[RunWithProject] reads an optional testspec.toml from the test directory:

	bin = "bin"                # prepended to PATH; *.sh callable without extension
	setup = "setup.sh"         # run once before the tests
	teardown = "teardown.sh"   # run once after the tests
	extensions = [".txtar"]
	kill_background = true

	[test]
	setup = "scripts/before.sh"    # run in $WORK before each test
	teardown = "scripts/after.sh"  # run in $WORK after each test

	[env]
	API_URL = "http://localhost:8080"

	[commands]
	tool = "./bin/tool --config testdata/config.toml"

Without a file, bin/, setup.sh and teardown.sh are detected by convention.

# Command-line Tool

The testspec command runs scripts without go test:

	testspec testdata/              # Run all scripts in directory
	testspec testdata/example.txtar # Run specific file
	testspec --format json testdata # Machine readable report

Environment variables with the TESTSPEC_ prefix are also supported.

# Attribution

Inspired by and adapted from the testscript package by Roger Peppe:
https://pkg.go.dev/github.com/rogpeppe/go-internal/testscript
*/
package testspec

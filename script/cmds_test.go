package script

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"
)

// runArchive extracts the files of a txtar archive and runs its comment.
func runArchive(t *testing.T, archive string) (*State, error) {
	t.Helper()
	s := newTestState(t)
	ar := txtar.Parse([]byte(archive))
	require.NoError(t, s.ExtractFiles(ar))
	return s, NewEngine().Execute(s, "test.txtar", string(ar.Comment))
}

func TestCmds_Files(t *testing.T) {
	s, err := runArchive(t, `
mkdir a/b
cp hello.txt a/b/copy.txt
cmp hello.txt a/b/copy.txt
cat a/b/copy.txt
stdout '^hello$'
mv a/b/copy.txt moved.txt
! exists a/b/copy.txt
exists moved.txt a/b
cp moved.txt a
exists a/moved.txt
rm a moved.txt missing
! exists a
! exists moved.txt
-- hello.txt --
hello
`)
	require.NoError(t, err, s.Log())
}

func TestCmds_CpVirtualAndMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits")
	}
	s, err := runArchive(t, `
echo captured
cp stdout out.txt
cmp out.txt want.txt
chmod 0755 tool.sh
cp tool.sh copy.sh
exists -exec copy.sh
chmod 0444 ro.txt
exists -readonly ro.txt
! exists -readonly tool.sh
! chmod 01777 tool.sh
-- want.txt --
captured
-- tool.sh --
#!/bin/sh
-- ro.txt --
read only
`)
	require.NoError(t, err, s.Log())

	info, err := os.Stat(filepath.Join(s.WorkDir(), "copy.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestCmds_CmpDiff(t *testing.T) {
	s, err := runArchive(t, `
! cmp a.txt b.txt
! cmp -q a.txt b.txt
-- a.txt --
one
two
-- b.txt --
one
three
`)
	require.NoError(t, err, s.Log())
	assert.Contains(t, s.Log(), "[diff -a.txt +b.txt]")
	assert.Contains(t, s.Log(), "-two\n+three\n")
	assert.Equal(t, 1, strings.Count(s.Log(), "[diff"))
}

func TestCmds_Cmpenv(t *testing.T) {
	s, err := runArchive(t, `
env NAME=world
echo hello world
cmpenv stdout want.txt
! cmp stdout want.txt
-- want.txt --
hello $NAME
`)
	require.NoError(t, err, s.Log())
}

func TestCmds_CmpCRLF(t *testing.T) {
	s := newTestState(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.WorkDir(), "crlf.txt"), []byte("a\r\nb\r\n"), 0o666))
	require.NoError(t, os.WriteFile(filepath.Join(s.WorkDir(), "lf.txt"), []byte("a\nb\n"), 0o666))
	require.NoError(t, NewEngine().Execute(s, "test.txtar", "cmp crlf.txt lf.txt\ncmp lf.txt crlf.txt\n"), s.Log())
}

func TestCmds_Env(t *testing.T) {
	s, err := runArchive(t, `
env A=1 B=two
env A
stdout '^A=1$'
env
stdout '^B=two$'
! env =bad
`)
	require.NoError(t, err, s.Log())
	assert.Equal(t, "1", s.Getenv("A"))
}

func TestCmds_Match(t *testing.T) {
	s, err := runArchive(t, `
cat lines.txt
stdout -count=3 '^line'
stdout -q two
! stdout -count=2 '^line'
stdout '^line two$'
! stdout '^two'
! stderr .
grep -count=1 'second' lines.txt
! grep missing lines.txt
grep -- '-dash' lines.txt
-- lines.txt --
line one
line two
line three
second -dash
`)
	require.NoError(t, err, s.Log())
	assert.Contains(t, s.Log(), "matched: line two\n")
	assert.Contains(t, s.Log(), "matched: second -dash\n")
}

func TestCmds_Replace(t *testing.T) {
	s, err := runArchive(t, "replace 'foo' 'bar' 'bar\\nbar' 'one\\tline' file.txt\n"+
		"cmp file.txt want.txt\n"+
		"! replace foo file.txt\n"+
		"-- file.txt --\nfoo\nfoo\n"+
		"-- want.txt --\none\tline\n")
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindUsage, serr.Kind)
	assert.Equal(t, 3, serr.Line)

	data, err := os.ReadFile(filepath.Join(s.WorkDir(), "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\tline\n", string(data))
}

func TestCmds_Symlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}
	s, err := runArchive(t, `
mkdir dir
symlink link -> dir
cp file.txt link/file.txt
exists dir/file.txt
symlink out -> ../../outside
! cp file.txt out
! symlink bad
-- file.txt --
content
`)
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindSandbox, serr.Kind)
	assert.Equal(t, "cp", serr.Cmd)
	_, statErr := os.Stat(filepath.Join(s.WorkDir(), "dir", "file.txt"))
	assert.NoError(t, statErr)
}

func TestCmds_CpIntoDirThroughSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}
	outside := t.TempDir()
	s := newTestState(t)
	require.NoError(t, os.Mkdir(filepath.Join(s.WorkDir(), "dir"), 0o777))
	require.NoError(t, os.Symlink(filepath.Join(outside, "escaped"), filepath.Join(s.WorkDir(), "dir", "x")))

	err := NewEngine().Execute(s, "test.txtar", "echo owned\ncp stdout x\ncp x dir\n")
	var serr *Error
	require.ErrorAs(t, err, &serr, s.Log())
	assert.Equal(t, KindSandbox, serr.Kind)
	assert.Equal(t, "cp", serr.Cmd)
	assert.Equal(t, 3, serr.Line)
	assert.NoFileExists(t, filepath.Join(outside, "escaped"))
}

func TestCmds_CdAndSleep(t *testing.T) {
	s, err := runArchive(t, `
mkdir sub
cd sub
cat ../top.txt
stdout top
sleep 10ms
sleep 10ms &
wait
! sleep nonsense
-- top.txt --
top
`)
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindUsage, serr.Kind)
	assert.Equal(t, 9, serr.Line)
	assert.Equal(t, filepath.Join(s.WorkDir(), "sub"), s.Getwd())
}

func TestProgram(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires echo")
	}
	e := NewEngine()
	e.Cmds["greet"] = Program("echo", "hello")
	s := newTestState(t)
	require.NoError(t, e.Execute(s, "test.txtar", "greet world\nstdout '^hello world$'\ngreet &\nwait\nstdout '^hello$'\n"), s.Log())

	e.Cmds["missing"] = Program("definitely-not-a-program-xyz")
	require.NoError(t, e.Execute(s, "test.txtar", "! missing\n"))
}

func TestHelp(t *testing.T) {
	e := &Engine{
		Cmds: map[string]Cmd{
			"echo": Echo(),
			"stop": Stop(),
			"wait": Wait(),
		},
		Conds: map[string]Cond{
			"on":   BoolCondition("always true", true),
			"GOOS": PrefixCondition("runtime.GOOS == <suffix>", nil),
		},
	}
	e.Cmds["help"] = helpCmd(e)

	s := newTestState(t)
	require.NoError(t, e.Execute(s, "test.txtar", "help\n"))
	g := goldie.New(t,
		goldie.WithFixtureDir(filepath.Join("testdata", "golden")),
		goldie.WithNameSuffix(".golden"),
		goldie.WithTestNameForDir(true),
	)
	g.Assert(t, "help", []byte(s.Stdout()))

	require.NoError(t, e.Execute(s, "test.txtar", "help stop\n"))
	assert.Equal(t, "commands:\n\nstop [msg]\n\tstop execution of the script\n", s.Stdout())

	err := e.Execute(s, "test.txtar", "help nope\n")
	assert.Error(t, err)
}

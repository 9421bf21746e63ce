package script

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
)

// DefaultCmds returns the built-in commands, except help which needs the
// engine registry.
func DefaultCmds() map[string]Cmd {
	return map[string]Cmd{
		"cat":     Cat(),
		"cd":      Cd(),
		"chmod":   Chmod(),
		"cmp":     Cmp(),
		"cmpenv":  Cmpenv(),
		"cp":      Cp(),
		"echo":    Echo(),
		"env":     Env(),
		"exec":    Exec(),
		"exists":  Exists(),
		"grep":    Grep(),
		"mkdir":   Mkdir(),
		"mv":      Mv(),
		"replace": Replace(),
		"rm":      Rm(),
		"skip":    Skip(),
		"sleep":   Sleep(),
		"stderr":  Stderr(),
		"stdout":  Stdout(),
		"stop":    Stop(),
		"symlink": Symlink(),
		"wait":    Wait(),
	}
}

// Cat writes the concatenated content of files to stdout.
func Cat() Cmd {
	return Command(
		CmdUsage{
			Summary: "concatenate files and print to the script's stdout buffer",
			Args:    "files...",
		},
		func(s *State, args ...string) (Outcome, error) {
			if len(args) == 0 {
				return nil, ErrUsage
			}
			var b strings.Builder
			for _, name := range args {
				data, err := readSandboxed(s, name)
				if err != nil {
					return nil, err
				}
				b.Write(data)
			}
			s.SetOutput(b.String(), "")
			return Done{}, nil
		})
}

// Cd changes the current directory.
func Cd() Cmd {
	return Command(
		CmdUsage{
			Summary: "change the working directory",
			Args:    "dir",
		},
		func(s *State, args ...string) (Outcome, error) {
			if len(args) != 1 {
				return nil, ErrUsage
			}
			return Done{}, s.Chdir(args[0])
		})
}

// Chmod changes the permission bits of files.
func Chmod() Cmd {
	return Command(
		CmdUsage{
			Summary: "change file mode bits",
			Args:    "perm paths...",
		},
		func(s *State, args ...string) (Outcome, error) {
			if len(args) < 2 {
				return nil, ErrUsage
			}
			perm, err := strconv.ParseUint(args[0], 0, 32)
			if err != nil || perm&uint64(fs.ModePerm) != perm {
				return nil, fmt.Errorf("invalid mode: %s", args[0])
			}
			for _, name := range args[1:] {
				path, err := s.ResolveSandboxed(name)
				if err != nil {
					return nil, err
				}
				if err := os.Chmod(path, fs.FileMode(perm)); err != nil {
					return nil, err
				}
			}
			return Done{}, nil
		})
}

// Cmp compares two files. The first may be stdout or stderr.
func Cmp() Cmd {
	return Command(
		CmdUsage{
			Summary: "compare files for differences",
			Args:    "[-q] file1 file2",
		},
		func(s *State, args ...string) (Outcome, error) {
			return Done{}, doCompare(s, false, args...)
		})
}

// Cmpenv compares two files after expanding variables in both.
func Cmpenv() Cmd {
	return Command(
		CmdUsage{
			Summary: "compare files for differences, with environment expansion",
			Args:    "[-q] file1 file2",
		},
		func(s *State, args ...string) (Outcome, error) {
			return Done{}, doCompare(s, true, args...)
		})
}

func doCompare(s *State, env bool, args ...string) error {
	quiet := false
	if len(args) > 0 && args[0] == "-q" {
		quiet = true
		args = args[1:]
	}
	if len(args) != 2 {
		return ErrUsage
	}
	name1, name2 := args[0], args[1]

	text1, err := s.ReadFile(name1)
	if err != nil {
		return err
	}
	data2, err := readSandboxed(s, name2)
	if err != nil {
		return err
	}
	text2 := strings.ReplaceAll(string(data2), "\r\n", "\n")

	if env {
		text1 = s.ExpandEnv(text1, false)
		text2 = s.ExpandEnv(text2, false)
	}
	if text1 == text2 {
		return nil
	}

	if !quiet {
		diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(text1),
			B:        difflib.SplitLines(text2),
			FromFile: name1,
			ToFile:   name2,
			Context:  3,
		})
		if err == nil {
			s.Logf("[diff -%s +%s]\n%s", name1, name2, diff)
		}
	}
	return fmt.Errorf("%s and %s differ", name1, name2)
}

// Cp copies files. Sources may be stdout or stderr.
func Cp() Cmd {
	return Command(
		CmdUsage{
			Summary: "copy files to a target file or directory",
			Args:    "src... dst",
		},
		func(s *State, args ...string) (Outcome, error) {
			if len(args) < 2 {
				return nil, ErrUsage
			}
			srcs, dstName := args[:len(args)-1], args[len(args)-1]
			dst, err := s.ResolveSandboxed(dstName)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(dst)
			dstDir := err == nil && info.IsDir()
			if len(srcs) > 1 && !dstDir {
				return nil, fmt.Errorf("destination %s is not a directory", dstName)
			}

			for _, src := range srcs {
				var (
					data []byte
					mode fs.FileMode = 0o666
				)
				switch src {
				case "stdout":
					data = []byte(s.Stdout())
				case "stderr":
					data = []byte(s.Stderr())
				default:
					path, err := s.ResolveSandboxed(src)
					if err != nil {
						return nil, err
					}
					info, err := os.Stat(path)
					if err != nil {
						return nil, err
					}
					if info.IsDir() {
						return nil, fmt.Errorf("%s is a directory", src)
					}
					if data, err = os.ReadFile(path); err != nil {
						return nil, err
					}
					mode = info.Mode() & fs.ModePerm
				}

				target := dst
				if dstDir {
					// The entry inside the directory may itself be a symbolic link.
					target, err = s.ResolveSandboxed(filepath.Join(dstName, filepath.Base(src)))
					if err != nil {
						return nil, err
					}
				}
				if err := os.WriteFile(target, data, mode); err != nil {
					return nil, err
				}
				if err := os.Chmod(target, mode); err != nil {
					return nil, err
				}
			}
			return Done{}, nil
		})
}

// Echo writes its arguments to stdout.
func Echo() Cmd {
	return Command(
		CmdUsage{
			Summary: "display a line of text",
			Args:    "string...",
		},
		func(s *State, args ...string) (Outcome, error) {
			s.SetOutput(strings.Join(args, " ")+"\n", "")
			return Done{}, nil
		})
}

// Env sets or prints environment variables.
func Env() Cmd {
	return Command(
		CmdUsage{
			Summary: "set or log the values of environment variables",
			Args:    "[key[=value]...]",
		},
		func(s *State, args ...string) (Outcome, error) {
			if len(args) == 0 {
				var b strings.Builder
				for _, kv := range s.Environ() {
					b.WriteString(kv)
					b.WriteByte('\n')
				}
				s.SetOutput(b.String(), "")
				return Done{}, nil
			}

			var b strings.Builder
			for _, arg := range args {
				k, v, ok := strings.Cut(arg, "=")
				if !ok {
					fmt.Fprintf(&b, "%s=%s\n", k, s.Getenv(k))
					continue
				}
				if err := s.Setenv(k, v); err != nil {
					return nil, err
				}
			}
			if b.Len() > 0 {
				s.SetOutput(b.String(), "")
			}
			return Done{}, nil
		})
}

// Exec runs a program found through the script PATH.
func Exec() Cmd {
	return Command(
		CmdUsage{
			Summary: "run an executable program with arguments",
			Args:    "program [args...]",
			Async:   true,
		},
		func(s *State, args ...string) (Outcome, error) {
			if len(args) == 0 {
				return nil, ErrUsage
			}
			return startProgram(s, args[0], args[1:])
		})
}

// Program returns a command running the program argv[0] with the leading
// arguments argv[1:] followed by the script arguments.
func Program(argv ...string) Cmd {
	return Command(
		CmdUsage{
			Summary: "run " + quoteArgs(argv),
			Args:    "[args...]",
			Async:   true,
		},
		func(s *State, args ...string) (Outcome, error) {
			if len(argv) == 0 {
				return nil, errors.New("no program configured")
			}
			return startProgram(s, argv[0], append(append([]string{}, argv[1:]...), args...))
		})
}

func startProgram(s *State, name string, args []string) (Outcome, error) {
	path, err := lookPath(s, name)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path, args...)
	cmd.Args[0] = name
	cmd.Dir = s.Getwd()
	cmd.Env = s.Environ()
	h, err := StartProcess(cmd)
	if err != nil {
		return nil, err
	}
	return Deferred{Handle: h}, nil
}

// lookPath searches for an executable like exec.LookPath, using the PATH of
// the script environment. Names containing a separator are resolved against
// the current directory.
func lookPath(s *State, file string) (string, error) {
	var exts []string
	if runtime.GOOS == "windows" {
		exts = append(exts, "")
		pathext := s.Getenv("PATHEXT")
		if pathext == "" {
			pathext = ".com;.exe;.bat;.cmd"
		}
		for _, ext := range filepath.SplitList(pathext) {
			if ext != "" {
				exts = append(exts, strings.ToLower(ext))
			}
		}
	} else {
		exts = []string{""}
	}

	if strings.ContainsRune(file, '/') || (runtime.GOOS == "windows" && strings.ContainsRune(file, '\\')) {
		path := s.ResolvePath(file)
		for _, ext := range exts {
			if isExecutable(path + ext) {
				return path + ext, nil
			}
		}
		return "", fmt.Errorf("%s: %w", file, exec.ErrNotFound)
	}

	for _, dir := range filepath.SplitList(s.Getenv(pathEnvName())) {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, file)
		for _, ext := range exts {
			if isExecutable(path + ext) {
				return path + ext, nil
			}
		}
	}
	return "", fmt.Errorf("%s: %w", file, exec.ErrNotFound)
}

func pathEnvName() string {
	if runtime.GOOS == "plan9" {
		return "path"
	}
	return "PATH"
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return runtime.GOOS == "windows" || info.Mode()&0o111 != 0
}

// Exists checks that files exist.
func Exists() Cmd {
	return Command(
		CmdUsage{
			Summary: "check that files exist",
			Args:    "[-readonly] [-exec] file...",
		},
		func(s *State, args ...string) (Outcome, error) {
			var readonly, executable bool
		loop:
			for len(args) > 0 {
				switch args[0] {
				case "-readonly":
					readonly = true
				case "-exec":
					executable = true
				default:
					break loop
				}
				args = args[1:]
			}
			if len(args) == 0 {
				return nil, ErrUsage
			}

			for _, name := range args {
				path, err := s.ResolveSandboxed(name)
				if err != nil {
					return nil, err
				}
				info, err := os.Stat(path)
				if err != nil {
					return nil, fmt.Errorf("%s does not exist", name)
				}
				if readonly && info.Mode()&0o222 != 0 {
					return nil, fmt.Errorf("%s exists but is writable", name)
				}
				if executable && runtime.GOOS != "windows" && (info.IsDir() || info.Mode()&0o111 == 0) {
					return nil, fmt.Errorf("%s exists but is not executable", name)
				}
			}
			return Done{}, nil
		})
}

// Grep searches a file for a regular expression.
func Grep() Cmd {
	return Command(
		CmdUsage{
			Summary:    "find lines in a file that match a pattern",
			Args:       "[-count=N] [-q] 'pattern' file",
			RegexpArgs: FirstNonFlag,
		},
		func(s *State, args ...string) (Outcome, error) {
			flags, args, err := parseMatchFlags("grep", args)
			if err != nil {
				return nil, err
			}
			if len(args) != 2 {
				return nil, ErrUsage
			}
			data, err := readSandboxed(s, args[1])
			if err != nil {
				return nil, err
			}
			return Done{}, match(s, flags, args[0], string(data), args[1])
		})
}

// Stdout matches the captured stdout against a regular expression.
func Stdout() Cmd {
	return matchOutput("stdout", (*State).Stdout)
}

// Stderr matches the captured stderr against a regular expression.
func Stderr() Cmd {
	return matchOutput("stderr", (*State).Stderr)
}

func matchOutput(name string, text func(*State) string) Cmd {
	return Command(
		CmdUsage{
			Summary:    "find lines in the " + name + " buffer that match a pattern",
			Args:       "[-count=N] [-q] 'pattern'",
			RegexpArgs: FirstNonFlag,
		},
		func(s *State, args ...string) (Outcome, error) {
			flags, args, err := parseMatchFlags(name, args)
			if err != nil {
				return nil, err
			}
			if len(args) != 1 {
				return nil, ErrUsage
			}
			return Done{}, match(s, flags, args[0], text(s), name)
		})
}

type matchFlags struct {
	count int
	quiet bool
}

func parseMatchFlags(name string, args []string) (matchFlags, []string, error) {
	var flags matchFlags
	fset := flag.NewFlagSet(name, flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	fset.IntVar(&flags.count, "count", 0, "")
	fset.BoolVar(&flags.quiet, "q", false, "")
	if err := fset.Parse(args); err != nil {
		return flags, nil, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	counted := false
	fset.Visit(func(f *flag.Flag) { counted = counted || f.Name == "count" })
	if counted && flags.count < 1 {
		return flags, nil, fmt.Errorf("%w: bad -count=%d: must be at least 1", ErrUsage, flags.count)
	}
	return flags, fset.Args(), nil
}

func match(s *State, flags matchFlags, pattern, text, name string) error {
	re, err := regexp.Compile(`(?m)` + pattern)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	if flags.count > 0 {
		n := len(re.FindAllString(text, -1))
		if n != flags.count {
			return fmt.Errorf("found %d matches for %#q in %s, want %d", n, pattern, name, flags.count)
		}
		return nil
	}

	loc := re.FindStringIndex(text)
	if loc == nil {
		return fmt.Errorf("no match for %#q in %s", pattern, name)
	}
	if !flags.quiet {
		start := strings.LastIndexByte(text[:loc[0]], '\n') + 1
		end := loc[1]
		if i := strings.IndexByte(text[end:], '\n'); i >= 0 {
			end += i
		} else {
			end = len(text)
		}
		s.Logf("matched: %s", text[start:end])
	}
	return nil
}

// Mkdir creates directories and their parents.
func Mkdir() Cmd {
	return Command(
		CmdUsage{
			Summary: "create directories, if they do not already exist",
			Args:    "path...",
		},
		func(s *State, args ...string) (Outcome, error) {
			if len(args) == 0 {
				return nil, ErrUsage
			}
			for _, name := range args {
				path, err := s.ResolveSandboxed(name)
				if err != nil {
					return nil, err
				}
				if err := os.MkdirAll(path, 0o777); err != nil {
					return nil, err
				}
			}
			return Done{}, nil
		})
}

// Mv renames a file or directory.
func Mv() Cmd {
	return Command(
		CmdUsage{
			Summary: "rename a file or directory to a new path",
			Args:    "old new",
		},
		func(s *State, args ...string) (Outcome, error) {
			if len(args) != 2 {
				return nil, ErrUsage
			}
			oldPath, err := s.ResolveSandboxed(args[0])
			if err != nil {
				return nil, err
			}
			newPath, err := s.ResolveSandboxed(args[1])
			if err != nil {
				return nil, err
			}
			return Done{}, os.Rename(oldPath, newPath)
		})
}

// Replace replaces strings in a file. Old and new strings are Go string
// literals without the surrounding quotes.
func Replace() Cmd {
	return Command(
		CmdUsage{
			Summary: "replace strings in a file",
			Args:    "[old new]... file",
		},
		func(s *State, args ...string) (Outcome, error) {
			if len(args) < 3 || len(args)%2 != 1 {
				return nil, ErrUsage
			}
			path, err := s.ResolveSandboxed(args[len(args)-1])
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(path)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			content := string(data)
			for i := 0; i+1 < len(args)-1; i += 2 {
				oldText, err := strconv.Unquote(`"` + args[i] + `"`)
				if err != nil {
					return nil, fmt.Errorf("%w: invalid string %q: %v", ErrUsage, args[i], err)
				}
				newText, err := strconv.Unquote(`"` + args[i+1] + `"`)
				if err != nil {
					return nil, fmt.Errorf("%w: invalid string %q: %v", ErrUsage, args[i+1], err)
				}
				content = strings.ReplaceAll(content, oldText, newText)
			}
			return Done{}, os.WriteFile(path, []byte(content), info.Mode().Perm())
		})
}

// Rm removes files and directories. Missing paths are ignored.
func Rm() Cmd {
	return Command(
		CmdUsage{
			Summary: "remove a file or directory",
			Args:    "path...",
		},
		func(s *State, args ...string) (Outcome, error) {
			if len(args) == 0 {
				return nil, ErrUsage
			}
			for _, name := range args {
				path, err := s.ResolveSandboxed(name)
				if err != nil {
					return nil, err
				}
				if err := os.RemoveAll(path); err != nil {
					return nil, err
				}
			}
			return Done{}, nil
		})
}

// Skip marks the test as skipped.
func Skip() Cmd {
	return Command(
		CmdUsage{
			Summary: "skip the current test",
			Args:    "[msg]",
		},
		func(s *State, args ...string) (Outcome, error) {
			return Skipped{Msg: strings.Join(args, " ")}, nil
		})
}

// Sleep waits for a duration.
func Sleep() Cmd {
	return Command(
		CmdUsage{
			Summary: "sleep for a specified duration",
			Args:    "duration",
			Async:   true,
		},
		func(s *State, args ...string) (Outcome, error) {
			if len(args) != 1 {
				return nil, ErrUsage
			}
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUsage, err)
			}
			return Deferred{Handle: Go(func() error {
				time.Sleep(d)
				return nil
			})}, nil
		})
}

// Stop ends the script successfully.
func Stop() Cmd {
	return Command(
		CmdUsage{
			Summary: "stop execution of the script",
			Args:    "[msg]",
		},
		func(s *State, args ...string) (Outcome, error) {
			return Stopped{Msg: strings.Join(args, " ")}, nil
		})
}

// Symlink creates a symbolic link.
func Symlink() Cmd {
	return Command(
		CmdUsage{
			Summary: "create a symlink",
			Args:    "path -> target",
		},
		func(s *State, args ...string) (Outcome, error) {
			if len(args) != 3 || args[1] != "->" {
				return nil, ErrUsage
			}
			path, err := s.ResolveSandboxed(args[0])
			if err != nil {
				return nil, err
			}
			return Done{}, os.Symlink(filepath.FromSlash(args[2]), path)
		})
}

// Wait harvests the background operations in the order they were started.
// Their outputs are concatenated into stdout and stderr.
func Wait() Cmd {
	return Command(
		CmdUsage{
			Summary: "wait for completion of background commands",
		},
		func(s *State, args ...string) (Outcome, error) {
			if len(args) > 0 {
				return nil, ErrUsage
			}

			var stdouts, stderrs, failures []string
			pending := s.background
			s.background = nil
			for _, bg := range pending {
				desc := quoteArgs(append([]string{bg.name}, bg.args...))
				s.Logf("[background] %s", desc)

				stdout, stderr, err := bg.handle.Wait()
				stdouts = append(stdouts, stdout)
				stderrs = append(stderrs, stderr)
				switch {
				case err != nil && bg.negate:
					s.Logf("[expected failure: %v]", err)
				case err != nil && bg.mayFail:
					s.Logf("[allowed failure: %v]", err)
				case err != nil:
					failures = append(failures, fmt.Sprintf("%s: %v", desc, err))
				case bg.negate:
					failures = append(failures, fmt.Sprintf("%s: succeeded unexpectedly", desc))
				}
			}

			s.SetOutput(strings.Join(stdouts, ""), strings.Join(stderrs, ""))
			if len(failures) > 0 {
				return nil, &Error{Kind: KindWait, Msg: strings.Join(failures, "\n")}
			}
			return Done{}, nil
		})
}

func helpCmd(e *Engine) Cmd {
	return Command(
		CmdUsage{
			Summary: "log help text for commands and conditions",
			Args:    "[command...]",
		},
		func(s *State, args ...string) (Outcome, error) {
			names := args
			if len(names) == 0 {
				names = sortedKeys(e.Cmds)
			}

			var b strings.Builder
			b.WriteString("commands:\n\n")
			for _, name := range names {
				cmd, ok := e.Cmds[name]
				if !ok {
					return nil, fmt.Errorf("unknown command %q", name)
				}
				u := cmd.Usage()
				fmt.Fprintf(&b, "%s\n\t%s\n", strings.TrimSpace(name+" "+u.Args), u.Summary)
			}

			if len(args) == 0 && len(e.Conds) > 0 {
				b.WriteString("\nconditions:\n\n")
				for _, name := range sortedKeys(e.Conds) {
					u := e.Conds[name].Usage()
					tag := name
					if u.Prefix {
						tag += ":*"
					}
					fmt.Fprintf(&b, "[%s]\n\t%s\n", tag, u.Summary)
				}
			}
			s.SetOutput(b.String(), "")
			return Done{}, nil
		})
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

func readSandboxed(s *State, name string) ([]byte, error) {
	path, err := s.ResolveSandboxed(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

package script

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"golang.org/x/tools/txtar"
)

// BackgroundPolicy selects what happens to background operations still
// pending when a State is closed.
type BackgroundPolicy int

const (
	// LeakBackground abandons pending operations. Processes keep running
	// after the test ends and must be reaped by the host.
	LeakBackground BackgroundPolicy = iota
	// KillBackground interrupts pending processes, then kills them once the
	// grace period elapses.
	KillBackground
)

// DefaultKillGrace is the delay between interrupt and kill under KillBackground.
const DefaultKillGrace = 5 * time.Second

// maxSymlinkDepth bounds dangling symlink chains followed during sandbox checks.
const maxSymlinkDepth = 40

// A StateOption configures a State.
type StateOption func(*State)

// WithBackgroundPolicy sets the policy applied by Close.
func WithBackgroundPolicy(p BackgroundPolicy) StateOption {
	return func(s *State) { s.policy = p }
}

// WithKillGrace sets the interrupt-to-kill delay of the KillBackground policy.
func WithKillGrace(d time.Duration) StateOption {
	return func(s *State) { s.killGrace = d }
}

// WithEnvFold sets whether environment keys are matched case-insensitively.
// It defaults to true on Windows only.
func WithEnvFold(fold bool) StateOption {
	return func(s *State) { s.fold = fold }
}

type envEntry struct {
	key   string
	value string
}

type backgroundOp struct {
	handle  *WaitHandle
	name    string
	args    []string
	negate  bool
	mayFail bool
}

// State is the mutable state of one script run. It is owned by a single
// engine execution and must not be shared between tests.
type State struct {
	baseDir string // canonical sandbox root
	pwd     string
	env     []envEntry
	fold    bool

	stdout string
	stderr string
	log    strings.Builder

	background []backgroundOp
	policy     BackgroundPolicy
	killGrace  time.Duration
}

// NewState returns a State rooted at baseDir, which must be an existing
// directory. The initial working directory is baseDir and env holds
// "key=value" entries in order.
func NewState(baseDir string, env []string, opts ...StateOption) (*State, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("work directory: %w", err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("work directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("work directory %s is not a directory", baseDir)
	}

	s := &State{
		baseDir:   canon,
		pwd:       canon,
		fold:      runtime.GOOS == "windows",
		killGrace: DefaultKillGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("malformed environment entry %q", kv)
		}
		if err := s.Setenv(k, v); err != nil {
			return nil, err
		}
	}
	s.setenv("PWD", canon)
	return s, nil
}

// WorkDir returns the sandbox root.
func (s *State) WorkDir() string { return s.baseDir }

// Getwd returns the current directory.
func (s *State) Getwd() string { return s.pwd }

// ResolvePath returns the lexically cleaned absolute form of path, relative
// paths being joined to the current directory. The filesystem is not
// consulted.
func (s *State) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(s.pwd, path)
}

// ResolveSandboxed resolves path like ResolvePath and checks that the result
// stays inside the work directory once symbolic links are followed. Paths
// that do not exist yet are checked through their longest existing prefix.
// An escape is reported as a *SandboxError.
func (s *State) ResolveSandboxed(path string) (string, error) {
	resolved := s.ResolvePath(path)
	canon, err := canonicalize(resolved, 0)
	if err != nil {
		return "", err
	}
	if !within(s.baseDir, canon) {
		return "", &SandboxError{Path: path, Base: s.baseDir}
	}
	return resolved, nil
}

// canonicalize evaluates the symbolic links of the longest existing prefix
// of path. A dangling symbolic link ending that prefix is followed
// lexically.
func canonicalize(path string, depth int) (string, error) {
	if depth > maxSymlinkDepth {
		return "", fmt.Errorf("%s: too many levels of symbolic links", path)
	}

	existing := path
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return path, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		target, lerr := os.Readlink(existing)
		if lerr != nil {
			return "", err
		}
		if !filepath.IsAbs(target) {
			parent, perr := filepath.EvalSymlinks(filepath.Dir(existing))
			if perr != nil {
				return "", perr
			}
			target = filepath.Join(parent, target)
		}
		return canonicalize(filepath.Join(append([]string{target}, rest...)...), depth+1)
	}
	return filepath.Join(append([]string{resolved}, rest...)...), nil
}

func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Chdir changes the current directory. The target must be an existing
// directory inside the work directory. PWD is updated with it.
func (s *State) Chdir(path string) error {
	dir, err := s.ResolveSandboxed(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	s.pwd = dir
	s.setenv("PWD", dir)
	return nil
}

func (s *State) index(key string) int {
	for i, e := range s.env {
		if e.key == key || (s.fold && strings.EqualFold(e.key, key)) {
			return i
		}
	}
	return -1
}

// LookupEnv retrieves the value of the named variable. The pseudo variables
// "/" and ":" hold the path and path list separators.
func (s *State) LookupEnv(key string) (string, bool) {
	switch key {
	case "/":
		return string(filepath.Separator), true
	case ":":
		return string(filepath.ListSeparator), true
	}
	if i := s.index(key); i >= 0 {
		return s.env[i].value, true
	}
	return "", false
}

// Getenv retrieves the value of the named variable, or "" if unset.
func (s *State) Getenv(key string) string {
	v, _ := s.LookupEnv(key)
	return v
}

// Setenv sets the value of the named variable, keeping the position of an
// existing entry.
func (s *State) Setenv(key, value string) error {
	switch {
	case key == "":
		return fmt.Errorf("empty environment variable name")
	case strings.ContainsAny(key, "=\x00"):
		return fmt.Errorf("invalid environment variable name %q", key)
	case key == "/" || key == ":":
		return fmt.Errorf("cannot set reserved variable %q", key)
	}
	s.setenv(key, value)
	return nil
}

func (s *State) setenv(key, value string) {
	if i := s.index(key); i >= 0 {
		s.env[i].value = value
		return
	}
	s.env = append(s.env, envEntry{key: key, value: value})
}

// Environ returns a copy of the environment as "key=value" entries, in
// insertion order.
func (s *State) Environ() []string {
	env := make([]string, 0, len(s.env))
	for _, e := range s.env {
		env = append(env, e.key+"="+e.value)
	}
	return env
}

// ExpandEnv replaces $NAME and ${NAME} in str following os.Expand. Undefined
// variables and shell special names such as $$ or $1 expand to the empty
// string. With inRegexp, values are quoted so that they match
// themselves in a regular expression.
func (s *State) ExpandEnv(str string, inRegexp bool) string {
	return os.Expand(str, func(key string) string {
		v := s.Getenv(key)
		if inRegexp {
			v = regexp.QuoteMeta(v)
		}
		return v
	})
}

// Logf appends a line to the transcript.
func (s *State) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.log.WriteString(msg)
	if !strings.HasSuffix(msg, "\n") {
		s.log.WriteByte('\n')
	}
}

// Log returns the transcript.
func (s *State) Log() string { return s.log.String() }

// Stdout returns the standard output of the last command that produced one.
func (s *State) Stdout() string { return s.stdout }

// Stderr returns the standard error of the last command that produced one.
func (s *State) Stderr() string { return s.stderr }

// SetOutput replaces the captured output and logs the non-empty streams.
func (s *State) SetOutput(stdout, stderr string) {
	s.stdout, s.stderr = stdout, stderr
	if stdout != "" {
		s.Logf("[stdout]\n%s", stdout)
	}
	if stderr != "" {
		s.Logf("[stderr]\n%s", stderr)
	}
}

// ReadFile returns the content of the named file with CRLF line endings
// converted. The names "stdout" and "stderr" refer to the captured output.
func (s *State) ReadFile(name string) (string, error) {
	switch name {
	case "stdout":
		return s.stdout, nil
	case "stderr":
		return s.stderr, nil
	}
	path, err := s.ResolveSandboxed(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(string(data), "\r\n", "\n"), nil
}

// ExtractFiles writes the files of ar relative to the current directory.
// File names are expanded and checked against the sandbox before anything
// is written.
func (s *State) ExtractFiles(ar *txtar.Archive) error {
	for _, f := range ar.Files {
		name := s.ExpandEnv(f.Name, false)
		path, err := s.ResolveSandboxed(name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
			return err
		}
		if err := os.WriteFile(path, f.Data, 0o666); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the background operations that were never waited for,
// according to the background policy.
func (s *State) Close() error {
	pending := s.background
	s.background = nil
	for _, bg := range pending {
		switch s.policy {
		case KillBackground:
			s.Logf("[killed background] %s", quoteArgs(append([]string{bg.name}, bg.args...)))
			if err := bg.handle.Kill(s.killGrace); err != nil {
				return fmt.Errorf("kill %s: %w", bg.name, err)
			}
		default:
			s.Logf("[abandoned background] %s", quoteArgs(append([]string{bg.name}, bg.args...)))
		}
	}
	return nil
}

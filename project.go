package testspec

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/anmitsu/go-shlex"
	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/gfanton/testspec/script"
)

// ProjectFile is the name of the optional project configuration file.
const ProjectFile = "testspec.toml"

// ProjectConfig holds convention-based project configuration for a test directory.
type ProjectConfig struct {
	BinDir         string            `toml:"bin" validate:"omitempty,dir"`
	Setup          string            `toml:"setup" validate:"omitempty,file"`
	Teardown       string            `toml:"teardown" validate:"omitempty,file"`
	Test           TestHooks         `toml:"test"`
	Extensions     []string          `toml:"extensions" validate:"dive,startswith=."`
	KillBackground bool              `toml:"kill_background"`
	Env            map[string]string `toml:"env" validate:"dive,keys,required,endkeys"`
	Commands       map[string]string `toml:"commands" validate:"dive,keys,required,endkeys,required"`
	dir            string            // resolved absolute base directory
}

// TestHooks holds per-test setup/teardown script paths.
type TestHooks struct {
	Setup    string `toml:"setup" validate:"omitempty,file"`
	Teardown string `toml:"teardown" validate:"omitempty,file"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their TOML key.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		return name
	})
	return v
}

// LoadProjectConfig loads project configuration from a directory.
// It reads testspec.toml if present, then auto-detects conventional files
// (bin/, setup.sh, teardown.sh) for any fields not set by the TOML.
// All paths in the returned config are absolute.
func LoadProjectConfig(dir string) (*ProjectConfig, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve dir: %w", err)
	}

	var fromTOML ProjectConfig
	data, err := os.ReadFile(filepath.Join(absDir, ProjectFile))
	if err == nil {
		if err := toml.Unmarshal(data, &fromTOML); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ProjectFile, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", ProjectFile, err)
	}

	cfg := &ProjectConfig{
		BinDir:         resolveField(absDir, fromTOML.BinDir, "bin", isDir),
		Setup:          resolveField(absDir, fromTOML.Setup, "setup.sh", isFile),
		Teardown:       resolveField(absDir, fromTOML.Teardown, "teardown.sh", isFile),
		Extensions:     fromTOML.Extensions,
		KillBackground: fromTOML.KillBackground,
		Env:            fromTOML.Env,
		Commands:       fromTOML.Commands,
		dir:            absDir,
	}
	cfg.Test.Setup = resolveExplicitOnly(absDir, fromTOML.Test.Setup)
	cfg.Test.Teardown = resolveExplicitOnly(absDir, fromTOML.Test.Teardown)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveField applies TOML value if set, otherwise auto-detects the conventional path.
func resolveField(base, tomlVal, convention string, check func(string) bool) string {
	if tomlVal != "" {
		return resolveExplicitOnly(base, tomlVal)
	}
	candidate := filepath.Join(base, convention)
	if check(candidate) {
		return candidate
	}
	return ""
}

// resolveExplicitOnly resolves a path only if explicitly configured (no auto-detection).
func resolveExplicitOnly(base, tomlVal string) string {
	if tomlVal == "" {
		return ""
	}
	if filepath.IsAbs(tomlVal) {
		return tomlVal
	}
	return filepath.Join(base, tomlVal)
}

func (cfg *ProjectConfig) validate() error {
	err := validate.Struct(cfg)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "ProjectConfig.test.setup"; drop the type name.
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		switch fe.Tag() {
		case "dir":
			msgs = append(msgs, fmt.Sprintf("%s: directory %q not found", field, fe.Value()))
		case "file":
			msgs = append(msgs, fmt.Sprintf("%s: file %q not found", field, fe.Value()))
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s: must not be empty", field))
		default:
			msgs = append(msgs, fmt.Sprintf("%s: invalid value %q (%s)", field, fe.Value(), fe.Tag()))
		}
	}
	return fmt.Errorf("%s: %s", ProjectFile, strings.Join(msgs, "; "))
}

// commands builds script commands from the [commands] table.
func (cfg *ProjectConfig) commands() (map[string]script.Cmd, error) {
	cmds := make(map[string]script.Cmd, len(cfg.Commands))
	for name, line := range cfg.Commands {
		argv, err := shlex.Split(line, true)
		if err != nil {
			return nil, fmt.Errorf("%s: command %q: %w", ProjectFile, name, err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("%s: command %q is empty", ProjectFile, name)
		}
		// Relative program paths are relative to the project directory.
		if strings.ContainsRune(argv[0], '/') && !filepath.IsAbs(argv[0]) {
			argv[0] = filepath.Join(cfg.dir, argv[0])
		}
		cmds[name] = script.Program(argv...)
	}
	return cmds, nil
}

// environ returns the [env] table as sorted "key=value" entries.
func (cfg *ProjectConfig) environ() []string {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	slices.Sort(env)
	return env
}

// prepareBinDir creates wrapper scripts for .sh files in the project's bin directory
// and returns PATH directory entries to prepend. The first entry is a temp dir with
// wrappers (calling .sh files without extension), the second is the bin dir itself
// (for non-.sh executables). Returns a cleanup function that removes the temp dir.
func (cfg *ProjectConfig) prepareBinDir() (pathDirs []string, cleanup func(), err error) {
	cleanup = func() {} // no-op default

	if cfg.BinDir == "" {
		return nil, cleanup, nil
	}

	entries, err := os.ReadDir(cfg.BinDir)
	if err != nil {
		return nil, cleanup, fmt.Errorf("read bin dir: %w", err)
	}

	wrapperDir, err := os.MkdirTemp("", "testspec-bin-*")
	if err != nil {
		return nil, cleanup, fmt.Errorf("create wrapper dir: %w", err)
	}
	cleanup = func() { os.RemoveAll(wrapperDir) }

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".sh" {
			continue
		}
		wrapperName := strings.TrimSuffix(name, ".sh")
		absScript := filepath.Join(cfg.BinDir, name)
		wrapper := fmt.Sprintf("#!/bin/sh\nexec /bin/sh %q \"$@\"\n", absScript)
		if err := os.WriteFile(filepath.Join(wrapperDir, wrapperName), []byte(wrapper), 0o755); err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("write wrapper %s: %w", wrapperName, err)
		}
	}

	return []string{wrapperDir, cfg.BinDir}, cleanup, nil
}

// ---- Project-Aware Run Functions

// RunWithProject runs test scripts from p.Dir with project structure support.
// It loads the project config, prepares bin/ wrappers, runs global setup/teardown,
// and wires per-test hooks before delegating to Run.
func RunWithProject(t *testing.T, p Params) {
	cfg, err := LoadProjectConfig(p.Dir)
	if err != nil {
		t.Fatal(err)
	}

	cleanup, err := prepareProject(cfg, &p)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	Run(t, p)
}

// RunStandaloneWithProject is the standalone equivalent of RunWithProject.
// The error reports a configuration or global setup failure; test
// failures are reported through the results.
func RunStandaloneWithProject(t TestingT, p Params) ([]Result, error) {
	cfg, err := LoadProjectConfig(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("load project config: %w", err)
	}

	cleanup, err := prepareProject(cfg, &p)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	return RunStandalone(t, p), nil
}

// RunFilesStandaloneWithProject runs specific files with project structure support.
func RunFilesStandaloneWithProject(t TestingT, p Params, filenames ...string) ([]Result, error) {
	cfg, err := LoadProjectConfig(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("load project config: %w", err)
	}

	cleanup, err := prepareProject(cfg, &p)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	return RunFilesStandalone(t, p, filenames...), nil
}

// prepareProject sets up the project environment and returns a cleanup function.
// It prepares bin/ wrappers, runs global setup, wires per-test hooks, and
// returns a cleanup that runs global teardown and removes temp dirs.
func prepareProject(cfg *ProjectConfig, p *Params) (cleanup func(), err error) {
	cleanup = func() {} // no-op default

	cmds, err := cfg.commands()
	if err != nil {
		return cleanup, err
	}
	if len(cmds) > 0 {
		merged := make(map[string]script.Cmd, len(cmds)+len(p.Cmds))
		for name, cmd := range cmds {
			merged[name] = cmd
		}
		// Commands registered in code win over the project file.
		for name, cmd := range p.Cmds {
			merged[name] = cmd
		}
		p.Cmds = merged
	}

	if len(p.Extensions) == 0 {
		p.Extensions = cfg.Extensions
	}
	p.KillBackground = p.KillBackground || cfg.KillBackground
	p.Env = append(cfg.environ(), p.Env...)

	binPathDirs, binCleanup, err := cfg.prepareBinDir()
	if err != nil {
		return cleanup, fmt.Errorf("prepare bin dir: %w", err)
	}

	// Wrap the user's Setup to prepend bin PATH dirs to test environment
	origSetup := p.Setup
	p.Setup = func(env *Env) error {
		if origSetup != nil {
			if err := origSetup(env); err != nil {
				return err
			}
		}
		if len(binPathDirs) > 0 {
			newPATH := strings.Join(binPathDirs, string(os.PathListSeparator))
			if currentPATH := env.Getenv("PATH"); currentPATH != "" {
				newPATH += string(os.PathListSeparator) + currentPATH
			}
			env.Setenv("PATH", newPATH)
		}
		return nil
	}

	if cfg.Test.Setup != "" {
		p.TestSetup = cfg.Test.Setup
	}
	if cfg.Test.Teardown != "" {
		p.TestTeardown = cfg.Test.Teardown
	}

	if cfg.Setup != "" {
		if err := runGlobalScript(cfg.dir, cfg.Setup); err != nil {
			binCleanup()
			return func() {}, fmt.Errorf("global setup failed: %w", err)
		}
	}

	projectDir := cfg.dir
	teardownScript := cfg.Teardown
	cleanup = func() {
		if teardownScript != "" {
			if err := runGlobalScript(projectDir, teardownScript); err != nil {
				log.Printf("warning: global teardown failed: %v", err)
			}
		}
		binCleanup()
	}

	return cleanup, nil
}

// runGlobalScript runs a shell script in the project directory.
func runGlobalScript(dir, scriptPath string) error {
	cmd := exec.Command("/bin/sh", scriptPath)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w\n%s", filepath.Base(scriptPath), err, output)
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

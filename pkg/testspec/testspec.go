// Package testspec resolves a directory tree of TOML files into an
// ordered grading plan. Each directory carries a config.toml with group
// metadata and partial test defaults; each *.test.toml file is one test
// case, merged over the defaults accumulated along its directory path.
package testspec

import (
	"errors"
	"time"
)

// Errors surfaced during resolution. Resolution failures mean the test
// tree itself is broken, which is an operator problem, never a verdict
// on a submission.
var (
	ErrUnsupportedTestKind = errors.New("unsupported test kind")
	ErrMalformedTestConfig = errors.New("malformed test configuration")
)

// Test kind identifiers.
const (
	KindRun             = "run"
	KindCheckFileExists = "check_file_exists"
)

// Fallbacks for values the tree never sets.
const (
	DefaultCaseTimeout  = 10 * time.Second
	DefaultBuildTimeout = 60 * time.Second
	DefaultTotalTimeout = 30 * time.Minute
)

// RunSpec describes a command to execute inside the build directory and
// the output to expect from it.
type RunSpec struct {
	Bin  string   `mapstructure:"bin"`
	Args []string `mapstructure:"args"`

	// Code is the expected exit code.
	Code int `mapstructure:"code"`

	Stdin       string `mapstructure:"stdin"`
	IgnoreStdin bool   `mapstructure:"ignore_stdin"`

	Stdout       string `mapstructure:"stdout"`
	IgnoreStdout bool   `mapstructure:"ignore_stdout"`
	TrimStdout   bool   `mapstructure:"trim_stdout"`

	Stderr       string `mapstructure:"stderr"`
	IgnoreStderr bool   `mapstructure:"ignore_stderr"`
	TrimStderr   bool   `mapstructure:"trim_stderr"`
}

// CheckFileSpec describes a file that must exist in the build directory.
type CheckFileSpec struct {
	Path string `mapstructure:"path"`
}

// Case is one fully resolved test case.
type Case struct {
	// Group is the slash-joined chain of group titles leading to this
	// case, e.g. "Lab 1/Arithmetic".
	Group string

	// Name is the test file name without its .test.toml suffix.
	Name string

	Description string
	Timeout     time.Duration

	// Kind selects which of the spec fields below is set.
	Kind      string
	Run       *RunSpec
	CheckFile *CheckFileSpec
}

// FullName returns the group-qualified case name.
func (c *Case) FullName() string {
	if c.Group == "" {
		return c.Name
	}

	return c.Group + "/" + c.Name
}

// BuildSpec describes how to build a submission before testing it.
type BuildSpec struct {
	// SrcDir is the submission subdirectory containing the sources,
	// relative to the checkout root.
	SrcDir string `toml:"srcdir"`

	Cmd     []string `toml:"cmd"`
	Timeout time.Duration

	// ProhibitBinaryFiles fails the build when the source directory
	// contains non-text files not listed in AllowedBinaryFiles.
	ProhibitBinaryFiles bool     `toml:"prohibit_binary_files"`
	AllowedBinaryFiles  []string `toml:"allowed_binary_files"`
}

// HasBuild reports whether a build step is configured.
func (b *BuildSpec) HasBuild() bool {
	return len(b.Cmd) > 0
}

// Plan is the resolved grading plan for one set of submission tags.
type Plan struct {
	Title string
	Build BuildSpec

	// Cases in execution order: depth-first, name-sorted within each
	// directory.
	Cases []Case

	// TimeoutTotal bounds the whole grading session, build included.
	TimeoutTotal time.Duration
}

package executor

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/johnwikman/id2202-autograder/pkg/sandbox"
	"github.com/johnwikman/id2202-autograder/pkg/testspec"
)

// judgeRun compares an observed run against the expectations of a run
// case. The exit code is checked first, then stdout, then stderr; the
// first mismatch decides the detail message shown to the student.
func judgeRun(c testspec.Case, res *sandbox.Result) CaseResult {
	spec := c.Run

	if res.TimedOut {
		return CaseResult{
			Case:     c,
			TimedOut: true,
			Detail:   fmt.Sprintf("did not finish within %s", c.Timeout),
		}
	}

	if res.Truncated {
		return CaseResult{
			Case:   c,
			Detail: "produced more output than allowed",
		}
	}

	if res.ExitCode != spec.Code {
		return CaseResult{
			Case: c,
			Detail: fmt.Sprintf(
				"exited with code %d, expected %d", res.ExitCode, spec.Code,
			),
		}
	}

	if !spec.IgnoreStdout {
		got, want := res.Stdout, spec.Stdout
		if spec.TrimStdout {
			got, want = strings.TrimSpace(got), strings.TrimSpace(want)
		}

		if got != want {
			return CaseResult{
				Case:   c,
				Detail: mismatchDetail("stdout", got, want),
			}
		}
	}

	if !spec.IgnoreStderr {
		got, want := res.Stderr, spec.Stderr
		if spec.TrimStderr {
			got, want = strings.TrimSpace(got), strings.TrimSpace(want)
		}

		if got != want {
			return CaseResult{
				Case:   c,
				Detail: mismatchDetail("stderr", got, want),
			}
		}
	}

	return CaseResult{Case: c, Passed: true}
}

const mismatchExcerpt = 256

func mismatchDetail(stream, got, want string) string {
	return fmt.Sprintf(
		"%s mismatch\n  expected: %q\n  got:      %q",
		stream, excerpt(want), excerpt(got),
	)
}

func excerpt(s string) string {
	if len(s) <= mismatchExcerpt {
		return s
	}

	return s[:mismatchExcerpt] + "..."
}

// scanBinaryFiles returns the relative paths of non-text files in dir,
// excluding the allow list and the .git directory.
func scanBinaryFiles(dir string, allowed []string) ([]string, error) {
	allowSet := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allowSet[a] = struct{}{}
	}

	var violations []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}

			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}

		if _, ok := allowSet[rel]; ok {
			return nil
		}

		if _, ok := allowSet[d.Name()]; ok {
			return nil
		}

		text, err := isTextFile(path)
		if err != nil {
			return err
		}

		if !text {
			violations = append(violations, rel)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}

	return violations, nil
}

// isTextFile sniffs the first 512 bytes. Empty files count as text.
func isTextFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 512)

	n, err := f.Read(buf)
	if err != nil && n == 0 {
		if errors.Is(err, io.EOF) {
			return true, nil
		}

		return false, fmt.Errorf("reading %s: %w", path, err)
	}

	ct := http.DetectContentType(buf[:n])

	return strings.HasPrefix(ct, "text/"), nil
}

package executor

import (
	"fmt"
	"strings"

	"github.com/johnwikman/id2202-autograder/pkg/store"
	"github.com/johnwikman/id2202-autograder/pkg/testspec"
)

// aggregate folds the case results into a terminal verdict and builds
// the grading report. A timeout anywhere outranks plain failures; the
// deadline expiring mid-run counts as a timeout since the skipped cases
// were never judged.
func aggregate(
	sub *store.Submission,
	plan *testspec.Plan,
	results []CaseResult,
	shownFailures int,
) *Outcome {
	var passed, failed, timedOut, skipped int

	for _, r := range results {
		switch {
		case r.Skipped:
			skipped++
		case r.TimedOut:
			timedOut++
		case r.Passed:
			passed++
		default:
			failed++
		}
	}

	total := len(results)

	// An empty plan means every group was pruned by the submission's
	// tags. Passing 0/0 cases is not a pass.
	if total == 0 {
		return &Outcome{
			Status:  store.StatusSubmissionError,
			Summary: "no test cases matched the submission tags",
			Report:  buildEmptyPlanReport(sub, plan),
		}
	}

	status := store.StatusSuccess

	switch {
	case timedOut > 0 || skipped > 0:
		status = store.StatusTestsTimedOut
	case failed > 0:
		status = store.StatusTestsFailed
	}

	return &Outcome{
		Status:  status,
		Summary: fmt.Sprintf("%d/%d test cases passed", passed, total),
		Report:  buildReport(sub, plan, results, passed, total, status, shownFailures),
	}
}

func buildEmptyPlanReport(sub *store.Submission, plan *testspec.Plan) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## %s\n\n", plan.Title)
	fmt.Fprintf(&b, "Graded commit `%s`", sub.CommitSHA)

	if tags := sub.TagList(); len(tags) > 0 {
		fmt.Fprintf(&b, " (tags: %s)", strings.Join(tags, " "))
	}

	b.WriteString("\n\nNo test cases matched the submission tags. " +
		"Check the tags in the commit message and push again.\n")

	return b.String()
}

func buildReport(
	sub *store.Submission,
	plan *testspec.Plan,
	results []CaseResult,
	passed, total int,
	status store.Status,
	shownFailures int,
) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## %s\n\n", plan.Title)
	fmt.Fprintf(&b, "Graded commit `%s`", sub.CommitSHA)

	if tags := sub.TagList(); len(tags) > 0 {
		fmt.Fprintf(&b, " (tags: %s)", strings.Join(tags, " "))
	}

	fmt.Fprintf(&b, "\n\n**%d/%d test cases passed.**\n", passed, total)

	if status == store.StatusSuccess {
		b.WriteString("\nAll test cases passed. Well done!\n")

		return b.String()
	}

	if status == store.StatusTestsTimedOut {
		b.WriteString("\nGrading ran out of time. Cases that were never " +
			"reached are listed as skipped.\n")
	}

	shown := 0

	b.WriteString("\n### Failed cases\n\n")

	for _, r := range results {
		if r.Passed {
			continue
		}

		if shown >= shownFailures {
			remaining := total - passed - shown
			fmt.Fprintf(&b, "...and %d more.\n", remaining)

			break
		}

		shown++

		switch {
		case r.Skipped:
			fmt.Fprintf(&b, "- `%s`: skipped (out of time)\n", r.Case.FullName())
		default:
			fmt.Fprintf(&b, "- `%s`: %s\n", r.Case.FullName(), indentDetail(r.Detail))

			if r.Case.Description != "" {
				fmt.Fprintf(&b, "  - %s\n", r.Case.Description)
			}
		}
	}

	return b.String()
}

// indentDetail keeps multi-line mismatch details aligned under their
// list item.
func indentDetail(detail string) string {
	return strings.ReplaceAll(detail, "\n", "\n  ")
}

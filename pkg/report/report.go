// Package report posts grading results back to the GitHub (Enterprise)
// instance that submissions come from: a pending/terminal commit status
// plus a commit comment carrying the grading summary.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/johnwikman/id2202-autograder/pkg/config"
	"github.com/johnwikman/id2202-autograder/pkg/store"
)

// CommitState is a GitHub commit status state.
type CommitState string

// Commit status states per the GitHub statuses API.
const (
	StatePending CommitState = "pending"
	StateSuccess CommitState = "success"
	StateFailure CommitState = "failure"
	StateError   CommitState = "error"
)

// StateFor maps a submission status onto a commit status state.
func StateFor(status store.Status) CommitState {
	switch {
	case status == store.StatusRunning || status == store.StatusNotStarted:
		return StatePending
	case status == store.StatusSuccess:
		return StateSuccess
	case status == store.StatusAutograderFault:
		return StateError
	default:
		return StateFailure
	}
}

// Reporter publishes grading feedback for a commit.
type Reporter interface {
	// CreateCommitComment posts a comment on the commit. The configured
	// signature is appended to the body.
	CreateCommitComment(ctx context.Context, repo, sha, body string) error

	// CreateCommitStatus sets the commit status.
	CreateCommitStatus(ctx context.Context, repo, sha string, state CommitState, description string) error

	// Enabled reports whether an auth token is configured. Without one
	// results stay in the store only.
	Enabled() bool
}

// Compile-time interface check.
var _ Reporter = (*reporter)(nil)

type reporter struct {
	log     logrus.FieldLogger
	cfg     *config.GitHubConfig
	client  *http.Client
	baseURL string
}

// NewReporter creates a Reporter against the configured GitHub instance.
func NewReporter(log logrus.FieldLogger, cfg *config.GitHubConfig) Reporter {
	return &reporter{
		log:     log.WithField("component", "report"),
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://" + cfg.Address + "/api/v3",
	}
}

func (r *reporter) Enabled() bool {
	return r.cfg.AuthToken != ""
}

func (r *reporter) CreateCommitComment(
	ctx context.Context, repo, sha, body string,
) error {
	if r.cfg.CommentSignature != "" {
		body = body + "\n\n" + r.cfg.CommentSignature
	}

	url := fmt.Sprintf("%s/repos/%s/commits/%s/comments", r.baseURL, repo, sha)

	if err := r.post(ctx, url, map[string]string{"body": body}); err != nil {
		return fmt.Errorf("posting commit comment: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"repo": repo,
		"sha":  shortSHA(sha),
	}).Debug("Posted commit comment")

	return nil
}

func (r *reporter) CreateCommitStatus(
	ctx context.Context, repo, sha string, state CommitState, description string,
) error {
	url := fmt.Sprintf("%s/repos/%s/statuses/%s", r.baseURL, repo, sha)

	payload := map[string]string{
		"state":   string(state),
		"context": "autograder",
	}
	if description != "" {
		payload["description"] = description
	}

	if err := r.post(ctx, url, payload); err != nil {
		return fmt.Errorf("creating commit status: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"repo":  repo,
		"sha":   shortSHA(sha),
		"state": state,
	}).Debug("Created commit status")

	return nil
}

func (r *reporter) post(ctx context.Context, url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.AuthToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return fmt.Errorf("unexpected response %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}

	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}

	return sha
}

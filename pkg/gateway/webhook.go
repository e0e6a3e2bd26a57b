package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/johnwikman/id2202-autograder/pkg/notify"
	"github.com/johnwikman/id2202-autograder/pkg/report"
	"github.com/johnwikman/id2202-autograder/pkg/store"
)

// pushPayload is the subset of the GitHub push event we act on.
type pushPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		FullName     string `json:"full_name"`
		Name         string `json:"name"`
		Organization string `json:"organization"`
	} `json:"repository"`
	HeadCommit struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`
	Pusher struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"pusher"`
}

// handleGitHubSubmit ingests a GitHub webhook delivery. Deliveries that
// are authenticated but filtered out (wrong branch, excluded repository,
// no grading tags) get a 200 with an explanatory message so GitHub does
// not retry them.
func (s *server) handleGitHubSubmit(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-Github-Event")
	if event == "" {
		s.writeError(w, http.StatusBadRequest, "missing X-Github-Event header")

		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		s.writeError(
			w, http.StatusUnauthorized, "missing X-Hub-Signature-256 header",
		)

		return
	}

	body, err := io.ReadAll(
		http.MaxBytesReader(w, r.Body, s.cfg.GitHub.MaxPayloadBytes()),
	)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad payload")

		return
	}

	if !verifySignature(body, signature, s.cfg.GitHub.WebhookSecret) {
		s.writeError(w, http.StatusUnauthorized, "invalid secret signature")

		return
	}

	if event == "ping" {
		s.writeJSON(w, http.StatusOK, messageResponse{
			Message: "ping was authenticated",
		})

		return
	}

	if event != "push" {
		s.writeError(
			w, http.StatusBadRequest,
			fmt.Sprintf("unsupported event type %q", event),
		)

		return
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed push payload")

		return
	}

	if payload.Repository.FullName == "" || payload.Repository.Name == "" ||
		payload.HeadCommit.ID == "" ||
		payload.Pusher.Name == "" || payload.Pusher.Email == "" {
		s.writeError(w, http.StatusBadRequest, "malformed push payload")

		return
	}

	s.acceptPush(w, r, &payload)
}

// acceptPush applies the submission filters and enqueues the push.
func (s *server) acceptPush(
	w http.ResponseWriter,
	r *http.Request,
	payload *pushPayload,
) {
	if payload.Repository.Organization != s.cfg.GitHub.Org {
		if !s.cfg.GitHub.AllowAnyOrg {
			s.writeError(w, http.StatusBadRequest, "unknown organization")

			return
		}

		s.log.WithField("organization", payload.Repository.Organization).
			Warn("Accepting push from foreign organization")
	}

	if payload.Ref != s.cfg.GitHub.Branch {
		s.writeJSON(w, http.StatusOK, messageResponse{
			Message: fmt.Sprintf(
				"push to %s ignored, only %s is graded",
				payload.Ref, s.cfg.GitHub.Branch,
			),
		})

		return
	}

	if !s.repoAccepted(payload.Repository.Name) {
		s.writeJSON(w, http.StatusOK, messageResponse{
			Message: fmt.Sprintf(
				"%s is not a repository to be graded",
				payload.Repository.Name,
			),
		})

		return
	}

	tags := extractTags(payload.HeadCommit.Message)
	if len(tags) == 0 {
		s.writeJSON(w, http.StatusOK, messageResponse{
			Message: "no grading tags provided in the commit message",
		})

		return
	}

	sub := &store.Submission{
		GitHubRepo:  payload.Repository.FullName,
		CommitSHA:   payload.HeadCommit.ID,
		Tags:        strings.Join(tags, " "),
		PusherName:  payload.Pusher.Name,
		PusherEmail: payload.Pusher.Email,
	}

	if err := s.store.EnqueueSubmission(r.Context(), sub); err != nil {
		s.log.WithError(err).Error("Failed to enqueue submission")
		s.writeError(w, http.StatusInternalServerError, "internal error")

		return
	}

	s.log.WithField("submission", sub.ID).
		WithField("repo", sub.GitHubRepo).
		WithField("sha", sub.CommitSHA).
		WithField("tags", sub.Tags).
		Info("Submission enqueued")

	s.announceSubmission(r, sub, tags)

	if s.cfg.Notify.Path != "" {
		if err := notify.Ping(s.cfg.Notify.Path); err != nil {
			s.log.WithError(err).Warn("Failed to ping runner notify file")
		}
	}

	s.writeJSON(w, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("submission %d received", sub.ID),
	})
}

// announceSubmission posts a receipt comment and a pending status to
// GitHub. Both are best effort, a failure never rejects the submission.
func (s *server) announceSubmission(
	r *http.Request,
	sub *store.Submission,
	tags []string,
) {
	if !s.reporter.Enabled() {
		return
	}

	quoted := make([]string, len(tags))
	for i, t := range tags {
		quoted[i] = "`" + t + "`"
	}

	comment := fmt.Sprintf(
		"[Submission ID: %d | %s] Your submission has been queued for grading.",
		sub.ID, strings.Join(quoted, ", "),
	)

	if err := s.reporter.CreateCommitComment(
		r.Context(), sub.GitHubRepo, sub.CommitSHA, comment,
	); err != nil {
		s.log.WithError(err).Warn("Failed to post receipt comment")
	}

	if err := s.reporter.CreateCommitStatus(
		r.Context(), sub.GitHubRepo, sub.CommitSHA,
		report.StatePending, "Waiting In Queue",
	); err != nil {
		s.log.WithError(err).Warn("Failed to post pending commit status")
	}
}

// repoAccepted applies the configured repository name filters.
func (s *server) repoAccepted(name string) bool {
	gh := &s.cfg.GitHub

	for _, p := range gh.ProhibitedRepoPrefixes {
		if strings.HasPrefix(name, p) {
			return false
		}
	}

	for _, sfx := range gh.ProhibitedRepoSuffixes {
		if strings.HasSuffix(name, sfx) {
			return false
		}
	}

	if len(gh.AllowedRepoPrefixes) > 0 {
		ok := false

		for _, p := range gh.AllowedRepoPrefixes {
			if strings.HasPrefix(name, p) {
				ok = true

				break
			}
		}

		if !ok {
			return false
		}
	}

	if len(gh.AllowedRepoSuffixes) > 0 {
		ok := false

		for _, sfx := range gh.AllowedRepoSuffixes {
			if strings.HasSuffix(name, sfx) {
				ok = true

				break
			}
		}

		if !ok {
			return false
		}
	}

	return true
}

// verifySignature checks the X-Hub-Signature-256 HMAC over the raw body.
func verifySignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// extractTags collects grading tags from a commit message. A tag is any
// whitespace-separated word starting with '#' or '%', with the sigil
// stripped. The result is deduplicated and sorted.
func extractTags(message string) []string {
	seen := make(map[string]struct{})

	for _, word := range strings.Fields(message) {
		if len(word) < 2 {
			continue
		}

		if word[0] != '#' && word[0] != '%' {
			continue
		}

		seen[word[1:]] = struct{}{}
	}

	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}

	sort.Strings(tags)

	return tags
}

// Package artifacts archives grading output to S3-compatible storage.
// Uploads are optional and best-effort: the store remains the source of
// truth for verdicts, the archive exists for appeals and debugging.
package artifacts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/johnwikman/id2202-autograder/pkg/config"
	"github.com/johnwikman/id2202-autograder/pkg/store"
)

// Uploader archives the result of one grading session.
type Uploader interface {
	// Preflight verifies connectivity by writing a small test object.
	Preflight(ctx context.Context) error

	// UploadResult stores the grading report for a finished submission.
	UploadResult(ctx context.Context, sub *store.Submission, report string) error
}

// Compile-time interface check.
var _ Uploader = (*s3Uploader)(nil)

type s3Uploader struct {
	log    logrus.FieldLogger
	cfg    *config.ArtifactsConfig
	client *s3.Client
}

// NewUploader creates an S3-backed uploader from the configuration.
func NewUploader(
	log logrus.FieldLogger,
	cfg *config.ArtifactsConfig,
) (Uploader, error) {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	client := s3.New(s3.Options{}, opts...)

	return &s3Uploader{
		log:    log.WithField("component", "artifacts"),
		cfg:    cfg,
		client: client,
	}, nil
}

// Preflight verifies S3 connectivity by writing a small test object.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("autograder write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(".autograder-write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", u.cfg.Bucket, err)
	}

	return nil
}

// UploadResult stores the grading report under a key derived from the
// submission.
func (u *s3Uploader) UploadResult(
	ctx context.Context, sub *store.Submission, report string,
) error {
	key := u.resultKey(sub)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(report),
		ContentType: aws.String("text/plain; charset=utf-8"),
		Metadata: map[string]string{
			"submission-id": fmt.Sprintf("%d", sub.ID),
			"status":        sub.Status.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("uploading result for submission %d: %w", sub.ID, err)
	}

	u.log.WithFields(logrus.Fields{
		"id":     sub.ID,
		"bucket": u.cfg.Bucket,
		"key":    key,
	}).Info("Result archived")

	return nil
}

// resultKey builds the object key for a submission's report:
// <prefix>/<repo>/<sha>/<id>.txt.
func (u *s3Uploader) resultKey(sub *store.Submission) string {
	prefix := u.cfg.Prefix
	if prefix == "" {
		prefix = "results"
	}

	return fmt.Sprintf(
		"%s/%s/%s/%d.txt",
		strings.TrimRight(prefix, "/"),
		sub.GitHubRepo,
		sub.CommitSHA,
		sub.ID,
	)
}

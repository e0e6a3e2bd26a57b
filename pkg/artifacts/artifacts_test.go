package artifacts

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnwikman/id2202-autograder/pkg/config"
	"github.com/johnwikman/id2202-autograder/pkg/store"
)

func TestResultKey(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	sub := &store.Submission{
		ID:         42,
		GitHubRepo: "course/alice-repo",
		CommitSHA:  "aaa111",
	}

	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{
			name:   "default prefix",
			prefix: "",
			want:   "results/course/alice-repo/aaa111/42.txt",
		},
		{
			name:   "custom prefix",
			prefix: "grading/2026",
			want:   "grading/2026/course/alice-repo/aaa111/42.txt",
		},
		{
			name:   "trailing slash is trimmed",
			prefix: "grading/",
			want:   "grading/course/alice-repo/aaa111/42.txt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := NewUploader(log, &config.ArtifactsConfig{
				Bucket: "autograder",
				Prefix: tt.prefix,
			})
			require.NoError(t, err)

			assert.Equal(t, tt.want, u.(*s3Uploader).resultKey(sub))
		})
	}
}

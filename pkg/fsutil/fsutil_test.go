package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *Owner
		wantErr bool
	}{
		{name: "empty means none", input: "", want: nil},
		{name: "uid and gid", input: "1000:1000", want: &Owner{UID: 1000, GID: 1000}},
		{name: "missing separator", input: "1000", wantErr: true},
		{name: "non-numeric uid", input: "root:0", wantErr: true},
		{name: "non-numeric gid", input: "0:wheel", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOwner(tt.input)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMkdirAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")

	require.NoError(t, MkdirAll(dir, 0o755, nil))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

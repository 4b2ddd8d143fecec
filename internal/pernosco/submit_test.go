package pernosco

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clintrovert/bugmon-tc/internal/archive"
	"github.com/clintrovert/bugmon-tc/internal/config"
	"github.com/clintrovert/bugmon-tc/pkg/types"
)

var testCreds = config.PernoscoCreds{User: "user", Group: "group", SecretKey: "secret"}

// writeScript creates an executable shell script standing in for
// pernosco-submit
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pernosco-submit")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// sourceArchive builds a source tarball with one top-level directory
func sourceArchive(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "mozilla-central-abc123"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "mozilla-central-abc123", "README"), []byte("src"), 0o644))

	dest := filepath.Join(t.TempDir(), "src.tar.gz")
	require.NoError(t, archive.CreateTarGz(src, dest))
	return dest
}

func traceDir(t *testing.T, buildInfo string) string {
	t.Helper()
	dir := t.TempDir()
	if buildInfo != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, buildInfoFile), []byte(buildInfo), 0o644))
	}
	return dir
}

func fileFetcher(path string, urls *[]string) Fetcher {
	return func(_ context.Context, url string) (io.ReadCloser, error) {
		*urls = append(*urls, url)
		return os.Open(path)
	}
}

func TestAvailable(t *testing.T) {
	ok := NewSubmitter(zap.NewNop(), WithCommand(writeScript(t, "exit 0\n")))
	assert.True(t, ok.Available(context.Background()))

	broken := NewSubmitter(zap.NewNop(), WithCommand(writeScript(t, "exit 1\n")))
	assert.False(t, broken.Available(context.Background()))

	missing := NewSubmitter(zap.NewNop(), WithCommand(filepath.Join(t.TempDir(), "missing")))
	assert.False(t, missing.Available(context.Background()))
}

func TestSubmit(t *testing.T) {
	out := filepath.Join(t.TempDir(), "invocation")
	script := writeScript(t, `echo "$@" > `+out+`
echo "$PERNOSCO_USER $PERNOSCO_GROUP $PERNOSCO_USER_SECRET_KEY" >> `+out+`
last=""
for arg; do last="$arg"; done
test -f "$last/README"
`)

	var urls []string
	s := NewSubmitter(zap.NewNop(),
		WithCommand(script),
		WithFetcher(fileFetcher(sourceArchive(t), &urls)),
	)
	trace := traceDir(t, `{"branch": "central", "rev": "abc123"}`)

	require.NoError(t, s.Submit(context.Background(), trace, 123456, testCreds))
	assert.Equal(t, []string{"https://hg.mozilla.org/mozilla-central/archive/abc123.tar.gz"}, urls)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0],
		"upload --title Bug 123456 --url https://bugzilla.mozilla.org/show_bug.cgi?id=123456 --consent-to-current-privacy-policy "+trace+" "))
	assert.True(t, strings.HasSuffix(lines[0], "mozilla-central-abc123"))
	assert.Equal(t, "user group secret", lines[1])
}

func TestSubmitMissingBuildInfo(t *testing.T) {
	var urls []string
	s := NewSubmitter(zap.NewNop(),
		WithCommand(writeScript(t, "exit 0\n")),
		WithFetcher(fileFetcher(sourceArchive(t), &urls)),
	)

	err := s.Submit(context.Background(), traceDir(t, ""), 1, testCreds)
	var taskErr *types.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.EqualError(t, err, "Unable to find build info in trace archive!")
	assert.Empty(t, urls)
}

func TestSubmitToolFailure(t *testing.T) {
	var urls []string
	s := NewSubmitter(zap.NewNop(),
		WithCommand(writeScript(t, "echo 'invalid credentials' >&2\nexit 2\n")),
		WithFetcher(fileFetcher(sourceArchive(t), &urls)),
	)

	err := s.Submit(context.Background(), traceDir(t, `{"branch": "beta", "rev": "abc123"}`), 1, testCreds)
	var taskErr *types.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Contains(t, err.Error(), "invalid credentials")
	assert.Equal(t, []string{"https://hg.mozilla.org/releases/mozilla-beta/archive/abc123.tar.gz"}, urls)
}

func TestSubmitFetchFailure(t *testing.T) {
	boom := types.NewTaskError("404 Not Found")
	s := NewSubmitter(zap.NewNop(),
		WithCommand(writeScript(t, "exit 0\n")),
		WithFetcher(func(context.Context, string) (io.ReadCloser, error) { return nil, boom }),
	)

	err := s.Submit(context.Background(), traceDir(t, `{"branch": "central", "rev": "abc"}`), 1, testCreds)
	assert.True(t, errors.Is(err, boom))
}

func TestSourceURL(t *testing.T) {
	tests := []struct {
		branch string
		want   string
	}{
		{"central", "https://hg.mozilla.org/mozilla-central/archive/r.tar.gz"},
		{"autoland", "https://hg.mozilla.org/integration/autoland/archive/r.tar.gz"},
		{"try", "https://hg.mozilla.org/try/archive/r.tar.gz"},
		{"release", "https://hg.mozilla.org/releases/mozilla-release/archive/r.tar.gz"},
		{"esr128", "https://hg.mozilla.org/releases/mozilla-esr128/archive/r.tar.gz"},
	}
	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			assert.Equal(t, tt.want, SourceURL(DefaultSourceRoot, &BuildInfo{Branch: tt.branch, Rev: "r"}))
		})
	}
}

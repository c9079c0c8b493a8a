package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/videobench/internal/config"
)

func modelServer(t *testing.T, status int) (string, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "boom", status)
			return
		}
		if r.URL.Path == "/health" {
			return
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func writeWorkspace(t *testing.T) (cfgPath, resultsDir string) {
	t.Helper()
	dir := t.TempDir()
	videos := filepath.Join(dir, "videos")
	resultsDir = filepath.Join(dir, "results")
	require.NoError(t, os.MkdirAll(videos, 0755))
	for _, name := range []string{"a.mp4", "b.mp4", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(videos, name), []byte("x"), 0644))
	}

	h1, p1 := modelServer(t, http.StatusOK)
	h2, p2 := modelServer(t, http.StatusInternalServerError)
	cfg := fmt.Sprintf(`
models:
  - name: m1
    host: %s
    port: %d
    model_path: org/m1
  - name: m2
    host: %s
    port: %d
    model_path: org/m2
  - name: off
    host: localhost
    port: 9
    model_path: org/off
    enabled: false
inference:
  timeout: 5
directories:
  videos: %s
  results: %s
`, h1, p1, h2, p2, videos, resultsDir)
	cfgPath = filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))
	return cfgPath, resultsDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--log-file", ""))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunThenSummary(t *testing.T) {
	cfgPath, resultsDir := writeWorkspace(t)

	out, err := execute(t, "run", "--config", cfgPath, "--video-url-base", "http://videos:8000")
	require.NoError(t, err)
	assert.Contains(t, out, "Video: a.mp4")
	assert.Contains(t, out, "Video: b.mp4")
	assert.Contains(t, out, "Total results:")

	for _, name := range []string{"a_results.csv", "b_results.csv"} {
		_, err := os.Stat(filepath.Join(resultsDir, name))
		assert.NoError(t, err, name)
	}

	out, err = execute(t, "summary", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "a_results.csv")
	assert.Regexp(t, `Total results:\s+4`, out)
}

func TestRootRunsBatchByDefault(t *testing.T) {
	cfgPath, resultsDir := writeWorkspace(t)

	_, err := execute(t, "--config", cfgPath)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(resultsDir, "a_results.csv"))
	assert.NoError(t, err)
}

func TestHealthCommand(t *testing.T) {
	cfgPath, _ := writeWorkspace(t)

	out, err := execute(t, "health", "--config", cfgPath)
	require.NoError(t, err)
	assert.Regexp(t, `m1\s+http://\S+\s+healthy`, out)
	assert.Regexp(t, `m2\s+http://\S+\s+unhealthy`, out)
}

func TestMissingConfigIsFatal(t *testing.T) {
	_, err := execute(t, "run", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	var cerr *config.ConfigurationError
	require.ErrorAs(t, err, &cerr)
}

func TestSearchNeedsPostgres(t *testing.T) {
	cfgPath, _ := writeWorkspace(t)

	_, err := execute(t, "search", "three cubes", "--config", cfgPath)
	assert.ErrorContains(t, err, "postgres.url")
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure/BatchExplorer-sub004/internal/batch"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

type fakeAccount struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeAccount) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodDelete {
		f.deleted = append(f.deleted, r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	switch r.URL.Path {
	case "/pools":
		fmt.Fprint(w, `{"value":[{"id":"gpu","state":"active","vmSize":"nc6"},{"id":"cpu","state":"active","vmSize":"d2"}]}`)
	case "/pools/gpu":
		fmt.Fprint(w, `{"id":"gpu","state":"active","vmSize":"nc6"}`)
	case "/jobs/j1/tasks":
		fmt.Fprint(w, `{"value":[{"id":"t1","state":"completed","executionInfo":{"exitCode":3}}]}`)
	case "/jobs/j1/tasks/t1/files":
		fmt.Fprint(w, `{"value":[
			{"name":"wd","isDirectory":true},
			{"name":"stdout.txt","isDirectory":false,"properties":{"contentLength":42}}]}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"code":"NotFound","message":{"value":"no such resource"}}`)
	}
}

// run executes one command line against a fresh app and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := &app{out: &out}
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	err := cmd.ExecuteContext(context.Background())
	a.close()
	return out.String(), err
}

func testEnv(t *testing.T) *fakeAccount {
	t.Helper()
	acct := &fakeAccount{}
	ts := httptest.NewServer(acct)
	t.Cleanup(ts.Close)
	chdirDir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(chdirDir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("BATCHX_API_BASE_URL", ts.URL)
	t.Setenv("BATCHX_LOG_LEVEL", "error")
	return acct
}

func TestPoolsTable(t *testing.T) {
	testEnv(t)
	out, err := run(t, "pools")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "gpu")
	assert.Contains(t, out, "nc6")
	assert.Contains(t, out, "cpu")
}

func TestPoolShowJSON(t *testing.T) {
	testEnv(t)
	out, err := run(t, "pools", "gpu", "-o", "json")
	require.NoError(t, err)

	var pools []models.Pool
	require.NoError(t, json.Unmarshal([]byte(out), &pools))
	require.Len(t, pools, 1)
	assert.Equal(t, "nc6", pools[0].VMSize)
}

func TestPoolNotFound(t *testing.T) {
	testEnv(t)
	_, err := run(t, "pools", "missing")
	require.Error(t, err)
}

func TestTasksShowExitCode(t *testing.T) {
	testEnv(t)
	out, err := run(t, "tasks", "j1")
	require.NoError(t, err)
	assert.Contains(t, out, "t1")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "3")
}

func TestFilesListing(t *testing.T) {
	testEnv(t)
	out, err := run(t, "files", "j1", "t1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "wd/"), "folders come first: %q", lines[1])
	assert.Contains(t, lines[2], "stdout.txt")
	assert.Contains(t, lines[2], "42")
}

func TestFilesMissingPath(t *testing.T) {
	testEnv(t)
	_, err := run(t, "files", "j1", "t1", "nope.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such file")
}

func TestDeleteJob(t *testing.T) {
	acct := testEnv(t)
	out, err := run(t, "delete", "job", "j1")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted job")

	acct.mu.Lock()
	defer acct.mu.Unlock()
	assert.Equal(t, []string{"/jobs/j1"}, acct.deleted)
}

func TestLocalBrowseAndDelete(t *testing.T) {
	testEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "a.log"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "b.log"), []byte("hi"), 0o644))

	out, err := run(t, "local", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "logs/")

	out, err = run(t, "local", dir, "logs", "--recursive")
	require.NoError(t, err)
	assert.Contains(t, out, "a.log")
	assert.Contains(t, out, "b.log")

	out, err = run(t, "local", dir, "logs/a.log", "--delete")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted logs/a.log")
	_, err = os.Stat(filepath.Join(dir, "logs", "a.log"))
	assert.True(t, os.IsNotExist(err))
}

func TestBlobsWithoutStorage(t *testing.T) {
	testEnv(t)
	_, err := run(t, "blobs", "logs")
	require.ErrorIs(t, err, batch.ErrNoBackend)

	_, err = run(t, "index", "logs")
	require.ErrorIs(t, err, batch.ErrNoBackend)
}

func TestUnknownOutputFormat(t *testing.T) {
	testEnv(t)
	_, err := run(t, "pools", "-o", "yaml")
	require.Error(t, err)
}

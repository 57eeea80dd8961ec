package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickspencer/qualrun/internal/runlog"
)

func TestRingBufferKeepsTail(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer(4)
	_, _ = rb.Write([]byte("ab"))
	assert.Equal(t, "ab", rb.String())
	_, _ = rb.Write([]byte("cdef"))
	assert.Equal(t, "cdef", rb.String())
	_, _ = rb.Write([]byte("g"))
	assert.Equal(t, "defg", rb.String())
}

func TestBuildEnvSetsRunID(t *testing.T) {
	t.Parallel()

	env := BuildEnv(map[string]string{"EXTRA": "1"}, "run-9", "recovery")
	assert.Contains(t, env, "QUALRUN_RUN_ID=run-9")
	assert.Contains(t, env, "QUALRUN_TRIGGER=recovery")
	assert.Contains(t, env, "EXTRA=1")
}

func TestShellResumePassesRunIDAndPersistsOutput(t *testing.T) {
	t.Parallel()

	logs := runlog.New(runlog.Options{Dir: t.TempDir(), MaxBytesPerStream: 1024})
	sh := NewShell(`echo "resuming $QUALRUN_RUN_ID"`, 5*time.Second, &ShellOptions{Logs: logs})

	require.NoError(t, sh.Resume(context.Background(), "run-42"))

	out, err := logs.Latest("run-42")
	require.NoError(t, err)
	assert.Equal(t, "resuming run-42\n", out.Stdout)
}

func TestShellResumeReportsExitCode(t *testing.T) {
	t.Parallel()

	sh := NewShell("echo boom >&2; exit 3", 5*time.Second, nil)
	err := sh.Resume(context.Background(), "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 3")
}

func TestShellResumeTimeout(t *testing.T) {
	t.Parallel()

	sh := NewShell("sleep 5", 50*time.Millisecond, nil)
	err := sh.Resume(context.Background(), "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestWebhookResume(t *testing.T) {
	t.Parallel()

	var got resumeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhook(srv.URL, time.Second).Resume(context.Background(), "run-7"))
	assert.Equal(t, "run-7", got.RunID)
	assert.Equal(t, "recovery", got.Trigger)
}

func TestWebhookResumeNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).Resume(context.Background(), "run-7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestRateLimitedHonoursContext(t *testing.T) {
	t.Parallel()

	var calls int
	inner := Func(func(context.Context, string) error {
		calls++
		return nil
	})
	rl := NewRateLimited(inner, 0.001, 1)

	require.NoError(t, rl.Resume(context.Background(), "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := rl.Resume(ctx, "b")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	ex, err := FromConfig(Config{}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, Noop{}, ex)

	ex, err = FromConfig(Config{Type: "shell", Command: "true"}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &Shell{}, ex)

	ex, err = FromConfig(Config{Type: "webhook", URL: "http://localhost", RatePerSecond: 2}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &RateLimited{}, ex)

	_, err = FromConfig(Config{Type: "shell"}, nil, nil)
	require.Error(t, err)

	_, err = FromConfig(Config{Type: "carrier-pigeon"}, nil, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "carrier-pigeon"))
}

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	retry := NewRetryClient(RetryOptions{MaxAttempts: 3, Timeout: time.Second})
	retry.sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(retry.Close)

	return NewClient(srv.URL+"/", retry, nil)
}

func TestClientGenerateStream(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req GenerateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.Equal(t, "prompt text", req.Prompt)
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, tok := range []string{"A", "B", "C"} {
			fmt.Fprintf(w, "{\"response\":%q}\n", tok)
			flusher.Flush()
		}
		fmt.Fprintln(w, `{"response":"","done":true,"eval_count":3}`)
	})

	sr, err := client.GenerateStream(context.Background(), GenerateRequest{Model: "llama3", Prompt: "prompt text"})
	require.NoError(t, err)

	msgs, err := collect(t, sr)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, contents(msgs))
}

func TestClientGenerateStreamStatusError(t *testing.T) {
	var hits atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'ghost' not found"}`)
	})

	_, err := client.GenerateStream(context.Background(), GenerateRequest{Model: "ghost"})

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Contains(t, statusErr.Error(), "API error: 404")
	assert.EqualValues(t, 1, hits.Load(), "status errors are not retried")
}

func TestClientStatusPassthrough(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "Ollama is running")
	})

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", status.ContentType)
	assert.Equal(t, "Ollama is running", string(status.Body))
}

func TestClientVersion(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/version", r.URL.Path)
		fmt.Fprint(w, `{"version":"0.5.7"}`)
	})

	v, err := client.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.5.7", v)
}

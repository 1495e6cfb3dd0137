package relay_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/joi-gateway/internal/config"
	"github.com/zhouzirui/joi-gateway/internal/metrics"
	"github.com/zhouzirui/joi-gateway/internal/model/chat"
	"github.com/zhouzirui/joi-gateway/internal/model/persona"
	"github.com/zhouzirui/joi-gateway/internal/service/ai"
	chatservice "github.com/zhouzirui/joi-gateway/internal/service/chat"
	"github.com/zhouzirui/joi-gateway/internal/service/ollama"
	"github.com/zhouzirui/joi-gateway/internal/service/relay"
)

type recordingSink struct {
	mu      sync.Mutex
	events  []string
	failAt  int
	sendErr error
}

func (s *recordingSink) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil && len(s.events) >= s.failAt {
		return s.sendErr
	}
	s.events = append(s.events, text)
	return nil
}

func (s *recordingSink) Done() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "[DONE]")
	return nil
}

func (s *recordingSink) Fail(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "[ERROR] "+message)
	return nil
}

func (s *recordingSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// scriptedResponder replays fixed chunks, optionally ending with an error.
type scriptedResponder struct {
	chunks []string
	tail   error

	mu   sync.Mutex
	seen [][]chat.Turn
}

func (r *scriptedResponder) StreamReply(_ context.Context, turns []chat.Turn) (*schema.StreamReader[*schema.Message], error) {
	r.mu.Lock()
	r.seen = append(r.seen, turns)
	r.mu.Unlock()
	sr, sw := schema.Pipe[*schema.Message](len(r.chunks) + 1)
	go func() {
		defer sw.Close()
		for _, c := range r.chunks {
			if closed := sw.Send(schema.AssistantMessage(c, nil), nil); closed {
				return
			}
		}
		if r.tail != nil {
			sw.Send(nil, r.tail)
		}
	}()
	return sr, nil
}

func newOllamaResponder(t *testing.T, url string, attempts int) relay.Responder {
	t.Helper()
	retry := ollama.NewRetryClient(ollama.RetryOptions{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Timeout:     200 * time.Millisecond,
	})
	t.Cleanup(retry.Close)

	prompts, err := ai.NewPromptBuilder(persona.NewMemoryStore(persona.Seed()), "joi", "")
	require.NoError(t, err)
	return ai.NewService(ollama.NewClient(url, retry, nil), prompts, config.BackendConfig{Model: "test-model"})
}

func TestRunForwardsChunksAndCommitsReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, line := range []string{`{"response":"A"}`, `{"response":"B"}`, `{not json`, `{"response":"C"}`, `{"done":true,"eval_count":3}`} {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	store := chatservice.NewService(10, time.Hour)
	collector := metrics.NewCollector()
	rl := relay.New(store, newOllamaResponder(t, srv.URL, 3), collector, nil)
	sink := &recordingSink{}

	res, err := rl.Run(context.Background(), "s1", "hi", sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C", "[DONE]"}, sink.Events())
	assert.Equal(t, relay.StateDone, res.State)
	assert.Equal(t, "ABC", res.Reply)
	assert.NotEmpty(t, res.RequestID)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 3, res.Usage.CompletionTokens)

	sess := store.GetOrCreate(context.Background(), "s1")
	assert.Equal(t, []chat.Turn{chat.UserTurn("hi"), chat.AssistantTurn("ABC")}, sess.Turns)
	assert.EqualValues(t, 3, collector.Snapshot().ChunksForwarded)
}

func TestRunBackendUnreachableEmitsSingleError(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	url := down.URL
	down.Close()

	store := chatservice.NewService(10, time.Hour)
	collector := metrics.NewCollector()
	rl := relay.New(store, newOllamaResponder(t, url, 2), collector, nil)
	sink := &recordingSink{}

	res, err := rl.Run(context.Background(), "s1", "hi", sink)
	require.ErrorIs(t, err, ollama.ErrRetriesExhausted)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Contains(t, events[0], "[ERROR] ")
	assert.Equal(t, relay.StateErrored, res.State)
	assert.Zero(t, store.Len(), "no turn is kept for a failed request")
	assert.EqualValues(t, 1, collector.Snapshot().FailedRequests)
}

func TestRunNon2xxIsHardFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	store := chatservice.NewService(10, time.Hour)
	rl := relay.New(store, newOllamaResponder(t, srv.URL, 3), nil, nil)
	sink := &recordingSink{}

	_, err := rl.Run(context.Background(), "", "hi", sink)

	var statusErr *ollama.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, []string{"[ERROR] " + err.Error()}, sink.Events())
}

func TestRunMidStreamErrorDiscardsPartialReply(t *testing.T) {
	store := chatservice.NewService(10, time.Hour)
	responder := &scriptedResponder{chunks: []string{"par", "tial"}, tail: errors.New("connection reset")}
	rl := relay.New(store, responder, nil, nil)
	sink := &recordingSink{}

	res, err := rl.Run(context.Background(), "s1", "hi", sink)
	require.Error(t, err)

	assert.Equal(t, []string{"par", "tial", "[ERROR] connection reset"}, sink.Events())
	assert.Equal(t, relay.StateErrored, res.State)
	assert.Empty(t, res.Reply)
	assert.Empty(t, store.GetOrCreate(context.Background(), "s1").Turns)
}

func TestRunClientGoneSkipsCommit(t *testing.T) {
	store := chatservice.NewService(10, time.Hour)
	responder := &scriptedResponder{chunks: []string{"a", "b", "c"}}
	rl := relay.New(store, responder, nil, nil)
	sink := &recordingSink{failAt: 1, sendErr: errors.New("broken pipe")}

	res, err := rl.Run(context.Background(), "s1", "hi", sink)
	require.ErrorIs(t, err, relay.ErrClientGone)

	assert.Equal(t, relay.StateCancelled, res.State)
	assert.Equal(t, []string{"a"}, sink.Events())
	assert.Empty(t, store.GetOrCreate(context.Background(), "s1").Turns)
}

func TestRunCancelledContextSendsNoErrorEvent(t *testing.T) {
	store := chatservice.NewService(10, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	rl := relay.New(store, cancellingResponder(cancel), nil, nil)
	sink := &recordingSink{}

	res, err := rl.Run(ctx, "s1", "hi", sink)
	require.ErrorIs(t, err, relay.ErrClientGone)
	assert.Equal(t, relay.StateCancelled, res.State)
	assert.Empty(t, sink.Events())
	assert.Empty(t, store.GetOrCreate(context.Background(), "s1").Turns)
}

// cancellingResponder simulates the client leaving while the backend is dialed.
type cancellingResponder context.CancelFunc

func (c cancellingResponder) StreamReply(ctx context.Context, _ []chat.Turn) (*schema.StreamReader[*schema.Message], error) {
	c()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunBuildsPromptFromHistory(t *testing.T) {
	store := chatservice.NewService(10, time.Hour)
	responder := &scriptedResponder{chunks: []string{"hello"}}
	rl := relay.New(store, responder, nil, nil)

	_, err := rl.Run(context.Background(), "s1", "first", &recordingSink{})
	require.NoError(t, err)
	_, err = rl.Run(context.Background(), "s1", "second", &recordingSink{})
	require.NoError(t, err)

	require.Len(t, responder.seen, 2)
	assert.Equal(t, []chat.Turn{
		chat.UserTurn("first"),
		chat.AssistantTurn("hello"),
		chat.UserTurn("second"),
	}, responder.seen[1])
}

func TestRunKeepsSessionsIsolated(t *testing.T) {
	store := chatservice.NewService(10, time.Hour)
	rl := relay.New(store, &scriptedResponder{chunks: []string{"ok"}}, nil, nil)

	var wg sync.WaitGroup
	for _, id := range []string{"alpha", "beta", "gamma"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := rl.Run(context.Background(), id, "msg-"+id, &recordingSink{})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"alpha", "beta", "gamma"} {
		sess := store.GetOrCreate(context.Background(), id)
		assert.Equal(t, []chat.Turn{chat.UserTurn("msg-" + id), chat.AssistantTurn("ok")}, sess.Turns)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_backend", relay.StateAwaitingBackend.String())
	assert.Equal(t, "cancelled", relay.StateCancelled.String())
}

// Package relay drives one chat request from the session store through the
// backend stream to a client sink.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/zhouzirui/joi-gateway/internal/logging"
	"github.com/zhouzirui/joi-gateway/internal/metrics"
	"github.com/zhouzirui/joi-gateway/internal/model/chat"
	chatservice "github.com/zhouzirui/joi-gateway/internal/service/chat"
)

// ErrClientGone is returned when the sink stops accepting events.
var ErrClientGone = errors.New("client disconnected")

// Responder opens a streamed reply for a conversation window.
type Responder interface {
	StreamReply(ctx context.Context, turns []chat.Turn) (*schema.StreamReader[*schema.Message], error)
}

// Sink receives the events of one request. Exactly one of Done or Fail ends it.
type Sink interface {
	Send(text string) error
	Done() error
	Fail(message string) error
}

// State is the lifecycle position of a request.
type State int

const (
	StateIdle State = iota
	StateAwaitingBackend
	StateStreaming
	StateDone
	StateErrored
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingBackend:
		return "awaiting_backend"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result summarizes a finished request.
type Result struct {
	RequestID string
	SessionID string
	State     State
	Reply     string
	Timing    *metrics.Timing
	Usage     *schema.TokenUsage
}

// Relay forwards backend chunks to a sink and commits completed replies.
type Relay struct {
	store     chatservice.Store
	responder Responder
	metrics   *metrics.Collector
	logger    *log.Logger
}

// New creates a Relay. A nil collector disables metrics.
func New(store chatservice.Store, responder Responder, collector *metrics.Collector, logger *log.Logger) *Relay {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Relay{
		store:     store,
		responder: responder,
		metrics:   collector,
		logger:    logger,
	}
}

// Run handles one message. The request id is taken from ctx (chi's RequestID
// middleware) or generated. The returned error is nil on Done, the backend or
// stream error on Errored, and ErrClientGone on Cancelled.
func (r *Relay) Run(ctx context.Context, sessionID, message string, sink Sink) (Result, error) {
	if sessionID == "" {
		sessionID = chat.DefaultSessionID
	}
	reqID := middleware.GetReqID(ctx)
	if reqID == "" {
		reqID = uuid.NewString()
	}

	res := Result{
		RequestID: reqID,
		SessionID: sessionID,
		State:     StateIdle,
		Timing:    metrics.StartTiming(),
	}
	logger := r.logger.With("request_id", reqID, "session", sessionID)

	if r.metrics != nil {
		done := r.metrics.RequestStart()
		defer done()
	}

	release, err := r.store.Acquire(ctx, sessionID)
	if err != nil {
		return r.cancel(&res, logger, err, false)
	}
	defer release()

	sess, err := r.store.AppendUserTurn(ctx, sessionID, message)
	if err != nil {
		return r.fail(ctx, &res, sink, logger, err, false)
	}

	res.State = StateAwaitingBackend
	stream, err := r.responder.StreamReply(ctx, sess.Turns)
	if err != nil {
		return r.fail(ctx, &res, sink, logger, err, true)
	}
	defer stream.Close()

	res.Timing.MarkBackend()
	res.State = StateStreaming

	var reply strings.Builder
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return r.fail(ctx, &res, sink, logger, err, true)
		}

		if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
			res.Usage = msg.ResponseMeta.Usage
		}
		if msg.Content == "" {
			continue
		}

		reply.WriteString(msg.Content)
		res.Timing.MarkChunk()
		if err := sink.Send(msg.Content); err != nil {
			return r.cancel(&res, logger, err, true)
		}
	}

	res.Reply = reply.String()
	if _, err := r.store.AppendAssistantTurn(ctx, sessionID, res.Reply); err != nil {
		return r.fail(ctx, &res, sink, logger, err, true)
	}
	res.State = StateDone
	res.Timing.Finish()

	if err := sink.Done(); err != nil {
		logger.Warn("write done event", "err", err)
	}
	if r.metrics != nil {
		r.metrics.RecordStream(res.Timing)
	}

	fields := []any{"elapsed", res.Timing.Elapsed(), "chunks", res.Timing.Chunks, "ttft", res.Timing.TTFT()}
	if res.Usage != nil {
		fields = append(fields, "eval_count", res.Usage.CompletionTokens)
	}
	logger.Info("chat completed", fields...)
	return res, nil
}

// fail withdraws the pending user turn and ends the stream with an error
// event. A cancelled request context means the client left, so nothing is sent.
func (r *Relay) fail(ctx context.Context, res *Result, sink Sink, logger *log.Logger, cause error, withdraw bool) (Result, error) {
	if withdraw {
		if err := r.store.DiscardUserTurn(context.WithoutCancel(ctx), res.SessionID); err != nil && !errors.Is(err, chatservice.ErrSessionNotFound) {
			logger.Warn("withdraw user turn", "err", err)
		}
	}
	res.Timing.Finish()

	if ctx.Err() != nil {
		return r.cancel(res, logger, ctx.Err(), false)
	}

	res.State = StateErrored
	if r.metrics != nil {
		r.metrics.RecordFailure()
	}
	logger.Error("chat failed", "err", cause, "elapsed", res.Timing.Elapsed())
	if err := sink.Fail(cause.Error()); err != nil {
		logger.Warn("write error event", "err", err)
	}
	return *res, cause
}

func (r *Relay) cancel(res *Result, logger *log.Logger, cause error, withdraw bool) (Result, error) {
	if withdraw {
		if err := r.store.DiscardUserTurn(context.Background(), res.SessionID); err != nil && !errors.Is(err, chatservice.ErrSessionNotFound) {
			logger.Warn("withdraw user turn", "err", err)
		}
	}
	res.State = StateCancelled
	res.Timing.Finish()
	logger.Info("client gone", "err", cause, "elapsed", res.Timing.Elapsed())
	return *res, fmt.Errorf("%w: %w", ErrClientGone, cause)
}

package ollama

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/zhouzirui/joi-gateway/internal/logging"
)

// maxBackoff bounds a single retry wait.
const maxBackoff = time.Hour

var (
	ErrAttemptTimeout   = errors.New("attempt timed out")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Request describes one logical call to the backend. Body is replayed on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Timeout bounds each attempt up to the response headers. Zero uses the client default.
	Timeout time.Duration
	// MaxAttempts overrides the client default when positive.
	MaxAttempts int
}

// RetryOptions configures a RetryClient.
type RetryOptions struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	Timeout        time.Duration
	MaxConnections int
	Logger         *log.Logger
}

// RetryClient issues HTTP requests with exponential backoff over a shared,
// connection-reusing transport.
type RetryClient struct {
	httpClient *http.Client
	transport  *http.Transport
	opts       RetryOptions
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *log.Logger
}

// NewRetryClient builds a client with a bounded keep-alive pool.
func NewRetryClient(opts RetryOptions) *RetryClient {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.MaxConnections < 1 {
		opts.MaxConnections = 50
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        opts.MaxConnections,
		MaxIdleConnsPerHost: opts.MaxConnections,
		MaxConnsPerHost:     opts.MaxConnections,
		IdleConnTimeout:     90 * time.Second,
	}

	return &RetryClient{
		// No client-wide timeout: streamed bodies can legitimately run for minutes.
		httpClient: &http.Client{Transport: transport},
		transport:  transport,
		opts:       opts,
		sleep:      sleepContext,
		logger:     logger,
	}
}

// Backoff returns the wait before the given zero-based attempt: base * 2^attempt,
// none for the first, saturating at maxBackoff.
func (c *RetryClient) Backoff(attempt int) time.Duration {
	if attempt <= 0 || c.opts.BaseDelay <= 0 {
		return 0
	}
	d := c.opts.BaseDelay
	for i := 0; i < attempt; i++ {
		if d > maxBackoff/2 {
			return maxBackoff
		}
		d *= 2
	}
	return d
}

// Send runs the request until one attempt completes without a transport or
// timeout fault. Any HTTP status counts as completion; the caller judges it.
func (c *RetryClient) Send(ctx context.Context, req Request) (*http.Response, error) {
	attempts := c.opts.MaxAttempts
	if req.MaxAttempts > 0 {
		attempts = req.MaxAttempts
	}
	timeout := c.opts.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := c.sleep(ctx, c.Backoff(i)); err != nil {
				return nil, err
			}
		}

		resp, err := c.attempt(ctx, req, timeout)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		c.logger.Warn("backend attempt failed", "attempt", fmt.Sprintf("%d/%d", i+1, attempts), "url", req.URL, "err", err)
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

func (c *RetryClient) attempt(ctx context.Context, req Request, timeout time.Duration) (*http.Response, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(timeout, func() { cancel(ErrAttemptTimeout) })

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		timer.Stop()
		cancel(nil)
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	stopped := timer.Stop()
	if err != nil {
		cause := context.Cause(attemptCtx)
		cancel(nil)
		if errors.Is(cause, ErrAttemptTimeout) {
			return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
		}
		return nil, err
	}
	if !stopped {
		// The deadline fired while headers were being handed back.
		resp.Body.Close()
		cancel(nil)
		return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: func() { cancel(nil) }}
	return resp, nil
}

// Close releases idle pooled connections.
func (c *RetryClient) Close() {
	c.transport.CloseIdleConnections()
}

// cancelOnClose ties the attempt context to the body lifetime.
type cancelOnClose struct {
	io.ReadCloser
	cancel func()
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

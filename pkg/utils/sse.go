package utils

import (
	"errors"
	"io"
	"net/http"
	"strings"
)

// ErrStreamingUnsupported 表示ResponseWriter不支持Flush
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// SSE terminal markers.
const (
	SSEDone        = "[DONE]"
	SSEErrorPrefix = "[ERROR] "
)

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// SSEWriter 写出纯文本SSE事件并立即flush
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter 设置响应头并返回SSEWriter
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteData 发送一个事件; 多行文本拆成多条data行
func (s *SSEWriter) WriteData(text string) error {
	if err := WriteSSEData(s.w, text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Send forwards one text chunk.
func (s *SSEWriter) Send(text string) error {
	return s.WriteData(text)
}

// Done writes the success terminal event.
func (s *SSEWriter) Done() error {
	return s.WriteData(SSEDone)
}

// Fail writes the error terminal event.
func (s *SSEWriter) Fail(message string) error {
	return s.WriteData(SSEErrorPrefix + message)
}

// WriteSSEData frames text as a single SSE event. Clients rejoin the data
// lines with "\n", so embedded newlines survive the round trip.
func WriteSSEData(w io.Writer, text string) error {
	var sb strings.Builder
	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

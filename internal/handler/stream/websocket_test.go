package stream

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"

	"github.com/zhouzirui/joi-gateway/internal/service/relay"
)

type brokenSink struct {
	fails int
}

func (s *brokenSink) Send(string) error {
	return errors.New("broken pipe")
}

func (s *brokenSink) Done() error {
	return errors.New("broken pipe")
}

func (s *brokenSink) Fail(string) error {
	s.fails++
	return errors.New("broken pipe")
}

type countingRelay struct {
	runs int
}

func (r *countingRelay) Run(context.Context, string, string, relay.Sink) (relay.Result, error) {
	r.runs++
	return relay.Result{}, nil
}

func TestServeFramesStopsWhenErrorFrameCannotBeWritten(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel})
	rl := &countingRelay{}
	h := New(rl, logger)

	inbound := make(chan []byte, 2)
	inbound <- []byte(`not json`)
	inbound <- []byte(`{"message":"hi"}`)
	close(inbound)

	sink := &brokenSink{}
	h.serveFrames(context.Background(), "c1", inbound, sink, logger)

	assert.Equal(t, 1, sink.fails)
	assert.Zero(t, rl.runs, "frames after a failed write are not served")
	assert.Contains(t, buf.String(), "write error frame")
	assert.Contains(t, buf.String(), "broken pipe")
}

func TestServeFramesRejectsEmptyMessage(t *testing.T) {
	rl := &countingRelay{}
	h := New(rl, nil)

	inbound := make(chan []byte, 2)
	inbound <- []byte(`{"message":"  "}`)
	inbound <- []byte(`{"message":"hi"}`)
	close(inbound)

	sink := &recordingFrames{}
	h.serveFrames(context.Background(), "c1", inbound, sink, h.logger)

	assert.Equal(t, []string{"[ERROR] message is required"}, sink.frames)
	assert.Equal(t, 1, rl.runs)
}

type recordingFrames struct {
	frames []string
}

func (s *recordingFrames) Send(text string) error {
	s.frames = append(s.frames, text)
	return nil
}

func (s *recordingFrames) Done() error {
	s.frames = append(s.frames, "[DONE]")
	return nil
}

func (s *recordingFrames) Fail(msg string) error {
	s.frames = append(s.frames, "[ERROR] "+msg)
	return nil
}

package ollama

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/cloudwego/eino/schema"
)

const (
	streamBuffer  = 16
	maxLoggedLine = 200
)

// decodeStream turns an NDJSON body into assistant message chunks.
// Lines are buffered across reads, so an object split between network
// chunks is parsed once complete. Malformed lines are logged and skipped.
func decodeStream(body io.ReadCloser, sw *schema.StreamWriter[*schema.Message], logger *log.Logger) {
	defer sw.Close()
	defer body.Close()

	reader := bufio.NewReader(body)
	for {
		line, readErr := reader.ReadBytes('\n')

		msg, err := decodeLine(line, logger)
		if err != nil {
			sw.Send(nil, err)
			return
		}
		if msg != nil {
			if closed := sw.Send(msg, nil); closed {
				// Reader went away; closing the body aborts the backend call.
				return
			}
		}

		if errors.Is(readErr, io.EOF) {
			return
		}
		if readErr != nil {
			sw.Send(nil, fmt.Errorf("read stream: %w", readErr))
			return
		}
	}
}

// decodeLine returns nil, nil for lines that carry nothing to forward.
// An error is returned only when the backend reports one in-band.
func decodeLine(line []byte, logger *log.Logger) (*schema.Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}

	var chunk GenerateChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		logger.Warn("skipping malformed stream line", "err", err, "line", truncate(line))
		return nil, nil
	}
	if chunk.Error != "" {
		return nil, fmt.Errorf("ollama: %s", chunk.Error)
	}

	if chunk.Done {
		msg := schema.AssistantMessage(chunk.Response, nil)
		msg.ResponseMeta = &schema.ResponseMeta{
			FinishReason: chunk.DoneReason,
			Usage: &schema.TokenUsage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			},
		}
		return msg, nil
	}
	if chunk.Response == "" {
		return nil, nil
	}
	return schema.AssistantMessage(chunk.Response, nil), nil
}

func truncate(line []byte) string {
	if len(line) <= maxLoggedLine {
		return string(line)
	}
	return string(line[:maxLoggedLine]) + "..."
}

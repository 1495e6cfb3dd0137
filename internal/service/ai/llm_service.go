package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/joi-gateway/internal/config"
	"github.com/zhouzirui/joi-gateway/internal/model/chat"
	"github.com/zhouzirui/joi-gateway/internal/service/ollama"
)

// Generator is the backend call the service streams from.
type Generator interface {
	GenerateStream(ctx context.Context, req ollama.GenerateRequest) (*schema.StreamReader[*schema.Message], error)
}

// Service turns a conversation window into a streamed model reply.
type Service struct {
	backend   Generator
	prompts   *PromptBuilder
	model     string
	keepAlive string
}

// NewService creates a new reply service.
func NewService(backend Generator, prompts *PromptBuilder, cfg config.BackendConfig) *Service {
	return &Service{
		backend:   backend,
		prompts:   prompts,
		model:     cfg.Model,
		keepAlive: cfg.KeepAlive,
	}
}

// Model reports the backend model name.
func (s *Service) Model() string {
	return s.model
}

// StreamReply renders the prompt for turns and opens a generate stream.
func (s *Service) StreamReply(ctx context.Context, turns []chat.Turn) (*schema.StreamReader[*schema.Message], error) {
	stream, err := s.backend.GenerateStream(ctx, ollama.GenerateRequest{
		Model:     s.model,
		Prompt:    s.prompts.Build(turns),
		Stream:    true,
		KeepAlive: s.keepAlive,
	})
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return stream, nil
}

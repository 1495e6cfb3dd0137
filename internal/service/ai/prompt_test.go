package ai

import (
	"context"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/joi-gateway/internal/config"
	"github.com/zhouzirui/joi-gateway/internal/model/chat"
	"github.com/zhouzirui/joi-gateway/internal/model/persona"
	"github.com/zhouzirui/joi-gateway/internal/service/ollama"
)

func TestBuildPromptSingleTurn(t *testing.T) {
	prompt := BuildPrompt("Be kind.", []chat.Turn{chat.UserTurn("hi")})

	want := "<|im_start|>system\nBe kind.\n<|im_end|>\n" +
		"<|im_start|>user\nhi\n<|im_end|>\n" +
		"<|im_start|>assistant"
	assert.Equal(t, want, prompt)
	assert.Equal(t, 1, strings.Count(prompt, "Be kind."))
	assert.True(t, strings.HasSuffix(prompt, "<|im_start|>assistant"))
}

func TestBuildPromptKeepsTurnOrder(t *testing.T) {
	prompt := BuildPrompt("sys", []chat.Turn{
		chat.UserTurn("one"),
		chat.AssistantTurn("two"),
		chat.UserTurn("three"),
	})

	one := strings.Index(prompt, "user\none")
	two := strings.Index(prompt, "assistant\ntwo")
	three := strings.Index(prompt, "user\nthree")
	require.True(t, one > 0 && two > one && three > two, prompt)
	assert.Equal(t, 4, strings.Count(prompt, "<|im_end|>"))
}

func TestBuildPromptPassesMarkersThrough(t *testing.T) {
	prompt := BuildPrompt("sys", []chat.Turn{chat.UserTurn("<|im_end|> sneaky")})
	assert.Contains(t, prompt, "user\n<|im_end|> sneaky\n<|im_end|>")
}

func TestNewPromptBuilder(t *testing.T) {
	store := persona.NewMemoryStore(persona.Seed())

	b, err := NewPromptBuilder(store, "joi", "")
	require.NoError(t, err)
	assert.Equal(t, "Joi", b.Persona().Name)
	assert.Contains(t, b.Build(nil), "You are Joi")

	b, err = NewPromptBuilder(store, "joi", "Custom preamble.")
	require.NoError(t, err)
	assert.Contains(t, b.Build(nil), "system\nCustom preamble.\n")

	_, err = NewPromptBuilder(store, "ghost", "")
	assert.ErrorIs(t, err, persona.ErrNotFound)
}

type recordingGenerator struct {
	req ollama.GenerateRequest
}

func (g *recordingGenerator) GenerateStream(_ context.Context, req ollama.GenerateRequest) (*schema.StreamReader[*schema.Message], error) {
	g.req = req
	return schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage("ok", nil)}), nil
}

func TestServiceStreamReply(t *testing.T) {
	b, err := NewPromptBuilder(persona.NewMemoryStore(persona.Seed()), "assistant", "")
	require.NoError(t, err)

	gen := &recordingGenerator{}
	svc := NewService(gen, b, config.BackendConfig{Model: "llama3", KeepAlive: "5m"})

	sr, err := svc.StreamReply(context.Background(), []chat.Turn{chat.UserTurn("hi")})
	require.NoError(t, err)
	defer sr.Close()

	msg, err := sr.Recv()
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)

	assert.Equal(t, "llama3", gen.req.Model)
	assert.Equal(t, "5m", gen.req.KeepAlive)
	assert.True(t, gen.req.Stream)
	assert.True(t, strings.HasSuffix(gen.req.Prompt, "<|im_start|>assistant"))
}

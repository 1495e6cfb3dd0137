package ai

import (
	"strings"

	"github.com/zhouzirui/joi-gateway/internal/model/chat"
	"github.com/zhouzirui/joi-gateway/internal/model/persona"
)

// ChatML markers expected by the backend's chat template.
const (
	turnStart = "<|im_start|>"
	turnEnd   = "<|im_end|>"
)

// PromptBuilder renders a conversation window into a single completion prompt.
type PromptBuilder struct {
	persona  persona.Persona
	preamble string
}

// NewPromptBuilder resolves the system preamble from the persona store.
// A non-empty override replaces the persona's own preamble.
func NewPromptBuilder(personas persona.Store, personaID, override string) (*PromptBuilder, error) {
	p, err := persona.Resolve(personas, personaID)
	if err != nil {
		return nil, err
	}

	preamble := p.Preamble
	if override != "" {
		preamble = override
	}
	return &PromptBuilder{persona: p, preamble: preamble}, nil
}

// Persona returns the persona the builder speaks as.
func (b *PromptBuilder) Persona() persona.Persona {
	return b.persona
}

// Build renders the preamble and turns. User text is passed through verbatim.
func (b *PromptBuilder) Build(turns []chat.Turn) string {
	return BuildPrompt(b.preamble, turns)
}

// BuildPrompt emits a system block, one block per turn, then an open assistant
// block with no closing tag so the backend continues from there.
func BuildPrompt(preamble string, turns []chat.Turn) string {
	var sb strings.Builder
	writeBlock(&sb, "system", preamble)
	for _, turn := range turns {
		sb.WriteString("\n")
		writeBlock(&sb, string(turn.Role), turn.Content)
	}
	sb.WriteString("\n")
	sb.WriteString(turnStart)
	sb.WriteString(string(chat.RoleAssistant))
	return sb.String()
}

func writeBlock(sb *strings.Builder, role, content string) {
	sb.WriteString(turnStart)
	sb.WriteString(role)
	sb.WriteString("\n")
	sb.WriteString(content)
	sb.WriteString("\n")
	sb.WriteString(turnEnd)
}

package agent

import (
	"fmt"
	"log/slog"
	"strings"

	"docqa/chunker"
	"docqa/types"
)

// InsufficientInformation is the fixed reply when the documents cannot answer
// the question.
const InsufficientInformation = "I don't have enough information in the provided documents to answer this question."

const SystemPolicy = `You are a document assistant. Answer the user's question using only the document excerpts provided below.

Rules:
- If the excerpts do not contain the information needed, reply exactly: "` + InsufficientInformation + `"
- Cite the source of every statement in the form [Document N, Page P], using the document number and page shown above each excerpt.
- When several documents support the answer, cite all of them.
- Never use outside knowledge and never cite a document that is not listed.
- Be concise. Do not add introductions like "Of course!" or "Here's the answer:".`

const noDocumentsFound = "No relevant documents were found for this question."

type PromptConfig struct {
	// MaxHistoryTurns keeps only the most recent history messages. Zero drops history.
	MaxHistoryTurns int `json:"max_history_turns" yaml:"max_history_turns" validate:"min=0,max=50"`
	// MaxContextTokens bounds the rendered excerpts. Zero means no bound.
	MaxContextTokens int `json:"max_context_tokens" yaml:"max_context_tokens" validate:"min=0"`
}

// Prompt is the message list sent to the generator together with the
// passages it actually contains.
type Prompt struct {
	Messages []types.Message
	Passages []types.Passage
}

type Assembler struct {
	cfg    PromptConfig
	tok    chunker.Tokenizer
	logger *slog.Logger
}

// NewAssembler returns an assembler. tok is used for the context budget and
// may be nil when MaxContextTokens is zero.
func NewAssembler(cfg PromptConfig, tok chunker.Tokenizer) *Assembler {
	return &Assembler{cfg: cfg, tok: tok, logger: slog.Default()}
}

// Assemble builds the system policy, the recent history and the final user
// message holding the excerpts in rank order followed by the question.
func (a *Assembler) Assemble(query string, passages []types.Passage, history []types.Message) Prompt {
	messages := []types.Message{{Role: types.RoleSystem, Content: SystemPolicy}}
	messages = append(messages, a.recentHistory(history)...)

	included := a.fitPassages(passages)

	var sb strings.Builder
	if len(included) == 0 {
		sb.WriteString(noDocumentsFound)
		sb.WriteString("\n\n")
	} else {
		sb.WriteString("Document excerpts:\n\n")
		for _, p := range included {
			sb.WriteString(renderPassage(p))
			sb.WriteString("\n\n")
		}
	}
	sb.WriteString("Question: ")
	sb.WriteString(strings.TrimSpace(query))

	messages = append(messages, types.Message{Role: types.RoleUser, Content: sb.String()})

	if a.tok != nil {
		total := 0
		for _, m := range messages {
			total += chunker.CountTokens(a.tok, m.Content)
		}
		a.logger.Debug("[PROMPT] assembled", "messages", len(messages), "passages", len(included), "tokens", total)
	}

	return Prompt{Messages: messages, Passages: included}
}

func renderPassage(p types.Passage) string {
	return fmt.Sprintf("[Document %d] Title: %s, Page: %d\n%s", p.Ordinal, p.Chunk.Meta.Title, p.Chunk.Page, strings.TrimSpace(p.Chunk.Content))
}

// recentHistory keeps the last MaxHistoryTurns user and assistant messages.
func (a *Assembler) recentHistory(history []types.Message) []types.Message {
	if a.cfg.MaxHistoryTurns <= 0 {
		return nil
	}
	kept := make([]types.Message, 0, len(history))
	for _, m := range history {
		if m.Role == types.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) > a.cfg.MaxHistoryTurns {
		kept = kept[len(kept)-a.cfg.MaxHistoryTurns:]
	}
	return kept
}

// fitPassages keeps the longest rank-order prefix of passages within the
// token budget. The best passage is always kept.
func (a *Assembler) fitPassages(passages []types.Passage) []types.Passage {
	if a.cfg.MaxContextTokens <= 0 || a.tok == nil || len(passages) == 0 {
		return passages
	}
	used := 0
	for i, p := range passages {
		used += chunker.CountTokens(a.tok, renderPassage(p))
		if used > a.cfg.MaxContextTokens && i > 0 {
			a.logger.Info("[PROMPT] context budget reached", "kept", i, "dropped", len(passages)-i, "budget", a.cfg.MaxContextTokens)
			return passages[:i]
		}
	}
	return passages
}

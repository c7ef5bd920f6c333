// ABOUTME: Token counting with tiktoken and a character heuristic when encodings are unavailable
// ABOUTME: Used to trim conversation history to the configured token budget

package llm

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/2389/coven-crew/internal/agent"
)

// perMessageOverhead approximates the chat framing tokens of one message.
const perMessageOverhead = 4

// Tokenizer counts tokens for a model's encoding.
type Tokenizer struct {
	mu       sync.Mutex
	encoder  *tiktoken.Tiktoken
	encoding string
}

// NewTokenizer picks the encoding for model. When the BPE ranks cannot be
// loaded (offline hosts) it counts with a heuristic instead.
func NewTokenizer(model string) *Tokenizer {
	t := &Tokenizer{encoding: encodingFor(model)}
	if enc, err := tiktoken.GetEncoding(t.encoding); err == nil {
		t.encoder = enc
	}
	return t
}

// NewHeuristicTokenizer never loads an encoding.
func NewHeuristicTokenizer() *Tokenizer {
	return &Tokenizer{encoding: "heuristic"}
}

// Precise reports whether counts come from tiktoken.
func (t *Tokenizer) Precise() bool { return t.encoder != nil }

// Count returns the token count of text.
func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	if t.encoder == nil {
		return heuristicCount(text)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.encoder.Encode(text, nil, nil))
}

// CountTurn includes the per-message framing.
func (t *Tokenizer) CountTurn(turn agent.Turn) int {
	return perMessageOverhead + t.Count(string(turn.Role)) + t.Count(turn.Content)
}

// Fit returns the most recent suffix of history that fits in budget tokens.
// A budget of zero or less disables trimming.
func (t *Tokenizer) Fit(history []agent.Turn, budget int) []agent.Turn {
	if budget <= 0 {
		return history
	}
	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := t.CountTurn(history[i])
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	return history[start:]
}

// heuristicCount assumes about four characters per token for Latin text and
// counts CJK characters at one and a half.
func heuristicCount(text string) int {
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	n := (cjk*3)/2 + (other+3)/4
	if n < 1 {
		n = 1
	}
	return n
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}

func encodingFor(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "gpt-4.1"),
		strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return "o200k_base"
	default:
		return "cl100k_base"
	}
}

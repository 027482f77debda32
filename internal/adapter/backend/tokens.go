package backend

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"foreman/internal/domain"
)

// defaultEncoding works well enough across the open-weight models the
// runtime routes to; counts are budget estimates, not billing.
const defaultEncoding = "cl100k_base"

// TikTokenCounter implements domain.TokenCounter with a BPE tokenizer.
type TikTokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter loads the default encoding. The first call may fetch the
// vocabulary; it is cached afterwards.
func NewTokenCounter() (*TikTokenCounter, error) {
	enc, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("init tokenizer: %w", err)
	}
	return &TikTokenCounter{enc: enc}, nil
}

// NewTokenCounterForModel resolves the model's own encoding when tiktoken
// knows it, falling back to the default encoding for open-weight models it
// does not.
func NewTokenCounterForModel(model string) (*TikTokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return NewTokenCounter()
	}
	return &TikTokenCounter{enc: enc}, nil
}

// CountText implements domain.TokenCounter.
func (c *TikTokenCounter) CountText(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages implements domain.TokenCounter. Overheads follow the chat
// framing convention: a few tokens of scaffolding per message plus reply
// priming.
func (c *TikTokenCounter) CountMessages(msgs []domain.ChatMessage) int {
	const perMessageOverhead = 4
	total := 3
	for _, m := range msgs {
		total += perMessageOverhead
		total += c.CountText(m.Role)
		total += c.CountText(m.Content)
		for _, tc := range m.ToolCalls {
			total += c.CountText(tc.Name)
			total += c.CountText(string(tc.Arguments))
		}
	}
	return total
}

// HeuristicCounter approximates tokens as len/4 for environments where the
// tokenizer vocabulary cannot be loaded. It overestimates slightly on prose,
// which is the safe direction for budget checks.
type HeuristicCounter struct{}

// CountText implements domain.TokenCounter.
func (HeuristicCounter) CountText(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

// CountMessages implements domain.TokenCounter.
func (HeuristicCounter) CountMessages(msgs []domain.ChatMessage) int {
	const perMessageOverhead = 4
	total := 3
	for _, m := range msgs {
		total += perMessageOverhead
		total += HeuristicCounter{}.CountText(m.Role)
		total += HeuristicCounter{}.CountText(m.Content)
		for _, tc := range m.ToolCalls {
			total += HeuristicCounter{}.CountText(tc.Name)
			total += HeuristicCounter{}.CountText(string(tc.Arguments))
		}
	}
	return total
}

// Compile-time interface checks.
var (
	_ domain.TokenCounter = (*TikTokenCounter)(nil)
	_ domain.TokenCounter = HeuristicCounter{}
)

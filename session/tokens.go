package session

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"goa.design/orbit/model"
)

// messageOverheadTokens approximates the per-message framing cost providers
// charge on top of the content tokens.
const messageOverheadTokens = 3

// tokenCounter estimates prompt size with the model's tokenizer, falling back
// to cl100k_base for models tiktoken does not know.
type tokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

func newTokenCounter(modelName string) (*tokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	return &tokenCounter{enc: enc}, nil
}

func (c *tokenCounter) count(text string) int {
	if text == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

// countMessages estimates the token footprint of a message history including
// the system prompt.
func (c *tokenCounter) countMessages(system string, msgs []model.Message) int {
	total := c.count(system)
	for _, m := range msgs {
		total += c.count(m.Content) + messageOverheadTokens
		for _, tc := range m.ToolCalls {
			total += c.count(tc.Name)
		}
	}
	return total
}

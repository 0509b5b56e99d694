package ai

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens approximates the token count of text with cl100k_base.
// The served model's tokenizer differs; this is for logs only.
func EstimateTokens(text string) int {
	c, err := getCodec()
	if err != nil {
		return 0
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}

// EstimateRequestTokens sums the estimate over the prompt or every string
// content of the message list.
func EstimateRequestTokens(req *Request) int {
	if req == nil {
		return 0
	}
	if req.Mode == ModeCompletion {
		return EstimateTokens(req.Prompt)
	}
	n := 0
	for _, m := range req.Messages {
		switch c := m.Content.(type) {
		case string:
			n += EstimateTokens(c)
		case []ContentPart:
			for _, p := range c {
				n += EstimateTokens(p.Text)
			}
		}
		for _, tc := range m.ToolCalls {
			n += EstimateTokens(tc.Function.Arguments)
		}
	}
	return n
}

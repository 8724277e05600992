package retriever

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator reports the approximate token cost of a text.
type TokenEstimator interface {
	EstimateTokens(ctx context.Context, text string) int
}

type runeEstimator struct{}

func (runeEstimator) EstimateTokens(_ context.Context, text string) int {
	count := utf8.RuneCountInString(text)
	if count == 0 {
		return 0
	}
	return max(count/4, 1)
}

// TiktokenEstimator counts tokens with a BPE encoding such as cl100k_base.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator accepts an encoding name or a model name.
func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		enc, err = tiktoken.EncodingForModel(encoding)
		if err != nil {
			return nil, fmt.Errorf("retriever: unknown token encoding %q: %w", encoding, err)
		}
	}
	return &TiktokenEstimator{enc: enc}, nil
}

func (t *TiktokenEstimator) EstimateTokens(_ context.Context, text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

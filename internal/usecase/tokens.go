package usecase

import (
	"github.com/pkoukk/tiktoken-go"
)

// fallbackCharsPerToken is the heuristic divisor used when no tokenizer
// encoding is available: roughly four characters per token.
const fallbackCharsPerToken = 4

// TokenEstimator estimates token counts for streamed text. It prefers a
// real BPE encoding and falls back to the character heuristic when the
// encoding cannot be loaded (e.g. offline first run).
type TokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTokenEstimator creates an estimator backed by the cl100k_base
// encoding when available.
func NewTokenEstimator() *TokenEstimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &TokenEstimator{}
	}
	return &TokenEstimator{enc: enc}
}

// Estimate returns the estimated token count of text. Never negative;
// non-empty text always counts as at least one token.
func (e *TokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	n := (len(text) + fallbackCharsPerToken - 1) / fallbackCharsPerToken
	if n < 1 {
		n = 1
	}
	return n
}

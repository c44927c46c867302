// Package tokens estimates prompt sizes for quota reservation.
package tokens

import (
	"math"
	"strings"
	"unicode/utf8"
)

// DefaultModel is used when the caller does not name one.
const DefaultModel = "gpt-3.5-turbo"

// DefaultCharsPerToken applies to models missing from the ratio table.
const DefaultCharsPerToken = 4.0

// charsPerToken is keyed by model family; a model matches the longest
// family that prefixes its name, so "gpt-4-0613" uses "gpt-4".
var charsPerToken = map[string]float64{
	"gpt-4":         4.0,
	"gpt-3.5-turbo": 4.0,
	"claude-3":      3.5,
}

// Estimate returns the approximate token count of text for model: the
// rune count divided by the model's characters-per-token ratio, rounded up.
func Estimate(text, model string) int64 {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return int64(math.Ceil(float64(n) / CharsPerToken(model)))
}

// CharsPerToken returns the ratio used for model.
func CharsPerToken(model string) float64 {
	if ratio, ok := charsPerToken[model]; ok {
		return ratio
	}
	best, ratio := "", DefaultCharsPerToken
	for family, r := range charsPerToken {
		if strings.HasPrefix(model, family) && len(family) > len(best) {
			best, ratio = family, r
		}
	}
	return ratio
}

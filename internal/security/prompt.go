package security

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxPromptLength is the longest prompt accepted, in characters
const MaxPromptLength = 10000

var (
	ErrEmptyPrompt   = errors.New("prompt must not be empty")
	ErrPromptTooLong = errors.New("prompt exceeds 10000 characters")
	ErrInvalidUTF8   = errors.New("prompt must be valid UTF-8")
)

// ValidatePrompt strips NUL bytes and checks encoding and length
func ValidatePrompt(prompt string) (string, error) {
	prompt = strings.ReplaceAll(prompt, "\x00", "")
	if !utf8.ValidString(prompt) {
		return "", ErrInvalidUTF8
	}
	n := utf8.RuneCountInString(prompt)
	if n == 0 {
		return "", ErrEmptyPrompt
	}
	if n > MaxPromptLength {
		return "", ErrPromptTooLong
	}
	return prompt, nil
}

package llm

import (
	"errors"
	"fmt"
)

var (
	ErrNoChoices     = errors.New("LLM response had no choices")
	ErrEmptyResponse = errors.New("LLM response was empty")
)

type ErrUnsupportedProvider struct {
	Provider string
}

func (e ErrUnsupportedProvider) Error() string {
	return fmt.Sprintf("unsupported LLM provider: %s", e.Provider)
}

// StatusError is a non-2xx answer from a chat completions endpoint.
type StatusError struct {
	Status string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("LLM request failed: %s", e.Status)
	}
	return fmt.Sprintf("LLM request failed: %s: %s", e.Status, e.Body)
}

// Retryable reports whether a later attempt could succeed.
func (e *StatusError) Retryable() bool {
	return e.Code == 429 || e.Code >= 500
}

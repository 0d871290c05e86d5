// Package llm is the completion engine: one-shot and streamed text generation against the
// models listed in the catalog.
package llm

import (
	"context"
	"errors"
	"fmt"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior message of the conversation sent as context.
type Turn struct {
	Role    string
	Content string
}

type Request struct {
	// Model is the engine-qualified model name, e.g. "googleai/gemini-2.0-flash".
	Model   string
	System  string
	History []Turn
	Prompt  string
}

type Engine interface {
	GenerateOnce(ctx context.Context, req Request) (string, error)
	// StreamText calls onDelta for every text fragment in emission order and returns the
	// full text. The stream is always drained; an onDelta error stops it early and is
	// returned as is.
	StreamText(ctx context.Context, req Request, onDelta func(fragment string) error) (string, error)
}

// EngineError wraps provider failures and deadline expiry.
type EngineError struct {
	Model string
	Err   error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Model, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func IsEngineError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}

// IsTimeout reports whether the engine gave up because its deadline passed.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// Package llmtest provides a scripted completion engine for tests.
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/yungbote/threadline-backend/internal/platform/llm"
)

var ErrScripted = errors.New("scripted engine failure")

// Engine replays Fragments for every stream and returns Title from GenerateOnce.
// With FailAfter >= 0 the stream fails after that many fragments.
type Engine struct {
	Fragments []string
	FailAfter int
	Title     string
	TitleErr  error

	mu       sync.Mutex
	streams  []llm.Request
	oneShots []llm.Request
}

func New(fragments ...string) *Engine {
	return &Engine{Fragments: fragments, FailAfter: -1, Title: "Test Title"}
}

func (e *Engine) GenerateOnce(ctx context.Context, req llm.Request) (string, error) {
	e.mu.Lock()
	e.oneShots = append(e.oneShots, req)
	e.mu.Unlock()
	if e.TitleErr != nil {
		return "", &llm.EngineError{Model: req.Model, Err: e.TitleErr}
	}
	if err := ctx.Err(); err != nil {
		return "", &llm.EngineError{Model: req.Model, Err: err}
	}
	return e.Title, nil
}

func (e *Engine) StreamText(ctx context.Context, req llm.Request, onDelta func(string) error) (string, error) {
	e.mu.Lock()
	e.streams = append(e.streams, req)
	e.mu.Unlock()

	var full strings.Builder
	for i, f := range e.Fragments {
		if e.FailAfter >= 0 && i >= e.FailAfter {
			return full.String(), &llm.EngineError{Model: req.Model, Err: ErrScripted}
		}
		if err := ctx.Err(); err != nil {
			return full.String(), &llm.EngineError{Model: req.Model, Err: err}
		}
		if onDelta != nil {
			if err := onDelta(f); err != nil {
				return full.String(), err
			}
		}
		full.WriteString(f)
	}
	if e.FailAfter >= 0 && e.FailAfter >= len(e.Fragments) {
		return full.String(), &llm.EngineError{Model: req.Model, Err: ErrScripted}
	}
	return full.String(), nil
}

func (e *Engine) Streams() []llm.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]llm.Request(nil), e.streams...)
}

func (e *Engine) OneShots() []llm.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]llm.Request(nil), e.oneShots...)
}

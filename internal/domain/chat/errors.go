package chat

import "errors"

var (
	ErrUnauthenticated = errors.New("not authenticated")
	ErrThreadNotFound  = errors.New("thread not found")
	ErrThreadBusy      = errors.New("thread already has a reply in progress")
	ErrNotStreaming    = errors.New("message is not streaming")
	ErrUnknownModel    = errors.New("unknown model")
	ErrEmptyPrompt     = errors.New("prompt is empty")
	ErrInvalidStatus   = errors.New("invalid thread status")
	ErrInvalidCursor   = errors.New("invalid cursor")
	ErrEmptyTitle      = errors.New("title is empty")
)

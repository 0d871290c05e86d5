package chat

import (
	"fmt"
	"strings"
)

// ModelID selects one entry of the closed model table.
type ModelID string

const (
	ModelGemini   ModelID = "gemini"
	ModelDeepSeek ModelID = "deepseek"
)

// Models lists every supported model in display order.
func Models() []ModelID {
	return []ModelID{ModelGemini, ModelDeepSeek}
}

func ParseModelID(raw string) (ModelID, error) {
	id := ModelID(strings.ToLower(strings.TrimSpace(raw)))
	switch id {
	case ModelGemini, ModelDeepSeek:
		return id, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, raw)
	}
}

func (m ModelID) String() string { return string(m) }

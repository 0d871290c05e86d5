package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

const (
	ProviderGoogleAI   = "googleai"
	ProviderOpenRouter = "openrouter"

	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

type GenkitConfig struct {
	GeminiAPIKey      string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
}

type genkitEngine struct {
	g         *genkit.Genkit
	log       *logger.Logger
	providers map[string]bool
}

// NewGenkitEngine registers a plugin for every provider that has credentials. Requests
// for a provider without credentials fail with an EngineError.
func NewGenkitEngine(ctx context.Context, cfg GenkitConfig, log *logger.Logger) (Engine, error) {
	var plugins []genkit.GenkitOption
	providers := map[string]bool{}

	if key := strings.TrimSpace(cfg.GeminiAPIKey); key != "" {
		plugins = append(plugins, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: key}))
		providers[ProviderGoogleAI] = true
	}
	if key := strings.TrimSpace(cfg.OpenRouterAPIKey); key != "" {
		baseURL := strings.TrimSpace(cfg.OpenRouterBaseURL)
		if baseURL == "" {
			baseURL = DefaultOpenRouterBaseURL
		}
		plugins = append(plugins, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: ProviderOpenRouter,
			APIKey:   key,
			BaseURL:  baseURL,
		}))
		providers[ProviderOpenRouter] = true
	}
	if len(providers) == 0 {
		log.Warn("No completion provider configured; every generation will fail",
			"hint", "set GEMINI_API_KEY and/or OPENROUTER_API_KEY")
	}

	g := genkit.Init(ctx, plugins...)
	return &genkitEngine{g: g, log: log.With("component", "GenkitEngine"), providers: providers}, nil
}

func (e *genkitEngine) options(req Request) ([]ai.GenerateOption, error) {
	provider, _, _ := strings.Cut(req.Model, "/")
	if !e.providers[provider] {
		return nil, &EngineError{Model: req.Model, Err: fmt.Errorf("provider %q is not configured", provider)}
	}
	opts := []ai.GenerateOption{ai.WithModelName(req.Model)}
	if s := strings.TrimSpace(req.System); s != "" {
		// ai.WithSystem and ai.WithPrompt run their text through fmt.Sprintf.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(s, "%", "%%")))
	}
	if msgs := historyToMessages(req.History); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	opts = append(opts, ai.WithPrompt(strings.ReplaceAll(req.Prompt, "%", "%%")))
	return opts, nil
}

func (e *genkitEngine) GenerateOnce(ctx context.Context, req Request) (string, error) {
	opts, err := e.options(req)
	if err != nil {
		return "", err
	}
	resp, err := genkit.Generate(ctx, e.g, opts...)
	if err != nil {
		return "", &EngineError{Model: req.Model, Err: err}
	}
	return resp.Text(), nil
}

func (e *genkitEngine) StreamText(ctx context.Context, req Request, onDelta func(fragment string) error) (string, error) {
	opts, err := e.options(req)
	if err != nil {
		return "", err
	}

	var full strings.Builder
	var doneText string
	for v, err := range genkit.GenerateStream(ctx, e.g, opts...) {
		if err != nil {
			return full.String(), &EngineError{Model: req.Model, Err: err}
		}
		if v.Chunk != nil {
			for _, part := range v.Chunk.Content {
				if part.Kind != ai.PartText || part.Text == "" {
					continue
				}
				if onDelta != nil {
					if cbErr := onDelta(part.Text); cbErr != nil {
						return full.String(), cbErr
					}
				}
				full.WriteString(part.Text)
			}
		}
		if v.Done && v.Response != nil {
			doneText = v.Response.Text()
		}
	}
	if err := ctx.Err(); err != nil {
		return full.String(), &EngineError{Model: req.Model, Err: err}
	}

	// Some providers only deliver the final response.
	if full.Len() == 0 && doneText != "" {
		if onDelta != nil {
			if cbErr := onDelta(doneText); cbErr != nil {
				return "", cbErr
			}
		}
		return doneText, nil
	}
	return full.String(), nil
}

func historyToMessages(turns []Turn) []*ai.Message {
	var msgs []*ai.Message
	for _, t := range turns {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		var role ai.Role
		switch t.Role {
		case RoleUser:
			role = ai.RoleUser
		case RoleAssistant:
			role = ai.RoleModel
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(t.Content)},
		})
	}
	return msgs
}

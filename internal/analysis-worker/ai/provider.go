package ai

import (
	"strings"

	"webhook-analysis-service/internal/db"
)

// visionModels are the chat-completion models known to accept image parts.
// Models not listed here (and without a vision hint in the name) get their
// images dropped instead of failing the call.
var visionModels = map[string]bool{
	"gpt-4-vision-preview":       true,
	"gpt-4-turbo":                true,
	"gpt-4o":                     true,
	"gpt-4o-mini":                true,
	"claude-3-opus":              true,
	"claude-3-sonnet":            true,
	"claude-3-haiku":             true,
	"claude-3-5-sonnet":          true,
	"claude-3-5-sonnet-20241022": true,
}

// SupportsVision reports whether a model can take image inputs. Gemini
// models always can; chat-completion models are matched against the known
// list plus a name hint.
func SupportsVision(kind db.ProviderKind, modelName string) bool {
	if kind == db.ProviderGemini {
		return true
	}
	name := strings.ToLower(modelName)
	if visionModels[name] {
		return true
	}
	return strings.Contains(name, "vision") || strings.Contains(name, "visual")
}

// strategy builds provider-specific wire requests and parses the answers.
// Every supported provider kind maps to exactly one strategy.
type strategy interface {
	endpoint(cfg *db.AIModel) string
	buildBody(cfg *db.AIModel, req Request) map[string]any
	authorize(headers map[string]string, apiKey string)
	parse(body []byte) (*Response, error)
}

// strategies is the dispatch table keyed by provider kind. Everything that
// is not Gemini speaks the chat-completion dialect.
var strategies = map[db.ProviderKind]strategy{
	db.ProviderGemini:    geminiStrategy{},
	db.ProviderOpenAI:    chatCompletionStrategy{defaultBase: "https://api.openai.com/v1"},
	db.ProviderAnthropic: chatCompletionStrategy{},
	db.ProviderDeepSeek:  chatCompletionStrategy{defaultBase: "https://api.deepseek.com/v1"},
	db.ProviderGeneric:   chatCompletionStrategy{},
}

func strategyFor(kind db.ProviderKind) strategy {
	if s, ok := strategies[kind]; ok {
		return s
	}
	return strategies[db.ProviderGeneric]
}

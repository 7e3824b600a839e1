package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"webhook-analysis-service/internal/db"
)

// invokeTimeout bounds a single model call. Vision prompts with several
// attached images can take minutes.
const invokeTimeout = 5 * time.Minute

// Defaults applied when neither the task nor the model pins a value.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

// ImageData is one downloaded attachment ready for a multimodal prompt.
type ImageData struct {
	MIMEType string
	Data     []byte
}

// Request is a provider-independent model invocation.
type Request struct {
	Prompt      string
	Images      []ImageData
	Temperature float64
	MaxTokens   int
}

// Usage reports the token accounting a provider returned for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the provider-independent answer.
type Response struct {
	Text  string
	Usage Usage
}

// InvokeError is a fatal model-call failure: a transport error, a non-2xx
// status, or an error payload from the provider. Retrying the same request
// is not expected to help.
type InvokeError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("ai invoke (%s): status=%d: %s", e.Provider, e.StatusCode, e.Message)
}

// Client invokes one configured model binding. The provider kind stored on
// the binding picks the wire format.
type Client struct {
	model *db.AIModel
	http  *http.Client
}

func NewClient(model *db.AIModel) *Client {
	return &Client{model: model, http: &http.Client{}}
}

// EffectiveTemperature resolves the temperature for a call: task override,
// then model default, then the hard default.
func (c *Client) EffectiveTemperature(taskOverride *float64) float64 {
	if taskOverride != nil {
		return *taskOverride
	}
	if c.model.Temperature != nil {
		return *c.model.Temperature
	}
	return DefaultTemperature
}

// EffectiveMaxTokens resolves the output budget the same way.
func (c *Client) EffectiveMaxTokens(taskOverride *int) int {
	if taskOverride != nil {
		return *taskOverride
	}
	if c.model.MaxTokens != nil {
		return *c.model.MaxTokens
	}
	return DefaultMaxTokens
}

// Invoke sends the prompt (and any images the model can take) and returns
// the generated text with its token usage.
func (c *Client) Invoke(ctx context.Context, req Request) (*Response, error) {
	kind := c.model.Provider
	if kind == "" {
		kind = db.ResolveProviderKind(c.model.ModelType, c.model.ModelName)
	}
	if len(req.Images) > 0 && !SupportsVision(kind, c.model.ModelName) {
		// Text-only models just get the prompt.
		req.Images = nil
	}
	strat := strategyFor(kind)

	body, err := json.Marshal(strat.buildBody(c.model, req))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strat.endpoint(c.model), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"Content-Type": "application/json"}
	strat.authorize(headers, c.model.APIKey)
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &InvokeError{Provider: string(kind), Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &InvokeError{Provider: string(kind), StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &InvokeError{Provider: string(kind), StatusCode: resp.StatusCode, Message: errorDetail(respBody)}
	}
	out, err := strat.parse(respBody)
	if err != nil {
		return nil, &InvokeError{Provider: string(kind), StatusCode: resp.StatusCode, Message: err.Error()}
	}
	return out, nil
}

// errorDetail pulls a human-readable message out of a provider error body.
func errorDetail(body []byte) string {
	root := gjson.ParseBytes(body)
	for _, path := range []string{"error.message", "error", "message"} {
		if v := root.Get(path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	if len(body) > 512 {
		body = body[:512]
	}
	return string(body)
}

// geminiStrategy speaks the generateContent format with inline image data.
type geminiStrategy struct{}

func (geminiStrategy) endpoint(cfg *db.AIModel) string {
	base := cfg.APIEndpoint
	if base == "" {
		base = "https://generativelanguage.googleapis.com"
	}
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimSuffix(base, "/"), cfg.ModelName)
}

func (geminiStrategy) buildBody(cfg *db.AIModel, req Request) map[string]any {
	parts := []map[string]any{{"text": req.Prompt}}
	for _, img := range req.Images {
		parts = append(parts, map[string]any{
			"inline_data": map[string]any{
				"mime_type": img.MIMEType,
				"data":      base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}
	return map[string]any{
		"contents": []map[string]any{{"parts": parts}},
		"generationConfig": map[string]any{
			"temperature":     req.Temperature,
			"maxOutputTokens": req.MaxTokens,
			"topP":            0.95,
			"topK":            64,
		},
	}
}

func (geminiStrategy) authorize(headers map[string]string, apiKey string) {
	headers["x-goog-api-key"] = apiKey
}

func (geminiStrategy) parse(body []byte) (*Response, error) {
	root := gjson.ParseBytes(body)
	candidates := root.Get("candidates")
	if !candidates.Exists() || len(candidates.Array()) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}
	var sb strings.Builder
	candidates.Get("0.content.parts").ForEach(func(_, part gjson.Result) bool {
		sb.WriteString(part.Get("text").String())
		return true
	})
	usage := root.Get("usageMetadata")
	return &Response{
		Text: sb.String(),
		Usage: Usage{
			PromptTokens:     int(usage.Get("promptTokenCount").Int()),
			CompletionTokens: int(usage.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(usage.Get("totalTokenCount").Int()),
		},
	}, nil
}

// chatCompletionStrategy speaks the OpenAI-compatible chat format, with
// images carried as data-URI image_url parts.
type chatCompletionStrategy struct {
	defaultBase string
}

func (s chatCompletionStrategy) endpoint(cfg *db.AIModel) string {
	base := cfg.APIEndpoint
	if base == "" {
		base = s.defaultBase
	}
	base = strings.TrimSuffix(base, "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

func (chatCompletionStrategy) buildBody(cfg *db.AIModel, req Request) map[string]any {
	var content any = req.Prompt
	if len(req.Images) > 0 {
		parts := []map[string]any{{"type": "text", "text": req.Prompt}}
		for _, img := range req.Images {
			parts = append(parts, map[string]any{
				"type": "image_url",
				"image_url": map[string]any{
					"url":    fmt.Sprintf("data:%s;base64,%s", img.MIMEType, base64.StdEncoding.EncodeToString(img.Data)),
					"detail": "high",
				},
			})
		}
		content = parts
	}
	return map[string]any{
		"model":       cfg.ModelName,
		"messages":    []map[string]any{{"role": "user", "content": content}},
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	}
}

func (chatCompletionStrategy) authorize(headers map[string]string, apiKey string) {
	headers["Authorization"] = "Bearer " + apiKey
}

func (chatCompletionStrategy) parse(body []byte) (*Response, error) {
	root := gjson.ParseBytes(body)
	if errMsg := root.Get("error.message"); errMsg.Exists() {
		return nil, fmt.Errorf("provider error: %s", errMsg.String())
	}
	choice := root.Get("choices.0.message.content")
	if !choice.Exists() {
		return nil, fmt.Errorf("no choices in response")
	}
	usage := root.Get("usage")
	return &Response{
		Text: choice.String(),
		Usage: Usage{
			PromptTokens:     int(usage.Get("prompt_tokens").Int()),
			CompletionTokens: int(usage.Get("completion_tokens").Int()),
			TotalTokens:      int(usage.Get("total_tokens").Int()),
		},
	}, nil
}

package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webhook-analysis-service/internal/db"
)

func TestSupportsVision(t *testing.T) {
	assert.True(t, SupportsVision(db.ProviderGemini, "gemini-1.5-flash"))
	assert.True(t, SupportsVision(db.ProviderOpenAI, "gpt-4o"))
	assert.True(t, SupportsVision(db.ProviderAnthropic, "claude-3-5-sonnet-20241022"))
	assert.True(t, SupportsVision(db.ProviderGeneric, "qwen-vl-vision-plus"))
	assert.False(t, SupportsVision(db.ProviderOpenAI, "gpt-3.5-turbo"))
	assert.False(t, SupportsVision(db.ProviderDeepSeek, "deepseek-chat"))
}

func TestInvokeGemini(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, "key-123", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"parts": [{"text": "part one "}, {"text": "part two"}]}}],
			"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 34, "totalTokenCount": 46}
		}`))
	}))
	defer srv.Close()

	client := NewClient(&db.AIModel{
		ModelName:   "gemini-1.5-flash",
		Provider:    db.ProviderGemini,
		APIKey:      "key-123",
		APIEndpoint: srv.URL,
	})
	resp, err := client.Invoke(context.Background(), Request{
		Prompt:      "describe this",
		Images:      []ImageData{{MIMEType: "image/png", Data: []byte{1, 2, 3}}},
		Temperature: 0.5,
		MaxTokens:   200,
	})
	require.NoError(t, err)
	assert.Equal(t, "part one part two", resp.Text)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 34, resp.Usage.CompletionTokens)
	assert.Equal(t, 46, resp.Usage.TotalTokens)

	assert.Equal(t, "/v1beta/models/gemini-1.5-flash:generateContent", gotPath)
	contents := gotBody["contents"].([]any)
	parts := contents[0].(map[string]any)["parts"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "describe this", parts[0].(map[string]any)["text"])
	inline := parts[1].(map[string]any)["inline_data"].(map[string]any)
	assert.Equal(t, "image/png", inline["mime_type"])
	genCfg := gotBody["generationConfig"].(map[string]any)
	assert.EqualValues(t, 0.5, genCfg["temperature"])
	assert.EqualValues(t, 200, genCfg["maxOutputTokens"])
}

func TestInvokeChatCompletionWithImages(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key-456", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "the answer"}}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12}
		}`))
	}))
	defer srv.Close()

	client := NewClient(&db.AIModel{
		ModelName:   "gpt-4o",
		Provider:    db.ProviderOpenAI,
		APIKey:      "key-456",
		APIEndpoint: srv.URL,
	})
	resp, err := client.Invoke(context.Background(), Request{
		Prompt: "look at this",
		Images: []ImageData{{MIMEType: "image/jpeg", Data: []byte("jpegbytes")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "the answer", resp.Text)
	assert.Equal(t, 12, resp.Usage.TotalTokens)

	messages := gotBody["messages"].([]any)
	content := messages[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	imagePart := content[1].(map[string]any)
	assert.Equal(t, "image_url", imagePart["type"])
	url := imagePart["image_url"].(map[string]any)["url"].(string)
	assert.True(t, strings.HasPrefix(url, "data:image/jpeg;base64,"))
	assert.Equal(t, "high", imagePart["image_url"].(map[string]any)["detail"])
}

func TestInvokeDropsImagesForTextOnlyModel(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"text only"}}],"usage":{}}`))
	}))
	defer srv.Close()

	client := NewClient(&db.AIModel{
		ModelName:   "gpt-3.5-turbo",
		Provider:    db.ProviderOpenAI,
		APIKey:      "k",
		APIEndpoint: srv.URL,
	})
	_, err := client.Invoke(context.Background(), Request{
		Prompt: "just text",
		Images: []ImageData{{MIMEType: "image/png", Data: []byte{1}}},
	})
	require.NoError(t, err)

	// Content collapses to a plain string when no images survive.
	messages := gotBody["messages"].([]any)
	assert.Equal(t, "just text", messages[0].(map[string]any)["content"])
}

func TestInvokeNon2xxIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	client := NewClient(&db.AIModel{ModelName: "gpt-4o", Provider: db.ProviderOpenAI, APIEndpoint: srv.URL})
	_, err := client.Invoke(context.Background(), Request{Prompt: "x"})
	var invokeErr *InvokeError
	require.ErrorAs(t, err, &invokeErr)
	assert.Equal(t, http.StatusTooManyRequests, invokeErr.StatusCode)
	assert.Contains(t, invokeErr.Message, "rate limited")
}

func TestInvokeProviderErrorPayloadIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"model overloaded"}}`))
	}))
	defer srv.Close()

	client := NewClient(&db.AIModel{ModelName: "gpt-4o", Provider: db.ProviderOpenAI, APIEndpoint: srv.URL})
	_, err := client.Invoke(context.Background(), Request{Prompt: "x"})
	var invokeErr *InvokeError
	require.ErrorAs(t, err, &invokeErr)
	assert.Contains(t, invokeErr.Message, "model overloaded")
}

func TestEffectiveParameterResolution(t *testing.T) {
	temp := 0.2
	maxTok := 512
	modelTemp := 0.9
	modelMax := 2048

	client := NewClient(&db.AIModel{Temperature: &modelTemp, MaxTokens: &modelMax})
	assert.Equal(t, 0.2, client.EffectiveTemperature(&temp))
	assert.Equal(t, 0.9, client.EffectiveTemperature(nil))
	assert.Equal(t, 512, client.EffectiveMaxTokens(&maxTok))
	assert.Equal(t, 2048, client.EffectiveMaxTokens(nil))

	bare := NewClient(&db.AIModel{})
	assert.Equal(t, DefaultTemperature, bare.EffectiveTemperature(nil))
	assert.Equal(t, DefaultMaxTokens, bare.EffectiveMaxTokens(nil))
}

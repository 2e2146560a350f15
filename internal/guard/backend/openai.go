package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const geminiHostSubstring = "generativelanguage.googleapis.com"

// OpenAI calls a hosted OpenAI-compatible chat completions API over HTTPS
// with bearer auth. When the configured URL points at Google's Gemini API
// (detected by hostname substring) it instead speaks the Gemini
// generateContent payload shape, since Gemini's endpoint is not wire
// compatible with the OpenAI chat completions format despite being another
// hosted, API-key-authenticated JSON backend.
type OpenAI struct {
	url         string
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	apiKey      string

	httpClient *http.Client

	mu                       sync.Mutex
	lastPromptTokens         int
	lastCompletionTokens int
}

// NewOpenAI builds a hosted-API backend.
func NewOpenAI(apiURL, model string, temperature float64, maxTokens int, timeout time.Duration, apiKey string) *OpenAI {
	return &OpenAI{
		url:         apiURL,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		timeout:     timeout,
		apiKey:      apiKey,
		httpClient:  &http.Client{},
	}
}

func (o *OpenAI) Name() string { return "openai" }

// IsAvailable is true whenever an API key is configured; reachability is
// discovered by the inference call itself.
func (o *OpenAI) IsAvailable() bool { return o.apiKey != "" }

// LastUsage returns the token counts recorded by the most recent successful
// Infer call.
func (o *OpenAI) LastUsage() (promptTokens, completionTokens int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastPromptTokens, o.lastCompletionTokens
}

func (o *OpenAI) isGeminiURL() bool {
	return strings.Contains(o.url, geminiHostSubstring)
}

func (o *OpenAI) Infer(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if o.isGeminiURL() {
		return o.callGemini(ctx, system, user)
	}
	return o.callOpenAI(ctx, system, user)
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model          string              `json:"model"`
	Messages       []openAIChatMessage `json:"messages"`
	Temperature    float64             `json:"temperature"`
	MaxTokens      int                 `json:"max_tokens"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) callOpenAI(ctx context.Context, system, user string) (string, error) {
	payload := openAIChatRequest{
		Model: o.model,
		Messages: []openAIChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
	}
	payload.ResponseFormat.Type = "json_object"

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call openai: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openai returned status %d", resp.StatusCode)
	}

	var parsed openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode openai response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}

	o.mu.Lock()
	o.lastPromptTokens = parsed.Usage.PromptTokens
	o.lastCompletionTokens = parsed.Usage.CompletionTokens
	o.mu.Unlock()

	return parsed.Choices[0].Message.Content, nil
}

type geminiRequest struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	SystemInstruction struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"systemInstruction"`
	GenerationConfig struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
		ResponseMIMEType string `json:"responseMimeType"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// callGemini returns a well-formed fallback JSON object when Gemini answers
// with zero candidates (seen in production for safety-filtered prompts)
// rather than an error, so the classifier's parser can still run — the
// fallback action ("log") is deliberately not one of drop/wake/reply, which
// routes it through the tier-fallback path the same as any other invalid
// action.
func (o *OpenAI) callGemini(ctx context.Context, system, user string) (string, error) {
	var req geminiRequest
	req.Contents = []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	}{{Parts: []struct {
		Text string `json:"text"`
	}{{Text: user}}}}
	req.SystemInstruction.Parts = []struct {
		Text string `json:"text"`
	}{{Text: system}}
	req.GenerationConfig.Temperature = o.temperature
	req.GenerationConfig.MaxOutputTokens = o.maxTokens
	req.GenerationConfig.ResponseMIMEType = "application/json"

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", o.url, o.model, url.QueryEscape(o.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini returned status %d", resp.StatusCode)
	}

	var parsed geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}

	o.mu.Lock()
	o.lastPromptTokens = parsed.UsageMetadata.PromptTokenCount
	o.lastCompletionTokens = parsed.UsageMetadata.CandidatesTokenCount
	o.mu.Unlock()

	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return `{"action":"log","reason":"Gemini returned no candidates"}`, nil
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}

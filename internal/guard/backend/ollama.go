package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	ollamaAvailabilityCacheTTL = 60 * time.Second
	ollamaAvailabilityTimeout  = 3 * time.Second
)

// Ollama calls an Ollama-compatible chat endpoint over HTTP. Availability is
// cached for a minute so the classifier does not probe the server on every
// message.
type Ollama struct {
	url         string
	model       string
	temperature float64
	maxTokens   int
	numCtx      int
	timeout     time.Duration

	httpClient *http.Client
	now        func() time.Time

	mu              sync.Mutex
	availableCache  bool
	availableCached time.Time
}

// NewOllama builds an Ollama backend. timeout bounds the /api/chat call.
func NewOllama(url, model string, temperature float64, maxTokens, numCtx int, timeout time.Duration) *Ollama {
	return &Ollama{
		url:         url,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		numCtx:      numCtx,
		timeout:     timeout,
		httpClient:  &http.Client{},
		now:         time.Now,
	}
}

func (o *Ollama) Name() string { return "ollama" }

// IsAvailable probes /api/tags, caching the result for ollamaAvailabilityCacheTTL.
func (o *Ollama) IsAvailable() bool {
	o.mu.Lock()
	if !o.availableCached.IsZero() && o.now().Sub(o.availableCached) < ollamaAvailabilityCacheTTL {
		ok := o.availableCache
		o.mu.Unlock()
		return ok
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ollamaAvailabilityTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url+"/api/tags", nil)
	if err != nil {
		o.setAvailable(false)
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		o.setAvailable(false)
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK
	o.setAvailable(ok)
	return ok
}

func (o *Ollama) setAvailable(ok bool) {
	o.mu.Lock()
	o.availableCache = ok
	o.availableCached = o.now()
	o.mu.Unlock()
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Format   string              `json:"format"`
	Stream   bool                `json:"stream"`
	Options  ollamaChatOptions   `json:"options"`
}

type ollamaChatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
	NumCtx      int     `json:"num_ctx"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Infer posts a chat completion request and returns the message content.
// A successful call also refreshes the availability cache to true, since a
// working inference call is stronger evidence than a tags probe.
func (o *Ollama) Infer(ctx context.Context, system, user string) (string, error) {
	payload := ollamaChatRequest{
		Model: o.model,
		Messages: []ollamaChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Format: "json",
		Options: ollamaChatOptions{
			Temperature: o.temperature,
			NumPredict:  o.maxTokens,
			NumCtx:      o.numCtx,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal ollama request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}

	o.setAvailable(true)
	return parsed.Message.Content, nil
}

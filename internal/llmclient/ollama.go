package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OllamaGenerator calls a local Ollama server's /api/generate endpoint with
// streaming disabled, grounded in the teacher's OllamaBaseURL constant and
// Ollama-backed generation path (unified-rag-service). It also satisfies
// suggest.Generator, the same capability-interface shape.
type OllamaGenerator struct {
	BaseURL     string
	Model       string
	Temperature float64
	client      *http.Client
}

func NewOllamaGenerator(baseURL, model string, temperature float64) *OllamaGenerator {
	return &OllamaGenerator{BaseURL: baseURL, Model: model, Temperature: temperature, client: &http.Client{Timeout: 60 * time.Second}}
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (g *OllamaGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  g.Model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": g.Temperature,
		},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llmclient: ollama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llmclient: ollama returned status %d", resp.StatusCode)
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llmclient: decode ollama response: %w", err)
	}
	return out.Response, nil
}

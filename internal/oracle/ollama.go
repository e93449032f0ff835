package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "gemma3:4b"
	ollamaInitialDelay = 200 * time.Millisecond
)

// Ollama asks an Ollama-compatible /api/generate endpoint to explain a
// window. The model's suspicious/safe verdict is ignored; only its reason
// is kept.
type Ollama struct {
	baseURL    string
	model      string
	maxRetries int
	client     *http.Client
}

// OllamaOption configures an Ollama oracle.
type OllamaOption func(*Ollama)

// WithBaseURL sets the server root, e.g. http://localhost:11434.
func WithBaseURL(url string) OllamaOption {
	return func(o *Ollama) { o.baseURL = strings.TrimRight(url, "/") }
}

// WithModel sets the model name.
func WithModel(model string) OllamaOption {
	return func(o *Ollama) { o.model = model }
}

// WithMaxRetries sets how many extra attempts follow a transport or 5xx failure.
func WithMaxRetries(n int) OllamaOption {
	return func(o *Ollama) { o.maxRetries = n }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) OllamaOption {
	return func(o *Ollama) { o.client = c }
}

// NewOllama creates an oracle backed by an Ollama server.
func NewOllama(opts ...OllamaOption) *Ollama {
	o := &Ollama{
		baseURL:    defaultOllamaURL,
		model:      defaultOllamaModel,
		maxRetries: 2,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxRetries < 0 {
		o.maxRetries = 0
	}
	return o
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// verdict is the JSON object the prompt asks the model to return.
type verdict struct {
	Suspicious bool   `json:"suspicious"`
	Reason     string `json:"reason"`
}

// Evaluate implements RiskOracle.
func (o *Ollama) Evaluate(ctx context.Context, s Stats) Result {
	body, err := json.Marshal(generateRequest{
		Model:  o.model,
		Prompt: buildPrompt(s),
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return Failure(fmt.Sprintf("marshal request: %v", err))
	}

	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * ollamaInitialDelay
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Failure(ctx.Err().Error())
			}
		}

		text, retry, err := o.generate(ctx, body)
		if err == nil {
			return parseVerdict(text)
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
	}
	return Failure(lastErr.Error())
}

// generate performs one request. retry reports whether the failure is transient.
func (o *Ollama) generate(ctx context.Context, body []byte) (text string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode >= 500, fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return "", false, fmt.Errorf("decode response: %w", err)
	}
	return gr.Response, false, nil
}

func parseVerdict(text string) Result {
	var v verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return Failure(fmt.Sprintf("model returned non-JSON output: %v", err))
	}
	if strings.TrimSpace(v.Reason) == "" {
		return Failure("model returned no reason")
	}
	return Success(v.Reason)
}

func buildPrompt(s Stats) string {
	var b strings.Builder
	b.WriteString("Explain bank account activity for 'fast cash-out' fraud (high outbound relative to inbound).\n")
	b.WriteString("The alert below has already been raised by a deterministic rule; describe why the pattern is risky.\n\n")
	b.WriteString("Examples:\n")
	b.WriteString(`Input: Inbound=1000, Outbound=900, Ratio=0.90` + "\n")
	b.WriteString(`Output: { "suspicious": true, "reason": "90% of inbound funds left the account within the window, typical of money muling." }` + "\n\n")
	b.WriteString(`Input: Inbound=5000, Outbound=4500, Ratio=0.90` + "\n")
	b.WriteString(`Output: { "suspicious": true, "reason": "Funds were moved out almost as fast as they arrived." }` + "\n\n")
	fmt.Fprintf(&b, "Now analyze this (rule %s, account %s):\n", s.Rule, s.AccountID)
	fmt.Fprintf(&b, "Input: Inbound=%.2f, Outbound=%.2f, Ratio=%.2f\n", s.InboundTotal, s.OutboundTotal, s.Ratio)
	b.WriteString("Output: (Return only JSON)\n")
	return b.String()
}

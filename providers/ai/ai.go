package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	openai "github.com/sashabaranov/go-openai"

	cascade "github.com/nevindra/cascade"
)

// Provider sends rendered prompts to an OpenAI-compatible chat API and
// maps the completion into a check result. The prompt comes from the
// check's "prompt" parameter and is rendered as a text/template against
// the expression scope, so prior outputs interpolate with
// {{.outputs.fetch}} and friends.
//
// Works with OpenAI, OpenRouter, Groq, Ollama, vLLM, and any other
// endpoint that implements the chat completions API.
type Provider struct {
	client *openai.Client
	apiKey string
	base   string
	model  string
}

// Option configures the ai provider.
type Option func(*Provider)

// WithBaseURL points the provider at an alternative chat completions
// endpoint (e.g. "http://localhost:11434/v1").
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.base = u }
}

// WithModel sets the default model used when a check does not name one.
func WithModel(m string) Option {
	return func(p *Provider) { p.model = m }
}

// WithClient injects a preconfigured client, bypassing apiKey/baseURL.
func WithClient(c *openai.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New creates an ai provider authenticated with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: openai.GPT4oMini}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		cfg := openai.DefaultConfig(p.apiKey)
		if p.base != "" {
			cfg.BaseURL = p.base
		}
		p.client = openai.NewClientWithConfig(cfg)
	}
	return p
}

// Name returns the provider tag checks reference in config.
func (p *Provider) Name() string { return "ai" }

func (p *Provider) Invoke(ctx context.Context, cc cascade.CheckContext) (cascade.CheckResult, error) {
	promptTmpl, _ := cc.Params["prompt"].(string)
	if promptTmpl == "" {
		return cascade.CheckResult{}, fmt.Errorf("prompt parameter is required")
	}

	prompt, err := renderPrompt(promptTmpl, cc.ExprScope())
	if err != nil {
		return cascade.CheckResult{}, fmt.Errorf("render prompt: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: []openai.ChatCompletionMessage{},
	}
	if model, ok := cc.Params["model"].(string); ok && model != "" {
		req.Model = model
	}
	if system, ok := cc.Params["system"].(string); ok && system != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: system,
		})
	}
	req.Messages = append(req.Messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: prompt,
	})
	if jsonMode, _ := cc.Params["json"].(bool); jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return cascade.CheckResult{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return cascade.CheckResult{}, fmt.Errorf("chat completion returned no choices")
	}

	return parseCompletion(resp.Choices[0].Message.Content), nil
}

// renderPrompt executes the prompt template against the expression
// scope. The "json" func embeds structured values into the prompt.
func renderPrompt(tmpl string, scope map[string]any) (string, error) {
	t, err := template.New("prompt").Funcs(template.FuncMap{
		"json": func(v any) string {
			b, _ := json.Marshal(v)
			return string(b)
		},
	}).Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, scope); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// parseCompletion lifts structure out of the model's reply: a JSON
// object (optionally fenced) becomes the output, and its "issues" array
// becomes issues. Plain prose stays content.
func parseCompletion(content string) cascade.CheckResult {
	result := cascade.CheckResult{Content: strings.TrimSpace(content)}

	text := stripFences(result.Content)
	if text == "" || (text[0] != '{' && text[0] != '[') {
		return result
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return result
	}
	result.Output = decoded
	if obj, ok := decoded.(map[string]any); ok {
		result.Issues = cascade.DecodeIssues(obj["issues"])
	}
	return result
}

// stripFences removes a surrounding ```json ... ``` block if present.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Compile-time interface check.
var _ cascade.Provider = (*Provider)(nil)

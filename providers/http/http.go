package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	cascade "github.com/nevindra/cascade"
)

// Provider fetches URLs and maps the response into a check result. The
// target comes from the check's "url" parameter; "method", "headers",
// and "body" shape the request. With "extract: true" the response HTML
// is reduced to its readable text.
//
// JSON responses decode into the structured output (arrays fan out
// under forEach); everything else is carried as content.
type Provider struct {
	client    *http.Client
	userAgent string
	maxBody   int64
}

// Option configures the http provider.
type Option func(*Provider)

// WithClient replaces the underlying HTTP client.
func WithClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(p *Provider) { p.userAgent = ua }
}

// New creates an http provider with a 15-second client timeout and a
// 4MB response cap.
func New(opts ...Option) *Provider {
	p := &Provider{
		client:    &http.Client{Timeout: 15 * time.Second},
		userAgent: "cascade/1.0",
		maxBody:   4 << 20,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider tag checks reference in config.
func (p *Provider) Name() string { return "http" }

func (p *Provider) Invoke(ctx context.Context, cc cascade.CheckContext) (cascade.CheckResult, error) {
	rawURL, _ := cc.Params["url"].(string)
	if rawURL == "" {
		return cascade.CheckResult{}, fmt.Errorf("url parameter is required")
	}

	method, _ := cc.Params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var reqBody io.Reader
	if body, ok := cc.Params["body"].(string); ok && body != "" {
		reqBody = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return cascade.CheckResult{}, fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	if headers, ok := cc.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if reqBody != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return cascade.CheckResult{}, fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody))
	if err != nil {
		return cascade.CheckResult{}, fmt.Errorf("read error: %w", err)
	}

	if resp.StatusCode >= 400 {
		return cascade.CheckResult{Content: string(body)},
			fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	return p.buildResult(cc, rawURL, resp.Header.Get("Content-Type"), body), nil
}

func (p *Provider) buildResult(cc cascade.CheckContext, rawURL, contentType string, body []byte) cascade.CheckResult {
	text := string(body)

	if extract, _ := cc.Params["extract"].(bool); extract {
		if readable, ok := extractReadable(text, rawURL); ok {
			text = readable
		}
	}

	result := cascade.CheckResult{Content: strings.TrimSpace(text)}
	if strings.Contains(contentType, "json") || looksLikeJSON(result.Content) {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			result.Output = decoded
		}
	}
	return result
}

// extractReadable reduces an HTML page to its readable text.
func extractReadable(html, rawURL string) (string, bool) {
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err != nil || article.TextContent == "" {
		return "", false
	}
	return strings.TrimSpace(article.TextContent), true
}

func looksLikeJSON(s string) bool {
	return s != "" && (s[0] == '{' || s[0] == '[')
}

// Compile-time interface check.
var _ cascade.Provider = (*Provider)(nil)

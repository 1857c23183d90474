// Package upstream implements the router and proxy: matching an inbound
// model name to a configured LLM provider and forwarding the
// chat-completion request, unary or streamed.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Route is one configured upstream: a model matcher, the provider base URL,
// its API key, and an optional model rewrite applied before forwarding.
type Route struct {
	Match        string `json:"match" yaml:"match" env:"MATCH"`
	BaseURL      string `json:"baseUrl" yaml:"baseUrl" env:"BASE_URL"`
	APIKey       string `json:"apiKey" yaml:"apiKey" env:"API_KEY"`
	ModelRewrite string `json:"modelRewrite,omitempty" yaml:"modelRewrite,omitempty" env:"MODEL_REWRITE"`
}

// Resolve matches a model name against a route list: exact match, then
// prefix wildcard (match ends with "*"), then the bare "*" catch-all; else
// nil.
func Resolve(model string, routes []Route) *Route {
	for _, r := range routes {
		if r.Match == model {
			route := r
			return &route
		}
	}
	for _, r := range routes {
		if r.Match != "*" && strings.HasSuffix(r.Match, "*") {
			prefix := strings.TrimSuffix(r.Match, "*")
			if strings.HasPrefix(model, prefix) {
				route := r
				return &route
			}
		}
	}
	for _, r := range routes {
		if r.Match == "*" {
			route := r
			return &route
		}
	}
	return nil
}

// effectiveModel applies the route's model rewrite, if any.
func (r Route) effectiveModel(requested string) string {
	if r.ModelRewrite != "" {
		return r.ModelRewrite
	}
	return requested
}

// Response is the outcome of a Call: either a buffered JSON/unary body or a
// live stream the caller must copy through and close.
type Response struct {
	StatusCode int
	Streaming  bool
	Header     http.Header

	// Body is the full buffered body for non-streaming responses.
	Body []byte

	// Stream is the live upstream body for streaming responses; the caller
	// owns closing it once done copying.
	Stream io.ReadCloser
}

// isEventStream detects SSE by substring match on "text/event-stream" OR
// "octet-stream", tolerating providers that mislabel their streaming
// content-type.
func isEventStream(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "octet-stream")
}

// Client proxies chat-completion calls to a resolved Route.
type Client struct {
	HTTP *http.Client
}

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{HTTP: httpClient}
}

// Call forwards body (already-decoded JSON, with "model" possibly rewritten)
// to route.BaseURL + /v1/chat/completions. requestedStream reflects whether
// the caller's own JSON body asked for stream:true — it gates whether an
// SSE content-type response is treated as streaming at all.
func (c *Client) Call(ctx context.Context, route Route, body map[string]any, requestedStream bool) (*Response, error) {
	payload := make(map[string]any, len(body))
	for k, v := range body {
		payload[k] = v
	}
	if model, ok := payload["model"]; ok {
		payload["model"] = route.effectiveModel(fmt.Sprintf("%v", model))
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(route.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+route.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling upstream: %w", err)
	}

	if requestedStream && isEventStream(resp.Header.Get("Content-Type")) {
		return &Response{StatusCode: resp.StatusCode, Streaming: true, Header: resp.Header, Stream: resp.Body}, nil
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// DefaultRoutes is the built-in fallback so the gate boots standalone in
// dev without any UPSTREAM_ROUTES configuration: OpenAI as the default
// catch-all, OpenRouter reachable by explicit "openrouter/*" prefix.
func DefaultRoutes(openAIKey, openRouterKey string) []Route {
	return []Route{
		{Match: "openrouter/*", BaseURL: "https://openrouter.ai/api", APIKey: openRouterKey},
		{Match: "*", BaseURL: "https://api.openai.com", APIKey: openAIKey},
	}
}

package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/auralis-ai/auralis/pkg/core"
)

const (
	// DefaultBaseURL is the hosted API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// DefaultModel is used when no model is configured.
	DefaultModel = "gemini-2.0-flash"

	// titleInstruction asks for a short conversation title and nothing else.
	titleInstruction = "Produce a title of at most five words for a conversation that starts with the following message. Reply with the title only, no quotes."
)

// Client talks to the generative API. Safe for concurrent use.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithModel sets the model identifier.
func WithModel(m string) Option {
	return func(c *Client) { c.model = m }
}

// WithHTTPClient overrides the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client. The API key is required.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, core.ErrMissingAPIKey
	}
	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// Stream sends the conversation and returns an iterator over the response
// events. The caller must drain or Close the stream.
func (c *Client) Stream(ctx context.Context, turns []Turn, opts Options) (*Stream, error) {
	body, err := c.doRequest(ctx, "streamGenerateContent?alt=sse", buildRequest(turns, opts))
	if err != nil {
		return nil, err
	}
	return newStream(body), nil
}

// Generate sends the conversation and returns the full response text. Used
// where streaming adds nothing, e.g. title generation.
func (c *Client) Generate(ctx context.Context, turns []Turn, opts Options) (string, error) {
	body, err := c.doRequest(ctx, "generateContent", buildRequest(turns, opts))
	if err != nil {
		return "", err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var resp responseChunk
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

// GenerateTitle produces a short title for a conversation opened by the
// given message.
func (c *Client) GenerateTitle(ctx context.Context, firstMessage string) (string, error) {
	title, err := c.Generate(ctx,
		[]Turn{{Role: RoleUser, Text: firstMessage}},
		Options{System: titleInstruction, MaxOutputTokens: 32, ThinkingBudget: -1},
	)
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(title), `"`), nil
}

// doRequest posts one API call and returns the response body, or a parsed
// *APIError for non-2xx statuses.
func (c *Client) doRequest(ctx context.Context, action string, req *apiRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:%s", c.baseURL, c.model, action)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		apiErr := parseAPIError(resp)
		c.logger.Debug("chat request failed", "status", resp.StatusCode, "error", apiErr)
		return nil, apiErr
	}
	return resp.Body, nil
}

// buildRequest translates turns and options into the wire request.
func buildRequest(turns []Turn, opts Options) *apiRequest {
	req := &apiRequest{}
	for _, t := range turns {
		req.Contents = append(req.Contents, wireContent{
			Role:  string(t.Role),
			Parts: []wirePart{{Text: t.Text}},
		})
	}
	if opts.System != "" {
		req.SystemInstruction = &wireContent{Parts: []wirePart{{Text: opts.System}}}
	}
	if opts.MaxOutputTokens > 0 || opts.Temperature != nil || opts.ThinkingBudget != 0 {
		gc := &wireGenerationConfig{
			MaxOutputTokens: opts.MaxOutputTokens,
			Temperature:     opts.Temperature,
		}
		if opts.ThinkingBudget != 0 {
			budget := opts.ThinkingBudget
			if budget < 0 {
				budget = 0
			}
			gc.ThinkingConfig = &wireThinkingConfig{ThinkingBudget: budget}
		}
		req.GenerationConfig = gc
	}
	if opts.EnableSearch {
		req.Tools = []wireTool{{GoogleSearch: &struct{}{}}}
	}
	return req
}

// apiRequest is the wire request format.
type apiRequest struct {
	Contents          []wireContent         `json:"contents"`
	SystemInstruction *wireContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *wireGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []wireTool            `json:"tools,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text string `json:"text,omitempty"`
}

type wireGenerationConfig struct {
	MaxOutputTokens int                 `json:"maxOutputTokens,omitempty"`
	Temperature     *float64            `json:"temperature,omitempty"`
	ThinkingConfig  *wireThinkingConfig `json:"thinkingConfig,omitempty"`
}

type wireThinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type wireTool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

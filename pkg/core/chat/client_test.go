package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/auralis-ai/auralis/pkg/core"
)

// sseBody joins chunks into an SSE response body.
func sseBody(chunks ...string) string {
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString("data: ")
		sb.WriteString(c)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func textChunk(text string) string {
	return fmt.Sprintf(`{"candidates":[{"content":{"role":"model","parts":[{"text":%q}]}}]}`, text)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New("test-key", WithBaseURL(srv.URL), WithModel("test-model"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(""); !errors.Is(err, core.ErrMissingAPIKey) {
		t.Fatalf("got %v, want ErrMissingAPIKey", err)
	}
}

func TestStreamDeliversDeltasAndFinish(t *testing.T) {
	final := `{"candidates":[{"content":{"role":"model","parts":[{"text":"!"}]},"finishReason":"STOP"}],` +
		`"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3,"totalTokenCount":10}}`

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/test-model:streamGenerateContent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if key := r.Header.Get("x-goog-api-key"); key != "test-key" {
			t.Errorf("api key header = %q", key)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(textChunk("Hel"), textChunk("lo"), final))
	})

	s, err := c.Stream(context.Background(), []Turn{{Role: RoleUser, Text: "hi"}}, Options{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()

	var text strings.Builder
	var finish Finish
	for {
		ev, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		switch ev := ev.(type) {
		case TextDelta:
			text.WriteString(ev.Text)
		case Finish:
			finish = ev
		}
	}

	if text.String() != "Hello!" {
		t.Errorf("text = %q, want Hello!", text.String())
	}
	if finish.Reason != FinishStop {
		t.Errorf("finish reason = %q, want stop", finish.Reason)
	}
	if finish.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", finish.Usage)
	}
}

func TestStreamSurfacesGroundingSources(t *testing.T) {
	grounded := `{"candidates":[{"content":{"role":"model","parts":[{"text":"answer"}]},` +
		`"groundingMetadata":{"groundingChunks":[{"web":{"uri":"https://example.com/a","title":"A","domain":"example.com"}}]},` +
		`"finishReason":"STOP"}]}`

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Tools) != 1 || req.Tools[0].GoogleSearch == nil {
			t.Errorf("search tool not requested: %+v", req.Tools)
		}
		io.WriteString(w, sseBody(grounded))
	})

	s, err := c.Stream(context.Background(), []Turn{{Role: RoleUser, Text: "look it up"}}, Options{EnableSearch: true})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()

	var sources []Source
	for {
		ev, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if ss, isSources := ev.(SourceSet); isSources {
			sources = ss.Sources
		}
	}
	if len(sources) != 1 || sources[0].URI != "https://example.com/a" || sources[0].Title != "A" {
		t.Errorf("sources = %+v", sources)
	}
}

func TestStreamSafetyBlock(t *testing.T) {
	blocked := `{"candidates":[{"content":{"role":"model","parts":[]},"finishReason":"SAFETY"}]}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseBody(blocked))
	})

	s, err := c.Stream(context.Background(), []Turn{{Role: RoleUser, Text: "no"}}, Options{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, finish, err := Collect(context.Background(), s, nil)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "" {
		t.Errorf("text = %q, want empty", text)
	}
	if finish.Reason != FinishSafety {
		t.Errorf("finish reason = %q, want safety", finish.Reason)
	}
}

func TestCollectAccumulatesDeltas(t *testing.T) {
	final := `{"candidates":[{"content":{"role":"model","parts":[{"text":" world"}]},"finishReason":"STOP"}]}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseBody(textChunk("hello"), final))
	})

	s, err := c.Stream(context.Background(), []Turn{{Role: RoleUser, Text: "hi"}}, Options{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var deltas []string
	text, finish, err := Collect(context.Background(), s, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q", text)
	}
	if len(deltas) != 2 {
		t.Errorf("deltas = %v, want 2 increments", deltas)
	}
	if finish.Reason != FinishStop {
		t.Errorf("finish reason = %q", finish.Reason)
	}
}

func TestErrorResponseParsing(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		body      string
		wantType  ErrorType
		retryable bool
	}{
		{
			name:     "bad api key",
			code:     http.StatusBadRequest,
			body:     `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`,
			wantType: ErrInvalidRequest,
		},
		{
			name:      "rate limited",
			code:      http.StatusTooManyRequests,
			body:      `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`,
			wantType:  ErrRateLimit,
			retryable: true,
		},
		{
			name:      "unparseable body",
			code:      http.StatusInternalServerError,
			body:      "upstream exploded",
			wantType:  ErrAPI,
			retryable: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				io.WriteString(w, tt.body)
			})

			_, err := c.Stream(context.Background(), []Turn{{Role: RoleUser, Text: "hi"}}, Options{})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("got %v, want *APIError", err)
			}
			if apiErr.Type != tt.wantType {
				t.Errorf("type = %q, want %q", apiErr.Type, tt.wantType)
			}
			if apiErr.StatusCode != tt.code {
				t.Errorf("status = %d, want %d", apiErr.StatusCode, tt.code)
			}
			if apiErr.IsRetryable() != tt.retryable {
				t.Errorf("retryable = %v, want %v", apiErr.IsRetryable(), tt.retryable)
			}
		})
	}
}

func TestGenerateTitle(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			t.Errorf("title used streaming path %q", r.URL.Path)
		}
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.SystemInstruction == nil {
			t.Error("title request has no system instruction")
		}
		io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"\"Trip Planning Help\"\n"}]},"finishReason":"STOP"}]}`)
	})

	title, err := c.GenerateTitle(context.Background(), "help me plan a trip to Kyoto")
	if err != nil {
		t.Fatalf("generate title: %v", err)
	}
	if title != "Trip Planning Help" {
		t.Errorf("title = %q", title)
	}
}

func TestBuildRequestShape(t *testing.T) {
	temp := 0.4
	req := buildRequest(
		[]Turn{{Role: RoleUser, Text: "a"}, {Role: RoleModel, Text: "b"}},
		Options{System: "sys", MaxOutputTokens: 100, Temperature: &temp},
	)

	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{
		`"role":"user"`, `"role":"model"`,
		`"systemInstruction"`, `"maxOutputTokens":100`, `"temperature":0.4`,
	} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("request missing %s: %s", want, raw)
		}
	}
	if strings.Contains(string(raw), "tools") {
		t.Errorf("tools present without EnableSearch: %s", raw)
	}
}

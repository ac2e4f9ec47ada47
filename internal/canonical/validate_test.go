package canonical

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseRequest(t *testing.T) {
	raw := []byte(`{
		"model": "gemini-2.5-pro",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": [{"type": "text", "text": "hi"}]}
		],
		"temperature": 0.2,
		"stream": true,
		"unknown_field": {"ignored": true}
	}`)
	req, err := ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest returned error: %v", err)
	}
	if req.Model != "gemini-2.5-pro" {
		t.Errorf("Model = %q, want gemini-2.5-pro", req.Model)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(req.Messages))
	}
	if !req.Stream {
		t.Error("Stream = false, want true")
	}
	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", req.Temperature)
	}
	if got := req.Messages[1].Text(); got != "hi" {
		t.Errorf("Messages[1].Text() = %q, want %q", got, "hi")
	}
}

func TestParseRequestMalformed(t *testing.T) {
	if _, err := ParseRequest([]byte(`{"model": `)); err == nil {
		t.Fatal("ParseRequest accepted truncated JSON")
	}
}

func TestValidateRequest(t *testing.T) {
	user := Message{Role: RoleUser, Content: TextContent("hello")}
	tests := []struct {
		name    string
		req     Request
		wantErr string
	}{
		{
			name: "valid minimal",
			req:  Request{Model: "gpt-4o", Messages: []Message{user}},
		},
		{
			name:    "missing model",
			req:     Request{Messages: []Message{user}},
			wantErr: "model",
		},
		{
			name:    "empty messages",
			req:     Request{Model: "gpt-4o"},
			wantErr: "messages",
		},
		{
			name: "unknown role",
			req: Request{Model: "gpt-4o", Messages: []Message{
				{Role: "operator", Content: TextContent("x")},
			}},
			wantErr: "messages[0].role",
		},
		{
			name: "tool message without tool_call_id",
			req: Request{Model: "gpt-4o", Messages: []Message{
				user,
				{Role: RoleTool, Content: TextContent("result")},
			}},
			wantErr: "messages[1].tool_call_id",
		},
		{
			name: "tool call without id",
			req: Request{Model: "gpt-4o", Messages: []Message{
				user,
				{Role: RoleAssistant, ToolCalls: []ToolCall{
					{Type: "function", Function: FunctionCall{Name: "lookup", Arguments: "{}"}},
				}},
			}},
			wantErr: "messages[1].tool_calls[0].id",
		},
		{
			name: "tool call without function name",
			req: Request{Model: "gpt-4o", Messages: []Message{
				user,
				{Role: RoleAssistant, ToolCalls: []ToolCall{
					{ID: "call_1", Type: "function"},
				}},
			}},
			wantErr: "messages[1].tool_calls[0].function.name",
		},
		{
			name: "tool calls on user message",
			req: Request{Model: "gpt-4o", Messages: []Message{
				{Role: RoleUser, Content: TextContent("x"), ToolCalls: []ToolCall{
					{ID: "call_1", Type: "function", Function: FunctionCall{Name: "f"}},
				}},
			}},
			wantErr: "messages[0].tool_calls",
		},
		{
			name: "tool declaration without name",
			req: Request{Model: "gpt-4o", Messages: []Message{user}, Tools: []Tool{
				{Type: "function"},
			}},
			wantErr: "tools[0].function.name",
		},
		{
			name: "temperature out of range",
			req: Request{Model: "gpt-4o", Messages: []Message{user},
				Temperature: floatPtr(2.5)},
			wantErr: "temperature",
		},
		{
			name: "content of invalid shape",
			req: Request{Model: "gpt-4o", Messages: []Message{
				{Role: RoleUser, Content: json.RawMessage(`{"nested": "object"}`)},
			}},
			wantErr: "messages[0].content",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequest(&tt.req)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateRequest returned error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("ValidateRequest accepted invalid request, want error on %s", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestMessageAccessors(t *testing.T) {
	m := Message{Role: RoleUser, Content: json.RawMessage(`[
		{"type": "text", "text": "line one\nline two"},
		{"type": "image_url", "image_url": {"url": "data:image/png;base64,AAA"}},
		{"type": "text", "text": "\nline three"}
	]`)}
	if got := m.Text(); got != "line one\nline two\nline three" {
		t.Errorf("Text() = %q", got)
	}
	parts, err := m.Parts()
	if err != nil {
		t.Fatalf("Parts() error: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("len(parts) = %d, want 3", len(parts))
	}
	if parts[1].ImageURL == nil || parts[1].ImageURL.URL == "" {
		t.Error("image part lost its URL")
	}
	if m.LineCount() != 3 {
		t.Errorf("LineCount() = %d, want 3", m.LineCount())
	}
	if m.TokenEstimate() != m.ByteLen()/4 {
		t.Errorf("TokenEstimate() = %d, want ByteLen/4 = %d", m.TokenEstimate(), m.ByteLen()/4)
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	u.Add(Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5})
	if u.PromptTokens != 13 || u.CompletionTokens != 7 || u.TotalTokens != 20 {
		t.Errorf("Add produced %+v", u)
	}
}

func floatPtr(f float64) *float64 { return &f }

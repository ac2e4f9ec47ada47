// Package canonical defines the gateway's wire schema: OpenAI-style chat
// completion requests and responses. Raw JSON stays the interchange format at
// the HTTP boundary and inside translators; the typed model here serves the
// pieces that need to reason about message structure (sequence validation,
// chunking, aggregation).
package canonical

import (
	"encoding/json"
	"strings"
)

// Message roles accepted on the canonical surface.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FunctionCall is the name/arguments pair inside a tool call. Arguments is a
// JSON document encoded as a string and may be invalid JSON; consumers must
// tolerate that and fall back to "{}".
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one function invocation issued by an assistant message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionSpec declares a callable function exposed to the model.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Tool wraps a function declaration in the canonical tools array.
type Tool struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// Message is one turn of the conversation. Content is either a JSON string or
// an array of content parts; it is kept raw and read through Text/Parts so
// both shapes survive untouched.
type Message struct {
	Role             string          `json:"role"`
	Content          json.RawMessage `json:"content,omitempty"`
	Name             string          `json:"name,omitempty"`
	ToolCalls        []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
}

// ContentPart is one element of an array-form message content.
type ContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *ImageURL       `json:"image_url,omitempty"`
	File     json.RawMessage `json:"file,omitempty"`
}

// ImageURL carries an image reference or data URI.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Text returns the textual content of the message: the string itself for
// string content, the concatenation of text parts for array content.
func (m *Message) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	parts, err := m.Parts()
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Parts decodes array-form content. String content yields a single text part.
func (m *Message) Parts() ([]ContentPart, error) {
	if len(m.Content) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []ContentPart{{Type: "text", Text: s}}, nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return nil, err
	}
	return parts, nil
}

// ByteLen is the size of the message as it travels on the wire, used by the
// chunking budget. Marshal failures count the raw content length instead.
func (m *Message) ByteLen() int {
	b, err := json.Marshal(m)
	if err != nil {
		return len(m.Content)
	}
	return len(b)
}

// LineCount counts newline-separated lines in the textual content. An empty
// message still occupies one line in the budget.
func (m *Message) LineCount() int {
	t := m.Text()
	if t == "" {
		return 1
	}
	return strings.Count(t, "\n") + 1
}

// TokenEstimate approximates tokens as UTF-8 bytes divided by four. The
// gateway deliberately carries no tokenizer; the heuristic is part of the
// chunking contract.
func (m *Message) TokenEstimate() int {
	return m.ByteLen() / 4
}

// StreamOptions mirrors the canonical stream_options object.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Request is the canonical chat completion request. Unknown fields are not
// round-tripped through this struct; code that must preserve them operates on
// the raw body instead.
type Request struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	N                *int            `json:"n,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
}

// ByteLen sums the wire size of all messages plus tool declarations.
func (r *Request) ByteLen() int {
	total := 0
	for i := range r.Messages {
		total += r.Messages[i].ByteLen()
	}
	for i := range r.Tools {
		if b, err := json.Marshal(&r.Tools[i]); err == nil {
			total += len(b)
		}
	}
	return total
}

// LineCount sums line counts across messages.
func (r *Request) LineCount() int {
	total := 0
	for i := range r.Messages {
		total += r.Messages[i].LineCount()
	}
	return total
}

// TokenEstimate applies the bytes/4 heuristic to the whole request.
func (r *Request) TokenEstimate() int {
	return r.ByteLen() / 4
}

// Usage is the canonical token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage block field-wise.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Response is the canonical unary chat completion response.
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// AggregatedResponse is a canonical response assembled from multiple chunk
// results. ChunkCount and Aggregated render as top-level JSON keys so callers
// can tell merged completions apart from single-shot ones.
type AggregatedResponse struct {
	Response
	ChunkCount int  `json:"chunk_count"`
	Aggregated bool `json:"aggregated"`
}

// TextContent builds a string-form content value.
func TextContent(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

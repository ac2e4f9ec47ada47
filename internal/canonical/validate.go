package canonical

import (
	"encoding/json"
	"fmt"
)

// ValidationError describes a request rejected before reaching any upstream.
// It always maps to HTTP 400 at the API boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// emptyContent reports whether the message carries neither text nor any
// non-text part. Image-only content counts as content.
func emptyContent(m *Message) bool {
	if m.Text() != "" {
		return false
	}
	parts, err := m.Parts()
	if err != nil {
		return true
	}
	for _, p := range parts {
		if p.Type != "text" {
			return false
		}
	}
	return true
}

// ParseRequest decodes a canonical request body. Structure errors reject the
// request; unknown fields are ignored so newer client SDKs keep working.
func ParseRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed request body: %v", err)}
	}
	return &req, nil
}

// ValidateRequest checks the structural rules every request must satisfy
// regardless of target provider.
func ValidateRequest(req *Request) error {
	if req.Model == "" {
		return invalid("model", "required")
	}
	if len(req.Messages) == 0 {
		return invalid("messages", "must contain at least one message")
	}
	for i, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		case "":
			return invalid(fmt.Sprintf("messages[%d].role", i), "required")
		default:
			return invalid(fmt.Sprintf("messages[%d].role", i), "unknown role %q", msg.Role)
		}
		if msg.Role == RoleTool && msg.ToolCallID == "" {
			return invalid(fmt.Sprintf("messages[%d].tool_call_id", i), "required for tool messages")
		}
		switch msg.Role {
		case RoleUser, RoleSystem:
			if emptyContent(&msg) {
				return invalid(fmt.Sprintf("messages[%d].content", i), "required for %s messages", msg.Role)
			}
		case RoleAssistant:
			if emptyContent(&msg) && len(msg.ToolCalls) == 0 {
				return invalid(fmt.Sprintf("messages[%d]", i), "assistant message needs content or tool calls")
			}
		}
		for j, tc := range msg.ToolCalls {
			if msg.Role != RoleAssistant {
				return invalid(fmt.Sprintf("messages[%d].tool_calls", i), "only assistant messages may carry tool calls")
			}
			if tc.ID == "" {
				return invalid(fmt.Sprintf("messages[%d].tool_calls[%d].id", i, j), "required")
			}
			if tc.Function.Name == "" {
				return invalid(fmt.Sprintf("messages[%d].tool_calls[%d].function.name", i, j), "required")
			}
		}
		if len(msg.Content) > 0 {
			if _, err := msg.Parts(); err != nil {
				return invalid(fmt.Sprintf("messages[%d].content", i), "must be a string or an array of content parts")
			}
		}
	}
	for i, tool := range req.Tools {
		if tool.Type != "" && tool.Type != "function" {
			return invalid(fmt.Sprintf("tools[%d].type", i), "unsupported tool type %q", tool.Type)
		}
		if tool.Function.Name == "" {
			return invalid(fmt.Sprintf("tools[%d].function.name", i), "required")
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return invalid("temperature", "must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return invalid("top_p", "must be between 0 and 1")
	}
	if req.N != nil && *req.N < 1 {
		return invalid("n", "must be at least 1")
	}
	return nil
}

package toolcall

import (
	"strings"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/canonical"
)

func assistantCall(ids ...string) canonical.Message {
	msg := canonical.Message{Role: canonical.RoleAssistant}
	for _, id := range ids {
		msg.ToolCalls = append(msg.ToolCalls, canonical.ToolCall{
			ID:   id,
			Type: "function",
			Function: canonical.FunctionCall{
				Name:      "fn_" + id,
				Arguments: `{"q":"x"}`,
			},
		})
	}
	return msg
}

func toolResponse(id string) canonical.Message {
	return canonical.Message{
		Role:       canonical.RoleTool,
		ToolCallID: id,
		Content:    canonical.TextContent("ok"),
	}
}

func userMsg(text string) canonical.Message {
	return canonical.Message{Role: canonical.RoleUser, Content: canonical.TextContent(text)}
}

func TestValidateBalancedHistory(t *testing.T) {
	msgs := []canonical.Message{
		userMsg("look this up"),
		assistantCall("call_a", "call_b"),
		toolResponse("call_a"),
		toolResponse("call_b"),
		{Role: canonical.RoleAssistant, Content: canonical.TextContent("done")},
	}
	res := NewValidator().Validate(msgs)
	if !res.Valid {
		t.Fatalf("Valid = false, errors: %v", res.Errors)
	}
	if len(res.Pending) != 0 {
		t.Errorf("Pending = %v, want empty", res.Pending)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none", res.Warnings)
	}
	if res.ToolCallCount != 2 || res.RespondedToolCallCount != 2 {
		t.Errorf("counts = %d issued / %d responded, want 2/2", res.ToolCallCount, res.RespondedToolCallCount)
	}
}

func TestValidateBrokenCallShapes(t *testing.T) {
	msgs := []canonical.Message{
		userMsg("go"),
		{Role: canonical.RoleAssistant, ToolCalls: []canonical.ToolCall{
			{ID: "", Type: "function", Function: canonical.FunctionCall{Name: "f", Arguments: "{}"}},
			{ID: "call_noname", Type: "function", Function: canonical.FunctionCall{Arguments: "{}"}},
			{ID: "call_badargs", Type: "function", Function: canonical.FunctionCall{Name: "g", Arguments: "not json"}},
		}},
		toolResponse("call_noname"),
		toolResponse("call_badargs"),
		{Role: canonical.RoleTool, Content: canonical.TextContent("hm")},
	}
	res := NewValidator().Validate(msgs)
	if res.Valid {
		t.Fatal("Valid = true for broken call shapes")
	}
	// missing id, missing name, unparsable arguments, missing tool_call_id
	if len(res.Errors) != 4 {
		t.Fatalf("len(Errors) = %d, want 4: %v", len(res.Errors), res.Errors)
	}
	// The id-less call is excluded from tracking, so only two calls count.
	if res.ToolCallCount != 2 || res.RespondedToolCallCount != 2 {
		t.Errorf("counts = %d/%d, want 2/2", res.ToolCallCount, res.RespondedToolCallCount)
	}
}

func TestValidateMissingResponse(t *testing.T) {
	msgs := []canonical.Message{
		userMsg("go"),
		assistantCall("call_a", "call_b"),
		toolResponse("call_a"),
	}
	res := NewValidator().Validate(msgs)
	if res.Valid {
		t.Fatal("Valid = true for history with unanswered call")
	}
	if len(res.Errors) != 1 {
		t.Fatalf("len(Errors) = %d, want 1 aggregate error, got %v", len(res.Errors), res.Errors)
	}
	if !strings.Contains(res.Errors[0].Error(), "call_b") {
		t.Errorf("aggregate error %q does not name call_b", res.Errors[0])
	}
	if len(res.Pending) != 1 || res.Pending[0] != "call_b" {
		t.Errorf("Pending = %v, want [call_b]", res.Pending)
	}
}

func TestValidateOrphanedResponse(t *testing.T) {
	msgs := []canonical.Message{
		userMsg("go"),
		toolResponse("call_ghost"),
	}
	res := NewValidator().Validate(msgs)
	if res.Valid {
		t.Fatal("Valid = true for orphaned tool response")
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0].Error(), "call_ghost") {
		t.Fatalf("Errors = %v, want single orphan error naming call_ghost", res.Errors)
	}
}

func TestValidateDuplicateResponseWarns(t *testing.T) {
	msgs := []canonical.Message{
		userMsg("go"),
		assistantCall("call_a"),
		toolResponse("call_a"),
		toolResponse("call_a"),
	}
	res := NewValidator().Validate(msgs)
	if !res.Valid {
		t.Fatalf("duplicate response must not invalidate the history, errors: %v", res.Errors)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("Warnings = %v, want exactly one", res.Warnings)
	}
}

func TestValidateInterleavedCalls(t *testing.T) {
	msgs := []canonical.Message{
		userMsg("first"),
		assistantCall("call_1"),
		toolResponse("call_1"),
		userMsg("second"),
		assistantCall("call_2", "call_3"),
		toolResponse("call_3"),
		toolResponse("call_2"),
	}
	res := NewValidator().Validate(msgs)
	if !res.Valid {
		t.Fatalf("out-of-order responses within a group must pass, errors: %v", res.Errors)
	}
}

func TestTrackAndComplete(t *testing.T) {
	v := NewValidator()
	v.Track("call_x", "search", 3)
	st, ok := v.State("call_x")
	if !ok || st.Status != StatusPending || st.Name != "search" || st.Index != 3 {
		t.Fatalf("State after Track = %+v, ok=%v", st, ok)
	}
	if !v.Complete("call_x") {
		t.Fatal("Complete returned false for pending id")
	}
	if v.Complete("call_x") {
		t.Fatal("Complete returned true for already-completed id")
	}
	if v.Complete("call_unknown") {
		t.Fatal("Complete returned true for unknown id")
	}
	if got := v.Pending(); len(got) != 0 {
		t.Errorf("Pending = %v, want empty", got)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	v := NewValidator()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return base }
	v.Track("call_old", "a", 0)
	v.now = func() time.Time { return base.Add(10 * time.Minute) }
	v.Track("call_new", "b", 1)

	removed := v.CleanupOlderThan(5 * time.Minute)
	if len(removed) != 1 || removed[0] != "call_old" {
		t.Fatalf("removed = %v, want [call_old]", removed)
	}
	if _, ok := v.State("call_old"); ok {
		t.Error("call_old still tracked after cleanup")
	}
	if got := v.Pending(); len(got) != 1 || got[0] != "call_new" {
		t.Errorf("Pending = %v, want [call_new]", got)
	}
	if again := v.CleanupOlderThan(5 * time.Minute); again != nil {
		t.Errorf("second cleanup removed %v, want nil", again)
	}
}

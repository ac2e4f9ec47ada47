package chunking

import (
	"strings"
	"testing"

	"github.com/modelrelay/modelrelay/internal/canonical"
)

func chunkResult(text, finish string, usage *canonical.Usage, calls ...canonical.ToolCall) canonical.Response {
	return canonical.Response{
		ID:      "chatcmpl-test",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   "gemini-2.5-pro",
		Choices: []canonical.Choice{{
			Index: 0,
			Message: canonical.Message{
				Role:      canonical.RoleAssistant,
				Content:   canonical.TextContent(text),
				ToolCalls: calls,
			},
			FinishReason: finish,
		}},
		Usage: usage,
	}
}

func TestAggregateEmpty(t *testing.T) {
	if _, err := Aggregate(nil); err == nil {
		t.Fatal("Aggregate accepted zero results")
	}
}

func TestAggregateSingleIsIdentity(t *testing.T) {
	res := chunkResult("only answer", "stop", &canonical.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6})
	agg, err := Aggregate([]canonical.Response{res})
	if err != nil {
		t.Fatalf("Aggregate error: %v", err)
	}
	if agg.Aggregated {
		t.Error("single result marked aggregated")
	}
	if agg.ChunkCount != 1 {
		t.Errorf("ChunkCount = %d, want 1", agg.ChunkCount)
	}
	if agg.ID != res.ID {
		t.Errorf("single-result aggregation changed id: %q -> %q", res.ID, agg.ID)
	}
	if got := agg.Choices[0].Message.Text(); got != "only answer" {
		t.Errorf("content = %q", got)
	}
}

func TestAggregateMulti(t *testing.T) {
	results := []canonical.Response{
		chunkResult("part one. ", "length", &canonical.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}),
		chunkResult("part two. ", "stop", &canonical.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
			canonical.ToolCall{ID: "call_a", Type: "function", Function: canonical.FunctionCall{Name: "f", Arguments: "{}"}}),
		chunkResult("part three.", "tool_calls", &canonical.Usage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3},
			canonical.ToolCall{ID: "call_a", Type: "function", Function: canonical.FunctionCall{Name: "f", Arguments: "{}"}},
			canonical.ToolCall{ID: "call_b", Type: "function", Function: canonical.FunctionCall{Name: "g", Arguments: "{}"}}),
	}
	agg, err := Aggregate(results)
	if err != nil {
		t.Fatalf("Aggregate error: %v", err)
	}
	if !agg.Aggregated || agg.ChunkCount != 3 {
		t.Errorf("Aggregated=%v ChunkCount=%d, want true/3", agg.Aggregated, agg.ChunkCount)
	}
	if got := agg.Choices[0].Message.Text(); got != "part one. part two. part three." {
		t.Errorf("concatenated text = %q", got)
	}
	if agg.Usage == nil {
		t.Fatal("usage dropped")
	}
	if agg.Usage.PromptTokens != 19 || agg.Usage.CompletionTokens != 9 || agg.Usage.TotalTokens != 28 {
		t.Errorf("summed usage = %+v", *agg.Usage)
	}
	calls := agg.Choices[0].Message.ToolCalls
	if len(calls) != 2 {
		t.Fatalf("unioned tool calls = %d, want 2 (duplicate id collapsed)", len(calls))
	}
	if calls[0].ID != "call_a" || calls[1].ID != "call_b" {
		t.Errorf("tool call order = %s, %s", calls[0].ID, calls[1].ID)
	}
	if agg.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q, want the last chunk's", agg.Choices[0].FinishReason)
	}
	if !strings.HasPrefix(agg.ID, "chatcmpl-") {
		t.Errorf("aggregate id = %q", agg.ID)
	}
	if agg.Model != "gemini-2.5-pro" {
		t.Errorf("model = %q", agg.Model)
	}
}

func TestAggregateSkipsEmptyChoices(t *testing.T) {
	results := []canonical.Response{
		{ID: "a", Model: "m"},
		chunkResult("text", "stop", nil),
	}
	agg, err := Aggregate(results)
	if err != nil {
		t.Fatalf("Aggregate error: %v", err)
	}
	if got := agg.Choices[0].Message.Text(); got != "text" {
		t.Errorf("content = %q", got)
	}
	if agg.Usage != nil {
		t.Error("usage fabricated from results that carried none")
	}
}

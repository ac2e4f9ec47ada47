package relay

import (
	"encoding/json"

	"github.com/modelrelay/modelrelay/internal/canonical"
)

// streamEvent is one synthesized chat.completion.chunk payload.
type streamEvent struct {
	ID         string           `json:"id"`
	Object     string           `json:"object"`
	Created    int64            `json:"created"`
	Model      string           `json:"model"`
	Choices    []streamChoice   `json:"choices"`
	Usage      *canonical.Usage `json:"usage,omitempty"`
	ChunkCount int              `json:"chunk_count,omitempty"`
	Aggregated bool             `json:"aggregated,omitempty"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   *string          `json:"content,omitempty"`
	ToolCalls []streamToolCall `json:"tool_calls,omitempty"`
}

type streamToolCall struct {
	Index    int                    `json:"index"`
	ID       string                 `json:"id,omitempty"`
	Type     string                 `json:"type,omitempty"`
	Function canonical.FunctionCall `json:"function"`
}

// synthesizeStream renders an aggregated response as a chunk event sequence:
// role, the merged content as one delta, tool calls, then a closing event
// carrying finish reason, usage and the aggregation markers, and [DONE].
func synthesizeStream(agg *canonical.AggregatedResponse) [][]byte {
	base := streamEvent{
		ID:      agg.ID,
		Object:  "chat.completion.chunk",
		Created: agg.Created,
		Model:   agg.Model,
	}
	events := make([][]byte, 0, 6)
	push := func(ev streamEvent) {
		if b, err := json.Marshal(ev); err == nil {
			events = append(events, b)
		}
	}

	role := base
	empty := ""
	role.Choices = []streamChoice{{Delta: streamDelta{Role: canonical.RoleAssistant, Content: &empty}}}
	push(role)

	var message *canonical.Message
	finishReason := "stop"
	if len(agg.Choices) > 0 {
		message = &agg.Choices[0].Message
		if agg.Choices[0].FinishReason != "" {
			finishReason = agg.Choices[0].FinishReason
		}
	}
	if message != nil {
		if text := message.Text(); text != "" {
			content := base
			content.Choices = []streamChoice{{Delta: streamDelta{Content: &text}}}
			push(content)
		}
		for i, call := range message.ToolCalls {
			ev := base
			ev.Choices = []streamChoice{{Delta: streamDelta{ToolCalls: []streamToolCall{{
				Index:    i,
				ID:       call.ID,
				Type:     call.Type,
				Function: call.Function,
			}}}}}
			push(ev)
		}
	}

	closing := base
	closing.Choices = []streamChoice{{Delta: streamDelta{}, FinishReason: &finishReason}}
	closing.Usage = agg.Usage
	closing.ChunkCount = agg.ChunkCount
	closing.Aggregated = agg.Aggregated
	push(closing)

	events = append(events, []byte("[DONE]"))
	return events
}

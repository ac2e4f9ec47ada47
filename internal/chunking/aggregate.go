package chunking

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/canonical"
)

// Aggregate merges ordered per-chunk completions into one canonical response.
// Zero results is an error. One result passes through unchanged apart from
// the wrapper. Multiple results concatenate first-choice text in chunk order,
// sum usage field-wise, union tool calls in order of appearance, and take the
// finish reason of the last chunk.
func Aggregate(results []canonical.Response) (*canonical.AggregatedResponse, error) {
	switch len(results) {
	case 0:
		return nil, errors.New("chunking: no chunk results to aggregate")
	case 1:
		return &canonical.AggregatedResponse{Response: results[0], ChunkCount: 1}, nil
	}

	var (
		text       strings.Builder
		toolCalls  []canonical.ToolCall
		seenCalls  = make(map[string]bool)
		usage      canonical.Usage
		hasUsage   bool
		finish     string
		model      string
		reasonings strings.Builder
	)
	for _, res := range results {
		if model == "" {
			model = res.Model
		}
		if res.Usage != nil {
			usage.Add(*res.Usage)
			hasUsage = true
		}
		if len(res.Choices) == 0 {
			continue
		}
		choice := res.Choices[0]
		if t := choice.Message.Text(); t != "" {
			text.WriteString(t)
		}
		if rc := choice.Message.ReasoningContent; rc != "" {
			reasonings.WriteString(rc)
		}
		for _, tc := range choice.Message.ToolCalls {
			if tc.ID != "" && seenCalls[tc.ID] {
				continue
			}
			seenCalls[tc.ID] = true
			toolCalls = append(toolCalls, tc)
		}
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}
	if finish == "" {
		finish = "stop"
	}

	msg := canonical.Message{
		Role:             canonical.RoleAssistant,
		Content:          canonical.TextContent(text.String()),
		ToolCalls:        toolCalls,
		ReasoningContent: reasonings.String(),
	}
	agg := &canonical.AggregatedResponse{
		Response: canonical.Response{
			ID:      fmt.Sprintf("chatcmpl-%s", uuid.NewString()),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []canonical.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		},
		ChunkCount: len(results),
		Aggregated: true,
	}
	if hasUsage {
		agg.Usage = &usage
	}
	return agg, nil
}

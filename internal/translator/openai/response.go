package openai

import (
	"bytes"
	"context"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// canonicalFinishReasons is the closed set clients may observe.
var canonicalFinishReasons = map[string]bool{
	"stop":           true,
	"length":         true,
	"tool_calls":     true,
	"content_filter": true,
}

// normalizeFinishReason folds provider-specific reason names onto the
// canonical enum. The legacy function_call reason becomes tool_calls and
// anything unknown becomes stop.
func normalizeFinishReason(reason string) string {
	if reason == "" || canonicalFinishReasons[reason] {
		return reason
	}
	if reason == "function_call" {
		return "tool_calls"
	}
	return "stop"
}

func normalizeChoices(doc string) string {
	choices := gjson.Get(doc, "choices")
	if !choices.IsArray() {
		return doc
	}
	for i, choice := range choices.Array() {
		reason := choice.Get("finish_reason")
		if !reason.Exists() || reason.Type == gjson.Null {
			continue
		}
		if mapped := normalizeFinishReason(reason.String()); mapped != reason.String() {
			doc, _ = sjson.Set(doc, "choices."+strconv.Itoa(i)+".finish_reason", mapped)
		}
	}
	return doc
}

// ConvertOpenAIStreamToChat passes upstream chunks through with finish-reason
// normalization. Unparsable lines are dropped; the [DONE] sentinel is
// forwarded so the caller can close out the stream.
func ConvertOpenAIStreamToChat(_ context.Context, _ string, _, _, rawLine []byte, _ *any) []string {
	line := bytes.TrimSpace(rawLine)
	if len(line) == 0 || line[0] == ':' || bytes.HasPrefix(line, []byte("event:")) {
		return nil
	}
	if bytes.HasPrefix(line, []byte("data:")) {
		line = bytes.TrimSpace(line[5:])
	}
	if bytes.Equal(line, []byte("[DONE]")) {
		return []string{"[DONE]"}
	}
	if !gjson.ValidBytes(line) {
		log.Debugf("openai stream: dropping unparsable line (%d bytes)", len(rawLine))
		return nil
	}
	return []string{normalizeChoices(string(line))}
}

// ConvertOpenAIResponseToChat passes a complete upstream response through
// with finish-reason normalization.
func ConvertOpenAIResponseToChat(_ context.Context, _ string, _, _, rawBody []byte) string {
	return normalizeChoices(string(rawBody))
}

package gemini

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// chatStreamState keeps per-stream scratch between chunk translations: a
// stable completion id and timestamp, and the running tool-call index per
// candidate.
type chatStreamState struct {
	id        string
	created   int64
	callIndex map[int]int
}

// callIDCounter feeds fabricated tool-call ids. Gemini has no call-id
// concept, so ids minted here are unique per process but not stable across a
// forward/backward translation round trip.
var callIDCounter uint64

func fabricateCallID(name string) string {
	return fmt.Sprintf("call_%s-%d-%d", name, time.Now().UnixNano(), atomic.AddUint64(&callIDCounter, 1))
}

// finishReasonTable maps Gemini finish reasons onto the canonical enum.
// Unknown values fall back to "stop".
var finishReasonTable = map[string]string{
	"STOP":                    "stop",
	"MAX_TOKENS":              "length",
	"SAFETY":                  "content_filter",
	"RECITATION":              "content_filter",
	"BLOCKLIST":               "content_filter",
	"PROHIBITED_CONTENT":      "content_filter",
	"SPII":                    "content_filter",
	"IMAGE_SAFETY":            "content_filter",
	"MALFORMED_FUNCTION_CALL": "tool_calls",
}

func mapFinishReason(reason string) string {
	if reason == "" {
		return ""
	}
	if mapped, ok := finishReasonTable[strings.ToUpper(reason)]; ok {
		return mapped
	}
	return "stop"
}

// ConvertGeminiStreamToChat translates one Gemini SSE line into canonical
// chat.completion.chunk payloads. Lines that do not parse as JSON are
// dropped; the [DONE] sentinel passes through untouched.
func ConvertGeminiStreamToChat(_ context.Context, model string, _, _, rawLine []byte, state *any) []string {
	if *state == nil {
		*state = &chatStreamState{
			id:        fmt.Sprintf("chatcmpl-%s", uuid.NewString()),
			created:   time.Now().Unix(),
			callIndex: make(map[int]int),
		}
	}
	st := (*state).(*chatStreamState)
	if st.callIndex == nil {
		st.callIndex = make(map[int]int)
	}

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
		log.Debugf("gemini stream: dropping unparsable line (%d bytes)", len(rawLine))
		return nil
	}

	base := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{"role":null,"content":null},"finish_reason":null}]}`
	base, _ = sjson.Set(base, "id", st.id)
	if rid := gjson.GetBytes(line, "responseId"); rid.Exists() {
		base, _ = sjson.Set(base, "id", rid.String())
	}
	if ct := gjson.GetBytes(line, "createTime"); ct.Exists() {
		if t, err := time.Parse(time.RFC3339Nano, ct.String()); err == nil {
			st.created = t.Unix()
		}
	}
	base, _ = sjson.Set(base, "created", st.created)
	base, _ = sjson.Set(base, "model", model)
	if mv := gjson.GetBytes(line, "modelVersion"); mv.Exists() {
		base, _ = sjson.Set(base, "model", mv.String())
	}
	base = setUsage(base, line)

	var out []string
	candidates := gjson.GetBytes(line, "candidates")
	if !candidates.IsArray() {
		// A pure usage chunk still reaches the client so accounting survives.
		if gjson.GetBytes(line, "usageMetadata").Exists() {
			base, _ = sjson.SetRaw(base, "choices", `[]`)
			return []string{base}
		}
		return nil
	}
	candidates.ForEach(func(_, candidate gjson.Result) bool {
		chunk := base
		candidateIndex := int(candidate.Get("index").Int())
		chunk, _ = sjson.Set(chunk, "choices.0.index", candidateIndex)

		hasFunctionCall := false
		for _, part := range candidate.Get("content.parts").Array() {
			if text := part.Get("text"); text.Exists() {
				if part.Get("thought").Bool() {
					chunk, _ = sjson.Set(chunk, "choices.0.delta.reasoning_content", text.String())
				} else {
					chunk, _ = sjson.Set(chunk, "choices.0.delta.content", text.String())
				}
				chunk, _ = sjson.Set(chunk, "choices.0.delta.role", "assistant")
				continue
			}
			fc := part.Get("functionCall")
			if !fc.Exists() {
				continue
			}
			hasFunctionCall = true
			if !gjson.Get(chunk, "choices.0.delta.tool_calls").IsArray() {
				chunk, _ = sjson.SetRaw(chunk, "choices.0.delta.tool_calls", `[]`)
			}
			idx := st.callIndex[candidateIndex]
			st.callIndex[candidateIndex]++
			chunk, _ = sjson.Set(chunk, "choices.0.delta.role", "assistant")
			chunk, _ = sjson.SetRaw(chunk, "choices.0.delta.tool_calls.-1", buildToolCall(fc, idx, true))
		}

		if hasFunctionCall {
			chunk, _ = sjson.Set(chunk, "choices.0.finish_reason", "tool_calls")
		} else if reason := mapFinishReason(candidate.Get("finishReason").String()); reason != "" {
			chunk, _ = sjson.Set(chunk, "choices.0.finish_reason", reason)
		}
		out = append(out, chunk)
		return true
	})
	return out
}

// ConvertGeminiResponseToChat translates a complete Gemini response body into
// one canonical chat.completion document.
func ConvertGeminiResponseToChat(_ context.Context, model string, _, _, rawBody []byte) string {
	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[]}`
	out, _ = sjson.Set(out, "id", fmt.Sprintf("chatcmpl-%s", uuid.NewString()))
	if rid := gjson.GetBytes(rawBody, "responseId"); rid.Exists() {
		out, _ = sjson.Set(out, "id", rid.String())
	}
	created := time.Now().Unix()
	if ct := gjson.GetBytes(rawBody, "createTime"); ct.Exists() {
		if t, err := time.Parse(time.RFC3339Nano, ct.String()); err == nil {
			created = t.Unix()
		}
	}
	out, _ = sjson.Set(out, "created", created)
	out, _ = sjson.Set(out, "model", model)
	if mv := gjson.GetBytes(rawBody, "modelVersion"); mv.Exists() {
		out, _ = sjson.Set(out, "model", mv.String())
	}
	out = setUsage(out, rawBody)

	candidates := gjson.GetBytes(rawBody, "candidates")
	candidates.ForEach(func(_, candidate gjson.Result) bool {
		choice := `{"index":0,"message":{"role":"assistant","content":null},"finish_reason":null}`
		choice, _ = sjson.Set(choice, "index", candidate.Get("index").Int())

		hasFunctionCall := false
		for _, part := range candidate.Get("content.parts").Array() {
			if text := part.Get("text"); text.Exists() {
				field := "message.content"
				if part.Get("thought").Bool() {
					field = "message.reasoning_content"
				}
				prev := gjson.Get(choice, field).String()
				choice, _ = sjson.Set(choice, field, prev+text.String())
				continue
			}
			fc := part.Get("functionCall")
			if !fc.Exists() {
				continue
			}
			hasFunctionCall = true
			if !gjson.Get(choice, "message.tool_calls").IsArray() {
				choice, _ = sjson.SetRaw(choice, "message.tool_calls", `[]`)
			}
			choice, _ = sjson.SetRaw(choice, "message.tool_calls.-1", buildToolCall(fc, 0, false))
		}

		if hasFunctionCall {
			choice, _ = sjson.Set(choice, "finish_reason", "tool_calls")
		} else if reason := mapFinishReason(candidate.Get("finishReason").String()); reason != "" {
			choice, _ = sjson.Set(choice, "finish_reason", reason)
		} else {
			choice, _ = sjson.Set(choice, "finish_reason", "stop")
		}
		out, _ = sjson.SetRaw(out, "choices.-1", choice)
		return true
	})
	return out
}

// buildToolCall renders one canonical tool_calls element from a Gemini
// functionCall part. Arguments that fail to parse become "{}" rather than an
// error; withIndex adds the streaming delta index field.
func buildToolCall(fc gjson.Result, index int, withIndex bool) string {
	call := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
	name := fc.Get("name").String()
	call, _ = sjson.Set(call, "id", fabricateCallID(name))
	if withIndex {
		call, _ = sjson.Set(call, "index", index)
	}
	call, _ = sjson.Set(call, "function.name", name)
	args := "{}"
	if a := fc.Get("args"); a.IsObject() && gjson.Valid(a.Raw) {
		args = a.Raw
	}
	call, _ = sjson.Set(call, "function.arguments", args)
	return call
}

// setUsage copies usageMetadata token counts onto the canonical usage block.
func setUsage(doc string, rawBody []byte) string {
	usage := gjson.GetBytes(rawBody, "usageMetadata")
	if !usage.Exists() {
		return doc
	}
	doc, _ = sjson.Set(doc, "usage.prompt_tokens", usage.Get("promptTokenCount").Int())
	doc, _ = sjson.Set(doc, "usage.completion_tokens", usage.Get("candidatesTokenCount").Int())
	doc, _ = sjson.Set(doc, "usage.total_tokens", usage.Get("totalTokenCount").Int())
	if thoughts := usage.Get("thoughtsTokenCount").Int(); thoughts > 0 {
		doc, _ = sjson.Set(doc, "usage.completion_tokens_details.reasoning_tokens", thoughts)
	}
	return doc
}

// Package gemini translates between the canonical chat-completions schema
// and the Gemini generateContent schema. The two differ structurally: roles
// are user/model, tool traffic travels as functionCall/functionResponse
// content parts instead of dedicated roles, there is no system role, and
// tool calls carry no ids, so pairing runs on function names.
package gemini

import (
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelrelay/modelrelay/internal/translator"
)

func init() {
	translator.RegisterRequest(translator.FormatOpenAI, translator.FormatGemini, ConvertChatRequestToGemini)
	translator.RegisterResponse(translator.FormatGemini, translator.FormatOpenAI, translator.ResponseTransform{
		Stream:    ConvertGeminiStreamToChat,
		NonStream: ConvertGeminiResponseToChat,
	})
}

// inlineMimeTypes maps file extensions accepted on canonical file parts to
// the mime type sent with inlineData.
var inlineMimeTypes = map[string]string{
	"pdf":  "application/pdf",
	"txt":  "text/plain",
	"md":   "text/markdown",
	"csv":  "text/csv",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"webp": "image/webp",
	"gif":  "image/gif",
}

// ConvertChatRequestToGemini rewrites a canonical request body into a Gemini
// generateContent document. The model name travels in the URL, not the body,
// so it is ignored here; the stream flag only affects the endpoint.
func ConvertChatRequestToGemini(_ string, rawJSON []byte, _ bool) []byte {
	out := []byte(`{"contents":[]}`)

	if t := gjson.GetBytes(rawJSON, "temperature"); t.Exists() && t.Type == gjson.Number {
		out, _ = sjson.SetBytes(out, "generationConfig.temperature", t.Num)
	}
	if tp := gjson.GetBytes(rawJSON, "top_p"); tp.Exists() && tp.Type == gjson.Number {
		out, _ = sjson.SetBytes(out, "generationConfig.topP", tp.Num)
	}
	if mt := gjson.GetBytes(rawJSON, "max_tokens"); mt.Exists() && mt.Type == gjson.Number {
		out, _ = sjson.SetBytes(out, "generationConfig.maxOutputTokens", mt.Int())
	}
	if n := gjson.GetBytes(rawJSON, "n"); n.Exists() && n.Type == gjson.Number && n.Int() > 1 {
		out, _ = sjson.SetBytes(out, "generationConfig.candidateCount", n.Int())
	}
	if stop := gjson.GetBytes(rawJSON, "stop"); stop.Exists() {
		if stop.Type == gjson.String {
			out, _ = sjson.SetBytes(out, "generationConfig.stopSequences.0", stop.String())
		} else if stop.IsArray() {
			for j, s := range stop.Array() {
				out, _ = sjson.SetBytes(out, "generationConfig.stopSequences."+strconv.Itoa(j), s.String())
			}
		}
	}

	messages := gjson.GetBytes(rawJSON, "messages")
	arr := messages.Array()

	// Gemini pairs function responses by name. Map the canonical call ids to
	// their function names up front so tool messages can be resolved.
	tcID2Name := map[string]string{}
	for _, m := range arr {
		if m.Get("role").String() != "assistant" {
			continue
		}
		for _, tc := range m.Get("tool_calls").Array() {
			id := tc.Get("id").String()
			name := tc.Get("function.name").String()
			if id != "" && name != "" {
				tcID2Name[id] = name
			}
		}
	}

	// There is no system role: system text is folded into the first user
	// turn, or becomes a synthetic user turn when the conversation has none.
	var systemTexts []string
	firstUserIdx := -1
	for i, m := range arr {
		switch m.Get("role").String() {
		case "system":
			if text := contentText(m.Get("content")); text != "" {
				systemTexts = append(systemTexts, text)
			}
		case "user":
			if firstUserIdx == -1 {
				firstUserIdx = i
			}
		}
	}
	systemText := strings.Join(systemTexts, "\n\n")
	if systemText != "" && firstUserIdx == -1 {
		node := []byte(`{"role":"user","parts":[]}`)
		node, _ = sjson.SetBytes(node, "parts.0.text", systemText)
		out, _ = sjson.SetRawBytes(out, "contents.-1", node)
	}

	for i := 0; i < len(arr); i++ {
		m := arr[i]
		switch m.Get("role").String() {
		case "user":
			node := []byte(`{"role":"user","parts":[]}`)
			p := 0
			if systemText != "" && i == firstUserIdx {
				node, _ = sjson.SetBytes(node, "parts.0.text", systemText)
				p = 1
			}
			node, p = appendContentParts(node, p, m.Get("content"))
			if p > 0 {
				out, _ = sjson.SetRawBytes(out, "contents.-1", node)
			}
		case "assistant":
			node := []byte(`{"role":"model","parts":[]}`)
			p := 0
			node, p = appendContentParts(node, p, m.Get("content"))
			for _, tc := range m.Get("tool_calls").Array() {
				if t := tc.Get("type").String(); t != "" && t != "function" {
					continue
				}
				name := tc.Get("function.name").String()
				args := strings.TrimSpace(tc.Get("function.arguments").String())
				if args == "" || !gjson.Valid(args) {
					args = "{}"
				}
				node, _ = sjson.SetBytes(node, "parts."+strconv.Itoa(p)+".functionCall.name", name)
				node, _ = sjson.SetRawBytes(node, "parts."+strconv.Itoa(p)+".functionCall.args", []byte(args))
				p++
			}
			if p > 0 {
				out, _ = sjson.SetRawBytes(out, "contents.-1", node)
			}
		case "tool":
			// A run of consecutive tool messages becomes one user node with a
			// functionResponse part per message.
			node := []byte(`{"role":"user","parts":[]}`)
			pp := 0
			for ; i < len(arr) && arr[i].Get("role").String() == "tool"; i++ {
				tm := arr[i]
				id := tm.Get("tool_call_id").String()
				name := tcID2Name[id]
				if name == "" {
					name = tm.Get("name").String()
				}
				if name == "" {
					name = id
				}
				node, _ = sjson.SetBytes(node, "parts."+strconv.Itoa(pp)+".functionResponse.name", name)
				result := contentText(tm.Get("content"))
				resultPath := "parts." + strconv.Itoa(pp) + ".functionResponse.response.result"
				if trimmed := strings.TrimSpace(result); trimmed != "" && gjson.Valid(trimmed) {
					node, _ = sjson.SetRawBytes(node, resultPath, []byte(trimmed))
				} else {
					node, _ = sjson.SetBytes(node, resultPath, result)
				}
				pp++
			}
			i--
			if pp > 0 {
				out, _ = sjson.SetRawBytes(out, "contents.-1", node)
			}
		}
	}

	out = appendToolDeclarations(out, rawJSON)
	out = applyToolChoice(out, rawJSON)
	return out
}

// contentText flattens a canonical content value to plain text: strings come
// back as-is, arrays contribute their text parts in order.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var b strings.Builder
		for _, item := range content.Array() {
			if item.Get("type").String() == "text" {
				b.WriteString(item.Get("text").String())
			}
		}
		return b.String()
	}
	return ""
}

// appendContentParts emits text, inline image, and inline file parts from a
// canonical content value onto node, returning the next free part index.
func appendContentParts(node []byte, p int, content gjson.Result) ([]byte, int) {
	if content.Type == gjson.String {
		if text := content.String(); text != "" {
			node, _ = sjson.SetBytes(node, "parts."+strconv.Itoa(p)+".text", text)
			p++
		}
		return node, p
	}
	if !content.IsArray() {
		return node, p
	}
	for _, item := range content.Array() {
		switch item.Get("type").String() {
		case "text":
			if text := item.Get("text").String(); text != "" {
				node, _ = sjson.SetBytes(node, "parts."+strconv.Itoa(p)+".text", text)
				p++
			}
		case "image_url":
			url := item.Get("image_url.url").String()
			if mime, data, ok := parseDataURI(url); ok {
				node, _ = sjson.SetBytes(node, "parts."+strconv.Itoa(p)+".inlineData.mimeType", mime)
				node, _ = sjson.SetBytes(node, "parts."+strconv.Itoa(p)+".inlineData.data", data)
				p++
			} else if url != "" {
				node, _ = sjson.SetBytes(node, "parts."+strconv.Itoa(p)+".fileData.fileUri", url)
				p++
			}
		case "file":
			filename := item.Get("file.filename").String()
			data := item.Get("file.file_data").String()
			ext := ""
			if dot := strings.LastIndex(filename, "."); dot >= 0 {
				ext = strings.ToLower(filename[dot+1:])
			}
			mime, ok := inlineMimeTypes[ext]
			if !ok {
				log.Warnf("gemini request: unsupported file extension %q, part skipped", ext)
				continue
			}
			node, _ = sjson.SetBytes(node, "parts."+strconv.Itoa(p)+".inlineData.mimeType", mime)
			node, _ = sjson.SetBytes(node, "parts."+strconv.Itoa(p)+".inlineData.data", data)
			p++
		}
	}
	return node, p
}

// parseDataURI splits a data:<mime>;base64,<payload> URI.
func parseDataURI(url string) (mime, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := url[len("data:"):]
	semi := strings.Index(rest, ";base64,")
	if semi <= 0 {
		return "", "", false
	}
	return rest[:semi], rest[semi+len(";base64,"):], true
}

// appendToolDeclarations maps canonical function tools onto
// tools[0].functionDeclarations with sanitized parameter schemas.
func appendToolDeclarations(out, rawJSON []byte) []byte {
	tools := gjson.GetBytes(rawJSON, "tools")
	if !tools.IsArray() {
		return out
	}
	decls := []byte(`[]`)
	count := 0
	for _, t := range tools.Array() {
		if tt := t.Get("type").String(); tt != "" && tt != "function" {
			continue
		}
		fn := t.Get("function")
		if !fn.Exists() || fn.Get("name").String() == "" {
			continue
		}
		decl := []byte(`{}`)
		decl, _ = sjson.SetBytes(decl, "name", fn.Get("name").String())
		if desc := fn.Get("description").String(); desc != "" {
			decl, _ = sjson.SetBytes(decl, "description", desc)
		}
		if params := fn.Get("parameters"); params.IsObject() {
			decl, _ = sjson.SetRawBytes(decl, "parameters", SanitizeSchema([]byte(params.Raw)))
		} else {
			decl, _ = sjson.SetRawBytes(decl, "parameters", []byte(`{"type":"object","properties":{}}`))
		}
		decls, _ = sjson.SetRawBytes(decls, "-1", decl)
		count++
	}
	if count == 0 {
		return out
	}
	out, _ = sjson.SetRawBytes(out, "tools.0.functionDeclarations", decls)
	return out
}

// applyToolChoice maps canonical tool_choice onto toolConfig.
func applyToolChoice(out, rawJSON []byte) []byte {
	tc := gjson.GetBytes(rawJSON, "tool_choice")
	if !tc.Exists() {
		return out
	}
	const modePath = "toolConfig.functionCallingConfig.mode"
	switch {
	case tc.Type == gjson.String:
		switch tc.String() {
		case "none":
			out, _ = sjson.SetBytes(out, modePath, "NONE")
		case "required":
			out, _ = sjson.SetBytes(out, modePath, "ANY")
		case "auto":
			out, _ = sjson.SetBytes(out, modePath, "AUTO")
		}
	case tc.IsObject():
		if name := tc.Get("function.name").String(); name != "" {
			out, _ = sjson.SetBytes(out, modePath, "ANY")
			out, _ = sjson.SetBytes(out, "toolConfig.functionCallingConfig.allowedFunctionNames.0", name)
		}
	}
	return out
}

// Package openai adapts canonical chat-completion traffic for
// OpenAI-compatible upstreams. The dialects are close enough that requests
// need only light edits and responses need finish-reason normalization.
package openai

import (
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelrelay/modelrelay/internal/translator"
)

func init() {
	translator.RegisterRequest(translator.FormatOpenAI, translator.FormatOpenAICompat, ConvertChatRequestToOpenAI)
	translator.RegisterResponse(translator.FormatOpenAICompat, translator.FormatOpenAI, translator.ResponseTransform{
		Stream:    ConvertOpenAIStreamToChat,
		NonStream: ConvertOpenAIResponseToChat,
	})
}

// ConvertChatRequestToOpenAI rewrites a canonical request for an
// OpenAI-compatible upstream. The model name becomes the resolved upstream
// name and the stream flag is forced to the transport the gateway actually
// opens, which may differ from what the client sent when history is executed
// in chunks.
func ConvertChatRequestToOpenAI(model string, rawJSON []byte, stream bool) []byte {
	out, _ := sjson.SetBytes(rawJSON, "model", model)
	out, _ = sjson.SetBytes(out, "stream", stream)
	if stream {
		// Usage only arrives on the final chunk when asked for.
		if !gjson.GetBytes(out, "stream_options.include_usage").Exists() {
			out, _ = sjson.SetBytes(out, "stream_options.include_usage", true)
		}
	} else {
		out, _ = sjson.DeleteBytes(out, "stream_options")
	}
	// reasoning_content is a response field; some upstreams reject it inside
	// the request history.
	messages := gjson.GetBytes(out, "messages").Array()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Get("reasoning_content").Exists() {
			out, _ = sjson.DeleteBytes(out, "messages."+strconv.Itoa(i)+".reasoning_content")
		}
	}
	return out
}

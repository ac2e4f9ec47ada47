// Package chunking decides when a conversation exceeds practical upstream
// limits, splits the message history into chunks without breaking
// tool-call/tool-response groups, and merges per-chunk completions back into
// a single canonical response.
package chunking

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/canonical"
	"github.com/modelrelay/modelrelay/internal/toolcall"
)

const (
	// maxToolsBeforeChunking is the tool-definition count above which a
	// request is always chunked, regardless of message size.
	maxToolsBeforeChunking = 50

	// Tool-heavy requests leave less room for messages, so the line and
	// token ceilings shrink to these fractions of their configured values.
	toolHeavyLineFactor  = 0.3
	toolHeavyTokenFactor = 0.5
)

// Config holds the per-provider chunking knobs. Zero ceilings disable the
// corresponding check.
type Config struct {
	// Enabled turns conversation chunking on for the provider.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// MaxSizeBytes is the byte ceiling for a request and for each chunk.
	MaxSizeBytes int `yaml:"max-size-bytes" json:"max_size_bytes"`
	// MaxLines is the line ceiling across all message content.
	MaxLines int `yaml:"max-lines" json:"max_lines"`
	// MaxTokens is the ceiling on the bytes/4 token estimate.
	MaxTokens int `yaml:"max-tokens" json:"max_tokens"`
	// BatchSize caps messages per chunk; 0 means unlimited.
	BatchSize int `yaml:"batch-size" json:"batch_size"`
	// OverlapLines is the number of lines repeated between consecutive
	// windows when splitting standalone text by lines.
	OverlapLines int `yaml:"overlap-lines" json:"overlap_lines"`
	// Strategy selects the standalone text splitter: "lines" or "size".
	Strategy string `yaml:"strategy" json:"strategy"`
}

// ApplyDefaults fills unset knobs with serviceable values.
func (c *Config) ApplyDefaults() {
	if c.MaxSizeBytes <= 0 {
		c.MaxSizeBytes = 262144
	}
	if c.MaxLines <= 0 {
		c.MaxLines = 2000
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 65536
	}
	if c.OverlapLines < 0 {
		c.OverlapLines = 0
	}
	if c.Strategy == "" {
		c.Strategy = "lines"
	}
}

// Chunk is one window of the original message history. Messages keep their
// original order; every input message lands in exactly one chunk.
type Chunk struct {
	ID       string
	Index    int
	Messages []canonical.Message
	ByteSize int
	Lines    int
	Tokens   int
}

// ShouldChunk reports whether the request must be split before going
// upstream, with a human-readable reason for the request log. Requests
// declaring more than 50 tools always chunk; they also tighten the line and
// token ceilings to 30% and 50% of nominal since tool schemas consume a large
// share of the payload.
func ShouldChunk(req *canonical.Request, cfg Config) (bool, string) {
	if !cfg.Enabled {
		return false, ""
	}
	manyTools := len(req.Tools) > maxToolsBeforeChunking
	lineLimit, tokenLimit := cfg.MaxLines, cfg.MaxTokens
	if manyTools {
		lineLimit = int(float64(lineLimit) * toolHeavyLineFactor)
		tokenLimit = int(float64(tokenLimit) * toolHeavyTokenFactor)
	}
	size := req.ByteLen()
	if cfg.MaxSizeBytes > 0 && size > cfg.MaxSizeBytes {
		return true, fmt.Sprintf("request size %d exceeds %d bytes", size, cfg.MaxSizeBytes)
	}
	if lineLimit > 0 {
		if lines := req.LineCount(); lines > lineLimit {
			return true, fmt.Sprintf("request spans %d lines, limit %d", lines, lineLimit)
		}
	}
	if tokenLimit > 0 {
		if tokens := size / 4; tokens > tokenLimit {
			return true, fmt.Sprintf("estimated %d tokens, limit %d", tokens, tokenLimit)
		}
	}
	if manyTools {
		return true, fmt.Sprintf("%d tool definitions exceed the %d-tool ceiling", len(req.Tools), maxToolsBeforeChunking)
	}
	return false, ""
}

// window accumulates messages for the chunk under construction and tracks
// its tool-call state through a per-window validator.
type window struct {
	cfg     Config
	msgs    []canonical.Message
	tracker *toolcall.Validator
	bytes   int
	lines   int
}

func newWindow(cfg Config) *window {
	return &window{cfg: cfg, tracker: toolcall.NewValidator()}
}

func (w *window) add(m canonical.Message) {
	switch m.Role {
	case canonical.RoleAssistant:
		for _, tc := range m.ToolCalls {
			w.tracker.Track(tc.ID, tc.Function.Name, len(w.msgs))
		}
	case canonical.RoleTool:
		w.tracker.Complete(m.ToolCallID)
	}
	w.msgs = append(w.msgs, m)
	w.bytes += m.ByteLen()
	w.lines += m.LineCount()
}

// breaksSequence reports whether cutting the chunk before msgs[i] would split
// a tool-call group: msgs[i] answers a call issued in this window, msgs[i]
// issues calls that the immediately following tool run answers, or the window
// still has calls awaiting responses.
func (w *window) breaksSequence(msgs []canonical.Message, i int) bool {
	if len(w.msgs) == 0 {
		return false
	}
	next := msgs[i]
	if next.Role == canonical.RoleTool {
		if _, issuedHere := w.tracker.State(next.ToolCallID); issuedHere {
			return true
		}
	}
	if next.Role == canonical.RoleAssistant && len(next.ToolCalls) > 0 && answersFollow(msgs, i) {
		return true
	}
	return len(w.tracker.Pending()) > 0
}

// answersFollow reports whether the contiguous run of tool messages after
// msgs[i] responds to any call issued by msgs[i].
func answersFollow(msgs []canonical.Message, i int) bool {
	ids := make(map[string]bool, len(msgs[i].ToolCalls))
	for _, tc := range msgs[i].ToolCalls {
		if tc.ID != "" {
			ids[tc.ID] = true
		}
	}
	for j := i + 1; j < len(msgs) && msgs[j].Role == canonical.RoleTool; j++ {
		if ids[msgs[j].ToolCallID] {
			return true
		}
	}
	return false
}

func (w *window) fits(m canonical.Message) bool {
	if w.cfg.BatchSize > 0 && len(w.msgs) >= w.cfg.BatchSize {
		return false
	}
	bytes := w.bytes + m.ByteLen()
	if w.cfg.MaxSizeBytes > 0 && bytes > w.cfg.MaxSizeBytes {
		return false
	}
	if w.cfg.MaxLines > 0 && w.lines+m.LineCount() > w.cfg.MaxLines {
		return false
	}
	if w.cfg.MaxTokens > 0 && bytes/4 > w.cfg.MaxTokens {
		return false
	}
	return true
}

func (w *window) seal(index int) Chunk {
	return Chunk{
		ID:       uuid.NewString(),
		Index:    index,
		Messages: w.msgs,
		ByteSize: w.bytes,
		Lines:    w.lines,
		Tokens:   w.bytes / 4,
	}
}

// WouldBreakToolSequence reports whether placing a chunk boundary before
// msgs[i] would separate a tool call from its responses, given the messages
// already accumulated in the current chunk.
func WouldBreakToolSequence(msgs []canonical.Message, i int, current []canonical.Message) bool {
	if i < 0 || i >= len(msgs) {
		return false
	}
	w := newWindow(Config{})
	for _, m := range current {
		w.add(m)
	}
	return w.breaksSequence(msgs, i)
}

// BuildChunks splits the history into ordered chunks by greedy packing: each
// message joins the current chunk unless it would blow the budget and the cut
// is legal. Tool-call atomicity overrides the budget, so a chunk may run over
// its ceilings to keep a call group together. A single message larger than
// the whole budget becomes a chunk of its own; messages are never split.
func BuildChunks(msgs []canonical.Message, cfg Config) ([]Chunk, error) {
	if len(msgs) == 0 {
		return nil, errors.New("chunking: no messages to split")
	}
	var chunks []Chunk
	w := newWindow(cfg)
	for i, m := range msgs {
		switch {
		case len(w.msgs) == 0:
			w.add(m)
		case w.breaksSequence(msgs, i):
			w.add(m)
		case w.fits(m):
			w.add(m)
		default:
			chunks = append(chunks, w.seal(len(chunks)))
			w = newWindow(cfg)
			w.add(m)
		}
	}
	chunks = append(chunks, w.seal(len(chunks)))
	return chunks, nil
}

// ChunkError marks the chunk whose upstream call failed. Chunks run strictly
// in order, so everything before Index succeeded and nothing after it ran;
// no partial aggregate is ever returned.
type ChunkError struct {
	Index int
	Total int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d of %d failed: %v", e.Index+1, e.Total, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

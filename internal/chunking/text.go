package chunking

import (
	"strings"
	"unicode/utf8"
)

// newlineSnapZone is the fraction of a byte window after which a newline is
// close enough to the edge to cut there instead of mid-line.
const newlineSnapZone = 0.8

// SplitText splits standalone text using the configured strategy: "size"
// cuts on byte windows, anything else cuts on line windows with overlap.
func SplitText(text string, cfg Config) []string {
	if cfg.Strategy == "size" {
		return ChunkTextBySize(text, cfg.MaxSizeBytes)
	}
	return ChunkTextByLines(text, cfg.MaxLines, cfg.OverlapLines)
}

// ChunkTextByLines splits text into windows of at most maxLines lines, with
// overlap lines repeated between consecutive windows for continuity. Text
// within the limit comes back as a single element.
func ChunkTextByLines(text string, maxLines, overlap int) []string {
	lines := strings.Split(text, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return []string{text}
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= maxLines {
		overlap = maxLines - 1
	}
	step := maxLines - overlap
	var out []string
	for start := 0; ; start += step {
		end := start + maxLines
		if end >= len(lines) {
			out = append(out, strings.Join(lines[start:], "\n"))
			return out
		}
		out = append(out, strings.Join(lines[start:end], "\n"))
	}
}

// ChunkTextBySize splits text into windows of at most maxBytes bytes. When a
// newline falls inside the final 20% of a window the cut snaps back to it, so
// lines survive intact unless a single line exceeds the window. Cuts never
// land inside a UTF-8 sequence.
func ChunkTextBySize(text string, maxBytes int) []string {
	if maxBytes <= 0 || len(text) <= maxBytes {
		return []string{text}
	}
	snapFloor := int(float64(maxBytes) * newlineSnapZone)
	var out []string
	rest := text
	for len(rest) > maxBytes {
		cut := maxBytes
		if idx := strings.LastIndexByte(rest[:maxBytes], '\n'); idx >= snapFloor {
			cut = idx + 1
		} else {
			for cut > 0 && !utf8.RuneStart(rest[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxBytes
			}
		}
		out = append(out, rest[:cut])
		rest = rest[cut:]
	}
	if len(rest) > 0 {
		out = append(out, rest)
	}
	return out
}

package dialogue

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// minChunkChars is the shortest chunk worth a synthesis round trip.
	// Sentences below it merge into the following one, which keeps
	// abbreviations like "Dr." from being spoken as their own utterance.
	minChunkChars = 8

	// maxChunkChars bounds how long the chunker waits for punctuation on a
	// run-on reply before flushing mid-sentence.
	maxChunkChars = 60

	// trailingFlushWords is the word count at which a buffer already ending
	// in terminal punctuation flushes without waiting for the next token.
	trailingFlushWords = 8
)

// Chunk is one speakable piece of a streaming reply.
type Chunk struct {
	// Text is the chunk content, whitespace-trimmed.
	Text string

	// Complete reports whether Text ends on sentence-terminal punctuation.
	Complete bool
}

// Chunker cuts a stream of LLM token deltas into speakable chunks so
// synthesis can start before the reply is finished. It flushes on sentence
// boundaries, on a long buffer with no punctuation in sight, and on stream
// end via [Chunker.Flush].
//
// Not safe for concurrent use; each turn owns one.
type Chunker struct {
	buf string
}

// Push appends one token delta and returns any chunks that became
// speakable, in order.
func (c *Chunker) Push(delta string) []Chunk {
	c.buf += delta

	var out []Chunk
	for {
		head, rest, ok := splitSentence(c.buf)
		if !ok {
			break
		}
		c.buf = rest
		if head != "" {
			out = append(out, Chunk{Text: head, Complete: true})
		}
	}

	trimmed := strings.TrimSpace(c.buf)
	switch {
	case trimmed == "":
	case endsTerminal(trimmed) && wordCount(trimmed) >= trailingFlushWords:
		// The buffer already reads as a finished sentence; don't hold it
		// hostage to the next delta's whitespace.
		out = append(out, Chunk{Text: trimmed, Complete: true})
		c.buf = ""
	case len(trimmed) >= maxChunkChars:
		out = append(out, Chunk{Text: trimmed, Complete: false})
		c.buf = ""
	}
	return out
}

// Flush returns whatever text remains as the final chunk of the stream.
// Reports false when nothing is buffered.
func (c *Chunker) Flush() (Chunk, bool) {
	text := strings.TrimSpace(c.buf)
	c.buf = ""
	if text == "" {
		return Chunk{}, false
	}
	return Chunk{Text: text, Complete: endsTerminal(text)}, true
}

// Pending reports the number of buffered bytes awaiting a flush rule.
func (c *Chunker) Pending() int {
	return len(c.buf)
}

// isTerminal reports whether r ends a sentence. The danda terminates
// Devanagari sentences.
func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '।':
		return true
	}
	return false
}

// splitSentence cuts buf at the first usable sentence boundary: a terminal
// rune followed by whitespace. A boundary that would produce a head shorter
// than minChunkChars is skipped unless the punctuation is unambiguous
// ('!', '?', '।'), so "Yes!" flushes on its own while "Dr." stays attached
// to the sentence it begins.
func splitSentence(buf string) (head, rest string, ok bool) {
	for i := 0; i < len(buf); {
		r, size := utf8.DecodeRuneInString(buf[i:])
		if isTerminal(r) && i+size < len(buf) {
			next, _ := utf8.DecodeRuneInString(buf[i+size:])
			if unicode.IsSpace(next) {
				h := strings.TrimSpace(buf[:i+size])
				if len(h) >= minChunkChars || r != '.' {
					return h, strings.TrimLeft(buf[i+size:], " \t\r\n"), true
				}
			}
		}
		i += size
	}
	return "", "", false
}

// endsTerminal reports whether s ends with sentence-terminal punctuation.
func endsTerminal(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return isTerminal(r)
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

package dialogue

import (
	"strings"
	"testing"
)

func collectChunks(t *testing.T, deltas ...string) []Chunk {
	t.Helper()
	var c Chunker
	var out []Chunk
	for _, d := range deltas {
		out = append(out, c.Push(d)...)
	}
	if tail, ok := c.Flush(); ok {
		out = append(out, tail)
	}
	return out
}

func chunkTexts(chunks []Chunk) string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return strings.Join(texts, " | ")
}

func TestChunker_SplitsOnSentenceBoundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		deltas []string
		want   []string
	}{
		{
			name:   "single sentence with trailing space",
			deltas: []string{"We are open nine to five. "},
			want:   []string{"We are open nine to five."},
		},
		{
			name:   "multiple sentences in one delta",
			deltas: []string{"One more thing here. Also note this. And finally."},
			want:   []string{"One more thing here.", "Also note this.", "And finally."},
		},
		{
			name:   "boundary completed by the next delta",
			deltas: []string{"We are open nine to five.", " Which day suits you best?"},
			want:   []string{"We are open nine to five.", "Which day suits you best?"},
		},
		{
			name:   "abbreviation stays attached",
			deltas: []string{"Dr. Shah will see you at noon. "},
			want:   []string{"Dr. Shah will see you at noon."},
		},
		{
			name:   "short exclamation flushes on its own",
			deltas: []string{"Yes! I can help with that. "},
			want:   []string{"Yes!", "I can help with that."},
		},
		{
			name:   "danda ends devanagari sentences",
			deltas: []string{"नमस्ते। आप कैसे हैं? "},
			want:   []string{"नमस्ते।", "आप कैसे हैं?"},
		},
		{
			name:   "question mark at stream end",
			deltas: []string{"Anything else?"},
			want:   []string{"Anything else?"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := collectChunks(t, tt.deltas...)
			if len(got) != len(tt.want) {
				t.Fatalf("chunks = %q, want %q", chunkTexts(got), strings.Join(tt.want, " | "))
			}
			for i := range got {
				if got[i].Text != tt.want[i] {
					t.Errorf("chunk[%d] = %q, want %q", i, got[i].Text, tt.want[i])
				}
			}
		})
	}
}

func TestChunker_HoldsIncompleteSentence(t *testing.T) {
	t.Parallel()

	var c Chunker
	for _, delta := range []string{"We", " are", " open", " daily"} {
		if got := c.Push(delta); len(got) != 0 {
			t.Fatalf("Push(%q) flushed %q before any boundary", delta, chunkTexts(got))
		}
	}
	if c.Pending() == 0 {
		t.Fatal("Pending() = 0 with text buffered")
	}

	tail, ok := c.Flush()
	if !ok {
		t.Fatal("Flush() reported nothing buffered")
	}
	if tail.Text != "We are open daily" {
		t.Errorf("tail = %q, want %q", tail.Text, "We are open daily")
	}
	if tail.Complete {
		t.Error("tail without terminal punctuation reported Complete")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() after Flush = %d, want 0", c.Pending())
	}
}

func TestChunker_FlushesTrailingSentenceWithEnoughWords(t *testing.T) {
	t.Parallel()

	// Ends on terminal punctuation and carries enough words: speak it now
	// instead of waiting for the next delta's whitespace.
	var c Chunker
	got := c.Push("Could you tell me which day works best for you?")
	if len(got) != 1 {
		t.Fatalf("Push returned %d chunks, want 1", len(got))
	}
	if !got[0].Complete {
		t.Error("trailing sentence flush not marked Complete")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after trailing flush, want 0", c.Pending())
	}
}

func TestChunker_ShortTrailingSentenceWaits(t *testing.T) {
	t.Parallel()

	var c Chunker
	if got := c.Push("Anything else?"); len(got) != 0 {
		t.Fatalf("short trailing sentence flushed early: %q", chunkTexts(got))
	}
	if c.Pending() == 0 {
		t.Fatal("short trailing sentence was dropped instead of buffered")
	}
}

func TestChunker_FlushesRunOnWithoutPunctuation(t *testing.T) {
	t.Parallel()

	var c Chunker
	long := strings.TrimSpace(strings.Repeat("take the next left ", 4))
	got := c.Push(long)
	if len(got) != 1 {
		t.Fatalf("Push returned %d chunks, want 1", len(got))
	}
	if got[0].Complete {
		t.Error("mid-sentence flush marked Complete")
	}
	if got[0].Text != long {
		t.Errorf("flushed %q, want %q", got[0].Text, long)
	}
}

func TestChunker_FlushEmpty(t *testing.T) {
	t.Parallel()

	var c Chunker
	if _, ok := c.Flush(); ok {
		t.Error("Flush() on an empty chunker reported a chunk")
	}
	c.Push("Done. ")
	c.Flush()
	if _, ok := c.Flush(); ok {
		t.Error("second Flush() reported a chunk")
	}
}

func TestChunker_CompleteFlag(t *testing.T) {
	t.Parallel()

	var c Chunker
	got := c.Push("First part here. And then the rest trails off")
	if len(got) != 1 {
		t.Fatalf("Push returned %d chunks, want 1", len(got))
	}
	if !got[0].Complete {
		t.Errorf("sentence-boundary chunk %q not marked Complete", got[0].Text)
	}

	tail, ok := c.Flush()
	if !ok {
		t.Fatal("Flush() reported nothing buffered")
	}
	if tail.Complete {
		t.Errorf("unterminated tail %q marked Complete", tail.Text)
	}
}

package dialogue

import (
	"strings"
	"time"

	"github.com/callways/trunkline/pkg/types"
)

// defaultStutterWindow is how quickly an identical interim transcript must
// repeat to be treated as recognizer jitter rather than new speech.
const defaultStutterWindow = 25 * time.Millisecond

// bargeDetector decides whether an interim transcript is a genuine
// interruption. Owned by the controller's event loop; not safe for
// concurrent use.
type bargeDetector struct {
	minWords int
	minConf  float64
	window   time.Duration

	lastText string
	lastAt   time.Time
}

// Interrupt reports whether tr should stop playback: enough words, enough
// confidence, and not the same text re-reported within the stutter window.
func (d *bargeDetector) Interrupt(tr types.Transcript, now time.Time) bool {
	words := tr.Words
	if words == 0 {
		words = len(strings.Fields(tr.Text))
	}
	if words < d.minWords || tr.Confidence < d.minConf {
		return false
	}

	stutter := tr.Text == d.lastText && !d.lastAt.IsZero() && now.Sub(d.lastAt) <= d.window
	d.lastText = tr.Text
	d.lastAt = now
	return !stutter
}

// Package egress paces synthesized speech onto the call's media stream.
//
// Synthesis produces audio in bursts far faster than real time. A single
// dispatcher goroutine drains a priority queue of utterances and emits
// fixed-size frames with a short sleep between each, so the PBX jitter
// buffer stays shallow and a barge-in can cut playback within one frame.
//
// Utterances carry the voice session they were synthesized for. When the
// conversation moves on, frames from a superseded session stop at the next
// frame boundary: a gentle stop lets an almost-finished sentence complete
// within a grace window, a hard stop via [Dispatcher.Abort] cuts playback
// immediately.
package egress

import (
	"container/heap"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callways/trunkline/pkg/audio"
	"github.com/callways/trunkline/pkg/types"
)

// FrameDuration is the audio carried by one wire frame.
const FrameDuration = 20 * time.Millisecond

const (
	defaultCadence     = 20 * time.Millisecond
	defaultHighCadence = 15 * time.Millisecond
	defaultGap         = 60 * time.Millisecond
	defaultGrace       = 2 * time.Second
	defaultSilenceTail = 3
	defaultFrameBuffer = 256
)

// ErrAborted is returned by [ItemWriter] methods once the utterance has
// been cancelled by a stop or by dispatcher shutdown.
var ErrAborted = errors.New("egress: utterance aborted")

// ErrClosed is returned by Enqueue after the dispatcher shut down.
var ErrClosed = errors.New("egress: dispatcher closed")

// Priority orders queued utterances. Higher priorities play first; equal
// priorities play in enqueue order. Priority never preempts an utterance
// that already started playing.
type Priority int

const (
	// PriorityNormal is regular conversational speech.
	PriorityNormal Priority = iota

	// PriorityHigh marks speech that must not wait behind the queue and
	// must not be cut short, such as the opening greeting. High-priority
	// items play at a slightly faster cadence to catch up after pauses
	// and are exempt from session staleness checks.
	PriorityHigh
)

// Item is one queued utterance: a session tag, a priority and a stream of
// frames filled by its [ItemWriter].
type Item struct {
	session  uint64
	priority Priority
	text     string
	seq      uint64

	frames     chan []byte
	aborted    chan struct{}
	abortOnce  sync.Once
	writerDone atomic.Bool
}

// abort unblocks the item's producer and marks the item dead. Idempotent.
func (it *Item) abort() {
	it.abortOnce.Do(func() { close(it.aborted) })
}

// Aborted reports whether the utterance was cancelled before finishing.
func (it *Item) Aborted() bool {
	select {
	case <-it.aborted:
		return true
	default:
		return false
	}
}

// ----------------------------------------------------------------------------

// ItemWriter feeds one utterance's audio into the dispatcher. The synthesis
// pipeline writes raw PCM as it arrives and calls Close when the stream
// ends; the writer slices the bytes into exact frames, padding the final
// partial frame with silence.
//
// Write blocks once the frame buffer is full, so synthesis cannot run
// unboundedly ahead of playback. Both methods return [ErrAborted] after the
// utterance is cancelled. Not safe for concurrent use, and Write must not
// be called after Close.
type ItemWriter struct {
	item      *Item
	framer    *audio.Framer
	done      <-chan struct{}
	closeOnce sync.Once
}

var _ io.WriteCloser = (*ItemWriter)(nil)

// Item returns the queued utterance this writer fills.
func (w *ItemWriter) Item() *Item { return w.item }

// Write buffers p and forwards every completed frame to the dispatcher.
func (w *ItemWriter) Write(p []byte) (int, error) {
	w.framer.Push(p)
	for {
		frame, ok := w.framer.Next()
		if !ok {
			return len(p), nil
		}
		if err := w.send(frame); err != nil {
			return 0, err
		}
	}
}

// Close flushes the final partial frame and seals the utterance. The
// dispatcher plays the trailing silence only after Close, so a producer
// that drops an utterance should abort it rather than close it.
func (w *ItemWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if frame, ok := w.framer.Flush(); ok {
			err = w.send(frame)
		}
		w.item.writerDone.Store(true)
		close(w.item.frames)
	})
	return err
}

func (w *ItemWriter) send(frame []byte) error {
	select {
	case w.item.frames <- frame:
		return nil
	case <-w.item.aborted:
		return ErrAborted
	case <-w.done:
		return ErrAborted
	}
}

// ----------------------------------------------------------------------------

// Dispatcher owns the outbound half of a call's audio. One goroutine pops
// utterances off the queue and plays them frame by frame, inserting a short
// gap between items and a silence tail after each one so the far end hears
// a natural boundary instead of an abrupt cut.
type Dispatcher struct {
	output         func(frame []byte) error
	currentSession func() uint64
	logger         *slog.Logger

	frameBytes  int
	silence     []byte
	cadence     time.Duration
	highCadence time.Duration
	gap         time.Duration
	grace       time.Duration
	silenceTail int
	frameBuffer int

	mu            sync.Mutex
	queue         itemHeap
	seq           uint64
	playing       *Item
	cancelPlaying chan struct{}
	closed        bool

	notify  chan struct{}
	drained chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCadence sets the sleep between normal-priority frames.
func WithCadence(d time.Duration) Option {
	return func(p *Dispatcher) {
		if d > 0 {
			p.cadence = d
		}
	}
}

// WithHighPriorityCadence sets the sleep between high-priority frames.
func WithHighPriorityCadence(d time.Duration) Option {
	return func(p *Dispatcher) {
		if d > 0 {
			p.highCadence = d
		}
	}
}

// WithGap sets the pause inserted between consecutive utterances.
func WithGap(d time.Duration) Option {
	return func(p *Dispatcher) {
		if d >= 0 {
			p.gap = d
		}
	}
}

// WithGrace sets how much of a superseded utterance may still play out. An
// utterance whose session went stale finishes if its remaining audio fits
// in the grace window, and is cut otherwise.
func WithGrace(d time.Duration) Option {
	return func(p *Dispatcher) {
		if d >= 0 {
			p.grace = d
		}
	}
}

// WithSilenceTail sets how many silence frames follow each utterance.
func WithSilenceTail(n int) Option {
	return func(p *Dispatcher) {
		if n >= 0 {
			p.silenceTail = n
		}
	}
}

// WithFrameBuffer sets how many frames an utterance may buffer ahead of
// playback before its writer blocks.
func WithFrameBuffer(n int) Option {
	return func(p *Dispatcher) {
		if n > 0 {
			p.frameBuffer = n
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(p *Dispatcher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New starts a dispatcher writing frames of format to output. output is
// called from the dispatch goroutine only and must not block beyond one
// network write. currentSession reports the call's live voice session;
// utterances tagged with an older session are considered stale.
func New(output func(frame []byte) error, currentSession func() uint64, format types.MediaFormat, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		output:         output,
		currentSession: currentSession,
		logger:         slog.Default(),
		frameBytes:     format.FrameBytes(FrameDuration),
		cadence:        defaultCadence,
		highCadence:    defaultHighCadence,
		gap:            defaultGap,
		grace:          defaultGrace,
		silenceTail:    defaultSilenceTail,
		frameBuffer:    defaultFrameBuffer,
		notify:         make(chan struct{}, 1),
		drained:        make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.frameBytes <= 0 {
		// Unusable media format; fall back to the primary telephony profile.
		d.frameBytes = types.MediaFormat{Encoding: types.EncodingLinear16, SampleRate: 8000}.FrameBytes(FrameDuration)
	}
	d.silence = audio.SilenceFrame(d.frameBytes, format.Encoding)
	heap.Init(&d.queue)

	d.wg.Add(1)
	go d.run()
	return d
}

// FrameBytes returns the wire frame size the dispatcher emits.
func (d *Dispatcher) FrameBytes() int { return d.frameBytes }

// Enqueue queues an utterance for session at the given priority and returns
// the writer that will carry its audio. text is used for logging only.
func (d *Dispatcher) Enqueue(session uint64, priority Priority, text string) (*ItemWriter, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.seq++
	item := &Item{
		session:  session,
		priority: priority,
		text:     text,
		seq:      d.seq,
		frames:   make(chan []byte, d.frameBuffer),
		aborted:  make(chan struct{}),
	}
	heap.Push(&d.queue, item)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return &ItemWriter{
		item:   item,
		framer: audio.NewFramer(d.frameBytes, d.silence[0]),
		done:   d.done,
	}, nil
}

// Clear drops every utterance that has not started playing. The one
// currently playing, if any, continues; pair with a session advance so it
// falls to the per-frame staleness check. Pending producers unblock with
// [ErrAborted].
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	items := d.queue.drainAll()
	d.mu.Unlock()
	for _, it := range items {
		it.abort()
	}
}

// Abort drops every pending utterance and cuts the one playing at the next
// frame boundary.
func (d *Dispatcher) Abort() {
	d.mu.Lock()
	items := d.queue.drainAll()
	playing := d.playing
	cancel := d.cancelPlaying
	d.cancelPlaying = nil
	d.mu.Unlock()

	for _, it := range items {
		it.abort()
	}
	if playing != nil {
		playing.abort()
	}
	if cancel != nil {
		close(cancel)
	}
}

// Idle reports whether nothing is queued or playing.
func (d *Dispatcher) Idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len() == 0 && d.playing == nil
}

// QueueLen returns the number of utterances waiting to play.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Drained signals each time playback finishes and leaves the queue empty.
// The channel has a one-slot buffer; a slow receiver misses intermediate
// signals but always sees the latest.
func (d *Dispatcher) Drained() <-chan struct{} {
	return d.drained
}

// Close shuts the dispatcher down, aborting all queued and playing
// utterances, and waits for the dispatch goroutine to exit. Safe to call
// more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	items := d.queue.drainAll()
	playing := d.playing
	cancel := d.cancelPlaying
	d.cancelPlaying = nil
	d.mu.Unlock()

	close(d.done)
	for _, it := range items {
		it.abort()
	}
	if playing != nil {
		playing.abort()
	}
	if cancel != nil {
		close(cancel)
	}
	d.wg.Wait()
	return nil
}

// ----------------------------------------------------------------------------

func (d *Dispatcher) run() {
	defer d.wg.Done()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var lastSent bool
	for {
		select {
		case <-d.done:
			return
		case <-d.notify:
		}

		var consumed bool
		for {
			item, cancel, ok := d.dequeue()
			if !ok {
				break
			}
			consumed = true
			if lastSent && d.gap > 0 {
				if !d.pause(timer, d.gap, cancel) {
					item.abort()
					d.finishPlaying(item)
					select {
					case <-d.done:
						return
					default:
					}
					lastSent = false
					continue
				}
			}
			lastSent = d.play(item, cancel, timer)
			d.finishPlaying(item)

			select {
			case <-d.done:
				return
			default:
			}
		}

		// Signal even when the consumed items produced no audio, so a
		// failed synthesis still releases whoever waits on playback.
		if consumed && d.Idle() {
			select {
			case d.drained <- struct{}{}:
			default:
			}
		}
		// The gap separates items queued back to back; an utterance
		// arriving after the queue went quiet starts immediately.
		lastSent = false
	}
}

// dequeue pops the next utterance and installs it as playing.
func (d *Dispatcher) dequeue() (*Item, chan struct{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.queue.Len() == 0 {
		return nil, nil, false
	}
	item := heap.Pop(&d.queue).(*Item)
	cancel := make(chan struct{})
	d.playing = item
	d.cancelPlaying = cancel
	return item, cancel, true
}

func (d *Dispatcher) finishPlaying(item *Item) {
	d.mu.Lock()
	if d.playing == item {
		d.playing = nil
		d.cancelPlaying = nil
	}
	d.mu.Unlock()
}

// play streams one utterance to the output, one frame per cadence tick.
// Reports whether at least one frame reached the output.
func (d *Dispatcher) play(item *Item, cancel <-chan struct{}, timer *time.Timer) bool {
	cadence := d.cadence
	if item.priority == PriorityHigh {
		cadence = d.highCadence
	}

	var sent bool
	var staleSince time.Time
	for {
		select {
		case <-d.done:
			item.abort()
			return sent
		case <-cancel:
			item.abort()
			return sent
		case frame, ok := <-item.frames:
			if !ok {
				if sent {
					d.playSilenceTail(cadence, timer, cancel)
				}
				return sent
			}
			if item.priority != PriorityHigh && item.session != d.currentSession() {
				if staleSince.IsZero() {
					staleSince = time.Now()
				}
				if !d.withinGrace(item, staleSince) {
					d.logger.Debug("cutting superseded utterance",
						"session", item.session,
						"text", item.text)
					item.abort()
					return sent
				}
			}
			if err := d.output(frame); err != nil {
				d.logger.Warn("frame write failed, dropping utterance", "error", err)
				item.abort()
				return sent
			}
			sent = true
			if !d.pause(timer, cadence, cancel) {
				item.abort()
				return sent
			}
		}
	}
}

// withinGrace decides whether a stale utterance may keep playing. Once the
// writer has closed, the exact remainder is known and the utterance
// finishes only if all of it fits in the grace window. While synthesis is
// still streaming the remainder is unknowable, so the elapsed time since
// the utterance went stale is checked instead.
func (d *Dispatcher) withinGrace(item *Item, staleSince time.Time) bool {
	if item.writerDone.Load() {
		remaining := time.Duration(len(item.frames)) * FrameDuration
		return remaining <= d.grace
	}
	return time.Since(staleSince) <= d.grace
}

// playSilenceTail emits trailing silence so the far end hears the utterance
// settle instead of stopping dead.
func (d *Dispatcher) playSilenceTail(cadence time.Duration, timer *time.Timer, cancel <-chan struct{}) {
	for i := 0; i < d.silenceTail; i++ {
		if err := d.output(d.silence); err != nil {
			return
		}
		if !d.pause(timer, cadence, cancel) {
			return
		}
	}
}

// pause sleeps for dur. Returns false when the sleep was cut short by a
// hard stop or shutdown.
func (d *Dispatcher) pause(timer *time.Timer, dur time.Duration, cancel <-chan struct{}) bool {
	timer.Reset(dur)
	select {
	case <-timer.C:
		return true
	case <-cancel:
	case <-d.done:
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	return false
}

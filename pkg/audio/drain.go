package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a synthesis or transcript stream
// is abandoned mid-flight, such as after a barge-in cancels the turn that
// owned it.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a [Source] channel is no longer
// consumed (e.g., after the buffering session has been torn down).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

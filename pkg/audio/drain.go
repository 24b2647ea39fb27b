package audio

// Drain reads from ch until it is closed, discarding all values. Use it to
// let a producer goroutine finish when the consumer no longer wants the data,
// such as a token stream abandoned after a failed pipeline start.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when you don't need the data from a
// streaming channel.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

// DiscardPending removes every value currently buffered in ch without
// blocking and returns how many were discarded. Unlike [Drain] it does not
// wait for ch to be closed, so it is safe on channels that producers may
// still hold.
func DiscardPending[T any](ch <-chan T) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

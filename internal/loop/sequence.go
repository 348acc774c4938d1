package loop

// Sequence returns the playback order of a loop. With pingPong the interior
// frames follow in reverse, so 0 1 2 3 plays as 0 1 2 3 2 1 and wraps back to 0
// without showing either endpoint twice.
func Sequence[T any](frames []T, pingPong bool) []T {
	out := make([]T, 0, 2*len(frames))
	out = append(out, frames...)
	if !pingPong || len(frames) < 3 {
		return out
	}
	for i := len(frames) - 2; i >= 1; i-- {
		out = append(out, frames[i])
	}
	return out
}

package fn

// Map applies f to each element. The result is never nil.
func Map[T, U any](items []T, f func(T) U) []U {
	out := make([]U, len(items))
	for i, v := range items {
		out[i] = f(v)
	}
	return out
}

// Filter keeps the elements pred accepts, in order. It may return nil.
func Filter[T any](items []T, keep func(T) bool) []T {
	var out []T
	for _, v := range items {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// Chunk splits items into consecutive batches of at most size elements.
// The batches share items' backing array.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}

// Last returns the last element pred accepts and its index, or the zero
// value and -1.
func Last[T any](items []T, pred func(T) bool) (T, int) {
	for i := len(items) - 1; i >= 0; i-- {
		if pred(items[i]) {
			return items[i], i
		}
	}
	var zero T
	return zero, -1
}

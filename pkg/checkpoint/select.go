package checkpoint

// SelectEvenlySpaced picks k items spread evenly over items, preserving order.
// Item i of the result is items[floor(i*n/k + n/(2k))], computed exactly as
// (2i+1)*n / 2k so that 3 of 10 selects indices 1, 5 and 8. When k >= n every
// item is returned.
func SelectEvenlySpaced[T any](items []T, k int) []T {
	n := len(items)
	if k >= n {
		out := make([]T, n)
		copy(out, items)
		return out
	}
	if k <= 0 {
		return nil
	}
	out := make([]T, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, items[(2*i+1)*n/(2*k)])
	}
	return out
}

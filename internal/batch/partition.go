// Package batch turns one full fetch from the terminal into a lazy sequence of
// fixed-size batches, reporting cumulative progress before each batch.
package batch

import "iter"

// ProgressFunc receives the cumulative record count and the total after each
// batch is cut. Values are non-decreasing and the last call has current == total.
type ProgressFunc func(current, total int)

// Stream is the result of one producer call. Batches is lazy; Total is known
// up front because the terminal returns the whole collection at once.
type Stream[T any] struct {
	Total   int
	Batches iter.Seq[[]T]
}

// Empty reports whether the stream carries no records.
func (s Stream[T]) Empty() bool {
	return s.Total == 0
}

// Partition yields records in source order in slices of at most size elements.
// progress, when non-nil, is called before each slice is yielded. A
// non-positive size yields the whole collection as one slice.
func Partition[T any](records []T, size int, progress ProgressFunc) iter.Seq[[]T] {
	return Map(records, size, progress, func(v T) T { return v })
}

// Map is Partition with a per-record conversion applied to each slice as it is
// pulled, so conversion work is spread across the iteration.
func Map[S, T any](records []S, size int, progress ProgressFunc, convert func(S) T) iter.Seq[[]T] {
	total := len(records)
	if size <= 0 {
		size = total
	}
	return func(yield func([]T) bool) {
		for start := 0; start < total; start += size {
			end := min(start+size, total)
			out := make([]T, 0, end-start)
			for _, rec := range records[start:end] {
				out = append(out, convert(rec))
			}
			if progress != nil {
				progress(end, total)
			}
			if !yield(out) {
				return
			}
		}
	}
}

// Count returns ceil(n/size), the number of batches Partition yields.
func Count(n, size int) int {
	if n <= 0 {
		return 0
	}
	if size <= 0 {
		return 1
	}
	return (n + size - 1) / size
}

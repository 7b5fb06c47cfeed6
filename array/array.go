package array

import "fmt"

func Map[I, O any](arr []I, fn func(I) O) []O {
	res := make([]O, len(arr))
	for i, v := range arr {
		res[i] = fn(v)
	}
	return res
}

func MapStringers[Slice ~[]T, T fmt.Stringer](s Slice) []string {
	return Map(s, func(e T) string { return e.String() })
}

// Prepend returns a new slice with v in front of arr.
func Prepend[T any](v T, arr []T) []T {
	res := make([]T, 0, len(arr)+1)
	res = append(res, v)
	return append(res, arr...)
}

// Filter returns a new slice of the elements of arr matching keep. Order is
// preserved.
func Filter[T any](arr []T, keep func(T) bool) []T {
	res := make([]T, 0, len(arr))
	for _, v := range arr {
		if keep(v) {
			res = append(res, v)
		}
	}
	return res
}

// Find returns a pointer to the first matching element of arr.
func Find[T any](arr []T, fn func(T) bool) (*T, bool) {
	for i := range arr {
		if fn(arr[i]) {
			return &arr[i], true
		}
	}
	return nil, false
}

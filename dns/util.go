package dns

import "slices"

// setDifference returns the elements of a not in b, in the order of a.
func setDifference[S ~[]E, E comparable](a, b S) S {
	result := S{}
	for _, x := range a {
		if !slices.Contains(b, x) {
			result = append(result, x)
		}
	}
	return result
}

// union returns a followed by the elements of b not in a, without duplicates.
func union[S ~[]E, E comparable](a, b S) S {
	result := S{}
	for _, x := range slices.Concat(a, b) {
		if !slices.Contains(result, x) {
			result = append(result, x)
		}
	}
	return result
}

package gen

// Delete element i from the slice, without preserving order.
// This is O(1), but the last element gets moved into position i.
func DeleteFromSliceUnordered[T any](slice []T, i int) []T {
	slice[i] = slice[len(slice)-1]
	return slice[:len(slice)-1]
}

// Delete the first occurrence of v from the slice, preserving order.
// If v is not present, the slice is returned unchanged.
func DeleteFirst[T comparable](slice []T, v T) []T {
	for i := range slice {
		if slice[i] == v {
			return append(slice[:i], slice[i+1:]...)
		}
	}
	return slice
}

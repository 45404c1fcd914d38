package gen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeleteFromSliceUnordered(t *testing.T) {
	a := []int{1, 2, 3, 4}
	a = DeleteFromSliceUnordered(a, 1)
	require.ElementsMatch(t, []int{1, 3, 4}, a)

	a = []int{7}
	a = DeleteFromSliceUnordered(a, 0)
	require.Empty(t, a)
}

func TestDeleteFirst(t *testing.T) {
	a := []int{1, 2, 3}
	require.Equal(t, []int{1, 3}, DeleteFirst(a, 2))

	a = []int{1, 2, 3}
	require.Equal(t, []int{1, 2, 3}, DeleteFirst(a, 9))
}

func TestClamp(t *testing.T) {
	require.Equal(t, 3, Clamp(5, 0, 3))
	require.Equal(t, 0, Clamp(-2, 0, 3))
	require.Equal(t, 2, Clamp(2, 0, 3))
}

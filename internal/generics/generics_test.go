package generics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceMap(t *testing.T) {
	doubled := SliceMap([]int{1, 2, 3}, func(x int) int { return 2 * x })
	require.Equal(t, []int{2, 4, 6}, doubled)
	require.Empty(t, SliceMap(nil, func(x int) int { return x }))
}

func TestSet(t *testing.T) {
	s := SetWith(1, 2, 3)
	require.True(t, s.Has(2))
	require.False(t, s.Has(4))

	s.Insert(4, 5)
	require.True(t, s.Has(4))
	require.Len(t, s, 5)

	clone := s.Clone()
	clone.Insert(6)
	require.True(t, clone.Has(6))
	require.False(t, s.Has(6), "clone must not share storage")

	empty := MakeSet[string](10)
	require.Empty(t, empty)
}

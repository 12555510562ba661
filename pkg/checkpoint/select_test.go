package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectEvenlySpaced(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	assert.Equal(t, []int{1, 5, 8}, SelectEvenlySpaced(items, 3))
	assert.Equal(t, items, SelectEvenlySpaced(items, 10))
	assert.Equal(t, items, SelectEvenlySpaced(items, 25))
	assert.Equal(t, []int{5}, SelectEvenlySpaced(items, 1))
	assert.Empty(t, SelectEvenlySpaced(items, 0))
	assert.Empty(t, SelectEvenlySpaced([]int{}, 3))

	for k := 1; k < len(items); k++ {
		got := SelectEvenlySpaced(items, k)
		assert.Len(t, got, k)
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1], got[i], "selection must be strictly increasing")
		}
	}
}

package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextCombinationCount(t *testing.T) {
	tests := []struct {
		n, k, want int
	}{
		{4, 1, 4},
		{4, 2, 6},
		{4, 4, 1},
		{9, 3, 84},
		{12, 6, 924},
	}
	for _, tt := range tests {
		idx := make([]int, tt.k)
		for i := range idx {
			idx[i] = i
		}
		count := 1
		for nextCombination(idx, tt.n) {
			for i := 1; i < len(idx); i++ {
				assert.Less(t, idx[i-1], idx[i])
			}
			count++
		}
		assert.Equal(t, tt.want, count, "C(%d,%d)", tt.n, tt.k)
	}
}

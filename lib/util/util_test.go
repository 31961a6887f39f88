package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIn(t *testing.T) {
	assert.True(t, In([]string{"mongo", "postgres"}, "postgres"))
	assert.False(t, In([]string{"mongo", "postgres"}, "Postgres"))
	assert.False(t, In(nil, 0))
	assert.True(t, In([]uint32{3, 10}, 10))
}

func TestChunks(t *testing.T) {
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, Chunks([]int{1, 2, 3, 4, 5}, 2))
	assert.Equal(t, [][]int{{1, 2}}, Chunks([]int{1, 2}, 5))
	assert.Equal(t, [][]int{{1, 2, 3}}, Chunks([]int{1, 2, 3}, 0))
	assert.Empty(t, Chunks([]int{}, 3))
}

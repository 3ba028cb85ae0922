package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing(t *testing.T) {
	r := newRing[int](3)
	assert.Empty(t, r.last(0))

	r.push(1)
	r.push(2)
	assert.Equal(t, []int{1, 2}, r.last(0))
	assert.Equal(t, []int{2}, r.last(1))

	r.push(3)
	r.push(4)
	assert.Equal(t, 3, r.len())
	assert.Equal(t, []int{2, 3, 4}, r.last(0))
	assert.Equal(t, []int{3, 4}, r.last(2))
	assert.Equal(t, []int{2, 3, 4}, r.last(10))
}

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAddHasDelete(t *testing.T) {
	s := New("a", "b")
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("c"))

	s.Add("c")
	assert.True(t, s.Has("c"))
	assert.Equal(t, 3, s.Len())

	s.Delete("a")
	assert.False(t, s.Has("a"))
	assert.Equal(t, 2, s.Len())
}

func TestCloneIsIndependent(t *testing.T) {
	s := New(1, 2)
	c := s.Clone()
	c.Add(3)

	assert.False(t, s.Has(3))
	assert.True(t, c.Has(3))
}

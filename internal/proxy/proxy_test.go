package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	s := New([]string{"php::call_user_func"})
	assert.True(t, s.Register("php::call_user_func", 3))
	assert.False(t, s.Register("strlen", 4))

	assert.True(t, s.IsProxy(3))
	assert.False(t, s.IsProxy(4))
	assert.False(t, s.IsProxy(0))
}

func TestFIFOPerProxy(t *testing.T) {
	s := New([]string{"p", "q"})
	s.Register("p", 1)
	s.Register("q", 2)

	s.Defer(1, Call{Callee: 10, Line: 5, Cost: 100})
	s.Defer(2, Call{Callee: 20, Line: 6, Cost: 200})
	s.Defer(1, Call{Callee: 11, Line: 7, Cost: 101})
	assert.Equal(t, 3, s.Pending())

	c, ok := s.Resolve(1)
	require.True(t, ok)
	assert.Equal(t, Call{Callee: 10, Line: 5, Cost: 100}, c)

	c, ok = s.Resolve(2)
	require.True(t, ok)
	assert.Equal(t, 20, c.Callee)

	c, ok = s.Resolve(1)
	require.True(t, ok)
	assert.Equal(t, 11, c.Callee)

	_, ok = s.Resolve(1)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Pending())
}

func TestDisabled(t *testing.T) {
	s := New(nil)
	assert.False(t, s.Register("anything", 0))
	_, ok := s.Resolve(0)
	assert.False(t, ok)
}

package code

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferAppendCap(t *testing.T) {
	b := NewBuffer(5)
	for _, d := range []byte("1234567") {
		b.Append(d)
	}
	assert.Equal(t, "12345", b.Value())
	assert.True(t, b.Complete())
	assert.Equal(t, 5, b.Len())
}

func TestBufferRejectsNonDigits(t *testing.T) {
	b := NewBuffer(5)
	b.Append('1')
	b.Append('x')
	b.Append('*')
	b.Append('2')
	assert.Equal(t, "12", b.Value())
}

func TestBufferBackspace(t *testing.T) {
	b := NewBuffer(5)
	b.Backspace() // empty backspace is a no-op
	assert.Equal(t, "", b.Value())

	b.Append('4')
	b.Append('2')
	b.Backspace()
	assert.Equal(t, "4", b.Value())
	b.Backspace()
	b.Backspace()
	assert.Equal(t, "", b.Value())
	assert.Equal(t, 0, b.Len())
}

func TestBufferClear(t *testing.T) {
	b := NewBuffer(5)
	for _, d := range []byte("123") {
		b.Append(d)
	}
	b.Clear()
	assert.Equal(t, "", b.Value())
	assert.False(t, b.Complete())
}

func TestBufferLengthNeverExceedsLimit(t *testing.T) {
	b := NewBuffer(5)
	ops := []func(){
		func() { b.Append('7') },
		func() { b.Backspace() },
		func() { b.Append('0') },
		func() { b.Append('9') },
	}
	for i := 0; i < 200; i++ {
		ops[i%len(ops)]()
		require.GreaterOrEqual(t, b.Len(), 0)
		require.LessOrEqual(t, b.Len(), 5)
	}
}

func TestBufferDefaultLimit(t *testing.T) {
	b := NewBuffer(0)
	for _, d := range []byte("999999999") {
		b.Append(d)
	}
	assert.Equal(t, DefaultLength, b.Len())
}

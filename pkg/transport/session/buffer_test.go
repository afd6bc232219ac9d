package session

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(8)

	n, err := rb.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	p := make([]byte, 4)
	n, err = rb.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(p[:n]))

	// 写入跨越尾部
	_, err = rb.Write([]byte("ghijk"))
	require.NoError(t, err)
	assert.Equal(t, 7, rb.Len())
	assert.Equal(t, 1, rb.Available())

	p = make([]byte, 16)
	n, err = rb.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "efghijk", string(p[:n]))
	assert.Equal(t, 0, rb.Len())
}

func TestRingBuffer_Full(t *testing.T) {
	rb := NewRingBuffer(4)
	_, err := rb.Write([]byte("abcde"))
	assert.True(t, errors.Is(err, ErrBufferFull))
	assert.Equal(t, 0, rb.Len(), "被拒绝的写入不应部分写入")
}

func TestRingBuffer_Close(t *testing.T) {
	rb := NewRingBuffer(4)
	_, err := rb.Write([]byte("ab"))
	require.NoError(t, err)
	rb.Clear()
	assert.Equal(t, 0, rb.Len())

	rb.Close()
	_, err = rb.Write([]byte("x"))
	assert.True(t, errors.Is(err, ErrBufferClosed))
	_, err = rb.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, ErrBufferClosed))
}

package session

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrBufferFull   = errors.New("session: read buffer full")
	ErrBufferClosed = errors.New("session: read buffer closed")
)

// RingBuffer 环形缓冲区，暂存调用方缓冲区放不下的消息剩余部分
// 并发安全
type RingBuffer struct {
	mu sync.Mutex

	data     []byte
	head     int // 读位置
	tail     int // 写位置
	count    int
	isClosed bool
}

// NewRingBuffer 创建容量为size字节的环形缓冲区
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{data: make([]byte, size)}
}

// Write 整体写入p，空间不足时不写入任何数据
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.isClosed {
		return 0, ErrBufferClosed
	}
	if len(p) > len(rb.data)-rb.count {
		return 0, errors.Wrapf(ErrBufferFull, "need %d, have %d", len(p), len(rb.data)-rb.count)
	}

	n := copy(rb.data[rb.tail:], p)
	if n < len(p) {
		copy(rb.data, p[n:])
	}
	rb.tail = (rb.tail + len(p)) % len(rb.data)
	rb.count += len(p)
	return len(p), nil
}

// Read 读出最多len(p)字节，缓冲区为空时返回0
func (rb *RingBuffer) Read(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.isClosed {
		return 0, ErrBufferClosed
	}
	size := len(p)
	if size > rb.count {
		size = rb.count
	}
	if size == 0 {
		return 0, nil
	}

	n := copy(p[:size], rb.data[rb.head:])
	if n < size {
		copy(p[n:size], rb.data)
	}
	rb.head = (rb.head + size) % len(rb.data)
	rb.count -= size
	if rb.count == 0 {
		rb.head, rb.tail = 0, 0
	}
	return size, nil
}

// Len 当前缓冲的字节数
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Available 可写入的字节数
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.data) - rb.count
}

func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head, rb.tail, rb.count = 0, 0, 0
}

// Close 关闭后读写均返回ErrBufferClosed
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.isClosed = true
}

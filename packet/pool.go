package packet

import (
	"bytes"
	"sync"
)

type bufferPool struct {
	pool *sync.Pool
}

func newBufferPool() *bufferPool {
	return &bufferPool{
		pool: &sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
	}
}

func (b *bufferPool) Get() *bytes.Buffer {
	return b.pool.Get().(*bytes.Buffer)
}

func (b *bufferPool) Put(buf *bytes.Buffer) {
	buf.Reset()
	b.pool.Put(buf)
}

var buffers = newBufferPool()

// GetBuffer returns a pooled scratch buffer. Callers must not retain its
// backing array after PutBuffer.
func GetBuffer() *bytes.Buffer {
	return buffers.Get()
}

func PutBuffer(buf *bytes.Buffer) {
	buffers.Put(buf)
}

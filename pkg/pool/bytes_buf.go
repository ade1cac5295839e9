package pool

import (
	"fmt"
	"math/bits"
	"sync"
)

// Buffers are pooled by power of two capacity, up to 1<<maxShift bytes.
const maxShift = 20

var bufPools [maxShift + 1]sync.Pool

// Buffer is a pooled byte slice. Release it after use.
type Buffer struct {
	b     []byte
	shift int
}

// Bytes returns the first n bytes requested by GetBuf.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// AllBytes returns the whole underlying slice.
func (b *Buffer) AllBytes() []byte {
	return b.b[:cap(b.b)]
}

// Release returns b to the pool. b must not be used afterwards.
func (b *Buffer) Release() {
	if b.shift < 0 {
		return
	}
	bufPools[b.shift].Put(b)
}

// GetBuf returns a Buffer whose Bytes has length n.
func GetBuf(n int) *Buffer {
	if n < 0 {
		panic(fmt.Sprintf("pool: invalid buffer size %d", n))
	}
	shift := 0
	if n > 1 {
		shift = bits.Len(uint(n - 1))
	}
	if shift > maxShift {
		return &Buffer{b: make([]byte, n), shift: -1}
	}

	if v := bufPools[shift].Get(); v != nil {
		buf := v.(*Buffer)
		buf.b = buf.b[:n]
		return buf
	}
	return &Buffer{b: make([]byte, n, 1<<shift), shift: shift}
}

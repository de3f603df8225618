// Package bufpool provides sized byte-slice pooling for RTMFP datagram
// buffers, reducing GC churn on the hot ingress/egress path. Size classes are
// tailored to the protocol's fixed 1192-byte datagram ceiling rather than the
// larger classes a TCP-chunked protocol would want.
package bufpool

import "sync"

var sizeClasses = []int{64, 512, 1192}

type classPool struct {
	size int
	pool *sync.Pool
}

// Pool is a byte-slice pool with predefined size classes.
type Pool struct {
	pools []classPool
}

var defaultPool = New()

// Get acquires a buffer from the package-level default pool.
func Get(size int) []byte { return defaultPool.Get(size) }

// Put releases a buffer back to the package-level default pool.
func Put(buf []byte) { defaultPool.Put(buf) }

// New creates a buffer pool sized for RTMFP datagrams (max 1192 bytes).
func New() *Pool {
	pools := make([]classPool, len(sizeClasses))
	for i, size := range sizeClasses {
		size := size
		pools[i] = classPool{
			size: size,
			pool: &sync.Pool{New: func() any { return make([]byte, size) }},
		}
	}
	return &Pool{pools: pools}
}

// Get returns a byte slice of exactly size bytes, backed by the nearest
// size class that fits. Requests above the largest class allocate fresh.
func (p *Pool) Get(size int) []byte {
	if p == nil || size <= 0 {
		return nil
	}
	for i := range p.pools {
		class := &p.pools[i]
		if size <= class.size {
			buf := class.pool.Get().([]byte)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to the pool if its capacity matches a size class; buffers
// that don't match any class are discarded. The buffer is cleared first so
// stale session key material never leaks across callers.
func (p *Pool) Put(buf []byte) {
	if p == nil || buf == nil {
		return
	}
	capBuf := cap(buf)
	for i := range p.pools {
		class := &p.pools[i]
		if capBuf == class.size {
			full := buf[:class.size]
			clear(full)
			class.pool.Put(full)
			return
		}
	}
}

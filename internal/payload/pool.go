// Package payload generates the pseudo-random bytes that stand in for
// real media/game/bulk-transfer payloads — no real media codecs, just
// traffic payloads shaped to resemble gaming/video/streaming envelopes.
// It uses a fast seedable PRNG (xoshiro256**) instead of crypto/rand,
// and maintains size-bucketed pools of pre-filled, immutable buffers so
// the hot path (one tick's traffic step) never allocates or spends CPU
// generating entropy — only copies from an existing buffer into the
// socket.
package payload

import "sync"

// xoshiro256** — David Blackman & Sebastiano Vigna's public-domain
// generator. Not cryptographically secure; that's fine here, the bytes
// only need to look like opaque payload, not resist prediction.
type xoshiro256 struct {
	s [4]uint64
}

func newXoshiro256(seed uint64) *xoshiro256 {
	// Seed the state with splitmix64, the standard way to initialize
	// xoshiro from a single 64-bit seed.
	sm := seed
	next := func() uint64 {
		sm += 0x9E3779B97F4A7C15
		z := sm
		z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
		z = (z ^ (z >> 27)) * 0x94D049BB133111EB
		return z ^ (z >> 31)
	}
	x := &xoshiro256{}
	for i := range x.s {
		x.s[i] = next()
	}
	return x
}

func rotl(x uint64, k uint) uint64 {
	return (x << k) | (x >> (64 - k))
}

func (x *xoshiro256) next() uint64 {
	result := rotl(x.s[1]*5, 7) * 9

	t := x.s[1] << 17
	x.s[2] ^= x.s[0]
	x.s[3] ^= x.s[1]
	x.s[1] ^= x.s[2]
	x.s[0] ^= x.s[3]
	x.s[2] ^= t
	x.s[3] = rotl(x.s[3], 45)

	return result
}

// fill writes pseudo-random bytes into buf.
func (x *xoshiro256) fill(buf []byte) {
	i := 0
	for i+8 <= len(buf) {
		v := x.next()
		buf[i+0] = byte(v)
		buf[i+1] = byte(v >> 8)
		buf[i+2] = byte(v >> 16)
		buf[i+3] = byte(v >> 24)
		buf[i+4] = byte(v >> 32)
		buf[i+5] = byte(v >> 40)
		buf[i+6] = byte(v >> 48)
		buf[i+7] = byte(v >> 56)
		i += 8
	}
	if i < len(buf) {
		v := x.next()
		for j := i; j < len(buf); j++ {
			buf[j] = byte(v)
			v >>= 8
		}
	}
}

// Standard bucket sizes, 64 KB through 8 MB.
var bucketSizes = []int{
	64 * 1024,
	256 * 1024,
	1 << 20,
	4 << 20,
	8 << 20,
}

// MaxChunk is the largest bucket and therefore the most Take can return
// from one call. Callers with a larger quota split it into MaxChunk-sized
// requests.
const MaxChunk = 8 << 20

// Pool hands out immutable pre-filled byte buffers bucketed by size, so
// producing a chunk of traffic never touches the PRNG on the hot path.
// One Pool is process-local — the PRNG-backed payload pools are never
// shared across processes.
type Pool struct {
	mu      sync.Mutex
	rng     *xoshiro256
	buckets map[int][]byte
}

// NewPool creates a pool seeded from seed and pre-fills every standard
// bucket once.
func NewPool(seed uint64) *Pool {
	p := &Pool{
		rng:     newXoshiro256(seed),
		buckets: make(map[int][]byte, len(bucketSizes)),
	}
	for _, size := range bucketSizes {
		buf := make([]byte, size)
		p.rng.fill(buf)
		p.buckets[size] = buf
	}
	return p
}

// bucketFor returns the smallest standard bucket size that is >= n, or
// the largest bucket if n exceeds it.
func bucketFor(n int) int {
	for _, size := range bucketSizes {
		if size >= n {
			return size
		}
	}
	return bucketSizes[len(bucketSizes)-1]
}

// Take returns n bytes of pseudo-random payload, capped at MaxChunk —
// callers asking for more must split the request and check the returned
// length. The returned slice aliases pool-owned memory and must not be
// mutated by the caller; callers that need to prepend a header should
// write the header to a separate buffer and use net.Buffers / two
// writes, or copy via CopyInto.
func (p *Pool) Take(n int) []byte {
	bucket := bucketFor(n)
	p.mu.Lock()
	buf := p.buckets[bucket]
	if buf == nil {
		buf = make([]byte, bucket)
		p.rng.fill(buf)
		p.buckets[bucket] = buf
	}
	p.mu.Unlock()
	if n > len(buf) {
		n = len(buf)
	}
	return buf[:n]
}

// CopyInto copies n pseudo-random bytes into dst (len(dst) must be >= n).
// Used when the caller already owns a buffer (e.g. one with header space
// reserved) and wants to avoid a second allocation.
func (p *Pool) CopyInto(dst []byte, n int) int {
	src := p.Take(n)
	return copy(dst, src)
}

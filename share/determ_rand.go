package olshare

// Deterministic byte stream for reproducible id sequences
// overview: half of each digest is used as the output
// [a|...] -> sha512(a) -> [b|output] -> sha512(b)

import (
	"crypto/sha512"
	"io"
	"sync"
)

// DetermRandIter is the number of times a seed is hashed with SHA-512 to produce
// starting state of a pseudo-random stream
const DetermRandIter = 2048

// NewDetermRand creates an io.Reader that produces pseudo random bytes that are deterministic
// from a seed. It is safe for concurrent use.
func NewDetermRand(seed []byte) io.Reader {
	next := seed
	for i := 0; i < DetermRandIter; i++ {
		next, _ = hash(next)
	}
	return &DetermRand{next: next}
}

// DetermRand keeps running state for a pseudorandom byte stream
type DetermRand struct {
	mu   sync.Mutex
	next []byte
}

func (d *DetermRand) Read(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for n < len(b) {
		next, out := hash(d.next)
		n += copy(b[n:], out)
		d.next = next
	}
	return n, nil
}

func hash(input []byte) (next []byte, output []byte) {
	sum := sha512.Sum512(input)
	return sum[:sha512.Size/2], sum[sha512.Size/2:]
}

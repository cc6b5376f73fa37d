package olshare

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Identifier lengths used by the relay
const (
	ClientIDLength  = 9
	StreamIDLength  = 9
	RequestIDLength = 16
)

// IDGenerator produces opaque, collision-resistant identifiers
type IDGenerator interface {
	NewID() string
}

// RandomIDs generates lowercase hex ids of a fixed Length from random UUIDs.
// If Reader is set, UUIDs are drawn from it instead of crypto/rand.
type RandomIDs struct {
	Length int
	Reader io.Reader
}

// NewID implements IDGenerator
func (g *RandomIDs) NewID() string {
	var u uuid.UUID
	var err error
	if g.Reader != nil {
		u, err = uuid.NewRandomFromReader(g.Reader)
	} else {
		u, err = uuid.NewRandom()
	}
	if err != nil {
		// entropy failure; fall back to the panicking constructor
		u = uuid.New()
	}
	id := strings.ReplaceAll(u.String(), "-", "")
	if g.Length > 0 && g.Length < len(id) {
		id = id[:g.Length]
	}
	return id
}

// NewSeededIDs returns a RandomIDs whose sequence is reproducible from seed
func NewSeededIDs(length int, seed string) *RandomIDs {
	return &RandomIDs{Length: length, Reader: NewDetermRand([]byte(seed))}
}

// SequenceIDs generates Prefix followed by a zero-padded counter
type SequenceIDs struct {
	Prefix string
	n      uint64
}

// NewID implements IDGenerator
func (g *SequenceIDs) NewID() string {
	return fmt.Sprintf("%s%06d", g.Prefix, atomic.AddUint64(&g.n, 1))
}

package types

import (
	"crypto/rand"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator hands out identifiers for events and stream clients. One
// generator is scoped to a single session or server instance.
type IDGenerator interface {
	NextID(t time.Time) string
}

// ULIDGenerator produces lexically time-ordered identifiers.
type ULIDGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewULIDGenerator returns a generator using monotonic crypto entropy.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NextID returns a ULID stamped with t.
func (g *ULIDGenerator) NextID(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}

// SequenceGenerator produces prefix-1, prefix-2, ... regardless of time.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	next   uint64
}

// NewSequenceGenerator returns a generator whose identifiers start with prefix.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

// NextID returns the next identifier in the sequence.
func (g *SequenceGenerator) NextID(_ time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return g.prefix + "-" + strconv.FormatUint(g.next, 10)
}

package opid

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// ID identifies one issued operation. IDs from a Generator are never zero and
// never repeat.
type ID uint64

// Generator hands out operation IDs. The zero value is not usable, call
// NewGenerator.
//
// IDs are plain counters so they can double as opaque handle tokens; String
// renders them with the generator's prefix for log correlation.
type Generator struct {
	prefix  string
	counter atomic.Uint64
	pool    sync.Pool
}

// NewGenerator creates a generator whose rendered IDs look like "<prefix>-<n>".
//
// Parameters:
//   - prefix: Short label for the issuing component (e.g. "read", "rmw")
//
// Returns:
//   - *Generator: A new operation ID generator
func NewGenerator(prefix string) *Generator {
	return &Generator{
		prefix: prefix,
		pool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 0, 32)
				return &buf
			},
		},
	}
}

// Next returns a fresh ID. Safe for concurrent use.
func (g *Generator) Next() ID {
	return ID(g.counter.Add(1))
}

// Issued returns how many IDs have been handed out.
func (g *Generator) Issued() uint64 {
	return g.counter.Load()
}

// String renders id with the generator's prefix without going through fmt.
func (g *Generator) String(id ID) string {
	bufp := g.pool.Get().(*[]byte)
	buf := (*bufp)[:0]

	buf = append(buf, g.prefix...)
	buf = append(buf, '-')
	buf = strconv.AppendUint(buf, uint64(id), 10)
	result := string(buf)

	*bufp = buf
	g.pool.Put(bufp)
	return result
}

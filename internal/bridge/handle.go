package bridge

import (
	"sync"

	"github.com/feellmoose/typedkv/internal/native"
	"github.com/feellmoose/typedkv/internal/utils/opid"
)

// Completion handles cannot travel through the engine as Go pointers, so they
// are parked in a process-wide table and represented by a token. Reclaiming
// deletes the entry, which is what makes a handle single-use.
var (
	handles   sync.Map // native.Token -> any (*Completion[V])
	handleIDs = opid.NewGenerator("read")
)

// NewHandle parks c and returns the token to pass to the engine. Ownership of
// c moves to whoever reclaims the token.
func NewHandle[V any](c *Completion[V]) native.Token {
	tok := native.Token(c.id)
	handles.Store(tok, c)
	return tok
}

// ReclaimHandle takes the completion back from the table. It succeeds at most
// once per token; the entry is consumed even when the value type does not
// match so a mistyped callback cannot be retried against the same handle.
func ReclaimHandle[V any](tok native.Token) (*Completion[V], error) {
	v, ok := handles.LoadAndDelete(tok)
	if !ok {
		return nil, ErrUnknownHandle
	}
	c, ok := v.(*Completion[V])
	if !ok {
		// The owner would otherwise wait forever.
		if a, ok := v.(aborter); ok {
			a.abort(native.StatusAborted)
		}
		return nil, ErrHandleType
	}
	return c, nil
}

// OutstandingHandles counts tokens issued but not yet reclaimed.
func OutstandingHandles() int {
	n := 0
	handles.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// DropHandle reclaims a token the engine refused to schedule and resolves its
// completion with status. It reports false if the token was already gone.
func DropHandle[V any](tok native.Token, status native.Status) bool {
	c, err := ReclaimHandle[V](tok)
	if err != nil {
		return false
	}
	return c.drop(status)
}

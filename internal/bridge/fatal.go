package bridge

import (
	"sync/atomic"

	"github.com/feellmoose/typedkv/internal/utils/logging"
)

// FatalHandler receives errors that surface inside a callback, where the
// native call shape offers no way to report them. The default handler logs
// and terminates the process.
type FatalHandler func(op string, err error)

func defaultFatal(op string, err error) {
	logging.Fatal(err, "unrecoverable failure inside engine callback", "op", op)
}

var fatalHandler atomic.Pointer[FatalHandler]

func init() {
	h := FatalHandler(defaultFatal)
	fatalHandler.Store(&h)
}

// SetFatalHandler installs h (nil restores the default) and returns a
// function that puts the previous handler back.
func SetFatalHandler(h FatalHandler) (restore func()) {
	if h == nil {
		h = defaultFatal
	}
	prev := fatalHandler.Swap(&h)
	return func() { fatalHandler.Store(prev) }
}

// escalate is only called at the outermost callback boundary.
func escalate(op string, err error) {
	logging.Error(err, "engine callback failed", "op", op)
	(*fatalHandler.Load())(op, err)
}

package transport

import (
	"sync"

	"github.com/MrWong99/stagelive/pkg/protocol"
)

// Handler receives one dispatched [protocol.Message]. Handlers run on the
// dispatching goroutine and must not block for long.
type Handler func(protocol.Message)

// Bus maps a message [protocol.Kind] to an ordered list of handlers.
//
// Every handler registered for a kind is invoked synchronously, in
// registration order, for each dispatched message of that kind. Handlers may
// subscribe further handlers from inside a callback; new registrations take
// effect from the next dispatch.
//
// All methods are safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[protocol.Kind][]Handler
}

// NewBus returns an empty [Bus].
func NewBus() *Bus {
	return &Bus{handlers: make(map[protocol.Kind][]Handler)}
}

// Subscribe appends h to the handler list for kind. A nil handler is ignored.
func (b *Bus) Subscribe(kind protocol.Kind, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Dispatch invokes every handler registered for msg.Kind and returns how many
// ran. The handler list is snapshotted before the first call so the lock is
// not held while handlers execute.
func (b *Bus) Dispatch(msg protocol.Message) int {
	b.mu.RLock()
	hs := b.handlers[msg.Kind]
	snapshot := make([]Handler, len(hs))
	copy(snapshot, hs)
	b.mu.RUnlock()

	for _, h := range snapshot {
		h(msg)
	}
	return len(snapshot)
}

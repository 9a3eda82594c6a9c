// Package mock provides an in-memory mock of [transport.Sender] for unit
// tests.
//
// The mock records every frame passed to Send so tests can assert on the
// outbound traffic of the director and the capture uplink:
//
//	s := &mock.Sender{}
//	d := director.New(buf, s, player, stage)
//	d.Interrupt()
//	frames := s.Sent()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/stagelive/pkg/protocol"
	"github.com/MrWong99/stagelive/pkg/transport"
)

var _ transport.Sender = (*Sender)(nil)

// Sender is a mock implementation of [transport.Sender].
type Sender struct {
	mu sync.Mutex

	// SendErr is returned by every Send call. Frames are recorded even when
	// SendErr is set.
	SendErr error

	// OnSend, when set, is invoked synchronously for each frame after it is
	// recorded.
	OnSend func(protocol.Outbound)

	sent []protocol.Outbound
}

// Send implements [transport.Sender].
func (s *Sender) Send(_ context.Context, out protocol.Outbound) error {
	s.mu.Lock()
	s.sent = append(s.sent, out)
	err := s.SendErr
	hook := s.OnSend
	s.mu.Unlock()

	if hook != nil {
		hook(out)
	}
	return err
}

// Sent returns a copy of every recorded frame in send order.
func (s *Sender) Sent() []protocol.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Outbound, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentOfType returns the recorded frames whose type equals typ.
func (s *Sender) SentOfType(typ string) []protocol.Outbound {
	var out []protocol.Outbound
	for _, o := range s.Sent() {
		if o.Type() == typ {
			out = append(out, o)
		}
	}
	return out
}

// Reset discards all recorded frames.
func (s *Sender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

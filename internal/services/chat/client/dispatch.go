package client

import (
	"sync"

	"github.com/louisbranch/classroom.chat/internal/services/chat/protocol"
)

// Handler receives every decoded event in arrival order.
type Handler func(protocol.Event)

// handlerSlot holds the current handler. The read loop looks it up for each
// event so a replaced handler takes effect on the next frame.
type handlerSlot struct {
	mu sync.RWMutex
	fn Handler
}

func (s *handlerSlot) set(fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

func (s *handlerSlot) deliver(event protocol.Event) {
	s.mu.RLock()
	fn := s.fn
	s.mu.RUnlock()
	if fn != nil {
		fn(event)
	}
}

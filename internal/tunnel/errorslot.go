package tunnel

import "sync"

// ErrorSlot holds the most recent unrecovered tunnel error. A newer error
// replaces an unread one.
type ErrorSlot struct {
	mu  sync.Mutex
	msg string
}

func (s *ErrorSlot) Set(msg string) {
	s.mu.Lock()
	s.msg = msg
	s.mu.Unlock()
}

// Take returns the held message and clears the slot.
func (s *ErrorSlot) Take() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.msg
	s.msg = ""
	return msg
}


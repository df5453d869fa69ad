// Package zdo implements the Zigbee Device Objects command engine used to
// query metadata from an XBee node: node descriptor and routing table
// retrieval over an explicit-addressed frame exchange.
package zdo

import "sync"

// Sequence allocates single-byte transaction IDs in [1,254], wrapping back
// to 1. A transaction ID correlates an outbound request with both its
// link-layer transmit status and its application-layer response.
type Sequence struct {
	mu   sync.Mutex
	next uint8
}

// NewSequence creates a sequence starting at 1.
func NewSequence() *Sequence {
	return &Sequence{next: 1}
}

// Next returns the next transaction ID.
func (s *Sequence) Next() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	if s.next == 0xFF {
		s.next = 1
	}
	return id
}

// DefaultSequence is shared by every command in the process, so concurrent
// exchanges on the same transport get distinct transaction IDs.
var DefaultSequence = NewSequence()

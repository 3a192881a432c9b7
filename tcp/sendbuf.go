package tcp

import (
	"github.com/nplab/tcpcore/internal"
)

// sendBuffer is a retransmission-aware send queue: bytes written by the user
// sit at the tail (unsent); building an outbound segment marks a prefix of
// those bytes "sent" without discarding them, so they remain available for
// retransmission until acknowledged. A single sent/unsent split point is
// enough bookkeeping here: ControlBlock already tracks snd.UNA/snd.NXT/
// snd.MAX in sequence space, so no per-packet retransmission list is kept.
type sendBuffer struct {
	ring    internal.Ring
	sentLen int // bytes from ring.Off already sent at least once (== snd.NXT-snd.UNA).
}

// Reset reinitializes the buffer to use buf for storage.
func (s *sendBuffer) Reset(buf []byte) {
	s.ring = internal.Ring{Buf: buf}
	s.sentLen = 0
}

// Free returns how many more bytes Write can accept.
func (s *sendBuffer) Free() int { return s.ring.Free() }

// Write appends bytes to the unsent tail of the buffer.
func (s *sendBuffer) Write(b []byte) (int, error) { return s.ring.Write(b) }

// Unsent returns the number of buffered bytes not yet included in any
// outbound segment.
func (s *sendBuffer) Unsent() int { return s.ring.Buffered() - s.sentLen }

// Unacked returns the number of bytes sent but not yet acknowledged.
func (s *sendBuffer) Unacked() int { return s.sentLen }

// PeekSent reads up to len(b) bytes starting at offset into the already-sent
// region, for retransmission. offset is relative to the oldest unacked byte
// (snd.UNA).
func (s *sendBuffer) PeekSent(b []byte, offset int) (int, error) {
	return s.ring.ReadAt(b, int64(offset))
}

// TakeUnsent copies up to len(b) bytes from the unsent tail into b and marks
// them sent, returning the number of bytes taken.
func (s *sendBuffer) TakeUnsent(b []byte) (int, error) {
	if len(b) > s.Unsent() {
		b = b[:s.Unsent()]
	}
	n, err := s.ring.ReadAt(b, int64(s.sentLen))
	if err != nil {
		return 0, err
	}
	s.sentLen += n
	return n, nil
}

// Ack discards n acknowledged bytes from the front of the buffer.
func (s *sendBuffer) Ack(n int) error {
	if n <= 0 {
		return nil
	}
	if n > s.sentLen {
		n = s.sentLen
	}
	s.sentLen -= n
	return s.ring.ReadDiscard(n)
}

// DebugZones appends an ASCII diagram of the buffer's sent/unsent/free
// regions to dst.
func (s *sendBuffer) DebugZones(dst []byte) ([]byte, error) {
	size := s.ring.Size()
	if size == 0 {
		return dst, nil
	}
	sentEnd := (s.ring.Off + s.sentLen) % size
	var zp internal.ZonePrinter
	return zp.AppendPrintZones(dst, size, []internal.BufferZone{
		{Name: "sent", Start: s.ring.Off, End: sentEnd},
		{Name: "unsent", Start: sentEnd, End: s.ring.End},
	}...)
}

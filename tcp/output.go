package tcp

import "time"

// minSize returns the smaller of a and b.
func minSize(a, b Size) Size {
	if a < b {
		return a
	}
	return b
}

// output runs the greedy segment-building loop against cs, updating its
// ControlBlock and send buffer in place and returning zero or more segments
// ready to transmit.
func (e *Engine) output(now time.Time, cs *connState) []OutSegment {
	cb := &cs.cb
	var outs []OutSegment
	for {
		// The advertised window tracks what the receive queue can still
		// absorb; Recv reopens it as the application drains.
		cb.rcv.WND = Size(cs.rcvq.Free())
		window := minSize(cb.snd.WND, cb.snd.CWND)
		rightEdge := Add(cb.snd.UNA, window)
		var usable Size
		if rightEdge.GreaterThan(cb.snd.NXT) {
			usable = Sizeof(cb.snd.NXT, rightEdge)
		}
		unsent := Size(cs.sndq.Unsent())
		finPending := cs.cantsndmore && !cb.finSent && unsent == 0

		want := cb.shouldAckNow || finPending || (usable > 0 && unsent > 0)
		if !want {
			break
		}

		segLen := unsent
		if segLen > usable {
			segLen = usable
		}
		if segLen > Size(cb.maxSeg) {
			segLen = Size(cb.maxSeg)
		}

		var payload []byte
		if segLen > 0 {
			payload = make([]byte, segLen)
			n, err := cs.sndq.TakeUnsent(payload)
			if err != nil {
				break
			}
			payload = payload[:n]
			segLen = Size(n)
		}

		fin := cs.cantsndmore && !cb.finSent && Size(cs.sndq.Unsent()) == 0
		seg := MakeAck(cb, segLen, fin)
		if segLen > 0 && Size(cs.sndq.Unsent()) == 0 {
			seg.Flags |= FlagPSH // slice empties the send queue.
		}
		if fin {
			cb.finSent = true
		}
		cb.snd.NXT = Add(cb.snd.NXT, segLen)
		if fin {
			cb.snd.NXT = Add(cb.snd.NXT, 1)
		}
		if cb.snd.NXT.GreaterThan(cb.snd.MAX) {
			cb.snd.MAX = cb.snd.NXT
		}

		cb.rcv.ADV = Add(cb.rcv.NXT, cb.rcv.WND)
		cb.rcv.lastAckSent = cb.rcv.NXT
		cb.snd.rxwin0sent = seg.WND == 0
		cb.shouldAckNow = false
		cb.ttDelack.disarm()
		if !cb.rexmt.armed() && (segLen > 0 || fin) {
			cb.rexmt.arm(rexmtData, now.Add(cb.rtt.rto))
		}
		if !cb.rttSegSet && (segLen > 0 || fin) {
			cb.rttSeg = seg.SEQ
			cb.rttSegSet = true
			cb.rttStart = now
		}

		cb.traceSeg("tx", seg)
		out := e.wrap(cs.id, seg)
		out.Payload = payload
		outs = append(outs, out)

		if segLen == 0 && !fin {
			break // pure ACK already emitted, nothing more to do this pass.
		}
		if Size(cs.sndq.Unsent()) == 0 {
			break // drained; loop again only once more data or a close arrives.
		}
	}
	if cb.snd.WND == 0 && Size(cs.sndq.Unsent()) > 0 && !cb.rexmt.armed() {
		// Zero peer window with data pending: arm the persist timer so a
		// lost window update cannot deadlock the connection.
		cb.rexmt.arm(rexmtPersist, now.Add(cb.rtt.rto))
	}
	return outs
}

package tcp

import "time"

// Timer walks every connection and fires any expired timer.
// Connections that are dropped as a result are reported via events; segments
// produced by retransmission, persist probes, or delayed ACKs are returned
// for transmission.
func (e *Engine) Timer(now time.Time) ([]Event, []OutSegment) {
	var events []Event
	var outs []OutSegment
	for id, cs := range e.conns {
		cb := &cs.cb

		if cb.rexmt.expired(now) {
			mode := cb.rexmt.val
			cb.rexmt.shift++
			if cb.rexmt.shift > tcpMaxRxtShift {
				e.destroy(id, dropCauseRetransmissionExceeded)
				events = append(events, Event{Kind: EventDrop, ID: id, Cause: dropCauseRetransmissionExceeded})
				continue
			}
			switch mode {
			case rexmtSyn:
				var seg Segment
				if cb.state == StateSynRcvd {
					seg = MakeSynAck(cb)
				} else {
					seg = MakeSyn(cb)
				}
				cb.rttSegSet = false // Karn: never time a retransmitted octet.
				cb.traceSeg("rexmt syn", seg)
				outs = append(outs, e.wrap(id, seg))
			case rexmtData:
				newCwnd := minSize(cb.snd.WND, cb.snd.CWND) / 2
				minCwnd := Size(cb.maxSeg) * 2
				if newCwnd < minCwnd {
					newCwnd = minCwnd
				}
				cb.snd.SSTHRESH = newCwnd
				cb.snd.CWND = Size(cb.maxSeg)
				cb.rttSegSet = false // Karn: never time a retransmitted octet.
				metricRetransmits.Inc()
				if out, ok := e.buildRetransmit(cs); ok {
					cb.traceSeg("rexmt data", out.Segment)
					outs = append(outs, out)
				}
			case rexmtPersist:
				b := make([]byte, 1)
				got, err := cs.sndq.PeekSent(b, 0)
				if err != nil {
					got = 0
				}
				seg := MakeAck(cb, Size(got), false)
				seg.SEQ = cb.snd.UNA
				cb.traceSeg("persist probe", seg)
				outs = append(outs, e.appendPayload(id, seg, b[:got]))
			}
			cb.rexmt.arm(mode, now.Add(cb.rtt.backoff(cb.rexmt.shift)))
		}

		if cb.tt2MSL.expired(now) {
			e.destroy(id, dropCauseTimer2MSL)
			events = append(events, Event{Kind: EventDrop, ID: id, Cause: dropCauseTimer2MSL})
			continue
		}
		if cb.ttConnEst.expired(now) {
			e.destroy(id, dropCauseTimerConnEstablished)
			events = append(events, Event{Kind: EventDrop, ID: id, Cause: dropCauseTimerConnEstablished})
			continue
		}
		if cb.ttFinWait2.expired(now) {
			e.destroy(id, dropCauseTimerFinWait2)
			events = append(events, Event{Kind: EventDrop, ID: id, Cause: dropCauseTimerFinWait2})
			continue
		}
		if cb.ttDelack.expired(now) {
			cb.ttDelack.disarm()
			cb.shouldAckNow = true
			outs = append(outs, e.output(now, cs)...)
		}
	}
	return events, outs
}

func (e *Engine) appendPayload(id ConnID, seg Segment, payload []byte) OutSegment {
	out := e.wrap(id, seg)
	out.Payload = payload
	return out
}

// buildRetransmit rebuilds the oldest in-flight segment, starting at snd.UNA,
// for the retransmit timer and fast retransmit. The FIN bit is re-included
// only if the rebuilt slice reaches the end of everything ever sent.
func (e *Engine) buildRetransmit(cs *connState) (OutSegment, bool) {
	cb := &cs.cb
	n := int(minSize(Size(cb.maxSeg), Size(cs.sndq.Unacked())))
	if n > 0 {
		b := make([]byte, n)
		got, err := cs.sndq.PeekSent(b, 0)
		if err != nil || got == 0 {
			return OutSegment{}, false
		}
		fin := cb.finSent && got == cs.sndq.Unacked()
		seg := MakeAck(cb, Size(got), fin)
		seg.SEQ = cb.snd.UNA
		return e.appendPayload(cs.id, seg, b[:got]), true
	}
	if cb.finSent && cb.snd.UNA.LessThan(cb.snd.MAX) {
		seg := MakeAck(cb, 0, true)
		seg.SEQ = cb.snd.UNA
		return e.wrap(cs.id, seg), true
	}
	return OutSegment{}, false
}

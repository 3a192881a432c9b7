package tcp

import (
	"log/slog"
	"time"

	tcpcore "github.com/nplab/tcpcore"
)

// Handle decodes an inbound wire segment and dispatches it: frame validation
// and checksum, connection lookup, then one of the deliverIn* rules depending
// on whether a connection exists and its current state.
func (e *Engine) Handle(now time.Time, srcAddr, dstAddr Addr, payload []byte) ([]OutSegment, []Event) {
	frm, err := NewFrame(payload)
	if err != nil {
		e.logerr("short frame", slogAddr("src", srcAddr), slog.Any("err", err))
		return nil, nil
	}
	var v tcpcore.Validator
	frm.ValidateExceptCRC(&v)
	if err := v.Err(); err != nil {
		e.logerr("invalid frame", slog.Any("err", err))
		return nil, nil
	}
	if !frm.VerifyChecksum([]byte(srcAddr), []byte(dstAddr)) {
		e.logerr("bad checksum", slogAddr("src", srcAddr), slogAddr("dst", dstAddr))
		return nil, nil
	}
	seg, err := frm.Segment()
	if err != nil {
		e.logerr("bad options", slog.Any("err", err))
		return nil, nil
	}
	payloadBytes := frm.Payload()

	id := ConnID{LocalAddr: dstAddr, LocalPort: frm.DestinationPort(), RemoteAddr: srcAddr, RemotePort: frm.SourcePort()}
	cs, ok := e.conns[id]
	if !ok {
		return e.deliverNoConn(now, id, seg), nil
	}
	switch cs.cb.state {
	case StateSynSent:
		return e.deliverSynSent(now, cs, seg)
	case StateSynRcvd:
		return e.deliverSynRcvd(now, cs, seg)
	default:
		return e.deliverSynchronized(now, cs, seg, payloadBytes)
	}
}

// deliverNoConn implements deliver_in_1 (passive open) and deliver_in_5 /
// deliver_in_1b (drop-with-reset) for segments with no matching connection.
func (e *Engine) deliverNoConn(now time.Time, id ConnID, seg Segment) []OutSegment {
	if e.IsListening(id.LocalPort) && seg.Flags == FlagSYN {
		return e.passiveOpen(now, id, seg)
	}
	if seg.Flags.HasAny(FlagRST) {
		return nil // RFC 9293 forbids answering a RST with another RST.
	}
	rst, ok := DropWithReset(seg)
	if !ok {
		return nil
	}
	if e.rst.Push(rstEntry{id: id, seg: rst}) {
		return e.drainRST()
	}
	return nil
}

// passiveOpen executes deliver_in_1: a fresh ControlBlock enters
// SYN-RECEIVED directly (there is no LISTEN state), negotiating MSS and
// window scale from the inbound SYN and generating iss from the engine's
// injected RNG per RFC 6528.
func (e *Engine) passiveOpen(now time.Time, id ConnID, syn Segment) []OutSegment {
	cs := newConnState(id)
	cs.cb.SetLogger(e.connLogger(cs))
	iss := e.randValue()
	if e.cookies != nil {
		// SYN-cookie-derived ISS: ties the ISS to the
		// connection tuple so a later ACK can be validated even if this
		// ControlBlock were never allocated, without a separate code path.
		iss = e.cookies.ISS(id, syn.SEQ)
	}
	cs.cb.initPassiveOpen(iss, Size(cs.rcvbufsize), defaultMSS, syn)
	cs.cb.rexmt.arm(rexmtSyn, now.Add(cs.cb.rtt.rto))
	cs.cb.ttConnEst.arm(struct{}{}, now.Add(connEstTimeout))
	e.conns[id] = cs
	e.rst.Cancel(id)
	metricLiveConns.Set(float64(len(e.conns)))

	synack := MakeSynAck(&cs.cb)
	cs.cb.traceSeg("tx synack", synack)
	return []OutSegment{e.wrap(id, synack)}
}

// deliverSynSent implements deliver_in_2 / 2a / 2b.
func (e *Engine) deliverSynSent(now time.Time, cs *connState, seg Segment) ([]OutSegment, []Event) {
	cb := &cs.cb
	switch {
	case seg.Flags == synack && seg.ACK == cb.snd.NXT:
		cb.rcv.IRS = seg.SEQ
		cb.rcv.NXT = Add(seg.SEQ, 1)
		cb.rcv.ADV = Add(cb.rcv.NXT, cb.rcv.WND)
		cb.snd.UNA = seg.ACK
		cb.snd.WND = seg.WND // window in a SYN segment is never scaled.
		cb.snd.WL1 = seg.SEQ
		cb.snd.WL2 = seg.ACK
		if seg.HasWS {
			cb.tfDoingWS = true
			cb.sndScale = clampWScale(seg.WS)
		} else {
			cb.requestWS = false
		}
		if seg.HasMSS && seg.MSS > 0 {
			cb.maxSeg = seg.MSS
		} else {
			cb.maxSeg = defaultMSS
		}
		if cb.rttSegSet {
			cb.rtt.update(now.Sub(cb.rttStart))
			cb.rttSegSet = false
		}
		cb.state = StateEstablished
		cb.rexmt.disarm()
		cb.ttConnEst.disarm()
		cb.shouldAckNow = true
		cb.traceState("established (active)")
		metricEstablished.Inc()
		outs := e.output(now, cs)
		return outs, []Event{{Kind: EventEstablished, ID: cs.id}}

	case seg.isBareSYN():
		// Simultaneous open (deliver_in_2b): our SYN and theirs crossed in
		// flight. Answer SYN+ACK and wait for theirs in SYN-RECEIVED.
		cb.rcv.IRS = seg.SEQ
		cb.rcv.NXT = Add(seg.SEQ, 1)
		cb.rcv.ADV = Add(cb.rcv.NXT, cb.rcv.WND)
		cb.rcv.lastAckSent = cb.rcv.NXT
		cb.state = StateSynRcvd
		synack := MakeSynAck(cb)
		cb.traceSeg("tx synack (simultaneous open)", synack)
		return []OutSegment{e.wrap(cs.id, synack)}, nil

	case seg.Flags.HasAll(FlagACK|FlagRST) && seg.ACK == cb.snd.NXT:
		e.destroy(cs.id, dropCauseRST)
		return nil, []Event{{Kind: EventDrop, ID: cs.id, Cause: dropCauseRST}}

	default:
		return nil, nil
	}
}

// deliverSynRcvd implements deliver_in_3c_3d.
func (e *Engine) deliverSynRcvd(now time.Time, cs *connState, seg Segment) ([]OutSegment, []Event) {
	cb := &cs.cb
	if seg.SEQ == cb.rcv.NXT && seg.Flags == FlagACK && seg.ACK == cb.snd.NXT {
		cb.snd.UNA = seg.ACK
		wnd := Size(seg.WND)
		if cb.tfDoingWS {
			wnd <<= cb.sndScale
		}
		cb.snd.WND = wnd
		cb.snd.WL1 = seg.SEQ
		cb.snd.WL2 = seg.ACK
		cb.state = StateEstablished
		cb.rexmt.disarm()
		cb.ttConnEst.disarm()
		cb.traceState("established (passive)")
		metricEstablished.Inc()
		outs := e.output(now, cs)
		return outs, []Event{{Kind: EventEstablished, ID: cs.id}}
	}
	rst, ok := DropWithReset(seg)
	e.destroy(cs.id, dropCauseRST)
	event := []Event{{Kind: EventDrop, ID: cs.id, Cause: dropCauseRST}}
	if !ok {
		return nil, event
	}
	return []OutSegment{e.wrap(cs.id, rst)}, event
}

// inWindow is the RFC 9293 acceptability test generalised for zero-length
// segments and zero receive windows.
func inWindow(cb *ControlBlock, seg Segment) bool {
	rcvWnd := cb.rcv.WND
	segLen := seg.DATALEN
	switch {
	case segLen == 0 && rcvWnd == 0:
		return seg.SEQ == cb.rcv.NXT
	case segLen == 0:
		return seg.SEQ.InWindow(cb.rcv.NXT, rcvWnd)
	case rcvWnd == 0:
		return false
	default:
		return seg.SEQ.InWindow(cb.rcv.NXT, rcvWnd) || seg.Last().InWindow(cb.rcv.NXT, rcvWnd)
	}
}

// deliverSynchronized implements the RFC 5961 in-window test, RFC 1337
// TIME-WAIT RST defence, and deliver_in_3 (ack/data/state processing) for any
// state at or beyond ESTABLISHED.
func (e *Engine) deliverSynchronized(now time.Time, cs *connState, seg Segment, payload []byte) ([]OutSegment, []Event) {
	cb := &cs.cb
	if !inWindow(cb, seg) {
		cb.shouldAckNow = true
		metricChallengeAcks.Inc()
		return e.output(now, cs), nil
	}
	if seg.Flags.HasAny(FlagRST) {
		if seg.SEQ != cb.rcv.NXT {
			cb.shouldAckNow = true
			metricChallengeAcks.Inc()
			return e.output(now, cs), nil
		}
		if cb.state == StateTimeWait {
			// RFC 1337: a RST in TIME-WAIT must not destroy the connection.
			cb.tt2MSL.arm(struct{}{}, now.Add(2*msl))
			return nil, nil
		}
		e.destroy(cs.id, dropCauseRST)
		return nil, []Event{{Kind: EventDrop, ID: cs.id, Cause: dropCauseRST}}
	}
	if seg.Flags.HasAny(FlagSYN) {
		// RFC 5961 §4: an unexpected SYN gets a challenge ACK, never a reset.
		cb.shouldAckNow = true
		metricChallengeAcks.Inc()
		return e.output(now, cs), nil
	}

	fastRexmt := e.di3Ackstuff(now, cs, seg)
	newData, fin := e.di3Datastuff(now, cs, seg, payload)
	e.di3Ststuff(now, cs)

	var events []Event
	if newData || fin {
		events = append(events, Event{Kind: EventReceived, ID: cs.id})
	}
	var outs []OutSegment
	if fastRexmt {
		if out, ok := e.buildRetransmit(cs); ok {
			metricRetransmits.Inc()
			cb.traceSeg("fast rexmt", out.Segment)
			outs = append(outs, out)
		}
	}
	outs = append(outs, e.output(now, cs)...)
	if evt, dropped := e.maybeDestroyAfterStuff(cs); dropped {
		events = append(events, evt)
	}
	return outs, events
}

// di3Ackstuff advances snd_una, tracks duplicate ACKs, manages the
// retransmit timer, and feeds the RTT estimator.
// It reports whether the third duplicate ACK in a row was just seen, which
// triggers fast retransmit in the caller.
func (e *Engine) di3Ackstuff(now time.Time, cs *connState, seg Segment) (fastRexmt bool) {
	cb := &cs.cb
	cb.idleSince = now
	if !seg.Flags.HasAny(FlagACK) {
		return false
	}
	if seg.ACK.GreaterThan(cb.snd.MAX) {
		cb.shouldAckNow = true // acks something never sent: challenge.
		return false
	}
	segWnd := Size(seg.WND)
	if cb.tfDoingWS {
		segWnd <<= cb.sndScale
	}
	dup := seg.DATALEN == 0 && segWnd == cb.snd.WND && seg.ACK == cb.snd.UNA &&
		cb.rexmt.armed() && seg.ACK != cb.snd.MAX && !seg.Flags.HasAny(FlagFIN)
	if dup {
		cb.dupAcks++
		if cb.dupAcks == 3 {
			// Fast retransmit (RFC 5681 §3.2): halve ssthresh from the
			// amount in flight and resend the oldest unacked segment
			// without waiting for the timer.
			half := cb.snd.inFlight() / 2
			minSsthresh := Size(cb.maxSeg) * 2
			if half < minSsthresh {
				half = minSsthresh
			}
			cb.snd.SSTHRESH = half
			cb.snd.CWND = half + 3*Size(cb.maxSeg)
			cb.snd.RECOVER = cb.snd.MAX
			fastRexmt = true
		}
	} else {
		cb.dupAcks = 0
	}
	if seg.ACK.GreaterThan(cb.snd.UNA) {
		acked := Sizeof(cb.snd.UNA, seg.ACK)
		cs.sndq.Ack(int(acked))
		cb.snd.UNA = seg.ACK
		if cb.rttSegSet && !cb.rttSeg.GreaterThan(seg.ACK) {
			cb.rtt.update(now.Sub(cb.rttStart))
			cb.rttSegSet = false
		}
		if seg.ACK == cb.snd.MAX {
			cb.rexmt.disarm()
		} else {
			// Partial ACK: restart the retransmit timer from a zero
			// backoff shift, not whatever stage a prior timeout left.
			cb.rexmt.disarm()
			cb.rexmt.arm(rexmtData, now.Add(cb.rtt.rto))
		}
	}
	// Window update rule (RFC 9293 §3.4): only accept a window update from
	// a segment that is newer in sequence space than the last one that set it.
	if seg.SEQ.GreaterThan(cb.snd.WL1) || (seg.SEQ == cb.snd.WL1 && seg.ACK.GreaterThanEq(cb.snd.WL2)) {
		cb.snd.WND = segWnd
		cb.snd.WL1 = seg.SEQ
		cb.snd.WL2 = seg.ACK
	}
	return fastRexmt
}

// di3Datastuff delivers in-order payload to the receive queue (or stashes it
// in the reassembly queue), draining any now-contiguous reassembled bytes.
func (e *Engine) di3Datastuff(now time.Time, cs *connState, seg Segment, payload []byte) (newData, fin bool) {
	cb := &cs.cb
	segFin := seg.Flags.HasAny(FlagFIN)
	if seg.SEQ != cb.rcv.NXT {
		if seg.LEN() > 0 {
			if cb.reassembly.Bytes()+len(payload) <= cs.rcvbufsize {
				cb.reassembly.Insert(seg.SEQ, segFin, payload)
			}
			// Duplicate ACK goes out either way so the sender sees the gap.
			cb.shouldAckNow = true
		}
		return false, false
	}
	if len(payload) > 0 && !cs.cantrcvmore {
		n, _ := cs.rcvq.Write(payload)
		cb.rcv.NXT = Add(cb.rcv.NXT, Size(n))
		newData = n > 0
	}
	if segFin {
		cb.rcv.NXT = Add(cb.rcv.NXT, 1)
		cb.finRcvd = true
		cs.cantrcvmore = true
		fin = true
	}
	for {
		data, qfin, ok := cb.reassembly.MaybeTake(cb.rcv.NXT)
		if !ok {
			break
		}
		if len(data) > 0 && !cs.cantrcvmore {
			n, _ := cs.rcvq.Write(data)
			cb.rcv.NXT = Add(cb.rcv.NXT, Size(n))
			newData = newData || n > 0
		}
		if qfin {
			cb.rcv.NXT = Add(cb.rcv.NXT, 1)
			cb.finRcvd = true
			cs.cantrcvmore = true
			fin = true
		}
	}
	switch {
	case fin:
		cb.shouldAckNow = true
	case newData && Sizeof(cb.rcv.lastAckSent, cb.rcv.NXT) >= 2*Size(cb.maxSeg):
		// Ack every second full-sized segment without delay (RFC 1122
		// 4.2.3.2).
		cb.ttDelack.disarm()
		cb.shouldAckNow = true
	case newData && cb.ttDelack.armed():
		// Second in-order segment without an intervening ACK (RFC 5681
		// §4.2): stop delaying and ack immediately.
		cb.ttDelack.disarm()
		cb.shouldAckNow = true
	case newData:
		cb.ttDelack.arm(struct{}{}, now.Add(delackTimeout))
	}
	return newData, fin
}

// di3Ststuff advances the connection state from the FIN we received and/or
// the ack of the FIN we sent.
func (e *Engine) di3Ststuff(now time.Time, cs *connState) {
	cb := &cs.cb
	ourFinAcked := cb.finSent && !cb.snd.UNA.LessThan(cb.snd.NXT)
	switch cb.state {
	case StateEstablished:
		if cb.finRcvd {
			cb.state = StateCloseWait
		}
	case StateFinWait1:
		switch {
		case cb.finRcvd && ourFinAcked:
			cb.state = StateTimeWait
			cb.tt2MSL.arm(struct{}{}, now.Add(2*msl))
			cb.rexmt.disarm()
			cb.ttFinWait2.disarm()
		case cb.finRcvd:
			cb.state = StateClosing
		case ourFinAcked:
			cb.state = StateFinWait2
			cb.ttFinWait2.arm(struct{}{}, now.Add(finWait2Timeout))
		}
	case StateFinWait2:
		if cb.finRcvd {
			cb.state = StateTimeWait
			cb.tt2MSL.arm(struct{}{}, now.Add(2*msl))
			cb.ttFinWait2.disarm()
		}
	case StateClosing:
		if ourFinAcked {
			cb.state = StateTimeWait
			cb.tt2MSL.arm(struct{}{}, now.Add(2*msl))
		}
	case StateTimeWait:
		cb.tt2MSL.arm(struct{}{}, now.Add(2*msl))
	}
}

// maybeDestroyAfterStuff handles LAST-ACK's completion, the one state
// transition that removes the connection rather than just moving it.
func (e *Engine) maybeDestroyAfterStuff(cs *connState) (Event, bool) {
	cb := &cs.cb
	if cb.state == StateLastAck && cb.finSent && !cb.snd.UNA.LessThan(cb.snd.NXT) {
		e.destroy(cs.id, dropCauseLastAckComplete)
		return Event{Kind: EventDrop, ID: cs.id, Cause: dropCauseLastAckComplete}, true
	}
	return Event{}, false
}

// destroy removes id from the connection map and records the drop cause.
func (e *Engine) destroy(id ConnID, cause dropCause) {
	cs := e.conns[id]
	delete(e.conns, id)
	metricDropped.WithLabelValues(cause.String()).Inc()
	metricLiveConns.Set(float64(len(e.conns)))
	attrs := []slog.Attr{slog.String("id", id.String()), slog.String("cause", cause.String())}
	if cs != nil {
		attrs = append(attrs, slog.String("conn", cs.DiagID()))
	}
	e.logger.debug("connection dropped", attrs...)
}

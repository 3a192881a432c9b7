package tcp

import (
	"testing"
	"time"
)

func TestRetransmissionExceededDropsConnection(t *testing.T) {
	// A SYN-SENT connection whose retransmit timer fires tcpMaxRxtShift+1
	// times is dropped with the retransmission-exceeded cause. The
	// connection-establishment timer is disarmed here so the two timeout
	// paths don't race; its own expiry is covered below.
	now := time.Unix(1700000000, 0)
	a := Empty("peerA", testRNG())
	id, _ := a.Connect(now, addrA, 40001, addrB, 80)
	cs := a.conns[id]
	cs.cb.ttConnEst.disarm()

	rexmits := 0
	var dropped *Event
	for fired := 0; fired <= tcpMaxRxtShift+1; fired++ {
		now = cs.cb.rexmt.deadline
		events, outs := a.Timer(now)
		for i := range events {
			if events[i].Kind == EventDrop {
				dropped = &events[i]
			}
		}
		if dropped != nil {
			if len(outs) != 0 {
				t.Errorf("drop tick still emitted %d segments", len(outs))
			}
			break
		}
		if len(outs) != 1 || outs[0].Segment.Flags != FlagSYN {
			t.Fatalf("rexmt tick %d emitted %+v, want one SYN", fired, outs)
		}
		rexmits++
	}
	if dropped == nil {
		t.Fatal("connection never dropped despite exceeding the shift limit")
	}
	if dropped.Cause != dropCauseRetransmissionExceeded {
		t.Errorf("drop cause = %s, want %s", dropped.Cause, dropCauseRetransmissionExceeded)
	}
	if rexmits != tcpMaxRxtShift {
		t.Errorf("observed %d SYN retransmissions before the drop, want %d", rexmits, tcpMaxRxtShift)
	}
	if _, ok := a.conns[id]; ok {
		t.Error("connection still tracked after retransmission-exceeded drop")
	}
}

func TestConnEstablishmentTimeout(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := Empty("peerA", testRNG())
	id, _ := a.Connect(now, addrA, 40001, addrB, 80)
	a.conns[id].cb.rexmt.disarm() // isolate tt_conn_est.

	events, _ := a.Timer(now.Add(connEstTimeout + time.Second))
	if len(events) != 1 || events[0].Kind != EventDrop || events[0].Cause != dropCauseTimerConnEstablished {
		t.Fatalf("events = %+v, want one Drop(timer-connection-established)", events)
	}
	if _, ok := a.conns[id]; ok {
		t.Error("connection still tracked after establishment timeout")
	}
}

func TestFinWait2Timeout(t *testing.T) {
	a, b, idA, idB, now := establishPair(t)
	fins, _ := a.Close(now, idA)
	finAcks, _ := deliverAll(t, now, b, fins)
	deliverAll(t, now, a, finAcks)
	csA := a.conns[idA]
	if csA.cb.state != StateFinWait2 {
		t.Fatalf("setup: state = %s, want FIN-WAIT-2", csA.cb.state)
	}
	if !csA.cb.ttFinWait2.armed() {
		t.Fatal("fin-wait-2 timer not armed on entering FIN-WAIT-2")
	}
	events, _ := a.Timer(now.Add(finWait2Timeout + time.Second))
	var cause dropCause
	for _, ev := range events {
		if ev.Kind == EventDrop && ev.ID == idA {
			cause = ev.Cause
		}
	}
	if cause != dropCauseTimerFinWait2 {
		t.Fatalf("drop cause = %s, want %s", cause, dropCauseTimerFinWait2)
	}
	if _, ok := a.conns[idA]; ok {
		t.Error("connection still tracked after FIN-WAIT-2 timeout")
	}
	_ = idB
}

func TestDataRetransmitBacksOffAndShrinksCwnd(t *testing.T) {
	a, b, idA, idB, now := establishPair(t)
	msg := []byte("retransmit me")
	_, outs, err := a.Send(now, idA, msg)
	if err != nil || len(outs) != 1 {
		t.Fatalf("Send = %v outs=%d, want one segment", err, len(outs))
	}
	cs := a.conns[idA]
	if !cs.cb.rexmt.armed() || cs.cb.rexmt.val != rexmtData {
		t.Fatal("retransmit timer not armed after sending data")
	}
	cwndBefore := cs.cb.snd.CWND

	now = cs.cb.rexmt.deadline
	_, rexmits := a.Timer(now)
	if len(rexmits) != 1 {
		t.Fatalf("rexmt tick emitted %d segments, want 1", len(rexmits))
	}
	reseg := rexmits[0]
	if reseg.Segment.SEQ != cs.cb.snd.UNA {
		t.Errorf("retransmit seq = %d, want snd.una %d", reseg.Segment.SEQ, cs.cb.snd.UNA)
	}
	if string(reseg.Payload) != string(msg) {
		t.Errorf("retransmit payload = %q, want %q", reseg.Payload, msg)
	}
	if cs.cb.snd.CWND >= cwndBefore {
		t.Errorf("cwnd = %d after timeout, want shrunk below %d", cs.cb.snd.CWND, cwndBefore)
	}
	if cs.cb.rexmt.shift != 1 {
		t.Errorf("backoff shift = %d, want 1", cs.cb.rexmt.shift)
	}

	// A partial ACK restarts the retransmit timer from a zero backoff shift
	// rather than the stage the timeout left behind.
	partial := OutSegment{
		SrcAddr: addrB, SrcPort: 80, DstAddr: addrA, DstPort: idA.LocalPort,
		Segment: Segment{SEQ: cs.cb.rcv.NXT, ACK: Add(cs.cb.snd.UNA, 5), Flags: FlagACK, WND: 65535},
	}
	deliverAll(t, now, a, []OutSegment{partial})
	if !cs.cb.rexmt.armed() || cs.cb.rexmt.val != rexmtData {
		t.Fatal("retransmit timer not running after partial ACK")
	}
	if cs.cb.rexmt.shift != 0 {
		t.Errorf("backoff shift = %d after partial ACK, want restart at 0", cs.cb.rexmt.shift)
	}

	// The retransmitted copy is acceptable at the peer and acks normally.
	replies, events := deliverAll(t, now, b, rexmits)
	if !hasEvent(events, EventReceived) {
		t.Fatal("peer did not deliver the retransmitted data")
	}
	_ = replies
	buf := make([]byte, 64)
	n, _, _, _ := b.Recv(now, idB, buf)
	if string(buf[:n]) != string(msg) {
		t.Fatalf("peer Recv = %q, want %q", buf[:n], msg)
	}
}

func TestPersistProbeOnZeroWindow(t *testing.T) {
	a, _, idA, _, now := establishPair(t)
	cs := a.conns[idA]
	// Peer advertises a zero window; queued data cannot move, so output
	// must arm the persist timer instead of the data retransmit timer.
	cs.cb.snd.WND = 0
	_, outs, err := a.Send(now, idA, []byte("blocked"))
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 0 {
		t.Fatalf("zero-window send emitted %d segments, want none", len(outs))
	}
	if !cs.cb.rexmt.armed() || cs.cb.rexmt.val != rexmtPersist {
		t.Fatalf("persist timer not armed on zero window (mode=%d armed=%v)", cs.cb.rexmt.val, cs.cb.rexmt.armed())
	}

	now = cs.cb.rexmt.deadline
	_, probes := a.Timer(now)
	if len(probes) != 1 {
		t.Fatalf("persist tick emitted %d segments, want one probe", len(probes))
	}
	probe := probes[0]
	if len(probe.Payload) != 1 || probe.Payload[0] != 'b' {
		t.Errorf("probe payload = %q, want the single byte %q", probe.Payload, "b")
	}
	if probe.Segment.SEQ != cs.cb.snd.UNA {
		t.Errorf("probe seq = %d, want snd.una %d", probe.Segment.SEQ, cs.cb.snd.UNA)
	}
	if !cs.cb.rexmt.armed() || cs.cb.rexmt.val != rexmtPersist {
		t.Error("persist timer not rearmed after probe")
	}
}

func TestFastRetransmitOnThirdDupAck(t *testing.T) {
	a, b, idA, idB, now := establishPair(t)
	msg := []byte("lost segment")
	_, outs, err := a.Send(now, idA, msg)
	if err != nil || len(outs) != 1 {
		t.Fatalf("Send = %v outs=%d, want one segment", err, len(outs))
	}
	cs := a.conns[idA]
	csB := b.conns[idB]

	dup := OutSegment{
		SrcAddr: addrB, SrcPort: 80, DstAddr: addrA, DstPort: idA.LocalPort,
		Segment: Segment{
			SEQ: csB.cb.snd.NXT, ACK: cs.cb.snd.UNA,
			Flags: FlagACK, WND: csB.cb.advertisedWindow(),
		},
	}
	// The first copy is a plain window refresh (the handshake SYN carried an
	// unscaled window); the next three are duplicates proper.
	rexmt, _ := deliverAll(t, now, a, []OutSegment{dup})
	if len(rexmt) != 0 {
		t.Fatalf("window refresh triggered %d segments, want none", len(rexmt))
	}
	for i := 0; i < 2; i++ {
		rexmt, _ = deliverAll(t, now, a, []OutSegment{dup})
		if len(rexmt) != 0 {
			t.Fatalf("dup ack %d triggered %d segments, want none before the third", i+1, len(rexmt))
		}
	}
	if cs.cb.dupAcks != 2 {
		t.Fatalf("dupAcks = %d after two duplicates, want 2", cs.cb.dupAcks)
	}
	rexmt, _ = deliverAll(t, now, a, []OutSegment{dup})
	if len(rexmt) != 1 {
		t.Fatalf("third dup ack triggered %d segments, want one fast retransmit", len(rexmt))
	}
	if rexmt[0].Segment.SEQ != cs.cb.snd.UNA || string(rexmt[0].Payload) != string(msg) {
		t.Errorf("fast retransmit = seq %d payload %q, want seq %d payload %q",
			rexmt[0].Segment.SEQ, rexmt[0].Payload, cs.cb.snd.UNA, msg)
	}
}

func TestDelayedAckTimerEmitsAck(t *testing.T) {
	a, b, idA, idB, now := establishPair(t)
	_, outs, _ := a.Send(now, idA, []byte("x"))
	replies, _ := deliverAll(t, now, b, outs)
	if len(replies) != 0 {
		t.Fatalf("single in-order segment acked immediately, want delayed")
	}
	cs := b.conns[idB]
	if !cs.cb.ttDelack.armed() {
		t.Fatal("delayed-ACK timer not armed after in-order data")
	}
	now = cs.cb.ttDelack.deadline
	_, acks := b.Timer(now)
	if len(acks) != 1 || !acks[0].Segment.Flags.HasAny(FlagACK) {
		t.Fatalf("delack tick emitted %+v, want one ACK", acks)
	}
	if acks[0].Segment.ACK != cs.cb.rcv.NXT {
		t.Errorf("delack acked %d, want rcv.nxt %d", acks[0].Segment.ACK, cs.cb.rcv.NXT)
	}
}

func TestSecondInOrderSegmentAcksImmediately(t *testing.T) {
	a, b, idA, _, now := establishPair(t)
	_, first, _ := a.Send(now, idA, []byte("one"))
	replies, _ := deliverAll(t, now, b, first)
	if len(replies) != 0 {
		t.Fatal("first segment should be delack'd")
	}
	_, second, _ := a.Send(now, idA, []byte("two"))
	replies, _ = deliverAll(t, now, b, second)
	if len(replies) != 1 || !replies[0].Segment.Flags.HasAny(FlagACK) {
		t.Fatalf("second in-order segment replies = %+v, want an immediate ACK", replies)
	}
}

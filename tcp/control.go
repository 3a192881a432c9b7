package tcp

import (
	"log/slog"
	"time"
)

// ControlBlock is a Transmission Control Block per RFC 9293 §3.3.1, extended
// with the RFC 5961 challenge-ACK logic, RFC 1337 TIME-WAIT defenses, RTT
// estimation (RFC 6298) and retransmission timers that a complete engine
// needs beyond the bare handshake bookkeeping. Buffer management (the actual
// bytes of pending/received data) is left to sendBuffer/reassemblyQueue;
// ControlBlock only tracks sequence-space scalars and timers.
type ControlBlock struct {
	snd sendSpace
	rcv recvSpace

	state State

	// negotiated connection parameters
	maxSeg       uint16 // negotiated (min of local and remote) MSS.
	advertiseMSS uint16 // local MSS advertised to the remote, 0 selects defaultMSS.
	sndScale     uint8
	rcvScale     uint8
	requestWS    bool // true if this end asked for window scaling.
	tfDoingWS    bool // true if window scaling was agreed with remote.
	finSent      bool // true once a FIN octet has been included in an outbound segment.
	finRcvd      bool // true once the remote's FIN has been delivered in order.

	// timers
	rexmt      rexmtTimer
	tt2MSL     timed[struct{}]
	ttConnEst  timed[struct{}]
	ttFinWait2 timed[struct{}]
	ttDelack   timed[struct{}]
	idleSince  time.Time

	rtt       rttInfo
	rttSeg    Value // sequence number being timed for RTT, 0 if none in flight.
	rttSegSet bool
	rttStart  time.Time

	dupAcks      int
	shouldAckNow bool

	reassembly reassemblyQueue

	softErr error

	logger
}

// sendSpace holds the Send Sequence Space variables (RFC 9293 Figure 4),
// extended with congestion-control and window-update bookkeeping.
type sendSpace struct {
	ISS        Value
	UNA        Value
	NXT        Value
	MAX        Value // highest sequence number ever sent (for duplicate-ACK / new-data detection).
	WND        Size
	WL1        Value
	WL2        Value
	CWND       Size
	SSTHRESH   Size
	RECOVER    Value
	rxwin0sent bool
}

// recvSpace holds the Receive Sequence Space variables (RFC 9293 Figure 5),
// plus the last ack value actually put on the wire, which drives the
// delayed-ACK decision.
type recvSpace struct {
	IRS         Value
	NXT         Value
	WND         Size
	ADV         Value
	lastAckSent Value
}

func (snd *sendSpace) inFlight() Size { return Sizeof(snd.UNA, snd.NXT) }

// advertisedWindow returns the local receive window, scaled down for the wire
// if window scaling was negotiated, capped to 16 bits.
func (cb *ControlBlock) advertisedWindow() Size {
	w := cb.rcv.WND
	if cb.tfDoingWS {
		w >>= cb.rcvScale
	}
	if w > 0xffff {
		w = 0xffff
	}
	return w
}

// unscaledWindow is the window field value for segments carrying SYN: the
// window in a SYN or SYN+ACK is never scaled (RFC 7323 §2.2).
func (cb *ControlBlock) unscaledWindow() Size {
	w := cb.rcv.WND
	if w > 0xffff {
		w = 0xffff
	}
	return w
}

func (cb *ControlBlock) effectiveLocalMSS() uint16 {
	if cb.advertiseMSS == 0 {
		return defaultMSS
	}
	return cb.advertiseMSS
}

// State returns the current TCP state of the connection.
func (cb *ControlBlock) State() State { return cb.state }

// SetLogger attaches a structured logger used for trace/debug/error records.
func (cb *ControlBlock) SetLogger(log *slog.Logger) { cb.logger = logger{log: log} }

const defaultMSS uint16 = 536

// initActiveOpen prepares a ControlBlock for an active open (connect),
// generating the local ISS from iss and recording the requested window.
func (cb *ControlBlock) initActiveOpen(iss Value, wnd Size, localMSS uint16, requestWS bool, wsShift uint8) {
	*cb = ControlBlock{logger: cb.logger}
	cb.state = StateSynSent
	cb.snd = sendSpace{ISS: iss, UNA: iss, NXT: Add(iss, 1), MAX: Add(iss, 1), WND: 0, CWND: Size(localMSS) * 2}
	cb.rcv = recvSpace{WND: wnd}
	cb.advertiseMSS = localMSS
	cb.requestWS = requestWS
	cb.rcvScale = wsShift
	cb.rtt = newRTTInfo()
	cb.shouldAckNow = false
}

// initPassiveOpen prepares a ControlBlock upon receipt of a bare SYN to a
// listening port, entering SYN-RECEIVED directly (there is no explicit LISTEN
// connection state; listening is tracked at the Engine level).
func (cb *ControlBlock) initPassiveOpen(iss Value, wnd Size, localMSS uint16, syn Segment) {
	*cb = ControlBlock{logger: cb.logger}
	cb.state = StateSynRcvd
	cb.rcv = recvSpace{IRS: syn.SEQ, NXT: Add(syn.SEQ, 1), WND: wnd, ADV: Add(syn.SEQ, 1+wnd), lastAckSent: Add(syn.SEQ, 1)}
	cb.snd = sendSpace{ISS: iss, UNA: iss, NXT: Add(iss, 1), MAX: Add(iss, 1), WND: syn.WND, WL1: syn.SEQ, WL2: iss, CWND: Size(localMSS) * 2}
	cb.advertiseMSS = localMSS
	cb.maxSeg = localMSS
	if syn.HasMSS && syn.MSS > 0 && syn.MSS < cb.maxSeg {
		cb.maxSeg = syn.MSS
	}
	if syn.HasWS {
		cb.tfDoingWS = true
		cb.sndScale = clampWScale(syn.WS)
		cb.rcvScale = wsShiftFor(wnd)
	}
	cb.rtt = newRTTInfo()
}

// maxWindowShift is the largest usable window-scale shift. RFC 7323 §2.3:
// a received shift above 14 must be treated as 14, not taken at face value.
const maxWindowShift = 14

// clampWScale bounds a peer-announced window-scale shift to maxWindowShift.
func clampWScale(ws uint8) uint8 {
	if ws > maxWindowShift {
		return maxWindowShift
	}
	return ws
}

// wsShiftFor picks a window-scale shift such that wnd<<shift stays under
// 30 bits, a conservative ceiling well within RFC 7323's 14-bit limit.
func wsShiftFor(wnd Size) uint8 {
	var shift uint8
	for wnd<<(shift+1) < (1 << 30) {
		shift++
		if shift >= 14 {
			break
		}
	}
	return shift
}

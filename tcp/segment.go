package tcp

// Segment represents a decoded incoming or outgoing TCP segment, abstracted
// from its wire encoding. The core operates exclusively on Segment values; see
// Frame for the wire codec that produces/consumes them.
type Segment struct {
	SEQ     Value // sequence number of the first octet of the segment (or ISN if SYN set).
	ACK     Value // acknowledgment number, meaningful only if Flags has ACK set.
	DATALEN Size  // payload length, excluding SYN/FIN control octets.
	WND     Size  // advertised window, pre-scale.
	Flags   Flags
	MSS     uint16 // announced MSS option value, 0 if absent.
	WS      uint8  // announced window scale option value, only meaningful if HasWS.
	HasMSS  bool
	HasWS   bool
}

// LEN returns the length of the segment in octets, including the SYN and FIN
// control octets if present.
func (seg *Segment) LEN() Size {
	add := Size(seg.Flags>>0) & 1 // FIN bit.
	add += Size(seg.Flags>>1) & 1 // SYN bit.
	return seg.DATALEN + add
}

// Last returns the sequence number of the last octet occupied by the segment.
func (seg *Segment) Last() Value {
	seglen := seg.LEN()
	if seglen == 0 {
		return seg.SEQ
	}
	return Add(seg.SEQ, seglen) - 1
}

func (seg Segment) isBareSYN() bool {
	return seg.Flags == FlagSYN && seg.ACK == 0 && seg.DATALEN == 0
}

// MakeSyn builds the initial SYN segment for an active open.
func MakeSyn(cb *ControlBlock) Segment {
	seg := Segment{
		SEQ:   cb.snd.ISS,
		WND:   cb.unscaledWindow(),
		Flags: FlagSYN,
		HasMSS: true,
		MSS:    cb.effectiveLocalMSS(),
	}
	if cb.requestWS {
		seg.HasWS = true
		seg.WS = cb.rcvScale
	}
	return seg
}

// MakeSynAck builds the SYN+ACK response to a passive-open SYN.
func MakeSynAck(cb *ControlBlock) Segment {
	seg := Segment{
		SEQ:    cb.snd.ISS,
		ACK:    cb.rcv.NXT,
		WND:    cb.unscaledWindow(),
		Flags:  synack,
		HasMSS: true,
		MSS:    cb.effectiveLocalMSS(),
	}
	if cb.tfDoingWS {
		seg.HasWS = true
		seg.WS = cb.rcvScale
	}
	return seg
}

// MakeAck builds a pure (or data-carrying) ACK segment reflecting the current
// control block state. If fin is true the FIN bit is set; payload carries up
// to datalen octets starting at snd.NXT-snd.UNA offset (caller supplies bytes
// elsewhere; MakeAck only fixes the header fields and DATALEN).
func MakeAck(cb *ControlBlock, datalen Size, fin bool) Segment {
	flags := FlagACK
	if fin {
		flags |= FlagFIN
	}
	return Segment{
		SEQ:     cb.snd.NXT,
		ACK:     cb.rcv.NXT,
		WND:     cb.advertisedWindow(),
		Flags:   flags,
		DATALEN: datalen,
	}
}

// DropWithReset builds the RST (or RST+ACK) response to an unacceptable
// segment. Returns ok=false if seg itself carried RST, since RFC 9293 forbids
// responding to a RST with another RST.
func DropWithReset(seg Segment) (rst Segment, ok bool) {
	if seg.Flags.HasAny(FlagRST) {
		return Segment{}, false
	}
	if seg.Flags.HasAny(FlagACK) {
		return Segment{SEQ: seg.ACK, Flags: FlagRST}, true
	}
	ack := Add(seg.SEQ, seg.LEN())
	return Segment{SEQ: 0, ACK: ack, Flags: rstack}, true
}

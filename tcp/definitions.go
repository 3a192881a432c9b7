package tcp

import (
	"math/bits"
)

// Flags is a TCP flags bit-masked implementation i.e: SYN, FIN, ACK.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota // FlagFIN - No more data from sender.
	FlagSYN                   // FlagSYN - Synchronize sequence numbers.
	FlagRST                   // FlagRST - Reset the connection.
	FlagPSH                   // FlagPSH - Push function.
	FlagACK                   // FlagACK - Acknowledgment field significant.
	FlagURG                   // FlagURG - Urgent pointer field significant.
	FlagECE                   // FlagECE - ECN-Echo.
	FlagCWR                   // FlagCWR - Congestion Window Reduced.
	FlagNS                    // FlagNS  - Nonce Sum (RFC 3540).
)

const flagMask = 0x01ff

const (
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
	rstack = FlagRST | FlagACK
)

// HasAll checks if mask bits are all set in the receiver flags.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny checks if one or more mask bits are set in receiver flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// Mask returns the flags with non-flag bits unset.
func (flags Flags) Mask() Flags { return flags & flagMask }

// String returns human readable flag string, i.e: "[SYN,ACK]".
func (flags Flags) String() string {
	switch flags {
	case 0:
		return "[]"
	case synack:
		return "[SYN,ACK]"
	case finack:
		return "[FIN,ACK]"
	case rstack:
		return "[RST,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagFIN:
		return "[FIN]"
	case FlagRST:
		return "[RST]"
	}
	buf := make([]byte, 0, 2+4*bits.OnesCount16(uint16(flags)))
	buf = append(buf, '[')
	buf = flags.AppendFormat(buf)
	buf = append(buf, ']')
	return string(buf)
}

// AppendFormat appends a human readable flag string to b returning the extended buffer.
func (flags Flags) AppendFormat(b []byte) []byte {
	if flags == 0 {
		return b
	}
	const flaglen = 3
	const strflags = "FINSYNRSTPSHACKURGECECWRNS "
	var addcommas bool
	for flags != 0 {
		i := bits.TrailingZeros16(uint16(flags))
		if addcommas {
			b = append(b, ',')
		} else {
			addcommas = true
		}
		b = append(b, strflags[i*flaglen:i*flaglen+flaglen]...)
		flags &= ^(1 << i)
	}
	return b
}

// State enumerates the states a TCP connection progresses through during its
// lifetime. There is no explicit LISTEN state (a listening port is tracked at
// the Engine level as a plain port set) and no explicit CLOSED state (a
// connection in that state is removed from the Engine's connection map).
type State uint8

const (
	StateSynSent     State = iota // SYN-SENT
	StateSynRcvd                  // SYN-RECEIVED
	StateEstablished              // ESTABLISHED
	StateFinWait1                 // FIN-WAIT-1
	StateFinWait2                 // FIN-WAIT-2
	StateClosing                  // CLOSING
	StateLastAck                  // LAST-ACK
	StateTimeWait                 // TIME-WAIT
	StateCloseWait                // CLOSE-WAIT
)

// IsPreestablished returns true if the connection precedes ESTABLISHED.
func (s State) IsPreestablished() bool { return s == StateSynSent || s == StateSynRcvd }

// IsSynchronized returns true once the connection has passed through ESTABLISHED
// (i.e. both ISS and IRS are fixed and agreed upon).
func (s State) IsSynchronized() bool { return s >= StateEstablished }

// IsClosing returns true if the connection is unwinding towards removal but
// has not yet been synchronized-and-reset via RST.
func (s State) IsClosing() bool {
	switch s {
	case StateFinWait1, StateFinWait2, StateClosing, StateLastAck, StateTimeWait, StateCloseWait:
		return true
	default:
		return false
	}
}

// dropCause identifies why a connection was removed from the Engine.
type dropCause uint8

const (
	dropCauseNone                   dropCause = iota
	dropCauseRST                              // in-window RST received
	dropCauseRetransmissionExceeded           // tt_rexmt shift exceeded tcpMaxRxtShift
	dropCauseTimer2MSL                        // TIME-WAIT 2MSL elapsed
	dropCauseTimerConnEstablished             // tt_conn_est fired before handshake completed
	dropCauseTimerFinWait2                    // tt_fin_wait_2 fired
	dropCauseLastAckComplete                  // LAST-ACK's FIN got ACKed
)

func (c dropCause) String() string {
	switch c {
	case dropCauseRST:
		return "rst-received"
	case dropCauseRetransmissionExceeded:
		return "retransmission-exceeded"
	case dropCauseTimer2MSL:
		return "timer-2msl"
	case dropCauseTimerConnEstablished:
		return "timer-connection-established"
	case dropCauseTimerFinWait2:
		return "timer-fin-wait-2"
	case dropCauseLastAckComplete:
		return "last-ack-complete"
	default:
		return "none"
	}
}

// OptionKind identifies the kind of a TCP option per IANA's TCP option registry.
// The engine only emits MSS and Window Scale but parses others defensively.
type OptionKind uint8

const (
	OptEnd            OptionKind = iota // end of option list
	OptNop                              // no-operation
	OptMaxSegmentSize                   // maximum segment size
	OptWindowScale                      // window scale
	OptSACKPermitted                    // SACK permitted
	OptSACK                             // SACK
	OptTimestamps     OptionKind = 8    // timestamps
)

func (kind OptionKind) String() string {
	switch kind {
	case OptEnd:
		return "end"
	case OptNop:
		return "nop"
	case OptMaxSegmentSize:
		return "mss"
	case OptWindowScale:
		return "wscale"
	case OptSACKPermitted:
		return "sack-permitted"
	case OptSACK:
		return "sack"
	case OptTimestamps:
		return "timestamps"
	default:
		return "unknown"
	}
}

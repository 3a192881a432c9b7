package tcp

import (
	"log/slog"

	"github.com/nplab/tcpcore/internal"
)

// logger is embedded in ControlBlock/Engine to provide cheap, nil-safe
// structured logging. A zero logger logs nothing. Logging is routed through
// the internal package so the `debugheaplog` build tag can swap in a
// non-allocating logger that reports heap allocations.
type logger struct {
	log *slog.Logger
}

func (l *logger) enabled(lvl slog.Level) bool {
	return internal.HeapAllocDebugging || internal.LogEnabled(l.log, lvl)
}

func (l *logger) logAttrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	if !l.enabled(lvl) {
		return
	}
	internal.LogAttrs(l.log, lvl, msg, attrs...)
}

func (l *logger) debug(msg string, attrs ...slog.Attr) { l.logAttrs(slog.LevelDebug, msg, attrs...) }
func (l *logger) trace(msg string, attrs ...slog.Attr) {
	l.logAttrs(internal.LevelTrace, msg, attrs...)
}
func (l *logger) logerr(msg string, attrs ...slog.Attr) { l.logAttrs(slog.LevelError, msg, attrs...) }

func (cb *ControlBlock) traceSeg(msg string, seg Segment) {
	if cb.enabled(internal.LevelTrace) {
		cb.trace(msg,
			slog.Uint64("seg.seq", uint64(seg.SEQ)),
			slog.Uint64("seg.ack", uint64(seg.ACK)),
			slog.Uint64("seg.wnd", uint64(seg.WND)),
			slog.String("seg.flags", seg.Flags.String()),
			slog.Uint64("seg.datalen", uint64(seg.DATALEN)),
		)
	}
}

func (cb *ControlBlock) traceState(msg string) {
	cb.trace(msg,
		slog.String("state", cb.state.String()),
		slog.Uint64("snd.una", uint64(cb.snd.UNA)),
		slog.Uint64("snd.nxt", uint64(cb.snd.NXT)),
		slog.Uint64("rcv.nxt", uint64(cb.rcv.NXT)),
	)
}

// slogAddr returns a compact attr for an endpoint address: IPv4 addresses
// log as packed integers without allocating, anything else as a quoted string.
func slogAddr(key string, addr Addr) slog.Attr {
	if len(addr) == 4 {
		var a4 [4]byte
		copy(a4[:], addr)
		return internal.SlogAddr4(key, &a4)
	}
	return slog.String(key, string(addr))
}

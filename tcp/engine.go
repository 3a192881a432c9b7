package tcp

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/nplab/tcpcore/internal"
	"github.com/rs/xid"
)

const (
	defaultBufSize  = 64 * 1024 // send/recv buffers are caps, not allocators.
	connEstTimeout  = 75 * time.Second
	finWait2Timeout = 10 * time.Minute
	msl             = 2 * time.Minute
	delackTimeout   = 200 * time.Millisecond
	firstEphemeral  = 49152
)

// EventKind classifies an Event returned from Handle or Timer.
type EventKind uint8

const (
	EventEstablished EventKind = iota // the three-way handshake completed.
	EventReceived                     // in-order bytes became available to Recv.
	EventDrop                         // the connection was removed from the engine.
)

// Event reports a connection-lifecycle occurrence to the caller, in lieu of
// callbacks or channels (the core has no concurrency of its own).
type Event struct {
	Kind  EventKind
	ID    ConnID
	Cause dropCause // meaningful only when Kind == EventDrop.
}

// OutSegment pairs a Segment with the endpoints it must be carried between.
// The engine never encodes or transmits these; a host adapter does.
type OutSegment struct {
	SrcAddr Addr
	SrcPort uint16
	DstAddr Addr
	DstPort uint16
	Segment Segment
	Payload []byte
}

// connState wraps a ControlBlock with the buffer and half-close bookkeeping
// the state machine itself does not own.
type connState struct {
	id          ConnID
	cb          ControlBlock
	cantrcvmore bool
	cantsndmore bool
	sndbufsize  int
	rcvbufsize  int
	sndq        sendBuffer
	rcvq        internal.Ring // delivered in-order bytes awaiting Recv.
	diagID      xid.ID
}

// DiagID returns the correlation id attached to this connection at creation.
// Every slog record the connection emits carries it, so a single connection's
// records can be pulled out of interleaved engine logs.
func (cs *connState) DiagID() string { return cs.diagID.String() }

// Engine is the top-level protocol core: an injected randomness source, a
// listening-port set, and a connection-id-keyed map of connection state. All
// methods are synchronous state-in, state-out transitions; Engine performs
// no I/O and spawns no goroutines.
type Engine struct {
	hostID    string
	rng       func(int) []byte
	listeners map[uint16]struct{}
	conns     map[ConnID]*connState
	rst       rstQueue
	cookies   *CookieMinter
	portSeed  uint16
	logger
}

// Empty constructs a fresh Engine with no connections and no listeners.
// rng is an injected randomness source (RFC 6528 ISN generation and SYN
// cookie secrets); hostID is an opaque label attached to log records.
func Empty(hostID string, rng func(int) []byte) *Engine {
	return &Engine{
		hostID:    hostID,
		rng:       rng,
		listeners: make(map[uint16]struct{}),
		conns:     make(map[ConnID]*connState),
		rst:       newRSTQueue(defaultRSTQueueCap),
	}
}

// SetLogger attaches a structured logger; every record carries the engine's
// host_id so logs from multiple engines sharing a process can be told apart.
func (e *Engine) SetLogger(log *slog.Logger) {
	if log != nil {
		log = log.With(slog.String("host_id", e.hostID))
	}
	e.logger = logger{log: log}
}

// connLogger derives the engine logger for one connection, stamping its
// correlation id on every record the ControlBlock will emit.
func (e *Engine) connLogger(cs *connState) *slog.Logger {
	if e.logger.log == nil {
		return nil
	}
	return e.logger.log.With(slog.String("conn", cs.DiagID()))
}

// EnableSYNCookies turns on stateless SYN cookie generation for passive
// opens under load. The cookie key is drawn from the engine's own injected
// RNG rather than crypto/rand, keeping the RNG the engine's single source of
// randomness. grace is how many CookieMinter.Advance steps a minted cookie
// survives.
func (e *Engine) EnableSYNCookies(grace uint32) error {
	cm, err := NewCookieMinter(enginerand{e}, grace)
	if err != nil {
		return err
	}
	e.cookies = cm
	return nil
}

// enginerand adapts Engine.rng to the io.Reader shape NewCookieMinter
// expects, without exposing engine internals as a public io.Reader.
type enginerand struct{ e *Engine }

func (r enginerand) Read(p []byte) (int, error) {
	b := r.e.rng(len(p))
	n := copy(p, b)
	return n, nil
}

func (e *Engine) randValue() Value {
	b := e.rng(4)
	var buf [4]byte
	copy(buf[:], b)
	return Value(binary.BigEndian.Uint32(buf[:]))
}

func (e *Engine) randPort() uint16 {
	b := e.rng(2)
	var buf [2]byte
	copy(buf[:], b)
	return binary.BigEndian.Uint16(buf[:])
}

// Listen marks port as accepting passive opens.
func (e *Engine) Listen(port uint16) { e.listeners[port] = struct{}{} }

// Unlisten stops port from accepting passive opens. Existing connections on
// that port are unaffected.
func (e *Engine) Unlisten(port uint16) { delete(e.listeners, port) }

// IsListening reports whether port currently accepts passive opens.
func (e *Engine) IsListening(port uint16) bool {
	_, ok := e.listeners[port]
	return ok
}

// allocPort returns an unused local ephemeral port for an active open,
// walking a xorshift sequence over the ephemeral range (RFC 6056). The seed
// is drawn lazily rather than in Empty so that engine construction draws
// nothing from the RNG. A passive open, or a Connect with an explicit local
// port, takes the first RNG output as its ISN; an ephemeral Connect draws
// the port seed first and its ISN after it.
func (e *Engine) allocPort(localAddr Addr, remoteAddr Addr, remotePort uint16) uint16 {
	if e.portSeed == 0 {
		seed := e.randPort()
		if seed == 0 {
			seed = 1 // xorshift is stuck at zero.
		}
		e.portSeed = seed
	}
	for i := 0; i < 1<<16; i++ {
		port := firstEphemeral + e.portSeed%(1<<16-firstEphemeral)
		e.portSeed = internal.Prand16(e.portSeed)
		id := ConnID{LocalAddr: localAddr, LocalPort: port, RemoteAddr: remoteAddr, RemotePort: remotePort}
		if _, taken := e.conns[id]; !taken {
			return port
		}
	}
	panic("tcpcore: no ephemeral ports available")
}

func newConnState(id ConnID) *connState {
	cs := &connState{id: id, sndbufsize: defaultBufSize, rcvbufsize: defaultBufSize, diagID: xid.New()}
	cs.sndq.Reset(make([]byte, cs.sndbufsize))
	cs.rcvq = internal.Ring{Buf: make([]byte, cs.rcvbufsize)}
	return cs
}

func (e *Engine) wrap(id ConnID, seg Segment) OutSegment {
	return OutSegment{SrcAddr: id.LocalAddr, SrcPort: id.LocalPort, DstAddr: id.RemoteAddr, DstPort: id.RemotePort, Segment: seg}
}

func (e *Engine) drainRST() []OutSegment {
	pending := e.rst.Drain()
	if len(pending) == 0 {
		return nil
	}
	outs := make([]OutSegment, 0, len(pending))
	for _, p := range pending {
		outs = append(outs, e.wrap(p.id, p.seg))
	}
	return outs
}

// Connect performs an active open: a new connection is created in
// SYN-SENT, the retransmit and connection-establishment timers are armed,
// and a SYN segment is returned to send.
func (e *Engine) Connect(now time.Time, localAddr Addr, localPort uint16, remoteAddr Addr, remotePort uint16) (ConnID, OutSegment) {
	if localPort == 0 {
		localPort = e.allocPort(localAddr, remoteAddr, remotePort)
	}
	id := ConnID{LocalAddr: localAddr, LocalPort: localPort, RemoteAddr: remoteAddr, RemotePort: remotePort}
	cs := newConnState(id)
	cs.cb.SetLogger(e.connLogger(cs))
	iss := e.randValue()
	wnd := Size(cs.rcvbufsize)
	cs.cb.initActiveOpen(iss, wnd, defaultMSS, true, wsShiftFor(wnd))
	cs.cb.rexmt.arm(rexmtSyn, now.Add(cs.cb.rtt.rto))
	cs.cb.ttConnEst.arm(struct{}{}, now.Add(connEstTimeout))
	cs.cb.rttSeg = iss
	cs.cb.rttSegSet = true
	cs.cb.rttStart = now
	e.conns[id] = cs
	metricLiveConns.Set(float64(len(e.conns)))
	syn := MakeSyn(&cs.cb)
	cs.cb.traceSeg("tx syn", syn)
	return id, e.wrap(id, syn)
}

// Send appends bytes to the connection's send buffer and runs the output
// path. It returns how many bytes were accepted (less than len(b) if the
// buffer is full) and any segments to transmit.
func (e *Engine) Send(now time.Time, id ConnID, b []byte) (n int, outs []OutSegment, err error) {
	cs, ok := e.conns[id]
	if !ok {
		return 0, nil, tcpcoreErrUnknownConn
	}
	if cs.cantsndmore {
		if cs.cb.softErr != nil {
			return 0, nil, cs.cb.softErr
		}
		return 0, nil, tcpcoreErrConnClosing
	}
	n, _ = cs.sndq.Write(b)
	outs = e.output(now, cs)
	return n, outs, nil
}

// Recv drains any bytes the reassembly path has delivered in order. If no
// bytes are ready and the remote has sent FIN, eof is true. Recv may also
// emit a window-update ACK if the receive buffer was drained past half
// capacity.
func (e *Engine) Recv(now time.Time, id ConnID, into []byte) (n int, eof bool, outs []OutSegment, err error) {
	cs, ok := e.conns[id]
	if !ok {
		return 0, false, nil, tcpcoreErrUnknownConn
	}
	before := cs.rcvq.Buffered()
	n, rerr := cs.rcvq.Read(into)
	if rerr != nil {
		n = 0
	}
	if n == 0 && cs.cantrcvmore {
		eof = true
	}
	halfDrained := before >= cs.rcvbufsize/2 && cs.rcvq.Buffered() < cs.rcvbufsize/2
	if n > 0 && (halfDrained || cs.cb.snd.rxwin0sent) {
		// Reopen the window: without this update a peer stalled on a zero
		// (or shrunken) window may never learn space came back.
		cs.cb.shouldAckNow = true
		outs = e.output(now, cs)
	}
	return n, eof, outs, nil
}

// NoteSoftError records a transient lower-layer fault (e.g. an ICMP
// unreachable reported by the datagram transport) against id. Soft errors
// are not acted on immediately; they surface to the caller the next time a
// user operation on the connection fails.
func (e *Engine) NoteSoftError(id ConnID, err error) {
	if cs, ok := e.conns[id]; ok {
		cs.cb.softErr = err
	}
}

// Close begins the active-close sequence for id: no more bytes may be sent,
// and the state machine advances toward FIN-WAIT-1 or LAST-ACK depending on
// the current state.
func (e *Engine) Close(now time.Time, id ConnID) (outs []OutSegment, err error) {
	cs, ok := e.conns[id]
	if !ok {
		return nil, tcpcoreErrUnknownConn
	}
	if cs.cantsndmore {
		return nil, nil
	}
	cs.cantsndmore = true
	switch cs.cb.state {
	case StateEstablished:
		cs.cb.state = StateFinWait1
	case StateCloseWait:
		cs.cb.state = StateLastAck
	case StateSynRcvd:
		cs.cb.state = StateFinWait1
	}
	outs = e.output(now, cs)
	return outs, nil
}

package tcp

import "fmt"

// Addr is an opaque endpoint address (an IPv4 or IPv6 address as raw bytes).
// The core never interprets its contents; it is supplied by the caller and
// used only as a map key component and for logging.
type Addr string

// ConnID uniquely identifies a connection by its 4-tuple.
type ConnID struct {
	LocalAddr  Addr
	LocalPort  uint16
	RemoteAddr Addr
	RemotePort uint16
}

func (id ConnID) String() string {
	return fmt.Sprintf("%x:%d<->%x:%d", id.LocalAddr, id.LocalPort, id.RemoteAddr, id.RemotePort)
}

package tcp

import (
	"encoding/binary"
	"io"

	"golang.org/x/crypto/blake2s"

	tcpcore "github.com/nplab/tcpcore"
)

// A SYN cookie (RFC 4987) lets a listener answer a SYN without allocating
// per-connection state: the ISS of the SYN+ACK is a keyed MAC over the
// connection 4-tuple and the client's ISN, so the handshake-completing ACK
// can be checked later by recomputing it.
//
// Cookie layout, 32 bits: the top 27 bits are MAC bits, the low 5 bits echo
// the epoch the cookie was minted in. Epoch bits let validation try only the
// epochs that could have produced the cookie instead of the whole window.
const (
	cookieEpochBits = 5
	cookieEpochMask = 1<<cookieEpochBits - 1
	cookieKeySize   = 16
)

// CookieMinter issues and validates SYN cookies for an Engine. The MAC is
// keyed BLAKE2s; the key is drawn once from the randomness source handed to
// NewCookieMinter and epochs advance only via Advance, so minting and
// validation are deterministic between those calls.
type CookieMinter struct {
	key   [cookieKeySize]byte
	epoch uint32
	grace uint32 // epochs a cookie stays valid after the one it was minted in.
}

// NewCookieMinter draws a MAC key from rand. grace is how many Advance calls
// a minted cookie survives; 0 means only current-epoch cookies validate.
func NewCookieMinter(rand io.Reader, grace uint32) (*CookieMinter, error) {
	if rand == nil {
		return nil, tcpcore.ErrInvalidConfig
	}
	cm := &CookieMinter{grace: grace}
	if _, err := io.ReadFull(rand, cm.key[:]); err != nil {
		return nil, err
	}
	return cm, nil
}

// Advance moves to the next epoch. Call periodically (or under SYN-flood
// pressure) so stale cookies expire; cookies minted more than grace epochs
// ago stop validating.
func (cm *CookieMinter) Advance() { cm.epoch++ }

// ISS mints the cookie to use as the initial send sequence number of the
// SYN+ACK answering a SYN with sequence number irs on connection id.
func (cm *CookieMinter) ISS(id ConnID, irs Value) Value {
	return cm.mint(id, irs, cm.epoch)
}

// Validate checks the ACK that completes a cookie handshake. ack is the
// segment's acknowledgment number (the client acks cookie+1); irs is the
// client ISN it must be bound to. Returns the cookie on success.
func (cm *CookieMinter) Validate(id ConnID, irs Value, ack Value) (Value, error) {
	cookie := ack - 1
	for back := uint32(0); back <= cm.grace; back++ {
		epoch := cm.epoch - back
		if uint32(cookie)&cookieEpochMask != epoch&cookieEpochMask {
			continue
		}
		if cm.mint(id, irs, epoch) == cookie {
			return cookie, nil
		}
	}
	return 0, tcpcore.ErrMismatch
}

func (cm *CookieMinter) mint(id ConnID, irs Value, epoch uint32) Value {
	mac := cm.mac(id, irs, epoch)
	return Value(mac&^uint32(cookieEpochMask) | epoch&cookieEpochMask)
}

func (cm *CookieMinter) mac(id ConnID, irs Value, epoch uint32) uint32 {
	h, err := blake2s.New128(cm.key[:])
	if err != nil {
		panic(err) // key size is fixed and valid.
	}
	var fixed [12]byte
	binary.BigEndian.PutUint16(fixed[0:2], id.LocalPort)
	binary.BigEndian.PutUint16(fixed[2:4], id.RemotePort)
	binary.BigEndian.PutUint32(fixed[4:8], uint32(irs))
	binary.BigEndian.PutUint32(fixed[8:12], epoch)
	h.Write([]byte(id.LocalAddr))
	h.Write([]byte(id.RemoteAddr))
	h.Write(fixed[:])
	var sum [blake2s.Size128]byte
	return binary.BigEndian.Uint32(h.Sum(sum[:0])[:4])
}

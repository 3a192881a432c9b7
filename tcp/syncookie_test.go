package tcp

import (
	"math/rand"
	"testing"
	"time"
)

var cookieID = ConnID{LocalAddr: addrB, LocalPort: 80, RemoteAddr: addrA, RemotePort: 54321}

func newTestMinter(t *testing.T, grace uint32) *CookieMinter {
	t.Helper()
	cm, err := NewCookieMinter(rand.New(rand.NewSource(1)), grace)
	if err != nil {
		t.Fatal(err)
	}
	return cm
}

func TestCookieMinterRejectsNilRand(t *testing.T) {
	if _, err := NewCookieMinter(nil, 0); err == nil {
		t.Fatal("NewCookieMinter accepted a nil randomness source")
	}
}

func TestCookieMintValidateRoundTrip(t *testing.T) {
	cm := newTestMinter(t, 1)
	const irs Value = 0x12345678

	cookie := cm.ISS(cookieID, irs)
	got, err := cm.Validate(cookieID, irs, cookie+1)
	if err != nil {
		t.Fatalf("Validate of a fresh cookie = %v, want nil", err)
	}
	if got != cookie {
		t.Fatalf("Validate returned cookie %d, want %d", got, cookie)
	}
}

func TestCookieExpiresAfterGrace(t *testing.T) {
	cm := newTestMinter(t, 1)
	const irs Value = 0x12345678
	cookie := cm.ISS(cookieID, irs)

	// Still valid one epoch later (grace 1), gone after the second Advance.
	cm.Advance()
	if _, err := cm.Validate(cookieID, irs, cookie+1); err != nil {
		t.Fatalf("cookie rejected within grace window: %v", err)
	}
	cm.Advance()
	if _, err := cm.Validate(cookieID, irs, cookie+1); err == nil {
		t.Fatal("cookie still valid past the grace window")
	}
}

func TestCookieBoundToTupleAndISN(t *testing.T) {
	cm := newTestMinter(t, 0)
	const irs Value = 0xdeadbeef
	cookie := cm.ISS(cookieID, irs)

	tests := []struct {
		name string
		id   ConnID
		irs  Value
	}{
		{"remote addr", ConnID{LocalAddr: cookieID.LocalAddr, LocalPort: 80, RemoteAddr: Addr("\x0a\x00\x00\x09"), RemotePort: 54321}, irs},
		{"remote port", ConnID{LocalAddr: cookieID.LocalAddr, LocalPort: 80, RemoteAddr: cookieID.RemoteAddr, RemotePort: 54322}, irs},
		{"local port", ConnID{LocalAddr: cookieID.LocalAddr, LocalPort: 81, RemoteAddr: cookieID.RemoteAddr, RemotePort: 54321}, irs},
		{"client isn", cookieID, irs + 1},
	}
	for _, tt := range tests {
		if _, err := cm.Validate(tt.id, tt.irs, cookie+1); err == nil {
			t.Errorf("cookie validated with mismatched %s", tt.name)
		}
	}
	if _, err := cm.Validate(cookieID, irs, cookie+1); err != nil {
		t.Errorf("cookie rejected for the tuple it was minted for: %v", err)
	}
}

func TestCookieEpochBitsMatchEpoch(t *testing.T) {
	cm := newTestMinter(t, 0)
	for i := 0; i < 70; i++ { // wrap the 5 epoch bits at least twice.
		cookie := cm.ISS(cookieID, 1000)
		if got, want := uint32(cookie)&cookieEpochMask, cm.epoch&cookieEpochMask; got != want {
			t.Fatalf("epoch %d: cookie epoch bits = %d, want %d", cm.epoch, got, want)
		}
		cm.Advance()
	}
}

func TestCookieIPv6Addresses(t *testing.T) {
	cm := newTestMinter(t, 0)
	id6 := ConnID{
		LocalAddr:  Addr("\x20\x01\x0d\xb8\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02"),
		LocalPort:  443,
		RemoteAddr: Addr("\x20\x01\x0d\xb8\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01"),
		RemotePort: 54321,
	}
	cookie := cm.ISS(id6, 42)
	if _, err := cm.Validate(id6, 42, cookie+1); err != nil {
		t.Fatalf("IPv6 cookie rejected: %v", err)
	}
}

func TestEngineSYNCookiePassiveOpen(t *testing.T) {
	// With cookies enabled the passive-open ISS is the minted cookie for the
	// tuple, so the handshake-completing ACK can be checked statelessly.
	now := time.Unix(1700000000, 0)
	b := Empty("listener", testRNG())
	if err := b.EnableSYNCookies(1); err != nil {
		t.Fatal(err)
	}
	b.Listen(80)
	syn := OutSegment{
		SrcAddr: addrA, SrcPort: 54321, DstAddr: addrB, DstPort: 80,
		Segment: Segment{SEQ: 7000, WND: 65535, Flags: FlagSYN},
	}
	outs, _ := b.Handle(now, addrA, addrB, wireBytes(t, syn))
	if len(outs) != 1 {
		t.Fatalf("got %d replies, want 1 SYN+ACK", len(outs))
	}
	iss := outs[0].Segment.SEQ
	id := ConnID{LocalAddr: addrB, LocalPort: 80, RemoteAddr: addrA, RemotePort: 54321}
	if want := b.cookies.ISS(id, 7000); iss != want {
		t.Fatalf("SYN+ACK seq = %d, want minted cookie %d", iss, want)
	}
	if _, err := b.cookies.Validate(id, 7000, iss+1); err != nil {
		t.Fatalf("cookie ISS failed validation: %v", err)
	}
}

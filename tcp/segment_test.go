package tcp

import "testing"

func TestSegmentLEN(t *testing.T) {
	tests := []struct {
		seg  Segment
		want Size
	}{
		{Segment{DATALEN: 0}, 0},
		{Segment{DATALEN: 10}, 10},
		{Segment{Flags: FlagSYN}, 1},
		{Segment{Flags: FlagFIN, DATALEN: 5}, 6},
		{Segment{Flags: FlagSYN | FlagFIN, DATALEN: 3}, 5},
	}
	for _, tt := range tests {
		if got := tt.seg.LEN(); got != tt.want {
			t.Errorf("LEN() of %s datalen=%d = %d, want %d", tt.seg.Flags, tt.seg.DATALEN, got, tt.want)
		}
	}
}

func TestSegmentLast(t *testing.T) {
	seg := Segment{SEQ: 100, DATALEN: 10}
	if got := seg.Last(); got != 109 {
		t.Errorf("Last() = %d, want 109", got)
	}
	empty := Segment{SEQ: 100}
	if got := empty.Last(); got != 100 {
		t.Errorf("Last() of empty segment = %d, want 100", got)
	}
}

func TestDropWithReset(t *testing.T) {
	t.Run("ack input", func(t *testing.T) {
		// Offending segment carried ACK: reply takes its ack as seq, no ACK flag.
		in := Segment{SEQ: 500, ACK: 777, Flags: FlagACK, DATALEN: 20}
		rst, ok := DropWithReset(in)
		if !ok {
			t.Fatal("DropWithReset refused a non-RST segment")
		}
		if rst.SEQ != 777 {
			t.Errorf("rst.SEQ = %d, want 777", rst.SEQ)
		}
		if rst.Flags != FlagRST {
			t.Errorf("rst.Flags = %s, want [RST]", rst.Flags)
		}
	})
	t.Run("no ack input", func(t *testing.T) {
		// No ACK: reply is RST+ACK acknowledging everything the segment occupied.
		in := Segment{SEQ: 1000, Flags: FlagSYN, DATALEN: 3}
		rst, ok := DropWithReset(in)
		if !ok {
			t.Fatal("DropWithReset refused a non-RST segment")
		}
		if rst.SEQ != 0 {
			t.Errorf("rst.SEQ = %d, want 0", rst.SEQ)
		}
		if want := Value(1000 + 3 + 1); rst.ACK != want { // payload + SYN octet.
			t.Errorf("rst.ACK = %d, want %d", rst.ACK, want)
		}
		if rst.Flags != FlagRST|FlagACK {
			t.Errorf("rst.Flags = %s, want [RST,ACK]", rst.Flags)
		}
	})
	t.Run("rst input", func(t *testing.T) {
		// Never answer a RST with a RST.
		if _, ok := DropWithReset(Segment{Flags: FlagRST}); ok {
			t.Fatal("DropWithReset produced a reply to a RST")
		}
	})
}

// exclusiveControlFlag checks that at most one of SYN, FIN, RST is set in
// any segment the engine emits.
func exclusiveControlFlag(t *testing.T, seg Segment) {
	t.Helper()
	n := 0
	for _, f := range []Flags{FlagSYN, FlagFIN, FlagRST} {
		if seg.Flags.HasAny(f) {
			n++
		}
	}
	if n > 1 {
		t.Errorf("segment %s sets %d of SYN/FIN/RST, want at most 1", seg.Flags, n)
	}
}

func TestConstructorsSetSingleControlFlag(t *testing.T) {
	var cb ControlBlock
	cb.initActiveOpen(100, 1000, 1460, true, 2)
	exclusiveControlFlag(t, MakeSyn(&cb))
	exclusiveControlFlag(t, MakeAck(&cb, 0, false))
	exclusiveControlFlag(t, MakeAck(&cb, 10, true))

	var pcb ControlBlock
	pcb.initPassiveOpen(300, 1000, 1460, Segment{SEQ: 100, Flags: FlagSYN, WND: 1000})
	exclusiveControlFlag(t, MakeSynAck(&pcb))

	rst, _ := DropWithReset(Segment{SEQ: 1, Flags: FlagACK, ACK: 2})
	exclusiveControlFlag(t, rst)
}

func TestMakeSynCarriesOptions(t *testing.T) {
	var cb ControlBlock
	cb.initActiveOpen(100, 64*1024, 1460, true, 13)
	syn := MakeSyn(&cb)
	if syn.Flags != FlagSYN {
		t.Errorf("flags = %s, want [SYN]", syn.Flags)
	}
	if syn.SEQ != 100 {
		t.Errorf("seq = %d, want iss 100", syn.SEQ)
	}
	if !syn.HasMSS || syn.MSS != 1460 {
		t.Errorf("MSS option = (%v, %d), want (true, 1460)", syn.HasMSS, syn.MSS)
	}
	if !syn.HasWS || syn.WS != 13 {
		t.Errorf("WS option = (%v, %d), want (true, 13)", syn.HasWS, syn.WS)
	}
	if syn.WND != 0xffff {
		t.Errorf("SYN window = %d, want unscaled cap 65535", syn.WND)
	}
}

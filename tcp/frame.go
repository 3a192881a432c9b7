package tcp

import (
	"encoding/binary"
	"fmt"
	"math"

	tcpcore "github.com/nplab/tcpcore"
)

const sizeHeaderTCP = 20

// NewFrame returns a new Frame with data set to buf. An error is returned if
// the buffer is smaller than the fixed TCP header size.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderTCP {
		return Frame{}, tcpcore.ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw bytes of a TCP segment on the wire and provides
// accessors for its fields. See RFC 9293.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice the Frame was created with.
func (tfrm Frame) RawData() []byte { return tfrm.buf }

func (tfrm Frame) SourcePort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[0:2]) }
func (tfrm Frame) SetSourcePort(src uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[0:2], src)
}

func (tfrm Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[2:4]) }
func (tfrm Frame) SetDestinationPort(dst uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[2:4], dst)
}

func (tfrm Frame) Seq() Value { return Value(binary.BigEndian.Uint32(tfrm.buf[4:8])) }
func (tfrm Frame) SetSeq(v Value) {
	binary.BigEndian.PutUint32(tfrm.buf[4:8], uint32(v))
}

func (tfrm Frame) Ack() Value { return Value(binary.BigEndian.Uint32(tfrm.buf[8:12])) }
func (tfrm Frame) SetAck(v Value) {
	binary.BigEndian.PutUint32(tfrm.buf[8:12], uint32(v))
}

// OffsetAndFlags returns the data-offset (in 32-bit words) and flags fields.
func (tfrm Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(tfrm.buf[12:14])
	offset = uint8(v >> 12)
	flags = Flags(v).Mask()
	return offset, flags
}

func (tfrm Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(tfrm.buf[12:14], v)
}

// HeaderLength returns the total TCP header length in bytes, including options.
func (tfrm Frame) HeaderLength() int {
	offset, _ := tfrm.OffsetAndFlags()
	return 4 * int(offset)
}

func (tfrm Frame) WindowSize() uint16 { return binary.BigEndian.Uint16(tfrm.buf[14:16]) }
func (tfrm Frame) SetWindowSize(v uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[14:16], v)
}

func (tfrm Frame) CRC() uint16 { return binary.BigEndian.Uint16(tfrm.buf[16:18]) }
func (tfrm Frame) SetCRC(sum uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[16:18], sum)
}

func (tfrm Frame) UrgentPtr() uint16      { return binary.BigEndian.Uint16(tfrm.buf[18:20]) }
func (tfrm Frame) SetUrgentPtr(up uint16) { binary.BigEndian.PutUint16(tfrm.buf[18:20], up) }

// Options returns the TCP options section of the frame.
func (tfrm Frame) Options() []byte {
	return tfrm.buf[sizeHeaderTCP:tfrm.HeaderLength()]
}

// Payload returns the payload section, excluding header and options.
func (tfrm Frame) Payload() []byte {
	return tfrm.buf[tfrm.HeaderLength():]
}

// ClearHeader zeros out the fixed-size header section.
func (tfrm Frame) ClearHeader() {
	for i := range tfrm.buf[:sizeHeaderTCP] {
		tfrm.buf[i] = 0
	}
}

// Segment decodes the Frame into a Segment, including MSS/Window-Scale option
// parsing. Unrecognised options are skipped, not treated as an error.
func (tfrm Frame) Segment() (Segment, error) {
	_, flags := tfrm.OffsetAndFlags()
	seg := Segment{
		SEQ:     tfrm.Seq(),
		ACK:     tfrm.Ack(),
		WND:     Size(tfrm.WindowSize()),
		DATALEN: Size(len(tfrm.Payload())),
		Flags:   flags,
	}
	if err := ParseMSSAndWS(tfrm.Options(), &seg); err != nil {
		return seg, err
	}
	return seg, nil
}

// SetSegment writes seq, ack, offset, window and flags from seg into the
// frame. offset is expressed in 32-bit words, minimum 5 (no options).
func (tfrm Frame) SetSegment(seg Segment, offset uint8) {
	if offset >= 1<<4 {
		panic("tcp offset too large")
	} else if seg.WND > math.MaxUint16 {
		panic("tcp window overflow")
	}
	tfrm.SetSeq(seg.SEQ)
	tfrm.SetAck(seg.ACK)
	tfrm.SetOffsetAndFlags(offset, seg.Flags)
	tfrm.SetWindowSize(uint16(seg.WND))
}

func (tfrm Frame) String() string {
	src := tfrm.SourcePort()
	dst := tfrm.DestinationPort()
	seg, _ := tfrm.Segment()
	return fmt.Sprintf("TCP :%d -> :%d seq=%d ack=%d %s", src, dst, seg.SEQ, seg.ACK, seg.Flags)
}

// ValidateSize checks the frame's data-offset field against the actual buffer
// size, recording an error in v on mismatch.
func (tfrm Frame) ValidateSize(v *tcpcore.Validator) {
	off := tfrm.HeaderLength()
	if off < sizeHeaderTCP {
		v.AddBitPosErr(12*8, 4, tcpcore.ErrInvalidLengthField)
	}
	if off > len(tfrm.RawData()) {
		v.AddBitPosErr(12*8, 4, tcpcore.ErrInvalidLengthField)
	}
}

// ValidateExceptCRC performs all Frame validation except checksum verification.
func (tfrm Frame) ValidateExceptCRC(v *tcpcore.Validator) {
	tfrm.ValidateSize(v)
	if tfrm.DestinationPort() == 0 {
		v.AddBitPosErr(2*8, 16, tcpcore.ErrZeroDestination)
	}
	if tfrm.SourcePort() == 0 {
		v.AddBitPosErr(0, 16, tcpcore.ErrZeroSource)
	}
}

// VerifyChecksum recomputes the TCP checksum over the pseudo-header
// (srcAddr, dstAddr) plus the frame contents and reports whether it matches
// the CRC field already present in the frame.
func (tfrm Frame) VerifyChecksum(srcAddr, dstAddr []byte) bool {
	var crc tcpcore.CRC791
	crc.AddPseudoHeader(srcAddr, dstAddr, uint16(len(tfrm.buf)))
	got := crc.PayloadSum16(tfrm.buf)
	return got == 0 || got == 0xffff // ones'-complement sum of header+CRC is 0 (or equiv all-ones) when valid.
}

// SetChecksum computes and writes the TCP checksum for the frame given the
// pseudo-header addresses. Must be called after all other fields are set.
func (tfrm Frame) SetChecksum(srcAddr, dstAddr []byte) {
	tfrm.SetCRC(0)
	var crc tcpcore.CRC791
	crc.AddPseudoHeader(srcAddr, dstAddr, uint16(len(tfrm.buf)))
	sum := crc.PayloadSum16(tfrm.buf)
	tfrm.SetCRC(tcpcore.NeverZeroChecksum(sum))
}

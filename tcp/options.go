package tcp

import (
	"fmt"

	tcpcore "github.com/nplab/tcpcore"
)

// OptionCodec encodes and decodes TCP options. Emission is limited to MSS and
// Window Scale; decoding tolerates and skips any other option kind rather
// than failing the whole parse.
type OptionCodec struct {
	SkipSizeValidation bool
}

// PutMSS writes a Maximum Segment Size option (kind 2, length 4).
func (op OptionCodec) PutMSS(dst []byte, mss uint16) (int, error) {
	return op.put(dst, OptMaxSegmentSize, byte(mss>>8), byte(mss))
}

// PutWindowScale writes a Window Scale option (kind 3, length 3).
func (op OptionCodec) PutWindowScale(dst []byte, shift uint8) (int, error) {
	return op.put(dst, OptWindowScale, shift)
}

func (op OptionCodec) put(dst []byte, kind OptionKind, data ...byte) (int, error) {
	putSize := 2 + len(data)
	if len(dst) < putSize {
		return 0, tcpcore.ErrShortBuffer
	}
	dst[0] = byte(kind)
	dst[1] = byte(putSize)
	copy(dst[2:], data)
	return putSize, nil
}

// ForEachOption iterates the options buffer, invoking fn with each option's
// kind and data. Unknown or obsolete kinds are still passed to fn so the
// caller (segment decode) can ignore them deliberately rather than the codec
// silently dropping them.
func (op OptionCodec) ForEachOption(opts []byte, fn func(OptionKind, []byte) error) error {
	off := 0
	for off < len(opts) && opts[off] != 0 {
		kind := OptionKind(opts[off])
		off++
		if kind == OptNop {
			continue
		}
		if len(opts[off:]) < 1 {
			return tcpcore.ErrShortBuffer
		}
		size := int(opts[off])
		off++
		dataLen := size - 2
		if dataLen < 0 || len(opts[off:]) < dataLen {
			return tcpcore.ErrShortBuffer
		}
		if !op.SkipSizeValidation {
			expectSize := -1
			switch kind {
			case OptMaxSegmentSize:
				expectSize = 4
			case OptWindowScale:
				expectSize = 3
			case OptSACKPermitted:
				expectSize = 2
			}
			if expectSize != -1 && size != expectSize {
				return fmt.Errorf("bad TCP option %s size want %d got %d: %w", kind, expectSize, size, tcpcore.ErrInvalidLengthField)
			}
		}
		if err := fn(kind, opts[off:off+dataLen]); err != nil {
			return err
		}
		off += dataLen
	}
	return nil
}

// ParseMSSAndWS extracts the MSS and Window Scale options from opts, if
// present, setting the corresponding fields of seg.
func ParseMSSAndWS(opts []byte, seg *Segment) error {
	var codec OptionCodec
	return codec.ForEachOption(opts, func(kind OptionKind, data []byte) error {
		switch kind {
		case OptMaxSegmentSize:
			if len(data) == 2 {
				seg.HasMSS = true
				seg.MSS = uint16(data[0])<<8 | uint16(data[1])
			}
		case OptWindowScale:
			if len(data) == 1 {
				seg.HasWS = true
				seg.WS = data[0]
			}
		}
		return nil
	})
}

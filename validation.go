package tcpcore

import "errors"

// Validator accumulates validation errors found while inspecting wire-format
// fields, associating each with the bit position of the offending field so
// callers can report precisely which header bits were at fault.
type Validator struct {
	allowMultiErrs bool
	accum          []error
	positions      []bitPos
}

type bitPos struct {
	offsetBits, lengthBits int
}

// AllowMultipleErrors configures the Validator to keep accumulating errors
// instead of discarding every error found after the first.
func (v *Validator) AllowMultipleErrors(allow bool) { v.allowMultiErrs = allow }

// ResetErr clears all accumulated errors, readying the Validator for reuse.
func (v *Validator) ResetErr() {
	v.accum = v.accum[:0]
	v.positions = v.positions[:0]
}

// Err returns the accumulated validation error, or nil if none were recorded.
func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	default:
		return errors.Join(v.accum...)
	}
}

// AddBitPosErr records err as having originated at bit offset offsetBits
// spanning lengthBits bits of the frame under validation.
func (v *Validator) AddBitPosErr(offsetBits, lengthBits int, err error) {
	if len(v.accum) != 0 && !v.allowMultiErrs {
		return
	}
	v.accum = append(v.accum, err)
	v.positions = append(v.positions, bitPos{offsetBits, lengthBits})
}

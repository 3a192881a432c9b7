package tcp

// Value is a 32-bit TCP sequence number. Comparisons between Values are
// modular (mod 2**32) as described in RFC 9293 §3.4: "a" is considered to
// come "before" "b" if the signed difference (b-a) is positive.
type Value uint32

// Size is a count of octets, used for window sizes and segment lengths.
type Size uint32

// Add returns v+delta, wrapping silently on overflow.
func Add(v Value, delta Size) Value { return v + Value(delta) }

// Sub returns the signed distance from a to b, i.e. b-a performed in the
// sequence space. A positive result means b comes after a.
func Sub(a, b Value) int32 { return int32(b - a) }

// Sizeof returns the number of octets between a (inclusive) and b (exclusive)
// assuming b does not precede a in sequence space.
func Sizeof(a, b Value) Size { return Size(b - a) }

// LessThan reports whether v comes strictly before w in sequence space.
func (v Value) LessThan(w Value) bool { return int32(w-v) > 0 }

// LessThanEq reports whether v comes before or is equal to w in sequence space.
func (v Value) LessThanEq(w Value) bool { return v == w || v.LessThan(w) }

// GreaterThan reports whether v comes strictly after w in sequence space.
func (v Value) GreaterThan(w Value) bool { return w.LessThan(v) }

// GreaterThanEq reports whether v comes after or is equal to w in sequence space.
func (v Value) GreaterThanEq(w Value) bool { return v == w || v.GreaterThan(w) }

// InWindow reports whether v lies in [start, start+size) in sequence space.
// A zero size window only admits v==start.
func (v Value) InWindow(start Value, size Size) bool {
	if size == 0 {
		return v == start
	}
	return Sizeof(start, v) < size
}

// UpdateForward advances v by n octets in place.
func (v *Value) UpdateForward(n Size) { *v = Add(*v, n) }

// Max returns the sequence-space maximum of a and b.
func Max(a, b Value) Value {
	if a.LessThan(b) {
		return b
	}
	return a
}

// Min returns the sequence-space minimum of a and b.
func Min(a, b Value) Value {
	if a.LessThan(b) {
		return a
	}
	return b
}

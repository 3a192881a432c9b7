package tcp

// reassemblyElem is one out-of-order record held by a reassembly queue: a
// contiguous byte range [seq, seq+len(data)) plus whether a FIN immediately
// follows the last octet.
type reassemblyElem struct {
	seq  Value
	fin  bool
	data []byte
}

func (e *reassemblyElem) end() Value { return Add(e.seq, Size(len(e.data))) }

// reassemblyQueue holds segments that arrived out of order, sorted by seq
// with disjoint intervals, coalescing overlaps as they are inserted. Payloads
// are held as slices until extraction.
type reassemblyQueue struct {
	elems []reassemblyElem
}

// Len returns the number of disjoint out-of-order records currently queued.
func (q *reassemblyQueue) Len() int { return len(q.elems) }

// Bytes returns the total payload bytes currently held by the queue.
func (q *reassemblyQueue) Bytes() int {
	n := 0
	for i := range q.elems {
		n += len(q.elems[i].data)
	}
	return n
}

// Reset discards all queued records.
func (q *reassemblyQueue) Reset() { q.elems = q.elems[:0] }

// Insert adds a newly-arrived out-of-order segment to the queue, merging it
// with any existing record it overlaps or touches. Where two records disagree
// on overlapping bytes, the existing (older) bytes win.
func (q *reassemblyQueue) Insert(seq Value, fin bool, data []byte) {
	if len(data) == 0 && !fin {
		return
	}
	newElem := reassemblyElem{seq: seq, fin: fin, data: data}
	i := 0
	for i < len(q.elems) {
		cur := &q.elems[i]
		newEnd := newElem.end()
		if newEnd.LessThan(cur.seq) {
			// Strictly before cur: insert here, no overlap.
			break
		}
		if cur.end().LessThan(newElem.seq) {
			// Strictly after cur: keep scanning.
			i++
			continue
		}
		// Overlap or touch: merge newElem into cur, existing bytes win.
		newElem = mergeElems(*cur, newElem)
		q.elems = append(q.elems[:i], q.elems[i+1:]...)
		// Re-scan from i: the merged elem may now touch further neighbours.
	}
	q.elems = append(q.elems, reassemblyElem{})
	copy(q.elems[i+1:], q.elems[i:])
	q.elems[i] = newElem
}

// mergeElems merges newcomer into existing, keeping existing's bytes on any
// overlap and OR-ing the FIN bit.
func mergeElems(existing, newcomer reassemblyElem) reassemblyElem {
	start := Min(existing.seq, newcomer.seq)
	end := existing.end()
	if newcomer.end().GreaterThan(end) {
		end = newcomer.end()
	}
	size := int(Sizeof(start, end))
	merged := make([]byte, size)
	// Lay newcomer down first, existing bytes overwrite any overlap so
	// existing (older) bytes always win.
	copy(merged[Sizeof(start, newcomer.seq):], newcomer.data)
	copy(merged[Sizeof(start, existing.seq):], existing.data)
	return reassemblyElem{
		seq:  start,
		fin:  existing.fin || newcomer.fin,
		data: merged,
	}
}

// MaybeTake returns the queued bytes (and any FIN) that become available for
// delivery given that the receiver is now expecting wanted. If the front
// record begins exactly at wanted, it is fully consumed and returned. If
// wanted falls strictly inside the front record, the portion from wanted
// onward is returned and consumed. Otherwise nothing is returned and the
// queue is left unchanged.
func (q *reassemblyQueue) MaybeTake(wanted Value) (data []byte, fin bool, ok bool) {
	if len(q.elems) == 0 {
		return nil, false, false
	}
	front := &q.elems[0]
	if wanted.LessThan(front.seq) {
		return nil, false, false
	}
	if wanted == front.seq {
		data, fin = front.data, front.fin
		q.elems = q.elems[1:]
		return data, fin, true
	}
	offset := int(Sizeof(front.seq, wanted))
	if offset >= len(front.data) {
		return nil, false, false // wanted at or past this record's end: caller is wrong.
	}
	data = front.data[offset:]
	fin = front.fin
	q.elems = q.elems[1:]
	return data, fin, true
}

package entitycache

// JSON returns this entry's JSON representation, computing and installing
// it on first call via a double-checked atomic-pointer CAS (spec §4.H
// "Lazy serialization"): compute the buffer outside any lock, attempt to
// install it, and on a losing race discard the computed buffer rather than
// the winner's.
func (m *Metadata) JSON(compute func() []byte, charge func(delta int64)) []byte {
	if p := m.jsonBuf.Load(); p != nil {
		return *p
	}
	buf := compute()
	if m.jsonBuf.CompareAndSwap(nil, &buf) {
		if charge != nil {
			charge(int64(cap(buf)))
		}
		return buf
	}
	// Lost the race: the winner's buffer is authoritative, ours is dropped.
	return *m.jsonBuf.Load()
}

// Binary is JSON's counterpart for the binary representation.
func (m *Metadata) Binary(compute func() []byte, charge func(delta int64)) []byte {
	if p := m.binBuf.Load(); p != nil {
		return *p
	}
	buf := compute()
	if m.binBuf.CompareAndSwap(nil, &buf) {
		if charge != nil {
			charge(int64(cap(buf)))
		}
		return buf
	}
	return *m.binBuf.Load()
}

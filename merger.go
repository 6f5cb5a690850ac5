package microhttp

// byteMerger collects byte slices without copying, and flattens them into a
// single contiguous slice on demand.
type byteMerger struct {
	parts [][]byte
	n     int
}

func (m *byteMerger) add(b []byte) {
	if len(b) == 0 {
		return
	}
	m.parts = append(m.parts, b)
	m.n += len(b)
}

func (m *byteMerger) addString(s string) {
	if s == `` {
		return
	}
	m.parts = append(m.parts, []byte(s))
	m.n += len(s)
}

// length returns the total number of bytes added.
func (m *byteMerger) length() int { return m.n }

// merge returns a newly allocated slice holding every added part, in order.
func (m *byteMerger) merge() []byte {
	out := make([]byte, 0, m.n)
	for _, p := range m.parts {
		out = append(out, p...)
	}
	return out
}

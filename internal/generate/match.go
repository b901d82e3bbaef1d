package generate

// matcher tracks, for one stop sequence, the length of the longest prefix of
// the sequence that is a suffix of the tokens seen so far (a KMP automaton).
type matcher struct {
	seq   []int
	fail  []int
	state int
}

func newMatcher(seq []int) matcher {
	seq = append([]int(nil), seq...)
	fail := make([]int, len(seq))
	k := 0
	for i := 1; i < len(seq); i++ {
		for k > 0 && seq[i] != seq[k] {
			k = fail[k-1]
		}
		if seq[i] == seq[k] {
			k++
		}
		fail[i] = k
	}
	return matcher{seq: seq, fail: fail}
}

// advance consumes tok and returns the new partial match length.
func (m *matcher) advance(tok int) int {
	if m.state == len(m.seq) {
		m.state = m.fail[m.state-1]
	}
	for m.state > 0 && m.seq[m.state] != tok {
		m.state = m.fail[m.state-1]
	}
	if m.seq[m.state] == tok {
		m.state++
	}
	return m.state
}

func (m *matcher) complete() bool { return m.state == len(m.seq) }

// ring is a fixed-capacity FIFO of withheld tokens.
type ring struct {
	buf  []int
	head int
	n    int
}

func newRing(capacity int) ring {
	return ring{buf: make([]int, capacity)}
}

func (r *ring) len() int { return r.n }

func (r *ring) push(tok int) {
	if r.n == len(r.buf) {
		panic("generate: pending buffer overflow")
	}
	r.buf[(r.head+r.n)%len(r.buf)] = tok
	r.n++
}

func (r *ring) pop() int {
	tok := r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return tok
}

func (r *ring) reset() {
	r.head = 0
	r.n = 0
}

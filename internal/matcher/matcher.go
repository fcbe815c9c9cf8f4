// Package matcher provides multi-pattern keyword detection and the
// per-group matcher cache.
package matcher

import "strings"

// acNode uses a fixed 256-way transition table to avoid map lookups in the
// hot scan path. Inputs are lowercased UTF-8 bytes.
type acNode struct {
	// trans[b] = next state or -1 if absent
	trans  [256]int
	fail   int
	output []int // pattern IDs ending at this node
}

type automaton struct {
	nodes []acNode
}

func newAutomaton() *automaton {
	a := &automaton{nodes: make([]acNode, 1)}
	for i := range a.nodes[0].trans {
		a.nodes[0].trans[i] = -1
	}
	a.nodes[0].fail = 0
	return a
}

func (a *automaton) addPattern(pat []byte, id int) {
	if len(pat) == 0 {
		return
	}
	state := 0
	for _, b := range pat {
		nxt := a.nodes[state].trans[b]
		if nxt == -1 {
			nxt = len(a.nodes)
			a.nodes[state].trans[b] = nxt
			var n acNode
			for i := range n.trans {
				n.trans[i] = -1
			}
			a.nodes = append(a.nodes, n)
		}
		state = nxt
	}
	a.nodes[state].output = append(a.nodes[state].output, id)
}

// build finalizes failure links with a BFS over the trie.
func (a *automaton) build() {
	q := make([]int, 0, 64)
	for b := 0; b < 256; b++ {
		s := a.nodes[0].trans[byte(b)]
		if s != -1 {
			a.nodes[s].fail = 0
			q = append(q, s)
		}
	}

	for qi := 0; qi < len(q); qi++ {
		r := q[qi]
		for b := 0; b < 256; b++ {
			s := a.nodes[r].trans[byte(b)]
			if s == -1 {
				continue
			}
			q = append(q, s)

			f := a.nodes[r].fail
			for f != 0 && a.nodes[f].trans[byte(b)] == -1 {
				f = a.nodes[f].fail
			}
			if nxt := a.nodes[f].trans[byte(b)]; nxt != -1 {
				a.nodes[s].fail = nxt
			} else {
				a.nodes[s].fail = 0
			}

			a.nodes[s].output = append(a.nodes[s].output, a.nodes[a.nodes[s].fail].output...)
		}
	}
}

// findFirst scans text and returns the ID of the first pattern reported
// (leftmost end position; at equal end positions, whichever output the
// automaton visits first). Returns -1 when nothing matches.
func (a *automaton) findFirst(text []byte) int {
	state := 0
	for _, b := range text {
		for state != 0 && a.nodes[state].trans[b] == -1 {
			state = a.nodes[state].fail
		}
		if nxt := a.nodes[state].trans[b]; nxt != -1 {
			state = nxt
		}
		if out := a.nodes[state].output; len(out) > 0 {
			return out[0]
		}
	}
	return -1
}

// Matcher is an immutable compiled keyword set. Matching is
// case-insensitive; the stored keyword text is reported verbatim.
type Matcher struct {
	ac       *automaton
	keywords []string
}

// New compiles the given keywords. Empty keywords are skipped.
func New(keywords []string) *Matcher {
	m := &Matcher{ac: newAutomaton()}
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		id := len(m.keywords)
		m.keywords = append(m.keywords, k)
		m.ac.addPattern([]byte(strings.ToLower(k)), id)
	}
	m.ac.build()
	return m
}

// Empty reports whether the matcher has no patterns.
func (m *Matcher) Empty() bool { return len(m.keywords) == 0 }

// FindFirst returns the first keyword occurring in text and true, or
// ("", false) when none occurs.
func (m *Matcher) FindFirst(text string) (string, bool) {
	if m == nil || len(m.keywords) == 0 {
		return "", false
	}
	id := m.ac.findFirst([]byte(strings.ToLower(text)))
	if id < 0 {
		return "", false
	}
	return m.keywords[id], true
}

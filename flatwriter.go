package graphtable

import (
	"bytes"
	"fmt"
)

// FlatWriter builds a flat sorted index. Entries are accumulated in
// memory and serialized on Finish; any key referenced before (or
// without) being added is written as an absent placeholder row so that
// reference offsets stay resolvable.
type FlatWriter struct {
	mem    memNodes
	closed bool
}

// NewFlatWriter returns a builder for an index with the given number of
// reference lists and key elements.
func NewFlatWriter(refLists, keyElements int) *FlatWriter {
	return &FlatWriter{mem: newMemNodes(refLists, keyElements)}
}

// Add records one entry. It fails with ErrDuplicateKey when the key was
// already added with a value, and with ErrInvalidKey/ErrInvalidValue on
// malformed input.
func (w *FlatWriter) Add(key Key, value []byte, refs ...RefList) error {
	if w.closed {
		return ErrClosed
	}
	return w.mem.add(key, value, refs)
}

// Finish serializes the index. References are emitted as fixed-width
// decimal byte offsets of the referenced row, so serialization runs in
// two passes: the first computes every row's eventual offset (widening
// the offset digit count until it is self-consistent), the second emits
// the rows. The output length is asserted against the precomputed
// expected length.
func (w *FlatWriter) Finish() ([]byte, error) {
	if w.closed {
		return nil, ErrClosed
	}
	w.closed = true

	header := fmt.Sprintf("%s%s%d\n%s%d\n%s%d\n",
		flatSignature,
		optRefLists, w.mem.refLists,
		optKeyElements, w.mem.keyElements,
		optLen, w.mem.present)

	ids := w.mem.sortedIDs()

	// Pass 1: fixed per-row byte counts, then offset digit widening.
	nonRefBytes := len(header) + 1 // trailing blank line
	totalRefs := 0
	fixed := make([]int, len(ids))
	for i, id := range ids {
		node := w.mem.nodes[id]
		n := len(id) + 1 + 1 + 1 + len(node.value) + 1 // key, seps, value, newline
		if node.absent {
			n += len(absentFlag)
		}
		if w.mem.refLists > 0 {
			n += w.mem.refLists - 1 // tabs
			for _, list := range node.refs {
				if len(list) > 1 {
					n += len(list) - 1 // CRs
				}
				totalRefs += len(list)
			}
		}
		fixed[i] = n
		nonRefBytes += n
	}

	digits := 1
	for pow10(digits) < int64(nonRefBytes+totalRefs*digits) {
		digits++
	}
	expected := nonRefBytes + totalRefs*digits

	addresses := make(map[KeyID]int, len(ids))
	addr := len(header)
	for i, id := range ids {
		addresses[id] = addr
		node := w.mem.nodes[id]
		refs := 0
		for _, list := range node.refs {
			refs += len(list)
		}
		addr += fixed[i] + refs*digits
	}

	// Pass 2: emit.
	buf := bytes.NewBuffer(make([]byte, 0, expected))
	buf.WriteString(header)
	refFormat := fmt.Sprintf("%%0%dd", digits)
	for _, id := range ids {
		node := w.mem.nodes[id]
		buf.WriteString(string(id))
		buf.WriteByte(0)
		if node.absent {
			buf.WriteString(absentFlag)
		}
		buf.WriteByte(0)
		for i, list := range node.refs {
			if i > 0 {
				buf.WriteByte('\t')
			}
			for j, ref := range list {
				if j > 0 {
					buf.WriteByte('\r')
				}
				fmt.Fprintf(buf, refFormat, addresses[ref.ID()])
			}
		}
		buf.WriteByte(0)
		buf.Write(node.value)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	if buf.Len() != expected {
		return nil, corruptf("<builder>", "serialized %d bytes, expected %d", buf.Len(), expected)
	}
	return buf.Bytes(), nil
}

func pow10(n int) int64 {
	out := int64(1)
	for i := 0; i < n; i++ {
		out *= 10
	}
	return out
}

package graphtable

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"
)

// PageSize is the size of a single B+Tree page.
const PageSize = 4096

// headerReserve is the number of bytes reserved at the start of a
// B+Tree file for the header options.
const headerReserve = 120

// Key identifies an entry: an ordered tuple of non-empty byte strings.
// The tuple arity is fixed per index. Elements must not contain
// whitespace or NUL bytes.
type Key [][]byte

// KeyID is the canonical string form of a Key, usable as a map key.
// Since elements cannot contain NUL bytes, joining them with NUL is
// collision-free and preserves tuple sort order for keys of equal arity.
type KeyID string

// ID returns the canonical string form of the key.
func (k Key) ID() KeyID { return KeyID(bytes.Join(k, keySep)) }

// Compare compares two keys of equal arity element by element.
func (k Key) Compare(other Key) int {
	for i, el := range k {
		if i >= len(other) {
			return 1
		}
		if c := bytes.Compare(el, other[i]); c != 0 {
			return c
		}
	}
	if len(k) < len(other) {
		return -1
	}
	return 0
}

// Key converts the ID back into a tuple.
func (id KeyID) Key() Key {
	if id == "" {
		return nil
	}
	return Key(bytes.Split([]byte(id), keySep))
}

var keySep = []byte{0}

// NK builds a key from plain strings. It is a convenience for callers
// and tests.
func NK(elements ...string) Key {
	key := make(Key, 0, len(elements))
	for _, el := range elements {
		key = append(key, []byte(el))
	}
	return key
}

func validKeyByte(c byte) bool {
	switch c {
	case 0x00, ' ', '\t', '\n', '\v', '\f', '\r':
		return false
	}
	return true
}

func checkKey(key Key, elements int) error {
	if len(key) != elements {
		return errors.Wrapf(ErrInvalidKey, "%v has %d elements, want %d", key, len(key), elements)
	}
	for _, el := range key {
		if len(el) == 0 {
			return errors.Wrapf(ErrInvalidKey, "%v contains an empty element", key)
		}
		for _, c := range el {
			if !validKeyByte(c) {
				return errors.Wrapf(ErrInvalidKey, "%v contains whitespace or NUL bytes", key)
			}
		}
	}
	return nil
}

func checkValue(value []byte) error {
	for _, c := range value {
		if c == 0x00 || c == '\n' {
			return errors.Wrapf(ErrInvalidValue, "%q contains NUL or newline bytes", value)
		}
	}
	return nil
}

// Entry is a single index record.
type Entry struct {
	Key   Key
	Value []byte
	Refs  []RefList // one per reference list, nil when the index has none
}

// RefList is one list of keys referenced by an entry.
type RefList []Key

// Reader is the query contract shared by flat and B+Tree index readers.
// Implementations are safe for concurrent use once open.
type Reader interface {
	// KeyCount returns the number of present entries.
	KeyCount() (int, error)

	// IterEntries returns the present entries for the given keys, in
	// key order. Keys not present in the index are silently omitted.
	IterEntries(keys []Key) ([]Entry, error)

	// IterEntriesPrefix matches keys whose trailing elements are nil
	// wildcards and returns all entries sharing the given prefixes.
	IterEntriesPrefix(keys []Key) ([]Entry, error)

	// IterAllEntries returns every present entry in key order.
	IterAllEntries() ([]Entry, error)

	// FindAncestors resolves one traversal round: for each search key
	// found it records its refList references in parents, for each key
	// known to be missing it records the key in missing, and it returns
	// the references that require a further round.
	FindAncestors(keys []Key, refList int, parents map[KeyID][]Key, missing map[KeyID]Key) ([]Key, error)
}

// --------------------------------------------------------------------

// memNode is a single pending entry held by a builder.
type memNode struct {
	key    Key
	absent bool
	value  []byte
	refs   []RefList
}

// memNodes accumulates and validates builder entries prior to
// serialization. Referenced keys that have not been added themselves
// are tracked as absent placeholders.
type memNodes struct {
	refLists    int
	keyElements int
	nodes       map[KeyID]*memNode
	present     int
}

func newMemNodes(refLists, keyElements int) memNodes {
	return memNodes{
		refLists:    refLists,
		keyElements: keyElements,
		nodes:       make(map[KeyID]*memNode),
	}
}

func (m *memNodes) add(key Key, value []byte, refs []RefList) error {
	if err := checkKey(key, m.keyElements); err != nil {
		return err
	}
	if err := checkValue(value); err != nil {
		return err
	}
	if len(refs) != m.refLists {
		return errors.Wrapf(ErrInvalidKey, "%v carries %d reference lists, want %d", key, len(refs), m.refLists)
	}

	id := key.ID()
	if node, ok := m.nodes[id]; ok && !node.absent {
		return errors.Wrapf(ErrDuplicateKey, "%v", key)
	}

	kept := make([]RefList, len(refs))
	for i, list := range refs {
		kept[i] = make(RefList, 0, len(list))
		for _, ref := range list {
			if err := checkKey(ref, m.keyElements); err != nil {
				return err
			}
			refID := ref.ID()
			if _, ok := m.nodes[refID]; !ok {
				m.nodes[refID] = &memNode{key: ref, absent: true, refs: emptyRefs(m.refLists)}
			}
			kept[i] = append(kept[i], ref)
		}
	}

	m.nodes[id] = &memNode{key: key, value: value, refs: kept}
	m.present++
	return nil
}

// sortedIDs returns all node IDs, absent placeholders included, in key
// order.
func (m *memNodes) sortedIDs() []KeyID {
	ids := make([]KeyID, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *memNodes) reset() {
	m.nodes = make(map[KeyID]*memNode)
	m.present = 0
}

func emptyRefs(n int) []RefList {
	if n == 0 {
		return nil
	}
	refs := make([]RefList, n)
	for i := range refs {
		refs[i] = RefList{}
	}
	return refs
}

func sortKeys(keys []Key) []Key {
	out := make([]Key, 0, len(keys))
	seen := make(map[KeyID]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key.ID()]; !ok {
			seen[key.ID()] = struct{}{}
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

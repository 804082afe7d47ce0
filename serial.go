package graphtable

import (
	"bytes"
	"strconv"
)

// On-disk framing shared by both index kinds.
const (
	flatSignature  = "GraphTable Index 1\n"
	btreeSignature = "GraphTable B+Tree 2\n"

	optRefLists    = "node_ref_lists="
	optKeyElements = "key_elements="
	optLen         = "len="
	optRowLengths  = "row_lengths="

	leafFlag       = "type=leaf\n"
	internalFlag   = "type=internal\n"
	internalOffset = "offset="

	absentFlag = "a"
)

// flattenLeafLine serializes one entry for a B+Tree leaf page. The
// absent column stays empty: leaves never store placeholder rows since
// references are recorded as verbatim key tuples.
func flattenLeafLine(e Entry) []byte {
	n := len(e.Value) + 4
	for _, el := range e.Key {
		n += len(el) + 1
	}
	line := make([]byte, 0, n)
	line = append(line, bytes.Join(e.Key, keySep)...)
	line = append(line, 0, 0) // empty absent column
	for i, list := range e.Refs {
		if i > 0 {
			line = append(line, '\t')
		}
		for j, ref := range list {
			if j > 0 {
				line = append(line, '\r')
			}
			line = append(line, bytes.Join(ref, keySep)...)
		}
	}
	line = append(line, 0)
	line = append(line, e.Value...)
	line = append(line, '\n')
	return line
}

// parseLeafLine is the inverse of flattenLeafLine. The reference column
// may itself contain NUL bytes (key element joins), so the value is
// anchored at the last NUL of the line and the key at the first
// keyElements fields.
func parseLeafLine(name string, line []byte, keyElements, refLists int) (Entry, error) {
	last := bytes.LastIndexByte(line, 0)
	if last < 0 {
		return Entry{}, corruptf(name, "malformed leaf line %q", line)
	}
	value := append([]byte(nil), line[last+1:]...)

	rest := line[:last]
	key := make(Key, 0, keyElements)
	for i := 0; i < keyElements; i++ {
		sep := bytes.IndexByte(rest, 0)
		if sep < 0 {
			return Entry{}, corruptf(name, "leaf line %q has too few key elements", line)
		}
		key = append(key, append([]byte(nil), rest[:sep]...))
		rest = rest[sep+1:]
	}
	if len(rest) < 1 || rest[0] != 0 { // absent column, always empty in leaves
		return Entry{}, corruptf(name, "leaf line %q has a malformed absent column", line)
	}
	rest = rest[1:]

	refs, err := parseLeafRefs(name, rest, keyElements, refLists)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, Value: value, Refs: refs}, nil
}

func parseLeafRefs(name string, field []byte, keyElements, refLists int) ([]RefList, error) {
	if refLists == 0 {
		if len(field) != 0 {
			return nil, corruptf(name, "unexpected reference column %q", field)
		}
		return nil, nil
	}

	groups := bytes.Split(field, []byte{'\t'})
	if len(groups) != refLists {
		return nil, corruptf(name, "reference column has %d lists, want %d", len(groups), refLists)
	}
	refs := make([]RefList, refLists)
	for i, group := range groups {
		refs[i] = RefList{}
		if len(group) == 0 {
			continue
		}
		for _, raw := range bytes.Split(group, []byte{'\r'}) {
			ref := Key(bytes.Split(raw, keySep))
			if len(ref) != keyElements {
				return nil, corruptf(name, "reference %q has %d elements, want %d", raw, len(ref), keyElements)
			}
			refs[i] = append(refs[i], cloneKey(ref))
		}
	}
	return refs, nil
}

// parseFlatLine splits one flat-index line into its four columns. The
// reference column holds only digits, CR and TAB, so a plain NUL split
// applies.
func parseFlatLine(name string, line []byte, keyElements int) (key Key, absent bool, refs []byte, value []byte, err error) {
	fields := bytes.Split(line, keySep)
	if len(fields) != keyElements+3 {
		return nil, false, nil, nil, corruptf(name, "entry line %q has %d fields, want %d", line, len(fields), keyElements+3)
	}
	key = make(Key, keyElements)
	for i := 0; i < keyElements; i++ {
		key[i] = append([]byte(nil), fields[i]...)
	}
	switch string(fields[keyElements]) {
	case "":
	case absentFlag:
		absent = true
	default:
		return nil, false, nil, nil, corruptf(name, "entry line %q has a malformed absent column", line)
	}
	refs = fields[keyElements+1]
	value = append([]byte(nil), fields[keyElements+2]...)
	return key, absent, refs, value, nil
}

// parseFlatRefOffsets decodes the flat reference column into byte
// offsets, one slice per reference list.
func parseFlatRefOffsets(name string, field []byte, refLists int) ([][]int64, error) {
	if refLists == 0 {
		if len(field) != 0 {
			return nil, corruptf(name, "unexpected reference column %q", field)
		}
		return nil, nil
	}

	groups := bytes.Split(field, []byte{'\t'})
	if len(groups) != refLists {
		return nil, corruptf(name, "reference column has %d lists, want %d", len(groups), refLists)
	}
	offsets := make([][]int64, refLists)
	for i, group := range groups {
		offsets[i] = []int64{}
		if len(group) == 0 {
			continue
		}
		for _, raw := range bytes.Split(group, []byte{'\r'}) {
			n, err := strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return nil, corruptf(name, "bad reference offset %q", raw)
			}
			offsets[i] = append(offsets[i], n)
		}
	}
	return offsets, nil
}

// separatorLine serializes a key for an internal B+Tree page.
func separatorLine(key Key) []byte {
	line := bytes.Join(key, keySep)
	return append(line, '\n')
}

func cloneKey(key Key) Key {
	out := make(Key, len(key))
	for i, el := range key {
		out[i] = append([]byte(nil), el...)
	}
	return out
}

// parseOptionInt parses one "name=<digits>\n" header line.
func parseOptionInt(name string, line, prefix []byte) (int, error) {
	if !bytes.HasPrefix(line, prefix) {
		return 0, corruptf(name, "missing %s option", prefix)
	}
	n, err := strconv.Atoi(string(bytes.TrimSuffix(line[len(prefix):], []byte{'\n'})))
	if err != nil || n < 0 {
		return 0, corruptf(name, "bad %s option %q", prefix, line)
	}
	return n, nil
}

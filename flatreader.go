package graphtable

import (
	"bytes"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// FlatReaderOptions define flat index reader specific options.
type FlatReaderOptions struct {
	// BufferFraction makes the reader parse the whole file instead of
	// bisecting once a query asks for more than 1/BufferFraction of the
	// declared key count. A bulk scan is cheaper than many seeks.
	// Default: 20.
	BufferFraction int

	// BisectWindow is the size of the speculative reads issued at
	// binary-search midpoints. Default: 800.
	BisectWindow int

	// Logger receives debug output. Default: discard.
	Logger logrus.FieldLogger

	// Metrics receives I/O counters. Default: none.
	Metrics *Metrics
}

func (o *FlatReaderOptions) norm() *FlatReaderOptions {
	var oo FlatReaderOptions
	if o != nil {
		oo = *o
	}

	if oo.BufferFraction < 1 {
		oo.BufferFraction = 20
	}
	if oo.BisectWindow < 1 {
		oo.BisectWindow = 800
	}
	if oo.Logger == nil {
		oo.Logger = discardLogger()
	}
	return &oo
}

// flatNode is one parsed row, present or absent.
type flatNode struct {
	key        Key
	absent     bool
	value      []byte
	refOffsets [][]int64
	offset     int64
}

// parsedRange is a maximal run of bytes that has been parsed into
// complete rows: [start,end) aligned to line boundaries, with the first
// and last row keys it contains.
type parsedRange struct {
	start, end int64
	firstID    KeyID
	lastID     KeyID
}

// FlatReader reads a flat sorted index. Knowledge about the file grows
// monotonically: nothing is read until the first query parses the
// header; point lookups then bisect the byte range with speculative
// reads, memoizing every parsed interval; large or prefix queries
// buffer the whole file.
type FlatReader struct {
	store Store
	name  string
	opts  *FlatReaderOptions

	mu          sync.Mutex
	size        int64
	headerDone  bool
	headerEnd   int64
	refLists    int
	keyElements int
	keyCount    int

	buffered bool
	order    []*flatNode // all rows in file order, only when buffered

	ranges   []parsedRange
	byID     map[KeyID]*flatNode
	byOffset map[int64]*flatNode

	prefixIdx map[string]interface{} // built on first prefix query
}

// NewFlatReader opens a flat index lazily; no bytes are read until the
// first query. Pass size <= 0 to have the reader stat the store.
func NewFlatReader(store Store, name string, size int64, o *FlatReaderOptions) *FlatReader {
	return &FlatReader{
		store:    store,
		name:     name,
		size:     size,
		opts:     o.norm(),
		byID:     make(map[KeyID]*flatNode),
		byOffset: make(map[int64]*flatNode),
	}
}

// Name returns the backing file name.
func (r *FlatReader) Name() string { return r.name }

// KeyCount returns the number of present entries declared in the header.
func (r *FlatReader) KeyCount() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.readHeader(); err != nil {
		return 0, err
	}
	return r.keyCount, nil
}

// Validate parses the whole file, failing on any malformed content or
// on a mismatch between the header and the row count.
func (r *FlatReader) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bufferAll()
}

// IterAllEntries returns every present entry in key order.
func (r *FlatReader) IterAllEntries() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.bufferAll(); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, r.keyCount)
	for _, node := range r.order {
		if node.absent {
			continue
		}
		entry, err := r.entryFor(node)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key.Compare(entries[j].Key) < 0 })
	return entries, nil
}

// IterEntries returns the present entries among keys, in key order.
func (r *FlatReader) IterEntries(keys []Key) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys = sortKeys(keys)
	if len(keys) == 0 {
		return nil, nil
	}
	if !r.buffered {
		if err := r.readHeader(); err != nil {
			return nil, err
		}
		// A bulk scan beats bisecting for anything but small key sets.
		if len(keys)*r.opts.BufferFraction > r.keyCount {
			if err := r.bufferAll(); err != nil {
				return nil, err
			}
		}
	}
	if r.buffered {
		return r.iterBuffered(keys)
	}
	return r.iterBisect(keys)
}

func (r *FlatReader) iterBuffered(keys []Key) ([]Entry, error) {
	var entries []Entry
	for _, key := range keys {
		if node, ok := r.byID[key.ID()]; ok && !node.absent {
			entry, err := r.entryFor(node)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// IterEntriesPrefix matches keys whose trailing nil elements act as
// wildcards. Prefix matching is not bisectable in this layout, so the
// whole file is buffered and walked through a nested per-element map.
func (r *FlatReader) IterEntriesPrefix(keys []Key) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.bufferAll(); err != nil {
		return nil, err
	}
	if r.prefixIdx == nil {
		r.prefixIdx = make(map[string]interface{})
		for _, node := range r.order {
			if node.absent {
				continue
			}
			level := r.prefixIdx
			for i := 0; i < r.keyElements-1; i++ {
				el := string(node.key[i])
				next, ok := level[el].(map[string]interface{})
				if !ok {
					next = make(map[string]interface{})
					level[el] = next
				}
				level = next
			}
			level[string(node.key[r.keyElements-1])] = node
		}
	}

	var entries []Entry
	seen := make(map[KeyID]struct{})
	for _, key := range keys {
		if err := checkPrefixKey(key, r.keyElements); err != nil {
			return nil, err
		}
		if err := r.collectPrefix(r.prefixIdx, key, 0, seen, &entries); err != nil {
			return nil, err
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key.Compare(entries[j].Key) < 0 })
	return entries, nil
}

func checkPrefixKey(key Key, elements int) error {
	if len(key) != elements {
		return checkKey(key, elements)
	}
	wild := false
	for _, el := range key {
		if el == nil {
			wild = true
		} else if wild {
			return checkKey(key, elements) // non-nil after a wildcard
		}
	}
	return nil
}

func (r *FlatReader) collectPrefix(level map[string]interface{}, key Key, depth int, seen map[KeyID]struct{}, out *[]Entry) error {
	if key[depth] == nil {
		for _, sub := range level {
			if err := r.collectAny(sub, seen, out); err != nil {
				return err
			}
		}
		return nil
	}
	sub, ok := level[string(key[depth])]
	if !ok {
		return nil
	}
	if depth == len(key)-1 {
		return r.collectAny(sub, seen, out)
	}
	next, ok := sub.(map[string]interface{})
	if !ok {
		return nil
	}
	return r.collectPrefix(next, key, depth+1, seen, out)
}

func (r *FlatReader) collectAny(sub interface{}, seen map[KeyID]struct{}, out *[]Entry) error {
	switch v := sub.(type) {
	case *flatNode:
		if _, ok := seen[v.key.ID()]; ok {
			return nil
		}
		seen[v.key.ID()] = struct{}{}
		entry, err := r.entryFor(v)
		if err != nil {
			return err
		}
		*out = append(*out, entry)
	case map[string]interface{}:
		for _, next := range v {
			if err := r.collectAny(next, seen, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExternalReferences returns the keys referenced through the given
// reference list which are not themselves present in the index.
func (r *FlatReader) ExternalReferences(refList int) ([]Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.bufferAll(); err != nil {
		return nil, err
	}
	var keys []Key
	seen := make(map[KeyID]struct{})
	for _, node := range r.order {
		if node.absent || refList >= len(node.refOffsets) {
			continue
		}
		for _, off := range node.refOffsets[refList] {
			target, ok := r.byOffset[off]
			if !ok {
				return nil, corruptf(r.name, "dangling reference offset %d", off)
			}
			if target.absent {
				if _, dup := seen[target.key.ID()]; !dup {
					seen[target.key.ID()] = struct{}{}
					keys = append(keys, target.key)
				}
			}
		}
	}
	return keys, nil
}

// FindAncestors implements the Reader traversal round through plain
// point lookups; the flat layout has no page locality to exploit.
func (r *FlatReader) FindAncestors(keys []Key, refList int, parents map[KeyID][]Key, missing map[KeyID]Key) ([]Key, error) {
	entries, err := r.IterEntries(keys)
	if err != nil {
		return nil, err
	}
	found := make(map[KeyID]struct{}, len(entries))
	var search []Key
	searchSeen := make(map[KeyID]struct{})
	for _, entry := range entries {
		id := entry.Key.ID()
		found[id] = struct{}{}
		var refs []Key
		if refList < len(entry.Refs) {
			refs = entry.Refs[refList]
		}
		parents[id] = refs
		for _, ref := range refs {
			refID := ref.ID()
			if _, ok := parents[refID]; ok {
				continue
			}
			if _, ok := missing[refID]; ok {
				continue
			}
			if _, ok := searchSeen[refID]; ok {
				continue
			}
			searchSeen[refID] = struct{}{}
			search = append(search, ref)
		}
	}
	for _, key := range keys {
		if _, ok := found[key.ID()]; !ok {
			missing[key.ID()] = key
		}
	}
	return search, nil
}

// --------------------------------------------------------------------

func (r *FlatReader) entryFor(node *flatNode) (Entry, error) {
	entry := Entry{Key: node.key, Value: node.value}
	if r.refLists > 0 {
		entry.Refs = make([]RefList, r.refLists)
		for i, offsets := range node.refOffsets {
			entry.Refs[i] = RefList{}
			for _, off := range offsets {
				target, ok := r.byOffset[off]
				if !ok {
					return Entry{}, corruptf(r.name, "dangling reference offset %d", off)
				}
				entry.Refs[i] = append(entry.Refs[i], target.key)
			}
		}
	}
	return entry, nil
}

func (r *FlatReader) readHeader() error {
	if r.headerDone {
		return nil
	}
	if r.size <= 0 {
		size, err := r.store.Stat(r.name)
		if err != nil {
			return err
		}
		r.size = size
	}

	n := int64(r.opts.BisectWindow)
	if n > r.size {
		n = r.size
	}
	blocks, err := r.store.ReadV(r.name, []ByteRange{{Offset: 0, Length: int(n)}}, true)
	if err != nil {
		return err
	}
	r.opts.Metrics.addBytesRead(int(n))
	return r.parseHeaderBlock(blocks[0].Data)
}

func (r *FlatReader) parseHeaderBlock(data []byte) error {
	if !bytes.HasPrefix(data, []byte(flatSignature)) {
		return corruptf(r.name, "bad signature")
	}
	rest := data[len(flatSignature):]
	pos := int64(len(flatSignature))
	for _, prefix := range []string{optRefLists, optKeyElements, optLen} {
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			return corruptf(r.name, "truncated header")
		}
		n, err := parseOptionInt(r.name, rest[:nl+1], []byte(prefix))
		if err != nil {
			return err
		}
		switch prefix {
		case optRefLists:
			r.refLists = n
		case optKeyElements:
			r.keyElements = n
		case optLen:
			r.keyCount = n
		}
		rest = rest[nl+1:]
		pos += int64(nl + 1)
	}
	r.headerEnd = pos
	r.headerDone = true

	// Whatever rows landed in this block are free knowledge.
	return r.parseBlock(pos, rest, true)
}

func (r *FlatReader) bufferAll() error {
	if r.buffered {
		return nil
	}

	data, err := r.store.GetBytes(r.name)
	if err != nil {
		return err
	}
	r.size = int64(len(data))
	r.opts.Metrics.addBytesRead(len(data))
	r.opts.Logger.WithFields(logrus.Fields{"index": r.name, "bytes": len(data)}).Debug("buffering whole index")

	r.headerDone = false
	r.ranges = nil
	r.byID = make(map[KeyID]*flatNode)
	r.byOffset = make(map[int64]*flatNode)
	if err := r.parseHeaderBlock(data); err != nil {
		return err
	}
	if len(r.ranges) != 1 || r.ranges[0].start != r.headerEnd || r.ranges[0].end != r.size {
		if r.size != r.headerEnd+1 { // empty index: header plus blank line
			return corruptf(r.name, "unparsable row region")
		}
	}

	r.order = make([]*flatNode, 0, len(r.byOffset))
	for _, node := range r.byOffset {
		r.order = append(r.order, node)
	}
	sort.Slice(r.order, func(i, j int) bool { return r.order[i].offset < r.order[j].offset })

	present := 0
	for _, node := range r.order {
		if !node.absent {
			present++
		}
	}
	if present != r.keyCount {
		return corruptf(r.name, "header declares %d entries, file has %d", r.keyCount, present)
	}
	r.buffered = true
	return nil
}

// --------------------------------------------------------------------
// Bisection protocol

type bisectTarget struct {
	key     Key
	id      KeyID
	node    *flatNode // resolution, when decided present
	decided bool
}

func (r *FlatReader) iterBisect(keys []Key) ([]Entry, error) {
	targets := make([]*bisectTarget, 0, len(keys))
	for _, key := range keys {
		targets = append(targets, &bisectTarget{key: key, id: key.ID()})
	}
	refWanted := make(map[int64]struct{})

	window := int64(r.opts.BisectWindow)
	for round := 0; ; round++ {
		var reads []ByteRange

		for _, t := range targets {
			if t.decided {
				continue
			}
			if node, decided := r.lookupParsed(t.id); decided {
				t.node, t.decided = node, true
				continue
			}
			lo, hi := r.searchWindow(t.id)
			if lo >= hi {
				t.decided = true // fully parsed gap, key absent
				continue
			}
			reads = append(reads, midRange(lo, hi, window))
		}

		// Queue reference resolution reads; offsets address line starts.
		for _, t := range targets {
			if t.node == nil {
				continue
			}
			for _, list := range t.node.refOffsets {
				for _, off := range list {
					if _, ok := r.byOffset[off]; !ok {
						refWanted[off] = struct{}{}
					}
				}
			}
		}
		for off := range refWanted {
			if _, ok := r.byOffset[off]; ok {
				delete(refWanted, off)
				continue
			}
			n := window
			if off+n > r.size {
				n = r.size - off
			}
			reads = append(reads, ByteRange{Offset: off, Length: int(n)})
		}

		if len(reads) == 0 {
			break
		}
		sort.Slice(reads, func(i, j int) bool { return reads[i].Offset < reads[j].Offset })
		blocks, err := r.store.ReadV(r.name, reads, true)
		if err != nil {
			return nil, err
		}
		for _, block := range blocks {
			r.opts.Metrics.addBytesRead(len(block.Data))
			_, lineStart := refWanted[block.Offset]
			if err := r.parseBlock(block.Offset, block.Data, lineStart); err != nil {
				return nil, err
			}
		}

		// A window too small to hold a full line learns nothing; widen
		// it so the search always terminates.
		window *= 2
		if window > r.size {
			window = r.size
		}
	}

	var entries []Entry
	for _, t := range targets {
		if t.node == nil || t.node.absent {
			continue
		}
		entry, err := r.entryFor(t.node)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// lookupParsed reports whether the key's position is covered by parsed
// knowledge, and its row if present.
func (r *FlatReader) lookupParsed(id KeyID) (*flatNode, bool) {
	if node, ok := r.byID[id]; ok {
		return node, true
	}
	for _, rng := range r.ranges {
		if (rng.start <= r.headerEnd || id >= rng.firstID) && (rng.end >= r.size || id <= rng.lastID) {
			return nil, true // inside a parsed interval, but not found
		}
	}
	return nil, false
}

// searchWindow returns the unparsed byte interval that must contain the
// key's row, if any.
func (r *FlatReader) searchWindow(id KeyID) (lo, hi int64) {
	lo, hi = r.headerEnd, r.size
	for _, rng := range r.ranges { // sorted by start
		if id > rng.lastID {
			if rng.end > lo {
				lo = rng.end
			}
			continue
		}
		if id < rng.firstID {
			if rng.start < hi {
				hi = rng.start
			}
			break
		}
	}
	return lo, hi
}

func midRange(lo, hi, window int64) ByteRange {
	mid := lo + (hi-lo)/2
	start := mid - window/2
	if start < lo {
		start = lo
	}
	length := window
	if start+length > hi {
		length = hi - start
	}
	return ByteRange{Offset: start, Length: int(length)}
}

// atLineStart reports whether off is a known row boundary: the end of
// the header or of any parsed interval.
func (r *FlatReader) atLineStart(off int64) bool {
	if off == r.headerEnd {
		return true
	}
	for _, rng := range r.ranges {
		if rng.end == off {
			return true
		}
	}
	return false
}

// parseBlock extracts every complete row inside one read block and
// memoizes the parsed interval. lineStart asserts that the block begins
// exactly at a row boundary; otherwise everything up to the first
// newline is speculative noise and skipped.
func (r *FlatReader) parseBlock(off int64, data []byte, lineStart bool) error {
	start := off
	if !lineStart && !r.atLineStart(off) {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			return nil
		}
		data = data[nl+1:]
		start = off + int64(nl+1)
	}

	end := start + int64(len(data))
	if end < r.size {
		nl := bytes.LastIndexByte(data, '\n')
		if nl < 0 {
			return nil
		}
		data = data[:nl+1]
		end = start + int64(nl+1)
	}

	pos := start
	var firstID, lastID KeyID
	sawRow := false
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		line := data[:nl]
		lineOff := pos
		data = data[nl+1:]
		pos += int64(nl + 1)

		if len(line) == 0 { // terminator row
			continue
		}
		if node, ok := r.byOffset[lineOff]; ok {
			if !sawRow {
				firstID, sawRow = node.key.ID(), true
			}
			lastID = node.key.ID()
			continue
		}
		key, absent, refsField, value, err := parseFlatLine(r.name, line, r.keyElements)
		if err != nil {
			return err
		}
		refs, err := parseFlatRefOffsets(r.name, refsField, r.refLists)
		if err != nil {
			return err
		}
		node := &flatNode{key: key, absent: absent, value: value, refOffsets: refs, offset: lineOff}
		r.byOffset[lineOff] = node
		r.byID[key.ID()] = node
		if !sawRow {
			firstID, sawRow = key.ID(), true
		}
		lastID = key.ID()
	}

	if !sawRow {
		return nil
	}
	r.addRange(parsedRange{start: start, end: end, firstID: firstID, lastID: lastID})
	return nil
}

func (r *FlatReader) addRange(add parsedRange) {
	out := r.ranges[:0]
	for _, rng := range r.ranges {
		switch {
		case rng.end < add.start || rng.start > add.end: // disjoint
			out = append(out, rng)
		default: // adjacent or overlapping, merge
			if rng.start < add.start {
				add.start, add.firstID = rng.start, rng.firstID
			}
			if rng.end > add.end {
				add.end, add.lastID = rng.end, rng.lastID
			}
		}
	}
	out = append(out, add)
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	r.ranges = out
}

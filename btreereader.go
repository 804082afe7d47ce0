package graphtable

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

// BTreeReaderOptions define B+Tree reader specific options.
type BTreeReaderOptions struct {
	// CacheSize is the number of parsed leaf pages retained in the LRU
	// cache. Default: 256. Internal pages are always retained, there
	// are never more than a fraction of a percent of them.
	CacheSize int

	// Unlimited retains every parsed leaf page, bypassing the LRU.
	Unlimited bool

	// Logger receives debug output. Default: discard.
	Logger logrus.FieldLogger

	// Metrics receives reader counters. Default: none.
	Metrics *Metrics
}

func (o *BTreeReaderOptions) norm() *BTreeReaderOptions {
	var oo BTreeReaderOptions
	if o != nil {
		oo = *o
	}

	if oo.CacheSize < 1 {
		oo.CacheSize = 256
	}
	if oo.Logger == nil {
		oo.Logger = discardLogger()
	}
	return &oo
}

// btreeNode is one parsed page.
type btreeNode struct {
	leaf    bool
	offset  int     // internal: row-relative index of the first child
	seps    []KeyID // internal: separator keys
	order   []KeyID // leaf: entry IDs in key order
	entries map[KeyID]Entry
}

// BTreeReader reads a paged B+Tree index. Everything is lazy: the
// header page is fetched on first use and further pages on demand,
// in batches sized to the store's recommended read size.
type BTreeReader struct {
	store Store
	name  string
	o     *BTreeReaderOptions

	mu          sync.Mutex
	size        int64
	headerDone  bool
	refLists    int
	keyElements int
	keyCount    int
	rowLengths  []int // top row first
	rowStarts   []int
	totalPages  int
	root        *btreeNode
	internal    map[int]*btreeNode
	leafLRU     *lru.Cache
	leafAll     map[int]*btreeNode
	readCount   int
}

// NewBTreeReader opens the named index in store. No I/O happens until
// the first operation. Pass size <= 0 to have the reader stat the file
// itself.
func NewBTreeReader(store Store, name string, o *BTreeReaderOptions) *BTreeReader {
	r := &BTreeReader{
		store:    store,
		name:     name,
		o:        o.norm(),
		internal: make(map[int]*btreeNode),
	}
	if r.o.Unlimited {
		r.leafAll = make(map[int]*btreeNode)
	} else {
		r.leafLRU, _ = lru.New(r.o.CacheSize)
	}
	return r
}

// Name returns the store name the reader was opened with.
func (r *BTreeReader) Name() string { return r.name }

// KeyCount returns the number of entries in the index.
func (r *BTreeReader) KeyCount() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.readHeader(); err != nil {
		return 0, err
	}
	return r.keyCount, nil
}

// IterEntries returns the entries for the given keys, in key order.
// Keys not present in the index are silently omitted. Lookups descend
// the tree once per level for all keys together.
func (r *BTreeReader) IterEntries(keys []Key) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.readHeader(); err != nil {
		return nil, err
	}
	if r.totalPages == 0 || len(keys) == 0 {
		return nil, nil
	}

	ids := make([]KeyID, 0, len(keys))
	for _, key := range sortKeys(keys) {
		ids = append(ids, key.ID())
	}

	type pageGroup struct {
		page int
		ids  []KeyID
	}
	pending := []pageGroup{{page: 0, ids: ids}}

	var out []Entry
	for len(pending) > 0 {
		pages := make([]int, 0, len(pending))
		for _, g := range pending {
			pages = append(pages, g.page)
		}
		nodes, err := r.getNodes(pages)
		if err != nil {
			return nil, err
		}

		var next []pageGroup
		for _, g := range pending {
			node := nodes[g.page]
			if node.leaf {
				for _, id := range g.ids {
					if entry, ok := node.entries[id]; ok {
						out = append(out, entry)
					}
				}
				continue
			}
			base := r.rowStarts[r.rowOf(g.page)+1] + node.offset
			for pos, sub := range multiBisectRight(g.ids, node.seps) {
				if len(sub) > 0 {
					next = append(next, pageGroup{page: base + pos, ids: sub})
				}
			}
		}
		pending = next
	}
	return out, nil
}

// IterEntriesPrefix returns the entries matching the given keys, where
// a nil element and all elements after it act as wildcards. Fully
// specified keys use the regular descent; wildcard keys scan the leaf
// row.
func (r *BTreeReader) IterEntriesPrefix(keys []Key) ([]Entry, error) {
	elements, err := r.keyElementCount()
	if err != nil {
		return nil, err
	}

	var exact []Key
	var prefixes []Key
	for _, key := range keys {
		if err := checkPrefixKey(key, elements); err != nil {
			return nil, err
		}
		if key[len(key)-1] != nil {
			exact = append(exact, key)
		} else {
			prefixes = append(prefixes, key)
		}
	}

	entries, err := r.IterEntries(exact)
	if err != nil {
		return nil, err
	}
	if len(prefixes) == 0 {
		return entries, nil
	}

	seen := make(map[KeyID]struct{}, len(entries))
	for _, entry := range entries {
		seen[entry.Key.ID()] = struct{}{}
	}
	all, err := r.IterAllEntries()
	if err != nil {
		return nil, err
	}
	for _, entry := range all {
		if _, dup := seen[entry.Key.ID()]; dup {
			continue
		}
		for _, prefix := range prefixes {
			if matchPrefix(entry.Key, prefix) {
				seen[entry.Key.ID()] = struct{}{}
				entries = append(entries, entry)
				break
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key.Compare(entries[j].Key) < 0 })
	return entries, nil
}

func (r *BTreeReader) keyElementCount() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.readHeader(); err != nil {
		return 0, err
	}
	return r.keyElements, nil
}

func matchPrefix(key, prefix Key) bool {
	for i, el := range prefix {
		if el == nil {
			return true
		}
		if !bytes.Equal(key[i], el) {
			return false
		}
	}
	return true
}

// IterAllEntries returns every entry in key order.
func (r *BTreeReader) IterAllEntries() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.readHeader(); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, r.keyCount)
	for page := r.leafStart(); page < r.totalPages; {
		batch := r.leafBatch(page)
		nodes, err := r.getNodes(batch)
		if err != nil {
			return nil, err
		}
		for _, p := range batch {
			node := nodes[p]
			for _, id := range node.order {
				entries = append(entries, node.entries[id])
			}
		}
		page = batch[len(batch)-1] + 1
	}
	return entries, nil
}

// ExternalReferences returns the keys referenced through the given
// reference list which are not themselves present in the index.
func (r *BTreeReader) ExternalReferences(refList int) ([]Key, error) {
	entries, err := r.IterAllEntries()
	if err != nil {
		return nil, err
	}
	present := make(map[KeyID]struct{}, len(entries))
	for _, entry := range entries {
		present[entry.Key.ID()] = struct{}{}
	}

	var keys []Key
	seen := make(map[KeyID]struct{})
	for _, entry := range entries {
		if refList >= len(entry.Refs) {
			continue
		}
		for _, ref := range entry.Refs[refList] {
			id := ref.ID()
			if _, ok := present[id]; ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			keys = append(keys, ref)
		}
	}
	return sortKeys(keys), nil
}

// FindAncestors performs one traversal round: it resolves the given
// keys, records their parent lists, and returns the parent keys still
// unknown to the caller. Keys absent from the index are recorded in
// missing.
func (r *BTreeReader) FindAncestors(keys []Key, refList int, parents map[KeyID][]Key, missing map[KeyID]Key) ([]Key, error) {
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

// Validate parses every page and checks the entry count against the
// header.
func (r *BTreeReader) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.readHeader(); err != nil {
		return err
	}
	count := 0
	for page := 0; page < r.totalPages; {
		batch := r.leafBatch(page)
		nodes, err := r.getNodes(batch)
		if err != nil {
			return err
		}
		for _, p := range batch {
			if node := nodes[p]; node.leaf {
				count += len(node.order)
			}
		}
		page = batch[len(batch)-1] + 1
	}
	if count != r.keyCount {
		return corruptf(r.name, "found %d entries, header declares %d", count, r.keyCount)
	}
	return nil
}

// --------------------------------------------------------------------

// cursor returns a streaming iterator over all entries in key order,
// fetching leaf pages in store-recommended batches.
func (r *BTreeReader) cursor() (*btreeCursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.readHeader(); err != nil {
		return nil, err
	}
	return &btreeCursor{r: r, page: r.leafStart()}, nil
}

type btreeCursor struct {
	r       *BTreeReader
	page    int
	entries []Entry
	pos     int
}

func (c *btreeCursor) next() (Entry, bool, error) {
	for c.pos >= len(c.entries) {
		c.r.mu.Lock()
		if c.page >= c.r.totalPages {
			c.r.mu.Unlock()
			return Entry{}, false, nil
		}
		batch := c.r.leafBatch(c.page)
		nodes, err := c.r.getNodes(batch)
		if err != nil {
			c.r.mu.Unlock()
			return Entry{}, false, err
		}
		c.entries = c.entries[:0]
		for _, p := range batch {
			node := nodes[p]
			for _, id := range node.order {
				c.entries = append(c.entries, node.entries[id])
			}
		}
		c.pos = 0
		c.page = batch[len(batch)-1] + 1
		c.r.mu.Unlock()
	}
	entry := c.entries[c.pos]
	c.pos++
	return entry, true, nil
}

// --------------------------------------------------------------------

// readHeader fetches and parses the header page. Caller must hold mu.
func (r *BTreeReader) readHeader() error {
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
	if r.size < int64(len(btreeSignature)) {
		return corruptf(r.name, "file too short for a header")
	}

	length := PageSize
	if int64(length) > r.size {
		length = int(r.size)
	}
	data, err := r.readRanges([]ByteRange{{Offset: 0, Length: length}})
	if err != nil {
		return err
	}
	page0 := data[0].Data
	if !bytes.HasPrefix(page0, []byte(btreeSignature)) {
		return corruptf(r.name, "bad signature")
	}

	head := page0
	if len(head) > headerReserve {
		head = head[:headerReserve]
	}
	lines := bytes.SplitN(head[len(btreeSignature):], []byte{'\n'}, 5)
	if len(lines) < 4 {
		return corruptf(r.name, "truncated header")
	}
	if r.refLists, err = parseOptionInt(r.name, lines[0], []byte(optRefLists)); err != nil {
		return err
	}
	if r.keyElements, err = parseOptionInt(r.name, lines[1], []byte(optKeyElements)); err != nil {
		return err
	}
	if r.keyCount, err = parseOptionInt(r.name, lines[2], []byte(optLen)); err != nil {
		return err
	}
	if !bytes.HasPrefix(lines[3], []byte(optRowLengths)) {
		return corruptf(r.name, "missing %s option", strings.TrimSuffix(optRowLengths, "="))
	}

	r.rowLengths = r.rowLengths[:0]
	r.rowStarts = r.rowStarts[:0]
	r.totalPages = 0
	if csv := string(lines[3][len(optRowLengths):]); csv != "" {
		for _, field := range strings.Split(csv, ",") {
			n, err := strconv.Atoi(field)
			if err != nil || n < 1 {
				return corruptf(r.name, "bad row length %q", field)
			}
			r.rowStarts = append(r.rowStarts, r.totalPages)
			r.rowLengths = append(r.rowLengths, n)
			r.totalPages += n
		}
	}

	switch {
	case r.totalPages == 0:
		if r.size != int64(headerReserve) {
			return corruptf(r.name, "unexpected size %d for an empty index", r.size)
		}
	default:
		lo := int64(r.totalPages-1) * PageSize
		hi := int64(r.totalPages) * PageSize
		if r.size <= lo || r.size > hi {
			return corruptf(r.name, "size %d does not match %d pages", r.size, r.totalPages)
		}
		root, err := r.parseNode(page0[headerReserve:])
		if err != nil {
			return err
		}
		r.root = root
	}

	r.headerDone = true
	return nil
}

func (r *BTreeReader) leafStart() int {
	if len(r.rowStarts) == 0 {
		return 0
	}
	return r.rowStarts[len(r.rowStarts)-1]
}

func (r *BTreeReader) rowOf(page int) int {
	for i := len(r.rowStarts) - 1; i >= 0; i-- {
		if page >= r.rowStarts[i] {
			return i
		}
	}
	return 0
}

func (r *BTreeReader) recommendedPages() int {
	if n := r.store.RecommendedPageSize() / PageSize; n > 1 {
		return n
	}
	return 1
}

// leafBatch returns up to a recommended read's worth of consecutive
// leaf pages starting at page, skipping nothing.
func (r *BTreeReader) leafBatch(page int) []int {
	batch := []int{page}
	for p := page + 1; p < r.totalPages && len(batch) < r.recommendedPages(); p++ {
		batch = append(batch, p)
	}
	return batch
}

// getNodes returns the parsed nodes for the requested pages, fetching
// cache misses in one vectored read. Past the first couple of reads the
// request is expanded with neighboring uncached pages up to the store's
// recommended read size. Caller must hold mu.
func (r *BTreeReader) getNodes(pages []int) (map[int]*btreeNode, error) {
	found := make(map[int]*btreeNode, len(pages))
	var missing []int
	for _, p := range pages {
		if node := r.cached(p); node != nil {
			r.o.Metrics.addCacheHit()
			found[p] = node
		} else {
			r.o.Metrics.addCacheMiss()
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return found, nil
	}

	wanted := make(map[int]struct{}, len(missing))
	for _, p := range missing {
		wanted[p] = struct{}{}
	}
	fetch := r.expand(missing)
	sort.Ints(fetch)

	ranges := make([]ByteRange, 0, len(fetch))
	for _, p := range fetch {
		off := int64(p) * PageSize
		length := PageSize
		if off+int64(length) > r.size {
			length = int(r.size - off)
		}
		ranges = append(ranges, ByteRange{Offset: off, Length: length})
	}
	data, err := r.readRanges(ranges)
	if err != nil {
		return nil, err
	}
	for _, rd := range data {
		p := int(rd.Offset / PageSize)
		payload := rd.Data
		if p == 0 {
			payload = payload[headerReserve:]
		}
		node, err := r.parseNode(payload)
		if err != nil {
			return nil, err
		}
		r.cache(p, node)
		if _, ok := wanted[p]; ok {
			found[p] = node
		}
	}
	return found, nil
}

func (r *BTreeReader) readRanges(ranges []ByteRange) ([]RangeData, error) {
	data, err := r.store.ReadV(r.name, ranges, true)
	if err != nil {
		return nil, err
	}
	r.readCount++
	total := 0
	for _, rd := range data {
		total += len(rd.Data)
	}
	r.o.Metrics.addPagesRead(len(data))
	r.o.Metrics.addBytesRead(total)
	return data, nil
}

func (r *BTreeReader) cached(p int) *btreeNode {
	if p == 0 {
		return r.root
	}
	if node, ok := r.internal[p]; ok {
		return node
	}
	if r.leafAll != nil {
		return r.leafAll[p]
	}
	if node, ok := r.leafLRU.Get(p); ok {
		return node.(*btreeNode)
	}
	return nil
}

func (r *BTreeReader) cache(p int, node *btreeNode) {
	switch {
	case p == 0:
		r.root = node
	case !node.leaf:
		r.internal[p] = node
	case r.leafAll != nil:
		r.leafAll[p] = node
	default:
		r.leafLRU.Add(p, node)
	}
}

func (r *BTreeReader) cachedCount() int {
	n := len(r.internal)
	if r.root != nil {
		n++
	}
	if r.leafAll != nil {
		n += len(r.leafAll)
	} else {
		n += r.leafLRU.Len()
	}
	return n
}

// expand pads a page request with neighboring uncached pages so that
// one vectored read fills the store's recommended size. Cold readers
// skip expansion: the first reads resolve the tree shape and padding
// them would drag in pages the lookup may never visit.
func (r *BTreeReader) expand(wanted []int) []int {
	rec := r.recommendedPages()
	if rec <= 1 || len(wanted) >= rec || r.readCount < 2 {
		return wanted
	}

	in := make(map[int]struct{}, rec)
	for _, p := range wanted {
		in[p] = struct{}{}
	}
	uncached := r.totalPages - r.cachedCount()
	result := append([]int(nil), wanted...)

	if uncached <= rec {
		for p := 1; p < r.totalPages; p++ {
			if _, ok := in[p]; ok {
				continue
			}
			if r.cached(p) == nil {
				result = append(result, p)
			}
		}
	} else {
		for dist := 1; len(result) < rec; dist++ {
			added := false
			for _, p := range wanted {
				for _, q := range []int{p + dist, p - dist} {
					if len(result) >= rec {
						break
					}
					if q <= 0 || q >= r.totalPages {
						continue
					}
					if _, ok := in[q]; ok {
						continue
					}
					if r.cached(q) != nil {
						continue
					}
					in[q] = struct{}{}
					result = append(result, q)
					added = true
				}
			}
			if !added {
				break
			}
		}
	}
	if len(result) > len(wanted) {
		r.o.Metrics.addExpansion()
		r.o.Logger.WithFields(logrus.Fields{"file": r.name, "wanted": len(wanted), "read": len(result)}).
			Debug("expanded page read")
	}
	return result
}

// parseNode decompresses and parses one page payload.
func (r *BTreeReader) parseNode(payload []byte) (*btreeNode, error) {
	raw, err := decompressPage(r.name, payload)
	if err != nil {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(raw, []byte(leafFlag)):
		node := &btreeNode{leaf: true, entries: make(map[KeyID]Entry)}
		body := raw[len(leafFlag):]
		for len(body) > 0 {
			nl := bytes.IndexByte(body, '\n')
			if nl < 0 {
				return nil, corruptf(r.name, "leaf page truncated mid-line")
			}
			entry, err := parseLeafLine(r.name, body[:nl], r.keyElements, r.refLists)
			if err != nil {
				return nil, err
			}
			id := entry.Key.ID()
			node.order = append(node.order, id)
			node.entries[id] = entry
			body = body[nl+1:]
		}
		return node, nil

	case bytes.HasPrefix(raw, []byte(internalFlag)):
		body := raw[len(internalFlag):]
		nl := bytes.IndexByte(body, '\n')
		if nl < 0 {
			return nil, corruptf(r.name, "internal page missing offset")
		}
		offset, err := parseOptionInt(r.name, body[:nl], []byte(internalOffset))
		if err != nil {
			return nil, err
		}
		node := &btreeNode{offset: offset}
		body = body[nl+1:]
		for len(body) > 0 {
			nl := bytes.IndexByte(body, '\n')
			if nl < 0 {
				return nil, corruptf(r.name, "internal page truncated mid-line")
			}
			node.seps = append(node.seps, KeyID(body[:nl]))
			body = body[nl+1:]
		}
		return node, nil
	}
	return nil, corruptf(r.name, "unknown page type")
}

// multiBisectRight partitions sorted ids across len(seps)+1 children. A
// key equal to a separator belongs to the child on the right, matching
// the builder which promotes the first key of each new page.
func multiBisectRight(ids []KeyID, seps []KeyID) [][]KeyID {
	groups := make([][]KeyID, len(seps)+1)
	child, start := 0, 0
	for i, id := range ids {
		for child < len(seps) && seps[child] <= id {
			groups[child] = ids[start:i]
			start = i
			child++
		}
	}
	groups[child] = ids[start:]
	return groups
}

var (
	_ Reader = (*BTreeReader)(nil)
	_ Reader = (*FlatReader)(nil)
)

package graphtable

import (
	"container/heap"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// BTreeWriterOptions define B+Tree builder specific options.
type BTreeWriterOptions struct {
	// SpillAt is the number of pending rows after which the builder
	// spills to a temporary on-disk sub-index. Default: 100000.
	SpillAt int

	// OptimizeForSize makes every page compressor favor minimal output
	// over build speed. Used for archival indices.
	OptimizeForSize bool

	// Scratch stores spilled sub-indices. Default: a FileStore over a
	// fresh temporary directory, removed on Finish.
	Scratch Store

	// Logger receives debug output. Default: discard.
	Logger logrus.FieldLogger

	// Metrics receives builder counters. Default: none.
	Metrics *Metrics
}

func (o *BTreeWriterOptions) norm() *BTreeWriterOptions {
	var oo BTreeWriterOptions
	if o != nil {
		oo = *o
	}

	if oo.SpillAt < 1 {
		oo.SpillAt = 100000
	}
	if oo.Logger == nil {
		oo.Logger = discardLogger()
	}
	return &oo
}

// BTreeWriter builds a paged B+Tree index with bounded memory: pending
// rows accumulate in memory and spill to temporary sub-indices past
// SpillAt, with spilled generations combined under a power-of-two merge
// policy so at most O(log n) backing files are ever live.
type BTreeWriter struct {
	mem memNodes
	o   *BTreeWriterOptions

	backing      []*BTreeReader // binary-counter slots, nil when free
	backingNames []string
	scratch      Store
	scratchDir   string // set when owned by the builder
	seq          int
	closed       bool
}

// NewBTreeWriter returns a builder for an index with the given number
// of reference lists and key elements.
func NewBTreeWriter(refLists, keyElements int, o *BTreeWriterOptions) *BTreeWriter {
	return &BTreeWriter{mem: newMemNodes(refLists, keyElements), o: o.norm()}
}

// Add records one entry. Entries may arrive in any order; the tree is
// sorted on Finish.
func (w *BTreeWriter) Add(key Key, value []byte, refs ...RefList) error {
	if w.closed {
		return ErrClosed
	}
	if err := w.mem.add(key, value, refs); err != nil {
		return err
	}
	if len(w.mem.nodes) >= w.o.SpillAt {
		return w.spill()
	}
	return nil
}

// spill writes the pending rows, merged with every spilled generation
// up to the first free slot, into a new temporary sub-index.
func (w *BTreeWriter) spill() error {
	if err := w.ensureScratch(); err != nil {
		return err
	}

	slot := 0
	for slot < len(w.backing) && w.backing[slot] != nil {
		slot++
	}
	if slot == len(w.backing) {
		w.backing = append(w.backing, nil)
		w.backingNames = append(w.backingNames, "")
	}

	streams := make([]entryStream, 0, slot+1)
	count := w.mem.present
	for i := 0; i < slot; i++ {
		n, err := w.backing[i].KeyCount()
		if err != nil {
			return err
		}
		count += n
		cur, err := w.backing[i].cursor()
		if err != nil {
			return err
		}
		streams = append(streams, cur)
	}
	streams = append(streams, newSliceStream(w.memEntries()))

	name := fmt.Sprintf("spill-%d.gti", w.seq)
	w.seq++
	if err := w.writeTree(mergeStreams(streams), count, w.scratch, name); err != nil {
		return err
	}
	w.o.Metrics.addSpill()
	w.o.Logger.WithFields(logrus.Fields{"file": name, "rows": count, "combined": slot}).
		Debug("spilled pending rows to backing index")

	for i := 0; i < slot; i++ {
		if err := w.scratch.Delete(w.backingNames[i]); err != nil {
			return err
		}
		w.backing[i], w.backingNames[i] = nil, ""
	}
	w.backing[slot] = NewBTreeReader(w.scratch, name, nil)
	w.backingNames[slot] = name
	w.mem.reset()
	return nil
}

func (w *BTreeWriter) ensureScratch() error {
	if w.scratch != nil {
		return nil
	}
	if w.o.Scratch != nil {
		w.scratch = w.o.Scratch
		return nil
	}
	dir, err := os.MkdirTemp("", "graphtable-spill-")
	if err != nil {
		return errors.Wrap(err, "graphtable: create scratch dir")
	}
	w.scratchDir = dir
	w.scratch = NewFileStore(dir)
	return nil
}

// memEntries returns the pending present rows in key order.
func (w *BTreeWriter) memEntries() []Entry {
	entries := make([]Entry, 0, w.mem.present)
	for _, id := range w.mem.sortedIDs() {
		node := w.mem.nodes[id]
		if node.absent {
			continue
		}
		entries = append(entries, Entry{Key: node.key, Value: node.value, Refs: node.refs})
	}
	return entries
}

// Finish merges the pending rows with every live backing index and
// writes the final tree to out.
func (w *BTreeWriter) Finish(out io.Writer) error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	defer w.cleanup()

	streams := make([]entryStream, 0, len(w.backing)+1)
	count := w.mem.present
	for _, backing := range w.backing {
		if backing == nil {
			continue
		}
		n, err := backing.KeyCount()
		if err != nil {
			return err
		}
		count += n
		cur, err := backing.cursor()
		if err != nil {
			return err
		}
		streams = append(streams, cur)
	}
	streams = append(streams, newSliceStream(w.memEntries()))

	asm := newTreeAssembler(w.mem.refLists, w.mem.keyElements, w.o.OptimizeForSize)
	defer asm.discard()
	if err := asm.consume(mergeStreams(streams)); err != nil {
		return err
	}
	return asm.writeTo(out, count)
}

func (w *BTreeWriter) writeTree(stream entryStream, count int, store Store, name string) error {
	asm := newTreeAssembler(w.mem.refLists, w.mem.keyElements, w.o.OptimizeForSize)
	defer asm.discard()
	if err := asm.consume(stream); err != nil {
		return err
	}
	wc, err := store.Create(name)
	if err != nil {
		return err
	}
	if err := asm.writeTo(wc, count); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}

func (w *BTreeWriter) cleanup() {
	for i, name := range w.backingNames {
		if name != "" {
			_ = w.scratch.Delete(name)
			w.backing[i], w.backingNames[i] = nil, ""
		}
	}
	if w.scratchDir != "" {
		_ = os.RemoveAll(w.scratchDir)
		w.scratchDir = ""
	}
}

// --------------------------------------------------------------------
// Tree assembly: one forward pass over sorted rows, one open page
// compressor per tree row, separator keys propagating upward on
// overflow. No page is ever rewritten.

type builderRow struct {
	pw          *PageWriter
	spool       *os.File
	pages       int
	lastPadding int
}

func (r *builderRow) open() error {
	if r.spool != nil {
		return nil
	}
	f, err := os.CreateTemp("", "graphtable-row-")
	if err != nil {
		return errors.Wrap(err, "graphtable: create row spool")
	}
	r.spool = f
	return nil
}

func (r *builderRow) discard() {
	if r.spool != nil {
		name := r.spool.Name()
		_ = r.spool.Close()
		_ = os.Remove(name)
		r.spool = nil
	}
}

type treeAssembler struct {
	refLists    int
	keyElements int
	optimize    bool
	rows        []*builderRow // rows[0] is the leaf row
}

func newTreeAssembler(refLists, keyElements int, optimize bool) *treeAssembler {
	return &treeAssembler{refLists: refLists, keyElements: keyElements, optimize: optimize}
}

func (a *treeAssembler) consume(stream entryStream) error {
	for {
		entry, ok, err := stream.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := a.add(entry); err != nil {
			return err
		}
	}
}

func (a *treeAssembler) add(e Entry) error {
	line := flattenLeafLine(e)
	return a.place(e.Key, line, false)
}

func (a *treeAssembler) place(key Key, line []byte, retried bool) error {
	if len(a.rows) == 0 {
		a.rows = append(a.rows, &builderRow{})
	}
	newLeaf := a.rows[0].pw == nil
	if newLeaf {
		if err := a.openWriters(); err != nil {
			return err
		}
	}

	if !a.rows[0].pw.Write(line) {
		return nil
	}
	if newLeaf || retried {
		return errors.Wrapf(ErrKeyTooLarge, "%v", key)
	}

	// The row that starts the next leaf page becomes a separator in the
	// row above; on repeated overflow it keeps moving up, growing a new
	// root when even the top row cannot take it.
	if err := a.finishRowPage(a.rows[0]); err != nil {
		return err
	}
	sep := separatorLine(key)
	grew := true
	for _, row := range a.rows[1:] {
		if !row.pw.Write(sep) {
			grew = false
			break
		}
		if err := a.finishRowPage(row); err != nil {
			return err
		}
	}
	if grew {
		child := a.rows[len(a.rows)-1]
		root := &builderRow{}
		a.rows = append(a.rows, root)
		if err := a.openInternal(root, child.pages-1); err != nil {
			return err
		}
		if root.pw.Write(sep) {
			return errors.Wrapf(ErrKeyTooLarge, "%v", key)
		}
	}
	return a.place(key, line, true)
}

// openWriters starts a fresh page on the leaf row and on every internal
// row whose page was finalized by an earlier overflow. An internal page
// records the row-relative index of its first child, which is exactly
// the child row's currently open page.
func (a *treeAssembler) openWriters() error {
	for i := len(a.rows) - 1; i >= 1; i-- {
		if a.rows[i].pw == nil {
			if err := a.openInternal(a.rows[i], a.rows[i-1].pages); err != nil {
				return err
			}
		}
	}
	leaf := a.rows[0]
	leaf.pw = NewPageWriter(a.rowPageSize(leaf), &PageWriterOptions{OptimizeForSize: a.optimize})
	leaf.pw.WriteReserved([]byte(leafFlag))
	return nil
}

func (a *treeAssembler) openInternal(row *builderRow, offset int) error {
	row.pw = NewPageWriter(a.rowPageSize(row), &PageWriterOptions{OptimizeForSize: a.optimize})
	row.pw.WriteReserved([]byte(internalFlag))
	row.pw.WriteReserved([]byte(internalOffset + strconv.Itoa(offset) + "\n"))
	return nil
}

// rowPageSize leaves room for the file header in the first page of each
// row: whichever row ends up on top shares its single page with the
// header region.
func (a *treeAssembler) rowPageSize(row *builderRow) int {
	if row.pages == 0 {
		return PageSize - headerReserve
	}
	return PageSize
}

func (a *treeAssembler) finishRowPage(row *builderRow) error {
	page, _, padding, err := row.pw.Finish()
	if err != nil {
		return err
	}
	if err := row.open(); err != nil {
		return err
	}
	if _, err := row.spool.Write(page); err != nil {
		return errors.Wrap(err, "graphtable: spool row page")
	}
	row.pages++
	row.lastPadding = padding
	row.pw = nil
	return nil
}

func (a *treeAssembler) writeTo(out io.Writer, count int) error {
	for _, row := range a.rows {
		if row.pw != nil {
			if err := a.finishRowPage(row); err != nil {
				return err
			}
		}
	}

	lengths := make([]string, 0, len(a.rows))
	expected := 0
	for i := len(a.rows) - 1; i >= 0; i-- {
		lengths = append(lengths, strconv.Itoa(a.rows[i].pages))
		expected += a.rows[i].pages * PageSize
	}
	header := fmt.Sprintf("%s%s%d\n%s%d\n%s%d\n%s%s\n",
		btreeSignature,
		optRefLists, a.refLists,
		optKeyElements, a.keyElements,
		optLen, count,
		optRowLengths, strings.Join(lengths, ","))
	if len(header) > headerReserve {
		return corruptf("<builder>", "header options exceed the %d reserved bytes", headerReserve)
	}
	if expected == 0 {
		expected = headerReserve // header only, no pages
	} else {
		expected -= a.rows[0].lastPadding // the final leaf page sheds its padding
	}

	written := 0
	n, err := io.WriteString(out, header)
	if err != nil {
		return err
	}
	written += n
	if pad := headerReserve - len(header); pad > 0 {
		m, err := out.Write(make([]byte, pad))
		if err != nil {
			return err
		}
		written += m
	}

	for i := len(a.rows) - 1; i >= 0; i-- {
		row := a.rows[i]
		if row.pages == 0 {
			continue
		}
		if _, err := row.spool.Seek(0, io.SeekStart); err != nil {
			return errors.Wrap(err, "graphtable: rewind row spool")
		}
		top := i == len(a.rows)-1
		m, err := a.copyRow(out, row, top, i == 0)
		if err != nil {
			return err
		}
		written += m
	}

	if written != expected {
		return corruptf("<builder>", "wrote %d bytes, expected %d", written, expected)
	}
	return nil
}

// copyRow streams one row's spooled pages. The first page of every row
// was compressed to PageSize-headerReserve bytes; on the top row the
// header occupies the difference, on any other row zero filler keeps
// the following page on a PageSize boundary. The very last leaf page
// keeps only its compressed bytes. A tree with more than one row has
// at least two leaf pages, so the trimmed page never needs filler.
func (a *treeAssembler) copyRow(out io.Writer, row *builderRow, top, leaf bool) (int, error) {
	written := 0
	buf := make([]byte, PageSize)
	for p := 0; p < row.pages; p++ {
		size := PageSize
		if p == 0 {
			size = PageSize - headerReserve
		}
		data := buf[:size]
		if _, err := io.ReadFull(row.spool, data); err != nil {
			return written, errors.Wrap(err, "graphtable: read row spool")
		}

		if leaf && p == row.pages-1 {
			data = data[:len(data)-row.lastPadding]
		}
		n, err := out.Write(data)
		if err != nil {
			return written, err
		}
		written += n

		if p == 0 && !top {
			n, err := out.Write(make([]byte, headerReserve))
			if err != nil {
				return written, err
			}
			written += n
		}
	}
	return written, nil
}

func (a *treeAssembler) discard() {
	for _, row := range a.rows {
		row.discard()
	}
}

// --------------------------------------------------------------------
// Sorted stream merging for spills and Finish.

type entryStream interface {
	next() (Entry, bool, error)
}

type sliceStream struct {
	entries []Entry
	pos     int
}

func newSliceStream(entries []Entry) *sliceStream { return &sliceStream{entries: entries} }

func (s *sliceStream) next() (Entry, bool, error) {
	if s.pos >= len(s.entries) {
		return Entry{}, false, nil
	}
	entry := s.entries[s.pos]
	s.pos++
	return entry, true, nil
}

type mergeItem struct {
	entry Entry
	id    KeyID
	src   int
}

type mergeQueue []mergeItem

func (q mergeQueue) Len() int            { return len(q) }
func (q mergeQueue) Less(i, j int) bool  { return q[i].id < q[j].id }
func (q mergeQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *mergeQueue) Push(x interface{}) { *q = append(*q, x.(mergeItem)) }
func (q *mergeQueue) Pop() interface{} {
	old := *q
	item := old[len(old)-1]
	*q = old[:len(old)-1]
	return item
}

type mergedStream struct {
	streams []entryStream
	queue   mergeQueue
	primed  bool
	lastID  KeyID
	hasLast bool
}

func mergeStreams(streams []entryStream) entryStream {
	if len(streams) == 1 {
		return streams[0]
	}
	return &mergedStream{streams: streams}
}

func (m *mergedStream) prime() error {
	for i, stream := range m.streams {
		entry, ok, err := stream.next()
		if err != nil {
			return err
		}
		if ok {
			m.queue = append(m.queue, mergeItem{entry: entry, id: entry.Key.ID(), src: i})
		}
	}
	heap.Init(&m.queue)
	m.primed = true
	return nil
}

func (m *mergedStream) next() (Entry, bool, error) {
	if !m.primed {
		if err := m.prime(); err != nil {
			return Entry{}, false, err
		}
	}
	if len(m.queue) == 0 {
		return Entry{}, false, nil
	}

	item := heap.Pop(&m.queue).(mergeItem)
	if m.hasLast && item.id == m.lastID {
		return Entry{}, false, errors.Wrapf(ErrDuplicateKey, "%v", item.entry.Key)
	}
	m.lastID, m.hasLast = item.id, true

	entry, ok, err := m.streams[item.src].next()
	if err != nil {
		return Entry{}, false, err
	}
	if ok {
		heap.Push(&m.queue, mergeItem{entry: entry, id: entry.Key.ID(), src: item.src})
	}
	return item.entry, true, nil
}

package graphtable

import (
	"bytes"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// PageWriterOptions define page compressor specific options.
type PageWriterOptions struct {
	// Reserved is the number of bytes at the end of the page usable
	// only by reserved writes.
	// Default: 0.
	Reserved int

	// OptimizeForSize disables the optimistic fast path and verifies
	// the true compressed size on every write, repacking up to
	// MaxRepacks times. Used for archival pages.
	// Default: false (favor speed).
	OptimizeForSize bool

	// MaxSyncFlushes bounds how often the fast path may fall back to a
	// sync-flush boundary before the writer gives up and forces a new
	// page.
	// Default: 8.
	MaxSyncFlushes int

	// MaxRepacks bounds full from-scratch recompressions.
	// Default: 2 (20 when optimizing for size).
	MaxRepacks int
}

func (o *PageWriterOptions) norm() *PageWriterOptions {
	var oo PageWriterOptions
	if o != nil {
		oo = *o
	}

	if oo.MaxSyncFlushes < 1 {
		oo.MaxSyncFlushes = 8
	}
	if oo.MaxRepacks < 1 {
		if oo.OptimizeForSize {
			oo.MaxRepacks = 20
		} else {
			oo.MaxRepacks = 2
		}
	}
	return &oo
}

// PageWriter compresses a sequence of appended byte chunks into a
// single zero-padded page of exactly pageSize bytes. Size accounting is
// optimistic: chunks are accepted against the uncompressed running
// total, and only writes that risk an overflow force a sync-flush
// compression boundary so the true compressed size can be checked. A
// chunk that cannot be made to fit is rejected and must go into a new
// page; the writer itself never exceeds the page size.
type PageWriter struct {
	o        *PageWriterOptions
	pageSize int

	buf bytes.Buffer
	zw  *zlib.Writer

	seen      [][]byte // accepted chunks, kept for repacking
	unflushed int      // input bytes not yet represented in buf
	syncs     int
	repacks   int
	gaveUp    bool

	unused []byte
	done   bool
}

// NewPageWriter returns a compressor for one page of pageSize bytes.
func NewPageWriter(pageSize int, o *PageWriterOptions) *PageWriter {
	w := &PageWriter{o: o.norm(), pageSize: pageSize}
	w.zw, _ = zlib.NewWriterLevel(&w.buf, zlib.DefaultCompression)
	return w
}

// Write appends p to the page. It reports true when p overflowed and
// was NOT included; the caller must place p in a new page.
func (w *PageWriter) Write(p []byte) bool { return w.write(p, false) }

// WriteReserved appends p, allowing it to occupy the reserved tail of
// the page. Used for marker lines that must never be refused by an
// otherwise empty page.
func (w *PageWriter) WriteReserved(p []byte) bool { return w.write(p, true) }

func (w *PageWriter) write(p []byte, reserved bool) bool {
	if w.done {
		return true
	}

	capacity := w.pageSize
	if !reserved {
		capacity -= w.o.Reserved
	}
	if w.gaveUp && !reserved {
		w.unused = p
		return true
	}

	if !w.o.OptimizeForSize {
		// Fast path: the compressed stream cannot exceed its input by
		// more than the closing margin, so anything comfortably below
		// capacity is accepted without measuring.
		if w.buf.Len()+w.unflushed+len(p)+10 < capacity {
			_, _ = w.zw.Write(p)
			w.unflushed += len(p)
			w.seen = append(w.seen, p)
			return false
		}
	}

	// This chunk may or may not fit. Emit a sync-flush boundary and
	// check the true compressed size. A sync flush occasionally
	// compresses worse than a full compress, hence the wider margin on
	// the first one.
	margin := 10
	if w.syncs == 0 {
		margin = 100
	}
	_, _ = w.zw.Write(p)
	_ = w.zw.Flush()
	w.syncs++
	w.unflushed = 0
	if w.buf.Len()+margin <= capacity {
		w.seen = append(w.seen, p)
		return false
	}

	// Over budget: recompress everything accumulated so far from
	// scratch, including p.
	if w.repacks < w.o.MaxRepacks {
		w.repacks++
		if size := w.repack(p); size+10 <= capacity {
			w.seen = append(w.seen, p)
			return false
		}
	}

	// p does not fit; rebuild the stream without it.
	w.repack(nil)
	w.unused = p
	if w.repacks >= w.o.MaxRepacks || (!w.o.OptimizeForSize && w.syncs > w.o.MaxSyncFlushes) {
		w.gaveUp = true
	}
	return true
}

// repack rebuilds the compressed stream from all accepted chunks plus
// an optional extra one, and returns the new synced size.
func (w *PageWriter) repack(extra []byte) int {
	w.buf.Reset()
	w.zw.Reset(&w.buf)
	for _, c := range w.seen {
		_, _ = w.zw.Write(c)
	}
	if extra != nil {
		_, _ = w.zw.Write(extra)
	}
	_ = w.zw.Flush()
	w.unflushed = 0
	return w.buf.Len()
}

// Finish terminates the compressed stream and pads the page with zero
// bytes to exactly the page size. It returns the framed page, any bytes
// rejected by the last overflowing write, and the number of pad bytes.
func (w *PageWriter) Finish() (page []byte, unused []byte, padding int, err error) {
	if w.done {
		return nil, nil, 0, ErrClosed
	}
	w.done = true

	if err := w.zw.Close(); err != nil {
		return nil, nil, 0, errors.Wrap(err, "graphtable: close page stream")
	}
	if w.buf.Len() > w.pageSize {
		return nil, nil, 0, errors.Errorf("graphtable: compressed page is %d bytes, limit %d", w.buf.Len(), w.pageSize)
	}

	padding = w.pageSize - w.buf.Len()
	page = make([]byte, w.pageSize)
	copy(page, w.buf.Bytes())
	return page, w.unused, padding, nil
}

// decompressPage inflates one page payload. Trailing zero padding after
// the stream terminator is ignored by the zlib reader.
func decompressPage(name string, data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, corruptf(name, "bad page stream: %v", err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return nil, corruptf(name, "bad page stream: %v", err)
	}
	return buf.Bytes(), nil
}

/*
Package graphtable implements the index and page-storage engine for an
object store: it maps fixed-arity byte-string keys, each with an optional
set of graph reference lists (e.g. revision parents), to opaque values
and persists the mapping as immutable files that can be queried without
being loaded into memory.

Two on-disk formats are provided, a flat sorted index and a paged B+Tree
index, plus a Stack which composes any number of open readers into one
self-reordering view.

Flat Sorted Index

An uncompressed, line-oriented format readable by incremental bisection.

	File layout:
	+-----------+------------------+----------------+-------+---------------+------------+
	| signature | node_ref_lists=R | key_elements=N | len=L |  entry lines  | blank line |
	+-----------+------------------+----------------+-------+---------------+------------+

	Entry line:
	+------------------+-----+---------+-----+---------------------+-----+-------+----+
	| KEY (NUL-joined) | NUL | ABSENT? | NUL | REFERENCES (TAB/CR) | NUL | VALUE | \n |
	+------------------+-----+---------+-----+---------------------+-----+-------+----+

References are recorded as the fixed-width decimal byte offset of the
referenced key's line, one group per reference list, groups separated by
TAB and offsets within a group by CR.

Paged B+Tree Index

A multi-level tree of fixed-size (4096-byte) pages, each independently
DEFLATE-compressed. The first 120 bytes of the file are reserved for the
header; page 0 is always the tree root.

	File layout:
	+--------------------+----------+----------+-----+----------+
	| header (120 bytes) |  page 0  |  page 1  | ... |  page n  |
	+--------------------+----------+----------+-----+----------+

	Internal page (after decompression):
	+---------------+-----------------+-----------------+-----+
	| type=internal | offset=<digits> | separator key 1 | ... |
	+---------------+-----------------+-----------------+-----+

	Leaf page (after decompression):
	+-----------+------------+------------+-----+
	| type=leaf | entry line | entry line | ... |
	+-----------+------------+------------+-----+

Leaf entry lines use the flat-index encoding except that references
store the referenced key tuples verbatim. Rows of internal pages are
written top first, so the cumulative row_lengths recorded in the header
locate every page without further I/O.

Builders accumulate entries in memory and spill to temporary B+Tree
sub-indices past a threshold, combining spilled generations with a
power-of-two merge policy; readers fetch, decompress and cache only the
pages a query touches.
*/
package graphtable

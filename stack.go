package graphtable

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// StackOptions define index stack specific options.
type StackOptions struct {
	// Reload is called when a stacked index file has gone missing,
	// typically because a background repack replaced it. It must
	// return true after refreshing the stack contents; returning
	// false propagates the original lookup error.
	Reload func() (bool, error)

	// Logger receives debug output. Default: discard.
	Logger logrus.FieldLogger
}

func (o *StackOptions) norm() *StackOptions {
	var oo StackOptions
	if o != nil {
		oo = *o
	}

	if oo.Logger == nil {
		oo.Logger = discardLogger()
	}
	return &oo
}

// Stack queries an ordered list of indexes as one. Lookups try each
// index in order and stop as soon as every key is resolved; indexes
// that produce hits migrate to the front, so frequently hit indexes
// are asked first over time. Linked sibling stacks mirror the
// reordering by name.
type Stack struct {
	o *StackOptions

	mu       sync.Mutex
	names    []string
	readers  []Reader
	siblings []*Stack
}

// NewStack returns an empty stack.
func NewStack(o *StackOptions) *Stack {
	return &Stack{o: o.norm()}
}

// Add appends an index to the back of the stack.
func (s *Stack) Add(name string, r Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	s.readers = append(s.readers, r)
}

// Replace swaps the entire stack contents. Reload callbacks use it
// after rescanning the store.
func (s *Stack) Replace(names []string, readers []Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names[:0], names...)
	s.readers = append(s.readers[:0], readers...)
}

// Names returns the current index order, most recently hit first.
func (s *Stack) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

// LinkSibling registers another stack backed by the same files, for
// example the text and signature indexes of the same packs sharing
// their names. Hits on this stack reorder the sibling by name as
// well.
func (s *Stack) LinkSibling(sibling *Stack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.siblings = append(s.siblings, sibling)
}

// KeyCount returns the total number of entries across all indexes.
func (s *Stack) KeyCount() (int, error) {
	for {
		total, err := s.keyCount()
		if err == nil || !IsNoSuchFile(err) {
			return total, err
		}
		if err := s.tryReload(err); err != nil {
			return 0, err
		}
	}
}

func (s *Stack) keyCount() (int, error) {
	total := 0
	for _, r := range s.snapshot() {
		n, err := r.KeyCount()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// IterEntries returns the entries for the given keys, in key order.
// The first index holding a key wins; keys not present anywhere are
// silently omitted.
func (s *Stack) IterEntries(keys []Key) ([]Entry, error) {
	for {
		entries, err := s.iterEntries(keys)
		if err == nil || !IsNoSuchFile(err) {
			return entries, err
		}
		if err := s.tryReload(err); err != nil {
			return nil, err
		}
	}
}

func (s *Stack) iterEntries(keys []Key) ([]Entry, error) {
	readers := s.snapshot()
	pending := sortKeys(keys)

	var out []Entry
	var hits []int
	for i, r := range readers {
		if len(pending) == 0 {
			break
		}
		entries, err := r.IterEntries(pending)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		hits = append(hits, i)
		found := make(map[KeyID]struct{}, len(entries))
		for _, entry := range entries {
			found[entry.Key.ID()] = struct{}{}
		}
		out = append(out, entries...)
		remaining := pending[:0]
		for _, key := range pending {
			if _, ok := found[key.ID()]; !ok {
				remaining = append(remaining, key)
			}
		}
		pending = remaining
	}
	s.moveToFront(readers, hits)

	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out, nil
}

// IterEntriesPrefix returns the entries matching the given prefix
// keys across all indexes. The first index holding a key wins.
func (s *Stack) IterEntriesPrefix(keys []Key) ([]Entry, error) {
	for {
		entries, err := s.iterEntriesPrefix(keys)
		if err == nil || !IsNoSuchFile(err) {
			return entries, err
		}
		if err := s.tryReload(err); err != nil {
			return nil, err
		}
	}
}

func (s *Stack) iterEntriesPrefix(keys []Key) ([]Entry, error) {
	readers := s.snapshot()

	var out []Entry
	var hits []int
	seen := make(map[KeyID]struct{})
	for i, r := range readers {
		entries, err := r.IterEntriesPrefix(keys)
		if err != nil {
			return nil, err
		}
		hit := false
		for _, entry := range entries {
			id := entry.Key.ID()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, entry)
			hit = true
		}
		if hit {
			hits = append(hits, i)
		}
	}
	s.moveToFront(readers, hits)

	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out, nil
}

// IterAllEntries returns every entry across all indexes in key order,
// keeping the frontmost index's entry for duplicated keys.
func (s *Stack) IterAllEntries() ([]Entry, error) {
	for {
		entries, err := s.iterAllEntries()
		if err == nil || !IsNoSuchFile(err) {
			return entries, err
		}
		if err := s.tryReload(err); err != nil {
			return nil, err
		}
	}
}

func (s *Stack) iterAllEntries() ([]Entry, error) {
	var out []Entry
	seen := make(map[KeyID]struct{})
	for _, r := range s.snapshot() {
		entries, err := r.IterAllEntries()
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			id := entry.Key.ID()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out, nil
}

// FindAncestry walks the given reference list transitively from keys
// across all indexes. It returns the accumulated parent map and the
// keys that no index knows about. A key counts as missing only after
// every index has been asked.
func (s *Stack) FindAncestry(keys []Key, refList int) (map[KeyID][]Key, map[KeyID]Key, error) {
	for {
		parents, missing, err := s.findAncestry(keys, refList)
		if err == nil || !IsNoSuchFile(err) {
			return parents, missing, err
		}
		if err := s.tryReload(err); err != nil {
			return nil, nil, err
		}
	}
}

func (s *Stack) findAncestry(keys []Key, refList int) (map[KeyID][]Key, map[KeyID]Key, error) {
	readers := s.snapshot()
	parents := make(map[KeyID][]Key)
	missing := make(map[KeyID]Key)

	pending := sortKeys(keys)
	for len(pending) > 0 {
		unresolved := pending
		var discovered []Key
		for _, r := range readers {
			if len(unresolved) == 0 {
				break
			}
			local := make(map[KeyID]Key)
			search, err := r.FindAncestors(unresolved, refList, parents, local)
			if err != nil {
				return nil, nil, err
			}
			discovered = append(discovered, search...)

			remaining := make([]Key, 0, len(local))
			for _, key := range unresolved {
				if _, miss := local[key.ID()]; miss {
					remaining = append(remaining, key)
				}
			}
			unresolved = remaining
		}
		for _, key := range unresolved {
			missing[key.ID()] = key
		}

		next := pending[:0]
		nextSeen := make(map[KeyID]struct{})
		for _, key := range discovered {
			id := key.ID()
			if _, ok := parents[id]; ok {
				continue
			}
			if _, ok := missing[id]; ok {
				continue
			}
			if _, dup := nextSeen[id]; dup {
				continue
			}
			nextSeen[id] = struct{}{}
			next = append(next, key)
		}
		pending = next
	}
	return parents, missing, nil
}

// --------------------------------------------------------------------

func (s *Stack) snapshot() []Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Reader(nil), s.readers...)
}

func (s *Stack) tryReload(cause error) error {
	s.mu.Lock()
	reload := s.o.Reload
	s.mu.Unlock()
	if reload == nil {
		return cause
	}
	changed, err := reload()
	if err != nil {
		return err
	}
	if !changed {
		return cause
	}
	s.o.Logger.Debug("reloaded index stack after missing file")
	return nil
}

// moveToFront reorders the stack so that the indexes which produced
// hits, in their current relative order, precede the rest. Sibling
// stacks follow by name. The snapshot guards against a concurrent
// Replace: reordering is skipped when the stack changed underneath.
func (s *Stack) moveToFront(snapshot []Reader, hits []int) {
	if len(hits) == 0 || hits[0] == 0 && len(hits) == 1 {
		return
	}

	s.mu.Lock()
	if len(s.readers) != len(snapshot) {
		s.mu.Unlock()
		return
	}
	same := true
	for i := range snapshot {
		if s.readers[i] != snapshot[i] {
			same = false
			break
		}
	}
	if !same {
		s.mu.Unlock()
		return
	}

	hitSet := make(map[int]struct{}, len(hits))
	for _, i := range hits {
		hitSet[i] = struct{}{}
	}
	names := make([]string, 0, len(s.names))
	readers := make([]Reader, 0, len(s.readers))
	for _, i := range hits {
		names = append(names, s.names[i])
		readers = append(readers, s.readers[i])
	}
	hitNames := append([]string(nil), names...)
	for i := range s.readers {
		if _, hit := hitSet[i]; !hit {
			names = append(names, s.names[i])
			readers = append(readers, s.readers[i])
		}
	}
	s.names = names
	s.readers = readers
	siblings := append([]*Stack(nil), s.siblings...)
	s.mu.Unlock()

	for _, sibling := range siblings {
		sibling.moveToFrontByName(hitNames)
	}
}

// moveToFrontByName applies a sibling's hit order to this stack.
// Names not present are ignored.
func (s *Stack) moveToFrontByName(hitNames []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hitSet := make(map[string]struct{}, len(hitNames))
	for _, name := range hitNames {
		hitSet[name] = struct{}{}
	}
	names := make([]string, 0, len(s.names))
	readers := make([]Reader, 0, len(s.readers))
	for i, name := range s.names {
		if _, hit := hitSet[name]; hit {
			names = append(names, name)
			readers = append(readers, s.readers[i])
		}
	}
	for i, name := range s.names {
		if _, hit := hitSet[name]; !hit {
			names = append(names, name)
			readers = append(readers, s.readers[i])
		}
	}
	s.names = names
	s.readers = readers
}

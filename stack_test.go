package graphtable_test

import (
	"github.com/bsm/graphtable"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Stack", func() {
	var subject *graphtable.Stack
	var store *graphtable.MemStore

	putBTree := func(name string, refLists int, seed func(w *graphtable.BTreeWriter)) {
		w := graphtable.NewBTreeWriter(refLists, 1, nil)
		seed(w)
		wc, err := store.Create(name)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		ExpectWithOffset(1, w.Finish(wc)).To(Succeed())
		ExpectWithOffset(1, wc.Close()).To(Succeed())
	}

	addRange := func(w *graphtable.BTreeWriter, lo, hi byte) {
		for c := lo; c <= hi; c++ {
			ExpectWithOffset(1, w.Add(graphtable.NK(string(c)), []byte{c - 'a' + 'A'})).To(Succeed())
		}
	}

	BeforeEach(func() {
		store = graphtable.NewMemStore()
		putBTree("one.gtb", 0, func(w *graphtable.BTreeWriter) { addRange(w, 'a', 'h') })
		putBTree("two.gtb", 0, func(w *graphtable.BTreeWriter) { addRange(w, 'i', 'q') })
		putBTree("three.gtb", 0, func(w *graphtable.BTreeWriter) { addRange(w, 'r', 'z') })

		subject = graphtable.NewStack(nil)
		for _, name := range []string{"one.gtb", "two.gtb", "three.gtb"} {
			subject.Add(name, graphtable.NewBTreeReader(store, name, nil))
		}
	})

	It("should count keys across all indexes", func() {
		Expect(subject.KeyCount()).To(Equal(26))
	})

	It("should look up keys across all indexes", func() {
		entries, err := subject.IterEntries([]graphtable.Key{
			graphtable.NK("m"), graphtable.NK("b"), graphtable.NK("0"),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(entryKeys(entries)).To(Equal([]string{"b", "m"}))
	})

	It("should iterate all entries in key order", func() {
		entries, err := subject.IterAllEntries()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(26))
		Expect(entries[0].Key).To(Equal(graphtable.NK("a")))
		Expect(entries[25].Key).To(Equal(graphtable.NK("z")))
	})

	It("should move hit indexes to the front", func() {
		Expect(subject.Names()).To(Equal([]string{"one.gtb", "two.gtb", "three.gtb"}))

		_, err := subject.IterEntries([]graphtable.Key{graphtable.NK("m")})
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.Names()).To(Equal([]string{"two.gtb", "one.gtb", "three.gtb"}))

		_, err = subject.IterEntries([]graphtable.Key{graphtable.NK("z"), graphtable.NK("a")})
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.Names()).To(Equal([]string{"one.gtb", "three.gtb", "two.gtb"}))
	})

	It("should mirror reordering onto sibling stacks", func() {
		sibling := graphtable.NewStack(nil)
		for _, name := range []string{"one.gtb", "two.gtb", "three.gtb"} {
			sibling.Add(name, graphtable.NewBTreeReader(store, name, nil))
		}
		subject.LinkSibling(sibling)

		_, err := subject.IterEntries([]graphtable.Key{graphtable.NK("s")})
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.Names()).To(Equal([]string{"three.gtb", "one.gtb", "two.gtb"}))
		Expect(sibling.Names()).To(Equal([]string{"three.gtb", "one.gtb", "two.gtb"}))
	})

	It("should keep the frontmost entry for duplicated keys", func() {
		putBTree("dup.gtb", 0, func(w *graphtable.BTreeWriter) {
			Expect(w.Add(graphtable.NK("a"), []byte("shadowed"))).To(Succeed())
		})
		subject.Add("dup.gtb", graphtable.NewBTreeReader(store, "dup.gtb", nil))

		entries, err := subject.IterAllEntries()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(26))
		Expect(entries[0].Value).To(Equal([]byte("A")))
	})

	Describe("ancestry", func() {
		BeforeEach(func() {
			store = graphtable.NewMemStore()
			putBTree("old.gtb", 1, func(w *graphtable.BTreeWriter) {
				Expect(w.Add(graphtable.NK("r1"), []byte("one"), graphtable.RefList{graphtable.NK("ghost")})).To(Succeed())
			})
			putBTree("new.gtb", 1, func(w *graphtable.BTreeWriter) {
				Expect(w.Add(graphtable.NK("r2"), []byte("two"), graphtable.RefList{graphtable.NK("r1")})).To(Succeed())
				Expect(w.Add(graphtable.NK("r3"), []byte("three"), graphtable.RefList{graphtable.NK("r2")})).To(Succeed())
			})

			subject = graphtable.NewStack(nil)
			subject.Add("new.gtb", graphtable.NewBTreeReader(store, "new.gtb", nil))
			subject.Add("old.gtb", graphtable.NewBTreeReader(store, "old.gtb", nil))
		})

		It("should walk parents across indexes", func() {
			parents, missing, err := subject.FindAncestry([]graphtable.Key{graphtable.NK("r3")}, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(parents).To(HaveLen(3))
			Expect(parents[graphtable.KeyID("r3")]).To(Equal([]graphtable.Key{graphtable.NK("r2")}))
			Expect(parents[graphtable.KeyID("r1")]).To(Equal([]graphtable.Key{graphtable.NK("ghost")}))
			Expect(missing).To(HaveLen(1))
			Expect(missing).To(HaveKey(graphtable.KeyID("ghost")))
		})

		It("should only report keys missing from every index", func() {
			parents, missing, err := subject.FindAncestry([]graphtable.Key{graphtable.NK("r1")}, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(parents).To(HaveKey(graphtable.KeyID("r1")))
			Expect(missing).NotTo(HaveKey(graphtable.KeyID("r1")))
		})
	})

	Describe("reloading", func() {
		It("should retry after the reload hook refreshes the stack", func() {
			reloads := 0
			subject = graphtable.NewStack(&graphtable.StackOptions{
				Reload: func() (bool, error) {
					reloads++
					subject.Replace(
						[]string{"one.gtb"},
						[]graphtable.Reader{graphtable.NewBTreeReader(store, "one.gtb", nil)},
					)
					return true, nil
				},
			})
			subject.Add("gone.gtb", graphtable.NewBTreeReader(store, "gone.gtb", nil))

			entries, err := subject.IterEntries([]graphtable.Key{graphtable.NK("c")})
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(reloads).To(Equal(1))
		})

		It("should propagate the original error when nothing changed", func() {
			subject = graphtable.NewStack(&graphtable.StackOptions{
				Reload: func() (bool, error) { return false, nil },
			})
			subject.Add("gone.gtb", graphtable.NewBTreeReader(store, "gone.gtb", nil))

			_, err := subject.IterEntries([]graphtable.Key{graphtable.NK("c")})
			Expect(graphtable.IsNoSuchFile(err)).To(BeTrue())
		})

		It("should propagate missing files without a reload hook", func() {
			subject.Add("gone.gtb", graphtable.NewBTreeReader(store, "gone.gtb", nil))
			_, err := subject.KeyCount()
			Expect(graphtable.IsNoSuchFile(err)).To(BeTrue())
		})
	})
})

package graphtable_test

import (
	"fmt"

	"github.com/bsm/graphtable"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("FlatWriter", func() {
	It("should serialize rows with fixed-width reference offsets", func() {
		subject := graphtable.NewFlatWriter(1, 1)
		Expect(subject.Add(graphtable.NK("b"), []byte("B"), graphtable.RefList{graphtable.NK("a")})).To(Succeed())
		Expect(subject.Add(graphtable.NK("a"), []byte("A"), graphtable.RefList{})).To(Succeed())

		data, err := subject.Finish()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("GraphTable Index 1\n" +
			"node_ref_lists=1\n" +
			"key_elements=1\n" +
			"len=2\n" +
			"a\x00\x00\x00A\n" +
			"b\x00\x0057\x00B\n" +
			"\n"))
	})

	It("should emit absent placeholder rows for unseen references", func() {
		subject := graphtable.NewFlatWriter(1, 1)
		Expect(subject.Add(graphtable.NK("b"), []byte("B"), graphtable.RefList{graphtable.NK("g")})).To(Succeed())

		data, err := subject.Finish()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(HaveSuffix("b\x00\x0065\x00B\ng\x00a\x00\x00\n\n"))
		Expect(string(data)).To(ContainSubstring("len=1\n"))
	})

	It("should reject invalid input", func() {
		subject := graphtable.NewFlatWriter(0, 1)
		Expect(subject.Add(graphtable.NK("a"), []byte("A"))).To(Succeed())
		Expect(subject.Add(graphtable.NK("a"), []byte("again"))).To(MatchError(graphtable.ErrDuplicateKey))
		Expect(subject.Add(graphtable.NK("a", "b"), nil)).To(MatchError(graphtable.ErrInvalidKey))
		Expect(subject.Add(graphtable.NK(""), nil)).To(MatchError(graphtable.ErrInvalidKey))
		Expect(subject.Add(graphtable.NK("a b"), nil)).To(MatchError(graphtable.ErrInvalidKey))
		Expect(subject.Add(graphtable.NK("c"), []byte("new\nline"))).To(MatchError(graphtable.ErrInvalidValue))
		Expect(subject.Add(graphtable.NK("c"), nil, graphtable.RefList{})).To(MatchError(graphtable.ErrInvalidKey))
	})

	It("should allow a value for a key referenced earlier", func() {
		subject := graphtable.NewFlatWriter(1, 1)
		Expect(subject.Add(graphtable.NK("b"), []byte("B"), graphtable.RefList{graphtable.NK("a")})).To(Succeed())
		Expect(subject.Add(graphtable.NK("a"), []byte("A"), graphtable.RefList{})).To(Succeed())
		Expect(subject.Add(graphtable.NK("a"), []byte("again"), graphtable.RefList{})).To(MatchError(graphtable.ErrDuplicateKey))
	})

	It("should refuse use after Finish", func() {
		subject := graphtable.NewFlatWriter(0, 1)
		_, err := subject.Finish()
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.Add(graphtable.NK("a"), nil)).To(MatchError(graphtable.ErrClosed))
		_, err = subject.Finish()
		Expect(err).To(MatchError(graphtable.ErrClosed))
	})
})

var _ = Describe("FlatReader", func() {
	var subject *graphtable.FlatReader
	var store *graphtable.MemStore

	BeforeEach(func() {
		w := graphtable.NewFlatWriter(0, 1)
		seedLetters(w, 0)
		data, err := w.Finish()
		Expect(err).NotTo(HaveOccurred())
		subject, store = openFlat(data, nil)
	})

	It("should count keys", func() {
		Expect(subject.KeyCount()).To(Equal(26))
	})

	It("should validate", func() {
		Expect(subject.Validate()).To(Succeed())
	})

	It("should iterate all entries in key order", func() {
		entries, err := subject.IterAllEntries()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(26))
		Expect(entries[0].Key).To(Equal(graphtable.NK("a")))
		Expect(entries[0].Value).To(Equal([]byte("A")))
		Expect(entries[25].Key).To(Equal(graphtable.NK("z")))
	})

	It("should look up keys, omitting missing ones", func() {
		entries, err := subject.IterEntries([]graphtable.Key{
			graphtable.NK("m"), graphtable.NK("zz"), graphtable.NK("c"),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(entryKeys(entries)).To(Equal([]string{"c", "m"}))
		Expect(entries[1].Value).To(Equal([]byte("M")))
	})

	It("should fail on missing files", func() {
		missing := graphtable.NewFlatReader(store, "nope.gti", 0, nil)
		_, err := missing.KeyCount()
		Expect(graphtable.IsNoSuchFile(err)).To(BeTrue())
	})

	Describe("bisection", func() {
		const count = 2000

		BeforeEach(func() {
			w := graphtable.NewFlatWriter(0, 1)
			seedNumbered(w, count, 24)
			data, err := w.Finish()
			Expect(err).NotTo(HaveOccurred())
			subject, store = openFlat(data, nil)
		})

		It("should find keys without reading the whole file", func() {
			size, err := store.Stat("test.gti")
			Expect(err).NotTo(HaveOccurred())

			entries, err := subject.IterEntries([]graphtable.Key{
				graphtable.NK("00000007"), graphtable.NK("00000404"), graphtable.NK("99999999"),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(entryKeys(entries)).To(Equal([]string{"00000007", "00000404"}))

			Expect(store.Reads()).To(BeNumerically(">", 0))
			Expect(store.BytesRead()).To(BeNumerically("<", size))
		})

		It("should match a buffered read", func() {
			keys := make([]graphtable.Key, 0, 10)
			for i := 0; i < count; i += 50 {
				keys = append(keys, graphtable.NK(fmt.Sprintf("%08d", i)))
			}
			bisected, err := subject.IterEntries(keys)
			Expect(err).NotTo(HaveOccurred())

			buffered, _ := openFlat(mustGetBytes(store, "test.gti"), &graphtable.FlatReaderOptions{BufferFraction: 1})
			Expect(buffered.Validate()).To(Succeed())
			expected, err := buffered.IterEntries(keys)
			Expect(err).NotTo(HaveOccurred())
			Expect(bisected).To(Equal(expected))
			Expect(bisected).To(HaveLen(len(keys)))
		})
	})

	Describe("references", func() {
		BeforeEach(func() {
			w := graphtable.NewFlatWriter(1, 1)
			Expect(w.Add(graphtable.NK("a"), []byte("A"), graphtable.RefList{})).To(Succeed())
			Expect(w.Add(graphtable.NK("b"), []byte("B"), graphtable.RefList{graphtable.NK("a")})).To(Succeed())
			Expect(w.Add(graphtable.NK("c"), []byte("C"), graphtable.RefList{graphtable.NK("b"), graphtable.NK("ghost")})).To(Succeed())
			data, err := w.Finish()
			Expect(err).NotTo(HaveOccurred())
			subject, store = openFlat(data, nil)
		})

		It("should resolve reference offsets back to keys", func() {
			entries, err := subject.IterEntries([]graphtable.Key{graphtable.NK("c")})
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Refs).To(Equal([]graphtable.RefList{
				{graphtable.NK("b"), graphtable.NK("ghost")},
			}))
		})

		It("should not return absent placeholders", func() {
			entries, err := subject.IterEntries([]graphtable.Key{graphtable.NK("ghost")})
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())

			Expect(subject.KeyCount()).To(Equal(3))
		})

		It("should report external references", func() {
			keys, err := subject.ExternalReferences(0)
			Expect(err).NotTo(HaveOccurred())
			Expect(keys).To(Equal([]graphtable.Key{graphtable.NK("ghost")}))
		})

		It("should walk ancestry", func() {
			parents := make(map[graphtable.KeyID][]graphtable.Key)
			missing := make(map[graphtable.KeyID]graphtable.Key)
			search := []graphtable.Key{graphtable.NK("c")}
			for len(search) > 0 {
				var err error
				search, err = subject.FindAncestors(search, 0, parents, missing)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(parents).To(HaveLen(3))
			Expect(parents[graphtable.KeyID("c")]).To(HaveLen(2))
			Expect(parents[graphtable.KeyID("a")]).To(BeEmpty())
			Expect(missing).To(HaveKey(graphtable.KeyID("ghost")))
		})
	})

	Describe("prefixes", func() {
		BeforeEach(func() {
			w := graphtable.NewFlatWriter(0, 2)
			Expect(w.Add(graphtable.NK("fruit", "apple"), []byte("1"))).To(Succeed())
			Expect(w.Add(graphtable.NK("fruit", "pear"), []byte("2"))).To(Succeed())
			Expect(w.Add(graphtable.NK("veg", "leek"), []byte("3"))).To(Succeed())
			data, err := w.Finish()
			Expect(err).NotTo(HaveOccurred())
			subject, store = openFlat(data, nil)
		})

		It("should expand wildcard elements", func() {
			entries, err := subject.IterEntriesPrefix([]graphtable.Key{{[]byte("fruit"), nil}})
			Expect(err).NotTo(HaveOccurred())
			Expect(entryKeys(entries)).To(Equal([]string{"fruit\x00apple", "fruit\x00pear"}))
		})

		It("should match fully specified keys", func() {
			entries, err := subject.IterEntriesPrefix([]graphtable.Key{
				graphtable.NK("veg", "leek"), {[]byte("fruit"), nil},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(3))
		})

		It("should reject malformed prefix keys", func() {
			_, err := subject.IterEntriesPrefix([]graphtable.Key{{nil, []byte("apple")}})
			Expect(err).To(MatchError(graphtable.ErrInvalidKey))
		})
	})
})

func mustGetBytes(store *graphtable.MemStore, name string) []byte {
	data, err := store.GetBytes(name)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return data
}

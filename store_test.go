package graphtable_test

import (
	"io"
	"os"

	"github.com/bsm/graphtable"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("FileStore", func() {
	var subject *graphtable.FileStore
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "graphtable-test-")
		Expect(err).NotTo(HaveOccurred())
		subject = graphtable.NewFileStore(dir)
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	put := func(name, content string) {
		wc, err := subject.Create(name)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		_, err = io.WriteString(wc, content)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		ExpectWithOffset(1, wc.Close()).To(Succeed())
	}

	It("should create, stat and read files", func() {
		put("data.gti", "0123456789")

		Expect(subject.Stat("data.gti")).To(Equal(int64(10)))
		Expect(subject.GetBytes("data.gti")).To(Equal([]byte("0123456789")))

		ranges, err := subject.ReadV("data.gti", []graphtable.ByteRange{
			{Offset: 6, Length: 3},
			{Offset: 0, Length: 2},
		}, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(ranges).To(Equal([]graphtable.RangeData{
			{Offset: 0, Data: []byte("01")},
			{Offset: 6, Data: []byte("678")},
		}))
	})

	It("should rename and delete files", func() {
		put("a.gti", "x")
		Expect(subject.Rename("a.gti", "b.gti")).To(Succeed())
		_, err := subject.Stat("a.gti")
		Expect(graphtable.IsNoSuchFile(err)).To(BeTrue())
		Expect(subject.Delete("b.gti")).To(Succeed())
		Expect(graphtable.IsNoSuchFile(subject.Delete("b.gti"))).To(BeTrue())
	})

	It("should report missing files", func() {
		_, err := subject.GetBytes("nope")
		Expect(graphtable.IsNoSuchFile(err)).To(BeTrue())
		_, err = subject.ReadV("nope", nil, true)
		Expect(graphtable.IsNoSuchFile(err)).To(BeTrue())
	})
})

var _ = Describe("MemStore", func() {
	var subject *graphtable.MemStore

	BeforeEach(func() {
		subject = graphtable.NewMemStore()
		subject.Put("data.gti", []byte("0123456789"))
	})

	It("should serve ranges and count I/O", func() {
		ranges, err := subject.ReadV("data.gti", []graphtable.ByteRange{{Offset: 2, Length: 4}}, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(ranges).To(Equal([]graphtable.RangeData{{Offset: 2, Data: []byte("2345")}}))
		Expect(subject.Reads()).To(Equal(1))
		Expect(subject.BytesRead()).To(Equal(4))
	})

	It("should reject out-of-bounds ranges", func() {
		_, err := subject.ReadV("data.gti", []graphtable.ByteRange{{Offset: 8, Length: 4}}, true)
		Expect(err).To(HaveOccurred())
	})

	It("should write through Create", func() {
		wc, err := subject.Create("new.gti")
		Expect(err).NotTo(HaveOccurred())
		_, err = io.WriteString(wc, "fresh")
		Expect(err).NotTo(HaveOccurred())
		Expect(wc.Close()).To(Succeed())
		Expect(subject.GetBytes("new.gti")).To(Equal([]byte("fresh")))
	})
})

package scanning

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("toPNG", func() {
	sample := func() image.Image {
		img := image.NewRGBA(image.Rect(0, 0, 4, 4))
		img.Set(1, 1, color.RGBA{R: 255, A: 255})
		return img
	}

	It("should pass PNG input through", func() {
		var buf bytes.Buffer
		Expect(png.Encode(&buf, sample())).To(Succeed())
		out, err := toPNG(buf.Bytes(), "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(buf.Bytes()))
	})

	It("should re-encode JPEG input", func() {
		var buf bytes.Buffer
		Expect(jpeg.Encode(&buf, sample(), nil)).To(Succeed())
		out, err := toPNG(buf.Bytes(), "image/jpeg")
		Expect(err).NotTo(HaveOccurred())
		Expect(bytes.HasPrefix(out, pngMagic)).To(BeTrue())
	})

	It("should render the first page of a PDF", func() {
		out, err := toPNG(onePagePDF(), "application/pdf")
		Expect(err).NotTo(HaveOccurred())
		Expect(bytes.HasPrefix(out, pngMagic)).To(BeTrue())
		img, err := png.Decode(bytes.NewReader(out))
		Expect(err).NotTo(HaveOccurred())
		Expect(img.Bounds().Dx()).To(BeNumerically(">", 0))
	})

	It("should detect a PDF sent with an image content type", func() {
		out, err := toPNG(onePagePDF(), "image/jpeg")
		Expect(err).NotTo(HaveOccurred())
		Expect(bytes.HasPrefix(out, pngMagic)).To(BeTrue())
	})

	It("should report a broken PDF", func() {
		_, err := toPNG([]byte("%PDF-1.4 truncated"), "application/pdf")
		Expect(err).To(MatchError(ContainSubstring("PDF")))
	})

	It("should reject data that is not an image", func() {
		_, err := toPNG([]byte("not an image"), "image/jpeg")
		Expect(err).To(MatchError(ContainSubstring("decoding image")))
	})
})

var _ = DescribeTable("isHEIC",
	func(data []byte, mimeType string, want bool) {
		Expect(isHEIC(data, mimeType)).To(Equal(want))
	},
	Entry("heic MIME type", nil, "image/heic", true),
	Entry("heif MIME type", nil, "image/heif", true),
	Entry("ftyp heic brand", []byte("\x00\x00\x00\x18ftypheic"), "", true),
	Entry("ftyp mif1 brand", []byte("\x00\x00\x00\x18ftypmif1"), "application/octet-stream", true),
	Entry("mp4 brand", []byte("\x00\x00\x00\x18ftypisom"), "", false),
	Entry("short data", []byte("abc"), "image/jpeg", false),
)

// onePagePDF builds a blank 72x72pt single page PDF with a valid xref table
func onePagePDF() []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 72 72] >>",
	}
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

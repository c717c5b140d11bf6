package increment

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sealpdf/sealpdf/pdf/byterange"
	"github.com/sealpdf/sealpdf/sign/digest"
	"github.com/sealpdf/sealpdf/sign/sigdict"
)

// minimalPdf builds a three-object PDF with a classic xref table and a
// correct startxref offset.
func minimalPdf() []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.7\n")

	offsets := make([]int, 4)
	writeObj := func(num int, body string) {
		offsets[num] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", num, body)
	}
	writeObj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	writeObj(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	writeObj(3, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")

	xref := b.Len()
	b.WriteString("xref\n0 4\n0000000000 65535 f \n")
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(&b, "%010d 00000 n \n", offsets[i])
	}
	b.WriteString("trailer\n<< /Size 4 /Root 1 0 R /ID [<AA11> <AA11>] >>\n")
	fmt.Fprintf(&b, "startxref\n%d\n%%%%EOF\n", xref)
	return b.Bytes()
}

func placeholderDict(t *testing.T, capacity int) *sigdict.Dictionary {
	t.Helper()
	dict, err := sigdict.BuildPlaceholder(sigdict.Meta{
		Timestamp: time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC),
		Name:      "John Doe",
	}, capacity)
	if err != nil {
		t.Fatalf("BuildPlaceholder failed: %v", err)
	}
	return dict
}

func TestReserve(t *testing.T) {
	pdf := minimalPdf()

	t.Run("original bytes untouched", func(t *testing.T) {
		res, err := Reserve(pdf, placeholderDict(t, 1024))
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if !bytes.Equal(res.Pdf[:len(pdf)], pdf) {
			t.Error("appending a revision must not alter the original bytes")
		}
		if len(res.Pdf) <= len(pdf) {
			t.Error("revision must extend the file")
		}
	})

	t.Run("byte range is consistent", func(t *testing.T) {
		res, err := Reserve(pdf, placeholderDict(t, 1024))
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if err := res.ByteRange.Validate(int64(len(res.Pdf))); err != nil {
			t.Errorf("byte range invalid: %v", err)
		}
		if res.ByteRange.HexLength() != 2048 {
			t.Errorf("HexLength = %d, want 2048", res.ByteRange.HexLength())
		}
		if res.Pdf[res.ContentsOffset-1] != '<' {
			t.Error("ContentsOffset must point past the '<' delimiter")
		}
	})

	t.Run("byte range patched in place", func(t *testing.T) {
		res, err := Reserve(pdf, placeholderDict(t, 512))
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if !bytes.Contains(res.Pdf, []byte("/ByteRange "+res.ByteRange.String())) {
			t.Error("serialized revision must carry the real byte range")
		}
		if bytes.Contains(res.Pdf, []byte("/ByteRange "+byterange.ByteRange{}.String())) {
			t.Error("zero byte range placeholder must have been overwritten")
		}
	})

	t.Run("trailer chains to previous revision", func(t *testing.T) {
		res, err := Reserve(pdf, placeholderDict(t, 256))
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		appended := string(res.Pdf[len(pdf):])
		for _, want := range []string{"/Prev ", "/Root 1 0 R", "/Size 5", "/ID [<AA11> <AA11>]", "%%EOF"} {
			if !strings.Contains(appended, want) {
				t.Errorf("appended revision missing %q", want)
			}
		}
		if res.ObjectNumber != 4 {
			t.Errorf("ObjectNumber = %d, want 4", res.ObjectNumber)
		}
	})

	t.Run("rejects non-PDF input", func(t *testing.T) {
		if _, err := Reserve([]byte("not a pdf"), placeholderDict(t, 64)); !errors.Is(err, ErrMalformedPdf) {
			t.Errorf("expected ErrMalformedPdf, got %v", err)
		}
	})

	t.Run("rejects missing trailer", func(t *testing.T) {
		if _, err := Reserve([]byte("%PDF-1.7\nno trailer here"), placeholderDict(t, 64)); !errors.Is(err, ErrMalformedPdf) {
			t.Errorf("expected ErrMalformedPdf, got %v", err)
		}
	})
}

func TestFinalize(t *testing.T) {
	pdf := minimalPdf()

	t.Run("splices signature hex", func(t *testing.T) {
		res, err := Reserve(pdf, placeholderDict(t, 64))
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		signed, err := res.Finalize([]byte{0x30, 0x0A, 0xFF})
		if err != nil {
			t.Fatalf("Finalize failed: %v", err)
		}
		if len(signed) != len(res.Pdf) {
			t.Errorf("Finalize changed file length: %d != %d", len(signed), len(res.Pdf))
		}
		hexSpan := string(signed[res.ContentsOffset : res.ContentsOffset+128])
		if !strings.HasPrefix(hexSpan, "300AFF") {
			t.Errorf("hex span = %q, want 300AFF prefix", hexSpan[:16])
		}
		if strings.Trim(hexSpan[6:], "0") != "" {
			t.Error("unused placeholder tail must be zero padded")
		}
	})

	t.Run("digest invariance", func(t *testing.T) {
		res, err := Reserve(pdf, placeholderDict(t, 256))
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		before, err := digest.Compute(res.Pdf, res.ByteRange, digest.SHA256)
		if err != nil {
			t.Fatalf("digest before finalize: %v", err)
		}
		signed, err := res.Finalize(bytes.Repeat([]byte{0x5A}, 200))
		if err != nil {
			t.Fatalf("Finalize failed: %v", err)
		}
		after, err := digest.Compute(signed, res.ByteRange, digest.SHA256)
		if err != nil {
			t.Fatalf("digest after finalize: %v", err)
		}
		if !bytes.Equal(before, after) {
			t.Error("finalize must not alter any covered byte")
		}
	})

	t.Run("placeholder overflow", func(t *testing.T) {
		res, err := Reserve(pdf, placeholderDict(t, 16))
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if _, err := res.Finalize(bytes.Repeat([]byte{0x01}, 17)); !errors.Is(err, ErrPlaceholderOverflow) {
			t.Errorf("expected ErrPlaceholderOverflow, got %v", err)
		}
		// Reserved buffer is untouched by the failed attempt.
		if !bytes.Equal(res.Pdf[:len(pdf)], pdf) {
			t.Error("failed finalize must leave the reservation intact")
		}
	})

	t.Run("rejects empty signature", func(t *testing.T) {
		res, err := Reserve(pdf, placeholderDict(t, 16))
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if _, err := res.Finalize(nil); err == nil {
			t.Error("expected error for empty signed data")
		}
	})
}

func TestSecondSignatureLayering(t *testing.T) {
	pdf := minimalPdf()

	first, err := Reserve(pdf, placeholderDict(t, 64))
	if err != nil {
		t.Fatalf("first Reserve failed: %v", err)
	}
	signed, err := first.Finalize([]byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("first Finalize failed: %v", err)
	}

	second, err := Reserve(signed, placeholderDict(t, 64))
	if err != nil {
		t.Fatalf("second Reserve failed: %v", err)
	}
	if !bytes.Equal(second.Pdf[:len(signed)], signed) {
		t.Error("second revision must leave the first signature's bytes intact")
	}
	if second.ObjectNumber != 5 {
		t.Errorf("second ObjectNumber = %d, want 5", second.ObjectNumber)
	}
	if err := second.ByteRange.Validate(int64(len(second.Pdf))); err != nil {
		t.Errorf("second byte range invalid: %v", err)
	}
}

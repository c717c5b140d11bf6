package byterange

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// placeholderPdf builds a buffer with a '<'-delimited zero hex span of
// hexLen characters starting at the returned offset.
func placeholderPdf(prefix, suffix string, hexLen int) ([]byte, int64) {
	var b bytes.Buffer
	b.WriteString(prefix)
	b.WriteByte('<')
	offset := int64(b.Len())
	b.WriteString(strings.Repeat("0", hexLen))
	b.WriteByte('>')
	b.WriteString(suffix)
	return b.Bytes(), offset
}

func TestCompute(t *testing.T) {
	t.Run("valid placeholder", func(t *testing.T) {
		pdf, offset := placeholderPdf("%PDF-1.7 some objects ", " trailer and eof", 64)

		br, err := Compute(pdf, offset, 64)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}

		if br[0] != 0 {
			t.Errorf("start1 = %d, want 0", br[0])
		}
		if br[1] != offset-1 {
			t.Errorf("len1 = %d, want %d", br[1], offset-1)
		}
		if br[2] != offset+64+1 {
			t.Errorf("start2 = %d, want %d", br[2], offset+64+1)
		}
		if br[2]+br[3] != int64(len(pdf)) {
			t.Errorf("start2+len2 = %d, want file length %d", br[2]+br[3], len(pdf))
		}
	})

	t.Run("coverage completeness", func(t *testing.T) {
		for _, hexLen := range []int{2, 64, 8192} {
			pdf, offset := placeholderPdf("header ", " tail", hexLen)
			br, err := Compute(pdf, offset, int64(hexLen))
			if err != nil {
				t.Fatalf("Compute(hexLen=%d) failed: %v", hexLen, err)
			}
			if got := br[1] + br[3] + int64(hexLen) + 2; got != int64(len(pdf)) {
				t.Errorf("hexLen=%d: len1+len2+hexLen+2 = %d, want %d", hexLen, got, len(pdf))
			}
		}
	})

	t.Run("odd hex length", func(t *testing.T) {
		pdf, offset := placeholderPdf("x", "y", 64)
		if _, err := Compute(pdf, offset, 63); !errors.Is(err, ErrMalformedPdf) {
			t.Errorf("expected ErrMalformedPdf, got %v", err)
		}
	})

	t.Run("missing delimiters", func(t *testing.T) {
		pdf := []byte("no delimiters here at all, just text padding")
		if _, err := Compute(pdf, 10, 8); !errors.Is(err, ErrMalformedPdf) {
			t.Errorf("expected ErrMalformedPdf, got %v", err)
		}
	})

	t.Run("out of bounds", func(t *testing.T) {
		pdf, offset := placeholderPdf("x", "", 8)
		if _, err := Compute(pdf, offset, 4096); !errors.Is(err, ErrMalformedPdf) {
			t.Errorf("expected ErrMalformedPdf, got %v", err)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		br      ByteRange
		total   int64
		wantErr bool
	}{
		{"valid", ByteRange{0, 100, 166, 34}, 200, false},
		{"nonzero start", ByteRange{1, 100, 166, 34}, 200, true},
		{"negative span", ByteRange{0, -1, 166, 34}, 200, true},
		{"overlap", ByteRange{0, 170, 166, 34}, 200, true},
		{"short of file end", ByteRange{0, 100, 166, 30}, 200, true},
		{"no placeholder room", ByteRange{0, 100, 102, 98}, 200, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.br.Validate(tc.total)
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tc.wantErr && !errors.Is(err, ErrMalformedPdf) {
				t.Errorf("error should wrap ErrMalformedPdf, got %v", err)
			}
		})
	}
}

func TestSlice(t *testing.T) {
	pdf, offset := placeholderPdf("AAAA", "BBBB", 8)
	br, err := Compute(pdf, offset, 8)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	got, err := br.Slice(pdf)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	if string(got) != "AAAABBBB" {
		t.Errorf("Slice = %q, want %q", got, "AAAABBBB")
	}
	if int64(len(got)) != br.CoveredLength() {
		t.Errorf("len = %d, want CoveredLength %d", len(got), br.CoveredLength())
	}
}

func TestHexLength(t *testing.T) {
	br := ByteRange{0, 100, 166, 34}
	if got := br.HexLength(); got != 64 {
		t.Errorf("HexLength = %d, want 64", got)
	}
}

func TestString(t *testing.T) {
	br := ByteRange{0, 1234, 9430, 567}
	want := "[0000000000 0000001234 0000009430 0000000567]"
	if got := br.String(); got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
	if len(br.String()) != len(ByteRange{}.String()) {
		t.Error("String width must not depend on values")
	}
}

// Package increment appends a signature dictionary to a PDF as an
// incremental update.
//
// An incremental update adds objects, a cross-reference section, and a
// trailer past the original end of file without touching any existing byte.
// Offset stability is what keeps a byte-range digest computed before
// finalization valid afterwards, so the update is performed in two passes:
// Reserve appends the revision with a zero-filled placeholder and patches
// the real /ByteRange in place, and Finalize overwrites only the
// placeholder hex span with the signature.
package increment

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/sealpdf/sealpdf/pdf/byterange"
	"github.com/sealpdf/sealpdf/sign/sigdict"
)

// Common errors.
var (
	// ErrMalformedPdf indicates the input could not be parsed far enough to
	// append a revision: missing header, startxref, or trailer keys.
	ErrMalformedPdf = errors.New("malformed PDF")

	// ErrPlaceholderOverflow indicates the DER signature is larger than the
	// reserved placeholder. The file is left untouched; re-sign with a
	// larger reserved capacity.
	ErrPlaceholderOverflow = errors.New("signature exceeds reserved placeholder capacity")
)

var (
	startxrefRe = regexp.MustCompile(`startxref\s+(\d+)`)
	sizeRe      = regexp.MustCompile(`/Size\s+(\d+)`)
	rootRe      = regexp.MustCompile(`/Root\s+(\d+)\s+(\d+)\s+R`)
	infoRe      = regexp.MustCompile(`/Info\s+(\d+)\s+(\d+)\s+R`)
	idRe        = regexp.MustCompile(`(?s)/ID\s*(\[.*?\])`)
)

// trailerInfo is what Reserve needs from the previous revision's trailer.
type trailerInfo struct {
	Size     int
	Root     string
	Info     string
	ID       string
	PrevXref int64
}

// Reservation is an appended-but-unsigned revision. The exported fields
// describe where the signature goes; Finalize fills it in.
type Reservation struct {
	// Pdf is the original document plus the appended revision, with a
	// zero-filled /Contents placeholder and the final /ByteRange already
	// patched in.
	Pdf []byte

	// ByteRange is the range the signature digest must cover.
	ByteRange byterange.ByteRange

	// ContentsOffset is the offset of the first placeholder hex character,
	// one past the '<' delimiter.
	ContentsOffset int64

	// Capacity is the reserved placeholder size in bytes (half the hex
	// character count).
	Capacity int

	// ObjectNumber is the indirect object number assigned to the signature
	// dictionary.
	ObjectNumber int
}

// Reserve appends an incremental update holding the placeholder dictionary
// to pdf. The dictionary must come from sigdict.BuildPlaceholder: its
// /Contents hex string defines the reserved capacity and its /ByteRange is
// all zeros. Reserve patches the real byte range over those zeros in place,
// so the returned buffer is digest-ready.
func Reserve(pdf []byte, dict *sigdict.Dictionary) (*Reservation, error) {
	if !bytes.HasPrefix(pdf, []byte("%PDF-")) {
		return nil, fmt.Errorf("%w: missing %%PDF- header", ErrMalformedPdf)
	}
	if len(dict.ContentsHex) == 0 || len(dict.ContentsHex)%2 != 0 {
		return nil, fmt.Errorf("%w: placeholder hex length %d is not a positive even number", ErrMalformedPdf, len(dict.ContentsHex))
	}

	trailer, err := parseLastTrailer(pdf)
	if err != nil {
		return nil, err
	}

	objectNumber := trailer.Size
	serialized := dict.Serialize(objectNumber, 0)

	contentsRel, err := locate(serialized, []byte("/Contents <"))
	if err != nil {
		return nil, err
	}
	byteRangeRel, err := locate(serialized, []byte("/ByteRange ["))
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(pdf)+len(serialized)+256)
	buf = append(buf, pdf...)
	if buf[len(buf)-1] != '\n' {
		buf = append(buf, '\n')
	}

	objectOffset := int64(len(buf))
	buf = append(buf, serialized...)

	xrefOffset := int64(len(buf))
	buf = appendXref(buf, objectNumber, objectOffset)
	buf = appendTrailer(buf, trailer, objectNumber+1, xrefOffset)

	contentsOffset := objectOffset + int64(contentsRel)
	br, err := byterange.Compute(buf, contentsOffset, int64(len(dict.ContentsHex)))
	if err != nil {
		return nil, err
	}

	// Patch the real byte range over the zero placeholder. Both render at
	// the fixed width of ByteRange.String, so no offset moves.
	copy(buf[objectOffset+int64(byteRangeRel)-1:], br.String())

	return &Reservation{
		Pdf:            buf,
		ByteRange:      br,
		ContentsOffset: contentsOffset,
		Capacity:       len(dict.ContentsHex) / 2,
		ObjectNumber:   objectNumber,
	}, nil
}

// Finalize returns a copy of the reserved buffer with the placeholder hex
// span overwritten by the uppercase hex encoding of signedDataDER, padded
// with '0' to the reserved width. Every byte outside the placeholder span
// is untouched, so the byte-range digest is unchanged.
func (r *Reservation) Finalize(signedDataDER []byte) ([]byte, error) {
	if len(signedDataDER) == 0 {
		return nil, fmt.Errorf("%w: empty signed data", ErrMalformedPdf)
	}
	if len(signedDataDER) > r.Capacity {
		return nil, fmt.Errorf("%w: %d bytes > %d reserved; increase the reserved capacity",
			ErrPlaceholderOverflow, len(signedDataDER), r.Capacity)
	}

	out := make([]byte, len(r.Pdf))
	copy(out, r.Pdf)

	const hexDigits = "0123456789ABCDEF"
	pos := r.ContentsOffset
	for _, b := range signedDataDER {
		out[pos] = hexDigits[b>>4]
		out[pos+1] = hexDigits[b&0x0f]
		pos += 2
	}
	for end := r.ContentsOffset + int64(r.Capacity)*2; pos < end; pos++ {
		out[pos] = '0'
	}
	return out, nil
}

// parseLastTrailer reads the most recent revision's trailer dictionary and
// startxref offset. Classic cross-reference tables only; files whose last
// revision uses a cross-reference stream are rejected.
func parseLastTrailer(pdf []byte) (*trailerInfo, error) {
	trailerIdx := bytes.LastIndex(pdf, []byte("trailer"))
	if trailerIdx < 0 {
		return nil, fmt.Errorf("%w: no trailer keyword (cross-reference streams are not supported)", ErrMalformedPdf)
	}
	tail := pdf[trailerIdx:]

	m := startxrefRe.FindSubmatch(tail)
	if m == nil {
		// startxref may precede the trailer keyword in odd writers; fall
		// back to searching the whole file.
		m = startxrefRe.FindSubmatch(pdf)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: no startxref", ErrMalformedPdf)
	}
	prevXref, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil || prevXref < 0 || prevXref >= int64(len(pdf)) {
		return nil, fmt.Errorf("%w: startxref offset %s out of bounds", ErrMalformedPdf, m[1])
	}

	sm := sizeRe.FindSubmatch(tail)
	if sm == nil {
		return nil, fmt.Errorf("%w: trailer has no /Size", ErrMalformedPdf)
	}
	size, err := strconv.Atoi(string(sm[1]))
	if err != nil || size <= 0 {
		return nil, fmt.Errorf("%w: invalid /Size %s", ErrMalformedPdf, sm[1])
	}

	rm := rootRe.FindSubmatch(tail)
	if rm == nil {
		return nil, fmt.Errorf("%w: trailer has no /Root", ErrMalformedPdf)
	}

	info := &trailerInfo{
		Size:     size,
		Root:     fmt.Sprintf("%s %s R", rm[1], rm[2]),
		PrevXref: prevXref,
	}
	if im := infoRe.FindSubmatch(tail); im != nil {
		info.Info = fmt.Sprintf("%s %s R", im[1], im[2])
	}
	if idm := idRe.FindSubmatch(tail); idm != nil {
		info.ID = string(idm[1])
	}
	return info, nil
}

// appendXref writes a cross-reference section covering the free-list head
// and the single new object.
func appendXref(buf []byte, objectNumber int, objectOffset int64) []byte {
	buf = append(buf, "xref\n0 1\n0000000000 65535 f \n"...)
	buf = append(buf, fmt.Sprintf("%d 1\n%010d 00000 n \n", objectNumber, objectOffset)...)
	return buf
}

func appendTrailer(buf []byte, prev *trailerInfo, size int, xrefOffset int64) []byte {
	buf = append(buf, "trailer\n<<\n"...)
	buf = append(buf, fmt.Sprintf("/Size %d\n", size)...)
	buf = append(buf, fmt.Sprintf("/Root %s\n", prev.Root)...)
	if prev.Info != "" {
		buf = append(buf, fmt.Sprintf("/Info %s\n", prev.Info)...)
	}
	if prev.ID != "" {
		buf = append(buf, fmt.Sprintf("/ID %s\n", prev.ID)...)
	}
	buf = append(buf, fmt.Sprintf("/Prev %d\n", prev.PrevXref)...)
	buf = append(buf, ">>\nstartxref\n"...)
	buf = append(buf, fmt.Sprintf("%d\n%%%%EOF\n", xrefOffset)...)
	return buf
}

// locate returns the offset one past marker's end within serialized, which
// for "/Contents <" is the first hex character and for "/ByteRange [" is
// one past the opening bracket.
func locate(serialized, marker []byte) (int, error) {
	idx := bytes.Index(serialized, marker)
	if idx < 0 {
		return 0, fmt.Errorf("%w: serialized dictionary has no %q entry", ErrMalformedPdf, marker)
	}
	return idx + len(marker), nil
}

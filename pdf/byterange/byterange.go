// Package byterange computes the /ByteRange array bracketing a reserved
// signature placeholder in a PDF file.
//
// A PDF signature covers the whole file except the hex string holding the
// signature itself. The covered region is described by a four-integer array
// [start1 len1 start2 len2]: the bytes before the opening '<' of the
// placeholder, and the bytes after its closing '>'.
package byterange

import (
	"errors"
	"fmt"
)

// ErrMalformedPdf indicates that the placeholder could not be located or the
// computed spans are inconsistent with the file.
var ErrMalformedPdf = errors.New("malformed PDF")

// ByteRange is the /ByteRange 4-tuple [start1 len1 start2 len2].
type ByteRange [4]int64

// Compute calculates the byte range for a placeholder whose first hex
// character sits at contentsOffset and whose hex payload is hexLength
// characters long. contentsOffset must point at the character immediately
// following the '<' delimiter, and hexLength must be even.
func Compute(pdf []byte, contentsOffset, hexLength int64) (ByteRange, error) {
	total := int64(len(pdf))

	if hexLength <= 0 || hexLength%2 != 0 {
		return ByteRange{}, fmt.Errorf("%w: placeholder hex length %d is not a positive even number", ErrMalformedPdf, hexLength)
	}
	if contentsOffset <= 0 || contentsOffset+hexLength+1 > total {
		return ByteRange{}, fmt.Errorf("%w: placeholder [%d:%d] out of bounds for %d-byte file", ErrMalformedPdf, contentsOffset, contentsOffset+hexLength, total)
	}
	if pdf[contentsOffset-1] != '<' || pdf[contentsOffset+hexLength] != '>' {
		return ByteRange{}, fmt.Errorf("%w: placeholder at offset %d is not delimited by <>", ErrMalformedPdf, contentsOffset)
	}

	br := ByteRange{
		0,
		contentsOffset - 1,
		contentsOffset + hexLength + 1,
		total - (contentsOffset + hexLength + 1),
	}
	if err := br.Validate(total); err != nil {
		return ByteRange{}, err
	}
	return br, nil
}

// Validate checks the internal consistency of the byte range against a file
// of totalLength bytes: non-negative spans, no overlap, and full coverage of
// everything except the placeholder content and its two delimiters.
func (br ByteRange) Validate(totalLength int64) error {
	if br[0] != 0 {
		return fmt.Errorf("%w: byte range must start at 0, got %d", ErrMalformedPdf, br[0])
	}
	if br[1] < 0 || br[3] < 0 {
		return fmt.Errorf("%w: negative span in byte range %v", ErrMalformedPdf, br)
	}
	if br[2] < br[0]+br[1] {
		return fmt.Errorf("%w: overlapping spans in byte range %v", ErrMalformedPdf, br)
	}
	if br[2]+br[3] != totalLength {
		return fmt.Errorf("%w: byte range %v does not end at file length %d", ErrMalformedPdf, br, totalLength)
	}
	if br.HexLength() <= 0 {
		return fmt.Errorf("%w: byte range %v leaves no room for a placeholder", ErrMalformedPdf, br)
	}
	return nil
}

// HexLength returns the length of the placeholder hex payload implied by the
// gap between the two covered spans, excluding the '<' '>' delimiters.
func (br ByteRange) HexLength() int64 {
	return br[2] - (br[0] + br[1]) - 2
}

// CoveredLength returns the total number of bytes covered by the digest.
func (br ByteRange) CoveredLength() int64 {
	return br[1] + br[3]
}

// Slice returns the concatenation of the two covered spans of pdf.
func (br ByteRange) Slice(pdf []byte) ([]byte, error) {
	total := int64(len(pdf))
	if br[0]+br[1] > total || br[2]+br[3] > total {
		return nil, fmt.Errorf("%w: byte range %v out of bounds for %d-byte file", ErrMalformedPdf, br, total)
	}
	out := make([]byte, 0, br.CoveredLength())
	out = append(out, pdf[br[0]:br[0]+br[1]]...)
	out = append(out, pdf[br[2]:br[2]+br[3]]...)
	return out, nil
}

// String renders the byte range in the fixed-width form used inside
// signature dictionaries, so that patching real values over a placeholder
// never changes the serialized length.
func (br ByteRange) String() string {
	return fmt.Sprintf("[%010d %010d %010d %010d]", br[0], br[1], br[2], br[3])
}

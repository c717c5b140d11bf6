// Package sigdict builds and serializes PDF signature dictionaries
// (ISO 32000-1, 12.8).
//
// Serialization is bit-significant: the byte-range digest of a signed file
// covers the serialized dictionary, so field order, string escaping, and
// date formatting must never vary between the reservation pass and the
// final document.
package sigdict

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"

	"github.com/sealpdf/sealpdf/pdf/byterange"
)

// Common errors.
var (
	ErrNameRequired     = errors.New("signer name is required")
	ErrContentsRequired = errors.New("signed data DER is required")
	ErrContentsTooLarge = errors.New("signed data exceeds reserved capacity")
)

// Default dictionary entries.
const (
	DefaultFilter    = "Adobe.PPKLite"
	DefaultSubFilter = "adbe.pkcs7.detached"
)

// Meta carries the signer-supplied metadata embedded in the dictionary.
// Name is required; the other strings are omitted from the serialized
// object when empty.
type Meta struct {
	SubFilter   string
	Timestamp   time.Time
	Name        string
	Location    string
	Reason      string
	ContactInfo string
}

// Params describes a fully determined signature dictionary.
type Params struct {
	Meta

	// SignedDataDER is the DER-encoded CMS SignedData placed in /Contents.
	SignedDataDER []byte

	// ByteRange is the range covered by the signature digest.
	ByteRange byterange.ByteRange

	// Capacity, when positive, is the reserved placeholder size in bytes;
	// the hex string is zero-padded to Capacity*2 characters so the
	// serialized object is byte-identical to the reserved one.
	Capacity int
}

// Dictionary is an immutable signature dictionary. Construct it through
// Build or BuildPlaceholder; serialize it exactly once per revision.
type Dictionary struct {
	Type        string
	Filter      string
	SubFilter   string
	ContentsHex string
	ByteRange   byterange.ByteRange
	M           string
	Name        string
	Location    string
	Reason      string
	ContactInfo string
}

// Build constructs the final dictionary for a completed signature.
func Build(p Params) (*Dictionary, error) {
	if p.Name == "" {
		return nil, ErrNameRequired
	}
	if len(p.SignedDataDER) == 0 {
		return nil, ErrContentsRequired
	}

	contentsHex := strings.ToUpper(hex.EncodeToString(p.SignedDataDER))
	if p.Capacity > 0 {
		if len(contentsHex) > p.Capacity*2 {
			return nil, fmt.Errorf("%w: %d hex chars > %d reserved", ErrContentsTooLarge, len(contentsHex), p.Capacity*2)
		}
		contentsHex += strings.Repeat("0", p.Capacity*2-len(contentsHex))
	}

	return newDictionary(p.Meta, contentsHex, p.ByteRange), nil
}

// BuildPlaceholder constructs the reservation-time dictionary: a zero-filled
// /Contents hex string of capacity bytes and an all-zero /ByteRange. Its
// serialized length equals that of the final dictionary for the same meta
// and capacity.
func BuildPlaceholder(meta Meta, capacity int) (*Dictionary, error) {
	if meta.Name == "" {
		return nil, ErrNameRequired
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("placeholder capacity must be positive, got %d", capacity)
	}
	return newDictionary(meta, strings.Repeat("0", capacity*2), byterange.ByteRange{}), nil
}

func newDictionary(meta Meta, contentsHex string, br byterange.ByteRange) *Dictionary {
	subFilter := meta.SubFilter
	if subFilter == "" {
		subFilter = DefaultSubFilter
	}
	return &Dictionary{
		Type:        "Sig",
		Filter:      DefaultFilter,
		SubFilter:   subFilter,
		ContentsHex: contentsHex,
		ByteRange:   br,
		M:           FormatPDFDate(meta.Timestamp),
		Name:        meta.Name,
		Location:    meta.Location,
		Reason:      meta.Reason,
		ContactInfo: meta.ContactInfo,
	}
}

// Serialize renders the dictionary as a PDF indirect object. Field order is
// fixed: Type, Filter, SubFilter, Contents, ByteRange, then the optional
// strings, then M and Name. Identical inputs produce identical bytes.
func (d *Dictionary) Serialize(objectNumber, generation int) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %d obj\n<<\n", objectNumber, generation)
	fmt.Fprintf(&b, "/Type /%s\n", d.Type)
	fmt.Fprintf(&b, "/Filter /%s\n", d.Filter)
	fmt.Fprintf(&b, "/SubFilter /%s\n", d.SubFilter)
	fmt.Fprintf(&b, "/Contents <%s>\n", d.ContentsHex)
	fmt.Fprintf(&b, "/ByteRange %s\n", d.ByteRange.String())
	if d.Location != "" {
		fmt.Fprintf(&b, "/Location (%s)\n", encodeTextString(d.Location))
	}
	if d.Reason != "" {
		fmt.Fprintf(&b, "/Reason (%s)\n", encodeTextString(d.Reason))
	}
	if d.ContactInfo != "" {
		fmt.Fprintf(&b, "/ContactInfo (%s)\n", encodeTextString(d.ContactInfo))
	}
	fmt.Fprintf(&b, "/M (%s)\n", d.M)
	fmt.Fprintf(&b, "/Name (%s)\n", encodeTextString(d.Name))
	b.WriteString(">>\nendobj\n")
	return []byte(b.String())
}

// EscapeLiteralString escapes a PDF literal string per ISO 32000-1, 7.3.4.2:
// backslash, '(' and ')' are prefixed with a backslash.
func EscapeLiteralString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			b.WriteString(`\\`)
		case '(':
			b.WriteString(`\(`)
		case ')':
			b.WriteString(`\)`)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// utf16be encodes PDF text strings that fall outside PDFDocEncoding.
var utf16be = unicode.UTF16(unicode.BigEndian, unicode.UseBOM)

// encodeTextString produces the escaped payload of a literal text string.
// Pure ASCII passes through; anything else is re-encoded as UTF-16BE with a
// byte order mark, as required for PDF text strings, and then escaped
// byte-wise.
func encodeTextString(s string) string {
	if isASCII(s) {
		return EscapeLiteralString(s)
	}
	encoded, err := utf16be.NewEncoder().String(s)
	if err != nil {
		// Unreachable for valid UTF-8 input; fall back to the raw string.
		return EscapeLiteralString(s)
	}
	return EscapeLiteralString(encoded)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7e || s[i] < 0x20 {
			return false
		}
	}
	return true
}

// FormatPDFDate renders a timestamp in PDF date syntax. The engine always
// serializes in UTC with the fixed Z00'00' offset suffix so that signing
// output is reproducible across host time zones.
func FormatPDFDate(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("D:%04d%02d%02d%02d%02d%02dZ00'00'",
		u.Year(), int(u.Month()), u.Day(),
		u.Hour(), u.Minute(), u.Second())
}

// ParsePDFDate parses a PDF date string back into a time.Time.
func ParsePDFDate(s string) (time.Time, error) {
	if len(s) < 2 || s[:2] != "D:" {
		return time.Time{}, fmt.Errorf("invalid PDF date: %q", s)
	}
	s = strings.ReplaceAll(s[2:], "'", "")
	// 'Z' marks UTC; anything after it is a zero offset (Z00'00').
	if i := strings.IndexByte(s, 'Z'); i >= 0 {
		s = s[:i+1]
	}

	formats := []string{
		"20060102150405-0700",
		"20060102150405Z",
		"20060102150405",
		"200601021504",
		"2006010215",
		"20060102",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse PDF date: %q", s)
}

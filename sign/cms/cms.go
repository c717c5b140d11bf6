// Package cms assembles and verifies CMS (PKCS#7) SignedData structures for
// detached PDF signatures.
//
// The builder never sees document bytes: it takes the precomputed byte-range
// digest, derives the signed attributes, and hands their digest to a signing
// callback, which is how the external key-management boundary is spliced in.
package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/sealpdf/sealpdf/sign/kms"
)

// OIDs used in the assembled structures.
var (
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDRSAPSS          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}

	OIDContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
)

// Common errors.
var (
	ErrUnsupportedAlgorithm = errors.New("unsupported CMS algorithm")
	ErrMissingCertificate   = errors.New("signer certificate not found in CMS data")
	ErrDigestMismatch       = errors.New("message digest attribute does not match content")
)

// AlgorithmIdentifier is an X.509 AlgorithmIdentifier.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// ContentInfo is the outer CMS wrapper.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignedData is the CMS SignedData structure.
type SignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []SignerInfo    `asn1:"set"`
}

// EncapsulatedContentInfo carries the content type; for a detached
// signature the content itself is absent.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignerInfo describes one signer. SID is IssuerAndSerialNumber directly
// because SignerIdentifier is an ASN.1 CHOICE, not a SEQUENCE.
type SignerInfo struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        []Attribute `asn1:"optional,implicit,tag:0,set"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      []Attribute `asn1:"optional,implicit,tag:1,set"`
}

// signerInfoRaw preserves the raw signed-attribute bytes during parsing.
type signerInfoRaw struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

// signedDataRaw preserves raw signer infos during parsing.
type signedDataRaw struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// IssuerAndSerialNumber identifies a certificate.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute is a CMS attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// SigningCertificateV2 is the ESS signing-certificate-v2 attribute value.
type SigningCertificateV2 struct {
	Certs []ESSCertIDv2
}

// ESSCertIDv2 identifies the signing certificate by hash.
type ESSCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  IssuerSerial `asn1:"optional"`
}

// IssuerSerial pairs an issuer name with a serial number.
type IssuerSerial struct {
	Issuer       GeneralNames
	SerialNumber *big.Int
}

// GeneralNames is a SEQUENCE of GeneralName.
type GeneralNames struct {
	Names []asn1.RawValue
}

// Builder assembles a detached SignedData for one signer. The certificate
// chain is embedded leaf first.
type Builder struct {
	certificate *x509.Certificate
	chain       []*x509.Certificate
	signingTime time.Time

	hash      crypto.Hash
	digestOID asn1.ObjectIdentifier
	sigOID    asn1.ObjectIdentifier
	sigParams asn1.RawValue
}

// NewBuilder prepares a builder for the given signer chain and signing
// algorithm. chain must hold at least the signing certificate, leaf first.
func NewBuilder(chain []*x509.Certificate, algorithm kms.Algorithm, signingTime time.Time) (*Builder, error) {
	if len(chain) == 0 {
		return nil, ErrMissingCertificate
	}
	h, err := algorithm.Hash()
	if err != nil {
		return nil, err
	}
	digestOID, err := digestOIDFor(h)
	if err != nil {
		return nil, err
	}
	sigOID, sigParams, err := signatureOIDFor(algorithm)
	if err != nil {
		return nil, err
	}
	return &Builder{
		certificate: chain[0],
		chain:       chain,
		signingTime: signingTime.UTC(),
		hash:        h,
		digestOID:   digestOID,
		sigOID:      sigOID,
		sigParams:   sigParams,
	}, nil
}

// BuildDetached wraps messageDigest — the byte-range digest of the document —
// into a detached SignedData. sign receives the digest of the signed
// attributes and returns the raw signature from the key boundary.
func (b *Builder) BuildDetached(messageDigest []byte, sign func(attrDigest []byte) ([]byte, error)) ([]byte, error) {
	attrs, attrBytes, err := b.SignedAttributes(messageDigest)
	if err != nil {
		return nil, err
	}

	h := b.hash.New()
	h.Write(attrBytes)
	signature, err := sign(h.Sum(nil))
	if err != nil {
		return nil, err
	}

	return b.Assemble(attrs, signature)
}

// SignedAttributes builds the signed attributes for a document digest and
// returns them alongside their DER encoding as a SET, which is what the
// signature actually covers.
func (b *Builder) SignedAttributes(messageDigest []byte) ([]Attribute, []byte, error) {
	contentTypeValue, err := asn1.Marshal(OIDData)
	if err != nil {
		return nil, nil, fmt.Errorf("marshalling content type: %w", err)
	}
	digestValue, err := asn1.Marshal(messageDigest)
	if err != nil {
		return nil, nil, fmt.Errorf("marshalling message digest: %w", err)
	}
	signingTimeValue, err := asn1.Marshal(b.signingTime)
	if err != nil {
		return nil, nil, fmt.Errorf("marshalling signing time: %w", err)
	}
	signingCertValue, err := asn1.Marshal(b.signingCertificateV2())
	if err != nil {
		return nil, nil, fmt.Errorf("marshalling signing certificate attribute: %w", err)
	}

	attrs := []Attribute{
		{Type: OIDContentType, Values: []asn1.RawValue{{FullBytes: contentTypeValue}}},
		{Type: OIDMessageDigest, Values: []asn1.RawValue{{FullBytes: digestValue}}},
		{Type: OIDSigningTime, Values: []asn1.RawValue{{FullBytes: signingTimeValue}}},
		{Type: OIDSigningCertificateV2, Values: []asn1.RawValue{{FullBytes: signingCertValue}}},
	}
	attrs = derSortAttributes(attrs)

	attrBytes, err := asn1.Marshal(attrs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshalling signed attributes: %w", err)
	}
	// Signing covers the attributes under a SET tag, while SignerInfo
	// carries them implicitly tagged. Re-tag the SEQUENCE encoding.
	attrBytes[0] = 0x31

	return attrs, attrBytes, nil
}

// Assemble wires the signed attributes and the raw signature into the final
// DER-encoded ContentInfo.
func (b *Builder) Assemble(attrs []Attribute, signature []byte) ([]byte, error) {
	if len(signature) == 0 {
		return nil, errors.New("empty signature")
	}

	signerInfo := SignerInfo{
		Version: 1,
		SID: IssuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: b.certificate.RawIssuer},
			SerialNumber: b.certificate.SerialNumber,
		},
		DigestAlgorithm: AlgorithmIdentifier{
			Algorithm:  b.digestOID,
			Parameters: asn1.RawValue{Tag: 5}, // NULL
		},
		SignedAttrs: attrs,
		SignatureAlgorithm: AlgorithmIdentifier{
			Algorithm:  b.sigOID,
			Parameters: b.sigParams,
		},
		Signature: signature,
	}

	signedData := SignedData{
		Version: 1,
		DigestAlgorithms: []AlgorithmIdentifier{
			{Algorithm: b.digestOID, Parameters: asn1.RawValue{Tag: 5}},
		},
		EncapContentInfo: EncapsulatedContentInfo{
			// Detached: content type only, no encapsulated content.
			EContentType: OIDData,
		},
		SignerInfos: []SignerInfo{signerInfo},
	}
	for _, cert := range b.chain {
		signedData.Certificates = append(signedData.Certificates, asn1.RawValue{FullBytes: cert.Raw})
	}

	signedDataBytes, err := asn1.Marshal(signedData)
	if err != nil {
		return nil, fmt.Errorf("marshalling SignedData: %w", err)
	}
	return asn1.Marshal(ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: 2, Tag: 0, IsCompound: true, Bytes: signedDataBytes},
	})
}

func (b *Builder) signingCertificateV2() SigningCertificateV2 {
	h := b.hash.New()
	h.Write(b.certificate.Raw)

	return SigningCertificateV2{
		Certs: []ESSCertIDv2{
			{
				HashAlgorithm: AlgorithmIdentifier{
					Algorithm:  b.digestOID,
					Parameters: asn1.RawValue{Tag: 5},
				},
				CertHash: h.Sum(nil),
				IssuerSerial: IssuerSerial{
					Issuer: GeneralNames{
						Names: []asn1.RawValue{
							{
								Class:      asn1.ClassContextSpecific,
								Tag:        4, // directoryName
								IsCompound: true,
								Bytes:      b.certificate.RawIssuer,
							},
						},
					},
					SerialNumber: b.certificate.SerialNumber,
				},
			},
		},
	}
}

func digestOIDFor(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch h {
	case crypto.SHA256:
		return OIDSHA256, nil
	case crypto.SHA384:
		return OIDSHA384, nil
	case crypto.SHA512:
		return OIDSHA512, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, h)
	}
}

func signatureOIDFor(algorithm kms.Algorithm) (asn1.ObjectIdentifier, asn1.RawValue, error) {
	null := asn1.RawValue{Tag: 5}
	switch algorithm {
	case kms.RSASHA256:
		return OIDSHA256WithRSA, null, nil
	case kms.RSASHA384:
		return OIDSHA384WithRSA, null, nil
	case kms.RSASHA512:
		return OIDSHA512WithRSA, null, nil
	case kms.RSAPSSSHA256, kms.RSAPSSSHA384, kms.RSAPSSSHA512:
		return OIDRSAPSS, asn1.RawValue{}, nil
	case kms.ECDSASHA256:
		return OIDECDSAWithSHA256, asn1.RawValue{}, nil
	case kms.ECDSASHA384:
		return OIDECDSAWithSHA384, asn1.RawValue{}, nil
	case kms.ECDSASHA512:
		return OIDECDSAWithSHA512, asn1.RawValue{}, nil
	default:
		return nil, asn1.RawValue{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

// derSortAttributes orders attributes by their DER encoding, matching the
// canonical SET OF ordering verifiers recompute.
func derSortAttributes(attrs []Attribute) []Attribute {
	type attrDER struct {
		attr Attribute
		der  []byte
	}
	sorted := make([]attrDER, len(attrs))
	for i, attr := range attrs {
		der, _ := asn1.Marshal(attr)
		sorted[i] = attrDER{attr: attr, der: der}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].der, sorted[j].der) < 0
	})
	out := make([]Attribute, len(attrs))
	for i, s := range sorted {
		out[i] = s.attr
	}
	return out
}

// Parse decodes a DER ContentInfo into its SignedData.
func Parse(data []byte) (*SignedData, error) {
	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(data, &contentInfo); err != nil {
		return nil, fmt.Errorf("parsing ContentInfo: %w", err)
	}
	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("expected SignedData, got %v", contentInfo.ContentType)
	}
	var signedData SignedData
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &signedData); err != nil {
		return nil, fmt.Errorf("parsing SignedData: %w", err)
	}
	return &signedData, nil
}

// SignerCertificates returns the certificates embedded in cmsData, in
// embedding order.
func SignerCertificates(cmsData []byte) ([]*x509.Certificate, error) {
	signedData, err := Parse(cmsData)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for _, raw := range signedData.Certificates {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			continue
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, ErrMissingCertificate
	}
	return certs, nil
}

// SigningTime extracts the signingTime signed attribute.
func SigningTime(cmsData []byte) (time.Time, error) {
	signedData, err := Parse(cmsData)
	if err != nil {
		return time.Time{}, err
	}
	if len(signedData.SignerInfos) == 0 {
		return time.Time{}, errors.New("no signer infos")
	}
	for _, attr := range signedData.SignerInfos[0].SignedAttrs {
		if attr.Type.Equal(OIDSigningTime) && len(attr.Values) > 0 {
			var t time.Time
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &t); err == nil {
				return t, nil
			}
		}
	}
	return time.Time{}, errors.New("signing time attribute not found")
}

// VerifyDetached checks a detached SignedData against the content it claims
// to cover: the messageDigest attribute must match the content digest and
// the signature must verify under the embedded signer certificate. RSA
// PKCS#1 v1.5 and ECDSA are supported.
func VerifyDetached(cmsData, signedContent []byte) error {
	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(cmsData, &contentInfo); err != nil {
		return fmt.Errorf("parsing ContentInfo: %w", err)
	}
	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return fmt.Errorf("expected SignedData, got %v", contentInfo.ContentType)
	}
	var sd signedDataRaw
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &sd); err != nil {
		return fmt.Errorf("parsing SignedData: %w", err)
	}
	if len(sd.SignerInfos) == 0 {
		return errors.New("no signer infos")
	}
	var si signerInfoRaw
	if _, err := asn1.Unmarshal(sd.SignerInfos[0].FullBytes, &si); err != nil {
		return fmt.Errorf("parsing SignerInfo: %w", err)
	}

	signerCert, err := findSignerCertificate(sd.Certificates, si.SID.SerialNumber)
	if err != nil {
		return err
	}

	h, err := hashForOID(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return err
	}

	contentHash := h.New()
	contentHash.Write(signedContent)

	attrs, err := parseAttributes(si.SignedAttrs.Bytes)
	if err != nil {
		return err
	}
	claimed, ok := messageDigestOf(attrs)
	if !ok {
		return errors.New("message digest attribute not found")
	}
	if !bytes.Equal(claimed, contentHash.Sum(nil)) {
		return ErrDigestMismatch
	}

	attrBytes, err := asn1.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("re-marshalling signed attributes: %w", err)
	}
	attrBytes[0] = 0x31

	attrHash := h.New()
	attrHash.Write(attrBytes)
	return verifySignature(signerCert.PublicKey, h, attrHash.Sum(nil), si.Signature)
}

func findSignerCertificate(raws []asn1.RawValue, serial *big.Int) (*x509.Certificate, error) {
	for _, raw := range raws {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			continue
		}
		if serial != nil && cert.SerialNumber.Cmp(serial) == 0 {
			return cert, nil
		}
	}
	return nil, ErrMissingCertificate
}

func parseAttributes(der []byte) ([]Attribute, error) {
	var attrs []Attribute
	rest := der
	for len(rest) > 0 {
		var attr Attribute
		var err error
		rest, err = asn1.Unmarshal(rest, &attr)
		if err != nil {
			return nil, fmt.Errorf("parsing signed attribute: %w", err)
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func messageDigestOf(attrs []Attribute) ([]byte, bool) {
	for _, attr := range attrs {
		if attr.Type.Equal(OIDMessageDigest) && len(attr.Values) > 0 {
			var digest []byte
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &digest); err == nil {
				return digest, true
			}
		}
	}
	return nil, false
}

func hashForOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, nil
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, nil
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, oid)
	}
}

func verifySignature(pub any, h crypto.Hash, digest, sig []byte) error {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(key, h, digest, sig)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return errors.New("ECDSA signature verification failed")
		}
		return nil
	default:
		return fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, pub)
	}
}

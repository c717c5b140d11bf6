// Package certgen produces self-signed X.509 certificates for signing keys
// that have no CA-issued chain configured.
//
// The key is only reached through crypto.Signer, so the certificate can be
// issued for a remote key (AWS KMS, PKCS#11) as well as a local one.
package certgen

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultValidityDays is used when Params.ValidityDays is zero.
const DefaultValidityDays = 365

// GenerationError wraps a certificate-generation failure.
type GenerationError struct {
	Message string
	Cause   error
}

func (e *GenerationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("certificate generation failed: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("certificate generation failed: %s", e.Message)
}

func (e *GenerationError) Unwrap() error {
	return e.Cause
}

// Subject holds the certificate subject attributes. CommonName and
// Organization are required.
type Subject struct {
	CommonName   string
	Organization string
	Country      string
	Email        string
}

// Params describes one certificate to generate.
type Params struct {
	Subject      Subject
	ValidityDays int

	// Key signs the certificate and supplies its public half. A remote
	// key works through any crypto.Signer adapter.
	Key crypto.Signer
}

// Certificate is a generated self-signed certificate.
type Certificate struct {
	DER         []byte
	Certificate *x509.Certificate
}

// PEM returns the certificate in PEM form.
func (c *Certificate) PEM() string {
	return DERToPEM(c.DER)
}

// Generator issues self-signed certificates. The clock drives the validity
// window; the entropy source feeds serial numbers and signing.
type Generator struct {
	clock clockwork.Clock
	rand  io.Reader
}

// New returns a Generator on the real clock.
func New() *Generator {
	return NewWithClock(clockwork.NewRealClock())
}

// NewWithClock returns a Generator whose validity windows are anchored to
// the given clock.
func NewWithClock(clock clockwork.Clock) *Generator {
	return &Generator{clock: clock, rand: rand.Reader}
}

// Generate issues a self-signed certificate for the key in params.
func (g *Generator) Generate(params Params) (*Certificate, error) {
	if params.Key == nil {
		return nil, &GenerationError{Message: "no signing key"}
	}
	if params.Subject.CommonName == "" || params.Subject.Organization == "" {
		return nil, &GenerationError{Message: "subject requires both a common name and an organization"}
	}

	validityDays := params.ValidityDays
	if validityDays <= 0 {
		validityDays = DefaultValidityDays
	}

	serial, err := newSerialNumber(g.rand)
	if err != nil {
		return nil, &GenerationError{Message: "generating serial number", Cause: err}
	}

	subject := pkix.Name{
		CommonName:   params.Subject.CommonName,
		Organization: []string{params.Subject.Organization},
	}
	if params.Subject.Country != "" {
		subject.Country = []string{params.Subject.Country}
	}

	notBefore := g.clock.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(time.Duration(validityDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageEmailProtection},
		BasicConstraintsValid: true,
	}
	if params.Subject.Email != "" {
		template.EmailAddresses = []string{params.Subject.Email}
	}

	der, err := x509.CreateCertificate(g.rand, template, template, params.Key.Public(), params.Key)
	if err != nil {
		return nil, &GenerationError{Message: "creating certificate", Cause: err}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &GenerationError{Message: "parsing generated certificate", Cause: err}
	}
	return &Certificate{DER: der, Certificate: cert}, nil
}

// newSerialNumber draws a 128-bit random serial, so serials never collide
// across certificates issued for the same key.
func newSerialNumber(r io.Reader) (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(r, limit)
	if err != nil {
		return nil, err
	}
	if serial.Sign() == 0 {
		serial = big.NewInt(1)
	}
	return serial, nil
}

// DERToPEM renders a DER certificate as a CERTIFICATE PEM block.
func DERToPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// ParsePEM decodes a single CERTIFICATE PEM block back to DER.
func ParsePEM(pemData string) ([]byte, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no CERTIFICATE block found")
	}
	return block.Bytes, nil
}

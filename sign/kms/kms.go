// Package kms defines the external key-management boundary the signing
// pipeline depends on: an asymmetric signing oracle that signs precomputed
// digests and optionally serves the signer's certificate chain.
//
// Implementations live in subpackages (awskms, hsm) and in Local for
// in-process keys. Error classification is part of the contract: every
// failure crossing the boundary is a *SigningError whose Retryable flag
// tells the caller whether trying again can help.
package kms

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
)

// ErrNoCertificateChain is returned by CertificateChain when the boundary
// has no certificate material for the key. Callers fall back to generating
// a self-signed certificate for the key's public part.
var ErrNoCertificateChain = errors.New("no certificate chain available for key")

// ErrUnsupportedSigningAlgorithm indicates an algorithm the boundary or the
// key cannot serve.
var ErrUnsupportedSigningAlgorithm = errors.New("unsupported signing algorithm")

// Algorithm names a signing algorithm family accepted across the boundary.
type Algorithm string

// Supported signing algorithms.
const (
	RSASHA256    Algorithm = "rsa-sha256"
	RSASHA384    Algorithm = "rsa-sha384"
	RSASHA512    Algorithm = "rsa-sha512"
	RSAPSSSHA256 Algorithm = "rsa-pss-sha256"
	RSAPSSSHA384 Algorithm = "rsa-pss-sha384"
	RSAPSSSHA512 Algorithm = "rsa-pss-sha512"
	ECDSASHA256  Algorithm = "ecdsa-sha256"
	ECDSASHA384  Algorithm = "ecdsa-sha384"
	ECDSASHA512  Algorithm = "ecdsa-sha512"
)

// DefaultAlgorithm is used when the caller does not pick one.
const DefaultAlgorithm = RSASHA256

// Hash returns the digest function paired with the algorithm.
func (a Algorithm) Hash() (crypto.Hash, error) {
	switch a {
	case RSASHA256, RSAPSSSHA256, ECDSASHA256:
		return crypto.SHA256, nil
	case RSASHA384, RSAPSSSHA384, ECDSASHA384:
		return crypto.SHA384, nil
	case RSASHA512, RSAPSSSHA512, ECDSASHA512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedSigningAlgorithm, a)
	}
}

// IsPSS reports whether the algorithm uses RSASSA-PSS padding.
func (a Algorithm) IsPSS() bool {
	switch a {
	case RSAPSSSHA256, RSAPSSSHA384, RSAPSSSHA512:
		return true
	}
	return false
}

// IsECDSA reports whether the algorithm is an ECDSA variant.
func (a Algorithm) IsECDSA() bool {
	switch a {
	case ECDSASHA256, ECDSASHA384, ECDSASHA512:
		return true
	}
	return false
}

// Service is the key-management boundary. Sign signs a precomputed digest
// (never a full message) under the named key. CertificateChain returns the
// key's certificate chain leaf-first, or ErrNoCertificateChain.
//
// Implementations classify their failures: any error returned from Sign
// should be (or wrap) a *SigningError so callers can read Retryable.
type Service interface {
	Sign(ctx context.Context, keyID string, digest []byte, algorithm Algorithm) ([]byte, error)
	CertificateChain(ctx context.Context, keyID string) ([]*x509.Certificate, error)
}

// PublicKeyProvider is implemented by boundaries that can serve the public
// half of a key directly. It is the fallback source for self-signed
// certificate generation when no chain is configured.
type PublicKeyProvider interface {
	PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, error)
}

// SigningError wraps a failure from the key-management boundary. Retryable
// distinguishes transient faults (throttling, network) from fatal ones
// (access denied, key not found). The message never includes key material.
type SigningError struct {
	KeyID     string
	Message   string
	Retryable bool
	Cause     error
}

func (e *SigningError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Cause != nil {
		return fmt.Sprintf("signing with key %q failed (%s): %s: %v", e.KeyID, kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("signing with key %q failed (%s): %s", e.KeyID, kind, e.Message)
}

func (e *SigningError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err carries a retryable boundary failure.
// Errors that are not SigningErrors are fatal.
func IsRetryable(err error) bool {
	var se *SigningError
	return errors.As(err, &se) && se.Retryable
}

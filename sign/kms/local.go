package kms

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
)

// Local is an in-process Service backed by a crypto.Signer. It serves keys
// loaded from PEM, DER, or PKCS#12 files and is the default boundary for
// the CLI and for tests.
type Local struct {
	signer crypto.Signer
	chain  []*x509.Certificate
	keyID  string
	rand   io.Reader
}

// NewLocal wraps signer as a Service answering to keyID. chain may be nil;
// CertificateChain then returns ErrNoCertificateChain and callers fall back
// to self-signed certificate generation.
func NewLocal(keyID string, signer crypto.Signer, chain []*x509.Certificate) *Local {
	return &Local{
		signer: signer,
		chain:  chain,
		keyID:  keyID,
		rand:   rand.Reader,
	}
}

// Sign signs the precomputed digest. The digest length must match the
// algorithm's hash size.
func (l *Local) Sign(ctx context.Context, keyID string, digest []byte, algorithm Algorithm) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SigningError{KeyID: keyID, Message: "context cancelled", Retryable: true, Cause: err}
	}
	if keyID != l.keyID {
		return nil, &SigningError{KeyID: keyID, Message: "unknown key", Retryable: false}
	}

	h, err := algorithm.Hash()
	if err != nil {
		return nil, &SigningError{KeyID: keyID, Message: err.Error(), Retryable: false, Cause: err}
	}
	if len(digest) != h.Size() {
		return nil, &SigningError{
			KeyID:     keyID,
			Message:   fmt.Sprintf("digest length %d does not match %v", len(digest), h),
			Retryable: false,
		}
	}

	if err := l.checkKeyType(algorithm); err != nil {
		return nil, &SigningError{KeyID: keyID, Message: err.Error(), Retryable: false, Cause: err}
	}

	var opts crypto.SignerOpts = h
	if algorithm.IsPSS() {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
	}
	sig, err := l.signer.Sign(l.rand, digest, opts)
	if err != nil {
		return nil, &SigningError{KeyID: keyID, Message: "signing operation failed", Retryable: false, Cause: err}
	}
	return sig, nil
}

// CertificateChain returns the configured chain, leaf first.
func (l *Local) CertificateChain(ctx context.Context, keyID string) ([]*x509.Certificate, error) {
	if keyID != l.keyID {
		return nil, &SigningError{KeyID: keyID, Message: "unknown key", Retryable: false}
	}
	if len(l.chain) == 0 {
		return nil, ErrNoCertificateChain
	}
	out := make([]*x509.Certificate, len(l.chain))
	copy(out, l.chain)
	return out, nil
}

// PublicKey implements PublicKeyProvider.
func (l *Local) PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	if keyID != l.keyID {
		return nil, &SigningError{KeyID: keyID, Message: "unknown key", Retryable: false}
	}
	return l.signer.Public(), nil
}

func (l *Local) checkKeyType(algorithm Algorithm) error {
	switch l.signer.Public().(type) {
	case *rsa.PublicKey:
		if algorithm.IsECDSA() {
			return fmt.Errorf("%w: %q requested for an RSA key", ErrUnsupportedSigningAlgorithm, algorithm)
		}
	case *ecdsa.PublicKey:
		if !algorithm.IsECDSA() {
			return fmt.Errorf("%w: %q requested for an ECDSA key", ErrUnsupportedSigningAlgorithm, algorithm)
		}
	default:
		return fmt.Errorf("%w: unsupported key type %T", ErrUnsupportedSigningAlgorithm, l.signer.Public())
	}
	return nil
}

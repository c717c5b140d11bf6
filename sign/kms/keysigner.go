package kms

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"io"
)

// KeySigner adapts a Service key to crypto.Signer so that standard library
// consumers, such as x509.CreateCertificate, can sign with a remote key.
type KeySigner struct {
	ctx     context.Context
	service Service
	keyID   string
	public  crypto.PublicKey
}

// NewKeySigner resolves the key's public half and returns a crypto.Signer
// driving service. The public key comes from the boundary's
// PublicKeyProvider when implemented, otherwise from the leaf of its
// certificate chain. ctx bounds every remote call made through the signer.
func NewKeySigner(ctx context.Context, service Service, keyID string) (*KeySigner, error) {
	if provider, ok := service.(PublicKeyProvider); ok {
		pub, err := provider.PublicKey(ctx, keyID)
		if err != nil {
			return nil, fmt.Errorf("resolving public key for %q: %w", keyID, err)
		}
		return &KeySigner{ctx: ctx, service: service, keyID: keyID, public: pub}, nil
	}

	chain, err := service.CertificateChain(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("resolving public key for %q: %w", keyID, err)
	}
	return &KeySigner{ctx: ctx, service: service, keyID: keyID, public: chain[0].PublicKey}, nil
}

// Public implements crypto.Signer.
func (s *KeySigner) Public() crypto.PublicKey {
	return s.public
}

// Sign implements crypto.Signer by forwarding the digest across the
// boundary. rand is ignored; any randomness lives on the far side.
func (s *KeySigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	algorithm, err := s.algorithmFor(opts)
	if err != nil {
		return nil, err
	}
	return s.service.Sign(s.ctx, s.keyID, digest, algorithm)
}

func (s *KeySigner) algorithmFor(opts crypto.SignerOpts) (Algorithm, error) {
	_, pss := opts.(*rsa.PSSOptions)
	_, ec := s.public.(*ecdsa.PublicKey)
	if _, rsaKey := s.public.(*rsa.PublicKey); !rsaKey && !ec {
		return "", fmt.Errorf("%w: key type %T", ErrUnsupportedSigningAlgorithm, s.public)
	}

	switch opts.HashFunc() {
	case crypto.SHA256:
		switch {
		case ec:
			return ECDSASHA256, nil
		case pss:
			return RSAPSSSHA256, nil
		default:
			return RSASHA256, nil
		}
	case crypto.SHA384:
		switch {
		case ec:
			return ECDSASHA384, nil
		case pss:
			return RSAPSSSHA384, nil
		default:
			return RSASHA384, nil
		}
	case crypto.SHA512:
		switch {
		case ec:
			return ECDSASHA512, nil
		case pss:
			return RSAPSSSHA512, nil
		default:
			return RSASHA512, nil
		}
	}
	return "", fmt.Errorf("%w: hash %v", ErrUnsupportedSigningAlgorithm, opts.HashFunc())
}

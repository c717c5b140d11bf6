// Package keys loads signing credentials from PEM, DER, and PKCS#12 files
// for the in-process key boundary.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"
)

// Common errors.
var (
	ErrNoCertificate  = errors.New("no certificate found")
	ErrNoPrivateKey   = errors.New("no private key found")
	ErrUnknownKeyType = errors.New("unknown private key type")
	ErrInvalidPEM     = errors.New("invalid PEM block")
	ErrDecryptFailed  = errors.New("failed to decrypt private key")
)

// LoadCertificates reads a PEM or DER file holding one or more
// certificates, in file order.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	certs, err := ParseCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return certs, nil
}

// ParseCertificates parses PEM or DER certificate data.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	if !isPEM(data) {
		certs, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("parsing DER certificates: %w", err)
		}
		if len(certs) == 0 {
			return nil, ErrNoCertificate
		}
		return certs, nil
	}

	var certs []*x509.Certificate
	rest := data
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, ErrNoCertificate
	}
	return certs, nil
}

// LoadPrivateKey reads a PEM or DER private key file. passphrase decrypts
// legacy encrypted PEM blocks; pass nil for unencrypted keys.
func LoadPrivateKey(path string, passphrase []byte) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	key, err := ParsePrivateKey(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return key, nil
}

// ParsePrivateKey parses a PEM or DER private key in PKCS#1, SEC 1, or
// PKCS#8 form.
func ParsePrivateKey(data, passphrase []byte) (crypto.Signer, error) {
	if !isPEM(data) {
		return parseDERKey(data)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}

	keyBytes := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
		if passphrase == nil {
			return nil, fmt.Errorf("%w: key is encrypted and no passphrase given", ErrDecryptFailed)
		}
		decrypted, err := x509.DecryptPEMBlock(block, passphrase) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
		}
		keyBytes = decrypted
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(keyBytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(keyBytes)
	case "PRIVATE KEY", "ENCRYPTED PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#8 key: %w", err)
		}
		return asSigner(key)
	default:
		return nil, fmt.Errorf("%w: PEM block %q", ErrUnknownKeyType, block.Type)
	}
}

// LoadPKCS12 reads a PKCS#12 bundle and returns the key plus its
// certificate chain, leaf first.
func LoadPKCS12(path, password string) (crypto.Signer, []*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}

	key, leaf, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding PKCS#12 bundle %s: %w", path, err)
	}
	signer, err := asSigner(key)
	if err != nil {
		return nil, nil, err
	}
	if leaf == nil {
		return nil, nil, ErrNoCertificate
	}
	chain := append([]*x509.Certificate{leaf}, caCerts...)
	return signer, chain, nil
}

// LoadCredential reads a certificate file and a key file as one signing
// credential. The certificate file may carry the whole chain, leaf first.
func LoadCredential(certPath, keyPath string, passphrase []byte) (crypto.Signer, []*x509.Certificate, error) {
	chain, err := LoadCertificates(certPath)
	if err != nil {
		return nil, nil, err
	}
	key, err := LoadPrivateKey(keyPath, passphrase)
	if err != nil {
		return nil, nil, err
	}
	return key, chain, nil
}

func parseDERKey(data []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(data); err == nil {
		return asSigner(key)
	}
	if key, err := x509.ParsePKCS1PrivateKey(data); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(data); err == nil {
		return key, nil
	}
	return nil, ErrNoPrivateKey
}

func asSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKeyType, key)
	}
}

func isPEM(data []byte) bool {
	return len(data) > 10 && string(data[:5]) == "-----"
}

// Package hsm implements the key-management boundary on a PKCS#11 token
// using github.com/miekg/pkcs11.
//
// Unlike a software signer, the token only ever receives the precomputed
// document digest: RSA keys sign a DigestInfo-wrapped digest through the
// raw CKM_RSA_PKCS mechanism, ECDSA keys sign the bare digest and the raw
// r||s output is re-encoded as DER.
package hsm

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/sealpdf/sealpdf/sign/kms"
)

// Token access errors.
var (
	ErrModuleLoad  = errors.New("failed to load PKCS#11 module")
	ErrNoToken     = errors.New("no matching PKCS#11 token found")
	ErrNoKey       = errors.New("private key not found on token")
	ErrNoCert      = errors.New("certificate not found on token")
	ErrMultipleKey = errors.New("multiple private keys match on token")
)

// Config locates the token and the signing objects on it. KeyLabel is the
// default key selector; the keyID passed to Sign overrides it when set.
type Config struct {
	ModulePath string
	TokenLabel string
	PIN        string
	KeyLabel   string
	CertLabel  string
}

// Service implements kms.Service over an open PKCS#11 session. Sessions are
// not safe for concurrent operations, so calls are serialized internally.
type Service struct {
	cfg Config

	mu      sync.Mutex
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
}

// Open loads the module, finds the token by label, opens a session, and
// logs in. Close must be called when done.
func Open(cfg Config) (*Service, error) {
	p := pkcs11.New(cfg.ModulePath)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrModuleLoad, cfg.ModulePath)
	}
	if err := p.Initialize(); err != nil {
		p.Destroy()
		return nil, fmt.Errorf("%w: %v", ErrModuleLoad, err)
	}

	slot, err := findSlot(p, cfg.TokenLabel)
	if err != nil {
		p.Finalize()
		p.Destroy()
		return nil, err
	}

	session, err := p.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		p.Finalize()
		p.Destroy()
		return nil, fmt.Errorf("opening PKCS#11 session: %w", err)
	}
	if cfg.PIN != "" {
		if err := p.Login(session, pkcs11.CKU_USER, cfg.PIN); err != nil {
			p.CloseSession(session)
			p.Finalize()
			p.Destroy()
			return nil, fmt.Errorf("PKCS#11 login: %w", err)
		}
	}

	return &Service{cfg: cfg, ctx: p, session: session}, nil
}

// Close logs out and releases the module.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return nil
	}
	err := s.ctx.CloseSession(s.session)
	s.ctx.Finalize()
	s.ctx.Destroy()
	s.ctx = nil
	return err
}

// Sign signs the precomputed digest with the token key named by keyID (the
// key label; empty means the configured default).
func (s *Service) Sign(ctx context.Context, keyID string, digest []byte, algorithm kms.Algorithm) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &kms.SigningError{KeyID: keyID, Message: "context cancelled", Retryable: true, Cause: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	label := keyID
	if label == "" {
		label = s.cfg.KeyLabel
	}
	key, err := s.findPrivateKey(label)
	if err != nil {
		return nil, &kms.SigningError{KeyID: keyID, Message: err.Error(), Retryable: false, Cause: err}
	}

	mech, payload, err := mechanismFor(algorithm, digest)
	if err != nil {
		return nil, &kms.SigningError{KeyID: keyID, Message: err.Error(), Retryable: false, Cause: err}
	}

	if err := s.ctx.SignInit(s.session, []*pkcs11.Mechanism{mech}, key); err != nil {
		return nil, &kms.SigningError{KeyID: keyID, Message: "SignInit failed", Retryable: false, Cause: err}
	}
	sig, err := s.ctx.Sign(s.session, payload)
	if err != nil {
		return nil, &kms.SigningError{KeyID: keyID, Message: "Sign failed", Retryable: false, Cause: err}
	}

	if algorithm.IsECDSA() {
		sig, err = ecdsaRawToDER(sig)
		if err != nil {
			return nil, &kms.SigningError{KeyID: keyID, Message: "encoding ECDSA signature", Retryable: false, Cause: err}
		}
	}
	return sig, nil
}

// CertificateChain returns the certificates stored on the token under the
// configured certificate label (or the key label when unset), leaf first.
func (s *Service) CertificateChain(ctx context.Context, keyID string) ([]*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	label := s.cfg.CertLabel
	if label == "" {
		label = keyID
	}
	if label == "" {
		label = s.cfg.KeyLabel
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}
	if label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}

	handles, err := s.findObjects(template)
	if err != nil {
		return nil, err
	}
	if len(handles) == 0 {
		return nil, kms.ErrNoCertificateChain
	}

	var chain []*x509.Certificate
	for _, h := range handles {
		attrs, err := s.ctx.GetAttributeValue(s.session, h, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		})
		if err != nil || len(attrs) == 0 || len(attrs[0].Value) == 0 {
			continue
		}
		cert, err := x509.ParseCertificate(attrs[0].Value)
		if err != nil {
			continue
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: label=%q", ErrNoCert, label)
	}
	return chain, nil
}

func (s *Service) findPrivateKey(label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
	}
	if label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}

	handles, err := s.findObjects(template)
	if err != nil {
		return 0, err
	}
	switch len(handles) {
	case 0:
		return 0, fmt.Errorf("%w: label=%q", ErrNoKey, label)
	case 1:
		return handles[0], nil
	default:
		return 0, fmt.Errorf("%w: label=%q", ErrMultipleKey, label)
	}
}

func (s *Service) findObjects(template []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	if err := s.ctx.FindObjectsInit(s.session, template); err != nil {
		return nil, fmt.Errorf("FindObjectsInit: %w", err)
	}
	defer s.ctx.FindObjectsFinal(s.session)

	var all []pkcs11.ObjectHandle
	for {
		handles, _, err := s.ctx.FindObjects(s.session, 16)
		if err != nil {
			return nil, fmt.Errorf("FindObjects: %w", err)
		}
		if len(handles) == 0 {
			return all, nil
		}
		all = append(all, handles...)
	}
}

func findSlot(p *pkcs11.Ctx, tokenLabel string) (uint, error) {
	slots, err := p.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("listing PKCS#11 slots: %w", err)
	}
	for _, slot := range slots {
		info, err := p.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if tokenLabel == "" || strings.TrimSpace(info.Label) == tokenLabel {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("%w: label=%q", ErrNoToken, tokenLabel)
}

// digestInfoPrefixes are the DER prefixes that turn a bare digest into a
// DigestInfo structure for raw CKM_RSA_PKCS signing.
var digestInfoPrefixes = map[kms.Algorithm][]byte{
	kms.RSASHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	kms.RSASHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	kms.RSASHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

var pssParams = map[kms.Algorithm]struct {
	hash uint
	mgf  uint
	salt uint
}{
	kms.RSAPSSSHA256: {pkcs11.CKM_SHA256, pkcs11.CKG_MGF1_SHA256, 32},
	kms.RSAPSSSHA384: {pkcs11.CKM_SHA384, pkcs11.CKG_MGF1_SHA384, 48},
	kms.RSAPSSSHA512: {pkcs11.CKM_SHA512, pkcs11.CKG_MGF1_SHA512, 64},
}

func mechanismFor(algorithm kms.Algorithm, digest []byte) (*pkcs11.Mechanism, []byte, error) {
	switch {
	case algorithm.IsECDSA():
		return pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil), digest, nil
	case algorithm.IsPSS():
		p, ok := pssParams[algorithm]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %q", kms.ErrUnsupportedSigningAlgorithm, algorithm)
		}
		params := pkcs11.NewPSSParams(p.hash, p.mgf, p.salt)
		return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, params), digest, nil
	default:
		prefix, ok := digestInfoPrefixes[algorithm]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %q", kms.ErrUnsupportedSigningAlgorithm, algorithm)
		}
		return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), append(append([]byte{}, prefix...), digest...), nil
	}
}

// ecdsaRawToDER converts the token's fixed-width r||s output into the DER
// SEQUENCE form expected inside CMS.
func ecdsaRawToDER(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("raw ECDSA signature has odd length %d", len(raw))
	}
	half := len(raw) / 2
	sig := struct {
		R, S *big.Int
	}{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	}
	return asn1.Marshal(sig)
}

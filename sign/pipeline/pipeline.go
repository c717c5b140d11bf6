// Package pipeline sequences a complete PDF signing operation: reserve a
// placeholder revision, compute the byte range and document digest, sign
// across the key-management boundary, wrap the signature in detached CMS,
// and splice it into the reserved span.
//
// The pipeline is strictly linear and makes exactly one signing attempt per
// call; retry policy belongs to the caller, guided by kms.IsRetryable.
package pipeline

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/sealpdf/sealpdf/pdf/byterange"
	"github.com/sealpdf/sealpdf/pdf/increment"
	"github.com/sealpdf/sealpdf/sign/certgen"
	"github.com/sealpdf/sealpdf/sign/cms"
	"github.com/sealpdf/sealpdf/sign/digest"
	"github.com/sealpdf/sealpdf/sign/kms"
	"github.com/sealpdf/sealpdf/sign/sigdict"
)

// DefaultBytesReserved is the default /Contents placeholder capacity. It
// comfortably fits an RSA-4096 CMS structure with a few chain certificates.
const DefaultBytesReserved = 12 * 1024

// Pipeline step names, used in error context and logs.
const (
	StepReserve      = "reserve"
	StepDigest       = "digest"
	StepCertificates = "certificates"
	StepExternalSign = "external-sign"
	StepWrapCMS      = "wrap-cms"
	StepFinalize     = "finalize"
)

// ErrNoSigner indicates a missing signer name.
var ErrNoSigner = errors.New("signer name is required")

// StepError reports which pipeline step failed. It always wraps the
// underlying cause; key material never appears in the message.
type StepError struct {
	Step        string
	OperationID string
	Cause       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("signing operation %s failed at step %s: %v", e.OperationID, e.Step, e.Cause)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

// Options configures a Pipeline. Service is required; everything else has a
// working default.
type Options struct {
	// Service is the key-management boundary used for signing and
	// certificate material.
	Service kms.Service

	// Algorithm selects the signing algorithm family. Defaults to
	// kms.DefaultAlgorithm.
	Algorithm kms.Algorithm

	// BytesReserved is the /Contents placeholder capacity in bytes.
	// Defaults to DefaultBytesReserved.
	BytesReserved int

	// SelfSignSubject seeds the self-signed certificate generated when the
	// boundary has no chain for the key. Empty fields fall back to the
	// signer's name.
	SelfSignSubject certgen.Subject

	// ValidityDays bounds the self-signed certificate's validity window.
	ValidityDays int

	// Clock supplies the signing timestamp. Defaults to the real clock.
	Clock clockwork.Clock

	// Logger receives step-level progress. Defaults to slog.Default().
	Logger *slog.Logger
}

// SignerInfo is the signer metadata supplied by the calling context. Name
// is required; Email lands in /ContactInfo unless ContactInfo is set.
type SignerInfo struct {
	Name        string
	Email       string
	Location    string
	Reason      string
	ContactInfo string
}

// Result is a completed signing operation.
type Result struct {
	// Pdf is the fully signed document.
	Pdf []byte

	// ByteRange is the range covered by the signature digest.
	ByteRange byterange.ByteRange

	// Dictionary is the final signature dictionary as embedded in Pdf.
	Dictionary *sigdict.Dictionary

	// SignedDataDER is the CMS structure carried in /Contents.
	SignedDataDER []byte

	// OperationID correlates logs and errors for this operation.
	OperationID string

	// SignedAt is the timestamp recorded in /M and the CMS signingTime.
	SignedAt time.Time
}

// Pipeline signs PDFs. Safe for concurrent use: every operation allocates
// its own buffers.
type Pipeline struct {
	service       kms.Service
	algorithm     kms.Algorithm
	bytesReserved int
	subject       certgen.Subject
	validityDays  int
	clock         clockwork.Clock
	logger        *slog.Logger
	generator     *certgen.Generator
}

// New validates options and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Service == nil {
		return nil, errors.New("pipeline requires a key-management service")
	}
	if opts.Algorithm == "" {
		opts.Algorithm = kms.DefaultAlgorithm
	}
	if _, err := opts.Algorithm.Hash(); err != nil {
		return nil, err
	}
	if opts.BytesReserved <= 0 {
		opts.BytesReserved = DefaultBytesReserved
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		service:       opts.Service,
		algorithm:     opts.Algorithm,
		bytesReserved: opts.BytesReserved,
		subject:       opts.SelfSignSubject,
		validityDays:  opts.ValidityDays,
		clock:         opts.Clock,
		logger:        opts.Logger,
		generator:     certgen.NewWithClock(opts.Clock),
	}, nil
}

// Sign runs the full pipeline over pdf. A failure at any step discards all
// intermediate buffers; callers get either a complete signed document or a
// typed error, never a partial file.
func (p *Pipeline) Sign(ctx context.Context, pdf []byte, signer SignerInfo, keyID string) (*Result, error) {
	opID := uuid.NewString()
	if signer.Name == "" {
		return nil, &StepError{Step: StepReserve, OperationID: opID, Cause: ErrNoSigner}
	}

	log := p.logger.With(
		slog.String("operation_id", opID),
		slog.String("key_id", keyID),
		slog.String("algorithm", string(p.algorithm)),
		slog.Int("document_bytes", len(pdf)),
	)
	log.Info("signing started")

	signedAt := p.clock.Now().UTC().Truncate(time.Second)
	meta := sigdict.Meta{
		Timestamp:   signedAt,
		Name:        signer.Name,
		Location:    signer.Location,
		Reason:      signer.Reason,
		ContactInfo: signer.ContactInfo,
	}
	if meta.ContactInfo == "" {
		meta.ContactInfo = signer.Email
	}

	placeholder, err := sigdict.BuildPlaceholder(meta, p.bytesReserved)
	if err != nil {
		return nil, &StepError{Step: StepReserve, OperationID: opID, Cause: err}
	}
	reservation, err := increment.Reserve(pdf, placeholder)
	if err != nil {
		return nil, &StepError{Step: StepReserve, OperationID: opID, Cause: err}
	}
	log.Debug("placeholder reserved",
		slog.Int("object_number", reservation.ObjectNumber),
		slog.Int("capacity_bytes", reservation.Capacity),
	)

	hashFunc, err := p.algorithm.Hash()
	if err != nil {
		return nil, &StepError{Step: StepDigest, OperationID: opID, Cause: err}
	}
	algorithmName, err := digest.NameFor(hashFunc)
	if err != nil {
		return nil, &StepError{Step: StepDigest, OperationID: opID, Cause: err}
	}
	docDigest, err := digest.Compute(reservation.Pdf, reservation.ByteRange, algorithmName)
	if err != nil {
		return nil, &StepError{Step: StepDigest, OperationID: opID, Cause: err}
	}

	chain, err := p.certificateChain(ctx, keyID, signer)
	if err != nil {
		return nil, &StepError{Step: StepCertificates, OperationID: opID, Cause: err}
	}

	builder, err := cms.NewBuilder(chain, p.algorithm, signedAt)
	if err != nil {
		return nil, &StepError{Step: StepWrapCMS, OperationID: opID, Cause: err}
	}
	signedDataDER, err := builder.BuildDetached(docDigest, func(attrDigest []byte) ([]byte, error) {
		return p.service.Sign(ctx, keyID, attrDigest, p.algorithm)
	})
	if err != nil {
		step := StepWrapCMS
		var se *kms.SigningError
		if errors.As(err, &se) {
			step = StepExternalSign
		}
		return nil, &StepError{Step: step, OperationID: opID, Cause: err}
	}

	signed, err := reservation.Finalize(signedDataDER)
	if err != nil {
		return nil, &StepError{Step: StepFinalize, OperationID: opID, Cause: err}
	}

	dict, err := sigdict.Build(sigdict.Params{
		Meta:          meta,
		SignedDataDER: signedDataDER,
		ByteRange:     reservation.ByteRange,
		Capacity:      reservation.Capacity,
	})
	if err != nil {
		return nil, &StepError{Step: StepFinalize, OperationID: opID, Cause: err}
	}

	log.Info("signing completed",
		slog.Int("signed_bytes", len(signed)),
		slog.Int("cms_bytes", len(signedDataDER)),
		slog.Time("signed_at", signedAt),
	)
	return &Result{
		Pdf:           signed,
		ByteRange:     reservation.ByteRange,
		Dictionary:    dict,
		SignedDataDER: signedDataDER,
		OperationID:   opID,
		SignedAt:      signedAt,
	}, nil
}

// certificateChain resolves the signer chain from the boundary, generating
// a self-signed certificate when the boundary has none.
func (p *Pipeline) certificateChain(ctx context.Context, keyID string, signer SignerInfo) ([]*x509.Certificate, error) {
	chain, err := p.service.CertificateChain(ctx, keyID)
	if err == nil {
		if len(chain) == 0 {
			return nil, cms.ErrMissingCertificate
		}
		return chain, nil
	}
	if !errors.Is(err, kms.ErrNoCertificateChain) {
		return nil, err
	}

	keySigner, err := kms.NewKeySigner(ctx, p.service, keyID)
	if err != nil {
		return nil, err
	}

	subject := p.subject
	if subject.CommonName == "" {
		subject.CommonName = signer.Name
	}
	if subject.Organization == "" {
		subject.Organization = signer.Name
	}
	if subject.Email == "" {
		subject.Email = signer.Email
	}

	cert, err := p.generator.Generate(certgen.Params{
		Subject:      subject,
		ValidityDays: p.validityDays,
		Key:          keySigner,
	})
	if err != nil {
		return nil, err
	}
	return []*x509.Certificate{cert.Certificate}, nil
}

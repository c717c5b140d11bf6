// Package awskms implements the key-management boundary on AWS KMS.
//
// KMS signs precomputed digests (MessageTypeDigest) and never sees document
// bytes. KMS stores no certificates, so CertificateChain always reports
// ErrNoCertificateChain and callers pair the key with a configured or
// self-signed certificate built from GetPublicKey output.
package awskms

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"

	"github.com/sealpdf/sealpdf/sign/kms"
)

// Client is the subset of the AWS KMS API the boundary uses. The concrete
// *kms.Client satisfies it; tests substitute a stub.
type Client interface {
	Sign(ctx context.Context, params *awskms.SignInput, optFns ...func(*awskms.Options)) (*awskms.SignOutput, error)
	GetPublicKey(ctx context.Context, params *awskms.GetPublicKeyInput, optFns ...func(*awskms.Options)) (*awskms.GetPublicKeyOutput, error)
}

// Service implements kms.Service over an AWS KMS client.
type Service struct {
	client Client
}

// New wraps an AWS KMS client as a signing boundary.
func New(client Client) *Service {
	return &Service{client: client}
}

// Sign submits the digest to KMS under the named key.
func (s *Service) Sign(ctx context.Context, keyID string, digest []byte, algorithm kms.Algorithm) ([]byte, error) {
	spec, err := signingAlgorithmSpec(algorithm)
	if err != nil {
		return nil, &kms.SigningError{KeyID: keyID, Message: err.Error(), Retryable: false, Cause: err}
	}

	out, err := s.client.Sign(ctx, &awskms.SignInput{
		KeyId:            &keyID,
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: spec,
	})
	if err != nil {
		return nil, classify(keyID, "Sign", err)
	}
	if len(out.Signature) == 0 {
		return nil, &kms.SigningError{KeyID: keyID, Message: "KMS returned an empty signature", Retryable: true}
	}
	return out.Signature, nil
}

// CertificateChain always reports that KMS holds no certificate material.
func (s *Service) CertificateChain(ctx context.Context, keyID string) ([]*x509.Certificate, error) {
	return nil, kms.ErrNoCertificateChain
}

// PublicKey implements kms.PublicKeyProvider via GetPublicKey.
func (s *Service) PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	out, err := s.client.GetPublicKey(ctx, &awskms.GetPublicKeyInput{KeyId: &keyID})
	if err != nil {
		return nil, classify(keyID, "GetPublicKey", err)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, &kms.SigningError{KeyID: keyID, Message: "parsing KMS public key", Retryable: false, Cause: err}
	}
	return pub, nil
}

func signingAlgorithmSpec(algorithm kms.Algorithm) (types.SigningAlgorithmSpec, error) {
	switch algorithm {
	case kms.RSASHA256:
		return types.SigningAlgorithmSpecRsassaPkcs1V15Sha256, nil
	case kms.RSASHA384:
		return types.SigningAlgorithmSpecRsassaPkcs1V15Sha384, nil
	case kms.RSASHA512:
		return types.SigningAlgorithmSpecRsassaPkcs1V15Sha512, nil
	case kms.RSAPSSSHA256:
		return types.SigningAlgorithmSpecRsassaPssSha256, nil
	case kms.RSAPSSSHA384:
		return types.SigningAlgorithmSpecRsassaPssSha384, nil
	case kms.RSAPSSSHA512:
		return types.SigningAlgorithmSpecRsassaPssSha512, nil
	case kms.ECDSASHA256:
		return types.SigningAlgorithmSpecEcdsaSha256, nil
	case kms.ECDSASHA384:
		return types.SigningAlgorithmSpecEcdsaSha384, nil
	case kms.ECDSASHA512:
		return types.SigningAlgorithmSpecEcdsaSha512, nil
	default:
		return "", fmt.Errorf("%w: %q", kms.ErrUnsupportedSigningAlgorithm, algorithm)
	}
}

// classify maps an AWS failure onto the boundary's retryable/fatal split.
// Throttling, internal faults, and timeouts are worth retrying; access and
// key-state problems are not.
func classify(keyID, op string, err error) *kms.SigningError {
	retryable := false
	message := fmt.Sprintf("KMS %s failed", op)

	var apiErr smithy.APIError
	switch {
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "KMSInternalException", "DependencyTimeoutException", "KeyUnavailableException":
			retryable = true
		}
		message = fmt.Sprintf("KMS %s failed with %s", op, apiErr.ErrorCode())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		retryable = true
	}

	return &kms.SigningError{KeyID: keyID, Message: message, Retryable: retryable, Cause: err}
}

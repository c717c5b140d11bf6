// Package digest computes document digests over signature byte ranges.
package digest

import (
	"crypto"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"

	"github.com/sealpdf/sealpdf/pdf/byterange"
)

// ErrUnsupportedAlgorithm indicates an unrecognized digest algorithm name.
var ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")

// Supported digest algorithm names.
const (
	SHA256 = "sha256"
	SHA384 = "sha384"
	SHA512 = "sha512"
)

// DefaultAlgorithm is the digest used when the caller does not specify one.
// Note: some TSAs and older verifiers mishandle SHA-512; SHA-256 is a safe
// default.
const DefaultAlgorithm = SHA256

// New returns a fresh hash for the named algorithm.
func New(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

// HashFunc maps an algorithm name to the corresponding crypto.Hash.
func HashFunc(algorithm string) (crypto.Hash, error) {
	switch algorithm {
	case SHA256:
		return crypto.SHA256, nil
	case SHA384:
		return crypto.SHA384, nil
	case SHA512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

// NameFor maps a crypto.Hash back to its algorithm name.
func NameFor(h crypto.Hash) (string, error) {
	switch h {
	case crypto.SHA256:
		return SHA256, nil
	case crypto.SHA384:
		return SHA384, nil
	case crypto.SHA512:
		return SHA512, nil
	default:
		return "", fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, h)
	}
}

// Compute hashes the two spans named by the byte range, in order, and
// returns the digest. The placeholder region between the spans is never fed
// to the hash. The function is pure: identical inputs yield identical
// output.
func Compute(pdf []byte, br byterange.ByteRange, algorithm string) ([]byte, error) {
	h, err := New(algorithm)
	if err != nil {
		return nil, err
	}
	if err := br.Validate(int64(len(pdf))); err != nil {
		return nil, err
	}
	h.Write(pdf[br[0] : br[0]+br[1]])
	h.Write(pdf[br[2] : br[2]+br[3]])
	return h.Sum(nil), nil
}

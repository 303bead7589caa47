package internal

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DigestSize is the length in bytes of a content digest (SHA-1)
const DigestSize = sha1.Size

// ErrDigestMismatch is wrapped by every failed digest comparison
var ErrDigestMismatch = errors.New("digest mismatch")

// Digest identifies exact file content
type Digest [DigestSize]byte

// String returns the lowercase hex form of the digest
func (d Digest) String() string {
	return BytesToHex(d[:])
}

// Short returns the first 8 hex characters, for log lines
func (d Digest) Short() string {
	return d.String()[:8]
}

// IsZero reports whether the digest is all zero bytes
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ComputeDigest hashes data
func ComputeDigest(data []byte) Digest {
	return Digest(sha1.Sum(data))
}

// DigestReader hashes everything readable from r
func DigestReader(r io.Reader) (Digest, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// DigestMismatchError reports content that does not hash to what was expected
type DigestMismatchError struct {
	Expected Digest
	Actual   Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, got %s", e.Expected, e.Actual)
}

func (e *DigestMismatchError) Unwrap() error {
	return ErrDigestMismatch
}

// VerifyDigest checks that data hashes to expected
func VerifyDigest(data []byte, expected Digest) error {
	actual := ComputeDigest(data)
	if actual != expected {
		return &DigestMismatchError{Expected: expected, Actual: actual}
	}
	return nil
}

// ParseDigest decodes a digest written either as hex or as base64
func ParseDigest(s string) (Digest, error) {
	var d Digest
	s = strings.TrimSpace(s)

	if len(s) == DigestSize*2 {
		raw, err := HexToBytes(s)
		if err == nil {
			copy(d[:], raw)
			return d, nil
		}
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		raw, err := enc.DecodeString(s)
		if err == nil && len(raw) == DigestSize {
			copy(d[:], raw)
			return d, nil
		}
	}

	return d, fmt.Errorf("invalid digest %q: want %d bytes as hex or base64", s, DigestSize)
}

package biometric

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

var ErrInvalidReference = errors.New("invalid biometric reference format")

// Params are the argon2id cost parameters for reference derivation
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams balances derivation cost against verification latency on the
// authority's hot path
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024,
		Iterations:  2,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Reference is an enrolled biometric template in derived form. The raw
// template never leaves enrolment; only this derivation is stored.
type Reference struct {
	Hash      string `json:"hash"`
	Salt      string `json:"salt"`
	Algorithm string `json:"algorithm"`
}

// Matcher is the protocol envelope around the second factor: it enrols a
// template into a stored reference and verifies later assertions against it.
// The sensor's own matching algorithm is out of scope; what arrives here is
// an opaque assertion string that must reproduce the enrolled template.
type Matcher struct {
	params Params
}

// NewMatcher creates a matcher with the given cost parameters
func NewMatcher(params Params) *Matcher {
	return &Matcher{params: params}
}

// Enroll derives the stored reference for a raw template
func (m *Matcher) Enroll(template string) (*Reference, error) {
	salt := make([]byte, m.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey(
		[]byte(template),
		salt,
		m.params.Iterations,
		m.params.Memory,
		m.params.Parallelism,
		m.params.KeyLength,
	)

	return &Reference{
		Hash:      base64.RawURLEncoding.EncodeToString(hash),
		Salt:      base64.RawURLEncoding.EncodeToString(salt),
		Algorithm: "argon2id-v1",
	}, nil
}

// Verify checks an assertion against the enrolled reference in constant time
func (m *Matcher) Verify(assertion string, ref *Reference) (bool, error) {
	if ref == nil {
		return false, ErrInvalidReference
	}

	salt, err := base64.RawURLEncoding.DecodeString(ref.Salt)
	if err != nil {
		return false, ErrInvalidReference
	}
	expected, err := base64.RawURLEncoding.DecodeString(ref.Hash)
	if err != nil {
		return false, ErrInvalidReference
	}

	computed := argon2.IDKey(
		[]byte(assertion),
		salt,
		m.params.Iterations,
		m.params.Memory,
		m.params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/gatehouse/internal/util"
)

// HashAlgorithm names a supported password hashing scheme.
type HashAlgorithm string

const (
	HashBcrypt   HashAlgorithm = "bcrypt"
	HashArgon2id HashAlgorithm = "argon2id"
	// hashLegacy is a stored value that is not a recognised hash: a
	// plain-text secret left over from before hashing was introduced.
	hashLegacy HashAlgorithm = "legacy"
)

// ParseHashAlgorithm converts a configuration value to a HashAlgorithm.
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	switch HashAlgorithm(s) {
	case HashBcrypt, HashArgon2id:
		return HashAlgorithm(s), nil
	default:
		return "", fmt.Errorf("unknown hash algorithm %q", s)
	}
}

// DetectHashAlgorithm identifies the algorithm tag of a stored value.
func DetectHashAlgorithm(stored string) HashAlgorithm {
	switch {
	case strings.HasPrefix(stored, "$2a$"), strings.HasPrefix(stored, "$2b$"), strings.HasPrefix(stored, "$2y$"):
		return HashBcrypt
	case strings.HasPrefix(stored, util.Argon2idPrefix):
		return HashArgon2id
	default:
		return hashLegacy
	}
}

// Verification is the result of PasswordVerifier.Verify.
type Verification struct {
	Matched bool
	// NeedsRehash asks the caller to persist a fresh hash of the presented
	// secret. It is only ever set together with Matched.
	NeedsRehash bool
}

// PasswordVerifier checks presented secrets against stored hashes and
// produces new hashes in the preferred algorithm.
type PasswordVerifier struct {
	algorithm  HashAlgorithm
	bcryptCost int
	argon      util.Argon2idParams
	dummyHash  string
}

// VerifierOption configures a PasswordVerifier.
type VerifierOption func(*PasswordVerifier)

// WithHashAlgorithm selects the algorithm used for new hashes.
func WithHashAlgorithm(alg HashAlgorithm) VerifierOption {
	return func(v *PasswordVerifier) {
		v.algorithm = alg
	}
}

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) VerifierOption {
	return func(v *PasswordVerifier) {
		v.bcryptCost = cost
	}
}

// WithArgon2idParams overrides the argon2id parameters for new hashes.
func WithArgon2idParams(p util.Argon2idParams) VerifierOption {
	return func(v *PasswordVerifier) {
		v.argon = p
	}
}

// NewPasswordVerifier creates a verifier. It precomputes a dummy hash so
// that lookups for unknown users cost as much as a real comparison.
func NewPasswordVerifier(opts ...VerifierOption) (*PasswordVerifier, error) {
	v := &PasswordVerifier{
		algorithm:  HashBcrypt,
		bcryptCost: bcrypt.DefaultCost,
		argon:      util.DefaultArgon2idParams(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.algorithm != HashBcrypt && v.algorithm != HashArgon2id {
		return nil, fmt.Errorf("unknown hash algorithm %q", v.algorithm)
	}
	dummy, err := util.RandomToken(24)
	if err != nil {
		return nil, err
	}
	v.dummyHash, err = v.Hash(dummy)
	if err != nil {
		return nil, fmt.Errorf("computing dummy hash: %w", err)
	}
	return v, nil
}

// Algorithm returns the algorithm used for new hashes.
func (v *PasswordVerifier) Algorithm() HashAlgorithm {
	return v.algorithm
}

// Hash returns a new algorithm-tagged hash of secret.
func (v *PasswordVerifier) Hash(secret string) (string, error) {
	normalized := util.Normalize(secret)
	switch v.algorithm {
	case HashArgon2id:
		return util.EncodeArgon2id(normalized, v.argon)
	default:
		h, err := bcrypt.GenerateFromPassword([]byte(normalized), v.bcryptCost)
		if err != nil {
			return "", err
		}
		return string(h), nil
	}
}

// Verify checks presented against stored.
//
// Recognised hashes go through their library's compare primitive. Any other
// stored value is treated as a legacy plain-text secret and compared in
// constant time; a legacy match sets NeedsRehash so the caller replaces it.
// A match against a hash in a non-preferred algorithm also sets NeedsRehash.
func (v *PasswordVerifier) Verify(presented, stored string) Verification {
	normalized := util.Normalize(presented)
	alg := DetectHashAlgorithm(stored)
	var matched bool
	switch alg {
	case HashBcrypt:
		err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(normalized))
		matched = err == nil
	case HashArgon2id:
		ok, err := util.CompareArgon2id(normalized, stored)
		matched = err == nil && ok
	default:
		if stored == "" {
			// An empty stored value never matches; do the work anyway.
			v.DummyVerify(presented)
			return Verification{}
		}
		matched = subtle.ConstantTimeCompare([]byte(normalized), []byte(util.Normalize(stored))) == 1
	}
	if !matched {
		return Verification{}
	}
	return Verification{Matched: true, NeedsRehash: alg != v.algorithm}
}

// DummyVerify performs a comparison against a throwaway hash. It is used
// when there is no user to verify against so that response timing does not
// reveal whether the username exists.
func (v *PasswordVerifier) DummyVerify(presented string) {
	normalized := util.Normalize(presented)
	switch v.algorithm {
	case HashArgon2id:
		_, _ = util.CompareArgon2id(normalized, v.dummyHash)
	default:
		_ = bcrypt.CompareHashAndPassword([]byte(v.dummyHash), []byte(normalized))
	}
}

// Password policy violations returned by ValidatePassword.
var (
	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordTooLong  = errors.New("password too long")
)

const (
	// MinPasswordLength is enforced for new passwords.
	MinPasswordLength = 8
	// MaxPasswordBytes bounds the work a single hash may cost.
	MaxPasswordBytes = 1024

	// bcrypt ignores input past 72 bytes.
	bcryptMaxBytes = 72
)

// ValidatePassword enforces the algorithm-independent policy for newly
// chosen secrets. PasswordVerifier.Validate adds the limits of the
// configured algorithm.
func ValidatePassword(secret string) error {
	if len([]rune(secret)) < MinPasswordLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrPasswordTooShort, MinPasswordLength)
	}
	if len(secret) > MaxPasswordBytes {
		return fmt.Errorf("%w: must be at most %d bytes", ErrPasswordTooLong, MaxPasswordBytes)
	}
	return nil
}

// Validate applies ValidatePassword and, for bcrypt, rejects secrets whose
// normalised form would be truncated by the hash.
func (v *PasswordVerifier) Validate(secret string) error {
	if err := ValidatePassword(secret); err != nil {
		return err
	}
	if v.algorithm == HashBcrypt && len(util.Normalize(secret)) > bcryptMaxBytes {
		return fmt.Errorf("%w: must be at most %d bytes", ErrPasswordTooLong, bcryptMaxBytes)
	}
	return nil
}

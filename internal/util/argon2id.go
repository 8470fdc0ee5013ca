package util

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2idPrefix tags PHC-formatted argon2id hashes.
const Argon2idPrefix = "$argon2id$"

type Argon2idParams struct {
	Time        uint32 `json:"time" toml:"time"`
	MemoryKiB   uint32 `json:"memory" toml:"memory"`
	Parallelism uint8  `json:"parallelism" toml:"parallelism"`
	KeyLen      uint32 `json:"key_len" toml:"key_len"`
	SaltLen     uint32 `json:"salt_len" toml:"salt_len"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      32,
		SaltLen:     16,
	}
}

func DeriveArgon2idKey(secret string, salt []byte, params Argon2idParams) ([]byte, error) {
	if params.KeyLen < 16 {
		return nil, fmt.Errorf("argon2id key length must be at least 16 bytes")
	}
	key := argon2.IDKey([]byte(secret), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	return key, nil
}

// EncodeArgon2id hashes secret with a fresh random salt and returns the PHC
// string form: $argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>.
func EncodeArgon2id(secret string, params Argon2idParams) (string, error) {
	salt, err := RandomBytes(int(params.SaltLen))
	if err != nil {
		return "", err
	}
	key, err := DeriveArgon2idKey(secret, salt, params)
	if err != nil {
		return "", err
	}
	defer Wipe(key)
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		Argon2idPrefix, argon2.Version,
		params.MemoryKiB, params.Time, params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// DecodeArgon2id parses a PHC argon2id string into its parameters, salt and key.
func DecodeArgon2id(encoded string) (Argon2idParams, []byte, []byte, error) {
	var params Argon2idParams
	parts := strings.Split(encoded, "$")
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	if len(parts) != 6 || parts[1] != "argon2id" {
		return params, nil, nil, fmt.Errorf("malformed argon2id hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return params, nil, nil, fmt.Errorf("parsing argon2id version: %w", err)
	}
	if version != argon2.Version {
		return params, nil, nil, fmt.Errorf("unsupported argon2id version %d", version)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.MemoryKiB, &params.Time, &params.Parallelism); err != nil {
		return params, nil, nil, fmt.Errorf("parsing argon2id parameters: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, fmt.Errorf("decoding argon2id salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return params, nil, nil, fmt.Errorf("decoding argon2id key: %w", err)
	}
	params.SaltLen = uint32(len(salt))
	params.KeyLen = uint32(len(key))
	return params, salt, key, nil
}

// CompareArgon2id reports whether secret matches the PHC-encoded hash.
func CompareArgon2id(secret, encoded string) (bool, error) {
	params, salt, expected, err := DecodeArgon2id(encoded)
	if err != nil {
		return false, err
	}
	key, err := DeriveArgon2idKey(secret, salt, params)
	if err != nil {
		return false, err
	}
	defer Wipe(key)
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

package config

import (
	"fmt"

	"github.com/alexedwards/argon2id"
)

// argon2idParams matches OWASP's minimum Argon2id recommendation: 47 MiB
// memory, 1 iteration, 1 degree of parallelism.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashToken returns an Argon2id PHC-format hash of a raw control-plane
// bearer token, for storing in TokenConfig.Hash.
func HashToken(rawToken string) (string, error) {
	return argon2id.CreateHash(rawToken, argon2idParams)
}

// VerifyToken checks rawToken against a stored PHC-format hash, recovering
// from the underlying library's panic on malformed hash parameters so a
// corrupt config entry denies access instead of crashing the process.
func VerifyToken(rawToken, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("config: invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawToken, storedHash)
}

package store

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize    = 16
	hashTime    = 2
	hashMemory  = 19 * 1024 // KiB
	hashThreads = 1
	hashKeyLen  = 32
)

// HashPassword derives an argon2id key from pass with a fresh random salt.
func HashPassword(pass string) (hash, salt []byte, err error) {
	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generate salt: %w", err)
	}
	return derive(pass, salt), salt, nil
}

// CheckPassword reports whether pass matches hash under salt.
func CheckPassword(pass string, hash, salt []byte) bool {
	return subtle.ConstantTimeCompare(derive(pass, salt), hash) == 1
}

func derive(pass string, salt []byte) []byte {
	return argon2.IDKey([]byte(pass), salt, hashTime, hashMemory, hashThreads, hashKeyLen)
}

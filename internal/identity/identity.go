// Package identity derives participant identifiers and room passphrase
// digests. Raw session tokens and passphrases are never stored.
package identity

import (
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/bcrypt"
)

// MinTokenLength is the shortest opaque session token accepted from clients.
const MinTokenLength = 10

var ErrEmptySecret = errors.New("identity secret cannot be empty")

// Hasher maps an opaque client session token to a stable, non-reversible
// participant identity using a keyed BLAKE2b-256 digest.
type Hasher struct {
	key []byte
}

func NewHasher(secret []byte) (*Hasher, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	// blake2b keys are capped at 64 bytes; fold longer secrets down.
	key := blake2b.Sum256(secret)
	return &Hasher{key: key[:]}, nil
}

func (h *Hasher) Hash(token string) string {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		// key length is fixed at 32 bytes
		panic(err)
	}
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func ValidToken(token string) bool {
	return len(token) >= MinTokenLength
}

// HashPassphrase returns the bcrypt digest of a trimmed passphrase, or an
// empty digest when no passphrase is set.
func HashPassphrase(passphrase string) (string, error) {
	passphrase = strings.TrimSpace(passphrase)
	if passphrase == "" {
		return "", nil
	}

	digest, err := bcrypt.GenerateFromPassword([]byte(passphrase), bcrypt.DefaultCost)
	return string(digest), err
}

// VerifyRoomPassphrase always succeeds for rooms without a digest.
func VerifyRoomPassphrase(digest, supplied string) bool {
	if digest == "" {
		return true
	}

	supplied = strings.TrimSpace(supplied)
	if supplied == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(supplied)) == nil
}

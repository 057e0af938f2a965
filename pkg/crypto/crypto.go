// Package crypto seals room payloads with a symmetric key derived from the
// room name. Anyone who knows the room name can open its messages; sealing
// only keeps payloads opaque to peers relaying a room they have not joined
// under the same name.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keySize = 32

var (
	roomSalt = []byte("roomchat/room-key/v1")

	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// RoomKey derives the AES-256 key for a room.
func RoomKey(room string) []byte {
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(room), roomSalt, nil)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails past 255*hash-size bytes
		panic(err)
	}
	return key
}

// Seal encrypts plaintext for room with AES-GCM and returns base64 of
// nonce||ciphertext.
func Seal(plaintext []byte, room string) (string, error) {
	gcm, err := newGCM(RoomKey(room))
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, []byte(room))
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open reverses Seal. It fails if sealed was produced for a different room or
// has been tampered with.
func Open(sealed string, room string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(RoomKey(room))
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrCiphertextTooShort
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ct, []byte(room))
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
